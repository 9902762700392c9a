package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storelift/metering/internal/account"
	accountdomain "github.com/storelift/metering/internal/account/domain"
	"github.com/storelift/metering/internal/config"
	"github.com/storelift/metering/internal/observability"
	obsmiddleware "github.com/storelift/metering/internal/observability/logger"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	obstracing "github.com/storelift/metering/internal/observability/tracing"
	"github.com/storelift/metering/internal/promo"
	promodomain "github.com/storelift/metering/internal/promo/domain"
	"github.com/storelift/metering/internal/purchase"
	purchasedomain "github.com/storelift/metering/internal/purchase/domain"
	"github.com/storelift/metering/internal/quota"
	quotadomain "github.com/storelift/metering/internal/quota/domain"
	"github.com/storelift/metering/internal/ratelimit"
	"github.com/storelift/metering/internal/reservation"
	reservationdomain "github.com/storelift/metering/internal/reservation/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	account.Module,
	reservation.Module,
	purchase.Module,
	quota.Module,
	promo.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, metrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(metrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, metrics *obsmetrics.Metrics) *gin.Engine {
	return NewEngine(obsCfg, metrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	genID          *snowflake.Node
	accountSvc     accountdomain.Service
	reservationSvc reservationdomain.Service
	purchaseSvc    purchasedomain.Service
	quotaSvc       quotadomain.Service
	promoSvc       promodomain.Service
	limiter        *ratelimit.ShopLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	GenID          *snowflake.Node
	AccountSvc     accountdomain.Service
	ReservationSvc reservationdomain.Service
	PurchaseSvc    purchasedomain.Service
	QuotaSvc       quotadomain.Service
	PromoSvc       promodomain.Service
	Limiter        *ratelimit.ShopLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		genID:          p.GenID,
		accountSvc:     p.AccountSvc,
		reservationSvc: p.ReservationSvc,
		purchaseSvc:    p.PurchaseSvc,
		quotaSvc:       p.QuotaSvc,
		promoSvc:       p.PromoSvc,
		limiter:        p.Limiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.ShopContext())

	// -------- Reservations --------
	api.POST("/reservations", s.RateLimitByShop(), s.Reserve)
	api.POST("/reservations/:id/finalize", s.FinalizeReservation)
	api.POST("/reservations/:id/cancel", s.CancelReservation)

	// -------- Usage --------
	api.POST("/usage/deduct", s.RateLimitByShop(), s.DeductUsage)

	// -------- Account --------
	api.GET("/account", s.GetAccount)
	api.GET("/account/history", s.GetAccountHistory)

	// -------- Purchases --------
	api.POST("/purchases", s.RecordPurchase)

	// -------- Quota --------
	api.GET("/quota", s.GetQuota)
	api.POST("/quota/consume", s.ConsumeQuota)
	api.GET("/quota/providers/:provider", s.CheckQuotaProvider)

	// -------- Promos --------
	api.POST("/promos/redeem", s.RedeemPromo)
	api.GET("/promos/:code", s.CheckPromo)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/admin")

	admin.POST("/promos/generate", s.GeneratePromoCodes)
}
