package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/storelift/metering/internal/shopctx"
)

const (
	HeaderShopDomain = "X-Shop-Domain"

	contextShopKey = "shop_domain"
)

// ShopContext resolves the calling shop from the X-Shop-Domain header and
// injects it into the request context for handlers and the access log.
func (s *Server) ShopContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		shopDomain := shopctx.Normalize(c.GetHeader(HeaderShopDomain))
		if shopDomain == "" {
			AbortWithError(c, newValidationError("shop_domain", "missing_shop_domain", "X-Shop-Domain header is required"))
			return
		}

		c.Set(contextShopKey, shopDomain)
		c.Request = c.Request.WithContext(shopctx.WithShop(c.Request.Context(), shopDomain))
		c.Next()
	}
}

func (s *Server) shop(c *gin.Context) string {
	return c.GetString(contextShopKey)
}

// RateLimitByShop throttles metered calls per shop when the redis limiter
// is configured; without it the middleware passes everything through.
func (s *Server) RateLimitByShop() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		result, err := s.limiter.AllowShop(c.Request.Context(), s.shop(c))
		if err != nil {
			// Limiter errors fail open.
			c.Next()
			return
		}
		if !result.Allowed {
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())+1))
			}
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
