package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	promodomain "github.com/storelift/metering/internal/promo/domain"
)

type redeemPromoRequest struct {
	Code string `json:"code"`
}

// RedeemPromo consumes one use of the code and applies the entitlement to
// the shop's subscription in the same request.
func (s *Server) RedeemPromo(c *gin.Context) {
	var req redeemPromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entitlement, err := s.promoSvc.Redeem(c.Request.Context(), req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, err := s.quotaSvc.ApplyEntitlement(c.Request.Context(), s.shop(c), *entitlement)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entitlement":  entitlement,
		"subscription": subscription,
	})
}

func (s *Server) CheckPromo(c *gin.Context) {
	promo, err := s.promoSvc.CheckValidity(c.Request.Context(), c.Param("code"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":       promo.Code,
		"type":       promo.Type,
		"valid":      true,
		"expires_at": promo.ExpiresAt,
	})
}

type generatePromoRequest struct {
	Count           int                   `json:"count"`
	Type            promodomain.PromoType `json:"type"`
	TrialDays       int                   `json:"trial_days"`
	DiscountPercent int                   `json:"discount_percent"`
	Plan            string                `json:"plan"`
	Campaign        string                `json:"campaign"`
	MaxUses         int64                 `json:"max_uses"`
	ExpiresAt       time.Time             `json:"expires_at"`
}

func (s *Server) GeneratePromoCodes(c *gin.Context) {
	var req generatePromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	codes, err := s.promoSvc.GenerateCodes(c.Request.Context(), req.Count, promodomain.GenerateOptions{
		Type:            req.Type,
		TrialDays:       req.TrialDays,
		DiscountPercent: req.DiscountPercent,
		Plan:            req.Plan,
		Campaign:        req.Campaign,
		MaxUses:         req.MaxUses,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"codes": codes})
}
