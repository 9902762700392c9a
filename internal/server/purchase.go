package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	purchasedomain "github.com/storelift/metering/internal/purchase/domain"
)

type recordPurchaseRequest struct {
	USDAmount        decimal.Decimal `json:"usd_amount"`
	TokensReceived   int64           `json:"tokens_received"`
	ExternalChargeID string          `json:"external_charge_id"`
}

// RecordPurchase books a confirmed payment. Callers send the payment
// processor's charge ID; replays of the same charge return 409.
func (s *Server) RecordPurchase(c *gin.Context) {
	var req recordPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	purchase, err := s.purchaseSvc.Record(c.Request.Context(), purchasedomain.RecordRequest{
		ShopDomain:       s.shop(c),
		USDAmount:        req.USDAmount,
		TokensReceived:   req.TokensReceived,
		ExternalChargeID: req.ExternalChargeID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, purchase)
}
