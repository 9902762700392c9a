package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	reservationdomain "github.com/storelift/metering/internal/reservation/domain"
)

type reserveRequest struct {
	EstimatedTokens int64          `json:"estimated_tokens"`
	Feature         string         `json:"feature"`
	RelatedEntityID string         `json:"related_entity_id"`
	Metadata        map[string]any `json:"metadata"`
}

func (s *Server) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	reservation, err := s.reservationSvc.Reserve(c.Request.Context(), reservationdomain.ReserveRequest{
		ShopDomain:      s.shop(c),
		EstimatedTokens: req.EstimatedTokens,
		Feature:         req.Feature,
		RelatedEntityID: req.RelatedEntityID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservation)
}

type finalizeRequest struct {
	ActualTokens int64 `json:"actual_tokens"`
}

func (s *Server) FinalizeReservation(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.reservationSvc.Finalize(c.Request.Context(), reservationdomain.FinalizeRequest{
		ShopDomain:    s.shop(c),
		ReservationID: c.Param("id"),
		ActualTokens:  req.ActualTokens,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) CancelReservation(c *gin.Context) {
	result, err := s.reservationSvc.Cancel(c.Request.Context(), s.shop(c), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type deductRequest struct {
	Tokens          int64          `json:"tokens"`
	Feature         string         `json:"feature"`
	RelatedEntityID string         `json:"related_entity_id"`
	Metadata        map[string]any `json:"metadata"`
}

func (s *Server) DeductUsage(c *gin.Context) {
	var req deductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err := s.reservationSvc.Deduct(c.Request.Context(), reservationdomain.DeductRequest{
		ShopDomain:      s.shop(c),
		Tokens:          req.Tokens,
		Feature:         req.Feature,
		RelatedEntityID: req.RelatedEntityID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deducted": req.Tokens})
}
