package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	quotadomain "github.com/storelift/metering/internal/quota/domain"
)

func (s *Server) GetQuota(c *gin.Context) {
	status, err := s.quotaSvc.Check(c.Request.Context(), s.shop(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

type consumeQuotaRequest struct {
	Count      int64  `json:"count"`
	RequestKey string `json:"request_key"`
}

func (s *Server) ConsumeQuota(c *gin.Context) {
	var req consumeQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	status, err := s.quotaSvc.Consume(c.Request.Context(), quotadomain.ConsumeRequest{
		ShopDomain: s.shop(c),
		Count:      req.Count,
		RequestKey: req.RequestKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) CheckQuotaProvider(c *gin.Context) {
	status, err := s.quotaSvc.CheckProvider(c.Request.Context(), s.shop(c), c.Param("provider"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}
