package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/shopspring/decimal"
)

type validateCouponRequest struct {
	Code        string          `json:"code"`
	OrderAmount decimal.Decimal `json:"order_amount"`
}

// ValidateCoupon quotes a coupon for the caller without redeeming it.
func (s *Server) ValidateCoupon(c *gin.Context) {
	var req validateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !req.OrderAmount.IsPositive() {
		AbortWithError(c, apperr.Validation("order_amount", "must be greater than zero"))
		return
	}

	quote, err := s.deps.Coupons.Validate(c.Request.Context(), req.Code, currentUser(c), req.OrderAmount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quote})
}
