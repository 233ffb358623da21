package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/order"
	"github.com/safar/market-orders/internal/refund"
	"github.com/shopspring/decimal"
)

type createOrderItem struct {
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Items           []createOrderItem      `json:"items"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	CouponCode      string                 `json:"coupon_code"`
}

type chargeRequest struct {
	Provider string `json:"provider"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	items := make([]order.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, order.Item{ListingID: it.ListingID, Quantity: it.Quantity})
	}

	o, err := s.deps.Orders.Create(c.Request.Context(), order.CreateRequest{
		BuyerID:         currentUser(c),
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		CouponCode:      req.CouponCode,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": o})
}

func (s *Server) ListOrders(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, apperr.Validation("limit", "must be an integer"))
			return
		}
		limit = n
	}

	page, err := s.deps.Orders.List(c.Request.Context(), currentUser(c), c.Query("cursor"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": page})
}

func (s *Server) GetOrder(c *gin.Context) {
	o, ok := s.loadOrder(c, partyBuyer|partySeller)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": o})
}

func (s *Server) ListRefunds(c *gin.Context) {
	o, ok := s.loadOrder(c, partyBuyer|partySeller)
	if !ok {
		return
	}

	refunds, err := s.deps.Orders.Refunds(c.Request.Context(), o.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refunds})
}

func (s *Server) CreateCharge(c *gin.Context) {
	o, ok := s.loadOrder(c, partyBuyer)
	if !ok {
		return
	}

	var req chargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		AbortWithError(c, apperr.Validation("provider", "is required"))
		return
	}

	charge, err := s.deps.Checkout.CreateCharge(c.Request.Context(), o.ID, provider)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": charge})
}

func (s *Server) ConfirmOrder(c *gin.Context) {
	s.transition(c, partySeller, order.EventSellerConfirm)
}

func (s *Server) ShipOrder(c *gin.Context) {
	s.transition(c, partySeller, order.EventMarkShipped)
}

func (s *Server) DeliverOrder(c *gin.Context) {
	s.transition(c, partySeller, order.EventMarkDelivered)
}

func (s *Server) CancelOrder(c *gin.Context) {
	o, ok := s.loadOrder(c, partyBuyer|partySeller)
	if !ok {
		return
	}

	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.deps.Refunds.Cancel(c.Request.Context(), o.ID, currentUser(c), strings.TrimSpace(req.Reason))
	if err != nil && res == nil {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		// Cancelled, but the refund did not go through; it is retried by reconciliation.
		_, body := errorResponse(err)
		c.JSON(http.StatusAccepted, gin.H{"data": res, "refund_error": body})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": res})
}

// RefundOrder is for the seller or staff. Buyers get their money back by
// cancelling.
func (s *Server) RefundOrder(c *gin.Context) {
	o, ok := s.loadOrder(c, partySeller)
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.deps.Refunds.Refund(c.Request.Context(), refund.Request{
		OrderID: o.ID,
		Amount:  req.Amount,
		Reason:  req.Reason,
		Actor:   currentUser(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if res.Refund != nil && res.Refund.Status == models.RefundStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": res})
}

func (s *Server) transition(c *gin.Context, allowed party, name order.EventName) {
	o, ok := s.loadOrder(c, allowed)
	if !ok {
		return
	}

	var req reasonRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	next, err := s.deps.Machine.Transition(c.Request.Context(), o.ID, order.Event{
		Name:   name,
		Actor:  currentUser(c),
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": next})
}

// loadOrder resolves :id and checks the caller may act on it. On failure the
// response has been written.
func (s *Server) loadOrder(c *gin.Context, allowed party) (*models.Order, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		AbortWithError(c, invalidIDError())
		return nil, false
	}

	o, err := s.deps.Orders.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if err := authorize(c, o, allowed); err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return o, true
}

// bindOptionalJSON binds the body when there is one.
func bindOptionalJSON(c *gin.Context, out any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(out)
}
