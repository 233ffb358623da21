package order

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/config"
	"github.com/safar/market-orders/internal/coupon"
	"github.com/safar/market-orders/internal/database"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/notify"
	"github.com/safar/market-orders/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Catalog is the read side of the listings service.
type Catalog interface {
	Listings(ctx context.Context, ids []string) (map[string]models.Listing, error)
}

// DBCatalog reads the listings table the catalog service publishes.
type DBCatalog struct {
	db *sql.DB
}

func NewCatalog(db *sql.DB) *DBCatalog {
	return &DBCatalog{db: db}
}

func (c *DBCatalog) Listings(ctx context.Context, ids []string) (map[string]models.Listing, error) {
	return store.GetListings(ctx, c.db, ids)
}

type Item struct {
	ListingID string `json:"listing_id"`
	Quantity  int    `json:"quantity"`
}

type CreateRequest struct {
	BuyerID         string                 `json:"-"`
	Items           []Item                 `json:"items"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	CouponCode      string                 `json:"coupon_code,omitempty"`
}

// Service creates orders and serves reads.
type Service struct {
	db          *sql.DB
	catalog     Catalog
	coupons     *coupon.Engine
	notifier    Notifier
	ids         *snowflake.Node
	validate    *validator.Validate
	currency    string
	maxQuantity int
	log         *zap.Logger
	txOpts      database.TxOptions
}

func NewService(db *sql.DB, catalog Catalog, coupons *coupon.Engine, ids *snowflake.Node, n Notifier,
	cfg config.OrdersConfig, currency string, log *zap.Logger) *Service {
	maxQty := cfg.MaxItemQuantity
	if maxQty < 1 {
		maxQty = 100
	}
	return &Service{
		db:          db,
		catalog:     catalog,
		coupons:     coupons,
		notifier:    n,
		ids:         ids,
		validate:    newValidator(),
		currency:    strings.ToUpper(currency),
		maxQuantity: maxQty,
		log:         log.Named("order"),
		txOpts:      database.DefaultTxOptions(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Create prices the request from the catalog and stores a pending, unpaid
// order. A coupon is redeemed in the same transaction as the insert, so
// either both persist or neither does.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Order, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		ids[i] = item.ListingID
	}
	listings, err := s.catalog.Listings(ctx, ids)
	if err != nil {
		return nil, err
	}

	draft, err := s.draft(req, listings)
	if err != nil {
		return nil, err
	}

	var created *models.Order
	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		o := *draft
		o.Items = append([]models.OrderItem(nil), draft.Items...)

		var quote *coupon.Quote
		if code := coupon.NormalizeCode(req.CouponCode); code != "" {
			quote, err = s.coupons.Reserve(ctx, tx, code, req.BuyerID, o.ItemAmount)
			if err != nil {
				return err
			}
			o.DiscountAmount = quote.DiscountAmount
			o.CouponID = &quote.CouponID
		}

		o.TotalAmount = models.ComputeTotal(o.ItemAmount, o.ShippingFee, o.TaxAmount, o.DiscountAmount)
		if !o.TotalAmount.IsPositive() {
			return apperr.Validation("total_amount", "must be greater than zero")
		}

		if err := store.InsertOrder(ctx, tx, &o); err != nil {
			return err
		}
		if quote != nil {
			if err := s.coupons.Commit(ctx, tx, quote, req.BuyerID, o.ID); err != nil {
				return err
			}
		}

		created = &o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", created.ID.String()),
		zap.String("order_number", created.OrderNumber),
		zap.String("total", created.TotalAmount.StringFixed(2)))
	if s.notifier != nil {
		s.notifier.Notify(ctx, created.ID, notify.KindOrderCreated, payload(created))
	}
	return created, nil
}

func (s *Service) check(req CreateRequest) error {
	if strings.TrimSpace(req.BuyerID) == "" {
		return apperr.Validation("buyer_id", "is required")
	}
	if len(req.Items) == 0 {
		return apperr.Validation("items", "at least one item is required")
	}

	seen := make(map[string]bool, len(req.Items))
	for i, item := range req.Items {
		if strings.TrimSpace(item.ListingID) == "" {
			return apperr.Validation("items", "item %d: listing_id is required", i)
		}
		if item.Quantity < 1 || item.Quantity > s.maxQuantity {
			return apperr.Validation("items", "item %d: quantity must be between 1 and %d", i, s.maxQuantity)
		}
		if seen[item.ListingID] {
			return apperr.Validation("items", "listing %s appears more than once", item.ListingID)
		}
		seen[item.ListingID] = true
	}

	if err := s.validate.Struct(req.ShippingAddress); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Validation("shipping_address."+fe.Field(), "failed %q check", fe.Tag())
		}
		return apperr.Validation("shipping_address", "%v", err)
	}
	return nil
}

// draft builds the order without a discount. Shipping is charged once per
// order at the highest fee among its listings.
func (s *Service) draft(req CreateRequest, listings map[string]models.Listing) (*models.Order, error) {
	o := &models.Order{
		ID:              uuid.New(),
		OrderNumber:     "ORD-" + s.ids.Generate().String(),
		BuyerID:         req.BuyerID,
		Currency:        s.currency,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusUnpaid,
		ShippingAddress: req.ShippingAddress,
		ItemAmount:      decimal.Zero,
		ShippingFee:     decimal.Zero,
		TaxAmount:       decimal.Zero,
		DiscountAmount:  decimal.Zero,
		CapturedAmount:  decimal.Zero,
	}

	for i, item := range req.Items {
		l, ok := listings[item.ListingID]
		if !ok || !l.Active {
			return nil, apperr.Validation("items", "item %d: listing %s is not available", i, item.ListingID)
		}
		if o.SellerID == "" {
			o.SellerID = l.SellerID
		} else if o.SellerID != l.SellerID {
			return nil, apperr.Validation("items", "all items must come from one seller")
		}

		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal := l.Price.Mul(qty).Round(2)
		o.ItemAmount = o.ItemAmount.Add(subtotal)
		o.TaxAmount = o.TaxAmount.Add(l.TaxAmount.Mul(qty).Round(2))
		if l.ShippingFee.GreaterThan(o.ShippingFee) {
			o.ShippingFee = l.ShippingFee
		}

		o.Items = append(o.Items, models.OrderItem{
			ListingID: l.ID,
			Title:     l.Title,
			Quantity:  item.Quantity,
			UnitPrice: l.Price,
			UnitTax:   l.TaxAmount,
			Subtotal:  subtotal,
		})
	}

	if o.SellerID == req.BuyerID {
		return nil, apperr.Validation("buyer_id", "buyers cannot order their own listings")
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return store.GetOrder(ctx, s.db, id)
}

func (s *Service) List(ctx context.Context, buyerID, cursor string, limit int) (*store.CursorPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page, err := store.ListOrdersCursor(ctx, s.db, buyerID, cursor, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			return nil, apperr.Validation("cursor", "is invalid")
		}
		return nil, err
	}
	return page, nil
}

func (s *Service) Refunds(ctx context.Context, id uuid.UUID) ([]models.Refund, error) {
	return store.ListRefunds(ctx, s.db, id)
}
