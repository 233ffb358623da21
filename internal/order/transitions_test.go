package order

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/models"
	"github.com/safar/market-orders/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testOrder(status models.OrderStatus, payment models.PaymentStatus) *models.Order {
	return &models.Order{
		ID:             uuid.New(),
		OrderNumber:    "ORD-1",
		Status:         status,
		PaymentStatus:  payment,
		ItemAmount:     dec("1000"),
		DiscountAmount: dec("100"),
		TotalAmount:    dec("900"),
		CapturedAmount: dec("900"),
		Currency:       "INR",
		Version:        1,
	}
}

// legalEdges is the full table written out by hand. A change to the table
// must be reflected here.
var legalEdges = map[models.OrderStatus][]EventName{
	models.OrderStatusPending: {
		EventPaymentAuthorized, EventPaymentCaptured, EventPaymentFailed, EventSellerConfirm, EventCancel,
	},
	models.OrderStatusConfirmed: {
		EventPaymentCaptured, EventPaymentFailed, EventCancel, EventRefundSucceeded,
	},
	models.OrderStatusProcessing: {EventCancel, EventMarkShipped, EventRefundSucceeded},
	models.OrderStatusShipped:    {EventMarkDelivered, EventRefundSucceeded},
	models.OrderStatusDelivered:  {EventAutoComplete, EventRefundSucceeded},
	models.OrderStatusCompleted:  {},
	models.OrderStatusCancelled:  {EventRefundSucceeded},
	models.OrderStatusRefunded:   {},
}

func TestEveryAbsentPairIsIllegal(t *testing.T) {
	for _, status := range models.OrderStatuses {
		allowed := make(map[EventName]bool)
		for _, ev := range legalEdges[status] {
			allowed[ev] = true
		}

		for _, name := range Events {
			assert.Equal(t, allowed[name], Legal(status, name), "%s from %s", name, status)
			if allowed[name] {
				continue
			}

			for _, payment := range models.PaymentStatuses {
				o := testOrder(status, payment)
				before := *o

				next, err := Next(o, Event{Name: name, RefundedTotal: dec("100")}, Rules{})
				require.Error(t, err, "%s from %s/%s", name, status, payment)
				assert.Nil(t, next)
				assert.True(t, apperr.IsIllegalTransition(err))
				assert.Equal(t, before, *o, "order must be untouched")
			}
		}
	}
}

func TestNextDoesNotModifyInput(t *testing.T) {
	o := testOrder(models.OrderStatusPending, models.PaymentStatusUnpaid)
	o.CapturedAmount = decimal.Zero
	before := *o

	next, err := Next(o, Event{Name: EventPaymentCaptured, PaymentRef: "pay_1"}, Rules{})
	require.NoError(t, err)

	assert.Equal(t, before, *o)
	assert.Equal(t, models.OrderStatusProcessing, next.Status)
	assert.Equal(t, models.PaymentStatusPaid, next.PaymentStatus)
	assert.True(t, next.CapturedAmount.Equal(dec("900")), "capture defaults to order total")
	require.NotNil(t, next.GatewayPaymentRef)
	assert.Equal(t, "pay_1", *next.GatewayPaymentRef)
	assert.NotNil(t, next.PaidAt)
}

func TestPaymentRefIsNeverOverwritten(t *testing.T) {
	o := testOrder(models.OrderStatusPending, models.PaymentStatusUnpaid)

	authorized, err := Next(o, Event{Name: EventPaymentAuthorized, PaymentRef: "pay_1"}, Rules{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, authorized.Status)
	assert.Equal(t, models.PaymentStatusAuthorized, authorized.PaymentStatus)

	captured, err := Next(authorized, Event{Name: EventPaymentCaptured, PaymentRef: "pay_2", Amount: dec("900")}, Rules{})
	require.NoError(t, err)
	assert.Equal(t, "pay_1", *captured.GatewayPaymentRef)
}

func TestStalePaymentFailedAfterCapture(t *testing.T) {
	o := testOrder(models.OrderStatusProcessing, models.PaymentStatusPaid)
	_, err := Next(o, Event{Name: EventPaymentFailed}, Rules{})
	assert.True(t, apperr.IsIllegalTransition(err))
}

func TestCaptureRequiresUnpaidOrAuthorized(t *testing.T) {
	o := testOrder(models.OrderStatusConfirmed, models.PaymentStatusPaid)
	_, err := Next(o, Event{Name: EventPaymentCaptured}, Rules{})
	assert.True(t, apperr.IsIllegalTransition(err))
}

func TestCancelRecordsActorAndReason(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o := testOrder(models.OrderStatusConfirmed, models.PaymentStatusUnpaid)

	next, err := Next(o, Event{Name: EventCancel, Actor: "buyer-1", Reason: "changed my mind", At: at}, Rules{})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCancelled, next.Status)
	assert.Equal(t, "buyer-1", *next.CancelledBy)
	assert.Equal(t, "changed my mind", *next.CancelReason)
	assert.Equal(t, at, *next.CancelledAt)
}

func TestPaymentFailedCancelsAsSystem(t *testing.T) {
	o := testOrder(models.OrderStatusPending, models.PaymentStatusAuthorized)

	next, err := Next(o, Event{Name: EventPaymentFailed, Reason: "card declined"}, Rules{})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, next.Status)
	assert.Equal(t, models.PaymentStatusFailed, next.PaymentStatus)
	assert.Equal(t, "system", *next.CancelledBy)
}

func TestAutoCompleteWaitsForWindow(t *testing.T) {
	delivered := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rules := Rules{AutoCompleteAfter: 7 * 24 * time.Hour}
	o := testOrder(models.OrderStatusDelivered, models.PaymentStatusPaid)
	o.DeliveredAt = &delivered

	_, err := Next(o, Event{Name: EventAutoComplete, At: delivered.Add(6 * 24 * time.Hour)}, rules)
	var ill *apperr.IllegalTransitionError
	require.ErrorAs(t, err, &ill)
	assert.Contains(t, ill.Why, "not due")

	next, err := Next(o, Event{Name: EventAutoComplete, At: delivered.Add(7 * 24 * time.Hour)}, rules)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, next.Status)
	assert.NotNil(t, next.CompletedAt)
}

func TestRefundSucceeded(t *testing.T) {
	tests := []struct {
		name        string
		status      models.OrderStatus
		payment     models.PaymentStatus
		refunded    string
		wantStatus  models.OrderStatus
		wantPayment models.PaymentStatus
		wantKind    string
	}{
		{
			name: "partial keeps status", status: models.OrderStatusShipped, payment: models.PaymentStatusPaid,
			refunded: "300", wantStatus: models.OrderStatusShipped, wantPayment: models.PaymentStatusPartiallyRefunded,
			wantKind: notify.KindOrderPartiallyRefunded,
		},
		{
			name: "full refund", status: models.OrderStatusProcessing, payment: models.PaymentStatusPaid,
			refunded: "900", wantStatus: models.OrderStatusRefunded, wantPayment: models.PaymentStatusRefunded,
			wantKind: notify.KindOrderRefunded,
		},
		{
			name: "remaining balance after partial", status: models.OrderStatusDelivered, payment: models.PaymentStatusPartiallyRefunded,
			refunded: "900", wantStatus: models.OrderStatusRefunded, wantPayment: models.PaymentStatusRefunded,
			wantKind: notify.KindOrderRefunded,
		},
		{
			name: "cancelled after capture", status: models.OrderStatusCancelled, payment: models.PaymentStatusPaid,
			refunded: "900", wantStatus: models.OrderStatusRefunded, wantPayment: models.PaymentStatusRefunded,
			wantKind: notify.KindOrderRefunded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder(tt.status, tt.payment)
			next, err := Next(o, Event{Name: EventRefundSucceeded, RefundedTotal: dec(tt.refunded)}, Rules{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, next.Status)
			assert.Equal(t, tt.wantPayment, next.PaymentStatus)
			assert.Equal(t, tt.wantKind, NotificationKind(EventRefundSucceeded, next))
		})
	}
}

func TestRefundSucceededGuards(t *testing.T) {
	tests := []struct {
		name     string
		payment  models.PaymentStatus
		refunded string
	}{
		{name: "unpaid", payment: models.PaymentStatusUnpaid, refunded: "100"},
		{name: "over captured", payment: models.PaymentStatusPaid, refunded: "900.01"},
		{name: "zero", payment: models.PaymentStatusPaid, refunded: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOrder(models.OrderStatusProcessing, tt.payment)
			_, err := Next(o, Event{Name: EventRefundSucceeded, RefundedTotal: dec(tt.refunded)}, Rules{})
			assert.True(t, apperr.IsIllegalTransition(err))
		})
	}
}

func TestExpectRejectsMovedOrder(t *testing.T) {
	o := testOrder(models.OrderStatusProcessing, models.PaymentStatusPaid)
	_, err := Next(o, Event{Name: EventCancel, Expect: models.OrderStatusPending}, Rules{})
	assert.True(t, apperr.IsIllegalTransition(err))

	o = testOrder(models.OrderStatusPending, models.PaymentStatusAuthorized)
	_, err = Next(o, Event{Name: EventCancel, Expect: models.OrderStatusPending, ExpectPayment: models.PaymentStatusUnpaid}, Rules{})
	assert.True(t, apperr.IsIllegalTransition(err))
}

func TestTimestampsSetOnce(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := testOrder(models.OrderStatusPending, models.PaymentStatusUnpaid)
	o.PaidAt = &first

	next, err := Next(o, Event{Name: EventPaymentCaptured, At: first.Add(time.Hour)}, Rules{})
	require.NoError(t, err)
	assert.Equal(t, first, *next.PaidAt)
}

func TestNotificationKinds(t *testing.T) {
	o := testOrder(models.OrderStatusPending, models.PaymentStatusUnpaid)
	assert.Equal(t, "", NotificationKind(EventPaymentAuthorized, o))
	assert.Equal(t, notify.KindOrderPaid, NotificationKind(EventPaymentCaptured, o))
	assert.Equal(t, notify.KindOrderShipped, NotificationKind(EventMarkShipped, o))
	assert.Equal(t, notify.KindOrderCompleted, NotificationKind(EventAutoComplete, o))
}
