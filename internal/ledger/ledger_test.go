package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/safar/market-orders/internal/apperr"
	"github.com/safar/market-orders/internal/database/dbtest"
	"github.com/safar/market-orders/internal/models"
	"go.uber.org/zap/zaptest"
)

func TestPruneRefusesShortWindow(t *testing.T) {
	l := New(nil, zaptest.NewLogger(t))

	_, err := l.Prune(context.Background(), 7*24*time.Hour)
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestRecordDetectsDuplicate(t *testing.T) {
	db := dbtest.New(t)
	l := New(db, zaptest.NewLogger(t))
	ctx := context.Background()

	ev := &models.PaymentEvent{
		Provider:          "stripe",
		ExternalEventID:   "evt_1",
		GatewayPaymentRef: "pi_1",
		Kind:              "payment_captured",
		Outcome:           models.EventOutcomeIgnored,
		RawPayload:        []byte(`{"id":"evt_1"}`),
	}

	isNew, err := l.Record(ctx, db, ev)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !isNew || ev.ID == 0 {
		t.Fatalf("Expected first record to be new with an id, got new=%v id=%d", isNew, ev.ID)
	}

	again := *ev
	again.ID = 0
	isNew, err = l.Record(ctx, db, &again)
	if err != nil {
		t.Fatalf("Record again: %v", err)
	}
	if isNew {
		t.Fatal("Expected second record to be detected as existing")
	}

	stored, err := l.Lookup(ctx, db, "stripe", "evt_1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if stored.Outcome != models.EventOutcomeIgnored || string(stored.RawPayload) != `{"id":"evt_1"}` {
		t.Errorf("Unexpected stored event: %+v", stored)
	}

	n, err := l.CountForPaymentRef(ctx, "stripe", "pi_1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 event, got %d", n)
	}
}

func TestRecordConcurrentDeliveries(t *testing.T) {
	db := dbtest.New(t)
	l := New(db, zaptest.NewLogger(t))
	ctx := context.Background()

	const deliveries = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, err := l.Record(ctx, db, &models.PaymentEvent{
				Provider:        "razorpay",
				ExternalEventID: "evt_race",
				Kind:            "payment_captured",
				Outcome:         models.EventOutcomeIgnored,
				RawPayload:      []byte(`{}`),
			})
			if err != nil {
				t.Errorf("Record: %v", err)
				return
			}
			if isNew {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Errorf("Expected exactly one new insert, got %d", fresh)
	}
}

func TestPruneDeletesOldEvents(t *testing.T) {
	db := dbtest.New(t)
	l := New(db, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, id := range []string{"evt_old", "evt_new"} {
		if _, err := l.Record(ctx, db, &models.PaymentEvent{
			Provider: "stripe", ExternalEventID: id, Kind: "payment_captured",
			Outcome: models.EventOutcomeIgnored, RawPayload: []byte(`{}`),
		}); err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
	}
	if _, err := db.Exec(`UPDATE payment_events SET applied_at = NOW() - INTERVAL '40 days' WHERE external_event_id = 'evt_old'`); err != nil {
		t.Fatalf("Age event: %v", err)
	}

	n, err := l.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned event, got %d", n)
	}
	if _, err := l.Lookup(ctx, db, "stripe", "evt_new"); err != nil {
		t.Errorf("Recent event should survive: %v", err)
	}
}
