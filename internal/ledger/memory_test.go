package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreCreditLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.UpsertFromInvoice(ctx, UpsertParams{
		ReferenceID:      "ref-1",
		PaymentReference: "cpi-1",
		OwnerID:          "user-1",
		Tokens:           1000,
		Amount:           10,
		Currency:         "GBP",
	}); err != nil {
		t.Fatalf("UpsertFromInvoice: %v", err)
	}

	record, err := store.TryBeginCredit(ctx, "cpi-1")
	if err != nil {
		t.Fatalf("TryBeginCredit: %v", err)
	}
	if record == nil || record.CreditState != CreditProcessing {
		t.Fatalf("expected claimed record in processing state, got %+v", record)
	}

	// A second claim while processing must not be granted.
	if again, _ := store.TryBeginCredit(ctx, "cpi-1"); again != nil {
		t.Fatalf("expected second claim to be refused, got %+v", again)
	}

	record, err = store.MarkCredited(ctx, "cpi-1")
	if err != nil {
		t.Fatalf("MarkCredited: %v", err)
	}
	if !record.Credited() || record.CreditedAt == nil {
		t.Fatalf("expected credited record, got %+v", record)
	}

	// Terminal state: no further claims, no double credit.
	if again, _ := store.TryBeginCredit(ctx, "cpi-1"); again != nil {
		t.Fatalf("expected claim on credited record to be refused")
	}
	if _, err := store.MarkCredited(ctx, "cpi-1"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryStoreReleaseCreditLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.UpsertFromInvoice(ctx, UpsertParams{ReferenceID: "ref-1", PaymentReference: "cpi-1"})
	if record, _ := store.TryBeginCredit(ctx, "cpi-1"); record == nil {
		t.Fatalf("expected to claim credit lock")
	}

	if err := store.ReleaseCreditLock(ctx, "cpi-1"); err != nil {
		t.Fatalf("ReleaseCreditLock: %v", err)
	}

	// The lock is free again, so a retry can claim it.
	record, err := store.TryBeginCredit(ctx, "cpi-1")
	if err != nil || record == nil {
		t.Fatalf("expected retry to claim lock, got %+v, %v", record, err)
	}

	// Releasing a non-processing record is a no-op.
	if err := store.ReleaseCreditLock(ctx, "missing"); err != nil {
		t.Fatalf("expected no-op release, got %v", err)
	}
}

func TestMemoryStoreConcurrentClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.UpsertFromInvoice(ctx, UpsertParams{ReferenceID: "ref-1", PaymentReference: "cpi-1"})

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := store.TryBeginCredit(ctx, "cpi-1")
			if err != nil {
				t.Errorf("TryBeginCredit: %v", err)
				return
			}
			if record != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", claimed)
	}
}

func TestMemoryStoreObserveCreatesRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Webhook observed before the invoice-creation call was recorded.
	record, err := store.Observe(ctx, Observation{
		PaymentReference: "cpi-early",
		Status:           "processed",
		Resolution:       "ok",
		Metadata:         map[string]any{"user_id": "user-1", "tokens": "500"},
		Origin:           OriginWebhook,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if record.CreditState != CreditNone {
		t.Fatalf("expected fresh record in none state, got %s", record.CreditState)
	}
	if record.WebhookReceivedAt == nil {
		t.Fatalf("expected webhook timestamp to be stamped")
	}

	// A later poll observation stamps confirmed_at without clearing the
	// webhook timestamp.
	record, err = store.Observe(ctx, Observation{
		PaymentReference: "cpi-early",
		Status:           "processed",
		Resolution:       "ok",
		Origin:           OriginPoll,
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if record.WebhookReceivedAt == nil || record.ConfirmedAt == nil {
		t.Fatalf("expected both channel timestamps, got %+v", record)
	}
}

func TestMemoryStoreListUnsettled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.UpsertFromInvoice(ctx, UpsertParams{ReferenceID: "ref-1", PaymentReference: "cpi-1"})
	store.UpsertFromInvoice(ctx, UpsertParams{ReferenceID: "ref-2", PaymentReference: "cpi-2"})

	// cpi-2 gets credited and must not be listed.
	store.TryBeginCredit(ctx, "cpi-2")
	store.MarkCredited(ctx, "cpi-2")

	records, err := store.ListUnsettled(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(records) != 1 || records[0].PaymentReference != "cpi-1" {
		t.Fatalf("expected only cpi-1 to be unsettled, got %+v", records)
	}

	// Nothing is stale relative to a cutoff in the past.
	records, err = store.ListUnsettled(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no stale records, got %d", len(records))
	}
}
