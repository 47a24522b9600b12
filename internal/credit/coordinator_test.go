package credit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"averis/billing/internal/ledger"
	"averis/billing/pkg/logging"
)

type fakeSink struct {
	mu      sync.Mutex
	calls   int32
	fail    error
	balance int64
}

func (s *fakeSink) Credit(_ context.Context, ownerID string, tokens int64, _ string) (int64, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, s.fail
	}
	s.balance += tokens
	return s.balance, nil
}

func (s *fakeSink) callCount() int {
	return int(atomic.LoadInt32(&s.calls))
}

func processedObservation(origin ledger.Origin) ledger.Observation {
	return ledger.Observation{
		PaymentReference: "cpi-1",
		Status:           "processed",
		Resolution:       "ok",
		Metadata:         map[string]any{"user_id": "user-1", "tokens": "1000"},
		Origin:           origin,
	}
}

func TestProcessCreditsExactlyOnce(t *testing.T) {
	store := ledger.NewMemoryStore()
	sink := &fakeSink{}
	coordinator := NewCoordinator(store, sink, nil, logging.NewLogger())
	ctx := context.Background()

	result, err := coordinator.Process(ctx, processedObservation(ledger.OriginWebhook))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeCredited || result.Tokens != 1000 || result.Balance != 1000 {
		t.Fatalf("expected credited result, got %+v", result)
	}

	// Redeliveries observe the terminal state without touching the sink.
	for i := 0; i < 5; i++ {
		result, err = coordinator.Process(ctx, processedObservation(ledger.OriginWebhook))
		if err != nil {
			t.Fatalf("unexpected error on redelivery: %v", err)
		}
		if result.Outcome != OutcomeAlreadyCredited {
			t.Fatalf("expected already-credited outcome, got %+v", result)
		}
	}

	if sink.callCount() != 1 {
		t.Fatalf("expected exactly one sink invocation, got %d", sink.callCount())
	}

	record, err := store.GetByReference(ctx, "cpi-1")
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if !record.Credited() || record.CreditedAt == nil {
		t.Fatalf("expected terminal credited record, got %+v", record)
	}
}

func TestProcessWebhookPollRace(t *testing.T) {
	store := ledger.NewMemoryStore()
	sink := &fakeSink{}
	coordinator := NewCoordinator(store, sink, nil, logging.NewLogger())
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		origin := ledger.OriginWebhook
		if i%2 == 1 {
			origin = ledger.OriginPoll
		}
		wg.Add(1)
		go func(origin ledger.Origin) {
			defer wg.Done()
			if _, err := coordinator.Process(ctx, processedObservation(origin)); err != nil {
				t.Errorf("Process: %v", err)
			}
		}(origin)
	}
	wg.Wait()

	if sink.callCount() != 1 {
		t.Fatalf("expected exactly one sink invocation across the race, got %d", sink.callCount())
	}

	record, _ := store.GetByReference(ctx, "cpi-1")
	if !record.Credited() {
		t.Fatalf("expected credited terminal state, got %+v", record)
	}
}

func TestProcessReleasesLockOnSinkFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	sink := &fakeSink{fail: errors.New("balance service down")}
	coordinator := NewCoordinator(store, sink, nil, logging.NewLogger())
	ctx := context.Background()

	if _, err := coordinator.Process(ctx, processedObservation(ledger.OriginWebhook)); err == nil {
		t.Fatalf("expected sink failure to propagate")
	}

	record, err := store.GetByReference(ctx, "cpi-1")
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if record.CreditState != ledger.CreditNone {
		t.Fatalf("expected lock released after sink failure, got %s", record.CreditState)
	}

	// A retry after the sink recovers credits exactly once.
	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()

	result, err := coordinator.Process(ctx, processedObservation(ledger.OriginPoll))
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if result.Outcome != OutcomeCredited || result.Balance != 1000 {
		t.Fatalf("expected retry to credit, got %+v", result)
	}
	if sink.callCount() != 2 {
		t.Fatalf("expected two sink invocations (one failed, one applied), got %d", sink.callCount())
	}
}

func TestProcessPendingStatus(t *testing.T) {
	store := ledger.NewMemoryStore()
	sink := &fakeSink{}
	coordinator := NewCoordinator(store, sink, nil, logging.NewLogger())

	for _, status := range []string{"pending", "created"} {
		obs := processedObservation(ledger.OriginPoll)
		obs.Status = status
		obs.Resolution = ""

		result, err := coordinator.Process(context.Background(), obs)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", status, err)
		}
		if result.Outcome != OutcomePending {
			t.Fatalf("expected pending outcome for %s, got %+v", status, result)
		}
	}

	if sink.callCount() != 0 {
		t.Fatalf("expected no sink invocations for pending statuses")
	}
}

func TestProcessNotConfirmed(t *testing.T) {
	store := ledger.NewMemoryStore()
	sink := &fakeSink{}
	coordinator := NewCoordinator(store, sink, nil, logging.NewLogger())

	obs := processedObservation(ledger.OriginWebhook)
	obs.Status = "processed"
	obs.Resolution = "declined"

	result, err := coordinator.Process(context.Background(), obs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeNotConfirmed || result.Resolution != "declined" {
		t.Fatalf("expected not-confirmed outcome, got %+v", result)
	}
	if sink.callCount() != 0 {
		t.Fatalf("expected no sink invocation for declined payment")
	}
}

func TestProcessMissingMetadata(t *testing.T) {
	store := ledger.NewMemoryStore()
	sink := &fakeSink{}
	coordinator := NewCoordinator(store, sink, nil, logging.NewLogger())

	obs := processedObservation(ledger.OriginWebhook)
	obs.Metadata = map[string]any{"user_id": "user-1"}

	if _, err := coordinator.Process(context.Background(), obs); !errors.Is(err, ErrMissingMetadata) {
		t.Fatalf("expected ErrMissingMetadata, got %v", err)
	}
	if sink.callCount() != 0 {
		t.Fatalf("expected no sink invocation without metadata")
	}

	// The observation itself is still recorded for the audit trail.
	record, err := store.GetByReference(context.Background(), "cpi-1")
	if err != nil {
		t.Fatalf("expected observation to be recorded, got %v", err)
	}
	if record.CreditState != ledger.CreditNone {
		t.Fatalf("expected untouched credit state, got %s", record.CreditState)
	}
}

func TestOwnerAndTokens(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		owner    string
		tokens   int64
		wantErr  bool
	}{
		{"string tokens", map[string]any{"user_id": "u1", "tokens": "900"}, "u1", 900, false},
		{"numeric tokens", map[string]any{"user_id": "u1", "tokens": 900.0}, "u1", 900, false},
		{"fractional tokens floored", map[string]any{"user_id": "u1", "tokens": "250.9"}, "u1", 250, false},
		{"missing user", map[string]any{"tokens": "900"}, "", 0, true},
		{"missing tokens", map[string]any{"user_id": "u1"}, "", 0, true},
		{"zero tokens", map[string]any{"user_id": "u1", "tokens": "0"}, "", 0, true},
		{"negative tokens", map[string]any{"user_id": "u1", "tokens": "-5"}, "", 0, true},
		{"garbage tokens", map[string]any{"user_id": "u1", "tokens": "lots"}, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, tokens, err := OwnerAndTokens(tt.metadata)
			if tt.wantErr {
				if !errors.Is(err, ErrMissingMetadata) {
					t.Fatalf("expected ErrMissingMetadata, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if owner != tt.owner || tokens != tt.tokens {
				t.Fatalf("expected (%s, %d), got (%s, %d)", tt.owner, tt.tokens, owner, tokens)
			}
		})
	}
}
