package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development. It
// mirrors the Postgres semantics, including the conditional credit-state
// transitions, under a single mutex.
type MemoryStore struct {
	mu        sync.Mutex
	byRef     map[string]*PaymentRecord // keyed by payment reference (cpi)
	byLocalID map[string]*PaymentRecord // keyed by locally generated reference id
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRef:     make(map[string]*PaymentRecord),
		byLocalID: make(map[string]*PaymentRecord),
	}
}

func (s *MemoryStore) UpsertFromInvoice(_ context.Context, params UpsertParams) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	record, ok := s.byLocalID[params.ReferenceID]
	if !ok {
		record = &PaymentRecord{
			ReferenceID: params.ReferenceID,
			CreditState: CreditNone,
			CreatedAt:   now,
		}
		s.byLocalID[params.ReferenceID] = record
	}

	record.PaymentReference = params.PaymentReference
	record.OwnerID = params.OwnerID
	record.Tokens = params.Tokens
	record.Amount = params.Amount
	record.Currency = params.Currency
	record.GBPAmount = params.GBPAmount
	record.UICurrency = params.UICurrency
	record.UIAmount = params.UIAmount
	record.GatewayStatus = "created"
	record.LastEventAt = &now
	record.UpdatedAt = now

	if params.PaymentReference != "" {
		s.byRef[params.PaymentReference] = record
	}
	return copyRecord(record), nil
}

func (s *MemoryStore) GetByReference(_ context.Context, paymentReference string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byRef[paymentReference]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

func (s *MemoryStore) Observe(_ context.Context, obs Observation) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	record, ok := s.byRef[obs.PaymentReference]
	if !ok {
		record = &PaymentRecord{
			PaymentReference: obs.PaymentReference,
			CreditState:      CreditNone,
			CreatedAt:        now,
		}
		s.byRef[obs.PaymentReference] = record
	}

	record.GatewayStatus = obs.Status
	record.GatewayResolution = obs.Resolution
	record.Metadata = obs.Metadata
	if record.ReferenceID == "" && obs.ReferenceID != "" {
		record.ReferenceID = obs.ReferenceID
		s.byLocalID[obs.ReferenceID] = record
	}
	if record.OwnerID == "" {
		record.OwnerID = obs.OwnerID
	}
	if record.Tokens == 0 {
		record.Tokens = obs.Tokens
	}
	if record.Amount == 0 {
		record.Amount = obs.Amount
	}
	if record.Currency == "" {
		record.Currency = obs.Currency
	}
	record.LastEventAt = &now
	switch obs.Origin {
	case OriginWebhook:
		if record.WebhookReceivedAt == nil {
			record.WebhookReceivedAt = &now
		}
	case OriginPoll:
		if record.ConfirmedAt == nil {
			record.ConfirmedAt = &now
		}
	}
	record.UpdatedAt = now

	return copyRecord(record), nil
}

func (s *MemoryStore) TryBeginCredit(_ context.Context, paymentReference string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byRef[paymentReference]
	if !ok || record.CreditState != CreditNone {
		return nil, nil
	}

	now := time.Now()
	record.CreditState = CreditProcessing
	record.CreditStartedAt = &now
	record.UpdatedAt = now
	return copyRecord(record), nil
}

func (s *MemoryStore) MarkCredited(_ context.Context, paymentReference string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byRef[paymentReference]
	if !ok || record.CreditState != CreditProcessing {
		return nil, ErrInvalidTransition
	}

	now := time.Now()
	record.CreditState = CreditCredited
	record.CreditedAt = &now
	record.UpdatedAt = now
	return copyRecord(record), nil
}

func (s *MemoryStore) ReleaseCreditLock(_ context.Context, paymentReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byRef[paymentReference]
	if !ok || record.CreditState != CreditProcessing {
		return nil
	}

	record.CreditState = CreditNone
	record.CreditStartedAt = nil
	record.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListUnsettled(_ context.Context, cutoff time.Time, limit int) ([]*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []*PaymentRecord
	for _, record := range s.byRef {
		if len(records) >= limit {
			break
		}
		if record.CreditState != CreditNone {
			continue
		}
		if record.GatewayStatus != "created" && record.GatewayStatus != "pending" {
			continue
		}
		if record.LastEventAt == nil || record.LastEventAt.After(cutoff) {
			continue
		}
		records = append(records, copyRecord(record))
	}
	return records, nil
}

func copyRecord(record *PaymentRecord) *PaymentRecord {
	out := *record
	if record.Metadata != nil {
		out.Metadata = make(map[string]any, len(record.Metadata))
		for k, v := range record.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
