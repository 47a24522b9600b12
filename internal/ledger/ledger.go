// Package ledger is the durable record of every token purchase attempt and
// its credit state. All cross-process coordination for exactly-once crediting
// goes through the conditional transition in TryBeginCredit; nothing in this
// service relies on in-process locks.
package ledger

import (
	"context"
	"errors"
	"time"
)

// CreditState is the three-valued idempotency flag guarding the at-most-once
// balance mutation.
type CreditState string

const (
	CreditNone       CreditState = "none"
	CreditProcessing CreditState = "processing"
	CreditCredited   CreditState = "credited"
)

// Origin identifies the channel that produced a status observation.
type Origin string

const (
	OriginWebhook Origin = "webhook"
	OriginPoll    Origin = "poll"
)

var (
	// ErrNotFound is returned when no record exists for a payment reference.
	ErrNotFound = errors.New("payment record not found")

	// ErrInvalidTransition is returned when a credit-state transition is
	// attempted from a state it is not valid from.
	ErrInvalidTransition = errors.New("invalid credit state transition")
)

// PaymentRecord is one purchase attempt. PaymentReference is the
// gateway-assigned invoice id ("cpi"); ReferenceID is generated locally
// before invoice creation so the record can be correlated even if the
// gateway call is retried.
type PaymentRecord struct {
	PaymentReference string
	ReferenceID      string
	OwnerID          string
	Tokens           int64
	Amount           float64
	Currency         string
	GBPAmount        float64
	UICurrency       string
	UIAmount         float64

	// Last-seen raw gateway fields. Overwritten on every observation and
	// never consulted for idempotency.
	GatewayStatus     string
	GatewayResolution string
	Metadata          map[string]any

	CreditState CreditState

	CreditStartedAt   *time.Time
	CreditedAt        *time.Time
	LastEventAt       *time.Time
	WebhookReceivedAt *time.Time
	ConfirmedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credited reports whether the record reached the terminal credit state.
func (r *PaymentRecord) Credited() bool {
	return r != nil && r.CreditState == CreditCredited
}

// UpsertParams records a successfully created invoice, keyed by ReferenceID.
type UpsertParams struct {
	ReferenceID      string
	PaymentReference string
	OwnerID          string
	Tokens           int64
	Amount           float64
	Currency         string
	GBPAmount        float64
	UICurrency       string
	UIAmount         float64
}

// Observation records a status report from either channel, keyed by
// PaymentReference. Creates the record if absent: a webhook may arrive
// before the local invoice-creation call returns.
type Observation struct {
	PaymentReference string
	ReferenceID      string
	OwnerID          string
	Tokens           int64
	Amount           float64
	Currency         string
	Status           string
	Resolution       string
	Metadata         map[string]any
	Origin           Origin
}

// Store is the narrow persistence interface the crediting protocol runs
// against.
type Store interface {
	// UpsertFromInvoice creates or refreshes the record for a newly created
	// invoice. Never touches the credit state of an existing record.
	UpsertFromInvoice(ctx context.Context, params UpsertParams) (*PaymentRecord, error)

	// GetByReference fetches a record by payment reference.
	// Returns ErrNotFound when absent.
	GetByReference(ctx context.Context, paymentReference string) (*PaymentRecord, error)

	// Observe upserts the last-seen gateway status fields and stamps the
	// originating channel. Safe to call repeatedly.
	Observe(ctx context.Context, obs Observation) (*PaymentRecord, error)

	// TryBeginCredit atomically transitions none -> processing, but only if
	// the current state is exactly none. Returns the claimed record, or nil
	// when another caller already owns crediting (or it is already done).
	TryBeginCredit(ctx context.Context, paymentReference string) (*PaymentRecord, error)

	// MarkCredited transitions processing -> credited and stamps CreditedAt.
	MarkCredited(ctx context.Context, paymentReference string) (*PaymentRecord, error)

	// ReleaseCreditLock transitions processing -> none so a later attempt can
	// retry after a sink failure. A no-op when the record is not processing.
	ReleaseCreditLock(ctx context.Context, paymentReference string) error

	// ListUnsettled returns records that have a payment reference, are not
	// credited, and have seen no event since the cutoff. Used by the
	// reconciler to re-poll payments whose webhook never arrived.
	ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentRecord, error)
}
