// Package credit holds the exactly-once crediting state machine shared by
// the webhook and poll-confirmation paths. All coordination runs through the
// ledger's conditional credit-state transition; the coordinator itself keeps
// no mutable state and is safe to call concurrently from any number of
// request handlers and service instances.
package credit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"averis/billing/internal/events"
	"averis/billing/internal/ledger"
	"averis/billing/pkg/logging"
)

// ErrMissingMetadata is returned when a processed payment's metadata lacks
// the owner id or a positive token count needed to credit.
var ErrMissingMetadata = errors.New("invoice metadata missing owner or tokens")

// Sink applies the balance increment. It is the coordinator's job to call it
// at most once per payment; the sink does not deduplicate.
type Sink interface {
	// Credit adds tokens to the owner's balance and returns the new balance.
	Credit(ctx context.Context, ownerID string, tokens int64, paymentReference string) (int64, error)
}

// Outcome classifies the result of running the crediting protocol once.
type Outcome string

const (
	// OutcomeCredited means this invocation won the claim and applied the credit.
	OutcomeCredited Outcome = "credited"
	// OutcomeAlreadyCredited means a previous invocation already credited.
	OutcomeAlreadyCredited Outcome = "credited_previously"
	// OutcomeProcessing means another invocation holds the claim right now.
	OutcomeProcessing Outcome = "processing"
	// OutcomePending means the gateway has not settled the payment yet.
	OutcomePending Outcome = "pending"
	// OutcomeNotConfirmed means the gateway reported a non-success terminal state.
	OutcomeNotConfirmed Outcome = "not_confirmed"
)

// Result is the observable effect of one protocol run.
type Result struct {
	Outcome    Outcome
	Tokens     int64
	Balance    int64
	Status     string
	Resolution string
}

// Coordinator runs the crediting protocol against a ledger store and a sink.
type Coordinator struct {
	store     ledger.Store
	sink      Sink
	publisher events.Publisher
	logger    logging.Logger
}

// NewCoordinator wires the protocol's dependencies. The publisher may be nil
// when no broker is configured.
func NewCoordinator(store ledger.Store, sink Sink, publisher events.Publisher, logger logging.Logger) *Coordinator {
	return &Coordinator{store: store, sink: sink, publisher: publisher, logger: logger}
}

// Process runs the crediting protocol for one gateway status observation.
// Safe to invoke concurrently and repeatedly for the same payment reference;
// the sink is invoked at most once per payment across all invocations.
func (c *Coordinator) Process(ctx context.Context, obs ledger.Observation) (*Result, error) {
	// The audit trail is unconditional: every observation lands in the
	// ledger before any crediting decision.
	if ownerID, tokens, err := OwnerAndTokens(obs.Metadata); err == nil {
		if obs.OwnerID == "" {
			obs.OwnerID = ownerID
		}
		if obs.Tokens == 0 {
			obs.Tokens = tokens
		}
	}
	if _, err := c.store.Observe(ctx, obs); err != nil {
		return nil, fmt.Errorf("failed to record observation: %w", err)
	}

	log := c.logger.WithFields(logging.Fields{
		"cpi":        obs.PaymentReference,
		"status":     obs.Status,
		"resolution": obs.Resolution,
		"origin":     string(obs.Origin),
	})

	if obs.Status == "processed" && obs.Resolution == "ok" {
		ownerID, tokens, err := OwnerAndTokens(obs.Metadata)
		if err != nil {
			log.WithError(err).Warn("Processed payment has no crediting metadata")
			return nil, err
		}
		return c.credit(ctx, obs, ownerID, tokens, log)
	}

	if obs.Status == "pending" || obs.Status == "created" {
		return &Result{Outcome: OutcomePending, Status: obs.Status, Resolution: obs.Resolution}, nil
	}

	log.Info("Payment not confirmed")
	return &Result{Outcome: OutcomeNotConfirmed, Status: obs.Status, Resolution: obs.Resolution}, nil
}

func (c *Coordinator) credit(ctx context.Context, obs ledger.Observation, ownerID string, tokens int64, log *logrus.Entry) (*Result, error) {
	claimed, err := c.store.TryBeginCredit(ctx, obs.PaymentReference)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		// Someone else owns crediting, or it is already done.
		record, err := c.store.GetByReference(ctx, obs.PaymentReference)
		if err == nil && record.Credited() {
			return &Result{Outcome: OutcomeAlreadyCredited, Tokens: record.Tokens}, nil
		}
		return &Result{Outcome: OutcomeProcessing, Tokens: tokens}, nil
	}

	balance, err := c.sink.Credit(ctx, ownerID, tokens, obs.PaymentReference)
	if err != nil {
		// The claim must not strand the payment in processing: release it so
		// a later webhook retry or poll can credit.
		if releaseErr := c.store.ReleaseCreditLock(ctx, obs.PaymentReference); releaseErr != nil {
			log.WithError(releaseErr).Error("Failed to release credit lock after sink failure")
		}
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	record, err := c.store.MarkCredited(ctx, obs.PaymentReference)
	if err != nil {
		// The balance was already applied; surface the inconsistency loudly
		// but do not roll the credit back.
		log.WithError(err).Error("Failed to mark payment credited after sink success")
		return nil, err
	}

	log.WithFields(logging.Fields{
		"user_id": ownerID,
		"tokens":  tokens,
		"balance": balance,
	}).Info("Payment credited")

	if c.publisher != nil {
		creditedAt := time.Now()
		if record.CreditedAt != nil {
			creditedAt = *record.CreditedAt
		}
		event := events.CreditEvent{
			PaymentReference: obs.PaymentReference,
			OwnerID:          ownerID,
			Tokens:           tokens,
			Balance:          balance,
			Amount:           record.Amount,
			Currency:         record.Currency,
			CreditedAt:       creditedAt,
		}
		if err := c.publisher.PublishCredit(ctx, event); err != nil {
			// Publishing is best-effort; the credit already happened.
			log.WithError(err).Warn("Failed to publish credit event")
		}
	}

	return &Result{Outcome: OutcomeCredited, Tokens: tokens, Balance: balance}, nil
}

// OwnerAndTokens extracts the crediting intent from gateway-echoed metadata.
// Tokens arrive as a string ("1000") but numbers are tolerated; fractional
// values are floored.
func OwnerAndTokens(metadata map[string]any) (string, int64, error) {
	ownerID, _ := metadata["user_id"].(string)
	if ownerID == "" {
		return "", 0, ErrMissingMetadata
	}

	var tokens float64
	switch v := metadata["tokens"].(type) {
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", 0, ErrMissingMetadata
		}
		tokens = parsed
	case float64:
		tokens = v
	case int64:
		tokens = float64(v)
	default:
		return "", 0, ErrMissingMetadata
	}

	if math.IsNaN(tokens) || math.IsInf(tokens, 0) || tokens <= 0 {
		return "", 0, ErrMissingMetadata
	}
	return ownerID, int64(math.Floor(tokens)), nil
}
