// Package jobs runs the background reconciler that settles payments whose
// webhook never arrived. The gateway retries callbacks, but a long enough
// outage on our side can exhaust its retries; polling the unsettled ledger
// rows closes that gap.
package jobs

import (
	"context"
	"errors"
	"time"

	"averis/billing/internal/credit"
	"averis/billing/internal/ledger"
	"averis/billing/internal/spoynt"
	"averis/billing/pkg/config"
	"averis/billing/pkg/logging"
)

// StatusFetcher is the slice of the gateway client the reconciler needs.
type StatusFetcher interface {
	GetInvoice(ctx context.Context, paymentReference string) (*spoynt.InvoiceStatus, error)
}

// Config controls the reconciler cadence.
type Config struct {
	// Interval between reconciliation sweeps.
	Interval time.Duration
	// StaleAfter is how long a payment must sit without a gateway event
	// before it is re-polled.
	StaleAfter time.Duration
	// BatchSize caps the number of payments fetched per sweep.
	BatchSize int
}

// ConfigFromEnv reads the reconciler settings with production defaults.
func ConfigFromEnv() Config {
	return Config{
		Interval:   time.Duration(config.GetEnvInt("RECONCILER_INTERVAL_SECONDS", 300)) * time.Second,
		StaleAfter: time.Duration(config.GetEnvInt("RECONCILER_STALE_SECONDS", 600)) * time.Second,
		BatchSize:  config.GetEnvInt("RECONCILER_BATCH_SIZE", 50),
	}
}

// Reconciler periodically re-polls unsettled payments and runs the crediting
// protocol on the fetched status. It is safe to run alongside live webhook
// traffic and on multiple instances; the ledger's conditional claim
// arbitrates.
type Reconciler struct {
	store       ledger.Store
	gateway     StatusFetcher
	coordinator *credit.Coordinator
	cfg         Config
	logger      logging.Logger
	stopCh      chan struct{}
}

// NewReconciler creates a reconciler. Start must be called to begin sweeps.
func NewReconciler(store ledger.Store, gateway StatusFetcher, coordinator *credit.Coordinator, cfg Config, logger logging.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		gateway:     gateway,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.WithFields(logging.Fields{
		"interval":    r.cfg.Interval.String(),
		"stale_after": r.cfg.StaleAfter.String(),
	}).Info("Starting payment reconciler")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Stop terminates the sweep loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// RunOnce performs a single reconciliation sweep.
func (r *Reconciler) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	records, err := r.store.ListUnsettled(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Error("Failed to list unsettled payments")
		return
	}
	if len(records) == 0 {
		return
	}

	r.logger.WithField("count", len(records)).Info("Reconciling unsettled payments")

	for _, record := range records {
		if err := r.reconcile(ctx, record); err != nil {
			r.logger.WithError(err).WithField("cpi", record.PaymentReference).Warn("Failed to reconcile payment")
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, record *ledger.PaymentRecord) error {
	status, err := r.gateway.GetInvoice(ctx, record.PaymentReference)
	if err != nil {
		if errors.Is(err, spoynt.ErrInvoiceNotFound) {
			// Gateway lost the invoice; record the observation so the row
			// stops matching the unsettled filter.
			_, obsErr := r.store.Observe(ctx, ledger.Observation{
				PaymentReference: record.PaymentReference,
				Status:           "missing_upstream",
				Origin:           ledger.OriginPoll,
			})
			return obsErr
		}
		return err
	}

	result, err := r.coordinator.Process(ctx, ledger.Observation{
		PaymentReference: record.PaymentReference,
		ReferenceID:      status.ReferenceID,
		Amount:           status.Amount,
		Currency:         status.Currency,
		Status:           status.Status,
		Resolution:       status.Resolution,
		Metadata:         status.Metadata,
		Origin:           ledger.OriginPoll,
	})
	if err != nil {
		return err
	}

	if result.Outcome == credit.OutcomeCredited {
		r.logger.WithFields(logging.Fields{
			"cpi":    record.PaymentReference,
			"tokens": result.Tokens,
		}).Info("Reconciler credited stale payment")
	}
	return nil
}
