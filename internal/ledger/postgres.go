package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"averis/billing/pkg/logging"
)

// PostgresStore implements Store on top of PostgreSQL. The none -> processing
// claim is a single conditional UPDATE, so it stays correct with any number
// of service instances sharing the database.
type PostgresStore struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgresStore creates a Postgres-backed ledger store.
func NewPostgresStore(db *sql.DB, logger logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const recordColumns = `cpi, reference_id, user_id, tokens, amount, currency,
		gbp_amount, ui_currency, ui_amount, status, resolution, metadata,
		credit_status, credit_started_at, credited_at, last_event_at,
		webhook_received_at, confirmed_at, created_at, updated_at`

func (s *PostgresStore) UpsertFromInvoice(ctx context.Context, params UpsertParams) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO billing.payments (
			reference_id, cpi, user_id, tokens, amount, currency,
			gbp_amount, ui_currency, ui_amount, status, credit_status, last_event_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'created', 'none', NOW())
		ON CONFLICT (reference_id) DO UPDATE SET
			cpi = EXCLUDED.cpi,
			user_id = EXCLUDED.user_id,
			tokens = EXCLUDED.tokens,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			gbp_amount = EXCLUDED.gbp_amount,
			ui_currency = EXCLUDED.ui_currency,
			ui_amount = EXCLUDED.ui_amount,
			status = 'created',
			last_event_at = NOW(),
			updated_at = NOW()
		RETURNING `+recordColumns,
		params.ReferenceID, params.PaymentReference, params.OwnerID, params.Tokens,
		params.Amount, params.Currency, params.GBPAmount, params.UICurrency, params.UIAmount)

	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert payment record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) GetByReference(ctx context.Context, paymentReference string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM billing.payments WHERE cpi = $1`,
		paymentReference)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Observe(ctx context.Context, obs Observation) (*PaymentRecord, error) {
	metadata, err := json.Marshal(obs.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize observation metadata: %w", err)
	}

	now := time.Now()
	var webhookAt, confirmedAt sql.NullTime
	switch obs.Origin {
	case OriginWebhook:
		webhookAt = sql.NullTime{Time: now, Valid: true}
	case OriginPoll:
		confirmedAt = sql.NullTime{Time: now, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO billing.payments (
			cpi, reference_id, user_id, tokens, amount, currency,
			status, resolution, metadata, credit_status,
			last_event_at, webhook_received_at, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'none', NOW(), $10, $11)
		ON CONFLICT (cpi) DO UPDATE SET
			status = EXCLUDED.status,
			resolution = EXCLUDED.resolution,
			metadata = EXCLUDED.metadata,
			reference_id = COALESCE(billing.payments.reference_id, EXCLUDED.reference_id),
			user_id = COALESCE(billing.payments.user_id, EXCLUDED.user_id),
			tokens = COALESCE(billing.payments.tokens, EXCLUDED.tokens),
			amount = COALESCE(billing.payments.amount, EXCLUDED.amount),
			currency = COALESCE(billing.payments.currency, EXCLUDED.currency),
			last_event_at = NOW(),
			webhook_received_at = COALESCE(billing.payments.webhook_received_at, EXCLUDED.webhook_received_at),
			confirmed_at = COALESCE(billing.payments.confirmed_at, EXCLUDED.confirmed_at),
			updated_at = NOW()
		RETURNING `+recordColumns,
		obs.PaymentReference, nullString(obs.ReferenceID), nullString(obs.OwnerID),
		nullInt(obs.Tokens), nullFloat(obs.Amount), nullString(obs.Currency),
		nullString(obs.Status), nullString(obs.Resolution), metadata,
		webhookAt, confirmedAt)

	record, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment observation: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) TryBeginCredit(ctx context.Context, paymentReference string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE billing.payments
		SET credit_status = 'processing', credit_started_at = NOW(), updated_at = NOW()
		WHERE cpi = $1 AND credit_status = 'none'
		RETURNING `+recordColumns,
		paymentReference)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race, or the payment is already credited.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim credit lock: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) MarkCredited(ctx context.Context, paymentReference string) (*PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE billing.payments
		SET credit_status = 'credited', credited_at = NOW(), updated_at = NOW()
		WHERE cpi = $1 AND credit_status = 'processing'
		RETURNING `+recordColumns,
		paymentReference)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark payment credited: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) ReleaseCreditLock(ctx context.Context, paymentReference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing.payments
		SET credit_status = 'none', credit_started_at = NULL, updated_at = NOW()
		WHERE cpi = $1 AND credit_status = 'processing'`,
		paymentReference)
	if err != nil {
		return fmt.Errorf("failed to release credit lock: %w", err)
	}

	if released, err := res.RowsAffected(); err == nil && released == 0 {
		s.logger.WithField("cpi", paymentReference).Debug("Credit lock already released")
	}
	return nil
}

func (s *PostgresStore) ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM billing.payments
		WHERE cpi IS NOT NULL
		  AND credit_status = 'none'
		  AND status IN ('created', 'pending')
		  AND last_event_at < $1
		ORDER BY last_event_at ASC
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled payments: %w", err)
	}
	defer rows.Close()

	var records []*PaymentRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unsettled payment: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*PaymentRecord, error) {
	var (
		record                          PaymentRecord
		cpi, referenceID, ownerID       sql.NullString
		currency, uiCurrency            sql.NullString
		status, resolution              sql.NullString
		tokens                          sql.NullInt64
		amount, gbpAmount, uiAmount     sql.NullFloat64
		metadata                        []byte
		creditStartedAt, creditedAt     sql.NullTime
		lastEventAt, webhookAt, confAt  sql.NullTime
	)

	err := row.Scan(
		&cpi, &referenceID, &ownerID, &tokens, &amount, &currency,
		&gbpAmount, &uiCurrency, &uiAmount, &status, &resolution, &metadata,
		&record.CreditState, &creditStartedAt, &creditedAt, &lastEventAt,
		&webhookAt, &confAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.PaymentReference = cpi.String
	record.ReferenceID = referenceID.String
	record.OwnerID = ownerID.String
	record.Tokens = tokens.Int64
	record.Amount = amount.Float64
	record.Currency = currency.String
	record.GBPAmount = gbpAmount.Float64
	record.UICurrency = uiCurrency.String
	record.UIAmount = uiAmount.Float64
	record.GatewayStatus = status.String
	record.GatewayResolution = resolution.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &record.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	record.CreditStartedAt = timePtr(creditStartedAt)
	record.CreditedAt = timePtr(creditedAt)
	record.LastEventAt = timePtr(lastEventAt)
	record.WebhookReceivedAt = timePtr(webhookAt)
	record.ConfirmedAt = timePtr(confAt)

	return &record, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(i int64) sql.NullInt64 {
	return sql.NullInt64{Int64: i, Valid: i != 0}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}
