// Package accounts applies token balance mutations. The crediting
// coordinator guarantees each payment reaches Credit at most once, so the
// sink only has to apply the increment and append the audit row atomically.
package accounts

import (
	"context"
	"database/sql"
	"fmt"

	"averis/billing/pkg/logging"
)

// PostgresSink mutates account balances in the same database as the payment
// ledger. The balance update and the audit transaction commit together.
type PostgresSink struct {
	db     *sql.DB
	logger logging.Logger
}

// NewPostgresSink creates an account credit sink.
func NewPostgresSink(db *sql.DB, logger logging.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger}
}

// Credit adds tokens to the owner's balance and appends an audit
// transaction, returning the new balance. The account row is created on
// first credit.
func (s *PostgresSink) Credit(ctx context.Context, ownerID string, tokens int64, paymentReference string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO billing.accounts (user_id, tokens, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tokens = billing.accounts.tokens + EXCLUDED.tokens,
			updated_at = NOW()
		RETURNING tokens`,
		ownerID, tokens).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to apply balance increment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO billing.token_transactions (user_id, cpi, tokens, balance, reason)
		VALUES ($1, $2, $3, $4, 'payment')`,
		ownerID, paymentReference, tokens, balance)
	if err != nil {
		return 0, fmt.Errorf("failed to append token transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit transaction: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id": ownerID,
		"tokens":  tokens,
		"balance": balance,
		"cpi":     paymentReference,
	}).Info("Account credited")
	return balance, nil
}

// Balance reads the current token balance for an account. Unknown accounts
// report zero.
func (s *PostgresSink) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens FROM billing.accounts WHERE user_id = $1`, ownerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
