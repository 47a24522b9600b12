package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"averis/billing/pkg/logging"
)

var recordTestColumns = []string{
	"cpi", "reference_id", "user_id", "tokens", "amount", "currency",
	"gbp_amount", "ui_currency", "ui_amount", "status", "resolution", "metadata",
	"credit_status", "credit_started_at", "credited_at", "last_event_at",
	"webhook_received_at", "confirmed_at", "created_at", "updated_at",
}

func recordRow(cpi, creditStatus string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(recordTestColumns).AddRow(
		cpi, "ref-1", "user-1", int64(1000), 10.0, "GBP",
		10.0, "GBP", 10.0, "processed", "ok", []byte(`{"user_id":"user-1","tokens":"1000"}`),
		creditStatus, nil, nil, now, now, nil, now, now,
	)
}

func TestPostgresTryBeginCredit_Claimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	mock.ExpectQuery("UPDATE billing.payments").
		WithArgs("cpi-1").
		WillReturnRows(recordRow("cpi-1", "processing"))

	record, err := store.TryBeginCredit(context.Background(), "cpi-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record == nil || record.CreditState != CreditProcessing {
		t.Fatalf("expected processing record, got %+v", record)
	}
	if record.Tokens != 1000 || record.OwnerID != "user-1" {
		t.Fatalf("expected claim to return the full record, got %+v", record)
	}
	if record.Metadata["tokens"] != "1000" {
		t.Fatalf("expected decoded metadata, got %+v", record.Metadata)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresTryBeginCredit_LostRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	// No row matched the conditional UPDATE: someone else holds the claim.
	mock.ExpectQuery("UPDATE billing.payments").
		WithArgs("cpi-1").
		WillReturnRows(sqlmock.NewRows(recordTestColumns))

	record, err := store.TryBeginCredit(context.Background(), "cpi-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record != nil {
		t.Fatalf("expected nil record when claim is refused, got %+v", record)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresMarkCredited_InvalidTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	mock.ExpectQuery("UPDATE billing.payments").
		WithArgs("cpi-1").
		WillReturnRows(sqlmock.NewRows(recordTestColumns))

	if _, err := store.MarkCredited(context.Background(), "cpi-1"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetByReference_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	mock.ExpectQuery("SELECT").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordTestColumns))

	if _, err := store.GetByReference(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpsertFromInvoice(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	mock.ExpectQuery("INSERT INTO billing.payments").
		WithArgs("ref-1", "cpi-1", "user-1", int64(1000), 10.0, "GBP", 10.0, "GBP", 10.0).
		WillReturnRows(recordRow("cpi-1", "none"))

	record, err := store.UpsertFromInvoice(context.Background(), UpsertParams{
		ReferenceID:      "ref-1",
		PaymentReference: "cpi-1",
		OwnerID:          "user-1",
		Tokens:           1000,
		Amount:           10,
		Currency:         "GBP",
		GBPAmount:        10,
		UICurrency:       "GBP",
		UIAmount:         10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.CreditState != CreditNone {
		t.Fatalf("expected fresh record in none state, got %s", record.CreditState)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresObserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	mock.ExpectQuery("INSERT INTO billing.payments").
		WithArgs("cpi-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(recordRow("cpi-1", "none"))

	record, err := store.Observe(context.Background(), Observation{
		PaymentReference: "cpi-1",
		Status:           "processed",
		Resolution:       "ok",
		Metadata:         map[string]any{"user_id": "user-1", "tokens": "1000"},
		Origin:           OriginWebhook,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.GatewayStatus != "processed" || record.GatewayResolution != "ok" {
		t.Fatalf("expected observed gateway fields, got %+v", record)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresReleaseCreditLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	mock.ExpectExec("UPDATE billing.payments").
		WithArgs("cpi-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ReleaseCreditLock(context.Background(), "cpi-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresListUnsettled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, logging.NewLogger())

	cutoff := time.Now().Add(-10 * time.Minute)
	mock.ExpectQuery("SELECT").
		WithArgs(cutoff, 50).
		WillReturnRows(recordRow("cpi-1", "none"))

	records, err := store.ListUnsettled(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].PaymentReference != "cpi-1" {
		t.Fatalf("expected one unsettled record, got %+v", records)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
