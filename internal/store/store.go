// Package store is the persistence service behind the checkout and shift
// flows: finalized sales, closed shifts, orphan events, and the customer
// credit limit check.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pos-terminal/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordFinalizedSale persists a sale with its tender lines in one
// transaction and returns the sale id.
func (s *Store) RecordFinalizedSale(ctx context.Context, sale *models.SaleRecord) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, shift_id, staff_id, customer_id, target_amount, change_due, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sale.ID, sale.ShiftID, sale.StaffID, sale.CustomerID,
		sale.TargetAmount, sale.ChangeDue, sale.FinalizedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert sale: %w", err)
	}

	for _, t := range sale.Tenders {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tender_lines (id, sale_id, method, amount, subtype, source_reference, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, sale.ID, t.Method, t.Amount, t.Subtype, t.SourceReference, t.CapturedAt)
		if err != nil {
			return "", fmt.Errorf("failed to insert tender line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return sale.ID, nil
}

// RecordShiftClose archives a closed shift.
func (s *Store) RecordShiftClose(ctx context.Context, shift *models.Shift) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, staff_id, opening_float, cash_tender_total, mobile_tender_total,
			credit_tender_total, transaction_count, opened_at, closed_at,
			actual_cash, expected_cash, variance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		shift.ID, shift.StaffID, shift.OpeningFloat, shift.CashTenderTotal,
		shift.MobileTenderTotal, shift.CreditTenderTotal, shift.TransactionCount,
		shift.OpenedAt, shift.ClosedAt, shift.ActualCash, shift.ExpectedCash, shift.Variance)
	if err != nil {
		return fmt.Errorf("failed to archive shift: %w", err)
	}
	return nil
}

// SaveOrphanEvent archives an unmatched payment event for audit and manual
// reconciliation.
func (s *Store) SaveOrphanEvent(ctx context.Context, orphan *models.OrphanEvent) error {
	raw, err := json.Marshal(orphan.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal orphan event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orphan_events (event_type, external_reference, request_id, amount, reason, payload, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		orphan.Event.Type, orphan.Event.ExternalReference, orphan.Event.RequestID,
		orphan.Event.Amount, orphan.Reason, raw, orphan.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to save orphan event: %w", err)
	}
	return nil
}

// CheckCreditLimit reports whether a customer can take amount more credit.
// Unknown customers get no credit.
func (s *Store) CheckCreditLimit(ctx context.Context, customerID int64, amount float64) (bool, error) {
	var row struct {
		CreditLimit   float64 `db:"credit_limit"`
		CreditBalance float64 `db:"credit_balance"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT credit_limit, credit_balance FROM customers WHERE id = $1", customerID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check credit limit: %w", err)
	}
	return row.CreditBalance+amount <= row.CreditLimit, nil
}
