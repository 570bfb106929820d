// Package shift tracks one open cash drawer period per staff member and
// its end-of-shift reconciliation (expected vs. counted cash).
package shift

import (
	"context"
	"errors"
	"sync"
	"time"

	"pos-terminal/internal/models"
	"pos-terminal/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrShiftAlreadyOpen = errors.New("shift: staff member already has an open shift")
	ErrNoOpenShift      = errors.New("shift: no open shift for staff member")
	ErrNegativeFloat    = errors.New("shift: opening float must be non-negative")
	ErrNegativeCash     = errors.New("shift: counted cash must be non-negative")
)

// Archiver persists a closed shift. Archive errors do not block the close;
// the local ledger remains authoritative for the terminal.
type Archiver interface {
	RecordShiftClose(ctx context.Context, shift *models.Shift) error
}

// Manager owns the open shifts, keyed by staff id: exactly one open shift
// per staff member at any time. Safe for concurrent use.
type Manager struct {
	logger   *zap.Logger
	archiver Archiver

	mu     sync.Mutex
	open   map[int64]*models.Shift
	closed []*models.Shift
}

// NewManager creates a manager; archiver may be nil.
func NewManager(archiver Archiver) *Manager {
	return &Manager{
		logger:   util.GetLogger(),
		archiver: archiver,
		open:     make(map[int64]*models.Shift),
	}
}

// Open starts a shift with the given drawer float. Fails if the staff
// member already has one open; the existing shift is left untouched.
func (m *Manager) Open(staffID int64, openingFloat float64) (models.Shift, error) {
	if openingFloat < 0 {
		return models.Shift{}, ErrNegativeFloat
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[staffID]; ok {
		return models.Shift{}, ErrShiftAlreadyOpen
	}

	s := &models.Shift{
		ID:           uuid.New().String(),
		StaffID:      staffID,
		OpeningFloat: openingFloat,
		OpenedAt:     time.Now(),
	}
	m.open[staffID] = s
	util.ShiftsOpenedTotal.Inc()
	m.logger.Info("Shift opened",
		zap.String("shift_id", s.ID),
		zap.Int64("staff_id", staffID),
		zap.Float64("opening_float", openingFloat))
	return *s, nil
}

// Current returns a copy of the staff member's open shift.
func (m *Manager) Current(staffID int64) (models.Shift, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[staffID]
	if !ok {
		return models.Shift{}, false
	}
	return *s, true
}

// RecordCashTender adds finalized cash to the drawer total. Called only
// from checkout finalize; against a shift that is not open it fails, and
// the caller logs rather than aborts the sale.
func (m *Manager) RecordCashTender(staffID int64, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[staffID]
	if !ok {
		return ErrNoOpenShift
	}
	s.CashTenderTotal += amount
	return nil
}

// NoteSale updates the running mobile/credit split and transaction count
// shown on the Z-report. Cash reaches the ledger through RecordCashTender.
func (m *Manager) NoteSale(staffID int64, sale *models.SaleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[staffID]
	if !ok {
		return
	}
	s.MobileTenderTotal += sale.MethodTotal(models.MethodMobile)
	s.CreditTenderTotal += sale.MethodTotal(models.MethodCredit)
	s.TransactionCount++
}

// Close reconciles the drawer: expected = opening float + cash tenders,
// variance = counted - expected. The shift becomes immutable and archived.
func (m *Manager) Close(ctx context.Context, staffID int64, actualCash float64) (models.Shift, error) {
	if actualCash < 0 {
		return models.Shift{}, ErrNegativeCash
	}

	m.mu.Lock()
	s, ok := m.open[staffID]
	if !ok {
		m.mu.Unlock()
		return models.Shift{}, ErrNoOpenShift
	}
	now := time.Now()
	s.ClosedAt = &now
	s.ActualCash = actualCash
	s.ExpectedCash = s.ExpectedCashNow()
	s.Variance = actualCash - s.ExpectedCash
	delete(m.open, staffID)
	m.closed = append(m.closed, s)
	closed := *s
	m.mu.Unlock()

	util.ShiftsClosedTotal.Inc()
	m.logger.Info("Shift closed",
		zap.String("shift_id", closed.ID),
		zap.Int64("staff_id", staffID),
		zap.Float64("expected_cash", closed.ExpectedCash),
		zap.Float64("actual_cash", closed.ActualCash),
		zap.Float64("variance", closed.Variance))

	if m.archiver != nil {
		if err := m.archiver.RecordShiftClose(ctx, &closed); err != nil {
			m.logger.Error("Failed to archive closed shift",
				zap.String("shift_id", closed.ID), zap.Error(err))
		}
	}
	return closed, nil
}

// ZReport is the end-of-shift accountability view.
type ZReport struct {
	ShiftID          string  `json:"shift_id"`
	StaffID          int64   `json:"staff_id"`
	OpeningFloat     float64 `json:"opening_float"`
	TotalCashSales   float64 `json:"total_cash_sales"`
	TotalMobileSales float64 `json:"total_mobile_sales"`
	TotalCreditSales float64 `json:"total_credit_sales"`
	TransactionCount int     `json:"transaction_count"`
	ClosingExpected  float64 `json:"closing_expected"`
	ClosingActual    float64 `json:"closing_actual"`
	Variance         float64 `json:"variance"`
}

// Report builds the Z-report for the staff member's open shift.
func (m *Manager) Report(staffID int64) (ZReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.open[staffID]
	if !ok {
		return ZReport{}, ErrNoOpenShift
	}
	return ZReport{
		ShiftID:          s.ID,
		StaffID:          s.StaffID,
		OpeningFloat:     s.OpeningFloat,
		TotalCashSales:   s.CashTenderTotal,
		TotalMobileSales: s.MobileTenderTotal,
		TotalCreditSales: s.CreditTenderTotal,
		TransactionCount: s.TransactionCount,
		ClosingExpected:  s.ExpectedCashNow(),
		ClosingActual:    s.ActualCash,
		Variance:         s.ActualCash - s.ExpectedCashNow(),
	}, nil
}
