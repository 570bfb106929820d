// Package checkout implements the multi-tender state machine for one sale:
// tender lines accumulate against a target amount until the balance is
// satisfied, then finalize hands the sale to persistence and the shift
// ledger.
package checkout

import (
	"context"
	"errors"
	"math"
	"time"

	"pos-terminal/internal/models"
	"pos-terminal/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Epsilon absorbs floating rounding when deciding the balance is settled.
const Epsilon = 0.01

// State of a checkout session.
type State string

const (
	StateOpen      State = "OPEN"
	StateSettled   State = "SETTLED"
	StateFinalized State = "FINALIZED"
	StateCancelled State = "CANCELLED"

	// stateFinalizing is internal: persistence is in flight. A failure
	// there reverts to Settled so the UI can retry without duplicating
	// tenders.
	stateFinalizing State = "FINALIZING"
)

// Expected-condition errors; callers decide presentation.
var (
	ErrInvalidTarget      = errors.New("checkout: target amount must be positive")
	ErrInvalidAmount      = errors.New("checkout: tender amount must be positive and finite")
	ErrDuplicateReference = errors.New("checkout: source reference already credited")
	ErrSessionClosed      = errors.New("checkout: session closed")
	ErrNotSettled         = errors.New("checkout: balance not settled")
	ErrNotOpen            = errors.New("checkout: session not open")
	ErrFinalizePending    = errors.New("checkout: finalize already in flight")
	ErrCreditDeclined     = errors.New("checkout: credit limit declined")
)

// Persister is the external persistence collaborator; a sale id is assigned
// on success.
type Persister interface {
	RecordFinalizedSale(ctx context.Context, sale *models.SaleRecord) (string, error)
}

// CashSink receives cash tender amounts at finalize time. Bound to the
// staff member's open shift.
type CashSink interface {
	RecordCashTender(amount float64) error
}

// CreditChecker is consulted before a credit tender line is accepted.
type CreditChecker interface {
	CheckCreditLimit(ctx context.Context, customerID int64, amount float64) (bool, error)
}

// Session is one active sale. It is not safe for concurrent use: the
// terminal serializes every mutation, UI-triggered and event-triggered
// alike, through one owner.
type Session struct {
	id           string
	shiftID      string
	staffID      int64
	customerID   int64
	targetAmount float64
	tenders      []models.TenderLine
	changeDue    float64
	state        State
	createdAt    time.Time

	debounce      time.Duration
	finalizeBegan time.Time

	persister   Persister
	cashSink    CashSink
	creditCheck CreditChecker
	logger      *zap.Logger
}

// Deps are the collaborators a session needs at finalize and credit time.
type Deps struct {
	ShiftID     string
	Persister   Persister
	CashSink    CashSink
	CreditCheck CreditChecker
	Debounce    time.Duration
}

// Open creates a session in the Open state. A non-positive target is a
// caller bug, reported as a hard error.
func Open(staffID, customerID int64, targetAmount float64, deps Deps) (*Session, error) {
	if targetAmount <= 0 {
		return nil, ErrInvalidTarget
	}
	if deps.Debounce <= 0 {
		deps.Debounce = 200 * time.Millisecond
	}
	util.CheckoutsOpenedTotal.Inc()
	return &Session{
		id:           uuid.New().String(),
		shiftID:      deps.ShiftID,
		staffID:      staffID,
		customerID:   customerID,
		targetAmount: targetAmount,
		state:        StateOpen,
		createdAt:    time.Now(),
		debounce:     deps.Debounce,
		persister:    deps.Persister,
		cashSink:     deps.CashSink,
		creditCheck:  deps.CreditCheck,
		logger:       util.GetLogger(),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the externally visible state; the in-flight finalize window
// reports as Settled.
func (s *Session) State() State {
	if s.state == stateFinalizing {
		return StateSettled
	}
	return s.state
}

// TargetAmount returns the immutable sale total.
func (s *Session) TargetAmount() float64 { return s.targetAmount }

// RemainingBalance is max(0, target - sum of tenders).
func (s *Session) RemainingBalance() float64 {
	var paid float64
	for _, t := range s.tenders {
		paid += t.Amount
	}
	if remaining := s.targetAmount - paid; remaining > 0 {
		return remaining
	}
	return 0
}

// ChangeDue is the cash tendered in excess of the balance.
func (s *Session) ChangeDue() float64 { return s.changeDue }

// Tenders returns a copy of the accepted tender lines in order.
func (s *Session) Tenders() []models.TenderLine {
	out := make([]models.TenderLine, len(s.tenders))
	copy(out, s.tenders)
	return out
}

// CreditTender appends one payment toward the sale.
//
// A sourceRef already present in this session is rejected (re-application
// guard for one real-world payment). Cash is capped at the remaining
// balance; the excess is change, tracked separately, never credited.
func (s *Session) CreditTender(method string, amount float64, subtype, sourceRef string) error {
	switch s.state {
	case StateFinalized, StateCancelled, stateFinalizing:
		return ErrSessionClosed
	}
	if !validAmount(amount) {
		return ErrInvalidAmount
	}
	if sourceRef != "" {
		for _, t := range s.tenders {
			if t.SourceReference == sourceRef {
				return ErrDuplicateReference
			}
		}
	}

	if method == models.MethodCredit && s.creditCheck != nil {
		ok, err := s.creditCheck.CheckCreditLimit(context.Background(), s.customerID, amount)
		if err != nil {
			return err
		}
		if !ok {
			return ErrCreditDeclined
		}
	}

	credited := amount
	if method == models.MethodCash {
		if remaining := s.RemainingBalance(); credited > remaining {
			s.changeDue += credited - remaining
			credited = remaining
		}
	}

	s.tenders = append(s.tenders, models.TenderLine{
		ID:              uuid.New().String(),
		Method:          method,
		Amount:          credited,
		Subtype:         subtype,
		SourceReference: sourceRef,
		CapturedAt:      time.Now(),
	})
	util.TendersCreditedTotal.WithLabelValues(method).Inc()

	if s.state == StateOpen && s.RemainingBalance() <= Epsilon {
		s.state = StateSettled
	}

	s.logger.Info("Tender credited",
		zap.String("session_id", s.id),
		zap.String("method", method),
		zap.Float64("amount", credited),
		zap.Float64("remaining", s.RemainingBalance()))
	return nil
}

// Finalize completes a settled sale: persists it, applies cash tenders to
// the shift ledger, and moves to Finalized. Repeated calls inside the
// debounce window of the first are absorbed; a persistence failure reverts
// to Settled so the caller can retry without duplicating tenders.
func (s *Session) Finalize(ctx context.Context) (*models.SaleRecord, error) {
	ctx, span := util.StartSpan(ctx, "Session.Finalize")
	defer span.End()

	switch s.state {
	case stateFinalizing:
		return nil, ErrFinalizePending
	case StateFinalized:
		if time.Since(s.finalizeBegan) < s.debounce {
			// Duplicate trigger from an unreliable input device.
			return nil, ErrFinalizePending
		}
		return nil, ErrSessionClosed
	case StateCancelled:
		return nil, ErrSessionClosed
	case StateOpen:
		return nil, ErrNotSettled
	}

	s.state = stateFinalizing
	s.finalizeBegan = time.Now()
	start := time.Now()

	sale := &models.SaleRecord{
		ID:           s.id,
		ShiftID:      s.shiftID,
		StaffID:      s.staffID,
		CustomerID:   s.customerID,
		TargetAmount: s.targetAmount,
		ChangeDue:    s.changeDue,
		Tenders:      s.Tenders(),
		FinalizedAt:  time.Now(),
	}

	if s.persister != nil {
		saleID, err := s.persister.RecordFinalizedSale(ctx, sale)
		if err != nil {
			s.state = StateSettled
			s.logger.Error("Finalize persistence failed, session stays settled",
				zap.String("session_id", s.id), zap.Error(err))
			return nil, err
		}
		if saleID != "" {
			sale.ID = saleID
		}
	}

	// Cash reaches the drawer ledger only here, never before.
	if s.cashSink != nil {
		for _, t := range sale.Tenders {
			if t.Method != models.MethodCash {
				continue
			}
			if err := s.cashSink.RecordCashTender(t.Amount); err != nil {
				s.logger.Error("Failed to record cash tender on shift",
					zap.String("session_id", s.id),
					zap.Float64("amount", t.Amount),
					zap.Error(err))
			}
		}
	}

	s.state = StateFinalized
	util.CheckoutsFinalizedTotal.Inc()
	util.FinalizeLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("Checkout finalized",
		zap.String("session_id", s.id),
		zap.Float64("total", s.targetAmount),
		zap.Int("tenders", len(sale.Tenders)),
		zap.Float64("change_due", sale.ChangeDue))
	return sale, nil
}

// Cancel discards an open session. No side effects reach the shift ledger:
// cash is only realized there at finalize.
func (s *Session) Cancel() error {
	if s.state != StateOpen {
		return ErrNotOpen
	}
	s.state = StateCancelled
	util.CheckoutsCancelledTotal.Inc()
	s.logger.Info("Checkout cancelled", zap.String("session_id", s.id))
	return nil
}

// Snapshot is a read-only view for display.
type Snapshot struct {
	ID               string              `json:"id"`
	State            State               `json:"state"`
	TargetAmount     float64             `json:"target_amount"`
	RemainingBalance float64             `json:"remaining_balance"`
	ChangeDue        float64             `json:"change_due"`
	Tenders          []models.TenderLine `json:"tenders"`
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:               s.id,
		State:            s.State(),
		TargetAmount:     s.targetAmount,
		RemainingBalance: s.RemainingBalance(),
		ChangeDue:        s.changeDue,
		Tenders:          s.Tenders(),
	}
}

func validAmount(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
