// Package terminal is the single owner of the checkout flow on one POS
// terminal. Every mutation of the active session and the shift ledger,
// whether triggered by a payment event or a UI call, passes through one
// lock here, so a credit and a finalize can never race.
package terminal

import (
	"context"
	"errors"
	"sync"
	"time"

	"pos-terminal/internal/checkout"
	"pos-terminal/internal/models"
	"pos-terminal/internal/recon"
	"pos-terminal/internal/shift"
	"pos-terminal/internal/util"

	"go.uber.org/zap"
)

var (
	ErrNoActiveCheckout = errors.New("terminal: no active checkout")
	ErrCheckoutActive   = errors.New("terminal: a checkout is already active")
	ErrCheckoutClosed   = errors.New("terminal: checkout closed while prompt was in flight")
	// ErrShiftRequired guards the whole flow: payments cannot be accepted
	// without an open shift.
	ErrShiftRequired = errors.New("terminal: staff member has no open shift")
)

// PushInitiator sends the push-payment prompt to the gateway.
type PushInitiator interface {
	InitiatePushPayment(ctx context.Context, phone string, amount float64) (string, error)
}

// Publisher announces finalized sales and closed shifts to the back office.
type Publisher interface {
	PublishSaleFinalized(ctx context.Context, sale *models.SaleRecord) error
	PublishShiftClosed(ctx context.Context, shift *models.Shift) error
}

// Deps wires the terminal's collaborators. Gateway, Poller and Publisher
// may be nil (cash-only operation).
type Deps struct {
	Engine    *recon.Engine
	Shifts    *shift.Manager
	Gateway   PushInitiator
	Poller    *recon.Poller
	Persister checkout.Persister
	Credit    checkout.CreditChecker
	Publisher Publisher
	Debounce  time.Duration
}

// Terminal owns the single active checkout session.
type Terminal struct {
	logger *zap.Logger
	deps   Deps

	mu      sync.Mutex
	session *checkout.Session
	staffID int64
	shiftID string
}

// New creates a terminal.
func New(deps Deps) *Terminal {
	return &Terminal{
		logger: util.GetLogger(),
		deps:   deps,
	}
}

// staffCashSink routes session cash into the staff member's open shift.
type staffCashSink struct {
	shifts  *shift.Manager
	staffID int64
}

func (s staffCashSink) RecordCashTender(amount float64) error {
	return s.shifts.RecordCashTender(s.staffID, amount)
}

// OpenShift opens a drawer period for the staff member.
func (t *Terminal) OpenShift(staffID int64, openingFloat float64) (models.Shift, error) {
	return t.deps.Shifts.Open(staffID, openingFloat)
}

// CurrentShift returns the staff member's open shift, if any.
func (t *Terminal) CurrentShift(staffID int64) (models.Shift, bool) {
	return t.deps.Shifts.Current(staffID)
}

// ZReport returns the running reconciliation for the open shift.
func (t *Terminal) ZReport(staffID int64) (shift.ZReport, error) {
	return t.deps.Shifts.Report(staffID)
}

// CloseShift closes and archives the drawer period, then announces it.
func (t *Terminal) CloseShift(ctx context.Context, staffID int64, actualCash float64) (models.Shift, error) {
	closed, err := t.deps.Shifts.Close(ctx, staffID, actualCash)
	if err != nil {
		return models.Shift{}, err
	}
	if t.deps.Publisher != nil {
		if err := t.deps.Publisher.PublishShiftClosed(ctx, &closed); err != nil {
			t.logger.Warn("Failed to publish shift close", zap.Error(err))
		}
	}
	return closed, nil
}

// OpenCheckout starts a sale. Requires an open shift for the staff member
// and no other active checkout on this terminal.
func (t *Terminal) OpenCheckout(staffID, customerID int64, targetAmount float64) (checkout.Snapshot, error) {
	current, ok := t.deps.Shifts.Current(staffID)
	if !ok {
		return checkout.Snapshot{}, ErrShiftRequired
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return checkout.Snapshot{}, ErrCheckoutActive
	}

	session, err := checkout.Open(staffID, customerID, targetAmount, checkout.Deps{
		ShiftID:     current.ID,
		Persister:   t.deps.Persister,
		CashSink:    staffCashSink{shifts: t.deps.Shifts, staffID: staffID},
		CreditCheck: t.deps.Credit,
		Debounce:    t.deps.Debounce,
	})
	if err != nil {
		return checkout.Snapshot{}, err
	}
	t.session = session
	t.staffID = staffID
	t.shiftID = current.ID
	return session.Snapshot(), nil
}

// CreditTender applies a UI-entered tender to the active checkout.
func (t *Terminal) CreditTender(method string, amount float64, subtype, sourceRef string) (checkout.Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return checkout.Snapshot{}, ErrNoActiveCheckout
	}
	if err := t.session.CreditTender(method, amount, subtype, sourceRef); err != nil {
		return checkout.Snapshot{}, err
	}
	return t.session.Snapshot(), nil
}

// InitiatePushPayment prompts the customer's phone for the remaining
// balance, tracks the request, and starts the polling fallback.
func (t *Terminal) InitiatePushPayment(ctx context.Context, phone string) (string, error) {
	if t.deps.Gateway == nil {
		return "", errors.New("terminal: push payments not configured")
	}

	t.mu.Lock()
	if t.session == nil {
		t.mu.Unlock()
		return "", ErrNoActiveCheckout
	}
	sessionID := t.session.ID()
	amount := t.session.RemainingBalance()
	t.mu.Unlock()

	// Network call happens outside the lock.
	requestID, err := t.deps.Gateway.InitiatePushPayment(ctx, phone, amount)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil || t.session.ID() != sessionID {
		// The checkout ended while the prompt was in flight. The request is
		// deliberately not tracked: a late confirmation lands in the orphan
		// list where the operator can see it.
		t.logger.Warn("Push prompt outlived its checkout",
			zap.String("request_id", requestID))
		return requestID, ErrCheckoutClosed
	}

	t.deps.Engine.Track(requestID, amount)
	if t.deps.Poller != nil {
		cancel := t.deps.Poller.Watch(requestID, amount)
		t.deps.Engine.BindPollCancel(requestID, cancel)
	}
	return requestID, nil
}

// HandlePaymentEvent is the transport's entry point into reconciliation.
func (t *Terminal) HandlePaymentEvent(ev models.PaymentEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var creditor recon.Creditor
	if t.session != nil {
		creditor = t.session
	}
	t.deps.Engine.Process(context.Background(), ev, creditor)
}

// Finalize completes the active checkout and releases the terminal for the
// next sale. Duplicate triggers inside the debounce window are absorbed.
func (t *Terminal) Finalize(ctx context.Context) (*models.SaleRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, ErrNoActiveCheckout
	}

	sale, err := t.session.Finalize(ctx)
	if err != nil {
		return nil, err
	}

	t.deps.Engine.CancelAwaiting()
	t.deps.Shifts.NoteSale(t.staffID, sale)
	if t.deps.Publisher != nil {
		if perr := t.deps.Publisher.PublishSaleFinalized(ctx, sale); perr != nil {
			t.logger.Warn("Failed to publish finalized sale", zap.Error(perr))
		}
	}
	t.session = nil
	return sale, nil
}

// CancelCheckout discards the active session. Nothing reaches the shift
// ledger: cash is only realized there at finalize.
func (t *Terminal) CancelCheckout() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ErrNoActiveCheckout
	}
	if err := t.session.Cancel(); err != nil {
		return err
	}
	t.deps.Engine.CancelAwaiting()
	t.session = nil
	return nil
}

// Snapshot returns the active checkout view for display.
func (t *Terminal) Snapshot() (checkout.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return checkout.Snapshot{}, false
	}
	return t.session.Snapshot(), true
}

// Orphans exposes the engine's unmatched events for operator review.
func (t *Terminal) Orphans() []models.OrphanEvent {
	return t.deps.Engine.Orphans()
}
