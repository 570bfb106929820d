// Package recon resolves ambiguous, possibly-duplicated payment events into
// exactly-once credits against the active checkout session.
package recon

import (
	"context"
	"math"
	"sync"
	"time"

	"pos-terminal/internal/models"
	"pos-terminal/internal/util"

	"go.uber.org/zap"
)

// Outcome of reconciling one payment event.
const (
	OutcomeMatched     = "matched"      // credited against a tracked push request
	OutcomeAutoMatched = "auto_matched" // credited by the amount-window rule
	OutcomeOrphaned    = "orphaned"     // retained for manual reconciliation
	OutcomeDuplicate   = "duplicate"    // discarded by idempotency key
	OutcomeFailed      = "failed"       // push request marked failed
	OutcomeRejected    = "rejected"     // malformed amount
)

// Resolution reports what the engine did with an event.
type Resolution struct {
	Outcome   string
	RequestID string
	Credited  float64
	Reason    string
}

// Creditor is the slice of the checkout session the engine credits into.
// A nil Creditor means no checkout is active.
type Creditor interface {
	CreditTender(method string, amount float64, subtype, sourceRef string) error
	RemainingBalance() float64
	TargetAmount() float64
}

type pendingEntry struct {
	req        models.PendingPaymentRequest
	cancelPoll context.CancelFunc
}

// Engine owns the pending push-payment request table and the idempotency
// key store. Process serializes internally; two events can never race to
// credit the same request.
type Engine struct {
	logger    *zap.Logger
	keys      KeyStore
	archiver  OrphanArchiver
	orphans   *orphanList
	tolerance float64
	provider  string

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// Options configure an Engine beyond its required collaborators.
type Options struct {
	MatchTolerance float64
	OrphanLimit    int
	Provider       string
	Archiver       OrphanArchiver
}

// NewEngine creates an engine using keys for duplicate suppression.
func NewEngine(keys KeyStore, opts Options) *Engine {
	if opts.MatchTolerance <= 0 {
		opts.MatchTolerance = 0.01
	}
	if opts.Provider == "" {
		opts.Provider = "MPESA"
	}
	return &Engine{
		logger:    util.GetLogger(),
		keys:      keys,
		archiver:  opts.Archiver,
		orphans:   newOrphanList(opts.OrphanLimit),
		tolerance: opts.MatchTolerance,
		provider:  opts.Provider,
		pending:   make(map[string]*pendingEntry),
	}
}

// Track registers a push-payment prompt issued by this terminal. The
// request stays awaiting until an event or the poller resolves it.
func (e *Engine) Track(requestID string, targetAmount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[requestID] = &pendingEntry{
		req: models.PendingPaymentRequest{
			RequestID:    requestID,
			TargetAmount: targetAmount,
			Status:       models.RequestStatusAwaiting,
			CreatedAt:    time.Now(),
		},
	}
}

// BindPollCancel attaches the polling fallback's cancel to a tracked
// request so the poll dies the moment the request leaves awaiting.
func (e *Engine) BindPollCancel(requestID string, cancel context.CancelFunc) {
	e.mu.Lock()
	entry, ok := e.pending[requestID]
	if ok && entry.req.Status == models.RequestStatusAwaiting {
		entry.cancelPoll = cancel
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	// Resolved (or never tracked) before the poller was wired up.
	cancel()
}

// Request returns a copy of a tracked request.
func (e *Engine) Request(requestID string) (models.PendingPaymentRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[requestID]
	if !ok {
		return models.PendingPaymentRequest{}, false
	}
	return entry.req, true
}

// CancelAwaiting moves every awaiting request to cancelled and stops its
// poller. Called when the surrounding checkout finalizes or cancels.
func (e *Engine) CancelAwaiting() {
	e.mu.Lock()
	var cancels []context.CancelFunc
	for _, entry := range e.pending {
		if entry.req.Status == models.RequestStatusAwaiting {
			entry.req.Status = models.RequestStatusCancelled
			if entry.cancelPoll != nil {
				cancels = append(cancels, entry.cancelPoll)
				entry.cancelPoll = nil
			}
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Orphans returns the recent unmatched events, newest last.
func (e *Engine) Orphans() []models.OrphanEvent {
	return e.orphans.snapshot()
}

// Process reconciles one event against the pending table and the active
// session. It never returns an error: every failure mode degrades to a
// logged, inert resolution.
func (e *Engine) Process(ctx context.Context, ev models.PaymentEvent, session Creditor) Resolution {
	ctx, span := util.StartSpan(ctx, "Engine.Process")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	key := ev.IdempotencyKey()
	first, err := e.keys.MarkSeen(ctx, key)
	if err != nil {
		e.logger.Warn("Idempotency check failed, treating event as new",
			zap.String("key", key), zap.Error(err))
		first = true
	}
	if !first {
		util.DuplicateEventsTotal.Inc()
		util.PaymentEventsTotal.WithLabelValues(OutcomeDuplicate).Inc()
		e.logger.Debug("Duplicate event discarded", zap.String("key", key))
		return Resolution{Outcome: OutcomeDuplicate}
	}

	var res Resolution
	switch {
	case ev.Type == models.EventTypePushFailed:
		res = e.resolveFailed(ev)
	case ev.RequestID != "":
		res = e.resolveByRequest(ctx, ev, session)
	default:
		res = e.resolveByAmount(ctx, ev, session)
	}

	util.PaymentEventsTotal.WithLabelValues(res.Outcome).Inc()
	return res
}

// resolveFailed marks the prompt failed and stops its poller. Requires e.mu.
func (e *Engine) resolveFailed(ev models.PaymentEvent) Resolution {
	entry, ok := e.pending[ev.RequestID]
	if !ok || entry.req.Status != models.RequestStatusAwaiting {
		return e.orphan(context.Background(), ev, "failure for unknown or settled request")
	}
	entry.req.Status = models.RequestStatusFailed
	if entry.cancelPoll != nil {
		entry.cancelPoll()
		entry.cancelPoll = nil
	}
	e.logger.Info("Push payment failed",
		zap.String("request_id", ev.RequestID))
	return Resolution{Outcome: OutcomeFailed, RequestID: ev.RequestID}
}

// resolveByRequest credits a confirmation against its prompt. The first
// event to observe status=awaiting wins the transition; anything later is
// an orphan-because-terminal. Requires e.mu.
func (e *Engine) resolveByRequest(ctx context.Context, ev models.PaymentEvent, session Creditor) Resolution {
	if !validAmount(ev.Amount) {
		e.logger.Warn("Rejecting event with malformed amount",
			zap.String("request_id", ev.RequestID), zap.Float64("amount", ev.Amount))
		return Resolution{Outcome: OutcomeRejected, Reason: "malformed amount"}
	}

	entry, ok := e.pending[ev.RequestID]
	if !ok {
		return e.orphan(ctx, ev, "no tracked request")
	}
	if entry.req.Status != models.RequestStatusAwaiting {
		return e.orphan(ctx, ev, "request already "+entry.req.Status)
	}

	entry.req.Status = models.RequestStatusMatched
	if entry.cancelPoll != nil {
		entry.cancelPoll()
		entry.cancelPoll = nil
	}

	// The recorded target is a consistency check only; the received amount
	// governs the credit.
	if math.Abs(ev.Amount-entry.req.TargetAmount) > e.tolerance {
		e.logger.Warn("Confirmed amount differs from requested amount",
			zap.String("request_id", ev.RequestID),
			zap.Float64("requested", entry.req.TargetAmount),
			zap.Float64("received", ev.Amount))
	}

	if session == nil {
		return e.orphan(ctx, ev, "no active checkout")
	}
	if err := session.CreditTender(models.MethodMobile, ev.Amount, e.provider, ev.ExternalReference); err != nil {
		return e.orphan(ctx, ev, "credit rejected: "+err.Error())
	}

	e.logger.Info("Push payment matched",
		zap.String("request_id", ev.RequestID),
		zap.String("receipt", ev.ExternalReference),
		zap.Float64("amount", ev.Amount))
	return Resolution{Outcome: OutcomeMatched, RequestID: ev.RequestID, Credited: ev.Amount}
}

// resolveByAmount handles unsolicited inbound payments: auto-credit when the
// amount sits inside the match window of the active checkout. The generous
// "0 < amount <= target" fallback is deliberate, observed merchant policy.
// Requires e.mu.
func (e *Engine) resolveByAmount(ctx context.Context, ev models.PaymentEvent, session Creditor) Resolution {
	if !validAmount(ev.Amount) {
		e.logger.Warn("Rejecting inbound event with malformed amount",
			zap.String("reference", ev.ExternalReference), zap.Float64("amount", ev.Amount))
		return Resolution{Outcome: OutcomeRejected, Reason: "malformed amount"}
	}
	if session == nil {
		return e.orphan(ctx, ev, "no active checkout")
	}

	remaining := session.RemainingBalance()
	target := session.TargetAmount()
	if math.Abs(ev.Amount-remaining) >= e.tolerance && ev.Amount > target {
		return e.orphan(ctx, ev, "amount outside match window")
	}

	if err := session.CreditTender(models.MethodMobile, ev.Amount, e.provider, ev.ExternalReference); err != nil {
		return e.orphan(ctx, ev, "credit rejected: "+err.Error())
	}

	e.logger.Info("Inbound payment auto-matched",
		zap.String("reference", ev.ExternalReference),
		zap.Float64("amount", ev.Amount),
		zap.Float64("remaining_was", remaining))
	return Resolution{Outcome: OutcomeAutoMatched, Credited: ev.Amount}
}

// orphan retains the event for operator visibility and audit; it never
// mutates ledger state. Requires e.mu.
func (e *Engine) orphan(ctx context.Context, ev models.PaymentEvent, reason string) Resolution {
	orphan := e.orphans.add(ev, reason)
	util.OrphanEventsTotal.Inc()
	e.logger.Warn("Orphan payment event",
		zap.String("type", ev.Type),
		zap.String("reference", ev.ExternalReference),
		zap.String("request_id", ev.RequestID),
		zap.Float64("amount", ev.Amount),
		zap.String("reason", reason))
	if e.archiver != nil {
		if err := e.archiver.SaveOrphanEvent(ctx, &orphan); err != nil {
			e.logger.Error("Failed to archive orphan event", zap.Error(err))
		}
	}
	return Resolution{Outcome: OutcomeOrphaned, RequestID: ev.RequestID, Reason: reason}
}

func validAmount(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
