package recon

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"pos-terminal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCreditor mirrors the checkout surface the engine drives.
type fakeCreditor struct {
	target    float64
	remaining float64
	err       error
	credits   []float64
	refs      []string
}

func (c *fakeCreditor) CreditTender(method string, amount float64, subtype, sourceRef string) error {
	if c.err != nil {
		return c.err
	}
	c.credits = append(c.credits, amount)
	c.refs = append(c.refs, sourceRef)
	c.remaining -= amount
	if c.remaining < 0 {
		c.remaining = 0
	}
	return nil
}

func (c *fakeCreditor) RemainingBalance() float64 { return c.remaining }
func (c *fakeCreditor) TargetAmount() float64     { return c.target }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(NewMemoryKeyStore(time.Minute), Options{})
}

func pushConfirmed(requestID, receipt string, amount float64) models.PaymentEvent {
	return models.PaymentEvent{
		Type:              models.EventTypePushConfirmed,
		RequestID:         requestID,
		ExternalReference: receipt,
		Amount:            amount,
	}
}

func inbound(receipt string, amount float64) models.PaymentEvent {
	return models.PaymentEvent{
		Type:              models.EventTypeInboundReceived,
		ExternalReference: receipt,
		Amount:            amount,
	}
}

func TestTrackedRequestMatchesOnce(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 1000, remaining: 1000}
	e.Track("ws_CO_1", 1000)

	ev := pushConfirmed("ws_CO_1", "RCPT001", 1000)
	res := e.Process(context.Background(), ev, session)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, "ws_CO_1", res.RequestID)

	// Redelivery of the same confirmation is discarded by key, the
	// session sees exactly one credit.
	res = e.Process(context.Background(), ev, session)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, []float64{1000}, session.credits)

	req, ok := e.Request("ws_CO_1")
	require.True(t, ok)
	assert.Equal(t, models.RequestStatusMatched, req.Status)
}

func TestPollAndCallbackShareOneKey(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500}
	e.Track("ws_CO_2", 500)

	// Poller-synthesized confirmation lands first.
	res := e.Process(context.Background(), pushConfirmed("ws_CO_2", "RCPT002", 500), session)
	assert.Equal(t, OutcomeMatched, res.Outcome)

	// The real transport callback carries the same receipt; it dedups
	// instead of orphaning.
	res = e.Process(context.Background(), pushConfirmed("ws_CO_2", "RCPT002", 500), session)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, session.credits, 1)
}

func TestConfirmationForSettledRequestOrphans(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500}
	e.Track("ws_CO_3", 500)

	res := e.Process(context.Background(), pushConfirmed("ws_CO_3", "RCPT010", 500), session)
	require.Equal(t, OutcomeMatched, res.Outcome)

	// A second confirmation with a different receipt is a new key, but
	// the request already left awaiting.
	res = e.Process(context.Background(), pushConfirmed("ws_CO_3", "RCPT011", 500), session)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)
	assert.Len(t, session.credits, 1)
	assert.Len(t, e.Orphans(), 1)
}

func TestConfirmationWithoutTrackedRequestOrphans(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500}

	res := e.Process(context.Background(), pushConfirmed("ws_CO_unknown", "RCPT020", 500), session)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)
	assert.Empty(t, session.credits)
}

func TestReceivedAmountGovernsCredit(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 1000, remaining: 1000}
	e.Track("ws_CO_4", 1000)

	// Gateway confirms less than requested; the received amount is
	// credited as-is and the sale stays partially paid.
	res := e.Process(context.Background(), pushConfirmed("ws_CO_4", "RCPT030", 700), session)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.InDelta(t, 700, res.Credited, 1e-9)
	assert.InDelta(t, 300, session.remaining, 1e-9)
}

func TestInboundExactRemainingAutoMatches(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 1000, remaining: 600}

	res := e.Process(context.Background(), inbound("RCPT040", 600), session)
	assert.Equal(t, OutcomeAutoMatched, res.Outcome)
	assert.Equal(t, []string{"RCPT040"}, session.refs)
}

func TestInboundWithinTargetAutoMatches(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 1000, remaining: 1000}

	// Under the remaining balance but within the target: accepted as a
	// partial payment.
	res := e.Process(context.Background(), inbound("RCPT041", 400), session)
	assert.Equal(t, OutcomeAutoMatched, res.Outcome)
	assert.InDelta(t, 600, session.remaining, 1e-9)
}

func TestInboundAboveTargetOrphans(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 1000, remaining: 1000}

	res := e.Process(context.Background(), inbound("RCPT042", 1500), session)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)
	assert.Equal(t, "amount outside match window", res.Reason)
	assert.Empty(t, session.credits)
}

func TestInboundWithNoCheckoutOrphans(t *testing.T) {
	e := newTestEngine(t)

	res := e.Process(context.Background(), inbound("RCPT043", 200), nil)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)

	orphans := e.Orphans()
	require.Len(t, orphans, 1)
	assert.Equal(t, "no active checkout", orphans[0].Reason)
}

func TestCreditRejectionDegradesToOrphan(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500, err: errors.New("session closed")}
	e.Track("ws_CO_5", 500)

	res := e.Process(context.Background(), pushConfirmed("ws_CO_5", "RCPT050", 500), session)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)
	assert.Contains(t, res.Reason, "credit rejected")
}

func TestMalformedAmountsRejected(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500}
	e.Track("ws_CO_6", 500)

	for i, amount := range []float64{0, -10, math.NaN(), math.Inf(1)} {
		ev := pushConfirmed("ws_CO_6", "", amount)
		// Distinct request ids so the idempotency key never collides
		// across the table rows.
		ev.RequestID = ev.RequestID + string(rune('a'+i))
		res := e.Process(context.Background(), ev, session)
		assert.Equal(t, OutcomeRejected, res.Outcome)
	}
	assert.Empty(t, session.credits)
}

func TestPushFailedStopsRequest(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500}
	e.Track("ws_CO_7", 500)

	cancelled := false
	e.BindPollCancel("ws_CO_7", func() { cancelled = true })

	ev := models.PaymentEvent{Type: models.EventTypePushFailed, RequestID: "ws_CO_7"}
	res := e.Process(context.Background(), ev, session)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, cancelled)

	req, ok := e.Request("ws_CO_7")
	require.True(t, ok)
	assert.Equal(t, models.RequestStatusFailed, req.Status)

	// A confirmation arriving after the failure does not credit.
	res = e.Process(context.Background(), pushConfirmed("ws_CO_7", "RCPT060", 500), session)
	assert.Equal(t, OutcomeOrphaned, res.Outcome)
	assert.Empty(t, session.credits)
}

func TestBindPollCancelOnResolvedRequestFiresImmediately(t *testing.T) {
	e := newTestEngine(t)
	session := &fakeCreditor{target: 500, remaining: 500}
	e.Track("ws_CO_8", 500)

	res := e.Process(context.Background(), pushConfirmed("ws_CO_8", "RCPT070", 500), session)
	require.Equal(t, OutcomeMatched, res.Outcome)

	cancelled := false
	e.BindPollCancel("ws_CO_8", func() { cancelled = true })
	assert.True(t, cancelled)
}

func TestCancelAwaitingStopsPollers(t *testing.T) {
	e := newTestEngine(t)
	e.Track("ws_CO_9", 300)
	e.Track("ws_CO_10", 400)

	var cancels int
	e.BindPollCancel("ws_CO_9", func() { cancels++ })
	e.BindPollCancel("ws_CO_10", func() { cancels++ })

	e.CancelAwaiting()
	assert.Equal(t, 2, cancels)

	req, _ := e.Request("ws_CO_9")
	assert.Equal(t, models.RequestStatusCancelled, req.Status)
}

func TestKeyStoreErrorFailsOpen(t *testing.T) {
	e := NewEngine(failingKeyStore{}, Options{})
	session := &fakeCreditor{target: 500, remaining: 500}
	e.Track("ws_CO_11", 500)

	// When duplicate suppression is unavailable the event is treated as
	// new rather than dropped.
	res := e.Process(context.Background(), pushConfirmed("ws_CO_11", "RCPT080", 500), session)
	assert.Equal(t, OutcomeMatched, res.Outcome)
}

type failingKeyStore struct{}

func (failingKeyStore) MarkSeen(context.Context, string) (bool, error) {
	return false, errors.New("redis gone")
}
