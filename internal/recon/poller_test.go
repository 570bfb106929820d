package recon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pos-terminal/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedQuerier struct {
	calls    int32
	statuses []models.PushStatus
	err      error
}

func (q *scriptedQuerier) QueryStatus(ctx context.Context, requestID string) (models.PushStatus, error) {
	n := atomic.AddInt32(&q.calls, 1)
	if q.err != nil {
		return models.PushStatus{}, q.err
	}
	idx := int(n) - 1
	if idx >= len(q.statuses) {
		idx = len(q.statuses) - 1
	}
	return q.statuses[idx], nil
}

func TestPollerSubmitsOnCompletion(t *testing.T) {
	querier := &scriptedQuerier{statuses: []models.PushStatus{
		{Completed: false, ResultCode: "1037"},
		{Completed: true, ResultCode: "0", Receipt: "SAB999"},
	}}

	events := make(chan models.PaymentEvent, 1)
	p := NewPoller(querier, func(ev models.PaymentEvent) { events <- ev }, 5*time.Millisecond)

	cancel := p.Watch("ws_CO_50", 320)
	defer cancel()

	select {
	case ev := <-events:
		assert.Equal(t, models.EventTypePushConfirmed, ev.Type)
		assert.Equal(t, "ws_CO_50", ev.RequestID)
		assert.Equal(t, "SAB999", ev.ExternalReference)
		assert.InDelta(t, 320, ev.Amount, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never submitted the confirmation")
	}

	// The watch goroutine stops after one submission.
	calls := atomic.LoadInt32(&querier.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&querier.calls))
}

func TestPollerCancelStopsWatch(t *testing.T) {
	querier := &scriptedQuerier{statuses: []models.PushStatus{{Completed: false}}}

	var submits int32
	p := NewPoller(querier, func(models.PaymentEvent) { atomic.AddInt32(&submits, 1) }, 5*time.Millisecond)

	cancel := p.Watch("ws_CO_51", 100)
	time.Sleep(20 * time.Millisecond)
	cancel()

	calls := atomic.LoadInt32(&querier.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt32(&querier.calls))
	assert.Zero(t, atomic.LoadInt32(&submits))
}

func TestPollerRidesOutQueryErrors(t *testing.T) {
	querier := &scriptedQuerier{err: errors.New("network down")}
	p := NewPoller(querier, func(models.PaymentEvent) {}, 5*time.Millisecond)

	cancel := p.Watch("ws_CO_52", 100)
	time.Sleep(30 * time.Millisecond)
	cancel()

	require.Greater(t, atomic.LoadInt32(&querier.calls), int32(1))
}
