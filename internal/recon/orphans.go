package recon

import (
	"context"
	"sync"
	"time"

	"pos-terminal/internal/models"
)

// OrphanArchiver persists orphan events for audit. Optional; archive errors
// are logged by the engine, never surfaced to the event path.
type OrphanArchiver interface {
	SaveOrphanEvent(ctx context.Context, orphan *models.OrphanEvent) error
}

// orphanList retains the most recent unmatched events for operator display.
// Oldest entries are evicted once the limit is reached; the durable audit
// copy lives with the archiver.
type orphanList struct {
	mu    sync.Mutex
	limit int
	items []models.OrphanEvent
}

func newOrphanList(limit int) *orphanList {
	if limit <= 0 {
		limit = 100
	}
	return &orphanList{limit: limit}
}

func (o *orphanList) add(ev models.PaymentEvent, reason string) models.OrphanEvent {
	orphan := models.OrphanEvent{
		Event:      ev,
		Reason:     reason,
		ObservedAt: time.Now(),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = append(o.items, orphan)
	if len(o.items) > o.limit {
		o.items = o.items[len(o.items)-o.limit:]
	}
	return orphan
}

func (o *orphanList) snapshot() []models.OrphanEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.OrphanEvent, len(o.items))
	copy(out, o.items)
	return out
}
