package recon

import (
	"context"
	"time"

	"pos-terminal/internal/models"
	"pos-terminal/internal/util"

	"go.uber.org/zap"
)

// StatusQuerier is the gateway's polling fallback: a periodic "check status"
// call used when the push path misses a callback.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, requestID string) (models.PushStatus, error)
}

// Submitter feeds a synthesized event back into normal reconciliation, so
// a poll result and a late websocket callback dedup against the same key.
type Submitter func(models.PaymentEvent)

// Poller watches awaiting push requests against the gateway.
type Poller struct {
	querier  StatusQuerier
	submit   Submitter
	interval time.Duration
	logger   *zap.Logger
}

// NewPoller creates a poller querying every interval.
func NewPoller(querier StatusQuerier, submit Submitter, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		querier:  querier,
		submit:   submit,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Watch polls the request until it completes or the returned cancel fires.
// The cancel must be bound to the request's lifecycle: an orphaned poll
// timer is a resource leak and a source of stale auto-credits.
func (p *Poller) Watch(requestID string, amount float64) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			util.PushPollChecksTotal.Inc()
			status, err := p.querier.QueryStatus(ctx, requestID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Debug("Status poll failed",
					zap.String("request_id", requestID), zap.Error(err))
				continue
			}
			if !status.Completed {
				continue
			}

			p.logger.Info("Status poll confirmed payment",
				zap.String("request_id", requestID),
				zap.String("receipt", status.Receipt))
			p.submit(models.PaymentEvent{
				Type:              models.EventTypePushConfirmed,
				RequestID:         requestID,
				ExternalReference: status.Receipt,
				Amount:            amount,
				Timestamp:         time.Now(),
			})
			return
		}
	}()

	return cancel
}
