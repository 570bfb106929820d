package broker

import (
	"context"
	"time"

	"pos-terminal/internal/models"

	"github.com/google/uuid"
)

// EventPublisher publishes terminal domain events for back-office consumers
// (reporting, bookkeeping). Best-effort: the terminal never blocks a sale
// on the broker.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishSaleFinalized publishes the finalized sale with its tender lines.
func (ep *EventPublisher) PublishSaleFinalized(ctx context.Context, sale *models.SaleRecord) error {
	event := &models.SaleFinalizedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeSaleFinalized),
		SaleID:       sale.ID,
		ShiftID:      sale.ShiftID,
		StaffID:      sale.StaffID,
		TargetAmount: sale.TargetAmount,
		ChangeDue:    sale.ChangeDue,
		Tenders:      sale.Tenders,
	}
	return ep.producer.PublishEvent(ctx, "sale-"+sale.ID, event)
}

// PublishShiftClosed publishes the end-of-shift reconciliation.
func (ep *EventPublisher) PublishShiftClosed(ctx context.Context, shift *models.Shift) error {
	event := &models.ShiftClosedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeShiftClosed),
		ShiftID:      shift.ID,
		StaffID:      shift.StaffID,
		ExpectedCash: shift.ExpectedCash,
		ActualCash:   shift.ActualCash,
		Variance:     shift.Variance,
	}
	return ep.producer.PublishEvent(ctx, "shift-"+shift.ID, event)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
