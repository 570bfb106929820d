package models

import (
	"encoding/json"
	"time"
)

// Inbound event types delivered by the notification source.
const (
	EventTypePushConfirmed   = "payment.push_confirmed"
	EventTypePushFailed      = "payment.push_failed"
	EventTypeInboundReceived = "payment.inbound_received"
)

// Outbound event types published to the back office.
const (
	EventTypeSaleFinalized = "sale.finalized"
	EventTypeShiftOpened   = "shift.opened"
	EventTypeShiftClosed   = "shift.closed"
)

// Envelope is the tagged union carried on the wire; payloads are decoded
// per type.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// PaymentEvent is a payment confirmation delivered by the notification
// source. ExternalReference is the provider receipt code; RequestID is set
// only for events answering a push-payment prompt.
type PaymentEvent struct {
	Type              string    `json:"type"`
	ExternalReference string    `json:"external_reference,omitempty"`
	RequestID         string    `json:"request_id,omitempty"`
	Amount            float64   `json:"amount"`
	PayerPhone        string    `json:"payer_phone,omitempty"`
	PayerName         string    `json:"payer_name,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// IdempotencyKey identifies the real-world payment occurrence behind the
// event. Delivery order across reconnects is not guaranteed, so this key,
// not arrival order, governs duplicate suppression.
func (e *PaymentEvent) IdempotencyKey() string {
	if e.ExternalReference != "" {
		return e.Type + "|" + e.ExternalReference
	}
	return "req|" + e.RequestID
}

// BaseEvent contains common fields for all outbound events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SaleFinalizedEvent is published when a checkout session finalizes.
type SaleFinalizedEvent struct {
	BaseEvent
	SaleID       string       `json:"sale_id"`
	ShiftID      string       `json:"shift_id"`
	StaffID      int64        `json:"staff_id"`
	TargetAmount float64      `json:"target_amount"`
	ChangeDue    float64      `json:"change_due"`
	Tenders      []TenderLine `json:"tenders"`
}

// ShiftClosedEvent is published when a shift closes with its reconciliation.
type ShiftClosedEvent struct {
	BaseEvent
	ShiftID      string  `json:"shift_id"`
	StaffID      int64   `json:"staff_id"`
	ExpectedCash float64 `json:"expected_cash"`
	ActualCash   float64 `json:"actual_cash"`
	Variance     float64 `json:"variance"`
}
