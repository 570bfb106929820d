package models

import "time"

// Tender methods
const (
	MethodCash   = "CASH"
	MethodMobile = "MOBILE"
	MethodCredit = "CREDIT"
)

// Pending push-payment request statuses
const (
	RequestStatusAwaiting  = "AWAITING"
	RequestStatusMatched   = "MATCHED"
	RequestStatusFailed    = "FAILED"
	RequestStatusCancelled = "CANCELLED"
)

// PendingPaymentRequest tracks one outstanding push-payment prompt issued by
// this terminal. The request id is assigned by the upstream gateway and is
// never reused.
type PendingPaymentRequest struct {
	RequestID    string    `json:"request_id"`
	TargetAmount float64   `json:"target_amount"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// TenderLine is one accepted payment toward a sale.
type TenderLine struct {
	ID              string    `db:"id" json:"id"`
	Method          string    `db:"method" json:"method"`
	Amount          float64   `db:"amount" json:"amount"`
	Subtype         string    `db:"subtype" json:"subtype,omitempty"`
	SourceReference string    `db:"source_reference" json:"source_reference,omitempty"`
	CapturedAt      time.Time `db:"captured_at" json:"captured_at"`
}

// SaleRecord is the finalized outcome of one checkout session, handed to the
// persistence service and the event publisher.
type SaleRecord struct {
	ID           string       `db:"id" json:"id"`
	ShiftID      string       `db:"shift_id" json:"shift_id"`
	StaffID      int64        `db:"staff_id" json:"staff_id"`
	CustomerID   int64        `db:"customer_id" json:"customer_id,omitempty"`
	TargetAmount float64      `db:"target_amount" json:"target_amount"`
	ChangeDue    float64      `db:"change_due" json:"change_due"`
	Tenders      []TenderLine `json:"tenders"`
	FinalizedAt  time.Time    `db:"finalized_at" json:"finalized_at"`
}

// CashTotal sums the cash tender lines of the sale.
func (s *SaleRecord) CashTotal() float64 {
	var total float64
	for _, t := range s.Tenders {
		if t.Method == MethodCash {
			total += t.Amount
		}
	}
	return total
}

// MethodTotal sums tender lines of the given method.
func (s *SaleRecord) MethodTotal(method string) float64 {
	var total float64
	for _, t := range s.Tenders {
		if t.Method == method {
			total += t.Amount
		}
	}
	return total
}

// Shift is one cash drawer period for a staff member. CashTenderTotal grows
// only through finalized sales; once closed the record is immutable.
type Shift struct {
	ID                string     `db:"id" json:"id"`
	StaffID           int64      `db:"staff_id" json:"staff_id"`
	OpeningFloat      float64    `db:"opening_float" json:"opening_float"`
	CashTenderTotal   float64    `db:"cash_tender_total" json:"cash_tender_total"`
	MobileTenderTotal float64    `db:"mobile_tender_total" json:"mobile_tender_total"`
	CreditTenderTotal float64    `db:"credit_tender_total" json:"credit_tender_total"`
	TransactionCount  int        `db:"transaction_count" json:"transaction_count"`
	OpenedAt          time.Time  `db:"opened_at" json:"opened_at"`
	ClosedAt          *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	ActualCash        float64    `db:"actual_cash" json:"actual_cash"`
	ExpectedCash      float64    `db:"expected_cash" json:"expected_cash"`
	Variance          float64    `db:"variance" json:"variance"`
}

// ExpectedCashNow returns opening float plus accumulated cash tenders.
func (s *Shift) ExpectedCashNow() float64 {
	return s.OpeningFloat + s.CashTenderTotal
}

// IsOpen reports whether the shift has not been closed yet.
func (s *Shift) IsOpen() bool {
	return s.ClosedAt == nil
}

// OrphanEvent is a payment event that could not be matched to any in-flight
// request or active checkout. Retained for manual reconciliation.
type OrphanEvent struct {
	Event      PaymentEvent `json:"event"`
	Reason     string       `json:"reason"`
	ObservedAt time.Time    `json:"observed_at"`
}

// PushStatus is the result of a gateway status query for a push-payment
// prompt (the polling fallback when the live channel misses a callback).
type PushStatus struct {
	Completed  bool   `json:"completed"`
	Receipt    string `json:"receipt,omitempty"`
	ResultCode string `json:"result_code,omitempty"`
	ResultDesc string `json:"result_desc,omitempty"`
}
