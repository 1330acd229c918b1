package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TipEventType string

const (
	TipEventInitiated TipEventType = "tip.initiated"
	TipEventCompleted TipEventType = "tip.completed"
	TipEventFailed    TipEventType = "tip.failed"
	TipEventErrored   TipEventType = "tip.error"
)

// TipEvent is published on every lifecycle change of a tip.
type TipEvent struct {
	Type             TipEventType      `json:"type"`
	TransactionID    string            `json:"transaction_id"`
	Status           TransactionStatus `json:"status"`
	PhoneNumber      string            `json:"phone_number"`
	Amount           decimal.Decimal   `json:"amount"`
	GatewayReference string            `json:"gateway_reference,omitempty"`
	ReceiptNumber    string            `json:"receipt_number,omitempty"`
	Message          string            `json:"message,omitempty"`
	OccurredAt       time.Time         `json:"occurred_at"`
}

// EventTypeFor maps a status to the event announcing it.
func EventTypeFor(s TransactionStatus) TipEventType {
	switch s {
	case StatusCompleted:
		return TipEventCompleted
	case StatusFailed:
		return TipEventFailed
	case StatusError:
		return TipEventErrored
	}
	return TipEventInitiated
}

func NewTipEvent(t *Transaction, message string, at time.Time) TipEvent {
	return TipEvent{
		Type:             EventTypeFor(t.Status),
		TransactionID:    t.ID,
		Status:           t.Status,
		PhoneNumber:      t.PhoneNumber,
		Amount:           t.Amount,
		GatewayReference: t.GatewayReference,
		ReceiptNumber:    t.ReceiptNumber,
		Message:          message,
		OccurredAt:       at.UTC(),
	}
}
