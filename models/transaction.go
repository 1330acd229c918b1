package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending      TransactionStatus = "pending"
	StatusCompleted    TransactionStatus = "completed"
	StatusFailed       TransactionStatus = "failed"
	StatusError        TransactionStatus = "error"
	StatusInvalidInput TransactionStatus = "invalid_input"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError, StatusInvalidInput:
		return true
	}
	return false
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusError, StatusInvalidInput:
		return true
	}
	return false
}

var validTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending: {StatusCompleted, StatusFailed, StatusError},
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to TransactionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transaction is one tipping attempt as held in the live store.
type Transaction struct {
	ID                string            `json:"id"`
	PhoneNumber       string            `json:"phone_number"`
	Amount            decimal.Decimal   `json:"amount"`
	Status            TransactionStatus `json:"status"`
	GatewayReference  string            `json:"gateway_reference,omitempty"`
	MerchantRequestID string            `json:"merchant_request_id,omitempty"`
	Attempts          int               `json:"attempts"`
	LastError         *string           `json:"last_error"`
	ResultDescription string            `json:"result_description,omitempty"`
	ReceiptNumber     string            `json:"receipt_number,omitempty"`
	ProviderResponse  json.RawMessage   `json:"provider_response,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
}

// TransactionPatch carries a partial update. Nil fields are left untouched.
type TransactionPatch struct {
	Status            *TransactionStatus
	GatewayReference  *string
	MerchantRequestID *string
	LastError         *string
	ClearLastError    bool
	ResultDescription *string
	ReceiptNumber     *string
	ProviderResponse  json.RawMessage
	CompletedAt       *time.Time
	FailedAt          *time.Time
}

// Apply merges the non-nil fields of p into t.
func (p TransactionPatch) Apply(t *Transaction) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.GatewayReference != nil {
		t.GatewayReference = *p.GatewayReference
	}
	if p.MerchantRequestID != nil {
		t.MerchantRequestID = *p.MerchantRequestID
	}
	if p.ClearLastError {
		t.LastError = nil
	}
	if p.LastError != nil {
		msg := *p.LastError
		t.LastError = &msg
	}
	if p.ResultDescription != nil {
		t.ResultDescription = *p.ResultDescription
	}
	if p.ReceiptNumber != nil {
		t.ReceiptNumber = *p.ReceiptNumber
	}
	if len(p.ProviderResponse) > 0 {
		t.ProviderResponse = append(json.RawMessage(nil), p.ProviderResponse...)
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		t.CompletedAt = &at
	}
	if p.FailedAt != nil {
		at := *p.FailedAt
		t.FailedAt = &at
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
