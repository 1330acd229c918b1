package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TipRecord is the durable copy of a tip that reached a terminal status.
type TipRecord struct {
	ID                uint            `gorm:"primaryKey" json:"-"`
	TransactionID     string          `gorm:"column:transaction_id;type:varchar(32);not null;uniqueIndex" json:"transaction_id"`
	PhoneNumber       string          `gorm:"column:phone_number;type:varchar(20);not null;index" json:"phone_number"`
	Amount            decimal.Decimal `gorm:"column:amount;type:decimal(15,2);not null" json:"amount"`
	Status            string          `gorm:"column:status;type:varchar(20);not null" json:"status"`
	GatewayReference  string          `gorm:"column:gateway_reference;type:varchar(100);index" json:"gateway_reference"`
	MerchantRequestID string          `gorm:"column:merchant_request_id;type:varchar(100)" json:"merchant_request_id"`
	ReceiptNumber     string          `gorm:"column:receipt_number;type:varchar(50)" json:"receipt_number"`
	ResultDescription string          `gorm:"column:result_description;type:text" json:"result_description"`
	Attempts          int             `gorm:"column:attempts;not null;default:0" json:"attempts"`
	TipCreatedAt      time.Time       `gorm:"column:tip_created_at" json:"tip_created_at"`
	SettledAt         time.Time       `gorm:"column:settled_at;index" json:"settled_at"`
	CreatedAt         time.Time       `json:"-"`
	UpdatedAt         time.Time       `json:"-"`
}

func (TipRecord) TableName() string {
	return "tip_records"
}

// NewTipRecord snapshots a terminal transaction for archiving.
func NewTipRecord(t *Transaction) TipRecord {
	settled := t.UpdatedAt
	if t.CompletedAt != nil {
		settled = *t.CompletedAt
	} else if t.FailedAt != nil {
		settled = *t.FailedAt
	}
	desc := t.ResultDescription
	if desc == "" && t.LastError != nil {
		desc = *t.LastError
	}
	return TipRecord{
		TransactionID:     t.ID,
		PhoneNumber:       t.PhoneNumber,
		Amount:            t.Amount,
		Status:            string(t.Status),
		GatewayReference:  t.GatewayReference,
		MerchantRequestID: t.MerchantRequestID,
		ReceiptNumber:     t.ReceiptNumber,
		ResultDescription: desc,
		Attempts:          t.Attempts,
		TipCreatedAt:      t.CreatedAt,
		SettledAt:         settled,
	}
}
