package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice mirrors the billing platform's invoice table. This service only
// selects invoices for outbound sync and appends payments pulled back from
// Moneybird; invoice creation and amendment stay with the billing platform.
type Invoice struct {
	ID            int              `gorm:"primary_key" json:"id"`
	ClientId      int              `gorm:"index" json:"client_id"`
	InvoiceNumber string           `gorm:"size:64" json:"invoice_number"`
	Status        InvoiceStatus    `gorm:"size:20;index;not null" json:"status"`
	InvoiceDate   time.Time        `json:"invoice_date"`
	DueDate       time.Time        `json:"due_date"`
	Total         decimal.Decimal  `gorm:"type:decimal(16,2);not null" json:"total"`
	PaymentMethod string           `gorm:"size:32" json:"payment_method"`
	Payments      []InvoicePayment `gorm:"foreignKey:InvoiceId" json:"payments"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvoicePayment is one settled amount against an invoice. TransactionId
// carries the Moneybird payment id so re-processing the same mutation in a
// later cycle does not double-post.
type InvoicePayment struct {
	ID            uint            `gorm:"primary_key" json:"id"`
	InvoiceId     int             `gorm:"uniqueIndex:idx_invoice_transaction,priority:1;not null" json:"invoice_id"`
	TransactionId string          `gorm:"uniqueIndex:idx_invoice_transaction,priority:2;size:64;not null" json:"transaction_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(16,2);not null" json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	Gateway       string          `gorm:"size:50" json:"gateway"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

func (InvoicePayment) TableName() string {
	return "invoice_payments"
}
