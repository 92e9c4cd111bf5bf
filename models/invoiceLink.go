package models

import "time"

// InvoiceLink pairs a local invoice with its Moneybird sales invoice so
// inbound reconciliation can skip a remote lookup per payment. The unique
// index on invoice_id makes Upsert a single-row operation: concurrent
// cycles racing on the same invoice resolve last-write-wins instead of
// producing duplicate rows. Links are never deleted by this service.
type InvoiceLink struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	InvoiceId   int       `gorm:"uniqueIndex;not null" json:"invoice_id"`
	MoneybirdId int64     `gorm:"index;not null" json:"moneybird_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InvoiceLink) TableName() string {
	return "invoice_links"
}
