package models

import "time"

// InvoiceSyncRun records one reconciliation cycle for the ops API: how it was
// triggered, how far it got, and how long it took.
type InvoiceSyncRun struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	Status             string     `gorm:"size:20;index;not null" json:"status"`
	TriggeredBy        string     `gorm:"size:20" json:"triggered_by"`
	InvoicesSynced     int        `json:"invoices_synced"`
	TransactionsSynced int        `json:"transactions_synced"`
	ErrorCount         int        `json:"error_count"`
	ParentRunId        *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt          *time.Time `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`
	DurationMs         int64      `json:"duration_ms"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InvoiceSyncRun) TableName() string {
	return "invoice_sync_runs"
}
