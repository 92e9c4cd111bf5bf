package models

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "Draft"
	InvoiceStatusUnpaid    InvoiceStatus = "Unpaid"
	InvoiceStatusPaid      InvoiceStatus = "Paid"
	InvoiceStatusCancelled InvoiceStatus = "Cancelled"
	InvoiceStatusRefunded  InvoiceStatus = "Refunded"
	InvoiceStatusCollect   InvoiceStatus = "Collections"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

const (
	SyncLogTypeInvoice = "invoice"
	SyncLogTypeLink    = "link"
)

const (
	SyncLogStatusError = 1
)
