package invoicesync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"bitbucket.org/mmdatafocus/billsync_backend/moneybird"
)

// ErrDuplicateLink signals more than one link row for a Moneybird id. The
// engine never picks one silently; the data needs manual correction.
var ErrDuplicateLink = errors.New("multiple invoice links for one moneybird id")

// AccountingClient is the slice of the Moneybird API the engines depend on.
// *moneybird.Client satisfies it; tests substitute fakes.
type AccountingClient interface {
	CreateSalesInvoice(ctx context.Context, payload moneybird.NewSalesInvoice) (*moneybird.SalesInvoice, error)
	GetSalesInvoice(ctx context.Context, id moneybird.ID) (*moneybird.SalesInvoice, error)
	ListMutationVersions(ctx context.Context, period string, mutationType string) ([]moneybird.ID, error)
	GetMutations(ctx context.Context, ids []moneybird.ID) ([]moneybird.FinancialMutation, error)
}

// LinkStore persists the local<->remote invoice id mapping.
type LinkStore interface {
	// FindByRemoteId returns nil when no link exists and ErrDuplicateLink
	// when the table holds more than one row for the id.
	FindByRemoteId(ctx context.Context, remoteId moneybird.ID) (*models.InvoiceLink, error)
	FindByLocalId(ctx context.Context, localId int) (*models.InvoiceLink, error)
	// Upsert creates the link or, when one exists for localId, replaces its
	// remote id. Idempotent for identical arguments.
	Upsert(ctx context.Context, localId int, remoteId moneybird.ID) error
}

// InvoiceStore is the billing platform's invoice surface.
type InvoiceStore interface {
	// SelectCandidates returns invoices with id >= startId, status Paid or
	// Unpaid, and a non-zero total.
	SelectCandidates(ctx context.Context, startId int) ([]models.Invoice, error)
	// Find returns (nil, nil) when the invoice does not exist.
	Find(ctx context.Context, id int) (*models.Invoice, error)
	// AddPayment appends a payment sourced from a Moneybird mutation and
	// returns (nil, nil) when the payment was already recorded.
	AddPayment(ctx context.Context, invoice *models.Invoice, payment moneybird.MutationPayment, mutation moneybird.FinancialMutation) (*models.InvoicePayment, error)
}

// LogSink receives structured failure records.
type LogSink interface {
	Append(ctx context.Context, entry models.SyncLog) error
}

type TriggerSyncRequest struct {
	TriggeredBy string `json:"triggeredBy"`
}

type StatusResponse struct {
	EnableCron          bool             `json:"enableCron"`
	InvoiceSyncStart    int              `json:"invoiceSyncStart"`
	InvoiceSyncThrottle int              `json:"invoiceSyncThrottle"`
	LinkedInvoices      int64            `json:"linkedInvoices"`
	LastRun             *SyncRunResponse `json:"lastRun"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID                 uint    `json:"id"`
	Status             string  `json:"status"`
	TriggeredBy        string  `json:"triggeredBy"`
	InvoicesSynced     int     `json:"invoicesSynced"`
	TransactionsSynced int     `json:"transactionsSynced"`
	ErrorCount         int     `json:"errorCount"`
	StartedAt          *string `json:"startedAt"`
	FinishedAt         *string `json:"finishedAt"`
	DurationMs         int64   `json:"durationMs"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Logs []SyncLogResponse `json:"logs"`
}

type SyncLogResponse struct {
	ID       uint   `json:"id"`
	EntityId int64  `json:"entityId"`
	Status   int    `json:"status"`
	Type     string `json:"type"`
	Message  string `json:"message"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId uint `json:"run_id"`
}
