package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"bitbucket.org/mmdatafocus/billsync_backend/moneybird"
	"bitbucket.org/mmdatafocus/billsync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("billsync-invoice-sync")

// maxMutationsPerCycle bounds the inbound fan-out per cycle. Combined with
// the rolling two-month window, mutations beyond the newest 100 in a busy
// period wait for a later cycle or age out; that tradeoff is accepted.
const maxMutationsPerCycle = 100

// mutationTypeDebit selects incoming money; credit mutations (outgoing) are
// never payments against sales invoices.
const mutationTypeDebit = "debit"

// Engine runs the two reconciliation jobs. Outbound pushes finalized local
// invoices to Moneybird; inbound pulls debit mutations and applies their
// payments to local invoices. The two jobs share only the link store and run
// sequentially within one cycle, so no per-invoice locking is needed.
type Engine struct {
	Client   AccountingClient
	Links    LinkStore
	Invoices InvoiceStore
	Logs     LogSink
	Logger   *logrus.Logger
	Tracer   trace.Tracer

	// Now is swapped out in tests.
	Now func() time.Time
	// Deadline is the coarse wall-clock budget for the cycle. When passed,
	// the engines finish the in-flight item and stop starting new ones.
	// Zero means no budget.
	Deadline time.Time
}

func NewEngine(client AccountingClient, links LinkStore, invoices InvoiceStore, logs LogSink, logger *logrus.Logger) *Engine {
	return &Engine{
		Client:   client,
		Links:    links,
		Invoices: invoices,
		Logs:     logs,
		Logger:   logger,
		Tracer:   tracer,
		Now:      time.Now,
	}
}

// RunOutboundSync pushes eligible local invoices to Moneybird, at most
// settings.InvoiceSyncThrottle per cycle. The first push error writes a sync
// log entry and aborts the rest of the batch: one bad invoice under an
// unknown root cause should not drag the remaining candidates into a
// half-synced state. Returns the number of invoices pushed.
func (e *Engine) RunOutboundSync(ctx context.Context, settings models.SyncSettings) (int, error) {
	ctx, span := e.Tracer.Start(ctx, "RunOutboundSync")
	defer span.End()

	if !settings.EnableCron {
		e.Logger.Debug("invoice sync disabled; skipping outbound sync")
		return 0, nil
	}

	candidates, err := e.Invoices.SelectCandidates(ctx, settings.InvoiceSyncStart)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range candidates {
		if e.budgetExceeded() {
			e.Logger.WithFields(logrus.Fields{"synced": count}).Warn("cycle budget exceeded; stopping outbound sync")
			break
		}

		invoice := candidates[i]
		pushed, err := e.pushInvoice(ctx, invoice)
		if err != nil {
			_ = e.Logs.Append(ctx, models.SyncLog{
				EntityId: int64(invoice.ID),
				Status:   models.SyncLogStatusError,
				Type:     models.SyncLogTypeInvoice,
				Message:  err.Error(),
			})
			return count, fmt.Errorf("push invoice %d: %w", invoice.ID, err)
		}
		if pushed {
			count++
		}
		if settings.InvoiceSyncThrottle > 0 && count >= settings.InvoiceSyncThrottle {
			e.Logger.WithFields(logrus.Fields{"throttle": settings.InvoiceSyncThrottle}).Debug("throttle limit hit")
			break
		}
	}
	return count, nil
}

// pushInvoice creates the Moneybird counterpart of one local invoice.
// An existing link means the invoice was pushed in an earlier cycle; the
// push is skipped and does not count against the throttle.
func (e *Engine) pushInvoice(ctx context.Context, invoice models.Invoice) (bool, error) {
	link, err := e.Links.FindByLocalId(ctx, invoice.ID)
	if err != nil {
		return false, err
	}
	if link != nil {
		return false, nil
	}

	description := invoice.InvoiceNumber
	if description == "" {
		description = fmt.Sprintf("Invoice #%d", invoice.ID)
	}
	payload := moneybird.NewSalesInvoice{
		Reference: strconv.Itoa(invoice.ID),
		DetailsAttributes: []moneybird.NewSalesInvoiceDetail{
			{Description: description, Price: invoice.Total},
		},
	}
	if !invoice.InvoiceDate.IsZero() {
		payload.InvoiceDate = invoice.InvoiceDate.Format("2006-01-02")
	}

	remote, err := e.Client.CreateSalesInvoice(ctx, payload)
	if err != nil {
		return false, err
	}
	if remote == nil {
		return false, nil
	}
	if err := e.Links.Upsert(ctx, invoice.ID, remote.ID); err != nil {
		return false, err
	}
	return true, nil
}

// SyncInvoice pushes a single invoice by id, outside the regular cycle.
func (e *Engine) SyncInvoice(ctx context.Context, invoiceId int) (bool, error) {
	invoice, err := e.Invoices.Find(ctx, invoiceId)
	if err != nil {
		return false, err
	}
	if invoice == nil {
		return false, fmt.Errorf("invoice %d does not exist", invoiceId)
	}
	return e.pushInvoice(ctx, *invoice)
}

// RunInboundSync pulls debit mutations for the trailing two calendar months
// and applies their sales invoice payments locally. Failures here are
// contained per payment: identity-resolution misses are expected (invoices
// created outside the sync window, deleted remotes) and the next cycle
// retries anything transient. Returns the number of payments applied.
func (e *Engine) RunInboundSync(ctx context.Context, settings models.SyncSettings) (int, error) {
	ctx, span := e.Tracer.Start(ctx, "RunInboundSync")
	defer span.End()

	if !settings.EnableCron {
		e.Logger.Debug("invoice sync disabled; skipping inbound sync")
		return 0, nil
	}

	period := periodFilter(e.Now())
	versionIds, err := e.Client.ListMutationVersions(ctx, period, mutationTypeDebit)
	if err != nil {
		return 0, err
	}

	ids := topMutationIds(versionIds, maxMutationsPerCycle)
	if len(ids) == 0 {
		return 0, nil
	}

	mutations, err := e.Client.GetMutations(ctx, ids)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mutation := range mutations {
		if e.budgetExceeded() {
			e.Logger.WithFields(logrus.Fields{"applied": count}).Warn("cycle budget exceeded; stopping inbound sync")
			break
		}
		for _, payment := range mutation.Payments {
			if e.applyPayment(ctx, mutation, payment) {
				count++
			}
		}
	}
	return count, nil
}

// applyPayment reconciles one payment entry onto a local invoice. Reports
// whether a payment record was written.
func (e *Engine) applyPayment(ctx context.Context, mutation moneybird.FinancialMutation, payment moneybird.MutationPayment) bool {
	logger := e.Logger.WithFields(logrus.Fields{
		"mutation_id":       mutation.ID.String(),
		"remote_invoice_id": payment.InvoiceId.String(),
		"remote_payment_id": payment.ID.String(),
	})

	if err := payment.Validate(); err != nil {
		logger.WithField("validation", utils.ProcessValidationErrors(err)).Debug("malformed payment entry; skipping")
		return false
	}
	if payment.InvoiceType != moneybird.InvoiceTypeSalesInvoice {
		return false
	}

	localId, err := e.resolveLocalInvoiceId(ctx, payment)
	if err != nil {
		if errors.Is(err, ErrDuplicateLink) {
			// Integrity fault: surfaced loudly and persisted, never resolved
			// by picking a row.
			logger.Error("duplicate invoice links; manual correction required")
			_ = e.Logs.Append(ctx, models.SyncLog{
				EntityId: payment.InvoiceId.Int64(),
				Status:   models.SyncLogStatusError,
				Type:     models.SyncLogTypeLink,
				Message:  fmt.Sprintf("multiple invoice links for moneybird id %s", payment.InvoiceId),
			})
			return false
		}
		logger.WithField("error", err.Error()).Debugf("%s could not be resolved", payment.InvoiceId)
		return false
	}

	invoice, err := e.Invoices.Find(ctx, localId)
	if err != nil {
		logger.WithField("error", err.Error()).Debug("invoice lookup failed; skipping")
		return false
	}
	if invoice == nil {
		logger.Debugf("%d does not exist locally", localId)
		return false
	}

	record, err := e.Invoices.AddPayment(ctx, invoice, payment, mutation)
	if err != nil {
		logger.WithField("error", err.Error()).Debug("apply payment failed; skipping")
		return false
	}
	return record != nil
}

// resolveLocalInvoiceId maps a remote invoice id to the local one, preferring
// the link store and falling back to a remote invoice fetch whose reference
// field carries the local id. The fallback repairs the link store so the next
// cycle resolves without an API call.
func (e *Engine) resolveLocalInvoiceId(ctx context.Context, payment moneybird.MutationPayment) (int, error) {
	link, err := e.Links.FindByRemoteId(ctx, payment.InvoiceId)
	if err != nil {
		return 0, err
	}
	if link != nil {
		return link.InvoiceId, nil
	}

	remote, err := e.Client.GetSalesInvoice(ctx, payment.InvoiceId)
	if err != nil {
		return 0, err
	}
	reference, err := strconv.Atoi(strings.TrimSpace(remote.Reference))
	if err != nil || reference <= 0 {
		return 0, fmt.Errorf("moneybird invoice %s has no usable reference (%q)", payment.InvoiceId, remote.Reference)
	}
	if err := e.Links.Upsert(ctx, reference, payment.InvoiceId); err != nil {
		return 0, err
	}
	return reference, nil
}

func (e *Engine) budgetExceeded() bool {
	return !e.Deadline.IsZero() && e.Now().After(e.Deadline)
}

// periodFilter formats the Moneybird period filter covering the previous and
// current calendar month: wide enough for typical payment-posting lag, narrow
// enough to bound API cost. Anchored to the first of the month so month-end
// dates cannot skip a month when stepping back.
func periodFilter(now time.Time) string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	prev := first.AddDate(0, -1, 0)
	return fmt.Sprintf("%s..%s", prev.Format("200601"), first.Format("200601"))
}

// topMutationIds returns the `limit` largest ids, newest first. Moneybird ids
// increase monotonically, so this keeps the most recent mutations.
func topMutationIds(ids []moneybird.ID, limit int) []moneybird.ID {
	out := make([]moneybird.ID, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
