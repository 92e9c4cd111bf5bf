package invoicesync

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/billsync_backend/config"
	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"bitbucket.org/mmdatafocus/billsync_backend/moneybird"
	"bitbucket.org/mmdatafocus/billsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const cycleLockName = "invoice-sync"

// NewEngineFromEnv wires an Engine against the global DB and the Moneybird
// credentials from the environment.
func NewEngineFromEnv(db *gorm.DB, logger *logrus.Logger) (*Engine, error) {
	client, err := moneybird.NewClient(
		os.Getenv("MONEYBIRD_API_TOKEN"),
		os.Getenv("MONEYBIRD_ADMINISTRATION_ID"),
	)
	if err != nil {
		return nil, err
	}
	return NewEngine(client, NewLinkStore(db), NewInvoiceStore(db), NewLogSink(db), logger), nil
}

// ProcessSyncRun executes one reconciliation cycle for a queued run row:
// outbound invoice push, then inbound mutation pull. A redis lock keeps a
// slow previous cycle and a freshly scheduled one from interleaving work on
// the same invoices.
func ProcessSyncRun(ctx context.Context, runId uint) error {
	db := config.GetDB()
	logger := config.GetLogger()

	var run models.InvoiceSyncRun
	if err := db.WithContext(ctx).Where("id = ?", runId).Take(&run).Error; err != nil {
		return err
	}
	switch run.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusFailed, models.SyncRunStatusPartial:
		// Already processed (pubsub redelivery).
		return nil
	}

	budget := cycleBudget()
	lock, err := utils.ObtainCycleLock(ctx, cycleLockName, budget+time.Minute, "invoicesync", "ProcessSyncRun")
	if err != nil {
		if errors.Is(err, utils.ErrCycleInProgress) {
			logger.WithFields(logrus.Fields{"run_id": runId}).Warn("previous sync cycle still running; leaving run queued")
			return nil
		}
		return err
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.WithContext(ctx).Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	engine, err := NewEngineFromEnv(db, logger)
	if err != nil {
		_ = finishRun(ctx, db, &run, *startedAt, 0, 0, 1)
		return err
	}
	engine.Deadline = now.Add(budget)

	settings, err := models.GetSyncSettings(ctx, db)
	if err != nil {
		_ = finishRun(ctx, db, &run, *startedAt, 0, 0, 1)
		return err
	}

	errorCount := 0

	invoicesSynced, err := engine.RunOutboundSync(ctx, settings)
	if err != nil {
		errorCount++
		config.LogError(logger, "invoicesync", "ProcessSyncRun", "outbound sync aborted", runId, err)
	}

	// Inbound runs even when outbound aborted; the two engines only share
	// the link store and inbound failures are contained per payment.
	transactionsSynced, err := engine.RunInboundSync(ctx, settings)
	if err != nil {
		errorCount++
		config.LogError(logger, "invoicesync", "ProcessSyncRun", "inbound sync aborted", runId, err)
	}

	if err := finishRun(ctx, db, &run, *startedAt, invoicesSynced, transactionsSynced, errorCount); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id":              run.ID,
		"invoices_synced":     invoicesSynced,
		"transactions_synced": transactionsSynced,
		"error_count":         errorCount,
	}).Info("sync cycle finished")
	return nil
}

func finishRun(ctx context.Context, db *gorm.DB, run *models.InvoiceSyncRun, startedAt time.Time, invoicesSynced int, transactionsSynced int, errorCount int) error {
	finishedAt := time.Now()
	status := models.SyncRunStatusSuccess
	if errorCount > 0 && invoicesSynced+transactionsSynced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}
	return db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":              status,
		"finished_at":         finishedAt,
		"duration_ms":         finishedAt.Sub(startedAt).Milliseconds(),
		"invoices_synced":     invoicesSynced,
		"transactions_synced": transactionsSynced,
		"error_count":         errorCount,
	}).Error
}

// cycleBudget is the coarse wall-clock budget for one cycle. In-flight
// operations finish; nothing new starts past the budget.
func cycleBudget() time.Duration {
	seconds := 300
	if v := strings.TrimSpace(os.Getenv("MONEYBIRD_SYNC_BUDGET_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			seconds = n
		}
	}
	return time.Duration(seconds) * time.Second
}
