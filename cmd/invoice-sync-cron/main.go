package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/billsync_backend/config"
	"bitbucket.org/mmdatafocus/billsync_backend/invoicesync"
	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"github.com/sirupsen/logrus"
)

// One reconciliation cycle, intended to run from cron (or Cloud Scheduler
// pointing at the service instead). Creates a system-triggered run row and
// processes it inline.
func main() {
	invoiceId := flag.Int("invoice-id", 0, "Optional: push a single invoice and exit, bypassing the cycle.")
	flag.Parse()

	ctx := context.Background()
	logger := config.GetLogger()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	models.MigrateTable()

	if *invoiceId > 0 {
		engine, err := invoicesync.NewEngineFromEnv(db, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build engine: %v\n", err)
			os.Exit(1)
		}
		pushed, err := engine.SyncInvoice(ctx, *invoiceId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync invoice %d: %v\n", *invoiceId, err)
			os.Exit(1)
		}
		logger.WithFields(logrus.Fields{"invoice_id": *invoiceId, "pushed": pushed}).Info("single invoice sync finished")
		return
	}

	run := models.InvoiceSyncRun{
		Status:      models.SyncRunStatusQueued,
		TriggeredBy: models.SyncTriggeredSystem,
	}
	if err := db.WithContext(ctx).Create(&run).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create sync run: %v\n", err)
		os.Exit(1)
	}

	if err := invoicesync.ProcessSyncRun(ctx, run.ID); err != nil {
		fmt.Fprintf(os.Stderr, "sync run %d failed: %v\n", run.ID, err)
		os.Exit(1)
	}
}
