package models

import (
	"log"

	"bitbucket.org/mmdatafocus/billsync_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Invoice{}, &InvoicePayment{},
		&InvoiceLink{},
		&SyncLog{},
		&SyncSettings{},
		&InvoiceSyncRun{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
