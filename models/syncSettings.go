package models

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// SyncSettings is loaded once per cycle and treated as read-only while the
// cycle runs. A single row in MySQL is authoritative; env vars seed the
// defaults when the row does not exist yet.
type SyncSettings struct {
	ID                  uint      `gorm:"primary_key" json:"id"`
	EnableCron          bool      `json:"enable_cron"`
	InvoiceSyncStart    int       `json:"invoice_sync_start"`
	InvoiceSyncThrottle int       `json:"invoice_sync_throttle"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncSettings) TableName() string {
	return "sync_settings"
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		EnableCron:          envBool("MONEYBIRD_ENABLE_CRON", false),
		InvoiceSyncStart:    envInt("MONEYBIRD_INVOICE_SYNC_START", 0),
		InvoiceSyncThrottle: envInt("MONEYBIRD_INVOICE_SYNC_THROTTLE", 25),
	}
}

// GetSyncSettings reads the settings row, falling back to env defaults when
// the table is empty.
func GetSyncSettings(ctx context.Context, db *gorm.DB) (SyncSettings, error) {
	var settings SyncSettings
	err := db.WithContext(ctx).Order("id").Take(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DefaultSyncSettings(), nil
		}
		return SyncSettings{}, err
	}
	return settings, nil
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
