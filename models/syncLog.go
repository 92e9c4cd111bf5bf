package models

import "time"

// SyncLog is the persistent failure record. Outbound push failures are always
// written here; inbound skips usually only reach the debug log.
type SyncLog struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	EntityId  int64     `gorm:"index" json:"entity_id"`
	Status    int       `gorm:"not null" json:"status"`
	Type      string    `gorm:"size:32;index" json:"type"`
	Message   string    `gorm:"type:text" json:"message"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (SyncLog) TableName() string {
	return "sync_logs"
}
