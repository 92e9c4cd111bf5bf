package invoicesync

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/billsync_backend/config"
	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		settings, err := models.GetSyncSettings(c.Request.Context(), db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var linked int64
		if err := db.Model(&models.InvoiceLink{}).Count(&linked).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := StatusResponse{
			EnableCron:          settings.EnableCron,
			InvoiceSyncStart:    settings.InvoiceSyncStart,
			InvoiceSyncThrottle: settings.InvoiceSyncThrottle,
			LinkedInvoices:      linked,
		}

		var lastRun models.InvoiceSyncRun
		err = db.Order("id desc").Take(&lastRun).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err == nil {
			mapped := mapRunToResponse(lastRun)
			resp.LastRun = &mapped
		}

		c.JSON(http.StatusOK, resp)
	}
}

// TriggerSyncHandler queues a cycle and hands it to the worker. When Pub/Sub
// is unavailable (local dev) the run is processed inline instead.
func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		run := models.InvoiceSyncRun{
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredManual,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(c.Request.Context(), run.ID); err != nil {
			config.LogError(config.GetLogger(), "invoicesync", "TriggerSyncHandler", "publish failed; processing inline", run.ID, err)
			_ = ProcessSyncRun(c.Request.Context(), run.ID)
		}

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var runs []models.InvoiceSyncRun
		if err := db.Order("id desc").Limit(limit).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.InvoiceSyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Sync logs carry no run id (the table predates run tracking); show
		// the entries written while the run was active.
		var logs []models.SyncLog
		logQuery := db.Order("id desc").Limit(100)
		if run.StartedAt != nil {
			logQuery = logQuery.Where("created_at >= ?", run.StartedAt)
		}
		if run.FinishedAt != nil {
			logQuery = logQuery.Where("created_at <= ?", run.FinishedAt.Add(time.Second))
		}
		if err := logQuery.Find(&logs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Logs:            mapLogs(logs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.InvoiceSyncRun
		if err := db.Where("id = ?", id).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.InvoiceSyncRun{
			Status:      models.SyncRunStatusQueued,
			TriggeredBy: models.SyncTriggeredRetry,
			ParentRunId: &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(c.Request.Context(), newRun.ID); err != nil {
			config.LogError(config.GetLogger(), "invoicesync", "RetrySyncRunHandler", "publish failed; processing inline", newRun.ID, err)
			_ = ProcessSyncRun(c.Request.Context(), newRun.ID)
		}

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// SyncInvoiceHandler pushes a single invoice outside the regular cycle.
func SyncInvoiceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
			return
		}

		db := config.GetDB()
		engine, err := NewEngineFromEnv(db, config.GetLogger())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}

		pushed, err := engine.SyncInvoice(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pushed": pushed})
	}
}

// ExportSyncLogsHandler streams the sync log as an xlsx workbook.
func ExportSyncLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		var logs []models.SyncLog
		if err := db.Order("id desc").Limit(10000).Find(&logs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		f := excelize.NewFile()
		sheet := "Sheet1"

		f.SetCellValue(sheet, "A1", "Id")
		f.SetCellValue(sheet, "B1", "EntityId")
		f.SetCellValue(sheet, "C1", "Status")
		f.SetCellValue(sheet, "D1", "Type")
		f.SetCellValue(sheet, "E1", "Message")
		f.SetCellValue(sheet, "F1", "CreatedAt")

		for i, entry := range logs {
			row := i + 2
			f.SetCellValue(sheet, "A"+fmt.Sprint(row), entry.ID)
			f.SetCellValue(sheet, "B"+fmt.Sprint(row), entry.EntityId)
			f.SetCellValue(sheet, "C"+fmt.Sprint(row), entry.Status)
			f.SetCellValue(sheet, "D"+fmt.Sprint(row), entry.Type)
			f.SetCellValue(sheet, "E"+fmt.Sprint(row), entry.Message)
			f.SetCellValue(sheet, "F"+fmt.Sprint(row), entry.CreatedAt.UTC().Format(time.RFC3339))
		}

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="sync_logs.xlsx"`)
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "invoicesync", "ExportSyncLogsHandler", "write workbook", nil, err)
		}
	}
}

func mapRunToResponse(run models.InvoiceSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:                 run.ID,
		Status:             run.Status,
		TriggeredBy:        run.TriggeredBy,
		InvoicesSynced:     run.InvoicesSynced,
		TransactionsSynced: run.TransactionsSynced,
		ErrorCount:         run.ErrorCount,
		StartedAt:          formatTime(run.StartedAt),
		FinishedAt:         formatTime(run.FinishedAt),
		DurationMs:         run.DurationMs,
	}
}

func mapLogs(logs []models.SyncLog) []SyncLogResponse {
	out := make([]SyncLogResponse, 0, len(logs))
	for _, entry := range logs {
		out = append(out, SyncLogResponse{
			ID:       entry.ID,
			EntityId: entry.EntityId,
			Status:   entry.Status,
			Type:     entry.Type,
			Message:  entry.Message,
		})
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
