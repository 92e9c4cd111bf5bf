package invoicesync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billsync_backend/models"
	"bitbucket.org/mmdatafocus/billsync_backend/moneybird"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gorm-backed implementations of the engine's collaborator interfaces.

type gormLinkStore struct {
	db *gorm.DB
}

func NewLinkStore(db *gorm.DB) LinkStore {
	return &gormLinkStore{db: db}
}

func (s *gormLinkStore) FindByRemoteId(ctx context.Context, remoteId moneybird.ID) (*models.InvoiceLink, error) {
	var links []models.InvoiceLink
	if err := s.db.WithContext(ctx).
		Where("moneybird_id = ?", remoteId.Int64()).
		Limit(2).
		Find(&links).Error; err != nil {
		return nil, err
	}
	switch len(links) {
	case 0:
		return nil, nil
	case 1:
		return &links[0], nil
	default:
		return nil, ErrDuplicateLink
	}
}

func (s *gormLinkStore) FindByLocalId(ctx context.Context, localId int) (*models.InvoiceLink, error) {
	var link models.InvoiceLink
	err := s.db.WithContext(ctx).Where("invoice_id = ?", localId).Take(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &link, nil
}

// Upsert rides the unique index on invoice_id: a single INSERT ... ON
// DUPLICATE KEY UPDATE, so concurrent cycles cannot produce duplicate rows
// and the last writer wins on the remote id.
func (s *gormLinkStore) Upsert(ctx context.Context, localId int, remoteId moneybird.ID) error {
	link := models.InvoiceLink{
		InvoiceId:   localId,
		MoneybirdId: remoteId.Int64(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "invoice_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"moneybird_id", "updated_at"}),
		}).
		Create(&link).Error
}

type gormInvoiceStore struct {
	db *gorm.DB
}

func NewInvoiceStore(db *gorm.DB) InvoiceStore {
	return &gormInvoiceStore{db: db}
}

func (s *gormInvoiceStore) SelectCandidates(ctx context.Context, startId int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.WithContext(ctx).
		Where("id >= ?", startId).
		Where("status IN ?", []models.InvoiceStatus{models.InvoiceStatusPaid, models.InvoiceStatusUnpaid}).
		Where("total <> 0").
		Order("id").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *gormInvoiceStore) Find(ctx context.Context, id int) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

// AddPayment writes the payment record and, when the invoice is settled in
// full, flips its status to Paid. Returns (nil, nil) when the same Moneybird
// payment was already applied in an earlier cycle.
func (s *gormInvoiceStore) AddPayment(ctx context.Context, invoice *models.Invoice, payment moneybird.MutationPayment, mutation moneybird.FinancialMutation) (*models.InvoicePayment, error) {
	var record *models.InvoicePayment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&models.InvoicePayment{}).
			Where("invoice_id = ? AND transaction_id = ?", invoice.ID, payment.ID.String()).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}

		amount := payment.PriceBase
		if amount.IsZero() {
			amount = payment.Price
		}
		record = &models.InvoicePayment{
			InvoiceId:     invoice.ID,
			TransactionId: payment.ID.String(),
			Amount:        amount,
			PaymentDate:   parseRemoteDate(payment.PaymentDate, mutation.Date),
			Gateway:       "moneybird",
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}

		var paid decimal.Decimal
		if err := tx.Model(&models.InvoicePayment{}).
			Where("invoice_id = ?", invoice.ID).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&paid).Error; err != nil {
			return err
		}
		if invoice.Status != models.InvoiceStatusPaid && paid.GreaterThanOrEqual(invoice.Total) {
			if err := tx.Model(&models.Invoice{}).
				Where("id = ?", invoice.ID).
				Update("status", models.InvoiceStatusPaid).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func parseRemoteDate(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Now()
}

type gormLogSink struct {
	db *gorm.DB
}

func NewLogSink(db *gorm.DB) LogSink {
	return &gormLogSink{db: db}
}

func (s *gormLogSink) Append(ctx context.Context, entry models.SyncLog) error {
	return s.db.WithContext(ctx).Create(&entry).Error
}
