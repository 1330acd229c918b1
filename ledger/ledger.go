// Package ledger keeps a durable record of every tip that reached a terminal
// status, after the live Redis record has expired.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"shopassist/database"
	"shopassist/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound    = errors.New("tip record not found")
	ErrNotTerminal = errors.New("transaction is not terminal")
)

type TipLedger struct {
	db     *gorm.DB
	logger *slog.Logger
}

func New(db *gorm.DB, logger *slog.Logger) *TipLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TipLedger{db: db, logger: logger.With("component", "ledger")}
}

// Migrate creates or updates the tip_records table.
func (l *TipLedger) Migrate() error {
	return database.RunMigrationsWithBackup(l.db, &models.TipRecord{})
}

// Archive upserts the terminal snapshot of t keyed by transaction id, so a
// repeated archive of the same tip is harmless.
func (l *TipLedger) Archive(ctx context.Context, t *models.Transaction) error {
	if t == nil || !t.Status.IsTerminal() {
		return ErrNotTerminal
	}
	rec := models.NewTipRecord(t)
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "transaction_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "gateway_reference", "merchant_request_id", "receipt_number",
			"result_description", "attempts", "settled_at", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("archive tip %s: %w", t.ID, err)
	}
	l.logger.Debug("tip archived", "transaction_id", t.ID, "status", t.Status)
	return nil
}

func (l *TipLedger) Get(ctx context.Context, transactionID string) (*models.TipRecord, error) {
	var rec models.TipRecord
	err := l.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByPhone returns archived tips for phone, most recently settled first.
func (l *TipLedger) ListByPhone(ctx context.Context, phone string, limit int) ([]models.TipRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	recs := make([]models.TipRecord, 0)
	err := l.db.WithContext(ctx).
		Where("phone_number = ?", phone).
		Order("settled_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
