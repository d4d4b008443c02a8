package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stopguard/src/database"
	"stopguard/src/model"
)

// ProtectiveLevelRepository stores the audit trail of protective level changes.
type ProtectiveLevelRepository struct {
	db *gorm.DB
}

func NewProtectiveLevelRepository() *ProtectiveLevelRepository {
	return &ProtectiveLevelRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ProtectiveLevelRepository) WithDB(db *gorm.DB) *ProtectiveLevelRepository {
	return &ProtectiveLevelRepository{db: db}
}

func (r *ProtectiveLevelRepository) Create(ctx context.Context, entry *model.ProtectiveLevelLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":       "ProtectiveLevelRepository",
			"op":         "Create",
			"ticket":     entry.Ticket,
			"request_id": entry.RequestID,
		}).WithError(err).Error("Failed to store protective level log")
		return err
	}
	return nil
}

// ListByTicket returns the newest log rows for a ticket first.
func (r *ProtectiveLevelRepository) ListByTicket(ctx context.Context, ticket uint64, limit int) ([]model.ProtectiveLevelLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.ProtectiveLevelLog
	err := r.db.WithContext(ctx).
		Where("ticket = ?", ticket).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
