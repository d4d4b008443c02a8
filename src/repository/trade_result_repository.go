package repository

import (
	"context"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stopguard/src/database"
	"stopguard/src/model"
)

// TradeResultRepository persists realized results of closed positions.
type TradeResultRepository struct {
	db *gorm.DB
}

// NewTradeResultRepository creates a new repository instance using the main read/write database.
func NewTradeResultRepository() *TradeResultRepository {
	return &TradeResultRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TradeResultRepository) WithDB(db *gorm.DB) *TradeResultRepository {
	return &TradeResultRepository{db: db}
}

// Save inserts the result, or refreshes it when the ticket was already recorded.
func (r *TradeResultRepository) Save(ctx context.Context, res *model.TradeResult) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket"}},
			DoUpdates: clause.AssignmentColumns([]string{"realized_profit", "reason", "closed_at"}),
		}).
		Create(res).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradeResultRepository",
			"op":     "Save",
			"ticket": res.Ticket,
		}).WithError(err).Error("Failed to save trade result")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":   "TradeResultRepository",
		"op":     "Save",
		"ticket": res.Ticket,
		"profit": res.RealizedProfit.String(),
	}).Debug("Trade result saved")
	return nil
}

// ListRecent returns the newest results first.
func (r *TradeResultRepository) ListRecent(ctx context.Context, limit int) ([]model.TradeResult, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.TradeResult
	err := r.db.WithContext(ctx).
		Order("closed_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RecentProfits returns up to limit realized profits in chronological order, ready to seed
// the circuit breaker window.
func (r *TradeResultRepository) RecentProfits(ctx context.Context, limit int) ([]decimal.Decimal, error) {
	rows, err := r.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.RealizedProfit
	}
	return out, nil
}
