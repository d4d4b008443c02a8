// Package migrations runs the data fixes that AutoMigrate cannot express.
package migrations

import (
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DataMigration is one applied data migration.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// Migration is a named data fix. IDs are stable and sort in application order.
type Migration struct {
	ID string
	Up func(tx *gorm.DB) error
}

// registry is append-only.
var registry = []Migration{
	{ID: "00001_index_protective_logs_ticket_created", Up: indexProtectiveLogsByTicket},
	{ID: "00002_backfill_trade_result_reasons", Up: backfillTradeResultReasons},
}

// RunOnce applies up inside a transaction unless id is already recorded. The record is
// written in the same transaction, so a failing up leaves no trace.
func RunOnce(db *gorm.DB, id string, up func(*gorm.DB) error) error {
	switch {
	case db == nil:
		return nil
	case id == "":
		return errors.New("migration id is empty")
	case up == nil:
		return fmt.Errorf("migration %q has no up func", id)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var applied DataMigration
		err := tx.First(&applied, "id = ?", id).Error
		switch {
		case err == nil:
			logger.WithField("migration", id).Debug("Data migration already applied")
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("lookup migration %q: %w", id, err)
		}

		if err := up(tx); err != nil {
			return fmt.Errorf("apply migration %q: %w", id, err)
		}
		if err := tx.Create(&DataMigration{ID: id, AppliedAt: time.Now().UTC()}).Error; err != nil {
			return fmt.Errorf("record migration %q: %w", id, err)
		}
		logger.WithField("migration", id).Info("Data migration applied")
		return nil
	})
}

// Run creates the bookkeeping table and applies every registered migration in order.
func Run(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	if err := db.AutoMigrate(&DataMigration{}); err != nil {
		return fmt.Errorf("ensure data migrations table: %w", err)
	}
	for _, m := range registry {
		if err := RunOnce(db, m.ID, m.Up); err != nil {
			return err
		}
	}
	return nil
}

func indexProtectiveLogsByTicket(tx *gorm.DB) error {
	return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_protective_logs_ticket_created ON protective_level_logs (ticket, created_at)`).Error
}

// rows stored before the close reason existed
func backfillTradeResultReasons(tx *gorm.DB) error {
	return tx.Exec(`UPDATE trade_results SET reason = ? WHERE reason IS NULL OR reason = ''`, "unknown").Error
}
