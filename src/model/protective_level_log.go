package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Apply outcome statuses recorded in the audit log.
const (
	ApplyStatusVerified   = "verified"
	ApplyStatusUnverified = "unverified"
	ApplyStatusExhausted  = "exhausted"
	ApplyStatusAborted    = "aborted"
	ApplyStatusFailSafe   = "fail_safe_close"
)

// ProtectiveLevelLog stores one row per apply sequence so that every protective level change
// (and every failure to change it) can be audited after the fact.
type ProtectiveLevelLog struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	RequestID string `gorm:"size:64;index" json:"request_id"`

	Ticket    uint64 `gorm:"index" json:"ticket"`
	Symbol    string `gorm:"size:50" json:"symbol"`
	Direction string `gorm:"size:10" json:"direction"`

	// Which candidate policy produced the level and why
	Policy string `gorm:"size:30;index" json:"policy"`
	Reason string `gorm:"size:255" json:"reason"`

	TargetProfit   decimal.Decimal `gorm:"type:numeric" json:"target_profit"`
	RequestedPrice decimal.Decimal `gorm:"type:numeric" json:"requested_price"`
	PreviousPrice  decimal.Decimal `gorm:"type:numeric" json:"previous_price"`
	Profit         decimal.Decimal `gorm:"type:numeric" json:"profit"`

	Attempts     int     `json:"attempts"`
	Status       string  `gorm:"size:30;not null" json:"status"` // see ApplyStatus* constants
	ErrorMessage *string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (ProtectiveLevelLog) TableName() string {
	return "protective_level_logs"
}
