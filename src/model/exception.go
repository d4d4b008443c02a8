package model

import "time"

// Exception levels. Critical is reserved for irreversible engine actions (fail-safe closes).
const (
	ExceptionLevelWarn     = "warn"
	ExceptionLevelError    = "error"
	ExceptionLevelCritical = "critical"
)

// Exception is an engine event that must be kept for operator review.
type Exception struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Service string `gorm:"size:100;index" json:"service"` // e.g. "stopguard"
	Module  string `gorm:"size:100;index" json:"module"`  // e.g. "engine"
	Method  string `gorm:"size:100" json:"method"`        // e.g. "failSafeClose"

	// Ticket the event relates to, when any
	Ticket *uint64 `gorm:"index" json:"ticket,omitempty"`

	Message string `gorm:"type:text" json:"message"`
	Stack   string `gorm:"type:text" json:"stack"`

	Level string `gorm:"size:20;index" json:"level"`

	// Extra context stored as JSON text
	Context string `gorm:"type:text" json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (Exception) TableName() string {
	return "exceptions"
}
