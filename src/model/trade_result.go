package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CloseReasonStopLoss = "stop_loss"
	CloseReasonFailSafe = "fail_safe"
	CloseReasonUnknown  = "unknown"
)

// TradeResult is the persisted form of a closed position. It feeds the circuit breaker
// window back on restart.
type TradeResult struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	Ticket         uint64          `gorm:"uniqueIndex" json:"ticket"`
	Symbol         string          `gorm:"size:50;index" json:"symbol"`
	RealizedProfit decimal.Decimal `gorm:"type:numeric" json:"realized_profit"`
	Reason         string          `gorm:"size:50" json:"reason"`
	ClosedAt       time.Time       `gorm:"index" json:"closed_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (TradeResult) TableName() string {
	return "trade_results"
}

// IsLoss reports whether the trade closed with a negative realized profit.
func (t TradeResult) IsLoss() bool {
	return t.RealizedProfit.IsNegative()
}
