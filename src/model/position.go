package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Position is the venue's view of an open position. The engine never mutates it.
type Position struct {
	Ticket       uint64          `json:"ticket"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Size         decimal.Decimal `json:"size"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Profit       decimal.Decimal `json:"profit"`
	StopLoss     decimal.Decimal `json:"stop_loss"` // zero means unset
	OpenedAt     time.Time       `json:"opened_at"`
}

// HasStopLoss reports whether a protective price is set on the venue.
func (p Position) HasStopLoss() bool {
	return p.StopLoss.GreaterThan(decimal.Zero)
}

// Quote is a top-of-book snapshot.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Time   time.Time       `json:"time"`
}

// SymbolConstraints holds the venue rules that apply to protective prices.
// FreezeLevel and StopsLevel are expressed in points.
type SymbolConstraints struct {
	Symbol       string          `json:"symbol"`
	Point        decimal.Decimal `json:"point"`
	Digits       int32           `json:"digits"`
	FreezeLevel  int64           `json:"freeze_level"`
	StopsLevel   int64           `json:"stops_level"`
	ContractSize decimal.Decimal `json:"contract_size"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
}

// MinDistance is the larger of the freeze and stops distances, in price units.
func (c SymbolConstraints) MinDistance() decimal.Decimal {
	level := c.StopsLevel
	if c.FreezeLevel > level {
		level = c.FreezeLevel
	}
	if level <= 0 {
		return decimal.Zero
	}
	return c.Point.Mul(decimal.NewFromInt(level))
}

// ClosedTradeResult is the realized outcome of a closed position as reported by the venue history.
type ClosedTradeResult struct {
	Ticket         uint64          `json:"ticket"`
	Symbol         string          `json:"symbol"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	Reason         string          `json:"reason"`
	ClosedAt       time.Time       `json:"closed_at"`
}
