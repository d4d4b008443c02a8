package tp_sl

import (
	"stopguard/src/model"
	"stopguard/src/utils"

	"github.com/shopspring/decimal"
)

// ProtectivePrice converts a signed monetary target into a venue price.
//
// Long:  price = entry + target / (size * contractSize)
// Short: price = entry - target / (size * contractSize)
//
// A negative target is a loss cap (price on the losing side of entry), a positive
// target is a profit lock. ok is false for degenerate inputs.
func ProtectivePrice(
	entry decimal.Decimal,
	dir model.Direction,
	size decimal.Decimal,
	contractSize decimal.Decimal,
	target decimal.Decimal,
) (price decimal.Decimal, ok bool) {
	if !dir.Valid() || !entry.IsPositive() || !size.IsPositive() || !contractSize.IsPositive() {
		return decimal.Zero, false
	}

	move := target.Div(size.Mul(contractSize))
	price = entry.Add(move.Mul(dir.Sign()))
	if !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// LossCapPrice returns the price at which closing the position loses exactly maxLoss.
func LossCapPrice(
	entry decimal.Decimal,
	dir model.Direction,
	size decimal.Decimal,
	contractSize decimal.Decimal,
	maxLoss decimal.Decimal,
) (decimal.Decimal, bool) {
	if !maxLoss.IsPositive() {
		return decimal.Zero, false
	}
	return ProtectivePrice(entry, dir, size, contractSize, maxLoss.Abs().Neg())
}

// LockPrice returns the price at which closing the position gains exactly target.
// target must be positive.
func LockPrice(
	entry decimal.Decimal,
	dir model.Direction,
	size decimal.Decimal,
	contractSize decimal.Decimal,
	target decimal.Decimal,
) (decimal.Decimal, bool) {
	if !target.IsPositive() {
		return decimal.Zero, false
	}
	return ProtectivePrice(entry, dir, size, contractSize, target)
}

// ProfitAtPrice is the inverse of ProtectivePrice: the monetary result of closing at price.
func ProfitAtPrice(
	entry decimal.Decimal,
	dir model.Direction,
	size decimal.Decimal,
	contractSize decimal.Decimal,
	price decimal.Decimal,
) (decimal.Decimal, bool) {
	if !dir.Valid() || !size.IsPositive() || !contractSize.IsPositive() || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price.Sub(entry).Mul(size).Mul(contractSize).Mul(dir.Sign()), true
}

// RoundTowardEntry aligns price to the tick grid, rounding toward the entry price.
// For a loss cap this never increases the implied loss, for a profit lock it never
// moves the level closer to the market.
func RoundTowardEntry(price, entry, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	if price.LessThan(entry) {
		return utils.CeilToStep(price, tick)
	}
	return utils.FloorToStep(price, tick)
}
