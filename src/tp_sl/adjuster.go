package tp_sl

import (
	"stopguard/src/model"
	"stopguard/src/utils"

	"github.com/shopspring/decimal"
)

type AdjustInput struct {
	Price       decimal.Decimal
	CurrentSL   decimal.Decimal // zero when unset
	Direction   model.Direction
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	MinDistance decimal.Decimal // max(freeze, stops) in price units
	Point       decimal.Decimal
}

type Adjustment struct {
	Price   decimal.Decimal
	Clipped bool
}

// Adjust clips a calculated protective price to the venue's minimum distance from market.
//
// Long:
// - limit: bid - max(minDistance, point)
// - clip: price = min(price, limit), rounded down
// - reject: price below a set current SL
//
// Short:
// - limit: ask + max(minDistance, point)
// - clip: price = max(price, limit), rounded up
// - reject: price above a set current SL
//
// Clipping only ever moves the level away from the market.
func Adjust(in AdjustInput) (Adjustment, bool) {
	if !in.Price.IsPositive() || !in.Bid.IsPositive() || !in.Ask.IsPositive() {
		return Adjustment{}, false
	}

	distance := in.MinDistance
	if in.Point.IsPositive() && distance.LessThan(in.Point) {
		distance = in.Point
	}

	out := Adjustment{Price: in.Price}
	hasSL := in.CurrentSL.IsPositive()

	switch in.Direction {
	case model.DirectionLong:
		limit := in.Bid.Sub(distance)
		if out.Price.GreaterThan(limit) {
			out.Price = utils.FloorToStep(limit, in.Point)
			out.Clipped = true
		}
		if !out.Price.IsPositive() || out.Price.GreaterThanOrEqual(in.Bid) {
			return Adjustment{}, false
		}
		if hasSL && out.Price.LessThan(in.CurrentSL) {
			return Adjustment{}, false
		}
		return out, true

	case model.DirectionShort:
		limit := in.Ask.Add(distance)
		if out.Price.LessThan(limit) {
			out.Price = utils.CeilToStep(limit, in.Point)
			out.Clipped = true
		}
		if out.Price.LessThanOrEqual(in.Ask) {
			return Adjustment{}, false
		}
		if hasSL && out.Price.GreaterThan(in.CurrentSL) {
			return Adjustment{}, false
		}
		return out, true

	default:
		return Adjustment{}, false
	}
}

// IsImprovement reports whether next is strictly more protective than current for dir.
// An unset current level is always improved upon.
func IsImprovement(dir model.Direction, current, next decimal.Decimal) bool {
	if !current.IsPositive() {
		return next.IsPositive()
	}
	if dir == model.DirectionShort {
		return next.LessThan(current)
	}
	return next.GreaterThan(current)
}
