package mapper

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"stopguard/src/model"
)

// parseDecimalSafe parses a bridge numeric field. Empty or malformed values are logged
// and default to zero instead of aborting the whole mapping.
func parseDecimalSafe(mapperName, field, v string) decimal.Decimal {
	if v == "" {
		logger.WithFields(map[string]interface{}{
			"mapper": mapperName,
			"field":  field,
		}).Debug("Empty numeric field received, defaulting to 0")
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"mapper": mapperName,
			"field":  field,
			"value":  v,
		}).WithError(err).Error("Failed to parse decimal from bridge field; defaulting to 0")
		return decimal.Zero
	}
	return d
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// MapBridgePosition converts a bridge position into the engine's position model.
func MapBridgePosition(p *model.BridgePosition) (model.Position, error) {
	if p == nil {
		return model.Position{}, fmt.Errorf("nil bridge position")
	}

	var dir model.Direction
	switch p.Type {
	case model.BridgePositionBuy:
		dir = model.DirectionLong
	case model.BridgePositionSell:
		dir = model.DirectionShort
	default:
		return model.Position{}, fmt.Errorf("ticket %d: unknown position type %d", p.Ticket, p.Type)
	}

	const name = "MapBridgePosition"
	return model.Position{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Direction:    dir,
		EntryPrice:   parseDecimalSafe(name, "price_open", p.PriceOpen),
		Size:         parseDecimalSafe(name, "volume", p.Volume),
		CurrentPrice: parseDecimalSafe(name, "price_current", p.PriceCurrent),
		Profit:       parseDecimalSafe(name, "profit", p.Profit),
		StopLoss:     parseDecimalSafe(name, "sl", p.SL),
		OpenedAt:     fromMillis(p.TimeMs),
	}, nil
}

func MapBridgeSymbol(s *model.BridgeSymbolInfo) (model.SymbolConstraints, error) {
	if s == nil {
		return model.SymbolConstraints{}, fmt.Errorf("nil bridge symbol")
	}
	const name = "MapBridgeSymbol"
	return model.SymbolConstraints{
		Symbol:       s.Name,
		Point:        parseDecimalSafe(name, "point", s.Point),
		Digits:       s.Digits,
		FreezeLevel:  s.TradeFreezeLevel,
		StopsLevel:   s.TradeStopsLevel,
		ContractSize: parseDecimalSafe(name, "trade_contract_size", s.TradeContractSize),
		Bid:          parseDecimalSafe(name, "bid", s.Bid),
		Ask:          parseDecimalSafe(name, "ask", s.Ask),
	}, nil
}

func MapBridgeTick(t *model.BridgeTick) (model.Quote, error) {
	if t == nil {
		return model.Quote{}, fmt.Errorf("nil bridge tick")
	}
	const name = "MapBridgeTick"
	return model.Quote{
		Symbol: t.Symbol,
		Bid:    parseDecimalSafe(name, "bid", t.Bid),
		Ask:    parseDecimalSafe(name, "ask", t.Ask),
		Time:   fromMillis(t.TimeMs),
	}, nil
}

// MapBridgeDeals folds the deals of one position into its realized result. ok is false
// while no exit deal has been booked.
func MapBridgeDeals(ticket uint64, deals []model.BridgeDeal) (model.ClosedTradeResult, bool) {
	const name = "MapBridgeDeals"
	out := model.ClosedTradeResult{Ticket: ticket}
	realized := decimal.Zero
	closed := false

	for _, dl := range deals {
		if dl.PositionID != ticket {
			continue
		}
		realized = realized.
			Add(parseDecimalSafe(name, "profit", dl.Profit)).
			Add(parseDecimalSafe(name, "swap", dl.Swap)).
			Add(parseDecimalSafe(name, "commission", dl.Commission)).
			Add(parseDecimalSafe(name, "fee", dl.Fee))
		if out.Symbol == "" {
			out.Symbol = dl.Symbol
		}
		if dl.Entry == model.BridgeDealEntryOut {
			closed = true
			at := fromMillis(dl.TimeMs)
			if at.After(out.ClosedAt) {
				out.ClosedAt = at
				out.Reason = mapDealReason(dl.Reason)
			}
		}
	}
	if !closed {
		return model.ClosedTradeResult{}, false
	}
	out.RealizedProfit = realized
	return out, true
}

func mapDealReason(r string) string {
	switch r {
	case "sl", "DEAL_REASON_SL":
		return model.CloseReasonStopLoss
	case "expert", "DEAL_REASON_EXPERT":
		return model.CloseReasonFailSafe
	default:
		return model.CloseReasonUnknown
	}
}
