package engine

import (
	"context"

	"stopguard/src/model"

	"github.com/shopspring/decimal"
)

// Gateway is the venue surface the engine depends on.
//
// Implementations report a missing position with an error wrapping ErrPositionClosed and a
// venue throttle with an error wrapping ErrRateLimited.
type Gateway interface {
	GetSymbolConstraints(ctx context.Context, symbol string) (model.SymbolConstraints, error)
	GetQuote(ctx context.Context, symbol string) (model.Quote, error)
	GetPosition(ctx context.Context, ticket uint64) (model.Position, error)
	ListOpenPositions(ctx context.Context) ([]model.Position, error)
	SubmitProtectiveUpdate(ctx context.Context, ticket uint64, price decimal.Decimal) error
	ClosePosition(ctx context.Context, ticket uint64) error
	// GetClosedTradeResult returns ok=false when the venue history has no record yet.
	GetClosedTradeResult(ctx context.Context, ticket uint64) (model.ClosedTradeResult, bool, error)
}

type AuditLog interface {
	Create(ctx context.Context, entry *model.ProtectiveLevelLog) error
}

type TradeResults interface {
	Save(ctx context.Context, result *model.TradeResult) error
}

// ExceptionReporter persists critical events. Wired to controller.Capture in production.
type ExceptionReporter func(ctx context.Context, method string, level string, err error, data map[string]interface{})
