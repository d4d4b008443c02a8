// Package inspect holds the read-only operator commands: what is open on the venue and
// which loss cap a new position would get.
package inspect

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"stopguard/src/engine"
	"stopguard/src/model"
)

type positionLister interface {
	ListOpenPositions(ctx context.Context) ([]model.Position, error)
}

type effectiveCalculator interface {
	GetEffectiveProtectiveProfit(ctx context.Context, pos model.Position) (decimal.Decimal, bool, error)
}

// Positions prints every open venue position with the profit its protective level locks.
func Positions(ctx context.Context, out io.Writer, venue positionLister, calc effectiveCalculator) error {
	positions, err := venue.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Ticket", "Symbol", "Dir", "Size", "Entry", "Current", "Profit", "SL", "Locked")

	for _, p := range positions {
		sl, locked := "-", "-"
		if p.HasStopLoss() {
			sl = p.StopLoss.String()
		}
		profit, ok, err := calc.GetEffectiveProtectiveProfit(ctx, p)
		if err != nil {
			logrus.WithError(err).WithField("ticket", p.Ticket).Warn("Effective profit unavailable")
			locked = "?"
		} else if ok {
			locked = profit.StringFixed(2)
		}

		_ = table.Append(
			fmt.Sprintf("%d", p.Ticket),
			p.Symbol,
			string(p.Direction),
			p.Size.String(),
			p.EntryPrice.String(),
			p.CurrentPrice.String(),
			p.Profit.StringFixed(2),
			sl,
			locked,
		)
	}

	if err := table.Render(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d open position(s)\n", len(positions))
	return err
}

// InitialRequest is a position the operator is about to open.
type InitialRequest struct {
	Symbol    string
	Direction model.Direction
	Size      decimal.Decimal
	Entry     decimal.Decimal
	MaxLoss   decimal.Decimal
}

// InitialStopLoss prints the loss-cap price the engine would attach to req.
func InitialStopLoss(ctx context.Context, out io.Writer, eng *engine.Engine, req InitialRequest) error {
	if !req.Direction.Valid() {
		return fmt.Errorf("direction must be %q or %q, got %q", model.DirectionLong, model.DirectionShort, req.Direction)
	}
	maxLoss := req.MaxLoss
	if !maxLoss.IsPositive() {
		maxLoss = eng.PolicyConfig().MaxLoss
	}

	price, err := eng.CalculateInitialProtectivePrice(ctx, req.Symbol, req.Direction, req.Size, req.Entry, maxLoss)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "%s %s size=%s entry=%s max_loss=%s -> stop loss %s\n",
		req.Symbol, req.Direction, req.Size, req.Entry, maxLoss.StringFixed(2), price)
	return err
}
