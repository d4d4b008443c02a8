package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"stopguard/src/engine"
	"stopguard/src/model"
)

var (
	ErrAdmissionPaused   = errors.New("trading paused by circuit breaker")
	ErrAdmissionRejected = errors.New("position cannot carry a protective price")
	ErrInvalidAdmission  = errors.New("invalid admission request")
)

// AdmissionRequest describes a position about to be opened.
type AdmissionRequest struct {
	Symbol     string          `json:"symbol"`
	Direction  model.Direction `json:"direction"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	// MaxLoss overrides the configured loss cap when positive.
	MaxLoss decimal.Decimal `json:"max_loss"`
}

type AdmissionResult struct {
	Allowed         bool            `json:"allowed"`
	Reason          string          `json:"reason,omitempty"`
	Remaining       time.Duration   `json:"remaining,omitempty"`
	ProtectivePrice decimal.Decimal `json:"protective_price"`
	MaxLoss         decimal.Decimal `json:"max_loss"`
}

// Admission decides whether a new position may be opened: the circuit breaker must allow
// trading and the position must be able to carry its loss cap from the first moment.
type Admission struct {
	engine     *engine.Engine
	exceptions ExceptionStore
	service    string
}

func NewAdmission(e *engine.Engine, exceptions ExceptionStore, service string) *Admission {
	return &Admission{engine: e, exceptions: exceptions, service: service}
}

func (a *Admission) Check(ctx context.Context, req AdmissionRequest) (AdmissionResult, error) {
	if req.Symbol == "" || !req.Direction.Valid() || !req.Size.IsPositive() || !req.EntryPrice.IsPositive() {
		return AdmissionResult{}, fmt.Errorf("%w: symbol=%q direction=%q size=%s entry=%s",
			ErrInvalidAdmission, req.Symbol, req.Direction, req.Size, req.EntryPrice)
	}

	maxLoss := req.MaxLoss
	if !maxLoss.IsPositive() {
		maxLoss = a.engine.PolicyConfig().MaxLoss
	}

	decision := a.engine.Breaker().Allow(a.engine.Now())
	if !decision.Allowed {
		logger.WithFields(map[string]interface{}{
			"symbol":    req.Symbol,
			"reason":    decision.Reason,
			"remaining": decision.Remaining.String(),
		}).Warn("Admission refused by circuit breaker")
		return AdmissionResult{
			Allowed:   false,
			Reason:    decision.Reason,
			Remaining: decision.Remaining,
			MaxLoss:   maxLoss,
		}, ErrAdmissionPaused
	}

	price, err := a.engine.CalculateInitialProtectivePrice(ctx, req.Symbol, req.Direction, req.Size, req.EntryPrice, maxLoss)
	if err != nil {
		Capture(ctx, a.exceptions, a.service, "admission", "Check", model.ExceptionLevelWarn, err, map[string]interface{}{
			"symbol":    req.Symbol,
			"direction": string(req.Direction),
			"size":      req.Size.String(),
			"entry":     req.EntryPrice.String(),
			"max_loss":  maxLoss.String(),
		})
		return AdmissionResult{Allowed: false, Reason: err.Error(), MaxLoss: maxLoss},
			fmt.Errorf("%w: %w", ErrAdmissionRejected, err)
	}

	return AdmissionResult{Allowed: true, ProtectivePrice: price, MaxLoss: maxLoss}, nil
}
