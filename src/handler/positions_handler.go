package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"stopguard/src/engine"
	"stopguard/src/model"
	"stopguard/src/tracking"
)

type snapshotLister interface {
	List() []tracking.Snapshot
}

type positionGetter interface {
	GetPosition(ctx context.Context, ticket uint64) (model.Position, error)
}

type effectiveCalculator interface {
	GetEffectiveProtectiveProfit(ctx context.Context, pos model.Position) (decimal.Decimal, bool, error)
}

type auditLister interface {
	ListByTicket(ctx context.Context, ticket uint64, limit int) ([]model.ProtectiveLevelLog, error)
}

// PositionView is the ops representation of one tracked ticket.
type PositionView struct {
	Ticket            uint64          `json:"ticket"`
	Symbol            string          `json:"symbol"`
	PeakProfit        decimal.Decimal `json:"peak_profit"`
	LastProfit        decimal.Decimal `json:"last_profit"`
	HasApplied        bool            `json:"has_applied"`
	LastAppliedProfit decimal.Decimal `json:"last_applied_profit"`
	LastAppliedPrice  decimal.Decimal `json:"last_applied_price"`
	Verified          bool            `json:"verified"`
	InSweetSpot       bool            `json:"in_sweet_spot"`
	BreakEvenApplied  bool            `json:"break_even_applied"`
	FastPolling       bool            `json:"fast_polling"`
	LastAttemptTime   *time.Time      `json:"last_attempt_time,omitempty"`
	FirstSeen         time.Time       `json:"first_seen"`
}

func viewOf(s tracking.Snapshot) PositionView {
	v := PositionView{
		Ticket:            s.Ticket,
		Symbol:            s.Symbol,
		PeakProfit:        s.PeakProfit,
		LastProfit:        s.LastProfit,
		HasApplied:        s.HasApplied,
		LastAppliedProfit: s.LastAppliedProfit,
		LastAppliedPrice:  s.LastAppliedPrice,
		Verified:          s.SLVerified,
		InSweetSpot:       s.InSweetSpot,
		BreakEvenApplied:  s.BreakEvenApplied,
		FastPolling:       s.FastPolling,
		FirstSeen:         s.FirstSeen,
	}
	if !s.LastAttemptTime.IsZero() {
		t := s.LastAttemptTime
		v.LastAttemptTime = &t
	}
	return v
}

// ListPositionsHandler returns every tracked ticket ordered by ticket.
func ListPositionsHandler(store snapshotLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := store.List()
		out := make([]PositionView, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, viewOf(s))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type effectiveResponse struct {
	Ticket          uint64          `json:"ticket"`
	Protected       bool            `json:"protected"`
	EffectiveProfit decimal.Decimal `json:"effective_profit"`
	StopLoss        decimal.Decimal `json:"stop_loss"`
	Profit          decimal.Decimal `json:"profit"`
}

// EffectiveProfitHandler reports what the current protective level guarantees for a ticket.
func EffectiveProfitHandler(gw positionGetter, calc effectiveCalculator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, ok := ticketParam(w, r)
		if !ok {
			return
		}

		pos, err := gw.GetPosition(r.Context(), ticket)
		if errors.Is(err, engine.ErrPositionClosed) {
			http.Error(w, "position not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.WithError(err).WithField("ticket", ticket).Error("failed to load position")
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}

		profit, protected, err := calc.GetEffectiveProtectiveProfit(r.Context(), pos)
		if err != nil {
			logger.WithError(err).WithField("ticket", ticket).Error("failed to compute effective protective profit")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, effectiveResponse{
			Ticket:          ticket,
			Protected:       protected,
			EffectiveProfit: profit,
			StopLoss:        pos.StopLoss,
			Profit:          pos.Profit,
		})
	}
}

// PositionHistoryHandler lists the audit rows of a ticket, newest first.
func PositionHistoryHandler(repo auditLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, ok := ticketParam(w, r)
		if !ok {
			return
		}

		limit := 20
		if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
			parsed, err := strconv.Atoi(limitParam)
			if err != nil || parsed <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		rows, err := repo.ListByTicket(r.Context(), ticket, limit)
		if err != nil {
			logger.WithError(err).WithField("ticket", ticket).Error("failed to list protective level history")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func ticketParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	ticket, err := strconv.ParseUint(chi.URLParam(r, "ticket"), 10, 64)
	if err != nil || ticket == 0 {
		http.Error(w, "invalid ticket", http.StatusBadRequest)
		return 0, false
	}
	return ticket, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
