package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stopguard/src/controller"
	"stopguard/src/engine"
	"stopguard/src/model"
	"stopguard/src/risk"
	"stopguard/src/tracking"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockStore struct{ snaps []tracking.Snapshot }

func (m mockStore) List() []tracking.Snapshot { return m.snaps }

type mockGateway struct {
	positions map[uint64]model.Position
	err       error
}

func (m mockGateway) GetPosition(_ context.Context, ticket uint64) (model.Position, error) {
	if m.err != nil {
		return model.Position{}, m.err
	}
	p, ok := m.positions[ticket]
	if !ok {
		return model.Position{}, fmt.Errorf("ticket %d: %w", ticket, engine.ErrPositionClosed)
	}
	return p, nil
}

type mockCalc struct {
	profit decimal.Decimal
	ok     bool
	err    error
}

func (m mockCalc) GetEffectiveProtectiveProfit(context.Context, model.Position) (decimal.Decimal, bool, error) {
	return m.profit, m.ok, m.err
}

type mockAudit struct {
	ticket uint64
	limit  int
}

func (m *mockAudit) ListByTicket(_ context.Context, ticket uint64, limit int) ([]model.ProtectiveLevelLog, error) {
	m.ticket, m.limit = ticket, limit
	return []model.ProtectiveLevelLog{{Ticket: ticket, Policy: "step_lock", Status: model.ApplyStatusVerified}}, nil
}

type mockRunner struct {
	report engine.CycleReport
	err    error
	calls  int
}

func (m *mockRunner) RunCycle(context.Context) (engine.CycleReport, error) {
	m.calls++
	return m.report, m.err
}

type mockChecker struct {
	res controller.AdmissionResult
	err error
	got controller.AdmissionRequest
}

func (m *mockChecker) Check(_ context.Context, req controller.AdmissionRequest) (controller.AdmissionResult, error) {
	m.got = req
	return m.res, m.err
}

func routed(pattern string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Get(pattern, h)
	return r
}

func TestListPositionsHandler(t *testing.T) {
	snap := tracking.Snapshot{Entry: tracking.Entry{Ticket: 7, Symbol: "EURUSD", FastPolling: true}}
	snap.HasApplied = true
	snap.LastAppliedProfit = d("0.30")

	rr := httptest.NewRecorder()
	ListPositionsHandler(mockStore{snaps: []tracking.Snapshot{snap}}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var out []PositionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(7), out[0].Ticket)
	assert.True(t, out[0].FastPolling)
	assert.True(t, out[0].LastAppliedProfit.Equal(d("0.3")))
	assert.Nil(t, out[0].LastAttemptTime)
}

func TestEffectiveProfitHandler(t *testing.T) {
	gw := mockGateway{positions: map[uint64]model.Position{
		42: {Ticket: 42, Symbol: "EURUSD", StopLoss: d("1.10030"), Profit: d("0.50")},
	}}
	h := routed("/positions/{ticket}/effective", EffectiveProfitHandler(gw, mockCalc{profit: d("0.30"), ok: true}))

	t.Run("ok", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions/42/effective", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		var out effectiveResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		assert.True(t, out.Protected)
		assert.True(t, out.EffectiveProfit.Equal(d("0.3")))
	})

	t.Run("closed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions/9/effective", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("bad ticket", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions/abc/effective", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("venue error", func(t *testing.T) {
		h := routed("/positions/{ticket}/effective", EffectiveProfitHandler(mockGateway{err: assert.AnError}, mockCalc{}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions/42/effective", nil))
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

func TestPositionHistoryHandler(t *testing.T) {
	repo := &mockAudit{}
	h := routed("/positions/{ticket}/history", PositionHistoryHandler(repo))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions/42/history?limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, uint64(42), repo.ticket)
	assert.Equal(t, 5, repo.limit)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/positions/42/history?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBreakerHandlerReportsRemaining(t *testing.T) {
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	b := risk.NewCircuitBreaker(risk.BreakerConfig{MaxConsecutiveLosses: 1, RollingLossFloor: d("-100"), Cooldown: time.Hour})
	b.RecordResult(d("-1"), now.Add(-30*time.Minute))

	rr := httptest.NewRecorder()
	BreakerHandler(b, func() time.Time { return now }).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/breaker", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, true, out["tripped"])
	assert.Equal(t, "30m0s", out["remaining"])
	assert.NotEmpty(t, out["reason"])
}

func TestRunCycleHandler(t *testing.T) {
	runner := &mockRunner{report: engine.CycleReport{Cadence: "baseline", Positions: 2, Applied: 1}}
	rr := httptest.NewRecorder()
	RunCycleHandler(runner).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cycle", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, runner.calls)
	assert.Contains(t, rr.Body.String(), `"applied":1`)

	runner.err = assert.AnError
	rr = httptest.NewRecorder()
	RunCycleHandler(runner).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cycle", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestAdmissionHandler(t *testing.T) {
	body := `{"symbol":"EURUSD","direction":"long","size":"0.01","entry_price":"1.10000"}`

	cases := []struct {
		name string
		body string
		res  controller.AdmissionResult
		err  error
		want int
	}{
		{name: "allowed", body: body, res: controller.AdmissionResult{Allowed: true, ProtectivePrice: d("1.098")}, want: http.StatusOK},
		{name: "paused", body: body, res: controller.AdmissionResult{Reason: "3 consecutive losses"}, err: controller.ErrAdmissionPaused, want: http.StatusConflict},
		{name: "rejected", body: body, err: fmt.Errorf("%w: x", controller.ErrAdmissionRejected), want: http.StatusUnprocessableEntity},
		{name: "invalid", body: body, err: fmt.Errorf("%w: x", controller.ErrInvalidAdmission), want: http.StatusBadRequest},
		{name: "unknown field", body: `{"symbol":"EURUSD","leverage":100}`, want: http.StatusBadRequest},
		{name: "internal", body: body, err: assert.AnError, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checker := &mockChecker{res: tc.res, err: tc.err}
			rr := httptest.NewRecorder()
			AdmissionHandler(checker).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admission", strings.NewReader(tc.body)))
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}

	checker := &mockChecker{res: controller.AdmissionResult{Allowed: true}}
	AdmissionHandler(checker).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admission", strings.NewReader(body)))
	assert.Equal(t, model.DirectionLong, checker.got.Direction)
	assert.True(t, checker.got.Size.Equal(d("0.01")))
}
