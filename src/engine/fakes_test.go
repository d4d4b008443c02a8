package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stopguard/src/model"
	"stopguard/src/policy"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	c.mu.Lock()
	c.slept += d
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type submitCall struct {
	Ticket uint64
	Price  decimal.Decimal
}

// fakeGateway is an in-memory venue. Profit is derived from the quote so tests move the market, not the P/L.
type fakeGateway struct {
	mu sync.Mutex

	positions   map[uint64]model.Position
	constraints map[string]model.SymbolConstraints
	quotes      map[string]model.Quote
	closed      map[uint64]model.ClosedTradeResult
	ghosts      map[uint64]bool

	submits         []submitCall
	closes          []uint64
	submitErrs      []error
	ignoreSubmits   bool
	closeErr        error
	constraintCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		positions: make(map[uint64]model.Position),
		constraints: map[string]model.SymbolConstraints{
			"EURUSD": {
				Symbol:       "EURUSD",
				Point:        d("0.00001"),
				Digits:       5,
				FreezeLevel:  5,
				StopsLevel:   10,
				ContractSize: d("100000"),
			},
		},
		quotes: map[string]model.Quote{
			"EURUSD": {Symbol: "EURUSD", Bid: d("1.10000"), Ask: d("1.10002")},
		},
		closed: make(map[uint64]model.ClosedTradeResult),
		ghosts: make(map[uint64]bool),
	}
}

// open adds a EURUSD position at entry 1.10000.
func (g *fakeGateway) open(ticket uint64, dir model.Direction, size string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[ticket] = model.Position{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Direction:  dir,
		EntryPrice: d("1.10000"),
		Size:       d(size),
	}
	g.reprice()
}

// setBid moves the EURUSD market with a fixed two point spread.
func (g *fakeGateway) setBid(bid string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := d(bid)
	g.quotes["EURUSD"] = model.Quote{Symbol: "EURUSD", Bid: b, Ask: b.Add(d("0.00002"))}
	g.reprice()
}

func (g *fakeGateway) reprice() {
	q := g.quotes["EURUSD"]
	c := g.constraints["EURUSD"]
	for t, p := range g.positions {
		if p.Direction == model.DirectionShort {
			p.CurrentPrice = q.Ask
			p.Profit = p.EntryPrice.Sub(q.Ask).Mul(p.Size).Mul(c.ContractSize)
		} else {
			p.CurrentPrice = q.Bid
			p.Profit = q.Bid.Sub(p.EntryPrice).Mul(p.Size).Mul(c.ContractSize)
		}
		g.positions[t] = p
	}
}

func (g *fakeGateway) setStopLoss(ticket uint64, price string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.positions[ticket]
	p.StopLoss = d(price)
	g.positions[ticket] = p
}

func (g *fakeGateway) vanish(ticket uint64, realized string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.positions[ticket]
	delete(g.positions, ticket)
	g.closed[ticket] = model.ClosedTradeResult{
		Ticket:         ticket,
		Symbol:         p.Symbol,
		RealizedProfit: d(realized),
		Reason:         model.CloseReasonStopLoss,
		ClosedAt:       time.Date(2025, time.March, 4, 11, 0, 0, 0, time.UTC),
	}
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submits)
}

func (g *fakeGateway) lastSubmit() submitCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.submits) == 0 {
		return submitCall{}
	}
	return g.submits[len(g.submits)-1]
}

func (g *fakeGateway) GetSymbolConstraints(_ context.Context, symbol string) (model.SymbolConstraints, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.constraintCalls++
	c, ok := g.constraints[symbol]
	if !ok {
		return model.SymbolConstraints{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return c, nil
}

func (g *fakeGateway) GetQuote(_ context.Context, symbol string) (model.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.quotes[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

func (g *fakeGateway) GetPosition(_ context.Context, ticket uint64) (model.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[ticket]
	if !ok || g.ghosts[ticket] {
		return model.Position{}, fmt.Errorf("ticket %d: %w", ticket, ErrPositionClosed)
	}
	return p, nil
}

func (g *fakeGateway) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (g *fakeGateway) SubmitProtectiveUpdate(_ context.Context, ticket uint64, price decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits = append(g.submits, submitCall{Ticket: ticket, Price: price})
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	if g.ignoreSubmits {
		return nil
	}
	p, ok := g.positions[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrPositionClosed)
	}
	p.StopLoss = price
	g.positions[ticket] = p
	return nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, ticket uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, ticket)
	if g.closeErr != nil {
		return g.closeErr
	}
	p, ok := g.positions[ticket]
	if !ok {
		return fmt.Errorf("ticket %d: %w", ticket, ErrPositionClosed)
	}
	delete(g.positions, ticket)
	g.closed[ticket] = model.ClosedTradeResult{
		Ticket:         ticket,
		Symbol:         p.Symbol,
		RealizedProfit: p.Profit,
		Reason:         model.CloseReasonFailSafe,
	}
	return nil
}

func (g *fakeGateway) GetClosedTradeResult(_ context.Context, ticket uint64) (model.ClosedTradeResult, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.closed[ticket]
	return r, ok, nil
}

type fakeAudit struct {
	mu   sync.Mutex
	rows []*model.ProtectiveLevelLog
}

func (a *fakeAudit) Create(_ context.Context, row *model.ProtectiveLevelLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, row)
	return nil
}

func (a *fakeAudit) statuses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, r.Status)
	}
	return out
}

type fakeResults struct {
	mu   sync.Mutex
	rows []*model.TradeResult
}

func (r *fakeResults) Save(_ context.Context, row *model.TradeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}

type reported struct {
	method string
	level  string
	err    error
}

func testEngineConfig() Config {
	return Config{
		ServiceName:          "stopguard-test",
		FastPollThreshold:    d("0.50"),
		FastPollDebounce:     2,
		MinAttemptInterval:   10 * time.Second,
		AttemptTolerance:     d("0.01"),
		RateLimitBackoff:     30 * time.Second,
		GlobalRatePerSecond:  1000,
		GlobalBurst:          100,
		ModifyTimeout:        time.Second,
		SettleDelay:          500 * time.Millisecond,
		PriceTolerancePoints: 2,
		MaxAttempts:          3,
		RetryBackoff:         time.Second,
	}
}

func testPolicyConfig() policy.Config {
	return policy.Config{
		MaxLoss:            d("2.00"),
		SweetSpotEnabled:   true,
		SweetSpotMin:       d("0.03"),
		SweetSpotMax:       d("0.10"),
		SweetSpotTolerance: d("0.02"),
		MinImprovement:     d("0.01"),
		StepLockEnabled:    true,
		StepSize:           d("0.10"),
		TrailEnabled:       true,
		MinLockIncrement:   d("0.10"),
		TrailPullback:      d("0.40"),
		JumpThreshold:      d("0.30"),
		JumpLockFraction:   d("0.75"),
		BreakEvenEnabled:   true,
		BreakEvenAfter:     5 * time.Minute,
	}
}

type harness struct {
	gw       *fakeGateway
	clock    *fakeClock
	audit    *fakeAudit
	results  *fakeResults
	reported []reported
	engine   *Engine
}

func newHarness(cfg Config, opts ...Option) *harness {
	h := &harness{
		gw:      newFakeGateway(),
		clock:   newFakeClock(),
		audit:   &fakeAudit{},
		results: &fakeResults{},
	}
	base := []Option{
		WithClock(h.clock),
		WithAuditLog(h.audit),
		WithTradeResults(h.results),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithExceptionReporter(func(_ context.Context, method, level string, err error, _ map[string]interface{}) {
			h.reported = append(h.reported, reported{method: method, level: level, err: err})
		}),
	}
	h.engine = New(h.gw, cfg, testPolicyConfig(), append(base, opts...)...)
	return h
}
