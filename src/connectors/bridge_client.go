// REST CLIENT FOR THE TRADING TERMINAL BRIDGE
// RESTY ONLY + INTERNAL RETRY ON READS
package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"stopguard/src/engine"
	"stopguard/src/mapper"
	"stopguard/src/model"
)

// -----------------------------
// CONFIG
// -----------------------------
const (
	// Default retry configuration
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second

	defaultBridgeURL = "http://127.0.0.1:8228"
)

// -----------------------------
// API RESPONSE WRAPPER
// -----------------------------
type APIResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// HTTPError is returned for non-200 answers so callers can branch on the status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// -----------------------------
// A) AUTHENTICATED CLIENT
// -----------------------------

// BridgeClient talks to the terminal bridge and implements engine.Gateway.
type BridgeClient struct {
	apiKey    string
	apiSecret string
	baseURL   string
	deviation int
	http      *resty.Client
	quotes    *QuoteCache
}

var _ engine.Gateway = (*BridgeClient)(nil)

// isRetryableResp retries reads only. Mutations are never replayed by the transport: the engine
// owns their retry budget, and a 429 must surface as ErrRateLimited on the first answer.
func isRetryableResp(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	return code == http.StatusRequestTimeout
}

func withRetries(c *resty.Client, count int, wait, maxWait time.Duration) *resty.Client {
	return c.
		SetRetryCount(count).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(maxWait).
		AddRetryCondition(isRetryableResp)
}

func NewBridgeClient(cfg Config) *BridgeClient {
	baseURL := cfg.BridgeBaseURL
	if baseURL == "" {
		baseURL = defaultBridgeURL
		logger.Warnf("No bridge URL provided, using default: %s", baseURL)
	}

	httpClient := withRetries(
		resty.New().SetBaseURL(baseURL).SetTimeout(cfg.BridgeTimeout),
		defaultRetryAttempts-1, defaultRetryBaseDelay, defaultRetryMaxBackoff,
	)

	return &BridgeClient{
		apiKey:    cfg.BridgeAPIKey,
		apiSecret: cfg.BridgeAPISecret,
		baseURL:   baseURL,
		deviation: cfg.CloseDeviationPoints,
		http:      httpClient,
	}
}

// WithQuoteCache makes GetQuote answer from the streamed cache while it is fresh.
func (c *BridgeClient) WithQuoteCache(cache *QuoteCache) *BridgeClient {
	c.quotes = cache
	return c
}

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BridgeClient) doRequest(ctx context.Context, method, path, query string, body []byte) (*APIResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()

	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-bridge-access-token", c.apiKey).
		SetHeader("x-bridge-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-bridge-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	raw := resp.Body()

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s %s: %w", method, path, engine.ErrRateLimited)
	default:
		return nil, &HTTPError{Status: resp.StatusCode(), Body: string(raw)}
	}

	var apiResp APIResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, err
	}
	if apiResp.Code != 0 {
		return nil, fmt.Errorf("bridge error %d: %s", apiResp.Code, apiResp.Msg)
	}

	return &apiResp, nil
}

// positionErr turns a 404 on a ticket route into ErrPositionClosed.
func positionErr(ticket uint64, err error) error {
	var he *HTTPError
	if errors.As(err, &he) && he.Status == http.StatusNotFound {
		return fmt.Errorf("ticket %d: %w", ticket, engine.ErrPositionClosed)
	}
	return err
}

// -----------------------------
// B) MARKET DATA
// -----------------------------
func (c *BridgeClient) GetSymbolConstraints(ctx context.Context, symbol string) (model.SymbolConstraints, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/symbols/"+symbol, "", nil)
	if err != nil {
		return model.SymbolConstraints{}, fmt.Errorf("symbol info %s: %w", symbol, err)
	}
	var info model.BridgeSymbolInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return model.SymbolConstraints{}, fmt.Errorf("decode symbol info %s: %w", symbol, err)
	}
	sc, err := mapper.MapBridgeSymbol(&info)
	if err != nil {
		return model.SymbolConstraints{}, err
	}
	if !sc.Point.IsPositive() {
		return model.SymbolConstraints{}, fmt.Errorf("symbol %s: non-positive point %s", symbol, sc.Point)
	}
	return sc, nil
}

func (c *BridgeClient) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	if c.quotes != nil {
		if q, ok := c.quotes.Fresh(symbol, time.Now()); ok {
			return q, nil
		}
	}

	resp, err := c.doRequest(ctx, http.MethodGet, "/quotes/"+symbol, "", nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	var tick model.BridgeTick
	if err := json.Unmarshal(resp.Data, &tick); err != nil {
		return model.Quote{}, fmt.Errorf("decode quote %s: %w", symbol, err)
	}
	q, err := mapper.MapBridgeTick(&tick)
	if err != nil {
		return model.Quote{}, err
	}
	if c.quotes != nil {
		c.quotes.Put(q)
	}
	return q, nil
}

// -----------------------------
// C) POSITIONS
// -----------------------------
func (c *BridgeClient) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/positions", "", nil)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	var raw []model.BridgePosition
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	out := make([]model.Position, 0, len(raw))
	for i := range raw {
		p, err := mapper.MapBridgePosition(&raw[i])
		if err != nil {
			logger.WithError(err).WithField("ticket", raw[i].Ticket).Warn("Skipping unmappable position")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *BridgeClient) GetPosition(ctx context.Context, ticket uint64) (model.Position, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/positions/%d", ticket), "", nil)
	if err != nil {
		return model.Position{}, positionErr(ticket, err)
	}
	var raw model.BridgePosition
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return model.Position{}, fmt.Errorf("decode position %d: %w", ticket, err)
	}
	return mapper.MapBridgePosition(&raw)
}

// -----------------------------
// D) TRADING METHODS
// -----------------------------

// SubmitProtectiveUpdate sends a stop-loss modification. A nil error only means the bridge
// accepted the request; the engine verifies the result by reading the position back.
func (c *BridgeClient) SubmitProtectiveUpdate(ctx context.Context, ticket uint64, price decimal.Decimal) error {
	body := map[string]interface{}{
		"sl":         price.String(),
		"request_id": uuid.NewString(),
	}
	b, _ := json.Marshal(body)

	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/positions/%d/sltp", ticket), "", b)
	if err != nil {
		return positionErr(ticket, err)
	}
	return decodeTradeResult(ticket, resp)
}

func (c *BridgeClient) ClosePosition(ctx context.Context, ticket uint64) error {
	body := map[string]interface{}{
		"deviation":  c.deviation,
		"request_id": uuid.NewString(),
	}
	b, _ := json.Marshal(body)

	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/positions/%d/close", ticket), "", b)
	if err != nil {
		return positionErr(ticket, err)
	}
	return decodeTradeResult(ticket, resp)
}

func decodeTradeResult(ticket uint64, resp *APIResponse) error {
	var res model.BridgeTradeResult
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		return fmt.Errorf("decode trade result for %d: %w", ticket, err)
	}
	if err := retcodeError(res.Retcode, res.Comment); err != nil {
		return fmt.Errorf("ticket %d: %w", ticket, err)
	}
	return nil
}

// -----------------------------
// E) HISTORY
// -----------------------------
func (c *BridgeClient) GetClosedTradeResult(ctx context.Context, ticket uint64) (model.ClosedTradeResult, bool, error) {
	query := "position=" + strconv.FormatUint(ticket, 10)
	resp, err := c.doRequest(ctx, http.MethodGet, "/history/deals", query, nil)
	if err != nil {
		return model.ClosedTradeResult{}, false, fmt.Errorf("deal history %d: %w", ticket, err)
	}
	var deals []model.BridgeDeal
	if err := json.Unmarshal(resp.Data, &deals); err != nil {
		return model.ClosedTradeResult{}, false, fmt.Errorf("decode deals %d: %w", ticket, err)
	}
	res, ok := mapper.MapBridgeDeals(ticket, deals)
	return res, ok, nil
}
