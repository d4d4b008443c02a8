package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"stopguard/src/mapper"
	"stopguard/src/model"
)

// QuoteCache keeps the latest tick per symbol.
type QuoteCache struct {
	mu     sync.RWMutex
	maxAge time.Duration
	quotes map[string]model.Quote
}

func NewQuoteCache(maxAge time.Duration) *QuoteCache {
	return &QuoteCache{maxAge: maxAge, quotes: make(map[string]model.Quote)}
}

func (c *QuoteCache) Put(q model.Quote) {
	if q.Symbol == "" {
		return
	}
	if q.Time.IsZero() {
		q.Time = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.quotes[q.Symbol]; ok && prev.Time.After(q.Time) {
		return
	}
	c.quotes[q.Symbol] = q
}

// Fresh returns the cached quote when it is younger than maxAge at now.
func (c *QuoteCache) Fresh(symbol string, now time.Time) (model.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok || c.maxAge <= 0 || now.Sub(q.Time) > c.maxAge {
		return model.Quote{}, false
	}
	return q, true
}

type subscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// QuoteStream consumes the bridge tick websocket and feeds a QuoteCache.
type QuoteStream struct {
	url       string
	apiKey    string
	symbols   []string
	cache     *QuoteCache
	reconnect time.Duration
	dialer    websocket.Dialer
}

func NewQuoteStream(cfg Config, symbols []string, cache *QuoteCache) *QuoteStream {
	return &QuoteStream{
		url:       cfg.BridgeWSURL,
		apiKey:    cfg.BridgeAPIKey,
		symbols:   symbols,
		cache:     cache,
		reconnect: cfg.StreamReconnect,
		dialer: websocket.Dialer{
			HandshakeTimeout:  15 * time.Second,
			EnableCompression: true,
			Proxy:             http.ProxyFromEnvironment,
		},
	}
}

// Run keeps the stream connected until ctx is cancelled.
func (s *QuoteStream) Run(ctx context.Context) {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			logger.Info("Quote stream stopped")
			return
		}
		logger.WithError(err).WithField("retry_in", s.reconnect).Warn("Quote stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnect):
		}
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	header := http.Header{}
	header.Set("x-bridge-access-token", s.apiKey)

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Symbols: s.symbols}); err != nil {
		return fmt.Errorf("ws subscribe failed: %w", err)
	}
	logger.WithField("symbols", s.symbols).Info("Quote stream subscribed")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read failed: %w", err)
		}
		s.handle(msg)
	}
}

func (s *QuoteStream) handle(msg []byte) {
	var tick model.BridgeTick
	if err := json.Unmarshal(msg, &tick); err != nil {
		logger.WithError(err).WithField("raw", string(msg)).Debug("Ignoring non-tick frame")
		return
	}
	if tick.Symbol == "" {
		return
	}
	q, err := mapper.MapBridgeTick(&tick)
	if err != nil {
		return
	}
	s.cache.Put(q)
}
