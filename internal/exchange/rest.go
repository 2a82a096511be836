package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Exchange-side limits for historical candle pagination.
const (
	// MaxKlinesPerCall is the exchange's max-rows-per-call for klines.
	MaxKlinesPerCall = 1000

	// BackfillWindow bounds the time range covered by one klines call.
	BackfillWindow = 7 * 24 * time.Hour
)

// Request weights per the exchange's published schedule.
const (
	weightExchangeInfo = 10
	weightTicker       = 40
	weightTickerSingle = 1
	weightDepth        = 5
	weightKlines       = 1
)

// ClientConfig holds REST client settings.
type ClientConfig struct {
	BaseURL        string
	WeightBudget   int
	RefillWindow   time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
}

// DefaultClientConfig returns a default REST configuration.
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:        baseURL,
		WeightBudget:   1200,
		RefillWindow:   time.Minute,
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
	}
}

// Client is a budget-aware REST client. It tracks a rolling request-weight
// budget (capacity refilled per window) and sleeps until refill when the
// budget is exhausted: a rate-limited request is delayed, never dropped.
// Transient failures retry with exponential backoff up to MaxRetries.
type Client struct {
	cfg     *ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry

	budget *weightBudget

	// sleep is time.Sleep in production; injected in tests.
	sleep func(context.Context, time.Duration) error
}

// NewClient creates a rate-limited REST client.
func NewClient(cfg *ClientConfig, logger *logrus.Logger) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		log:     logger.WithField("component", "rest"),
		budget:  newWeightBudget(cfg.WeightBudget, cfg.RefillWindow, time.Now),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// weightBudget tracks remaining request weight within a rolling window.
// One budget is shared by every goroutine using the client, so all state
// lives behind the mutex.
type weightBudget struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	remaining int
	windowEnd time.Time
}

func newWeightBudget(capacity int, window time.Duration, now func() time.Time) *weightBudget {
	return &weightBudget{
		capacity:  capacity,
		window:    window,
		remaining: capacity,
		windowEnd: now().Add(window),
		now:       now,
	}
}

// reserve consumes weight, returning how long the caller must wait first.
// Zero means the request may proceed immediately.
func (b *weightBudget) reserve(weight int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !now.Before(b.windowEnd) {
		b.remaining = b.capacity
		b.windowEnd = now.Add(b.window)
	}
	if b.remaining >= weight {
		b.remaining -= weight
		return 0
	}
	wait := b.windowEnd.Sub(now)
	// The request lands in the next window.
	b.remaining = b.capacity - weight
	b.windowEnd = b.windowEnd.Add(b.window)
	return wait
}

func (c *Client) get(ctx context.Context, path string, params url.Values, weight int, out any) error {
	if wait := c.budget.reserve(weight); wait > 0 {
		c.log.WithField("wait", wait.String()).Debug("weight budget exhausted, sleeping until refill")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}

		err := c.doOnce(ctx, path, params, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isRateLimited(err) {
			// Sleep out the window and retry without burning an attempt.
			c.log.Warn("upstream rate limit hit, backing off a full window")
			if serr := c.sleep(ctx, c.cfg.RefillWindow); serr != nil {
				return serr
			}
			attempt--
			continue
		}
		lastErr = err
		c.log.WithError(err).WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("request failed")
	}
	return &TransientError{Op: "GET " + path, Attempts: c.cfg.MaxRetries, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, path string, params url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		io.Copy(io.Discard, resp.Body)
		return ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %s: %s", resp.Status, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isRateLimited(err error) bool {
	return err == ErrRateLimited
}

// ExchangeInfo fetches trading-pair metadata.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var payload struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := c.get(ctx, "/api/v3/exchangeInfo", nil, weightExchangeInfo, &payload); err != nil {
		return nil, err
	}
	return payload.Symbols, nil
}

// Ticker24h fetches the 24h rolling ticker for one symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (*TickerEvent, error) {
	params := url.Values{"symbol": {symbol}}
	var w struct {
		Symbol         string `json:"symbol"`
		PriceChange    string `json:"priceChange"`
		PriceChangePct string `json:"priceChangePercent"`
		WeightedAvg    string `json:"weightedAvgPrice"`
		Last           string `json:"lastPrice"`
		Open           string `json:"openPrice"`
		High           string `json:"highPrice"`
		Low            string `json:"lowPrice"`
		Volume         string `json:"volume"`
		QuoteVolume    string `json:"quoteVolume"`
		Count          int64  `json:"count"`
		CloseTime      int64  `json:"closeTime"`
	}
	if err := c.get(ctx, "/api/v3/ticker/24hr", params, weightTickerSingle, &w); err != nil {
		return nil, err
	}

	ev := &TickerEvent{
		Symbol:     w.Symbol,
		EventTime:  time.UnixMilli(w.CloseTime),
		TradeCount: w.Count,
	}
	var err error
	if ev.Open, err = parseNonNegative(w.Symbol, "open", w.Open); err != nil {
		return nil, err
	}
	if ev.High, err = parseNonNegative(w.Symbol, "high", w.High); err != nil {
		return nil, err
	}
	if ev.Low, err = parseNonNegative(w.Symbol, "low", w.Low); err != nil {
		return nil, err
	}
	if ev.Close, err = parseNonNegative(w.Symbol, "close", w.Last); err != nil {
		return nil, err
	}
	if ev.Volume, err = parseNonNegative(w.Symbol, "volume", w.Volume); err != nil {
		return nil, err
	}
	if ev.QuoteVolume, err = parseNonNegative(w.Symbol, "quote_volume", w.QuoteVolume); err != nil {
		return nil, err
	}
	ev.PriceChange, _ = strconv.ParseFloat(w.PriceChange, 64)
	ev.PriceChangePct, _ = strconv.ParseFloat(w.PriceChangePct, 64)
	ev.WeightedAvgPrice, _ = strconv.ParseFloat(w.WeightedAvg, 64)
	return ev, nil
}

// OrderBookSnapshot fetches a full point-in-time book, used to reset local
// depth state after a sequence gap.
func (c *Client) OrderBookSnapshot(ctx context.Context, symbol string, limit int) (*BookSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(limit)},
	}
	var w struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := c.get(ctx, "/api/v3/depth", params, weightDepth, &w); err != nil {
		return nil, err
	}

	bids, err := parseLevels(symbol, w.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(symbol, w.Asks)
	if err != nil {
		return nil, err
	}
	return &BookSnapshot{LastUpdateID: w.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// Klines fetches candles for one bounded time window.
func (c *Client) Klines(ctx context.Context, symbol, interval string, start, end time.Time) ([]Kline, error) {
	params := url.Values{
		"symbol":    {symbol},
		"interval":  {interval},
		"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
		"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
		"limit":     {strconv.Itoa(MaxKlinesPerCall)},
	}
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", params, weightKlines, &rows); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		k, err := parseKlineRow(symbol, row)
		if err != nil {
			c.log.WithError(err).Warn("skipping malformed kline row")
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// KlinesRange walks a requested time range window by window (BackfillWindow
// per call, capped by the exchange's max rows) and returns all candles in
// ascending order.
func (c *Client) KlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]Kline, error) {
	var all []Kline
	for cursor := start; cursor.Before(end); {
		windowEnd := cursor.Add(BackfillWindow)
		if windowEnd.After(end) {
			windowEnd = end
		}
		batch, err := c.Klines(ctx, symbol, interval, cursor, windowEnd)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		cursor = windowEnd
	}
	return all, nil
}

func parseKlineRow(symbol string, row []json.RawMessage) (Kline, error) {
	if len(row) < 9 {
		return Kline{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var openTime, closeTime int64
	var tradeCount int64
	strs := make([]string, 9)
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return Kline{}, err
	}
	if err := json.Unmarshal(row[6], &closeTime); err != nil {
		return Kline{}, err
	}
	if err := json.Unmarshal(row[8], &tradeCount); err != nil {
		return Kline{}, err
	}
	for _, i := range []int{1, 2, 3, 4, 5, 7} {
		if err := json.Unmarshal(row[i], &strs[i]); err != nil {
			return Kline{}, err
		}
	}

	k := Kline{
		OpenTime:   time.UnixMilli(openTime),
		CloseTime:  time.UnixMilli(closeTime),
		TradeCount: tradeCount,
	}
	var err error
	if k.Open, err = parseNonNegative(symbol, "open", strs[1]); err != nil {
		return Kline{}, err
	}
	if k.High, err = parseNonNegative(symbol, "high", strs[2]); err != nil {
		return Kline{}, err
	}
	if k.Low, err = parseNonNegative(symbol, "low", strs[3]); err != nil {
		return Kline{}, err
	}
	if k.Close, err = parseNonNegative(symbol, "close", strs[4]); err != nil {
		return Kline{}, err
	}
	if k.Volume, err = parseNonNegative(symbol, "volume", strs[5]); err != nil {
		return Kline{}, err
	}
	if k.QuoteVolume, err = parseNonNegative(symbol, "quote_volume", strs[7]); err != nil {
		return Kline{}, err
	}
	if k.High < k.Low {
		return Kline{}, &DataIntegrityError{Symbol: symbol, Field: "high_low", Value: fmt.Sprintf("%v<%v", k.High, k.Low)}
	}
	return k, nil
}
