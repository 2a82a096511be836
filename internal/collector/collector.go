// Package collector orchestrates the data-collection loops: streaming
// ingestion, REST polling, and health supervision. All shared state lives in
// the Collector; there are no package-level singletons.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/YCLstock/quant-crypto/configs"
	"github.com/YCLstock/quant-crypto/internal/depth"
	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/monitor"
	"github.com/YCLstock/quant-crypto/internal/storage"
)

// Loop cadence and health thresholds.
const (
	healthInterval   = 30 * time.Second
	loopRetryBackoff = 5 * time.Second
	streamBackoff    = 2 * time.Second
	shutdownWindow   = 30 * time.Second

	maxMessageAge    = time.Minute
	maxErrorRate     = 0.10
	minMessageRate   = 0.1
	depthSnapshotTop = 20
)

// Store is the persistence surface the collector writes through.
type Store interface {
	UpsertTradingPairs(ctx context.Context, pairs []storage.TradingPair) error
	SaveTicker(ctx context.Context, t *storage.Ticker) error
	SaveSnapshot(ctx context.Context, snap *storage.OrderBookSnapshot) error
	UpsertMetrics(ctx context.Context, rows []storage.HistoricalMetric) error
	LatestMetricTime(ctx context.Context, symbol, timeframe string) (time.Time, error)
	MetricsRange(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]storage.HistoricalMetric, error)
	SaveAnalysis(ctx context.Context, a *storage.MarketAnalysis) error
}

// Collector owns the active symbol set and drives the collection loops.
type Collector struct {
	cfg     configs.CollectorConfig
	stream  *exchange.Stream
	client  *exchange.Client
	books   *depth.Reconciler
	store   Store
	monitor *monitor.Monitor
	log     *logrus.Entry

	mu      sync.Mutex
	symbols map[string]struct{}
	running bool
}

// New wires a collector from its collaborators.
func New(
	cfg configs.CollectorConfig,
	stream *exchange.Stream,
	client *exchange.Client,
	books *depth.Reconciler,
	store Store,
	mon *monitor.Monitor,
	logger *logrus.Logger,
) *Collector {
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[strings.ToUpper(s)] = struct{}{}
	}
	return &Collector{
		cfg:     cfg,
		stream:  stream,
		client:  client,
		books:   books,
		store:   store,
		monitor: mon,
		log:     logger.WithField("component", "collector"),
		symbols: symbols,
	}
}

// Symbols returns the active symbol set.
func (c *Collector) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

// Running reports whether the collection loops are active.
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StreamHealth exposes the transport's health counters.
func (c *Collector) StreamHealth() exchange.StreamHealth {
	return c.stream.Health()
}

// Run starts the collection loops and blocks until the context is
// cancelled. Shutdown is bounded: loops get shutdownWindow to drain before
// Run returns regardless.
func (c *Collector) Run(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.SyncPairs(ctx); err != nil {
		c.log.WithError(err).Warn("initial pair sync failed")
	}

	var wg sync.WaitGroup
	loops := []struct {
		name string
		fn   func(context.Context)
	}{
		{"ticker", c.tickerLoop},
		{"depth", c.depthLoop},
		{"stream", c.streamLoop},
		{"health", c.healthLoop},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, fn func(context.Context)) {
			defer wg.Done()
			c.log.WithField("loop", name).Info("loop started")
			fn(ctx)
			c.log.WithField("loop", name).Info("loop stopped")
		}(loop.name, loop.fn)
	}

	<-ctx.Done()
	c.stream.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWindow):
		c.log.Warn("shutdown window elapsed with loops still draining")
	}
	return ctx.Err()
}

// SyncPairs refreshes trading-pair metadata from the exchange.
func (c *Collector) SyncPairs(ctx context.Context) error {
	infos, err := c.client.ExchangeInfo(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]struct{})
	for _, s := range c.Symbols() {
		active[s] = struct{}{}
	}
	var pairs []storage.TradingPair
	for _, info := range infos {
		if _, ok := active[info.Symbol]; !ok {
			continue
		}
		pairs = append(pairs, storage.TradingPair{
			Symbol:     info.Symbol,
			BaseAsset:  info.BaseCurrency,
			QuoteAsset: info.QuoteCurrency,
			IsActive:   info.Status == "TRADING",
		})
	}
	if err := c.store.UpsertTradingPairs(ctx, pairs); err != nil {
		return err
	}
	c.log.WithField("pairs", len(pairs)).Info("trading pairs synced")
	return nil
}

// tickerLoop polls the 24h ticker for every active symbol on a fixed
// interval and persists each observation.
func (c *Collector) tickerLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, symbol := range c.Symbols() {
			ev, err := c.client.Ticker24h(ctx, symbol)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.WithError(err).WithField("symbol", symbol).Warn("ticker poll failed")
				sleepCtx(ctx, loopRetryBackoff)
				continue
			}
			row := &storage.Ticker{
				Symbol:         ev.Symbol,
				Timestamp:      ev.EventTime,
				Open:           ev.Open,
				High:           ev.High,
				Low:            ev.Low,
				Close:          ev.Close,
				Volume:         ev.Volume,
				QuoteVolume:    ev.QuoteVolume,
				PriceChangePct: ev.PriceChangePct,
				TradeCount:     ev.TradeCount,
			}
			if err := c.store.SaveTicker(ctx, row); err != nil {
				c.log.WithError(err).WithField("symbol", symbol).Warn("ticker not persisted")
			}
		}
	}
}

// depthLoop periodically persists the reconciled book's top levels and
// feeds depth metrics to the monitor.
func (c *Collector) depthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, symbol := range c.Symbols() {
			view, ok := c.books.TopN(symbol, depthSnapshotTop)
			if !ok {
				continue
			}
			bids, err := json.Marshal(view.Bids)
			if err != nil {
				continue
			}
			asks, err := json.Marshal(view.Asks)
			if err != nil {
				continue
			}
			snap := &storage.OrderBookSnapshot{
				Symbol:       symbol,
				Timestamp:    view.Timestamp,
				LastUpdateID: view.LastUpdateID,
				Bids:         datatypes.JSON(bids),
				Asks:         datatypes.JSON(asks),
			}
			if err := c.store.SaveSnapshot(ctx, snap); err != nil {
				c.log.WithError(err).WithField("symbol", symbol).Warn("snapshot not persisted")
			}
			if metrics, ok := c.books.Metrics(symbol); ok {
				c.monitor.RecordMetrics(ctx, metrics)
			}
		}
	}
}

// streamLoop keeps the websocket session alive: connect, subscribe, listen,
// and reconnect with a short backoff on loss. Frame dispatch happens inline.
func (c *Collector) streamLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.runStreamSession(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("stream session ended, reconnecting")
			sleepCtx(ctx, streamBackoff)
		}
	}
}

func (c *Collector) runStreamSession(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(c.streamNames()...); err != nil {
		return err
	}

	frames := make(chan exchange.Frame, 256)
	errs := make(chan error, 1)
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		errs <- c.stream.Listen(listenCtx, frames)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case frame := <-frames:
			c.dispatch(ctx, frame)
		}
	}
}

func (c *Collector) streamNames() []string {
	symbols := c.Symbols()
	names := make([]string, 0, len(symbols)*3)
	for _, s := range symbols {
		lower := strings.ToLower(s)
		names = append(names, lower+"@depth", lower+"@trade", lower+"@ticker")
	}
	return names
}

// dispatch routes one frame by stream kind. A failure handling one frame
// never stops the session.
func (c *Collector) dispatch(ctx context.Context, frame exchange.Frame) {
	switch exchange.ClassifyStream(frame.Stream) {
	case exchange.KindDepth:
		c.handleDepth(ctx, frame)
	case exchange.KindTrade:
		c.handleTrade(ctx, frame)
	case exchange.KindTicker:
		// Streaming tickers only refresh liveness; persistence happens on
		// the polling loop.
	}
}

func (c *Collector) handleDepth(ctx context.Context, frame exchange.Frame) {
	ev, err := exchange.ParseDepth(frame.Data)
	if err != nil {
		c.log.WithError(err).Debug("depth frame rejected")
		return
	}
	if err := c.books.ApplyUpdate(ev); err != nil {
		var gap *depth.SequenceGapError
		if errors.As(err, &gap) {
			c.resync(ctx, ev.Symbol)
		}
	}
}

// resync fetches a ground-truth snapshot and resets the symbol's book.
// Buffered diffs newer than the snapshot are replayed by the reconciler.
func (c *Collector) resync(ctx context.Context, symbol string) {
	snap, err := c.client.OrderBookSnapshot(ctx, symbol, 1000)
	if err != nil {
		c.log.WithError(err).WithField("symbol", symbol).Warn("snapshot fetch failed, book stays stale")
		return
	}
	c.books.ResetFromSnapshot(symbol, snap)
}

func (c *Collector) handleTrade(ctx context.Context, frame exchange.Frame) {
	ev, err := exchange.ParseTrade(frame.Data)
	if err != nil {
		c.log.WithError(err).Debug("trade frame rejected")
		return
	}
	c.monitor.InspectTrade(ctx, ev)
}

// healthLoop forces a reconnect when the stream looks unhealthy: no message
// for over a minute, error rate above 10%, or message rate below 0.1/s.
func (c *Collector) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h := c.stream.Health()
		if !h.Connected {
			continue
		}
		reason := healthProblem(h, time.Now())
		if reason == "" {
			continue
		}
		c.log.WithFields(logrus.Fields{
			"reason":       reason,
			"msgs_per_sec": h.MessagesPerSecond,
			"error_rate":   h.ErrorRate,
		}).Warn("stream unhealthy, forcing reconnect")
		if err := c.stream.Reconnect(ctx); err != nil {
			c.log.WithError(err).Error("forced reconnect failed")
		}
	}
}

func healthProblem(h exchange.StreamHealth, now time.Time) string {
	if !h.LastMessageTime.IsZero() && now.Sub(h.LastMessageTime) > maxMessageAge {
		return "no message for over a minute"
	}
	if h.ErrorRate > maxErrorRate {
		return "error rate above threshold"
	}
	if h.MessagesPerSecond < minMessageRate && h.MessagesReceived > 0 {
		return "message rate below threshold"
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
