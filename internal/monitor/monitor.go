// Package monitor watches the live data flow for anomalies: large trades
// moving the price, and order-book health degradation.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/YCLstock/quant-crypto/internal/depth"
	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/storage"
)

// Alert types written to storage.
const (
	AlertLargeTrade     = "large_trade"
	AlertDepthDegrading = "depth_degrading"
)

// tradeThreshold holds per-symbol large-trade limits.
type tradeThreshold struct {
	// Volume is the minimum base-asset quantity to consider.
	Volume float64
	// ImpactPct is the minimum mid-price deviation, in percent.
	ImpactPct float64
}

// Per-symbol thresholds; unknown symbols fall back to defaultThreshold.
var tradeThresholds = map[string]tradeThreshold{
	"BTCUSDT": {Volume: 10.0, ImpactPct: 0.5},
	"ETHUSDT": {Volume: 100.0, ImpactPct: 0.5},
}

var defaultThreshold = tradeThreshold{Volume: 1.0, ImpactPct: 0.5}

// Depth health limits.
const (
	maxSpreadPct   = 1.0  // percent of mid price
	maxImbalance   = 0.95 // absolute bid/ask volume imbalance
	maxMetricAge   = 5 * time.Minute
	historyWindow  = 24 * time.Hour
	maxHistoryRows = 1500
)

// AlertSink persists alerts.
type AlertSink interface {
	SaveAlert(ctx context.Context, a *storage.Alert) error
}

// Monitor inspects trades against the current book and tracks depth-metric
// history per symbol.
type Monitor struct {
	books *depth.Reconciler
	sink  AlertSink
	log   *logrus.Entry

	mu      sync.Mutex
	history map[string][]depth.Metrics

	now func() time.Time
}

// New creates a monitor over the shared reconciler.
func New(books *depth.Reconciler, sink AlertSink, logger *logrus.Logger) *Monitor {
	return &Monitor{
		books:   books,
		sink:    sink,
		log:     logger.WithField("component", "monitor"),
		history: make(map[string][]depth.Metrics),
		now:     time.Now,
	}
}

// InspectTrade checks one trade against the symbol's thresholds and records
// an alert when it is large and moves the price. Returns true when an alert
// was raised.
func (m *Monitor) InspectTrade(ctx context.Context, trade *exchange.TradeEvent) bool {
	threshold, ok := tradeThresholds[trade.Symbol]
	if !ok {
		threshold = defaultThreshold
	}
	if trade.Quantity < threshold.Volume {
		return false
	}

	metrics, ok := m.books.Metrics(trade.Symbol)
	if !ok {
		return false
	}
	mid := (metrics.BestBid + metrics.BestAsk) / 2
	if mid == 0 {
		return false
	}

	impact := (trade.Price - mid) / mid * 100
	side := "sell"
	if !trade.IsBuyerMaker {
		side = "buy"
	}
	// Impact is signed toward the trade's direction.
	if side == "sell" && impact > 0 {
		impact = -impact
	} else if side == "buy" && impact < 0 {
		impact = -impact
	}
	if math.Abs(impact) < threshold.ImpactPct {
		return false
	}

	payload, _ := json.Marshal(map[string]any{
		"price":      trade.Price,
		"volume":     trade.Quantity,
		"side":       side,
		"impact_pct": impact,
		"mid_price":  mid,
	})
	alert := &storage.Alert{
		Symbol:    trade.Symbol,
		AlertType: AlertLargeTrade,
		Severity:  "warning",
		Message: fmt.Sprintf("large %s trade: %.4f at %.2f (impact %.2f%%)",
			side, trade.Quantity, trade.Price, impact),
		Payload: datatypes.JSON(payload),
	}
	if err := m.sink.SaveAlert(ctx, alert); err != nil {
		m.log.WithError(err).Warn("alert not persisted")
	}
	m.log.WithFields(logrus.Fields{
		"symbol": trade.Symbol,
		"side":   side,
		"volume": trade.Quantity,
		"impact": impact,
	}).Warn("large trade detected")
	return true
}

// RecordMetrics appends a depth observation to the symbol's rolling history
// and raises an alert when the book looks degraded.
func (m *Monitor) RecordMetrics(ctx context.Context, metrics depth.Metrics) {
	m.mu.Lock()
	hist := append(m.history[metrics.Symbol], metrics)
	cutoff := m.now().Add(-historyWindow)
	for len(hist) > 0 && hist[0].Timestamp.Before(cutoff) {
		hist = hist[1:]
	}
	if len(hist) > maxHistoryRows {
		hist = hist[len(hist)-maxHistoryRows:]
	}
	m.history[metrics.Symbol] = hist
	m.mu.Unlock()

	var problems []string
	if metrics.SpreadPct > maxSpreadPct {
		problems = append(problems, fmt.Sprintf("spread %.3f%% above %.1f%%", metrics.SpreadPct, maxSpreadPct))
	}
	if math.Abs(metrics.Imbalance) > maxImbalance {
		problems = append(problems, fmt.Sprintf("one-sided book, imbalance %.2f", metrics.Imbalance))
	}
	if age := m.now().Sub(metrics.Timestamp); age > maxMetricAge {
		problems = append(problems, fmt.Sprintf("stale book, last update %s ago", age.Round(time.Second)))
	}
	if len(problems) == 0 {
		return
	}

	payload, _ := json.Marshal(metrics)
	alert := &storage.Alert{
		Symbol:    metrics.Symbol,
		AlertType: AlertDepthDegrading,
		Severity:  "warning",
		Message:   fmt.Sprintf("depth degraded: %v", problems),
		Payload:   datatypes.JSON(payload),
	}
	if err := m.sink.SaveAlert(ctx, alert); err != nil {
		m.log.WithError(err).Warn("alert not persisted")
	}
}

// SpreadStats summarizes spread history for one symbol.
type SpreadStats struct {
	Current float64 `json:"current"`
	Mean    float64 `json:"mean"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Summary is the per-symbol monitoring digest served by the API.
type Summary struct {
	Symbol      string      `json:"symbol"`
	Samples     int         `json:"samples"`
	Spread      SpreadStats `json:"spread"`
	BidVolume   float64     `json:"bid_volume"`
	AskVolume   float64     `json:"ask_volume"`
	Imbalance   float64     `json:"imbalance"`
	LastUpdated time.Time   `json:"last_updated"`
}

// Summarize aggregates the recorded history for one symbol. ok is false
// with no samples.
func (m *Monitor) Summarize(symbol string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := m.history[symbol]
	if len(hist) == 0 {
		return Summary{}, false
	}

	latest := hist[len(hist)-1]
	stats := SpreadStats{
		Current: latest.SpreadPct,
		Min:     hist[0].SpreadPct,
		Max:     hist[0].SpreadPct,
	}
	var sum float64
	for _, h := range hist {
		sum += h.SpreadPct
		if h.SpreadPct < stats.Min {
			stats.Min = h.SpreadPct
		}
		if h.SpreadPct > stats.Max {
			stats.Max = h.SpreadPct
		}
	}
	stats.Mean = sum / float64(len(hist))

	return Summary{
		Symbol:      symbol,
		Samples:     len(hist),
		Spread:      stats,
		BidVolume:   latest.BidVolume,
		AskVolume:   latest.AskVolume,
		Imbalance:   latest.Imbalance,
		LastUpdated: latest.Timestamp,
	}, true
}
