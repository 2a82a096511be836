package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/indicator"
	"github.com/YCLstock/quant-crypto/internal/storage"
	"github.com/YCLstock/quant-crypto/internal/taskqueue"
)

// Timeframes maintained by the historical backfill.
var Timeframes = []string{"1h", "4h", "1d"}

// Backfiller pulls historical candles, computes indicators, and persists the
// enriched rows.
type Backfiller struct {
	client *exchange.Client
	store  Store
	log    *logrus.Entry

	now func() time.Time
}

// NewBackfiller wires a backfiller.
func NewBackfiller(client *exchange.Client, store Store, logger *logrus.Logger) *Backfiller {
	return &Backfiller{
		client: client,
		store:  store,
		log:    logger.WithField("component", "backfill"),
		now:    time.Now,
	}
}

// Backfill fetches candles for one (symbol, timeframe) reaching back the
// given number of days, computes indicators over the series, and upserts the
// result. Fetching resumes from the newest stored row when one exists.
// Returns the number of rows written.
func (b *Backfiller) Backfill(ctx context.Context, symbol, timeframe string, days int) (int, error) {
	end := b.now()
	start := end.AddDate(0, 0, -days)
	if latest, err := b.store.LatestMetricTime(ctx, symbol, timeframe); err == nil && latest.After(start) {
		// Refetch a window's worth so rolling indicators near the seam
		// are computed over complete history.
		start = latest.Add(-lookback(timeframe))
	}

	klines, err := b.client.KlinesRange(ctx, symbol, timeframe, start, end)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, nil
	}

	candles := make([]indicator.Candle, len(klines))
	for i, k := range klines {
		candles[i] = indicator.Candle{
			Timestamp: k.OpenTime,
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}
	}
	rows := indicator.Compute(timeframe, candles)

	metrics := make([]storage.HistoricalMetric, len(rows))
	for i, r := range rows {
		metrics[i] = storage.HistoricalMetric{
			Symbol:             symbol,
			Timeframe:          timeframe,
			Timestamp:          r.Timestamp,
			Open:               r.Open,
			High:               r.High,
			Low:                r.Low,
			Close:              r.Close,
			Volume:             r.Volume,
			QuoteVolume:        klines[i].QuoteVolume,
			TradeCount:         klines[i].TradeCount,
			Returns:            r.Return,
			LogReturns:         r.LogReturn,
			Volatility:         r.Volatility,
			RealizedVolatility: r.RealizedVolatility,
			MA7:                r.MA7,
			MA25:               r.MA25,
			MA99:               r.MA99,
			RSI:                r.RSI,
			BollUpper:          r.BollUpper,
			BollMiddle:         r.BollMiddle,
			BollLower:          r.BollLower,
			BollWidth:          r.BollWidth,
			PriceMomentum:      r.PriceMomentum,
			VolumeMomentum:     r.VolumeMomentum,
		}
	}
	if err := b.store.UpsertMetrics(ctx, metrics); err != nil {
		return 0, err
	}
	b.log.WithFields(logrus.Fields{
		"symbol":    symbol,
		"timeframe": timeframe,
		"rows":      len(metrics),
	}).Info("backfill complete")
	return len(metrics), nil
}

// lookback is how much history a fresh fetch overlaps with stored rows.
func lookback(timeframe string) time.Duration {
	window := indicator.Window(timeframe)
	per := map[string]time.Duration{
		"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
		"30m": 30 * time.Minute, "1h": time.Hour, "4h": 4 * time.Hour,
		"1d": 24 * time.Hour, "1w": 7 * 24 * time.Hour,
	}
	d, ok := per[timeframe]
	if !ok {
		d = time.Hour
	}
	// The widest rolling window in the row, MA99, bounds the overlap.
	n := window
	if n < 99 {
		n = 99
	}
	return time.Duration(n+1) * d
}

// Analyze loads stored metric rows for a key, classifies the market regime,
// and persists the analysis.
func (b *Backfiller) Analyze(ctx context.Context, symbol, timeframe string, days int) (*indicator.Analysis, error) {
	end := b.now()
	start := end.AddDate(0, 0, -days)
	stored, err := b.store.MetricsRange(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("collector: no metric rows for %s %s", symbol, timeframe)
	}

	rows := make([]indicator.Row, len(stored))
	for i, m := range stored {
		rows[i] = indicator.Row{
			Timestamp:  m.Timestamp,
			Open:       m.Open,
			High:       m.High,
			Low:        m.Low,
			Close:      m.Close,
			Volume:     m.Volume,
			Volatility: m.Volatility,
		}
	}
	analysis, err := indicator.Analyze(timeframe, rows, b.now())
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(analysis)
	if err != nil {
		return nil, err
	}
	record := &storage.MarketAnalysis{
		Symbol:       symbol,
		Timeframe:    timeframe,
		Timestamp:    analysis.Timestamp,
		MarketRegime: analysis.MarketRegime,
		MarketScore:  analysis.MarketScore,
		Payload:      datatypes.JSON(payload),
	}
	if err := b.store.SaveAnalysis(ctx, record); err != nil {
		return nil, err
	}
	return analysis, nil
}

// Task types handled by the worker.
const (
	TaskBackfill = "backfill"
	TaskAnalysis = "analysis"
)

// backfillPayload is the task payload for both task types.
type backfillPayload struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Days      int    `json:"days"`
}

// RegisterHandlers binds the backfiller's task handlers to the queue.
func RegisterHandlers(q *taskqueue.Queue, b *Backfiller) {
	q.Register(TaskBackfill, func(ctx context.Context, task *taskqueue.Task) (any, error) {
		var p backfillPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("collector: bad backfill payload: %w", err)
		}
		if p.Days <= 0 {
			p.Days = 30
		}
		n, err := b.Backfill(ctx, p.Symbol, p.Timeframe, p.Days)
		if err != nil {
			return nil, err
		}
		return map[string]any{"symbol": p.Symbol, "timeframe": p.Timeframe, "rows": n}, nil
	})

	q.Register(TaskAnalysis, func(ctx context.Context, task *taskqueue.Task) (any, error) {
		var p backfillPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fmt.Errorf("collector: bad analysis payload: %w", err)
		}
		if p.Days <= 0 {
			p.Days = 30
		}
		return b.Analyze(ctx, p.Symbol, p.Timeframe, p.Days)
	})
}

// EnqueueInitialBackfill schedules a backfill task per symbol and timeframe.
func EnqueueInitialBackfill(ctx context.Context, q *taskqueue.Queue, symbols []string, days int) error {
	for _, symbol := range symbols {
		for _, tf := range Timeframes {
			payload := backfillPayload{Symbol: symbol, Timeframe: tf, Days: days}
			if _, err := q.Enqueue(ctx, TaskBackfill, payload, 3, 0); err != nil {
				return err
			}
		}
	}
	return nil
}
