package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/indicator"
	"github.com/YCLstock/quant-crypto/internal/storage"
	"github.com/YCLstock/quant-crypto/internal/taskqueue"
)

// klineHandler serves synthetic daily candles for the requested window.
func klineHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		startMs, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		endMs, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)

		day := int64(24 * time.Hour / time.Millisecond)
		var rows []json.RawMessage
		for ts := startMs - startMs%day; ts < endMs; ts += day {
			if ts < startMs {
				continue
			}
			price := 100 + float64((ts/day)%10)
			row := fmt.Sprintf(`[%d,"%f","%f","%f","%f","1000",%d,"100000",500]`,
				ts, price, price*1.02, price*0.98, price*1.01, ts+day-1)
			rows = append(rows, json.RawMessage(row))
		}
		if err := json.NewEncoder(w).Encode(rows); err != nil {
			t.Errorf("encode klines: %v", err)
		}
	})
}

func testBackfiller(t *testing.T) (*Backfiller, *memStore) {
	t.Helper()
	srv := httptest.NewServer(klineHandler(t))
	t.Cleanup(srv.Close)

	client := exchange.NewClient(exchange.DefaultClientConfig(srv.URL), testLogger())
	store := newMemStore()
	b := NewBackfiller(client, store, testLogger())
	b.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return b, store
}

func TestBackfillWritesIndicatorRows(t *testing.T) {
	b, store := testBackfiller(t)

	n, err := b.Backfill(context.Background(), "BTCUSDT", "1d", 40)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n == 0 {
		t.Fatal("no rows written")
	}

	rows := store.metrics[metricKey("BTCUSDT", "1d")]
	if len(rows) != n {
		t.Fatalf("stored = %d, want %d", len(rows), n)
	}
	first := rows[0]
	if first.Symbol != "BTCUSDT" || first.Timeframe != "1d" {
		t.Errorf("row key = %s/%s", first.Symbol, first.Timeframe)
	}
	if first.Returns != nil {
		t.Error("first row must have nil return")
	}
	// With 40 daily rows and W=20, late rows carry volatility.
	last := rows[len(rows)-1]
	if last.Volatility == nil {
		t.Error("last row missing volatility")
	}
	if last.MA7 == nil {
		t.Error("last row missing ma7")
	}
}

func TestAnalyzePersistsMarketAnalysis(t *testing.T) {
	b, store := testBackfiller(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Seed stored metrics directly.
	var rows []storage.HistoricalMetric
	for i := 0; i < 30; i++ {
		vol := 10 + float64(i%4)
		rows = append(rows, storage.HistoricalMetric{
			Symbol:     "BTCUSDT",
			Timeframe:  "1d",
			Timestamp:  now.AddDate(0, 0, i-30),
			Close:      100 + float64(i)*2,
			Volatility: &vol,
		})
	}
	if err := store.UpsertMetrics(context.Background(), rows); err != nil {
		t.Fatal(err)
	}

	a, err := b.Analyze(context.Background(), "BTCUSDT", "1d", 40)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.TrendAnalysis.Direction != indicator.TrendUp {
		t.Errorf("direction = %s, want Uptrend", a.TrendAnalysis.Direction)
	}
	if len(store.analyses) != 1 {
		t.Fatalf("analyses = %d, want 1", len(store.analyses))
	}
	saved := store.analyses[0]
	if saved.MarketRegime != a.MarketRegime || saved.MarketScore != a.MarketScore {
		t.Errorf("saved = %+v, analysis = %+v", saved, a)
	}
	if len(saved.Payload) == 0 {
		t.Error("empty analysis payload")
	}
}

func TestAnalyzeWithoutDataFails(t *testing.T) {
	b, _ := testBackfiller(t)
	if _, err := b.Analyze(context.Background(), "BTCUSDT", "1d", 10); err == nil {
		t.Error("expected error with no stored rows")
	}
}

func TestRegisterHandlersRunsBackfillTask(t *testing.T) {
	b, store := testBackfiller(t)

	q := taskqueue.New(nil, testLogger())
	RegisterHandlers(q, b)

	// Drive the handler directly; queue transport is covered elsewhere.
	payload, _ := json.Marshal(backfillPayload{Symbol: "ETHUSDT", Timeframe: "1d", Days: 35})
	task := &taskqueue.Task{ID: "t1", Type: TaskBackfill, Payload: payload}

	handler := q.HandlerFor(TaskBackfill)
	if handler == nil {
		t.Fatal("backfill handler not registered")
	}
	result, err := handler(context.Background(), task)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	out, ok := result.(map[string]any)
	if !ok || out["symbol"] != "ETHUSDT" {
		t.Errorf("result = %+v", result)
	}
	if len(store.metrics[metricKey("ETHUSDT", "1d")]) == 0 {
		t.Error("no rows written by task handler")
	}
}
