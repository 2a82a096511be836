package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/YCLstock/quant-crypto/internal/archive"
	"github.com/YCLstock/quant-crypto/internal/depth"
	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/indicator"
	"github.com/YCLstock/quant-crypto/internal/monitor"
	"github.com/YCLstock/quant-crypto/internal/storage"
	"github.com/YCLstock/quant-crypto/internal/taskqueue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBooks struct {
	metrics map[string]depth.Metrics
}

func (f *fakeBooks) Metrics(symbol string) (depth.Metrics, bool) {
	m, ok := f.metrics[symbol]
	return m, ok
}

func (f *fakeBooks) TopN(symbol string, n int) (depth.BookView, bool) {
	if _, ok := f.metrics[symbol]; !ok {
		return depth.BookView{}, false
	}
	return depth.BookView{Symbol: symbol, LastUpdateID: 9}, true
}

type fakeMonitor struct{}

func (f *fakeMonitor) Summarize(symbol string) (monitor.Summary, bool) {
	return monitor.Summary{Symbol: symbol, Samples: 2}, true
}

type fakeArchiver struct {
	entries []archive.ArchivedEntry
	err     error
}

func (f *fakeArchiver) Range(ctx context.Context, symbol string, start, end time.Time) ([]archive.ArchivedEntry, error) {
	return f.entries, f.err
}

type fakeAnalyzer struct {
	analysis *indicator.Analysis
	err      error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, symbol, timeframe string, days int) (*indicator.Analysis, error) {
	return f.analysis, f.err
}

type fakeTasks struct {
	status *taskqueue.TaskStatus
	result json.RawMessage
}

func (f *fakeTasks) Enqueue(ctx context.Context, taskType string, payload any, priority int, delay time.Duration) (string, error) {
	if priority < taskqueue.MinPriority || priority > taskqueue.MaxPriority {
		return "", errors.New("bad priority")
	}
	return "task-123", nil
}

func (f *fakeTasks) Status(ctx context.Context, id string) (*taskqueue.TaskStatus, error) {
	return f.status, nil
}

func (f *fakeTasks) Result(ctx context.Context, id string) (json.RawMessage, error) {
	return f.result, nil
}

func (f *fakeTasks) Depths(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"tasks:1": 2}, nil
}

type fakeStatus struct{}

func (f *fakeStatus) Running() bool     { return true }
func (f *fakeStatus) Symbols() []string { return []string{"BTCUSDT"} }
func (f *fakeStatus) StreamHealth() exchange.StreamHealth {
	return exchange.StreamHealth{Connected: true, MessagesReceived: 10}
}

type fakeAlerts struct {
	analysis *storage.MarketAnalysis
}

func (f *fakeAlerts) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]storage.Alert, error) {
	return []storage.Alert{{Symbol: "BTCUSDT", AlertType: "large_trade"}}, nil
}

func (f *fakeAlerts) LatestAnalysis(ctx context.Context, symbol, timeframe string) (*storage.MarketAnalysis, error) {
	return f.analysis, nil
}

func testRouter(h *Handler) *gin.Engine {
	return NewRouter(h)
}

func defaultHandler() (*Handler, *fakeTasks) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	tasks := &fakeTasks{}
	h := NewHandler(
		&fakeBooks{metrics: map[string]depth.Metrics{
			"BTCUSDT": {Symbol: "BTCUSDT", BestBid: 100, BestAsk: 101},
		}},
		&fakeMonitor{},
		&fakeArchiver{entries: []archive.ArchivedEntry{{Symbol: "BTCUSDT"}}},
		&fakeAnalyzer{analysis: &indicator.Analysis{Timeframe: "1h", MarketRegime: "Normal Range"}},
		tasks,
		&fakeStatus{},
		&fakeAlerts{analysis: &storage.MarketAnalysis{Symbol: "BTCUSDT", MarketRegime: "Consolidation"}},
		log,
	)
	return h, tasks
}

func doRequest(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, req)
	return w
}

func TestGetDepthSummary(t *testing.T) {
	h, _ := defaultHandler()

	w := doRequest(t, h, http.MethodGet, "/v1/depth/BTCUSDT/summary", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp["metrics"]; !ok {
		t.Error("missing metrics")
	}
	if _, ok := resp["history"]; !ok {
		t.Error("missing history")
	}
}

// Path symbols arrive in whatever case the client typed; book keys are
// uppercase.
func TestSymbolParamIsCaseInsensitive(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/depth/btcusdt/summary", "")
	if w.Code != http.StatusOK {
		t.Errorf("lowercase symbol: code = %d, want 200", w.Code)
	}
	w = doRequest(t, h, http.MethodGet, "/v1/analysis/btcUSDT/market", "")
	if w.Code != http.StatusOK {
		t.Errorf("mixed-case symbol: code = %d, want 200", w.Code)
	}
}

func TestGetDepthSummaryUnknownSymbol(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/depth/XRPUSDT/summary", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] == "" {
		t.Error("missing error envelope")
	}
}

func TestGetArchivedRangeValidation(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/depth/BTCUSDT/archived?start=notatime", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", w.Code)
	}
}

func TestGetArchivedRange(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet,
		"/v1/depth/BTCUSDT/archived?start=2025-01-01T00:00:00Z&end=2025-06-01T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

// Internal failures answer with the generic envelope, not the cause.
func TestInternalErrorsAreOpaque(t *testing.T) {
	h, _ := defaultHandler()
	h.archiver = &fakeArchiver{err: errors.New("pq: connection refused on 10.0.0.7")}

	w := doRequest(t, h, http.MethodGet, "/v1/depth/BTCUSDT/archived", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.7") {
		t.Error("internal detail leaked to the response")
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "internal error" {
		t.Errorf("envelope = %q", resp["error"])
	}
}

func TestGetVolatilityAnalysis(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/analysis/BTCUSDT/volatility?timeframe=1h&days=7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var a indicator.Analysis
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.MarketRegime != "Normal Range" {
		t.Errorf("regime = %s", a.MarketRegime)
	}

	w = doRequest(t, h, http.MethodGet, "/v1/analysis/BTCUSDT/volatility?days=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400 for bad days", w.Code)
	}
}

func TestTaskLifecycleRoutes(t *testing.T) {
	h, tasks := defaultHandler()

	w := doRequest(t, h, http.MethodPost, "/v1/tasks",
		`{"type":"backfill","payload":{"symbol":"BTCUSDT"},"priority":2}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("code = %d, body %s", w.Code, w.Body.String())
	}
	var created map[string]string
	json.Unmarshal(w.Body.Bytes(), &created)
	if created["task_id"] != "task-123" {
		t.Errorf("task_id = %q", created["task_id"])
	}

	// Missing type is rejected.
	w = doRequest(t, h, http.MethodPost, "/v1/tasks", `{"priority":2}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", w.Code)
	}

	// Unknown task id.
	w = doRequest(t, h, http.MethodGet, "/v1/tasks/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", w.Code)
	}

	tasks.status = &taskqueue.TaskStatus{ID: "task-123", Status: taskqueue.StatusCompleted}
	tasks.result = json.RawMessage(`{"rows":42}`)

	w = doRequest(t, h, http.MethodGet, "/v1/tasks/task-123", "")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d", w.Code)
	}
	w = doRequest(t, h, http.MethodGet, "/v1/tasks/task-123/result", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "42") {
		t.Errorf("result = %d %s", w.Code, w.Body.String())
	}
}

func TestGetSystemStatus(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/system/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp map[string]json.RawMessage
	json.Unmarshal(w.Body.Bytes(), &resp)
	for _, key := range []string{"running", "symbols", "stream", "queues"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("missing %s", key)
		}
	}
}

func TestGetMarketAnalysis(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/analysis/BTCUSDT/market", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Consolidation") {
		t.Errorf("body = %s", w.Body.String())
	}

	h.alerts = &fakeAlerts{analysis: nil}
	w = doRequest(t, h, http.MethodGet, "/v1/analysis/BTCUSDT/market", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", w.Code)
	}
}

func TestGetAlerts(t *testing.T) {
	h, _ := defaultHandler()
	w := doRequest(t, h, http.MethodGet, "/v1/alerts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "large_trade") {
		t.Errorf("body = %s", w.Body.String())
	}
}
