// Package server is the thin HTTP route layer over the analytics services.
// Handlers translate every internal failure into a stable {"error": ...}
// envelope without leaking detail.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
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

// BookReader reads reconciled order-book state.
type BookReader interface {
	Metrics(symbol string) (depth.Metrics, bool)
	TopN(symbol string, n int) (depth.BookView, bool)
}

// MonitorReader reads depth-metric history.
type MonitorReader interface {
	Summarize(symbol string) (monitor.Summary, bool)
}

// Archiver reads archived depth history.
type Archiver interface {
	Range(ctx context.Context, symbol string, start, end time.Time) ([]archive.ArchivedEntry, error)
}

// Analyzer computes volatility and regime analysis on demand.
type Analyzer interface {
	Analyze(ctx context.Context, symbol, timeframe string, days int) (*indicator.Analysis, error)
}

// Tasks is the queue surface exposed over HTTP.
type Tasks interface {
	Enqueue(ctx context.Context, taskType string, payload any, priority int, delay time.Duration) (string, error)
	Status(ctx context.Context, id string) (*taskqueue.TaskStatus, error)
	Result(ctx context.Context, id string) (json.RawMessage, error)
	Depths(ctx context.Context) (map[string]int64, error)
}

// StatusSource reports collection-side state.
type StatusSource interface {
	Running() bool
	Symbols() []string
	StreamHealth() exchange.StreamHealth
}

// AlertReader reads persisted alerts and analyses.
type AlertReader interface {
	RecentAlerts(ctx context.Context, since time.Time, limit int) ([]storage.Alert, error)
	LatestAnalysis(ctx context.Context, symbol, timeframe string) (*storage.MarketAnalysis, error)
}

// Handler carries the route dependencies.
type Handler struct {
	books     BookReader
	monitor   MonitorReader
	archiver  Archiver
	analyzer  Analyzer
	tasks     Tasks
	collector StatusSource
	alerts    AlertReader
	log       *logrus.Entry
}

// NewHandler wires the HTTP handlers.
func NewHandler(
	books BookReader,
	mon MonitorReader,
	archiver Archiver,
	analyzer Analyzer,
	tasks Tasks,
	collector StatusSource,
	alerts AlertReader,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		books:     books,
		monitor:   mon,
		archiver:  archiver,
		analyzer:  analyzer,
		tasks:     tasks,
		collector: collector,
		alerts:    alerts,
		log:       logger.WithField("component", "server"),
	}
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// symbolParam normalizes the :symbol path segment; book and store keys are
// uppercase.
func symbolParam(c *gin.Context) string {
	return strings.ToUpper(c.Param("symbol"))
}

// internalError logs the real cause and answers with a generic envelope.
func (h *Handler) internalError(c *gin.Context, err error) {
	h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	fail(c, http.StatusInternalServerError, "internal error")
}

// GetDepthSummary answers GET /depth/:symbol/summary.
func (h *Handler) GetDepthSummary(c *gin.Context) {
	symbol := symbolParam(c)

	metrics, ok := h.books.Metrics(symbol)
	if !ok {
		fail(c, http.StatusNotFound, "no live book for symbol")
		return
	}
	resp := gin.H{"metrics": metrics}
	if summary, ok := h.monitor.Summarize(symbol); ok {
		resp["history"] = summary
	}
	c.JSON(http.StatusOK, resp)
}

// GetDepthTop answers GET /depth/:symbol/top.
func (h *Handler) GetDepthTop(c *gin.Context) {
	symbol := symbolParam(c)
	n, err := strconv.Atoi(c.DefaultQuery("levels", "20"))
	if err != nil || n <= 0 {
		fail(c, http.StatusBadRequest, "levels must be a positive integer")
		return
	}
	view, ok := h.books.TopN(symbol, n)
	if !ok {
		fail(c, http.StatusNotFound, "no live book for symbol")
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetArchivedRange answers GET /depth/:symbol/archived.
func (h *Handler) GetArchivedRange(c *gin.Context) {
	symbol := symbolParam(c)
	start, err := parseTimeParam(c.Query("start"))
	if err != nil {
		fail(c, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := parseTimeParam(c.Query("end"))
	if err != nil {
		fail(c, http.StatusBadRequest, "end must be RFC3339")
		return
	}
	if end.IsZero() {
		end = time.Now()
	}

	entries, err := h.archiver.Range(c.Request.Context(), symbol, start, end)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "count": len(entries), "entries": entries})
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// GetVolatilityAnalysis answers GET /analysis/:symbol/volatility.
func (h *Handler) GetVolatilityAnalysis(c *gin.Context) {
	symbol := symbolParam(c)
	timeframe := c.DefaultQuery("timeframe", "1h")
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		fail(c, http.StatusBadRequest, "days must be a positive integer")
		return
	}

	analysis, err := h.analyzer.Analyze(c.Request.Context(), symbol, timeframe, days)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// GetMarketAnalysis answers GET /analysis/:symbol/market with the latest
// stored classification.
func (h *Handler) GetMarketAnalysis(c *gin.Context) {
	symbol := symbolParam(c)
	timeframe := c.DefaultQuery("timeframe", "1h")

	latest, err := h.alerts.LatestAnalysis(c.Request.Context(), symbol, timeframe)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if latest == nil {
		fail(c, http.StatusNotFound, "no analysis stored for symbol")
		return
	}
	c.JSON(http.StatusOK, latest)
}

// GetAlerts answers GET /alerts.
func (h *Handler) GetAlerts(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		fail(c, http.StatusBadRequest, "hours must be a positive integer")
		return
	}
	alerts, err := h.alerts.RecentAlerts(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour), 200)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(alerts), "alerts": alerts})
}

// GetSystemStatus answers GET /system/status.
func (h *Handler) GetSystemStatus(c *gin.Context) {
	status := gin.H{
		"running": h.collector.Running(),
		"symbols": h.collector.Symbols(),
		"stream":  h.collector.StreamHealth(),
	}
	if depths, err := h.tasks.Depths(c.Request.Context()); err == nil {
		status["queues"] = depths
	}
	c.JSON(http.StatusOK, status)
}

// enqueueRequest is the POST /tasks body.
type enqueueRequest struct {
	Type         string          `json:"type" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	DelaySeconds int             `json:"delay_seconds"`
}

// CreateTask answers POST /tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid task request")
		return
	}
	if req.Priority == 0 {
		req.Priority = 3
	}
	id, err := h.tasks.Enqueue(
		c.Request.Context(),
		req.Type,
		req.Payload,
		req.Priority,
		time.Duration(req.DelaySeconds)*time.Second,
	)
	if err != nil {
		fail(c, http.StatusBadRequest, "task not accepted")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

// GetTaskStatus answers GET /tasks/:id.
func (h *Handler) GetTaskStatus(c *gin.Context) {
	status, err := h.tasks.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	if status == nil {
		fail(c, http.StatusNotFound, "unknown task")
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetTaskResult answers GET /tasks/:id/result.
func (h *Handler) GetTaskResult(c *gin.Context) {
	result, err := h.tasks.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	if result == nil {
		fail(c, http.StatusNotFound, "no result available")
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}
