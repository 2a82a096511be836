// Package exchange talks to the upstream exchange: a resilient multiplexed
// websocket stream and a weight-budgeted REST client. Loosely-typed exchange
// JSON is validated once here and carried through the rest of the system as
// strongly-typed values.
package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Frame is one raw message from the multiplexed stream, tagged with the
// stream name it arrived on.
type Frame struct {
	Stream string
	Data   json.RawMessage
}

// PriceLevel is one validated order-book level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// TradeEvent is a validated trade frame.
type TradeEvent struct {
	Symbol       string
	Price        float64
	Quantity     float64
	TradeTime    time.Time
	IsBuyerMaker bool
}

// TickerEvent is a validated 24h rolling ticker frame.
type TickerEvent struct {
	Symbol           string
	EventTime        time.Time
	Open             float64
	High             float64
	Low              float64
	Close            float64
	Volume           float64
	QuoteVolume      float64
	TradeCount       int64
	PriceChange      float64
	PriceChangePct   float64
	WeightedAvgPrice float64
}

// DepthEvent is a validated incremental depth diff.
type DepthEvent struct {
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// BookSnapshot is a validated full order-book snapshot from REST.
type BookSnapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// Kline is one validated historical candle from REST.
type Kline struct {
	OpenTime    time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	CloseTime   time.Time
	QuoteVolume float64
	TradeCount  int64
}

// SymbolInfo describes one trading pair from exchange metadata.
type SymbolInfo struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	BaseCurrency  string `json:"baseAsset"`
	QuoteCurrency string `json:"quoteAsset"`
}

// wire shapes, decoded once at the boundary

type wireTrade struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

type wireTicker struct {
	EventType      string `json:"e"`
	EventTime      int64  `json:"E"`
	Symbol         string `json:"s"`
	PriceChange    string `json:"p"`
	PriceChangePct string `json:"P"`
	WeightedAvg    string `json:"w"`
	Last           string `json:"c"`
	Open           string `json:"o"`
	High           string `json:"h"`
	Low            string `json:"l"`
	Volume         string `json:"v"`
	QuoteVolume    string `json:"q"`
	TradeCount     int64  `json:"n"`
}

type wireDepth struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// StreamKind classifies a frame by its stream suffix.
type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindTrade
	KindTicker
	KindDepth
)

// ClassifyStream maps a stream name like "btcusdt@depth@100ms" to its kind.
func ClassifyStream(stream string) StreamKind {
	switch {
	case strings.Contains(stream, "@trade"):
		return KindTrade
	case strings.Contains(stream, "@ticker"):
		return KindTicker
	case strings.Contains(stream, "@depth"):
		return KindDepth
	default:
		return KindUnknown
	}
}

// ParseTrade validates a trade frame.
func ParseTrade(data json.RawMessage) (*TradeEvent, error) {
	var w wireTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	if w.Symbol == "" {
		return nil, &DataIntegrityError{Field: "symbol", Value: ""}
	}
	price, err := parsePositive(w.Symbol, "price", w.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parsePositive(w.Symbol, "quantity", w.Quantity)
	if err != nil {
		return nil, err
	}
	return &TradeEvent{
		Symbol:       w.Symbol,
		Price:        price,
		Quantity:     qty,
		TradeTime:    time.UnixMilli(w.TradeTime),
		IsBuyerMaker: w.IsBuyerMaker,
	}, nil
}

// ParseTicker validates a 24h ticker frame.
func ParseTicker(data json.RawMessage) (*TickerEvent, error) {
	var w wireTicker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	if w.Symbol == "" {
		return nil, &DataIntegrityError{Field: "symbol", Value: ""}
	}
	ev := &TickerEvent{
		Symbol:     w.Symbol,
		EventTime:  time.UnixMilli(w.EventTime),
		TradeCount: w.TradeCount,
	}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", w.Open, &ev.Open},
		{"high", w.High, &ev.High},
		{"low", w.Low, &ev.Low},
		{"close", w.Last, &ev.Close},
		{"volume", w.Volume, &ev.Volume},
		{"quote_volume", w.QuoteVolume, &ev.QuoteVolume},
	}
	for _, f := range fields {
		v, err := parseNonNegative(w.Symbol, f.name, f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	// Change fields may legitimately be negative.
	ev.PriceChange, _ = strconv.ParseFloat(w.PriceChange, 64)
	ev.PriceChangePct, _ = strconv.ParseFloat(w.PriceChangePct, 64)
	ev.WeightedAvgPrice, _ = strconv.ParseFloat(w.WeightedAvg, 64)
	return ev, nil
}

// ParseDepth validates an incremental depth frame. A quantity of zero is a
// level removal and is kept; negative or non-finite values reject the frame.
func ParseDepth(data json.RawMessage) (*DepthEvent, error) {
	var w wireDepth
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	if w.Symbol == "" {
		return nil, &DataIntegrityError{Field: "symbol", Value: ""}
	}
	if w.FinalUpdateID < w.FirstUpdateID {
		return nil, &DataIntegrityError{
			Symbol: w.Symbol,
			Field:  "update_id",
			Value:  fmt.Sprintf("U=%d u=%d", w.FirstUpdateID, w.FinalUpdateID),
		}
	}
	bids, err := parseLevels(w.Symbol, w.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(w.Symbol, w.Asks)
	if err != nil {
		return nil, err
	}
	return &DepthEvent{
		Symbol:        w.Symbol,
		EventTime:     time.UnixMilli(w.EventTime),
		FirstUpdateID: w.FirstUpdateID,
		FinalUpdateID: w.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

func parseLevels(symbol string, raw [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err := parsePositive(symbol, "price", lvl[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseNonNegative(symbol, "quantity", lvl[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

func parsePositive(symbol, field, raw string) (float64, error) {
	v, err := parseNonNegative(symbol, field, raw)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, &DataIntegrityError{Symbol: symbol, Field: field, Value: raw}
	}
	return v, nil
}

func parseNonNegative(symbol, field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &DataIntegrityError{Symbol: symbol, Field: field, Value: raw}
	}
	return v, nil
}
