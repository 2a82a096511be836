// Package storage persists market data through gorm on Postgres. Commits
// happen per unit of work; a failed batch rolls back and surfaces a
// PersistenceError so callers continue with the next batch.
package storage

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// PersistenceError wraps a failed database operation. The current batch has
// been rolled back; processing continues with the next one.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TradingPair is one tracked market.
type TradingPair struct {
	ID         uint   `gorm:"primaryKey"`
	Symbol     string `gorm:"uniqueIndex;size:20;not null"`
	BaseAsset  string `gorm:"size:10"`
	QuoteAsset string `gorm:"size:10"`
	IsActive   bool   `gorm:"index;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Ticker is one persisted 24h rolling ticker observation.
type Ticker struct {
	ID             uint      `gorm:"primaryKey"`
	Symbol         string    `gorm:"index:idx_ticker_symbol_time;size:20;not null"`
	Timestamp      time.Time `gorm:"index:idx_ticker_symbol_time;not null"`
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64
	QuoteVolume    float64
	PriceChangePct float64
	TradeCount     int64
	CreatedAt      time.Time
}

// HistoricalMetric is one candle with its computed indicators. Indicator
// columns are nullable: nil while the rolling window is unpopulated.
type HistoricalMetric struct {
	ID        uint      `gorm:"primaryKey"`
	Symbol    string    `gorm:"uniqueIndex:idx_metric_key;size:20;not null"`
	Timeframe string    `gorm:"uniqueIndex:idx_metric_key;size:4;not null"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_metric_key;not null"`

	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	TradeCount  int64

	Returns            *float64
	LogReturns         *float64
	Volatility         *float64
	RealizedVolatility *float64
	MA7                *float64
	MA25               *float64
	MA99               *float64
	RSI                *float64
	BollUpper          *float64
	BollMiddle         *float64
	BollLower          *float64
	BollWidth          *float64
	PriceMomentum      *float64
	VolumeMomentum     *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderBookSnapshot is one persisted depth observation. Raw bid/ask JSON is
// nulled once the row is archived into the compressed blob.
type OrderBookSnapshot struct {
	ID           uint      `gorm:"primaryKey"`
	Symbol       string    `gorm:"index:idx_book_symbol_time;size:20;not null"`
	Timestamp    time.Time `gorm:"index:idx_book_symbol_time;not null"`
	LastUpdateID int64
	Bids         datatypes.JSON
	Asks         datatypes.JSON
	IsSnapshot   bool
	IsArchived   bool `gorm:"index"`
	Compressed   []byte
	CreatedAt    time.Time
}

// MarketAnalysis is one stored regime-classification result.
type MarketAnalysis struct {
	ID           uint      `gorm:"primaryKey"`
	Symbol       string    `gorm:"index:idx_analysis_symbol_time;size:20;not null"`
	Timeframe    string    `gorm:"size:4;not null"`
	Timestamp    time.Time `gorm:"index:idx_analysis_symbol_time;not null"`
	MarketRegime string    `gorm:"size:32"`
	MarketScore  float64
	Payload      datatypes.JSON
	CreatedAt    time.Time
}

// Alert is one monitoring alert (large trade, depth degradation).
type Alert struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"index;size:20;not null"`
	AlertType string `gorm:"size:32;not null"`
	Severity  string `gorm:"size:16"`
	Message   string
	Payload   datatypes.JSON
	CreatedAt time.Time `gorm:"index"`
}
