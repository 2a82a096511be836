package storage

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is the gorm-backed persistence layer. Safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	if err := db.AutoMigrate(
		&TradingPair{},
		&Ticker{},
		&HistoricalMetric{},
		&OrderBookSnapshot{},
		&MarketAnalysis{},
		&Alert{},
	); err != nil {
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertTradingPairs inserts or refreshes pair metadata keyed by symbol.
func (s *Store) UpsertTradingPairs(ctx context.Context, pairs []TradingPair) error {
	if len(pairs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"base_asset", "quote_asset", "is_active", "updated_at"}),
	}).Create(&pairs).Error
	if err != nil {
		return &PersistenceError{Op: "upsert trading pairs", Err: err}
	}
	return nil
}

// ActivePairs lists currently active trading pairs.
func (s *Store) ActivePairs(ctx context.Context) ([]TradingPair, error) {
	var pairs []TradingPair
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("symbol").Find(&pairs).Error
	if err != nil {
		return nil, &PersistenceError{Op: "list active pairs", Err: err}
	}
	return pairs, nil
}

// SaveTicker persists one ticker observation.
func (s *Store) SaveTicker(ctx context.Context, t *Ticker) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return &PersistenceError{Op: "save ticker", Err: err}
	}
	return nil
}

// UpsertMetrics writes candle+indicator rows, updating existing rows for the
// same (symbol, timeframe, timestamp) key. Runs in one transaction.
func (s *Store) UpsertMetrics(ctx context.Context, rows []HistoricalMetric) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "timestamp"}},
		UpdateAll: true,
	}).CreateInBatches(&rows, 500).Error
	if err != nil {
		return &PersistenceError{Op: "upsert metrics", Err: err}
	}
	return nil
}

// MetricsRange returns metric rows for one (symbol, timeframe) ordered
// ascending, bounded by the optional time range.
func (s *Store) MetricsRange(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]HistoricalMetric, error) {
	q := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe)
	if !start.IsZero() {
		q = q.Where("timestamp >= ?", start)
	}
	if !end.IsZero() {
		q = q.Where("timestamp <= ?", end)
	}
	var rows []HistoricalMetric
	if err := q.Order("timestamp asc").Find(&rows).Error; err != nil {
		return nil, &PersistenceError{Op: "metrics range", Err: err}
	}
	return rows, nil
}

// LatestMetricTime returns the newest stored timestamp for the key, zero
// when none exists.
func (s *Store) LatestMetricTime(ctx context.Context, symbol, timeframe string) (time.Time, error) {
	var row HistoricalMetric
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("timestamp desc").Limit(1).Find(&row).Error
	if err != nil {
		return time.Time{}, &PersistenceError{Op: "latest metric time", Err: err}
	}
	return row.Timestamp, nil
}

// SaveSnapshot persists one order-book observation.
func (s *Store) SaveSnapshot(ctx context.Context, snap *OrderBookSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	return nil
}

// LatestSnapshot returns the newest snapshot for a symbol, nil when absent.
func (s *Store) LatestSnapshot(ctx context.Context, symbol string) (*OrderBookSnapshot, error) {
	var snap OrderBookSnapshot
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("timestamp desc").Limit(1).Find(&snap).Error
	if err != nil {
		return nil, &PersistenceError{Op: "latest snapshot", Err: err}
	}
	if snap.ID == 0 {
		return nil, nil
	}
	return &snap, nil
}

// UnarchivedBefore lists raw snapshots older than the cutoff, oldest first.
func (s *Store) UnarchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]OrderBookSnapshot, error) {
	var snaps []OrderBookSnapshot
	err := s.db.WithContext(ctx).
		Where("is_archived = ? AND timestamp < ?", false, cutoff).
		Order("timestamp asc").Limit(limit).Find(&snaps).Error
	if err != nil {
		return nil, &PersistenceError{Op: "list unarchived", Err: err}
	}
	return snaps, nil
}

// ArchiveUpdate carries one snapshot's compressed replacement.
type ArchiveUpdate struct {
	ID         uint
	Compressed []byte
}

// ArchiveBatch applies one batch of compress-and-clear updates in a single
// transaction: the compressed blob is stored, the raw bid/ask fields are
// nulled, and the row is marked archived.
func (s *Store) ArchiveBatch(ctx context.Context, updates []ArchiveUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			res := tx.Model(&OrderBookSnapshot{}).
				Where("id = ?", u.ID).
				Updates(map[string]any{
					"compressed":  u.Compressed,
					"bids":        nil,
					"asks":        nil,
					"is_archived": true,
				})
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "archive batch", Err: err}
	}
	return nil
}

// DeleteArchivedBefore hard-deletes archived snapshots older than the
// cutoff, at most limit rows. Returns the number deleted.
func (s *Store) DeleteArchivedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("id IN (?)", s.db.Model(&OrderBookSnapshot{}).
			Select("id").
			Where("is_archived = ? AND timestamp < ?", true, cutoff).
			Limit(limit)).
		Delete(&OrderBookSnapshot{})
	if res.Error != nil {
		return 0, &PersistenceError{Op: "delete archived", Err: res.Error}
	}
	return res.RowsAffected, nil
}

// ArchivedRange lists archived snapshots for a symbol within a time range,
// oldest first.
func (s *Store) ArchivedRange(ctx context.Context, symbol string, start, end time.Time) ([]OrderBookSnapshot, error) {
	var snaps []OrderBookSnapshot
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND is_archived = ? AND timestamp >= ? AND timestamp <= ?",
			symbol, true, start, end).
		Order("timestamp asc").Find(&snaps).Error
	if err != nil {
		return nil, &PersistenceError{Op: "archived range", Err: err}
	}
	return snaps, nil
}

// SaveAnalysis persists one regime-classification result.
func (s *Store) SaveAnalysis(ctx context.Context, a *MarketAnalysis) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return &PersistenceError{Op: "save analysis", Err: err}
	}
	return nil
}

// LatestAnalysis returns the newest stored analysis for a key, nil when
// absent.
func (s *Store) LatestAnalysis(ctx context.Context, symbol, timeframe string) (*MarketAnalysis, error) {
	var a MarketAnalysis
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("timestamp desc").Limit(1).Find(&a).Error
	if err != nil {
		return nil, &PersistenceError{Op: "latest analysis", Err: err}
	}
	if a.ID == 0 {
		return nil, nil
	}
	return &a, nil
}

// SaveAlert persists one monitoring alert.
func (s *Store) SaveAlert(ctx context.Context, a *Alert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return &PersistenceError{Op: "save alert", Err: err}
	}
	return nil
}

// RecentAlerts lists alerts newer than the cutoff, newest first.
func (s *Store) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]Alert, error) {
	var alerts []Alert
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at desc").Limit(limit).Find(&alerts).Error
	if err != nil {
		return nil, &PersistenceError{Op: "recent alerts", Err: err}
	}
	return alerts, nil
}
