// Package archive compresses aged order-book snapshots and prunes expired
// ones. Work proceeds in fixed-size batches with a commit per batch, so a
// crash loses at most one partially-committed batch.
package archive

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/storage"
)

// compressionLevel balances blob size against CPU on the archival path.
const compressionLevel = 6

// Payload is the serialized form of one archived snapshot. Decompression
// reproduces exactly this structure for range queries over archived history.
type Payload struct {
	Bids         []exchange.PriceLevel `json:"bids"`
	Asks         []exchange.PriceLevel `json:"asks"`
	Timestamp    time.Time             `json:"timestamp"`
	LastUpdateID int64                 `json:"last_update_id"`
}

// Compress serializes and zlib-compresses one payload.
func Compress(p *Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal payload: %w", err)
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress restores a payload from its compressed blob.
func Decompress(blob []byte) (*Payload, error) {
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("archive: open blob: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("archive: read blob: %w", err)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("archive: decode payload: %w", err)
	}
	return &p, nil
}

// SnapshotStore is the persistence surface the compactor needs.
type SnapshotStore interface {
	UnarchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]storage.OrderBookSnapshot, error)
	ArchiveBatch(ctx context.Context, updates []storage.ArchiveUpdate) error
	DeleteArchivedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	ArchivedRange(ctx context.Context, symbol string, start, end time.Time) ([]storage.OrderBookSnapshot, error)
}

// Config holds compactor thresholds.
type Config struct {
	// BatchSize is rows per commit during archive and cleanup.
	BatchSize int

	// ArchiveAfter is the age past which raw snapshots are compressed.
	ArchiveAfter time.Duration

	// DeleteAfter is the age past which archived snapshots are deleted.
	DeleteAfter time.Duration
}

// Compactor runs the archive and cleanup passes.
type Compactor struct {
	store SnapshotStore
	cfg   Config
	log   *logrus.Entry

	// now is time.Now in production; injected in tests.
	now func() time.Time
}

// New creates a compactor. BatchSize defaults to 100 when unset.
func New(store SnapshotStore, cfg Config, logger *logrus.Logger) *Compactor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Compactor{
		store: store,
		cfg:   cfg,
		log:   logger.WithField("component", "archive"),
		now:   time.Now,
	}
}

// ArchiveOld compresses raw snapshots older than the archive threshold,
// committing per batch. Returns the number of rows archived.
func (c *Compactor) ArchiveOld(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.cfg.ArchiveAfter)
	total := 0
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		snaps, err := c.store.UnarchivedBefore(ctx, cutoff, c.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(snaps) == 0 {
			break
		}

		updates := make([]storage.ArchiveUpdate, 0, len(snaps))
		for _, snap := range snaps {
			blob, err := compressSnapshot(&snap)
			if err != nil {
				c.log.WithError(err).WithField("id", snap.ID).Warn("skipping uncompressible snapshot")
				continue
			}
			updates = append(updates, storage.ArchiveUpdate{ID: snap.ID, Compressed: blob})
		}
		if len(updates) == 0 {
			break
		}
		if err := c.store.ArchiveBatch(ctx, updates); err != nil {
			return total, err
		}
		total += len(updates)

		if len(snaps) < c.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		c.log.WithField("archived", total).Info("archive pass complete")
	}
	return total, nil
}

func compressSnapshot(snap *storage.OrderBookSnapshot) ([]byte, error) {
	p := Payload{
		Timestamp:    snap.Timestamp,
		LastUpdateID: snap.LastUpdateID,
	}
	if len(snap.Bids) > 0 {
		if err := json.Unmarshal(snap.Bids, &p.Bids); err != nil {
			return nil, fmt.Errorf("archive: decode bids: %w", err)
		}
	}
	if len(snap.Asks) > 0 {
		if err := json.Unmarshal(snap.Asks, &p.Asks); err != nil {
			return nil, fmt.Errorf("archive: decode asks: %w", err)
		}
	}
	return Compress(&p)
}

// Cleanup hard-deletes archived snapshots past the retention threshold.
// Returns the number of rows deleted.
func (c *Compactor) Cleanup(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.cfg.DeleteAfter)
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := c.store.DeleteArchivedBefore(ctx, cutoff, c.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(c.cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		c.log.WithField("deleted", total).Info("cleanup pass complete")
	}
	return total, nil
}

// ArchivedEntry is one decompressed archived snapshot.
type ArchivedEntry struct {
	Symbol  string   `json:"symbol"`
	Payload *Payload `json:"payload"`
}

// Range decompresses archived snapshots for a symbol within a time range.
func (c *Compactor) Range(ctx context.Context, symbol string, start, end time.Time) ([]ArchivedEntry, error) {
	snaps, err := c.store.ArchivedRange(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	entries := make([]ArchivedEntry, 0, len(snaps))
	for _, snap := range snaps {
		p, err := Decompress(snap.Compressed)
		if err != nil {
			c.log.WithError(err).WithField("id", snap.ID).Warn("skipping unreadable archive blob")
			continue
		}
		entries = append(entries, ArchivedEntry{Symbol: snap.Symbol, Payload: p})
	}
	return entries, nil
}

// RunDaily runs archive and cleanup once per day. A failed pass retries
// after an hour instead of waiting for the next day.
func (c *Compactor) RunDaily(ctx context.Context) error {
	const (
		period  = 24 * time.Hour
		backoff = time.Hour
	)
	for {
		wait := period
		if _, err := c.ArchiveOld(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Error("archive pass failed")
			wait = backoff
		} else if _, err := c.Cleanup(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WithError(err).Error("cleanup pass failed")
			wait = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
