// Package depth reconstructs per-symbol order books from incremental diffs.
// Book state is mutated only through the Reconciler; readers always get
// copies, never the live maps.
package depth

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YCLstock/quant-crypto/internal/exchange"
)

// SequenceGapError reports a missing depth update id. The symbol's book is
// stale until a snapshot resync completes.
type SequenceGapError struct {
	Symbol   string
	Expected int64
	Got      int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("depth: %s update gap, expected id %d got %d", e.Symbol, e.Expected, e.Got)
}

// maxBuffered caps per-symbol diff buffering while a book is stale.
const maxBuffered = 1000

// book is one symbol's live state. Quantities are keyed by exact price.
type book struct {
	bids         map[float64]float64
	asks         map[float64]float64
	lastUpdateID int64
	stale        bool
	buffered     []*exchange.DepthEvent
	updatedAt    time.Time
}

// BookView is an immutable copy of one symbol's book at a consistent instant.
type BookView struct {
	Symbol       string
	Bids         []exchange.PriceLevel
	Asks         []exchange.PriceLevel
	LastUpdateID int64
	Timestamp    time.Time
}

// Metrics summarizes one symbol's book for monitoring and the API.
type Metrics struct {
	Symbol       string    `json:"symbol"`
	BestBid      float64   `json:"best_bid"`
	BestAsk      float64   `json:"best_ask"`
	Spread       float64   `json:"spread"`
	SpreadPct    float64   `json:"spread_pct"`
	MidPrice     float64   `json:"mid_price"`
	BidVolume    float64   `json:"bid_volume"`
	AskVolume    float64   `json:"ask_volume"`
	Imbalance    float64   `json:"imbalance"`
	Levels       int       `json:"levels"`
	LastUpdateID int64     `json:"last_update_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Reconciler maintains per-symbol order books from incremental diffs. A gap
// in update ids marks the symbol stale; diffs arriving while stale are
// buffered and replayed after ResetFromSnapshot.
type Reconciler struct {
	mu    sync.Mutex
	books map[string]*book
	log   *logrus.Entry
}

// NewReconciler creates an empty reconciler.
func NewReconciler(logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		books: make(map[string]*book),
		log:   logger.WithField("component", "depth"),
	}
}

func (r *Reconciler) bookFor(symbol string) *book {
	b, ok := r.books[symbol]
	if !ok {
		b = &book{
			bids:  make(map[float64]float64),
			asks:  make(map[float64]float64),
			stale: true,
		}
		r.books[symbol] = b
	}
	return b
}

// ApplyUpdate folds one diff into the symbol's book. Returns a
// SequenceGapError when the diff's first id skips past the local state; the
// caller is expected to fetch a snapshot and call ResetFromSnapshot. While
// the book is stale, diffs are buffered for replay and nil is returned.
func (r *Reconciler) ApplyUpdate(diff *exchange.DepthEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bookFor(diff.Symbol)

	if b.stale {
		b.buffered = append(b.buffered, diff)
		if len(b.buffered) > maxBuffered {
			b.buffered = b.buffered[len(b.buffered)-maxBuffered:]
		}
		if b.lastUpdateID == 0 && len(b.buffered) == 1 {
			// First diff ever seen for this symbol: signal that a
			// snapshot is needed to initialize the book.
			return &SequenceGapError{Symbol: diff.Symbol, Expected: 0, Got: diff.FirstUpdateID}
		}
		return nil
	}

	// Stale-by-time diffs carry nothing new.
	if diff.FinalUpdateID <= b.lastUpdateID {
		return nil
	}

	if diff.FirstUpdateID > b.lastUpdateID+1 {
		b.stale = true
		b.buffered = append(b.buffered[:0], diff)
		r.log.WithFields(logrus.Fields{
			"symbol":   diff.Symbol,
			"expected": b.lastUpdateID + 1,
			"got":      diff.FirstUpdateID,
		}).Warn("depth sequence gap, book marked stale")
		return &SequenceGapError{Symbol: diff.Symbol, Expected: b.lastUpdateID + 1, Got: diff.FirstUpdateID}
	}

	applyLevels(b, diff)
	return nil
}

func applyLevels(b *book, diff *exchange.DepthEvent) {
	for _, lvl := range diff.Bids {
		if lvl.Qty == 0 {
			delete(b.bids, lvl.Price)
		} else {
			b.bids[lvl.Price] = lvl.Qty
		}
	}
	for _, lvl := range diff.Asks {
		if lvl.Qty == 0 {
			delete(b.asks, lvl.Price)
		} else {
			b.asks[lvl.Price] = lvl.Qty
		}
	}
	b.lastUpdateID = diff.FinalUpdateID
	b.updatedAt = diff.EventTime
}

// ResetFromSnapshot replaces the symbol's book with a ground-truth snapshot,
// then replays buffered diffs whose final id is greater than the snapshot's
// id. Older buffered diffs are discarded.
func (r *Reconciler) ResetFromSnapshot(symbol string, snap *exchange.BookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bookFor(symbol)
	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Bids {
		if lvl.Qty > 0 {
			b.bids[lvl.Price] = lvl.Qty
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Qty > 0 {
			b.asks[lvl.Price] = lvl.Qty
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.updatedAt = time.Now()
	b.stale = false

	buffered := b.buffered
	b.buffered = nil
	replayed := 0
	for _, diff := range buffered {
		if diff.FinalUpdateID <= snap.LastUpdateID {
			continue
		}
		applyLevels(b, diff)
		replayed++
	}
	r.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"id":       snap.LastUpdateID,
		"replayed": replayed,
	}).Info("book reset from snapshot")
}

// Stale reports whether the symbol's book needs a snapshot resync.
func (r *Reconciler) Stale(symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[symbol]
	return !ok || b.stale
}

// TopN returns the top n bids (price descending) and asks (price ascending)
// as a consistent copy. ok is false when the symbol has no usable book.
func (r *Reconciler) TopN(symbol string, n int) (view BookView, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.books[symbol]
	if !exists || b.stale {
		return BookView{}, false
	}

	view = BookView{
		Symbol:       symbol,
		Bids:         sortedLevels(b.bids, true),
		Asks:         sortedLevels(b.asks, false),
		LastUpdateID: b.lastUpdateID,
		Timestamp:    b.updatedAt,
	}
	if n > 0 {
		if len(view.Bids) > n {
			view.Bids = view.Bids[:n]
		}
		if len(view.Asks) > n {
			view.Asks = view.Asks[:n]
		}
	}
	return view, true
}

func sortedLevels(side map[float64]float64, descending bool) []exchange.PriceLevel {
	levels := make([]exchange.PriceLevel, 0, len(side))
	for price, qty := range side {
		levels = append(levels, exchange.PriceLevel{Price: price, Qty: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// Metrics derives spread, volume, and imbalance figures from the current
// book. ok is false when the book is stale or one side is empty.
func (r *Reconciler) Metrics(symbol string) (Metrics, bool) {
	view, ok := r.TopN(symbol, 0)
	if !ok || len(view.Bids) == 0 || len(view.Asks) == 0 {
		return Metrics{}, false
	}

	var bidVol, askVol float64
	for _, lvl := range view.Bids {
		bidVol += lvl.Qty
	}
	for _, lvl := range view.Asks {
		askVol += lvl.Qty
	}

	best := view.Bids[0].Price
	ask := view.Asks[0].Price
	mid := (best + ask) / 2
	m := Metrics{
		Symbol:       symbol,
		BestBid:      best,
		BestAsk:      ask,
		Spread:       ask - best,
		MidPrice:     mid,
		BidVolume:    bidVol,
		AskVolume:    askVol,
		Levels:       len(view.Bids) + len(view.Asks),
		LastUpdateID: view.LastUpdateID,
		Timestamp:    view.Timestamp,
	}
	if mid > 0 {
		m.SpreadPct = (ask - best) / mid * 100
	}
	if total := bidVol + askVol; total > 0 {
		m.Imbalance = (bidVol - askVol) / total
	}
	return m, true
}

// Symbols lists symbols with any tracked state.
func (r *Reconciler) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.books))
	for sym := range r.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
