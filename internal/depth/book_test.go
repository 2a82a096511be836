package depth

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/YCLstock/quant-crypto/internal/exchange"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func diff(symbol string, first, final int64, bids, asks []exchange.PriceLevel) *exchange.DepthEvent {
	return &exchange.DepthEvent{
		Symbol:        symbol,
		EventTime:     time.Now(),
		FirstUpdateID: first,
		FinalUpdateID: final,
		Bids:          bids,
		Asks:          asks,
	}
}

func seededReconciler(t *testing.T, symbol string, snapID int64) *Reconciler {
	t.Helper()
	r := NewReconciler(testLogger())
	r.ResetFromSnapshot(symbol, &exchange.BookSnapshot{
		LastUpdateID: snapID,
		Bids:         []exchange.PriceLevel{{Price: 100, Qty: 1}, {Price: 99, Qty: 2}},
		Asks:         []exchange.PriceLevel{{Price: 101, Qty: 1}, {Price: 102, Qty: 2}},
	})
	return r
}

func TestApplyUpdateUpsertAndRemove(t *testing.T) {
	r := seededReconciler(t, "BTCUSDT", 10)

	err := r.ApplyUpdate(diff("BTCUSDT", 11, 11,
		[]exchange.PriceLevel{{Price: 100, Qty: 5}, {Price: 99, Qty: 0}},
		[]exchange.PriceLevel{{Price: 103, Qty: 4}}))
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	view, ok := r.TopN("BTCUSDT", 10)
	if !ok {
		t.Fatal("expected usable book")
	}
	if len(view.Bids) != 1 || view.Bids[0].Price != 100 || view.Bids[0].Qty != 5 {
		t.Errorf("bids = %+v, want single level 100@5", view.Bids)
	}
	if len(view.Asks) != 3 {
		t.Errorf("asks = %+v, want 3 levels", view.Asks)
	}
	if view.LastUpdateID != 11 {
		t.Errorf("LastUpdateID = %d, want 11", view.LastUpdateID)
	}
}

func TestTopNOrderingAndTruncation(t *testing.T) {
	r := seededReconciler(t, "BTCUSDT", 10)

	view, ok := r.TopN("BTCUSDT", 1)
	if !ok {
		t.Fatal("expected usable book")
	}
	if len(view.Bids) != 1 || view.Bids[0].Price != 100 {
		t.Errorf("top bid = %+v, want 100", view.Bids)
	}
	if len(view.Asks) != 1 || view.Asks[0].Price != 101 {
		t.Errorf("top ask = %+v, want 101", view.Asks)
	}
}

func TestStaleDiffIgnored(t *testing.T) {
	r := seededReconciler(t, "BTCUSDT", 10)

	if err := r.ApplyUpdate(diff("BTCUSDT", 5, 9,
		[]exchange.PriceLevel{{Price: 50, Qty: 1}}, nil)); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	view, _ := r.TopN("BTCUSDT", 10)
	for _, lvl := range view.Bids {
		if lvl.Price == 50 {
			t.Error("stale diff was applied")
		}
	}
	if view.LastUpdateID != 10 {
		t.Errorf("LastUpdateID = %d, want 10", view.LastUpdateID)
	}
}

func TestGapDetection(t *testing.T) {
	r := seededReconciler(t, "BTCUSDT", 10)

	err := r.ApplyUpdate(diff("BTCUSDT", 15, 16,
		[]exchange.PriceLevel{{Price: 98, Qty: 1}}, nil))
	var gap *SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected SequenceGapError, got %v", err)
	}
	if gap.Expected != 11 || gap.Got != 15 {
		t.Errorf("gap = %+v, want expected 11 got 15", gap)
	}
	if !r.Stale("BTCUSDT") {
		t.Error("book should be stale after gap")
	}
	if _, ok := r.TopN("BTCUSDT", 10); ok {
		t.Error("stale book must not serve reads")
	}
}

// Applying diffs one at a time must produce the same book as applying them in
// any order-preserving grouping.
func TestGroupingEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	var diffs []*exchange.DepthEvent
	id := int64(11)
	for i := 0; i < 50; i++ {
		price := float64(90 + rng.Intn(20))
		qty := float64(rng.Intn(5)) // 0 removals included
		d := diff("BTCUSDT", id, id,
			[]exchange.PriceLevel{{Price: price, Qty: qty}},
			[]exchange.PriceLevel{{Price: price + 30, Qty: qty}})
		diffs = append(diffs, d)
		id++
	}

	oneAtATime := seededReconciler(t, "BTCUSDT", 10)
	for _, d := range diffs {
		if err := oneAtATime.ApplyUpdate(d); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
	}

	grouped := seededReconciler(t, "BTCUSDT", 10)
	for i := 0; i < len(diffs); {
		n := 1 + rng.Intn(7)
		if i+n > len(diffs) {
			n = len(diffs) - i
		}
		merged := diff("BTCUSDT", diffs[i].FirstUpdateID, diffs[i+n-1].FinalUpdateID, nil, nil)
		for _, d := range diffs[i : i+n] {
			merged.Bids = append(merged.Bids, d.Bids...)
			merged.Asks = append(merged.Asks, d.Asks...)
		}
		if err := grouped.ApplyUpdate(merged); err != nil {
			t.Fatalf("ApplyUpdate grouped: %v", err)
		}
		i += n
	}

	a, _ := oneAtATime.TopN("BTCUSDT", 0)
	b, _ := grouped.TopN("BTCUSDT", 0)
	if len(a.Bids) != len(b.Bids) || len(a.Asks) != len(b.Asks) {
		t.Fatalf("level counts differ: %d/%d vs %d/%d",
			len(a.Bids), len(a.Asks), len(b.Bids), len(b.Asks))
	}
	for i := range a.Bids {
		if a.Bids[i] != b.Bids[i] {
			t.Errorf("bid %d differs: %+v vs %+v", i, a.Bids[i], b.Bids[i])
		}
	}
	for i := range a.Asks {
		if a.Asks[i] != b.Asks[i] {
			t.Errorf("ask %d differs: %+v vs %+v", i, a.Asks[i], b.Asks[i])
		}
	}
	if a.LastUpdateID != b.LastUpdateID {
		t.Errorf("LastUpdateID differs: %d vs %d", a.LastUpdateID, b.LastUpdateID)
	}
}

// After a gap and resync, the book must equal snapshot plus only the buffered
// diffs newer than the snapshot id.
func TestResyncEquivalence(t *testing.T) {
	r := seededReconciler(t, "BTCUSDT", 10)

	// Gap: ids 11-14 lost.
	gapDiff := diff("BTCUSDT", 15, 15,
		[]exchange.PriceLevel{{Price: 97, Qty: 3}}, nil)
	if err := r.ApplyUpdate(gapDiff); err == nil {
		t.Fatal("expected gap error")
	}

	// More diffs arrive while stale; one is older than the snapshot we
	// will resync to and must be discarded.
	older := diff("BTCUSDT", 16, 16,
		[]exchange.PriceLevel{{Price: 96, Qty: 9}}, nil)
	newer := diff("BTCUSDT", 21, 21,
		[]exchange.PriceLevel{{Price: 95, Qty: 4}},
		[]exchange.PriceLevel{{Price: 104, Qty: 4}})
	if err := r.ApplyUpdate(older); err != nil {
		t.Fatalf("buffering while stale: %v", err)
	}
	if err := r.ApplyUpdate(newer); err != nil {
		t.Fatalf("buffering while stale: %v", err)
	}

	snap := &exchange.BookSnapshot{
		LastUpdateID: 20,
		Bids:         []exchange.PriceLevel{{Price: 100, Qty: 2}},
		Asks:         []exchange.PriceLevel{{Price: 101, Qty: 2}},
	}
	r.ResetFromSnapshot("BTCUSDT", snap)

	// Ground truth: snapshot plus only the diff with id > 20.
	want := seededReconciler(t, "BTCUSDT", 0)
	want.ResetFromSnapshot("BTCUSDT", snap)
	if err := want.ApplyUpdate(newer); err != nil {
		t.Fatalf("ApplyUpdate ground truth: %v", err)
	}

	got, ok := r.TopN("BTCUSDT", 0)
	if !ok {
		t.Fatal("book should be usable after resync")
	}
	expect, _ := want.TopN("BTCUSDT", 0)

	if got.LastUpdateID != expect.LastUpdateID {
		t.Errorf("LastUpdateID = %d, want %d", got.LastUpdateID, expect.LastUpdateID)
	}
	if len(got.Bids) != len(expect.Bids) {
		t.Fatalf("bids = %+v, want %+v", got.Bids, expect.Bids)
	}
	for i := range got.Bids {
		if got.Bids[i] != expect.Bids[i] {
			t.Errorf("bid %d = %+v, want %+v", i, got.Bids[i], expect.Bids[i])
		}
	}
	for _, lvl := range got.Bids {
		if lvl.Price == 96 {
			t.Error("diff older than snapshot id was replayed")
		}
	}
}

func TestMetrics(t *testing.T) {
	r := seededReconciler(t, "BTCUSDT", 10)

	m, ok := r.Metrics("BTCUSDT")
	if !ok {
		t.Fatal("expected metrics")
	}
	if m.BestBid != 100 || m.BestAsk != 101 {
		t.Errorf("best bid/ask = %v/%v, want 100/101", m.BestBid, m.BestAsk)
	}
	if m.Spread != 1 {
		t.Errorf("spread = %v, want 1", m.Spread)
	}
	if m.MidPrice != 100.5 {
		t.Errorf("mid price = %v, want 100.5", m.MidPrice)
	}
	if m.BidVolume != 3 || m.AskVolume != 3 {
		t.Errorf("volumes = %v/%v, want 3/3", m.BidVolume, m.AskVolume)
	}
	if m.Imbalance != 0 {
		t.Errorf("imbalance = %v, want 0", m.Imbalance)
	}
}

func TestFirstDiffSignalsSnapshotNeeded(t *testing.T) {
	r := NewReconciler(testLogger())
	err := r.ApplyUpdate(diff("ETHUSDT", 1, 1,
		[]exchange.PriceLevel{{Price: 2000, Qty: 1}}, nil))
	var gap *SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected SequenceGapError on first diff, got %v", err)
	}
	// Subsequent diffs buffer quietly.
	if err := r.ApplyUpdate(diff("ETHUSDT", 2, 2, nil, nil)); err != nil {
		t.Fatalf("buffering: %v", err)
	}
}
