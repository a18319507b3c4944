package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	appconfig "marketfeed/config"
	"marketfeed/models"
)

// OrderBook mirrors one symbol's bid/ask ladder from snapshot and
// incremental frames. Bids stay strictly descending, asks strictly
// ascending, no duplicate price per side, and both sides are truncated to
// maxDepth after every mutation. Mutations arrive from the single
// frame-processor goroutine; the mutex protects concurrent readers.
type OrderBook struct {
	symbol           string
	maxDepth         int
	maxSpreadBps     float64
	stalenessWindow  time.Duration
	crossedTolerance float64

	mu         sync.RWMutex
	bids       []models.PriceLevel
	asks       []models.PriceLevel
	sequence   int64
	lastUpdate time.Time
}

func NewOrderBook(symbol string, cfg appconfig.OrderbookConfig) *OrderBook {
	return &OrderBook{
		symbol:           symbol,
		maxDepth:         cfg.MaxDepth,
		maxSpreadBps:     cfg.MaxSpreadBps,
		stalenessWindow:  cfg.StalenessWindow,
		crossedTolerance: cfg.CrossedTolerance,
	}
}

// ApplySnapshot replaces both sides wholesale. Zero-size rows are filtered,
// sides are re-sorted and truncated. A book crossed beyond tolerance rejects
// the snapshot and keeps the previous state.
func (b *OrderBook) ApplySnapshot(bids, asks []models.PriceLevel, now time.Time) error {
	newBids := sanitizeSide(bids, true, b.maxDepth)
	newAsks := sanitizeSide(asks, false, b.maxDepth)

	if err := checkNotCrossed(newBids, newAsks, b.crossedTolerance); err != nil {
		return fmt.Errorf("snapshot rejected for %s: %w", b.symbol, err)
	}

	b.mu.Lock()
	b.bids = newBids
	b.asks = newAsks
	b.sequence++
	b.lastUpdate = now
	b.mu.Unlock()
	return nil
}

// ApplyChanges applies a batch of incremental level changes. Size zero
// removes a level, a positive size updates in place or inserts at the sorted
// position. The whole batch is applied to a working copy and committed only
// when the resulting book is valid; otherwise the previous state is kept.
func (b *OrderBook) ApplyChanges(changes []Change, now time.Time) error {
	b.mu.RLock()
	workBids := append([]models.PriceLevel(nil), b.bids...)
	workAsks := append([]models.PriceLevel(nil), b.asks...)
	b.mu.RUnlock()

	for _, change := range changes {
		if change.Side == models.SideBuy {
			workBids = applyChange(workBids, change, true)
		} else {
			workAsks = applyChange(workAsks, change, false)
		}
	}

	workBids = truncateSide(workBids, b.maxDepth)
	workAsks = truncateSide(workAsks, b.maxDepth)

	if err := checkNotCrossed(workBids, workAsks, b.crossedTolerance); err != nil {
		return fmt.Errorf("update rejected for %s: %w", b.symbol, err)
	}

	b.mu.Lock()
	b.bids = workBids
	b.asks = workAsks
	b.sequence++
	b.lastUpdate = now
	b.mu.Unlock()
	return nil
}

// Change is one parsed incremental update row.
type Change struct {
	Side  models.Side
	Price float64
	Size  float64
}

// sanitizeSide filters non-positive sizes, sorts, removes duplicate prices
// keeping the last occurrence, and truncates to depth.
func sanitizeSide(levels []models.PriceLevel, descending bool, depth int) []models.PriceLevel {
	byPrice := make(map[float64]float64, len(levels))
	for _, level := range levels {
		if level.Size <= 0 || level.Price <= 0 {
			continue
		}
		byPrice[level.Price] = level.Size
	}
	out := make([]models.PriceLevel, 0, len(byPrice))
	for price, size := range byPrice {
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return truncateSide(out, depth)
}

// applyChange mutates one sorted side in place for a single change.
func applyChange(side []models.PriceLevel, change Change, descending bool) []models.PriceLevel {
	idx := sort.Search(len(side), func(i int) bool {
		if descending {
			return side[i].Price <= change.Price
		}
		return side[i].Price >= change.Price
	})
	found := idx < len(side) && side[idx].Price == change.Price

	if change.Size <= 0 {
		if found {
			side = append(side[:idx], side[idx+1:]...)
		}
		return side
	}
	if found {
		side[idx].Size = change.Size
		return side
	}
	side = append(side, models.PriceLevel{})
	copy(side[idx+1:], side[idx:])
	side[idx] = models.PriceLevel{Price: change.Price, Size: change.Size}
	return side
}

// truncateSide keeps the best depth levels. Both sides are sorted best
// first, so the tail holds the worst prices.
func truncateSide(side []models.PriceLevel, depth int) []models.PriceLevel {
	if depth > 0 && len(side) > depth {
		return side[:depth]
	}
	return side
}

// checkNotCrossed rejects books whose best bid exceeds the best ask by more
// than toleranceBps.
func checkNotCrossed(bids, asks []models.PriceLevel, toleranceBps float64) error {
	if len(bids) == 0 || len(asks) == 0 {
		return nil
	}
	bestBid := bids[0].Price
	bestAsk := asks[0].Price
	if bestBid > bestAsk*(1+toleranceBps/10000) {
		return fmt.Errorf("crossed book: best bid %.8f above best ask %.8f", bestBid, bestAsk)
	}
	return nil
}

// Snapshot returns an immutable copy of the book with derived mid, spread
// and spread-bps fields.
func (b *OrderBook) Snapshot() models.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := models.BookSnapshot{
		Symbol:     b.symbol,
		Bids:       append([]models.PriceLevel(nil), b.bids...),
		Asks:       append([]models.PriceLevel(nil), b.asks...),
		Sequence:   b.sequence,
		LastUpdate: b.lastUpdate,
	}
	if len(b.bids) > 0 && len(b.asks) > 0 {
		bestBid := b.bids[0].Price
		bestAsk := b.asks[0].Price
		snap.MidPrice = (bestBid + bestAsk) / 2
		snap.Spread = bestAsk - bestBid
		if snap.MidPrice > 0 {
			snap.SpreadBps = snap.Spread / snap.MidPrice * 10000
		}
	}
	return snap
}

// MidPrice returns the mid price; ok is false when either side is empty.
func (b *OrderBook) MidPrice() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return (b.bids[0].Price + b.asks[0].Price) / 2, true
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (b *OrderBook) SpreadBps() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spreadBpsLocked()
}

func (b *OrderBook) spreadBpsLocked() (float64, bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	mid := (b.bids[0].Price + b.asks[0].Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return (b.asks[0].Price - b.bids[0].Price) / mid * 10000, true
}

// AnalyzeLiquidity walks the opposing side for a target size: a BUY consumes
// asks from the best price outward, a SELL consumes bids. Thin books return
// a partial fill in the report, never an error.
func (b *OrderBook) AnalyzeLiquidity(size float64, side models.Side) models.LiquidityReport {
	b.mu.RLock()
	defer b.mu.RUnlock()

	report := models.LiquidityReport{
		Symbol:        b.symbol,
		Side:          side,
		RequestedSize: size,
	}
	if size <= 0 {
		return report
	}

	levels := b.asks
	if side == models.SideSell {
		levels = b.bids
	}

	remaining := size
	notional := 0.0
	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		take := level.Size
		if take > remaining {
			take = remaining
		}
		notional += take * level.Price
		remaining -= take
		report.AvailableSize += take
		report.WorstPrice = level.Price
		report.LevelsConsumed++
	}

	if report.AvailableSize > 0 {
		report.AveragePrice = notional / report.AvailableSize
	}
	if len(b.bids) > 0 && len(b.asks) > 0 && report.AveragePrice > 0 {
		mid := (b.bids[0].Price + b.asks[0].Price) / 2
		if mid > 0 {
			impact := (report.AveragePrice - mid) / mid * 10000
			if side == models.SideSell {
				impact = -impact
			}
			report.PriceImpactBps = impact
		}
	}
	return report
}

// IsHealthy reports whether the book has both sides, a sane spread and a
// recent update. Used for the aggregate health report, never as a gate on
// mutation.
func (b *OrderBook) IsHealthy(now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return false
	}
	spreadBps, ok := b.spreadBpsLocked()
	if !ok || spreadBps >= b.maxSpreadBps {
		return false
	}
	return now.Sub(b.lastUpdate) <= b.stalenessWindow
}

// Depth returns the number of levels on each side.
func (b *OrderBook) Depth() (int, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids), len(b.asks)
}
