package book

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	appconfig "marketfeed/config"
	"marketfeed/logger"
	"marketfeed/models"
)

// SnapshotHandler receives a fresh snapshot after every applied mutation.
type SnapshotHandler func(symbol string, snapshot models.BookSnapshot)

// Manager owns one OrderBook per tracked symbol, routes inbound orderbook
// frames, keeps aggregate health stats and fans out snapshot callbacks.
type Manager struct {
	config *appconfig.Config
	log    *logger.Log

	mu       sync.RWMutex
	books    map[string]*OrderBook
	handlers []SnapshotHandler

	snapshotsApplied int64
	updatesApplied   int64
	updatesRejected  int64
}

func NewManager(cfg *appconfig.Config) *Manager {
	return &Manager{
		config: cfg,
		log:    logger.GetLogger(),
		books:  make(map[string]*OrderBook),
	}
}

// OnBookUpdate registers a callback invoked with a snapshot copy after every
// applied snapshot or incremental update.
func (m *Manager) OnBookUpdate(handler SnapshotHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

// HandleOrderbookMessage routes one v4_orderbook channel_data frame to the
// symbol's book. A rejected update keeps the previous book state; the error
// is returned for counting but processing continues frame by frame.
func (m *Manager) HandleOrderbookMessage(frame models.InboundFrame) error {
	symbol := frame.ID
	if symbol == "" {
		return fmt.Errorf("orderbook frame without symbol id")
	}

	var contents models.OrderbookContents
	if err := json.Unmarshal(frame.Contents, &contents); err != nil {
		return fmt.Errorf("failed to decode orderbook contents: %w", err)
	}

	book := m.ensureBook(symbol)
	now := time.Now()

	var err error
	switch contents.Type {
	case models.ContentsSnapshot:
		bids := parseWireLevels(contents.Bids)
		asks := parseWireLevels(contents.Asks)
		err = book.ApplySnapshot(bids, asks, now)
		if err == nil {
			m.mu.Lock()
			m.snapshotsApplied++
			m.mu.Unlock()
		}
	case models.ContentsUpdate:
		changes, parseErr := parseWireChanges(contents.Changes)
		if parseErr != nil {
			err = parseErr
			break
		}
		err = book.ApplyChanges(changes, now)
		if err == nil {
			m.mu.Lock()
			m.updatesApplied++
			m.mu.Unlock()
		}
	default:
		err = fmt.Errorf("unknown orderbook contents type %q", contents.Type)
	}

	if err != nil {
		m.mu.Lock()
		m.updatesRejected++
		m.mu.Unlock()
		m.log.WithComponent("book_manager").WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("orderbook mutation rejected")
		return err
	}

	logger.IncrementBookUpdate()

	snapshot := book.Snapshot()
	m.mu.RLock()
	handlers := append([]SnapshotHandler(nil), m.handlers...)
	m.mu.RUnlock()
	for _, handler := range handlers {
		handler(symbol, snapshot)
	}
	return nil
}

func (m *Manager) ensureBook(symbol string) *OrderBook {
	m.mu.RLock()
	book, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok {
		return book
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if book, ok = m.books[symbol]; ok {
		return book
	}
	book = NewOrderBook(symbol, m.config.Orderbook)
	m.books[symbol] = book
	m.log.WithComponent("book_manager").WithFields(logger.Fields{"symbol": symbol}).Info("tracking orderbook")
	return book
}

func parseWireLevels(levels []models.WireLevel) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(levels))
	for _, level := range levels {
		price, err1 := strconv.ParseFloat(level.Price, 64)
		size, err2 := strconv.ParseFloat(level.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out
}

func parseWireChanges(changes []models.BookChange) ([]Change, error) {
	out := make([]Change, 0, len(changes))
	for _, change := range changes {
		price, err := strconv.ParseFloat(change.Price, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid change price %q", change.Price)
		}
		size, err := strconv.ParseFloat(change.Size, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("invalid change size %q", change.Size)
		}
		side := models.SideBuy
		switch change.Side {
		case "bid", "buy", string(models.SideBuy):
			side = models.SideBuy
		case "ask", "sell", string(models.SideSell):
			side = models.SideSell
		default:
			return nil, fmt.Errorf("invalid change side %q", change.Side)
		}
		out = append(out, Change{Side: side, Price: price, Size: size})
	}
	return out, nil
}

// GetBook returns the tracked book for a symbol, or nil.
func (m *Manager) GetBook(symbol string) *OrderBook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[symbol]
}

// GetSnapshot returns an immutable snapshot for one symbol.
func (m *Manager) GetSnapshot(symbol string) (models.BookSnapshot, bool) {
	book := m.GetBook(symbol)
	if book == nil {
		return models.BookSnapshot{}, false
	}
	return book.Snapshot(), true
}

// GetAllSnapshots returns a snapshot per tracked symbol.
func (m *Manager) GetAllSnapshots() map[string]models.BookSnapshot {
	m.mu.RLock()
	books := make(map[string]*OrderBook, len(m.books))
	for symbol, book := range m.books {
		books[symbol] = book
	}
	m.mu.RUnlock()

	out := make(map[string]models.BookSnapshot, len(books))
	for symbol, book := range books {
		out[symbol] = book.Snapshot()
	}
	return out
}

// GetMidPrice returns the mid price for a symbol.
func (m *Manager) GetMidPrice(symbol string) (float64, bool) {
	book := m.GetBook(symbol)
	if book == nil {
		return 0, false
	}
	return book.MidPrice()
}

// GetSpreadBps returns the spread in basis points for a symbol.
func (m *Manager) GetSpreadBps(symbol string) (float64, bool) {
	book := m.GetBook(symbol)
	if book == nil {
		return 0, false
	}
	return book.SpreadBps()
}

// AnalyzeLiquidity walks the book for a symbol; an untracked symbol returns
// an empty report.
func (m *Manager) AnalyzeLiquidity(symbol string, size float64, side models.Side) models.LiquidityReport {
	book := m.GetBook(symbol)
	if book == nil {
		return models.LiquidityReport{Symbol: symbol, Side: side, RequestedSize: size}
	}
	return book.AnalyzeLiquidity(size, side)
}

// Statistics recomputes the aggregate health report across all books.
func (m *Manager) Statistics() models.BookStats {
	m.mu.RLock()
	books := make([]*OrderBook, 0, len(m.books))
	for _, book := range m.books {
		books = append(books, book)
	}
	stats := models.BookStats{
		Symbols:         len(m.books),
		SnapshotsTotal:  m.snapshotsApplied,
		UpdatesTotal:    m.updatesApplied,
		RejectedUpdates: m.updatesRejected,
	}
	m.mu.RUnlock()

	now := time.Now()
	spreadSum := 0.0
	spreadCount := 0
	for _, book := range books {
		if book.IsHealthy(now) {
			stats.HealthySymbols++
		}
		if spreadBps, ok := book.SpreadBps(); ok {
			spreadSum += spreadBps
			spreadCount++
		}
	}
	if spreadCount > 0 {
		stats.MeanSpreadBps = spreadSum / float64(spreadCount)
	}
	return stats
}

// HealthBySymbol reports per-symbol health for the dashboard.
func (m *Manager) HealthBySymbol() map[string]bool {
	m.mu.RLock()
	books := make(map[string]*OrderBook, len(m.books))
	for symbol, book := range m.books {
		books[symbol] = book
	}
	m.mu.RUnlock()

	now := time.Now()
	out := make(map[string]bool, len(books))
	for symbol, book := range books {
		out[symbol] = book.IsHealthy(now)
	}
	return out
}
