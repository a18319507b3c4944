package candles

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

// CandleHandler receives a copy of a candle on update or completion.
type CandleHandler func(candle models.Candle)

// AggregatorStats summarizes the aggregator's lifetime activity.
type AggregatorStats struct {
	TradesProcessed  int64 `json:"trades_processed"`
	CandlesCompleted int64 `json:"candles_completed"`
	CandlesOpen      int   `json:"candles_open"`
	RejectedTrades   int64 `json:"rejected_trades"`
}

// Aggregator turns the trade stream into per-(symbol, timeframe) OHLCV
// candles with indicators computed at bucket rollover. All mutation happens
// on the single frame-processor goroutine; the mutex only protects the
// read-side API used by strategy and dashboard consumers.
type Aggregator struct {
	config *appconfig.Config
	store  *Store
	log    *logger.Log
	mu     sync.RWMutex

	timeframes []string
	current    map[string]*models.Candle
	lastPrice  map[string]float64

	updateHandlers   []CandleHandler
	completeHandlers []CandleHandler

	stats AggregatorStats
}

// NewAggregator creates an aggregator over the configured timeframes backed
// by the given store.
func NewAggregator(cfg *appconfig.Config, store *Store) *Aggregator {
	return &Aggregator{
		config:     cfg,
		store:      store,
		log:        logger.GetLogger(),
		timeframes: cfg.Candles.Timeframes,
		current:    make(map[string]*models.Candle),
		lastPrice:  make(map[string]float64),
	}
}

// OnCandleUpdate registers a handler fired after every in-progress mutation.
func (a *Aggregator) OnCandleUpdate(handler CandleHandler) {
	a.mu.Lock()
	a.updateHandlers = append(a.updateHandlers, handler)
	a.mu.Unlock()
}

// OnCandleComplete registers a handler fired once per bucket rollover.
func (a *Aggregator) OnCandleComplete(handler CandleHandler) {
	a.mu.Lock()
	a.completeHandlers = append(a.completeHandlers, handler)
	a.mu.Unlock()
}

// HandleTradesMessage decodes a v4_trades channel_data frame and feeds every
// trade row through the aggregator. Malformed rows are counted and skipped;
// the frame as a whole never fails processing for one bad row.
func (a *Aggregator) HandleTradesMessage(frame models.InboundFrame) error {
	var contents models.TradesContents
	if err := json.Unmarshal(frame.Contents, &contents); err != nil {
		return fmt.Errorf("failed to decode trades contents: %w", err)
	}

	symbol := frame.ID
	if symbol == "" {
		return fmt.Errorf("trades frame without symbol id")
	}

	log := a.log.WithComponent("candle_aggregator").WithFields(logger.Fields{"symbol": symbol})
	for _, row := range contents.Trades {
		trade, err := parseWireTrade(symbol, row)
		if err != nil {
			a.mu.Lock()
			a.stats.RejectedTrades++
			a.mu.Unlock()
			log.WithError(err).Warn("dropping malformed trade row")
			continue
		}
		a.ProcessTrade(trade)
	}
	return nil
}

func parseWireTrade(symbol string, row models.WireTrade) (models.Trade, error) {
	price, err := strconv.ParseFloat(row.Price, 64)
	if err != nil || price <= 0 {
		return models.Trade{}, fmt.Errorf("invalid trade price %q", row.Price)
	}
	size, err := strconv.ParseFloat(row.Size, 64)
	if err != nil || size <= 0 {
		return models.Trade{}, fmt.Errorf("invalid trade size %q", row.Size)
	}
	ts, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return models.Trade{}, fmt.Errorf("invalid trade timestamp %q", row.CreatedAt)
	}
	side := models.SideBuy
	if row.Side == string(models.SideSell) {
		side = models.SideSell
	}
	return models.Trade{
		Symbol:    symbol,
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: ts,
		TradeID:   row.ID,
	}, nil
}

// ProcessTrade applies one trade to every configured timeframe, completing
// any candle whose bucket the trade has moved past. Handlers fire after the
// lock is released so they may call back into the read API.
func (a *Aggregator) ProcessTrade(trade models.Trade) {
	var completed []models.Candle
	var updated []models.Candle

	a.mu.Lock()
	a.stats.TradesProcessed++
	a.lastPrice[trade.Symbol] = trade.Price

	for _, timeframe := range a.timeframes {
		interval, ok := Interval(timeframe)
		if !ok {
			continue
		}
		done, current := a.applyTradeLocked(trade, timeframe, interval)
		if done != nil {
			completed = append(completed, *done)
		}
		updated = append(updated, current)
	}
	completeHandlers := a.completeHandlers
	updateHandlers := a.updateHandlers
	a.mu.Unlock()

	for _, candle := range completed {
		for _, handler := range completeHandlers {
			handler(candle)
		}
	}
	for _, candle := range updated {
		for _, handler := range updateHandlers {
			handler(candle)
		}
	}
}

// applyTradeLocked mutates the in-progress candle for one (symbol,
// timeframe) and returns the rolled-over candle, if any, plus a copy of the
// mutated one. Caller holds the write lock.
func (a *Aggregator) applyTradeLocked(trade models.Trade, timeframe string, interval time.Duration) (*models.Candle, models.Candle) {
	key := seriesKey(trade.Symbol, timeframe)
	bucket := BucketStart(trade.Timestamp, interval)

	var completed *models.Candle
	candle := a.current[key]
	if candle != nil && !candle.StartTime.Equal(bucket) {
		completed = a.completeLocked(candle)
		candle = nil
	}
	if candle == nil {
		candle = &models.Candle{
			Symbol:    trade.Symbol,
			Timeframe: timeframe,
			StartTime: bucket,
			Open:      trade.Price,
			High:      trade.Price,
			Low:       trade.Price,
			Close:     trade.Price,
			VWAP:      trade.Price,
		}
		a.current[key] = candle
	}

	if trade.Price > candle.High {
		candle.High = trade.Price
	}
	if trade.Price < candle.Low {
		candle.Low = trade.Price
	}
	candle.Close = trade.Price
	candle.VWAP = (candle.VWAP*candle.Volume + trade.Price*trade.Size) / (candle.Volume + trade.Size)
	candle.Volume += trade.Size
	candle.TradeCount++

	return completed, *candle.Clone()
}

// completeLocked freezes a candle, computes indicators over the stored
// history plus the candle itself and pushes it into the store. Caller holds
// the write lock and fires the complete handlers afterwards.
func (a *Aggregator) completeLocked(candle *models.Candle) *models.Candle {
	closes := a.store.Closes(candle.Symbol, candle.Timeframe, 0)
	closes = append(closes, candle.Close)

	for _, period := range a.config.Candles.EMAPeriods {
		if value, ok := EMA(closes, period); ok {
			if candle.EMA == nil {
				candle.EMA = make(map[int]float64, len(a.config.Candles.EMAPeriods))
			}
			candle.EMA[period] = value
		}
	}
	if value, ok := RSI(closes, a.config.Candles.RSIPeriod); ok {
		candle.RSI = &value
	}
	if bands, ok := BollingerBands(closes, a.config.Candles.BollingerPeriod, a.config.Candles.BollingerMultiplier); ok {
		candle.Bollinger = &bands
	}

	candle.Complete = true
	frozen := candle.Clone()
	a.store.Add(frozen)
	delete(a.current, seriesKey(candle.Symbol, candle.Timeframe))
	a.stats.CandlesCompleted++
	logger.IncrementCandleCompleted()

	return frozen.Clone()
}

// ForceCompleteCandles flushes in-progress candles so shutdown loses no
// bucket. An empty symbol flushes every symbol.
func (a *Aggregator) ForceCompleteCandles(symbol string) {
	var completed []models.Candle

	a.mu.Lock()
	for _, candle := range a.current {
		if symbol != "" && candle.Symbol != symbol {
			continue
		}
		completed = append(completed, *a.completeLocked(candle))
	}
	handlers := a.completeHandlers
	a.mu.Unlock()

	for _, candle := range completed {
		for _, handler := range handlers {
			handler(candle)
		}
	}
}

// GetCandles returns up to count completed candles, oldest first.
func (a *Aggregator) GetCandles(symbol, timeframe string, count int) []*models.Candle {
	return a.store.Candles(symbol, timeframe, count)
}

// GetLatestCandle returns the most recent completed candle, or nil.
func (a *Aggregator) GetLatestCandle(symbol, timeframe string) *models.Candle {
	return a.store.Latest(symbol, timeframe)
}

// GetCurrentCandle returns a copy of the in-progress candle, or nil.
func (a *Aggregator) GetCurrentCandle(symbol, timeframe string) *models.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if candle, ok := a.current[seriesKey(symbol, timeframe)]; ok {
		return candle.Clone()
	}
	return nil
}

// GetCurrentPrice returns the last traded price for a symbol.
func (a *Aggregator) GetCurrentPrice(symbol string) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	price, ok := a.lastPrice[symbol]
	return price, ok
}

// Statistics returns a copy of the aggregator counters.
func (a *Aggregator) Statistics() AggregatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	stats := a.stats
	stats.CandlesOpen = len(a.current)
	return stats
}
