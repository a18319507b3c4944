package candles

import (
	"sync"

	"marketfeed/models"
)

// Store keeps a bounded history of completed candles per (symbol, timeframe).
// The oldest candle is evicted when a series reaches capacity. This is a
// cache, not a database: everything is rebuilt from the feed after a restart.
type Store struct {
	mu       sync.RWMutex
	capacity int
	series   map[string][]*models.Candle
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		series:   make(map[string][]*models.Candle),
	}
}

func seriesKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// Add appends a completed candle, evicting the oldest entry at capacity.
func (s *Store) Add(candle *models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey(candle.Symbol, candle.Timeframe)
	series := s.series[key]
	if len(series) >= s.capacity {
		copy(series, series[1:])
		series = series[:len(series)-1]
	}
	s.series[key] = append(series, candle)
}

// Candles returns up to count most recent completed candles, oldest first.
// count <= 0 returns the whole series. Returned candles are deep copies so
// readers cannot corrupt the stored history.
func (s *Store) Candles(symbol, timeframe string, count int) []*models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[seriesKey(symbol, timeframe)]
	if count <= 0 || count > len(series) {
		count = len(series)
	}
	out := make([]*models.Candle, count)
	for i, c := range series[len(series)-count:] {
		out[i] = c.Clone()
	}
	return out
}

// Closes returns the close prices of up to count most recent candles,
// oldest first.
func (s *Store) Closes(symbol, timeframe string, count int) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[seriesKey(symbol, timeframe)]
	if count <= 0 || count > len(series) {
		count = len(series)
	}
	out := make([]float64, count)
	for i, c := range series[len(series)-count:] {
		out[i] = c.Close
	}
	return out
}

// Latest returns a copy of the most recent completed candle, or nil.
func (s *Store) Latest(symbol, timeframe string) *models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.series[seriesKey(symbol, timeframe)]
	if len(series) == 0 {
		return nil
	}
	return series[len(series)-1].Clone()
}

// Len reports the number of stored candles for one series.
func (s *Store) Len(symbol, timeframe string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series[seriesKey(symbol, timeframe)])
}
