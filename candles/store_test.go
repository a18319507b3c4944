package candles

import (
	"testing"
	"time"

	"marketfeed/models"
)

func storedCandle(symbol, timeframe string, start time.Time, close float64) *models.Candle {
	return &models.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		StartTime: start,
		Close:     close,
		Complete:  true,
	}
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s.Add(storedCandle("BTC-USD", "1m", base.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	if s.Len("BTC-USD", "1m") != 3 {
		t.Fatalf("len = %d, want 3", s.Len("BTC-USD", "1m"))
	}
	closes := s.Closes("BTC-USD", "1m", 0)
	if len(closes) != 3 || closes[0] != 2 || closes[2] != 4 {
		t.Fatalf("closes = %v, want [2 3 4]", closes)
	}
}

func TestStoreCandlesOldestFirst(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		s.Add(storedCandle("BTC-USD", "1m", base.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	got := s.Candles("BTC-USD", "1m", 2)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Close != 2 || got[1].Close != 3 {
		t.Fatalf("expected the two most recent, oldest first: %v %v", got[0].Close, got[1].Close)
	}

	latest := s.Latest("BTC-USD", "1m")
	if latest == nil || latest.Close != 3 {
		t.Fatalf("latest = %+v", latest)
	}
}

func TestStoreSeriesAreIndependent(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.Add(storedCandle("BTC-USD", "1m", base, 1))
	s.Add(storedCandle("BTC-USD", "5m", base, 2))
	s.Add(storedCandle("ETH-USD", "1m", base, 3))

	if s.Len("BTC-USD", "1m") != 1 || s.Len("BTC-USD", "5m") != 1 || s.Len("ETH-USD", "1m") != 1 {
		t.Fatalf("series leaked across keys")
	}
	if s.Latest("BTC-USD", "5m").Close != 2 {
		t.Fatalf("wrong series returned")
	}
}

func TestStoreReadsAreCopies(t *testing.T) {
	s := NewStore(10)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	stored := storedCandle("BTC-USD", "1m", base, 100)
	stored.EMA = map[int]float64{12: 99}
	s.Add(stored)

	latest := s.Latest("BTC-USD", "1m")
	latest.Close = 0
	latest.EMA[12] = 0

	fromSeries := s.Candles("BTC-USD", "1m", 0)
	fromSeries[0].Close = -1

	if got := s.Latest("BTC-USD", "1m"); got.Close != 100 || got.EMA[12] != 99 {
		t.Fatalf("stored candle mutated through a read: %+v", got)
	}
}

func TestStoreEmptySeries(t *testing.T) {
	s := NewStore(5)
	if s.Latest("BTC-USD", "1m") != nil {
		t.Fatalf("latest on empty series should be nil")
	}
	if got := s.Candles("BTC-USD", "1m", 10); len(got) != 0 {
		t.Fatalf("candles on empty series = %v", got)
	}
}
