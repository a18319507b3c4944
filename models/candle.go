package models

import (
	"time"
)

// Trade is one executed trade extracted from a trades frame. Trades are
// consumed immediately by the candle aggregator and never stored.
type Trade struct {
	Symbol    string
	Price     float64
	Size      float64
	Side      Side
	Timestamp time.Time
	TradeID   string
}

// Bollinger holds one set of Bollinger Bands computed at candle completion.
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// Candle is one OHLCV bucket for a (symbol, timeframe) pair. Indicator
// fields are nil until the candle completes with enough trailing history;
// they are never fabricated from short series.
type Candle struct {
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	StartTime  time.Time `json:"start_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	VWAP       float64   `json:"vwap"`
	TradeCount int       `json:"trade_count"`
	Complete   bool      `json:"complete"`

	EMA       map[int]float64 `json:"ema,omitempty"`
	RSI       *float64        `json:"rsi,omitempty"`
	Bollinger *Bollinger      `json:"bollinger,omitempty"`
}

// Clone returns a deep copy so stored candles cannot alias the in-progress
// one.
func (c *Candle) Clone() *Candle {
	out := *c
	if c.EMA != nil {
		out.EMA = make(map[int]float64, len(c.EMA))
		for period, value := range c.EMA {
			out.EMA[period] = value
		}
	}
	if c.RSI != nil {
		rsi := *c.RSI
		out.RSI = &rsi
	}
	if c.Bollinger != nil {
		bb := *c.Bollinger
		out.Bollinger = &bb
	}
	return &out
}
