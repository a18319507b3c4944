package models

import (
	"time"
)

// Side of an order or liquidity walk.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PriceLevel is one resting level on a book side. Size is always positive
// while the level is present; zero size on the wire means removal.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is an immutable copy of one symbol's book handed to readers
// and callbacks. Bids descend by price, asks ascend.
type BookSnapshot struct {
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	MidPrice   float64      `json:"mid_price"`
	Spread     float64      `json:"spread"`
	SpreadBps  float64      `json:"spread_bps"`
	Sequence   int64        `json:"sequence"`
	LastUpdate time.Time    `json:"last_update"`
}

// LiquidityReport is the result of walking one side of a book for a target
// size. AvailableSize is below RequestedSize when the book is thin; that is
// a partial fill, not an error.
type LiquidityReport struct {
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	RequestedSize  float64 `json:"requested_size"`
	AvailableSize  float64 `json:"available_size"`
	AveragePrice   float64 `json:"average_price"`
	WorstPrice     float64 `json:"worst_price"`
	PriceImpactBps float64 `json:"price_impact_bps"`
	LevelsConsumed int     `json:"levels_consumed"`
}

// BookStats aggregates health across all tracked symbols.
type BookStats struct {
	Symbols         int     `json:"symbols"`
	HealthySymbols  int     `json:"healthy_symbols"`
	MeanSpreadBps   float64 `json:"mean_spread_bps"`
	SnapshotsTotal  int64   `json:"snapshots_total"`
	UpdatesTotal    int64   `json:"updates_total"`
	RejectedUpdates int64   `json:"rejected_updates"`
}
