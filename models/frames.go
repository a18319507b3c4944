package models

import (
	"encoding/json"
	"time"
)

// FrameType enumerates every inbound frame type the exchange sends. Unknown
// types decode to FrameUnknown and are dropped by the processor.
type FrameType string

const (
	FrameConnected    FrameType = "connected"
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameChannelData  FrameType = "channel_data"
	FrameError        FrameType = "error"
	FramePong         FrameType = "pong"
	FrameUnknown      FrameType = ""
)

// ChannelType enumerates the exchange channels this client understands.
type ChannelType string

const (
	ChannelOrderbook ChannelType = "v4_orderbook"
	ChannelTrades    ChannelType = "v4_trades"
	ChannelCandles   ChannelType = "v4_candles"
	ChannelMarkets   ChannelType = "v4_markets"
)

// ChannelFromString maps a wire channel name to a known ChannelType. Channel
// names on candle streams carry a "/resolution" suffix, so matching is by
// prefix.
func ChannelFromString(name string) (ChannelType, bool) {
	for _, ch := range []ChannelType{ChannelOrderbook, ChannelTrades, ChannelCandles, ChannelMarkets} {
		if name == string(ch) || len(name) > len(ch) && name[:len(ch)] == string(ch) {
			return ch, true
		}
	}
	return "", false
}

// OutboundFrame is the subscribe/unsubscribe/ping frame sent to the exchange.
type OutboundFrame struct {
	Type       string `json:"type"`
	Channel    string `json:"channel,omitempty"`
	ID         string `json:"id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Batched    bool   `json:"batched,omitempty"`
}

// InboundFrame is the envelope common to every message from the exchange.
// Contents stays raw until the channel handler decodes it.
type InboundFrame struct {
	Type         FrameType       `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	ID           string          `json:"id,omitempty"`
	Message      string          `json:"message,omitempty"`
	Contents     json.RawMessage `json:"contents,omitempty"`
}

// RawFrame is one undecoded websocket message queued between the read loop
// and the processor loop.
type RawFrame struct {
	Data     []byte
	Received time.Time
}

// Subscription is one retained channel subscription, replayed after
// reconnects until a confirmed unsubscribe removes it.
type Subscription struct {
	Channel    ChannelType
	ID         string
	Symbol     string
	Resolution string
	CreatedAt  time.Time
}

// Key uniquely identifies a subscription in the client registry.
func (s Subscription) Key() string {
	return string(s.Channel) + ":" + s.ID
}

// BookChange is one price-level delta inside an orderbook update frame.
// Size "0" removes the level.
type BookChange struct {
	Side  string `json:"side"`
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WireLevel is a [price, size] string pair as sent in snapshot frames.
type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderbookContents is the decoded contents of a v4_orderbook channel_data
// frame. Snapshots carry full bids/asks, updates carry changes.
type OrderbookContents struct {
	Type    string       `json:"type"`
	Bids    []WireLevel  `json:"bids,omitempty"`
	Asks    []WireLevel  `json:"asks,omitempty"`
	Changes []BookChange `json:"changes,omitempty"`
}

const (
	ContentsSnapshot = "snapshot"
	ContentsUpdate   = "update"
)

// WireTrade is one trade row inside a v4_trades channel_data frame.
type WireTrade struct {
	ID        string `json:"id,omitempty"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	CreatedAt string `json:"createdAt"`
}

// TradesContents is the decoded contents of a v4_trades channel_data frame.
type TradesContents struct {
	Trades []WireTrade `json:"trades"`
}
