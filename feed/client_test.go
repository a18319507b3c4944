package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "marketfeed/config"
	"marketfeed/internal/channel"
	"marketfeed/logger"
	"marketfeed/models"
)

func clientConfig(url string) *appconfig.Config {
	return &appconfig.Config{
		Feed: appconfig.FeedConfig{
			URL:               url,
			Symbols:           []string{"BTC-USD"},
			ReadTimeout:       time.Second,
			WriteTimeout:      time.Second,
			HandshakeTimeout:  2 * time.Second,
			HeartbeatInterval: time.Second,
			Reconnect: appconfig.ReconnectConfig{
				MaxAttempts: 2,
				BaseDelay:   10 * time.Millisecond,
				MaxDelay:    50 * time.Millisecond,
				JitterSeed:  1,
			},
			RateLimit: appconfig.RateLimitConfig{FramesPerSecond: 100, BurstSize: 100},
		},
		Channels: appconfig.ChannelsConfig{FrameBuffer: 64},
	}
}

func newTestClient(url string) *Client {
	cfg := clientConfig(url)
	return NewClient(cfg, channel.NewChannels(cfg.Channels.FrameBuffer))
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected:    "DISCONNECTED",
		StateConnecting:      "CONNECTING",
		StateConnected:       "CONNECTED",
		StateReconnecting:    "RECONNECTING",
		StateFailed:          "FAILED",
		ConnectionState(255): "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d = %q, want %q", state, got, want)
		}
	}
}

func TestSubscribeFailsWhenDisconnected(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")

	if err := c.SubscribeOrderbook([]string{"BTC-USD"}); err == nil {
		t.Fatalf("expected subscribe to fail while disconnected")
	}
	if err := c.Unsubscribe(models.ChannelOrderbook, "BTC-USD"); err == nil {
		t.Fatalf("expected unsubscribe to fail while disconnected")
	}
	if len(c.Subscriptions()) != 0 {
		t.Fatalf("failed subscribe must not be retained")
	}
}

func TestSubscribeCandlesRejectsUnknownResolution(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	if err := c.SubscribeCandles([]string{"BTC-USD"}, "7m"); err == nil {
		t.Fatalf("expected invalid resolution to be rejected")
	}
}

func TestHandleRawFrameDecodeError(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	log := logger.GetLogger().WithComponent("test")

	c.handleRawFrame(models.RawFrame{Data: []byte(`{"type":`)}, log)
	if c.Stats().DecodeErrors != 1 {
		t.Fatalf("decode error not counted")
	}
}

func TestHandleRawFrameConnected(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	log := logger.GetLogger().WithComponent("test")

	c.handleRawFrame(models.RawFrame{Data: []byte(`{"type":"connected","connection_id":"abc123"}`)}, log)

	stats := c.Stats()
	if stats.ConnectionID != "abc123" {
		t.Fatalf("connection id = %q", stats.ConnectionID)
	}
	if stats.FramesProcessed != 1 {
		t.Fatalf("processed = %d", stats.FramesProcessed)
	}
}

func TestHandleRawFrameUnsubscribedRemovesRegistryEntry(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	log := logger.GetLogger().WithComponent("test")

	sub := models.Subscription{Channel: models.ChannelTrades, ID: "BTC-USD", Symbol: "BTC-USD"}
	c.subscriptions[sub.Key()] = sub

	c.handleRawFrame(models.RawFrame{Data: []byte(`{"type":"unsubscribed","channel":"v4_trades","id":"BTC-USD"}`)}, log)
	if len(c.Subscriptions()) != 0 {
		t.Fatalf("unsubscribed frame did not remove registry entry")
	}
}

func TestHandleRawFrameErrorCounted(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	log := logger.GetLogger().WithComponent("test")

	c.handleRawFrame(models.RawFrame{Data: []byte(`{"type":"error","message":"bad channel"}`)}, log)
	if c.Stats().ProtocolErrors != 1 {
		t.Fatalf("protocol error not counted")
	}
}

func TestDispatchRunsAllHandlersAndCountsFailures(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	log := logger.GetLogger().WithComponent("test")

	calls := make(chan string, 4)
	c.AddMessageHandler(models.ChannelOrderbook, func(frame models.InboundFrame) error {
		calls <- "ok:" + frame.ID
		return nil
	})
	c.AddMessageHandler(models.ChannelOrderbook, func(frame models.InboundFrame) error {
		calls <- "fail:" + frame.ID
		return context.DeadlineExceeded
	})

	c.handleRawFrame(models.RawFrame{Data: []byte(`{"type":"channel_data","channel":"v4_orderbook","id":"BTC-USD","contents":{}}`)}, log)

	if len(calls) != 2 {
		t.Fatalf("handler calls = %d, want 2", len(calls))
	}
	if c.Stats().HandlerErrors != 1 {
		t.Fatalf("handler error not counted")
	}
}

// testExchange is a minimal websocket endpoint speaking the subscribe
// protocol, used to exercise the full connect/subscribe/data path.
type testExchange struct {
	upgrader websocket.Upgrader
	server   *httptest.Server
	frames   chan models.OutboundFrame

	connMu sync.Mutex
	conns  []*websocket.Conn
}

// closeConns severs the live websocket connections. httptest's Close and
// CloseClientConnections skip hijacked connections, so upgraded websockets
// must be closed explicitly.
func (e *testExchange) closeConns() {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for _, conn := range e.conns {
		conn.Close()
	}
}

func newTestExchange(t *testing.T) *testExchange {
	t.Helper()
	e := &testExchange{frames: make(chan models.OutboundFrame, 16)}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		e.connMu.Lock()
		e.conns = append(e.conns, conn)
		e.connMu.Unlock()

		conn.WriteJSON(models.InboundFrame{Type: models.FrameConnected, ConnectionID: "test-conn"})

		for {
			var frame models.OutboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			e.frames <- frame
			if frame.Type == "subscribe" {
				conn.WriteJSON(models.InboundFrame{
					Type:    models.FrameSubscribed,
					Channel: frame.Channel,
					ID:      frame.ID,
				})
				if frame.Channel == string(models.ChannelOrderbook) {
					contents, _ := json.Marshal(models.OrderbookContents{
						Type: models.ContentsSnapshot,
						Bids: []models.WireLevel{{Price: "100", Size: "1"}},
						Asks: []models.WireLevel{{Price: "101", Size: "1"}},
					})
					conn.WriteJSON(models.InboundFrame{
						Type:     models.FrameChannelData,
						Channel:  frame.Channel,
						ID:       frame.ID,
						Contents: contents,
					})
				}
			}
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *testExchange) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func TestClientEndToEnd(t *testing.T) {
	exchange := newTestExchange(t)
	c := newTestClient(exchange.url())

	received := make(chan models.InboundFrame, 4)
	c.AddMessageHandler(models.ChannelOrderbook, func(frame models.InboundFrame) error {
		received <- frame
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if c.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", c.State())
	}

	if err := c.SubscribeOrderbook([]string{"BTC-USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(c.Subscriptions()) != 1 {
		t.Fatalf("subscription not retained")
	}

	select {
	case sent := <-exchange.frames:
		if sent.Type != "subscribe" || sent.Channel != string(models.ChannelOrderbook) || sent.ID != "BTC-USD" {
			t.Fatalf("unexpected subscribe frame: %+v", sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("exchange never received subscribe frame")
	}

	select {
	case frame := <-received:
		if frame.ID != "BTC-USD" {
			t.Fatalf("data frame id = %q", frame.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never received data frame")
	}

	stats := c.Stats()
	if stats.ConnectionID != "test-conn" {
		t.Fatalf("connection id = %q", stats.ConnectionID)
	}
}

// flakyExchange drops the first connection right after the subscribe frame
// so the client's reconnect path can be exercised end to end.
type flakyExchange struct {
	upgrader websocket.Upgrader
	server   *httptest.Server
	frames   chan models.OutboundFrame
	conns    atomic.Int32
}

func newFlakyExchange(t *testing.T) *flakyExchange {
	t.Helper()
	e := &flakyExchange{frames: make(chan models.OutboundFrame, 16)}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connNumber := e.conns.Add(1)
		conn, err := e.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(models.InboundFrame{Type: models.FrameConnected, ConnectionID: "test-conn"})

		for {
			var frame models.OutboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			e.frames <- frame
			if frame.Type == "subscribe" && connNumber == 1 {
				return
			}
			if frame.Type == "subscribe" {
				conn.WriteJSON(models.InboundFrame{
					Type:    models.FrameSubscribed,
					Channel: frame.Channel,
					ID:      frame.ID,
				})
			}
		}
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *flakyExchange) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	exchange := newFlakyExchange(t)
	c := newTestClient(exchange.url())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SubscribeTrades([]string{"BTC-USD"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First subscribe lands on the connection the exchange is about to drop.
	select {
	case frame := <-exchange.frames:
		if frame.Type != "subscribe" || frame.ID != "BTC-USD" {
			t.Fatalf("unexpected first frame: %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("exchange never received initial subscribe")
	}

	// The retained subscription must be replayed on the new connection.
	select {
	case frame := <-exchange.frames:
		if frame.Type != "subscribe" || frame.Channel != string(models.ChannelTrades) || frame.ID != "BTC-USD" {
			t.Fatalf("unexpected replayed frame: %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription never replayed after reconnect")
	}

	if c.State() != StateConnected {
		t.Fatalf("state after reconnect = %s, want CONNECTED", c.State())
	}
	stats := c.Stats()
	if stats.ReconnectAttempts != 0 {
		t.Fatalf("attempt counter = %d, want 0 after successful reconnect", stats.ReconnectAttempts)
	}
	if stats.Reconnects < 1 {
		t.Fatalf("reconnects = %d, want at least 1", stats.Reconnects)
	}
	if len(c.Subscriptions()) != 1 {
		t.Fatalf("subscriptions = %d, want 1", len(c.Subscriptions()))
	}
	if exchange.conns.Load() < 2 {
		t.Fatalf("client never re-dialed")
	}
}

func TestReconnectExhaustionEntersFailed(t *testing.T) {
	exchange := newTestExchange(t)
	c := newTestClient(exchange.url())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	// Killing the server makes every re-dial fail until attempts run out.
	// The live websocket is hijacked, so Close leaves it open; sever it
	// explicitly to trigger the reconnect loop.
	exchange.server.Close()
	exchange.closeConns()

	deadline := time.Now().Add(5 * time.Second)
	for c.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never reached FAILED", c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeCandlesDistinctResolutions(t *testing.T) {
	exchange := newTestExchange(t)
	c := newTestClient(exchange.url())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SubscribeCandles([]string{"BTC-USD"}, "1m"); err != nil {
		t.Fatalf("subscribe 1m: %v", err)
	}
	if err := c.SubscribeCandles([]string{"BTC-USD"}, "5m"); err != nil {
		t.Fatalf("subscribe 5m: %v", err)
	}

	subs := c.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %d, want one per resolution", len(subs))
	}
	ids := map[string]bool{}
	for _, sub := range subs {
		ids[sub.ID] = true
		if sub.Symbol != "BTC-USD" {
			t.Fatalf("subscription symbol = %q", sub.Symbol)
		}
	}
	if !ids["BTC-USD/1m"] || !ids["BTC-USD/5m"] {
		t.Fatalf("candle ids = %v, want resolution-qualified ids", ids)
	}
}

func TestConnectFailsFast(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err == nil {
		t.Fatalf("expected connect to unreachable endpoint to fail")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state after failed connect = %s", c.State())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c := newTestClient("ws://127.0.0.1:1/v4/ws")
	c.Disconnect()
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
}
