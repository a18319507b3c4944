package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	appconfig "marketfeed/config"
	"marketfeed/internal/channel"
	"marketfeed/logger"
	"marketfeed/models"
)

// ConnectionState is the lifecycle state of the feed connection. It is
// owned exclusively by the Client; state transitions are the only mutation
// path.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MessageHandler consumes one decoded channel_data frame. All handlers for
// a frame run concurrently and the processor waits for every one before the
// next frame, so a slow handler throttles ingestion instead of losing data.
type MessageHandler func(frame models.InboundFrame) error

// ConnectionStats is the health surface polled by the dashboard and the
// external supervisor.
type ConnectionStats struct {
	State             string    `json:"state"`
	ConnectionID      string    `json:"connection_id"`
	Subscriptions     int       `json:"subscriptions"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	FramesRead        int64     `json:"frames_read"`
	FramesProcessed   int64     `json:"frames_processed"`
	FramesDropped     int64     `json:"frames_dropped"`
	DecodeErrors      int64     `json:"decode_errors"`
	ProtocolErrors    int64     `json:"protocol_errors"`
	HandlerErrors     int64     `json:"handler_errors"`
	PingsSent         int64     `json:"pings_sent"`
	Reconnects        int64     `json:"reconnects"`
	LastMessageAt     time.Time `json:"last_message_at"`
}

// Client maintains the persistent websocket connection to the exchange. It
// owns the subscription registry, the bounded frame queue and three
// background loops: socket read, frame processing and heartbeat. On
// disconnect it drives exponential-backoff reconnection and replays every
// retained subscription.
type Client struct {
	config   *appconfig.Config
	channels *channel.Channels
	log      *logger.Log
	limiter  *rate.Limiter
	backoff  *backoff

	mu            sync.RWMutex
	conn          *websocket.Conn
	state         ConnectionState
	connectionID  string
	subscriptions map[string]models.Subscription
	handlers      map[models.ChannelType][]MessageHandler
	attempts      int
	running       bool
	lastPing      time.Time
	lastMessage   time.Time

	framesProcessed int64
	decodeErrors    int64
	protocolErrors  int64
	handlerErrors   int64
	pingsSent       int64
	reconnects      int64

	writeMu sync.Mutex
	ctx     context.Context
	stop    chan struct{}
	wg      *sync.WaitGroup
}

// NewClient creates a feed client over the given frame channels. Nothing
// connects until Connect is called.
func NewClient(cfg *appconfig.Config, channels *channel.Channels) *Client {
	return &Client{
		config:        cfg,
		channels:      channels,
		log:           logger.GetLogger(),
		limiter:       rate.NewLimiter(rate.Limit(cfg.Feed.RateLimit.FramesPerSecond), cfg.Feed.RateLimit.BurstSize),
		backoff:       newBackoff(cfg.Feed.Reconnect.BaseDelay, cfg.Feed.Reconnect.MaxDelay, cfg.Feed.Reconnect.JitterSeed),
		subscriptions: make(map[string]models.Subscription),
		handlers:      make(map[models.ChannelType][]MessageHandler),
		wg:            &sync.WaitGroup{},
	}
}

// Connect opens the socket, starts the background loops and replays any
// retained subscriptions. Calling Connect on an already connected client is
// a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		state := c.state
		c.mu.Unlock()
		if state == StateConnected {
			return nil
		}
		return fmt.Errorf("feed client already running in state %s", state)
	}
	c.running = true
	c.ctx = ctx
	c.stop = make(chan struct{})
	c.state = StateConnecting
	c.mu.Unlock()

	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"url": c.config.Feed.URL})
	log.Info("connecting to exchange feed")

	conn, err := c.dial()
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("failed to connect feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.wg.Add(3)
	go c.readLoop()
	go c.processLoop()
	go c.heartbeatLoop()

	c.replaySubscriptions()

	log.Info("feed connected")
	return nil
}

// Disconnect signals shutdown, closes the socket and waits for the loops to
// exit. Safe to call from any state, including repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.WithComponent("feed_client").Info("feed disconnected")
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.Feed.HandshakeTimeout}
	conn, _, err := dialer.DialContext(c.ctx, c.config.Feed.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		return nil
	})
	return conn, nil
}

// readDeadline spans two heartbeat intervals so a missed pong surfaces as a
// read error on the socket.
func (c *Client) readDeadline() time.Duration {
	return 2*c.config.Feed.HeartbeatInterval + c.config.Feed.ReadTimeout
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
	}
	if c.ctx != nil && c.ctx.Err() != nil {
		return true
	}
	return false
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// readLoop pulls frames off the socket into the bounded queue. A read error
// drives reconnection; the loop exits only on shutdown or when reconnect
// attempts are exhausted.
func (c *Client) readLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		if c.stopped() {
			return
		}
		conn := c.currentConn()
		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				return
			}
			log.WithError(err).Warn("websocket read error, reconnecting")
			conn.Close()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !c.reconnect() {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		logger.IncrementFrameRead(len(data))
		c.mu.Lock()
		c.lastMessage = time.Now()
		c.mu.Unlock()

		if !c.channels.SendFrame(c.ctx, models.RawFrame{Data: data, Received: time.Now()}) && c.ctx.Err() == nil {
			log.Debug("frame queue full, dropping frame")
		}
	}
}

// reconnect drives backoff reconnection until success, shutdown or attempt
// exhaustion. It returns false when the read loop should exit. The attempt
// counter resets only on a successful connect.
func (c *Client) reconnect() bool {
	c.setState(StateReconnecting)
	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"worker": "reconnect"})
	maxAttempts := c.config.Feed.Reconnect.MaxAttempts

	for {
		c.mu.Lock()
		c.attempts++
		c.reconnects++
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > maxAttempts {
			c.setState(StateFailed)
			log.WithFields(logger.Fields{"attempts": attempt - 1}).Error("reconnect attempts exhausted, feed failed")
			return false
		}

		delay := c.backoff.Delay(attempt)
		logger.IncrementReconnect()
		log.WithFields(logger.Fields{"attempt": attempt, "delay": delay.String()}).Warn("reconnecting to feed")

		select {
		case <-time.After(delay):
		case <-c.stop:
			return false
		case <-c.ctx.Done():
			return false
		}

		conn, err := c.dial()
		if err != nil {
			log.WithError(err).Warn("reconnect dial failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.attempts = 0
		c.mu.Unlock()

		c.replaySubscriptions()
		log.Info("feed reconnected")
		return true
	}
}

func (c *Client) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// heartbeatLoop sends a ping control frame once per interval while
// connected. Liveness loss is detected by the read loop via the read
// deadline, not here.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"worker": "heartbeat"})
	ticker := time.NewTicker(c.config.Feed.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			state := c.state
			last := c.lastPing
			c.mu.RUnlock()

			if state != StateConnected || conn == nil {
				continue
			}
			if time.Since(last) < c.config.Feed.HeartbeatInterval {
				continue
			}
			deadline := time.Now().Add(c.config.Feed.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).Warn("failed to send ping")
				continue
			}
			c.mu.Lock()
			c.lastPing = time.Now()
			c.pingsSent++
			c.mu.Unlock()
		}
	}
}

// AddMessageHandler registers a handler for every channel_data frame of the
// given channel type.
func (c *Client) AddMessageHandler(channelType models.ChannelType, handler MessageHandler) {
	c.mu.Lock()
	c.handlers[channelType] = append(c.handlers[channelType], handler)
	c.mu.Unlock()
}

// SubscribeOrderbook subscribes to the orderbook channel for each symbol.
// Fails when not connected; subscriptions are never queued for later.
func (c *Client) SubscribeOrderbook(symbols []string) error {
	return c.subscribeSymbols(models.ChannelOrderbook, symbols, "")
}

// SubscribeTrades subscribes to the trade stream for each symbol.
func (c *Client) SubscribeTrades(symbols []string) error {
	return c.subscribeSymbols(models.ChannelTrades, symbols, "")
}

// SubscribeCandles subscribes to exchange-computed candles at the given
// resolution.
func (c *Client) SubscribeCandles(symbols []string, resolution string) error {
	if _, ok := appconfig.ValidTimeframes[resolution]; !ok {
		return fmt.Errorf("invalid candle resolution %q", resolution)
	}
	return c.subscribeSymbols(models.ChannelCandles, symbols, resolution)
}

// SubscribeMarkets subscribes to the global markets channel.
func (c *Client) SubscribeMarkets(id string) error {
	sub := models.Subscription{
		Channel:   models.ChannelMarkets,
		ID:        id,
		CreatedAt: time.Now(),
	}
	return c.sendSubscribe(sub)
}

func (c *Client) subscribeSymbols(channelType models.ChannelType, symbols []string, resolution string) error {
	for _, symbol := range symbols {
		// Candle channel ids carry the resolution so subscriptions to the
		// same symbol at different resolutions stay distinct in the registry.
		id := symbol
		if channelType == models.ChannelCandles && resolution != "" {
			id = symbol + "/" + resolution
		}
		sub := models.Subscription{
			Channel:    channelType,
			ID:         id,
			Symbol:     symbol,
			Resolution: resolution,
			CreatedAt:  time.Now(),
		}
		if err := c.sendSubscribe(sub); err != nil {
			return err
		}
	}
	return nil
}

// sendSubscribe writes the subscribe frame and retains the subscription for
// replay. Not-connected is a hard failure: the caller retries after a
// reconnect.
func (c *Client) sendSubscribe(sub models.Subscription) error {
	if c.State() != StateConnected {
		return fmt.Errorf("cannot subscribe %s: feed not connected", sub.Key())
	}
	if err := c.limiter.Wait(c.ctx); err != nil {
		return fmt.Errorf("rate limit wait aborted: %w", err)
	}

	frame := models.OutboundFrame{
		Type:       "subscribe",
		Channel:    string(sub.Channel),
		ID:         sub.ID,
		Resolution: sub.Resolution,
	}
	if err := c.writeJSON(frame); err != nil {
		return fmt.Errorf("failed to send subscribe for %s: %w", sub.Key(), err)
	}

	c.mu.Lock()
	c.subscriptions[sub.Key()] = sub
	c.mu.Unlock()

	c.log.WithComponent("feed_client").WithFields(logger.Fields{
		"channel": string(sub.Channel),
		"id":      sub.ID,
	}).Info("subscribed")
	return nil
}

// Unsubscribe sends the unsubscribe frame. The registry entry is removed
// when the exchange confirms with an unsubscribed frame.
func (c *Client) Unsubscribe(channelType models.ChannelType, id string) error {
	if c.State() != StateConnected {
		return fmt.Errorf("cannot unsubscribe %s:%s: feed not connected", channelType, id)
	}
	frame := models.OutboundFrame{Type: "unsubscribe", Channel: string(channelType), ID: id}
	if err := c.writeJSON(frame); err != nil {
		return fmt.Errorf("failed to send unsubscribe: %w", err)
	}
	return nil
}

func (c *Client) writeJSON(frame models.OutboundFrame) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.config.Feed.WriteTimeout))
	return conn.WriteJSON(frame)
}

// replaySubscriptions re-sends every retained subscription after a connect.
func (c *Client) replaySubscriptions() {
	c.mu.RLock()
	subs := make([]models.Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	log := c.log.WithComponent("feed_client")
	for _, sub := range subs {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		frame := models.OutboundFrame{
			Type:       "subscribe",
			Channel:    string(sub.Channel),
			ID:         sub.ID,
			Resolution: sub.Resolution,
		}
		if err := c.writeJSON(frame); err != nil {
			log.WithError(err).WithFields(logger.Fields{"id": sub.ID}).Warn("failed to replay subscription")
			continue
		}
		log.WithFields(logger.Fields{"channel": string(sub.Channel), "id": sub.ID}).Info("replayed subscription")
	}
}

// Subscriptions returns a copy of the retained subscription registry.
func (c *Client) Subscriptions() []models.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		out = append(out, sub)
	}
	return out
}

// Stats returns a copy of the connection health counters.
func (c *Client) Stats() ConnectionStats {
	queueStats := c.channels.GetStats()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionStats{
		State:             c.state.String(),
		ConnectionID:      c.connectionID,
		Subscriptions:     len(c.subscriptions),
		ReconnectAttempts: c.attempts,
		FramesRead:        queueStats.Sent + queueStats.Dropped,
		FramesProcessed:   c.framesProcessed,
		FramesDropped:     queueStats.Dropped,
		DecodeErrors:      c.decodeErrors,
		ProtocolErrors:    c.protocolErrors,
		HandlerErrors:     c.handlerErrors,
		PingsSent:         c.pingsSent,
		Reconnects:        c.reconnects,
		LastMessageAt:     c.lastMessage,
	}
}
