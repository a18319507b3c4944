package channel

import (
	"context"
	"sync"

	"marketfeed/logger"
	"marketfeed/models"
)

// Stats counts traffic through the frame queue. Dropped frames are the
// explicit backpressure policy: the read loop never blocks on a full queue.
type Stats struct {
	Sent    int64
	Dropped int64
}

// Channels owns the single bounded queue between the websocket read loop and
// the frame processor. One queue for all symbols and channels preserves the
// total arrival order of events.
type Channels struct {
	Frames chan models.RawFrame

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(frameBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Frames: make(chan models.RawFrame, frameBufferSize),
		log:    log,
	}

	log.WithComponent("feed_channels").WithFields(logger.Fields{
		"frame_buffer_size": frameBufferSize,
	}).Info("frame channel initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Frames)
	c.log.WithComponent("feed_channels").Info("frame channel closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

// SendFrame enqueues a raw frame without blocking. A full queue drops the
// frame and counts it; the caller keeps reading from the socket either way.
func (c *Channels) SendFrame(ctx context.Context, frame models.RawFrame) bool {
	select {
	case c.Frames <- frame:
		c.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementDropped()
		logger.IncrementFrameDropped()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
