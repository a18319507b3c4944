package feed

import (
	"encoding/json"
	"sync"

	"marketfeed/logger"
	"marketfeed/models"
)

// processLoop drains the frame queue, decodes envelopes and routes by frame
// type. Decode failures are counted and skipped; a malformed frame never
// stops the loop.
func (c *Client) processLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("feed_client").WithFields(logger.Fields{"worker": "process_loop"})

	for {
		select {
		case <-c.stop:
			c.drainFrames(log)
			return
		case <-c.ctx.Done():
			return
		case raw, ok := <-c.channels.Frames:
			if !ok {
				return
			}
			c.handleRawFrame(raw, log)
		}
	}
}

// drainFrames processes whatever is already queued at shutdown so frames
// read before the stop signal are not lost.
func (c *Client) drainFrames(log *logger.Entry) {
	for {
		select {
		case raw, ok := <-c.channels.Frames:
			if !ok {
				return
			}
			c.handleRawFrame(raw, log)
		default:
			return
		}
	}
}

func (c *Client) handleRawFrame(raw models.RawFrame, log *logger.Entry) {
	var frame models.InboundFrame
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		c.mu.Lock()
		c.decodeErrors++
		c.mu.Unlock()
		logger.IncrementDecodeError()
		log.WithError(err).Warn("failed to decode inbound frame")
		return
	}

	switch frame.Type {
	case models.FrameConnected:
		c.mu.Lock()
		c.connectionID = frame.ConnectionID
		c.mu.Unlock()
		log.WithFields(logger.Fields{"connection_id": frame.ConnectionID}).Info("connection established")

	case models.FrameSubscribed:
		log.WithFields(logger.Fields{"channel": frame.Channel, "id": frame.ID}).Debug("subscription confirmed")

	case models.FrameUnsubscribed:
		if channelType, ok := models.ChannelFromString(frame.Channel); ok {
			key := models.Subscription{Channel: channelType, ID: frame.ID}.Key()
			c.mu.Lock()
			delete(c.subscriptions, key)
			c.mu.Unlock()
		}
		log.WithFields(logger.Fields{"channel": frame.Channel, "id": frame.ID}).Info("unsubscribe confirmed")

	case models.FrameError:
		c.mu.Lock()
		c.protocolErrors++
		c.mu.Unlock()
		log.WithFields(logger.Fields{"message": frame.Message}).Warn("exchange reported error")

	case models.FramePong:
		log.Debug("pong received")

	case models.FrameChannelData:
		c.dispatchChannelData(frame, log)

	case models.FrameUnknown:
		c.mu.Lock()
		c.decodeErrors++
		c.mu.Unlock()
		log.Warn("frame without type field, dropping")

	default:
		log.WithFields(logger.Fields{"type": string(frame.Type)}).Debug("unhandled frame type")
	}

	c.mu.Lock()
	c.framesProcessed++
	c.mu.Unlock()
}

// dispatchChannelData fans a data frame out to every registered handler for
// its channel. Handlers run concurrently and the loop waits for all of them
// before taking the next frame, so per-channel ordering is preserved.
func (c *Client) dispatchChannelData(frame models.InboundFrame, log *logger.Entry) {
	channelType, ok := models.ChannelFromString(frame.Channel)
	if !ok {
		log.WithFields(logger.Fields{"channel": frame.Channel}).Debug("data frame for unknown channel")
		return
	}

	c.mu.RLock()
	handlers := append([]MessageHandler(nil), c.handlers[channelType]...)
	c.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h MessageHandler) {
			defer wg.Done()
			if err := h(frame); err != nil {
				c.mu.Lock()
				c.handlerErrors++
				c.mu.Unlock()
				log.WithError(err).WithFields(logger.Fields{
					"channel": frame.Channel,
					"id":      frame.ID,
				}).Warn("message handler failed")
			}
		}(handler)
	}
	wg.Wait()
}
