package reader

import (
	"encoding/json"
	"strings"

	"tickflow/logger"
	"tickflow/models"
)

// handleFrame parses and classifies one inbound frame. Parse failures and
// unrecognized stream types are dropped without touching the connection.
func (c *Connector) handleFrame(raw []byte) {
	log := c.log.WithComponent("connector")
	c.stats.frames++
	logger.IncrementFrameIngested(len(raw))

	var frame models.StreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.stats.parseFailures++
		log.WithError(err).Debug("dropping unparseable frame")
		return
	}

	switch {
	case strings.Contains(frame.Stream, "@trade"):
		c.handleTrade(frame.Data)
	case strings.Contains(frame.Stream, "@depth"):
		c.handleDepth(frame.Data)
	default:
		log.WithFields(logger.Fields{"stream": frame.Stream}).Debug("ignoring unrecognized stream")
	}
}

// handleTrade republishes a trade tick on its symbol channel and pushes it
// onto the durable queue. The two deliveries fail independently.
func (c *Connector) handleTrade(data json.RawMessage) {
	log := c.log.WithComponent("connector")

	var tick models.TradeTick
	if err := json.Unmarshal(data, &tick); err != nil {
		c.stats.parseFailures++
		log.WithError(err).Debug("dropping unparseable trade")
		return
	}
	if tick.Symbol == "" {
		c.stats.parseFailures++
		log.Debug("dropping trade without symbol")
		return
	}
	c.stats.trades++

	payload, err := json.Marshal(tick)
	if err != nil {
		log.WithError(err).Warn("failed to marshal trade tick")
		return
	}
	channel := models.TradeChannel(tick.Symbol)

	if err := c.publisher.Publish(c.ctx, channel, payload); err != nil {
		c.stats.publishErrors++
		log.WithError(err).WithFields(logger.Fields{"channel": channel}).Warn("bus publish failed")
	} else {
		logger.IncrementTickPublished(len(payload))
	}

	if err := c.queue.Push(c.ctx, c.config.Connector.QueueTopic, payload); err != nil {
		c.stats.queueErrors++
		log.WithError(err).WithFields(logger.Fields{"topic": c.config.Connector.QueueTopic}).Warn("durable queue push failed")
	} else {
		logger.IncrementQueuePush(len(payload))
	}
}

// handleDepth republishes a depth update on the derived depth channel. Depth
// is a live-only stream and never queued.
func (c *Connector) handleDepth(data json.RawMessage) {
	log := c.log.WithComponent("connector")

	var update models.DepthUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		c.stats.parseFailures++
		log.WithError(err).Debug("dropping unparseable depth update")
		return
	}
	if update.Symbol == "" {
		c.stats.parseFailures++
		log.Debug("dropping depth update without symbol")
		return
	}
	c.stats.depth++

	payload, err := json.Marshal(update)
	if err != nil {
		log.WithError(err).Warn("failed to marshal depth update")
		return
	}
	channel := models.DepthChannel(update.Symbol)

	if err := c.publisher.Publish(c.ctx, channel, payload); err != nil {
		c.stats.publishErrors++
		log.WithError(err).WithFields(logger.Fields{"channel": channel}).Warn("bus publish failed")
		return
	}
	logger.IncrementDepthPublished(len(payload))
}
