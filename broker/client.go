package broker

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tickflow/logger"
	"tickflow/models"
)

// client is one connected websocket session. The read pump handles control
// messages; the write pump owns all socket writes, fed by the buffered send
// channel that Deliver enqueues into.
type client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	log     *logger.Entry

	// Written from both the fan-out and read-pump goroutines.
	dropped int64
}

func newClient(conn *websocket.Conn, server *Server) *client {
	cfg := server.config.Broker
	id := uuid.NewString()
	return &client{
		id:      id,
		conn:    conn,
		server:  server,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.OpsPerSecond), cfg.RateLimit.Burst),
		log:     logger.GetLogger().WithComponent("broker").WithFields(logger.Fields{"client_id": id}),
	}
}

// ID returns the session identifier.
func (c *client) ID() string {
	return c.id
}

// Deliver enqueues a data message for the write pump. A full send buffer
// drops the message rather than stall the fan-out loop on a slow consumer;
// a closed session drops silently.
func (c *client) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		atomic.AddInt64(&c.dropped, 1)
		logger.IncrementFanoutDropped()
		return false
	}
}

// readPump consumes control messages until the client disconnects, then
// cleans the subscription table.
func (c *client) readPump() {
	defer func() {
		c.server.table.Remove(c, nil)
		close(c.done)
		c.conn.Close()
		logger.AddClientConnected(-1)
		c.log.WithFields(logger.Fields{"dropped": atomic.LoadInt64(&c.dropped)}).Info("client disconnected")
	}()

	cfg := c.server.config.Broker
	pongWait := cfg.PingInterval * 2
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("unexpected client close")
			}
			return
		}
		c.handleMessage(raw)
	}
}

// handleMessage dispatches one control message. Malformed or unsupported
// input earns an error reply, never a disconnect.
func (c *client) handleMessage(raw []byte) {
	if !c.limiter.Allow() {
		c.reply(models.ServerReply{Op: models.OpError, Code: models.CodeRateLimited})
		return
	}

	var req models.ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reply(models.ServerReply{Op: models.OpError, Code: models.CodeInvalidMessage})
		return
	}

	switch req.Op {
	case models.OpSubscribe:
		if len(req.Channels) == 0 {
			c.reply(models.ServerReply{Op: models.OpError, Code: models.CodeInvalidMessage})
			return
		}
		channels := c.server.table.Add(c, req.Channels)
		c.reply(models.ServerReply{Op: models.OpSubscribed, Channels: channels})

	case models.OpUnsubscribe:
		// No channel list means drop everything the client holds.
		channels := c.server.table.Remove(c, req.Channels)
		c.reply(models.ServerReply{Op: models.OpUnsubscribed, Channels: channels})

	case models.OpPing:
		c.reply(models.ServerReply{Op: models.OpPong})

	default:
		c.log.WithFields(logger.Fields{"op": req.Op}).Debug("unsupported op")
		c.reply(models.ServerReply{Op: models.OpError, Code: models.CodeUnsupportedOp})
	}
}

// reply enqueues a control reply on the same send path as data messages so
// the write pump remains the only writer.
func (c *client) reply(r models.ServerReply) {
	payload, err := json.Marshal(r)
	if err != nil {
		c.log.WithError(err).Error("failed to marshal reply")
		return
	}
	select {
	case c.send <- payload:
	default:
		atomic.AddInt64(&c.dropped, 1)
	}
}

// writePump owns the socket's write side: queued messages plus the periodic
// liveness ping. It exits when the send channel closes.
func (c *client) writePump() {
	cfg := c.server.config.Broker
	pinger := time.NewTicker(cfg.PingInterval)
	defer func() {
		pinger.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, nil)
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.WithError(err).Debug("client write failed")
				return
			}

		case <-pinger.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
