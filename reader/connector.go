package reader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/bus"
	"tickflow/logger"
)

// wireConn is the slice of *websocket.Conn the connector needs. Tests swap
// in a fake.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetPongHandler(h func(appData string) error)
}

// Connector owns the single logical upstream connection. It classifies each
// inbound frame and republishes trade ticks to the bus and the durable
// queue, and depth updates to the bus only. All session state (the state
// machine, pong bookkeeping, counters) is mutated exclusively by the run
// loop goroutine.
type Connector struct {
	config    *appconfig.Config
	publisher bus.Publisher
	queue     bus.QueuePusher
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	symbols []string
	machine *Machine
	stats   sessionStats

	dial func(ctx context.Context) (wireConn, error)
}

// session holds per-connection liveness state, owned by the run loop.
type session struct {
	conn        wireConn
	pongs       chan struct{}
	pongSeen    bool
	pings       int
	missedPongs int
	startedAt   time.Time
}

type sessionStats struct {
	frames        int64
	trades        int64
	depth         int64
	parseFailures int64
	publishErrors int64
	queueErrors   int64
}

// NewConnector creates the ingestion connector.
func NewConnector(cfg *appconfig.Config, publisher bus.Publisher, queue bus.QueuePusher) *Connector {
	c := &Connector{
		config:    cfg,
		publisher: publisher,
		queue:     queue,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		symbols:   cfg.Connector.Symbols,
		machine:   NewMachine(),
	}
	c.dial = c.dialUpstream
	return c
}

// Start validates the configured symbols and launches the connection loop.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connector already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	cfg := c.config.Connector
	log := c.log.WithComponent("connector").WithFields(logger.Fields{"operation": "start"})

	if len(c.symbols) == 0 {
		log.Warn("no symbols configured")
		return fmt.Errorf("no symbols configured")
	}

	if cfg.ValidateSymbols {
		c.symbols = c.validateSymbols(ctx, c.symbols)
		if len(c.symbols) == 0 {
			log.Warn("no valid symbols after exchange validation")
			return fmt.Errorf("no valid symbols after exchange validation")
		}
	}

	log.WithFields(logger.Fields{
		"symbols":       c.symbols,
		"depth_enabled": cfg.DepthEnabled,
		"ping_interval": cfg.PingInterval,
	}).Info("starting connector")

	c.wg.Add(1)
	go c.run()

	log.Info("connector started successfully")
	return nil
}

// Stop waits for the connection loop to finish. Callers cancel the context
// passed to Start first.
func (c *Connector) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("connector").Info("stopping connector")
	c.wg.Wait()
	c.log.WithComponent("connector").Info("connector stopped")
}

// State reports the current session state.
func (c *Connector) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machine.Current()
}

// streamURL builds the combined multi-stream URL for the configured symbols.
func streamURL(base string, symbols []string, depthEnabled bool) string {
	streams := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@trade")
		if depthEnabled {
			streams = append(streams, lower+"@depth")
		}
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "streams=" + strings.Join(streams, "/")
}

func (c *Connector) dialUpstream(ctx context.Context) (wireConn, error) {
	url := streamURL(c.config.Connector.StreamURL, c.symbols, c.config.Connector.DepthEnabled)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// run is the connector's single event loop: one iteration per upstream
// session, with a guarded reconnect delay between sessions.
func (c *Connector) run() {
	defer c.wg.Done()
	log := c.log.WithComponent("connector")

	for {
		if c.ctx.Err() != nil {
			return
		}

		if !c.transition(StateConnecting) {
			log.WithFields(logger.Fields{"state": c.machine.Current().String()}).Error("illegal transition to connecting")
			return
		}

		conn, err := c.dial(c.ctx)
		if err != nil {
			log.WithError(err).Warn("failed to connect upstream")
			c.scheduleReconnect()
			continue
		}

		log.Info("upstream connection established")
		c.runSession(conn)

		if c.ctx.Err() != nil {
			return
		}
		c.scheduleReconnect()
	}
}

// scheduleReconnect marks the reconnect side-state and waits out the fixed
// delay. The transition table makes a second concurrent schedule illegal, so
// repeated close events cannot stack reconnect timers.
func (c *Connector) scheduleReconnect() {
	if !c.transition(StateReconnectScheduled) {
		c.log.WithComponent("connector").WithFields(logger.Fields{
			"state": c.machine.Current().String(),
		}).Warn("reconnect already scheduled, ignoring")
		return
	}

	logger.IncrementReconnectCount()
	c.log.WithComponent("connector").WithFields(logger.Fields{
		"delay": c.config.Connector.ReconnectDelay,
	}).Info("reconnect scheduled")

	select {
	case <-time.After(c.config.Connector.ReconnectDelay):
	case <-c.ctx.Done():
	}
}

// runSession drives one open connection until shutdown, rotation, liveness
// failure or a read error.
func (c *Connector) runSession(conn wireConn) {
	cfg := c.config.Connector
	log := c.log.WithComponent("connector")

	sess := &session{
		conn:      conn,
		pongs:     make(chan struct{}, 1),
		startedAt: time.Now(),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case sess.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	if !c.transition(StateOpen) {
		log.WithFields(logger.Fields{"state": c.machine.Current().String()}).Error("illegal transition to open")
	}
	c.stats = sessionStats{}

	frames := make(chan []byte, cfg.FrameBuffer)
	readErr := make(chan error, 1)
	go c.readPump(conn, frames, readErr)

	liveness := time.NewTicker(cfg.PingInterval)
	defer liveness.Stop()
	rotation := time.NewTimer(cfg.SessionMaxAge)
	defer rotation.Stop()

	defer c.logSessionEnd(sess)

	for {
		select {
		case <-c.ctx.Done():
			c.closeCleanly(conn, frames, readErr, "shutdown")
			return

		case <-rotation.C:
			log.WithFields(logger.Fields{"session_age": time.Since(sess.startedAt)}).Info("proactive session rotation")
			c.closeCleanly(conn, frames, readErr, "rotation")
			return

		case <-sess.pongs:
			sess.pongSeen = true

		case <-liveness.C:
			if c.onLivenessTick(sess) {
				// Forced close; wait for the read pump to observe it.
				awaitReadPump(frames, readErr, 2*time.Second)
				c.transition(StateDisconnected)
				return
			}

		case frame := <-frames:
			c.handleFrame(frame)

		case err := <-readErr:
			log.WithError(err).Warn("upstream read error")
			c.transition(StateClosing)
			conn.Close()
			c.transition(StateDisconnected)
			return
		}
	}
}

// onLivenessTick evaluates the pong received since the previous tick and
// sends the next ping. It returns true when the missed-pong threshold was
// reached and the connection has been forcibly terminated.
func (c *Connector) onLivenessTick(sess *session) bool {
	cfg := c.config.Connector
	log := c.log.WithComponent("connector")

	switch {
	case sess.pongSeen:
		sess.pongSeen = false
		sess.missedPongs = 0
		if c.machine.Current() == StateDegraded {
			c.transition(StateOpen)
		}

	case sess.pings == 0:
		// Nothing to miss until the first ping is on the wire.

	default:
		sess.missedPongs++
		if c.machine.Current() == StateOpen {
			c.transition(StateDegraded)
		}
		log.WithFields(logger.Fields{
			"missed_pongs": sess.missedPongs,
			"threshold":    cfg.MaxMissedPongs,
		}).Warn("missed liveness pong")

		if sess.missedPongs >= cfg.MaxMissedPongs {
			log.Error("liveness failure, forcibly terminating connection")
			c.transition(StateClosing)
			sess.conn.Close()
			return true
		}
	}

	if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		log.WithError(err).Warn("failed to send liveness ping")
	}
	sess.pings++
	return false
}

// closeCleanly performs an orderly close: close frame, connection teardown,
// and a bounded wait for the read pump to exit.
func (c *Connector) closeCleanly(conn wireConn, frames <-chan []byte, readErr <-chan error, reason string) {
	c.transition(StateClosing)

	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	conn.Close()

	awaitReadPump(frames, readErr, 2*time.Second)
	c.transition(StateDisconnected)
}

// awaitReadPump waits for the read pump to surface its terminal error,
// draining any frames still in flight so the pump cannot stay blocked on a
// full buffer.
func awaitReadPump(frames <-chan []byte, readErr <-chan error, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-readErr:
			return
		case <-frames:
		case <-t.C:
			return
		}
	}
}

// transition applies a state change under the state lock so State() readers
// see a consistent value. Only the run loop calls this.
func (c *Connector) transition(next SessionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.To(next)
}

// readPump moves frames from the socket into the loop's inbound channel.
func (c *Connector) readPump(conn wireConn, frames chan<- []byte, readErr chan<- error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- msg:
		case <-c.ctx.Done():
			readErr <- c.ctx.Err()
			return
		}
	}
}

func (c *Connector) logSessionEnd(sess *session) {
	log := c.log.WithComponent("connector")
	logger.LogDataFlowEntry(log, "upstream_stream", "bus", int(c.stats.trades+c.stats.depth), "ticks")
	logger.LogDataFlowEntry(log, "upstream_stream", "durable_queue", int(c.stats.trades), "trade_ticks")
	log.WithFields(logger.Fields{
		"session_duration": time.Since(sess.startedAt).String(),
		"frames":           c.stats.frames,
		"trades":           c.stats.trades,
		"depth":            c.stats.depth,
		"parse_failures":   c.stats.parseFailures,
		"publish_errors":   c.stats.publishErrors,
		"queue_errors":     c.stats.queueErrors,
	}).Info("upstream session ended")
}
