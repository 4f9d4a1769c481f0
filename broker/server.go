package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/bus"
	"tickflow/logger"
)

const maxMessageSize = 4096

// Server accepts client websocket sessions, maintains the subscription
// table, and fans bus messages out to subscribers. It holds exactly one
// upstream bus subscription whose channel set follows the table's
// reference counts.
type Server struct {
	config     *appconfig.Config
	subscriber bus.Subscriber
	table      *SubscriptionTable
	upgrader   websocket.Upgrader

	listener net.Listener
	httpSrv  *http.Server
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log
}

// NewServer creates the broker server on top of an upstream bus
// subscription.
func NewServer(cfg *appconfig.Config, subscriber bus.Subscriber) *Server {
	s := &Server{
		config:     cfg,
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	s.table = NewSubscriptionTable(s.joinUpstream, s.leaveUpstream)
	return s
}

// Start binds the listen address and launches the accept and fan-out loops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("broker server already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	cfg := s.config.Broker
	log := s.log.WithComponent("broker").WithFields(logger.Fields{"operation": "start"})

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebsocket)
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(2)
	go s.serve()
	go s.listenBus()

	log.WithFields(logger.Fields{
		"addr": listener.Addr().String(),
		"path": cfg.Path,
	}).Info("broker server started successfully")
	return nil
}

// Stop shuts the listener down and waits for the serve and fan-out loops.
func (s *Server) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log := s.log.WithComponent("broker")
	log.Info("stopping broker server")

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown error")
		}
	}
	s.wg.Wait()
	log.Info("broker server stopped")
}

// Addr reports the bound listen address, useful when the configured port
// is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) serve() {
	defer s.wg.Done()
	if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		s.log.WithComponent("broker").WithError(err).Error("http serve failed")
	}
}

// handleWebsocket upgrades the connection and starts the session pumps.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("broker").WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newClient(conn, s)
	logger.AddClientConnected(1)
	c.log.WithFields(logger.Fields{"remote": r.RemoteAddr}).Info("client connected")

	go c.writePump()
	go c.readPump()
}

// listenBus drains the upstream subscription and fans each message out to
// the channel's subscribers.
func (s *Server) listenBus() {
	defer s.wg.Done()
	s.subscriber.Listen(s.ctx, func(channel string, payload []byte) {
		for _, r := range s.table.Receivers(channel) {
			if r.Deliver(payload) {
				logger.IncrementFanoutDelivered(len(payload))
			}
		}
		logger.RecordChannelMessage(channel, len(payload))
	})
}

func (s *Server) joinUpstream(channel string) {
	if err := s.subscriber.Subscribe(s.ctx, channel); err != nil {
		s.log.WithComponent("broker").WithError(err).WithFields(logger.Fields{
			"channel": channel,
		}).Error("failed to join upstream channel")
	}
}

func (s *Server) leaveUpstream(channel string) {
	if err := s.subscriber.Unsubscribe(s.ctx, channel); err != nil {
		s.log.WithComponent("broker").WithError(err).WithFields(logger.Fields{
			"channel": channel,
		}).Error("failed to leave upstream channel")
	}
}
