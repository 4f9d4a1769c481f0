package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "tickflow/config"
	"tickflow/bus"
	"tickflow/models"
)

// fakeSubscriber stands in for the Redis pub/sub connection: it records the
// subscribed channel set and lets tests inject bus messages.
type fakeSubscriber struct {
	mu       sync.Mutex
	channels map[string]bool
	inbound  chan busMessage
}

type busMessage struct {
	channel string
	payload []byte
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		channels: make(map[string]bool),
		inbound:  make(chan busMessage, 16),
	}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		f.channels[ch] = true
	}
	return nil
}

func (f *fakeSubscriber) Unsubscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range channels {
		delete(f.channels, ch)
	}
	return nil
}

func (f *fakeSubscriber) Listen(ctx context.Context, handler bus.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.inbound:
			handler(msg.channel, msg.payload)
		}
	}
}

func (f *fakeSubscriber) subscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channel]
}

func brokerTestConfig() *appconfig.Config {
	return &appconfig.Config{
		Broker: appconfig.BrokerConfig{
			ListenAddr:   "127.0.0.1:0",
			Path:         "/ws",
			PingInterval: 30 * time.Second,
			WriteTimeout: 5 * time.Second,
			SendBuffer:   16,
			RateLimit:    appconfig.RateLimitConfig{OpsPerSecond: 100, Burst: 100},
		},
	}
}

func startTestServer(t *testing.T) (*Server, *fakeSubscriber, context.CancelFunc) {
	t.Helper()
	sub := newFakeSubscriber()
	srv := NewServer(brokerTestConfig(), sub)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start failed: %v", err)
	}
	return srv, sub, cancel
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + srv.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, req models.ClientRequest) models.ServerReply {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return readReply(t, conn)
}

func readReply(t *testing.T, conn *websocket.Conn) models.ServerReply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply models.ServerReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestSubscribeRoundTrip(t *testing.T) {
	srv, sub, cancel := startTestServer(t)
	defer func() {
		cancel()
		srv.Stop()
	}()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	reply := sendRequest(t, conn, models.ClientRequest{Op: models.OpSubscribe, Channels: []string{"btcusdt"}})
	if reply.Op != models.OpSubscribed {
		t.Fatalf("reply op = %q, want subscribed", reply.Op)
	}
	if len(reply.Channels) != 1 || reply.Channels[0] != "BTCUSDT" {
		t.Fatalf("reply channels = %v, want [BTCUSDT]", reply.Channels)
	}

	waitFor(t, func() bool { return sub.subscribed("BTCUSDT") }, "upstream subscription")

	reply = sendRequest(t, conn, models.ClientRequest{Op: models.OpUnsubscribe, Channels: []string{"BTCUSDT"}})
	if reply.Op != models.OpUnsubscribed {
		t.Fatalf("reply op = %q, want unsubscribed", reply.Op)
	}
	waitFor(t, func() bool { return !sub.subscribed("BTCUSDT") }, "upstream unsubscription")
}

func TestPingPong(t *testing.T) {
	srv, _, cancel := startTestServer(t)
	defer func() {
		cancel()
		srv.Stop()
	}()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	reply := sendRequest(t, conn, models.ClientRequest{Op: models.OpPing})
	if reply.Op != models.OpPong {
		t.Fatalf("reply op = %q, want pong", reply.Op)
	}
}

// Bad input earns an error reply and the socket stays usable.
func TestErrorRepliesKeepConnectionOpen(t *testing.T) {
	srv, _, cancel := startTestServer(t)
	defer func() {
		cancel()
		srv.Stop()
	}()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	reply := sendRequest(t, conn, models.ClientRequest{Op: "snooze"})
	if reply.Op != models.OpError || reply.Code != models.CodeUnsupportedOp {
		t.Fatalf("reply = %+v, want UNSUPPORTED_OP error", reply)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	reply = readReply(t, conn)
	if reply.Op != models.OpError || reply.Code != models.CodeInvalidMessage {
		t.Fatalf("reply = %+v, want INVALID_MESSAGE error", reply)
	}

	reply = sendRequest(t, conn, models.ClientRequest{Op: models.OpSubscribe})
	if reply.Op != models.OpError || reply.Code != models.CodeInvalidMessage {
		t.Fatalf("subscribe without channels: reply = %+v", reply)
	}

	// Still alive after three errors.
	reply = sendRequest(t, conn, models.ClientRequest{Op: models.OpPing})
	if reply.Op != models.OpPong {
		t.Fatalf("connection unusable after errors, reply = %+v", reply)
	}
}

func TestRateLimitedReply(t *testing.T) {
	srv, _, cancel := startTestServer(t)
	srv.config.Broker.RateLimit = appconfig.RateLimitConfig{OpsPerSecond: 1, Burst: 1}
	defer func() {
		cancel()
		srv.Stop()
	}()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	reply := sendRequest(t, conn, models.ClientRequest{Op: models.OpPing})
	if reply.Op != models.OpPong {
		t.Fatalf("first op should pass, reply = %+v", reply)
	}
	reply = sendRequest(t, conn, models.ClientRequest{Op: models.OpPing})
	if reply.Op != models.OpError || reply.Code != models.CodeRateLimited {
		t.Fatalf("second op should be limited, reply = %+v", reply)
	}
}

// A bus message reaches only the sessions subscribed to its channel.
func TestFanoutReachesOnlySubscribers(t *testing.T) {
	srv, sub, cancel := startTestServer(t)
	defer func() {
		cancel()
		srv.Stop()
	}()

	subscriberConn := dialTestServer(t, srv)
	defer subscriberConn.Close()
	bystanderConn := dialTestServer(t, srv)
	defer bystanderConn.Close()

	reply := sendRequest(t, subscriberConn, models.ClientRequest{Op: models.OpSubscribe, Channels: []string{"BTCUSDT"}})
	if reply.Op != models.OpSubscribed {
		t.Fatalf("subscribe failed: %+v", reply)
	}
	reply = sendRequest(t, bystanderConn, models.ClientRequest{Op: models.OpSubscribe, Channels: []string{"ETHUSDT"}})
	if reply.Op != models.OpSubscribed {
		t.Fatalf("subscribe failed: %+v", reply)
	}

	tick := `{"E":1700000000123,"s":"BTCUSDT","t":1,"p":"42000.50","q":"0.001","T":1700000000120}`
	sub.inbound <- busMessage{channel: "BTCUSDT", payload: []byte(tick)}

	subscriberConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := subscriberConn.ReadMessage()
	if err != nil {
		t.Fatalf("subscriber did not receive tick: %v", err)
	}
	var got models.TradeTick
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal delivered tick: %v", err)
	}
	if got.Symbol != "BTCUSDT" || got.Price != "42000.50" {
		t.Fatalf("delivered tick = %+v", got)
	}

	bystanderConn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := bystanderConn.ReadMessage(); err == nil {
		t.Fatal("bystander received a message for a channel it never subscribed")
	}
}

// Unsubscribe without a channel list drops everything the client holds.
func TestUnsubscribeAll(t *testing.T) {
	srv, sub, cancel := startTestServer(t)
	defer func() {
		cancel()
		srv.Stop()
	}()

	conn := dialTestServer(t, srv)
	defer conn.Close()

	reply := sendRequest(t, conn, models.ClientRequest{Op: models.OpSubscribe, Channels: []string{"BTCUSDT", "ETHUSDT"}})
	if reply.Op != models.OpSubscribed {
		t.Fatalf("subscribe failed: %+v", reply)
	}

	reply = sendRequest(t, conn, models.ClientRequest{Op: models.OpUnsubscribe})
	if reply.Op != models.OpUnsubscribed || len(reply.Channels) != 2 {
		t.Fatalf("reply = %+v, want both channels unsubscribed", reply)
	}
	waitFor(t, func() bool {
		return !sub.subscribed("BTCUSDT") && !sub.subscribed("ETHUSDT")
	}, "upstream channels released")
}

// Closing the socket releases the client's channels upstream.
func TestDisconnectCleansSubscriptions(t *testing.T) {
	srv, sub, cancel := startTestServer(t)
	defer func() {
		cancel()
		srv.Stop()
	}()

	conn := dialTestServer(t, srv)
	reply := sendRequest(t, conn, models.ClientRequest{Op: models.OpSubscribe, Channels: []string{"BTCUSDT"}})
	if reply.Op != models.OpSubscribed {
		t.Fatalf("subscribe failed: %+v", reply)
	}
	waitFor(t, func() bool { return sub.subscribed("BTCUSDT") }, "upstream subscription")

	conn.Close()
	waitFor(t, func() bool { return !sub.subscribed("BTCUSDT") }, "cleanup after disconnect")
	waitFor(t, func() bool { return srv.table.ClientCount() == 0 }, "empty table after disconnect")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
