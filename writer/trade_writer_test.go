package writer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "tickflow/config"
	"tickflow/bus"
	"tickflow/models"
)

// fakeQueue feeds payloads to the writer and records ack/dead decisions.
type fakeQueue struct {
	mu       sync.Mutex
	payloads [][]byte
	acked    []string
	dead     []string
}

func (q *fakeQueue) PopMove(ctx context.Context, _ string, timeout time.Duration) ([]byte, error) {
	q.mu.Lock()
	if len(q.payloads) > 0 {
		p := q.payloads[0]
		q.payloads = q.payloads[1:]
		q.mu.Unlock()
		return p, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, bus.ErrEmpty
	}
}

func (q *fakeQueue) Ack(_ context.Context, _ string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, string(payload))
	return nil
}

func (q *fakeQueue) Dead(_ context.Context, _ string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, string(payload))
	return nil
}

func (q *fakeQueue) counts() (acked, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked), len(q.dead)
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []models.TradeTick
	fail     bool
}

func (s *fakeStore) InsertTrade(_ context.Context, tick models.TradeTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("insert failed")
	}
	s.inserted = append(s.inserted, tick)
	return nil
}

func (s *fakeStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func writerTestConfig() *appconfig.Config {
	return &appconfig.Config{
		Sink: appconfig.SinkConfig{
			QueueTopic: "db",
			PopTimeout: 10 * time.Millisecond,
		},
	}
}

const queuedTick = `{"E":1700000000123,"s":"BTCUSDT","t":12345,"p":"42000.50","q":"0.001","T":1700000000120}`

func runWriter(t *testing.T, queue *fakeQueue, store *fakeStore, wait func() bool) {
	t.Helper()
	w := NewTradeWriter(writerTestConfig(), queue, store)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !wait() {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	w.Stop()

	if !wait() {
		t.Fatal("writer did not process queued payloads in time")
	}
}

func TestAckAfterSuccessfulInsert(t *testing.T) {
	queue := &fakeQueue{payloads: [][]byte{[]byte(queuedTick)}}
	store := &fakeStore{}

	runWriter(t, queue, store, func() bool {
		acked, _ := queue.counts()
		return acked == 1
	})

	if store.insertedCount() != 1 {
		t.Fatalf("inserted = %d, want 1", store.insertedCount())
	}
	got := store.inserted[0]
	if got.Symbol != "BTCUSDT" || got.TradeID != 12345 || got.Price != "42000.50" {
		t.Fatalf("inserted tick = %+v", got)
	}
	if _, dead := queue.counts(); dead != 0 {
		t.Fatal("successful insert must not dead-letter")
	}
}

func TestInsertFailureDeadLettersWithoutAck(t *testing.T) {
	queue := &fakeQueue{payloads: [][]byte{[]byte(queuedTick)}}
	store := &fakeStore{fail: true}

	runWriter(t, queue, store, func() bool {
		_, dead := queue.counts()
		return dead == 1
	})

	if acked, _ := queue.counts(); acked != 0 {
		t.Fatal("failed insert must not be acked")
	}
	if queue.dead[0] != queuedTick {
		t.Fatalf("dead-lettered payload = %s", queue.dead[0])
	}
}

func TestUnparseablePayloadDeadLettered(t *testing.T) {
	queue := &fakeQueue{payloads: [][]byte{[]byte("not json"), []byte(queuedTick)}}
	store := &fakeStore{}

	runWriter(t, queue, store, func() bool {
		acked, dead := queue.counts()
		return acked == 1 && dead == 1
	})

	if queue.dead[0] != "not json" {
		t.Fatalf("dead payload = %s", queue.dead[0])
	}
	if store.insertedCount() != 1 {
		t.Fatalf("a bad payload must not block the next one, inserted = %d", store.insertedCount())
	}
}

func TestCandleViewDDL(t *testing.T) {
	sql := candleViewSQL(candleViews[1])
	for _, want := range []string{
		`"trades_1m"`,
		"timescaledb.continuous",
		"time_bucket('1 minute', e)",
		"first(p, e)",
		"last(p, e)",
		"sum(q)",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("view DDL missing %q:\n%s", want, sql)
		}
	}

	policy := candleRefreshPolicySQL(candleViews[1])
	if !strings.Contains(policy, "'trades_1m'") || !strings.Contains(policy, "INTERVAL '1 minute'") {
		t.Errorf("refresh policy DDL wrong:\n%s", policy)
	}
}

func TestCandleViewsCoverAllIntervals(t *testing.T) {
	want := []string{"trades_1s", "trades_1m", "trades_5m", "trades_15m", "trades_30m", "trades_1H", "trades_1D", "trades_1W"}
	if len(candleViews) != len(want) {
		t.Fatalf("candle views = %d, want %d", len(candleViews), len(want))
	}
	for i, v := range candleViews {
		if v.Name != want[i] {
			t.Errorf("view %d = %s, want %s", i, v.Name, want[i])
		}
	}
}
