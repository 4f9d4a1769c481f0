package broker

import (
	"sort"
	"sync"
	"testing"
)

type fakeReceiver struct {
	id string

	mu        sync.Mutex
	delivered []string
}

func (r *fakeReceiver) ID() string { return r.id }

func (r *fakeReceiver) Deliver(payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, string(payload))
	return true
}

type upstreamLog struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
}

func (u *upstreamLog) join(ch string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.joins = append(u.joins, ch)
}

func (u *upstreamLog) leave(ch string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.leaves = append(u.leaves, ch)
}

func newTestTable() (*SubscriptionTable, *upstreamLog) {
	up := &upstreamLog{}
	return NewSubscriptionTable(up.join, up.leave), up
}

func receiverIDs(rs []Receiver) []string {
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		ids = append(ids, r.ID())
	}
	sort.Strings(ids)
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// The upstream channel is joined on the first subscriber and left after the
// last one, never in between.
func TestRefCountedUpstreamMembership(t *testing.T) {
	table, up := newTestTable()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}

	table.Add(a, []string{"BTCUSDT"})
	if !equalStrings(up.joins, []string{"BTCUSDT"}) {
		t.Fatalf("first subscriber should join once, joins = %v", up.joins)
	}

	table.Add(b, []string{"BTCUSDT"})
	if len(up.joins) != 1 {
		t.Fatalf("second subscriber must not rejoin, joins = %v", up.joins)
	}

	table.Remove(a, []string{"BTCUSDT"})
	if len(up.leaves) != 0 {
		t.Fatalf("channel still held, leaves = %v", up.leaves)
	}

	table.Remove(b, []string{"BTCUSDT"})
	if !equalStrings(up.leaves, []string{"BTCUSDT"}) {
		t.Fatalf("last subscriber should leave once, leaves = %v", up.leaves)
	}
	if table.ChannelCount() != 0 || table.ClientCount() != 0 {
		t.Fatal("table not empty after all removals")
	}
}

func TestAddNormalizesChannels(t *testing.T) {
	table, up := newTestTable()
	a := &fakeReceiver{id: "a"}

	got := table.Add(a, []string{" btcusdt ", "ethusdt_depth"})
	want := []string{"BTCUSDT", "ETHUSDT_DEPTH"}
	if !equalStrings(got, want) {
		t.Fatalf("normalized channels = %v, want %v", got, want)
	}
	if !equalStrings(up.joins, want) {
		t.Fatalf("upstream joins = %v, want %v", up.joins, want)
	}

	// Same channel in a different case is the same subscription.
	table.Add(a, []string{"BtcUsdt"})
	if len(up.joins) != 2 {
		t.Fatalf("duplicate subscription rejoined upstream, joins = %v", up.joins)
	}
}

func TestDuplicateAndUnknownRemovals(t *testing.T) {
	table, up := newTestTable()
	a := &fakeReceiver{id: "a"}

	table.Add(a, []string{"BTCUSDT"})
	table.Add(a, []string{"BTCUSDT"})

	removed := table.Remove(a, []string{"BTCUSDT"})
	if !equalStrings(removed, []string{"BTCUSDT"}) {
		t.Fatalf("removed = %v", removed)
	}
	// Repeat and never-held removals must not be echoed back as removed.
	if removed := table.Remove(a, []string{"BTCUSDT"}); len(removed) != 0 {
		t.Fatalf("repeat removal echoed %v", removed)
	}
	if removed := table.Remove(a, []string{"NEVERSEEN"}); len(removed) != 0 {
		t.Fatalf("never-held removal echoed %v", removed)
	}

	if len(up.leaves) != 1 {
		t.Fatalf("expected exactly one upstream leave, got %v", up.leaves)
	}
}

// Disconnect cleanup removes the client everywhere and releases channels it
// held alone.
func TestRemoveAllOnDisconnect(t *testing.T) {
	table, up := newTestTable()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}

	table.Add(a, []string{"BTCUSDT", "ETHUSDT"})
	table.Add(b, []string{"ETHUSDT"})

	removed := table.Remove(a, nil)
	sort.Strings(removed)
	if !equalStrings(removed, []string{"BTCUSDT", "ETHUSDT"}) {
		t.Fatalf("removed = %v", removed)
	}

	sort.Strings(up.leaves)
	if !equalStrings(up.leaves, []string{"BTCUSDT"}) {
		t.Fatalf("only the channel held alone should be left, leaves = %v", up.leaves)
	}
	if got := receiverIDs(table.Receivers("ETHUSDT")); !equalStrings(got, []string{"b"}) {
		t.Fatalf("ETHUSDT receivers = %v", got)
	}
}

func TestReceiversFanoutSets(t *testing.T) {
	table, _ := newTestTable()
	a := &fakeReceiver{id: "a"}
	b := &fakeReceiver{id: "b"}
	c := &fakeReceiver{id: "c"}

	table.Add(a, []string{"BTCUSDT"})
	table.Add(b, []string{"BTCUSDT", "ETHUSDT"})
	table.Add(c, []string{"ETHUSDT"})

	if got := receiverIDs(table.Receivers("BTCUSDT")); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("BTCUSDT receivers = %v", got)
	}
	if got := receiverIDs(table.Receivers("ETHUSDT")); !equalStrings(got, []string{"b", "c"}) {
		t.Errorf("ETHUSDT receivers = %v", got)
	}
	if got := table.Receivers("SOLUSDT"); got != nil {
		t.Errorf("unsubscribed channel should have no receivers, got %v", got)
	}
}
