package lock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/editlock-io/editlock/bus"
	"github.com/editlock-io/editlock/lease"
)

func newManager(t *testing.T, opts ...Option) (*Manager, *bus.InMemoryBus) {
	t.Helper()
	store := lease.NewInMemory()
	t.Cleanup(store.Close)
	b := bus.NewInMemoryBus()
	return NewManager(store, b, opts...), b
}

func waitEvent(t *testing.T, ch chan []byte) Event {
	t.Helper()
	select {
	case data := <-ch:
		ev, err := ParseEvent(data)
		if err != nil {
			t.Fatalf("parse event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestAcquireGrantAndConflict(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	res, err := m.Acquire(ctx, "order-17", Holder{ID: "alice", SessionID: "s1", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Granted || res.Lease == nil {
		t.Fatalf("expected grant, got %+v", res)
	}

	res2, err := m.Acquire(ctx, "order-17", Holder{ID: "bob", SessionID: "s2", DisplayName: "Bob"})
	if err != nil {
		t.Fatalf("acquire conflict: %v", err)
	}
	if res2.Granted {
		t.Fatal("mutual exclusion violated: second holder granted")
	}
	if res2.HeldBy != "Alice" {
		t.Fatalf("expected conflict to name Alice, got %q", res2.HeldBy)
	}
	if res2.ExpiresAt.IsZero() {
		t.Fatal("conflict must carry the current lease expiry")
	}
}

func TestAcquireSameSessionRenewsInPlace(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	h := Holder{ID: "alice", SessionID: "s1", DisplayName: "Alice"}

	first, err := m.Acquire(ctx, "r", h)
	if err != nil || !first.Granted {
		t.Fatalf("acquire: %+v %v", first, err)
	}
	again, err := m.Acquire(ctx, "r", h)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !again.Granted {
		t.Fatal("holder blocked by their own lease")
	}
	if again.Lease.ExpiresAt.Before(first.Lease.ExpiresAt) {
		t.Fatal("reacquire moved expiry backward")
	}
}

func TestAcquireTakeoverAcrossSessions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	tab1 := Holder{ID: "alice", SessionID: "tab1", DisplayName: "Alice"}
	tab2 := Holder{ID: "alice", SessionID: "tab2", DisplayName: "Alice"}

	if res, err := m.Acquire(ctx, "r", tab1); err != nil || !res.Granted {
		t.Fatalf("tab1 acquire: %+v %v", res, err)
	}
	res, err := m.Acquire(ctx, "r", tab2)
	if err != nil {
		t.Fatalf("tab2 acquire: %v", err)
	}
	if !res.Granted {
		t.Fatal("same holder must not self-block across sessions")
	}
	if res.Lease.SessionID != "tab2" {
		t.Fatalf("lease not reassigned, session %q", res.Lease.SessionID)
	}

	// The superseded session no longer holds anything.
	if ok, err := m.Renew(ctx, "r", tab1); err != nil || ok {
		t.Fatalf("expected tab1 renew rejection, ok=%v err=%v", ok, err)
	}
	if ok, err := m.Release(ctx, "r", tab1); err != nil || ok {
		t.Fatalf("expected tab1 release no-op, ok=%v err=%v", ok, err)
	}
	if ok, err := m.Renew(ctx, "r", tab2); err != nil || !ok {
		t.Fatalf("expected tab2 renew, ok=%v err=%v", ok, err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	alice := Holder{ID: "alice", SessionID: "s1", DisplayName: "Alice"}
	bob := Holder{ID: "bob", SessionID: "s2", DisplayName: "Bob"}

	if res, err := m.Acquire(ctx, "r", alice); err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	if ok, err := m.Release(ctx, "r", alice); err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Release(ctx, "r", alice); err != nil || ok {
		t.Fatalf("release must be idempotent, ok=%v err=%v", ok, err)
	}
	if res, err := m.Acquire(ctx, "r", bob); err != nil || !res.Granted {
		t.Fatalf("expected bob to acquire after release, %+v %v", res, err)
	}
}

func TestLifecycleEventsOnBus(t *testing.T) {
	m, b := newManager(t)
	ctx := context.Background()

	ch, err := b.Watch(ctx, EventKey("r"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	alice := Holder{ID: "alice", SessionID: "s1", DisplayName: "Alice"}

	res, err := m.Acquire(ctx, "r", alice)
	if err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	ev := waitEvent(t, ch)
	if ev.Type != EventLockAcquired || ev.RecordID != "r" || ev.HolderID != "alice" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.ID == "" {
		t.Fatal("event missing id")
	}
	if !ev.ExpiresAt.Equal(res.Lease.ExpiresAt) {
		t.Fatalf("event expiry %v != lease expiry %v", ev.ExpiresAt, res.Lease.ExpiresAt)
	}

	if _, err := m.Release(ctx, "r", alice); err != nil {
		t.Fatalf("release: %v", err)
	}
	ev = waitEvent(t, ch)
	if ev.Type != EventLockReleased || ev.RecordID != "r" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.HolderID != "" {
		t.Fatalf("release event carries holder %q", ev.HolderID)
	}
}

func TestSameSessionReacquireEmitsNoEvent(t *testing.T) {
	m, b := newManager(t)
	ctx := context.Background()
	h := Holder{ID: "alice", SessionID: "s1"}

	if res, err := m.Acquire(ctx, "r", h); err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	ch, err := b.Watch(ctx, EventKey("r"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if res, err := m.Acquire(ctx, "r", h); err != nil || !res.Granted {
		t.Fatalf("reacquire: %+v %v", res, err)
	}
	select {
	case data := <-ch:
		t.Fatalf("unexpected event on silent renew: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpiryEmitsReleasedEvent(t *testing.T) {
	m, b := newManager(t, WithDuration(20*time.Millisecond))
	ctx := context.Background()

	ch, err := b.Watch(ctx, EventKey("r"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if res, err := m.Acquire(ctx, "r", Holder{ID: "alice", SessionID: "s1"}); err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	ev := waitEvent(t, ch)
	if ev.Type != EventLockAcquired {
		t.Fatalf("unexpected event %+v", ev)
	}

	time.Sleep(30 * time.Millisecond)
	// Expiry is lazy; the read discards the lease and triggers the event.
	info, err := m.IsLocked(ctx, "r")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if info != nil {
		t.Fatalf("expected unlocked after expiry, got %+v", info)
	}
	ev = waitEvent(t, ch)
	if ev.Type != EventLockReleased || ev.RecordID != "r" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestIsLocked(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	info, err := m.IsLocked(ctx, "r")
	if err != nil || info != nil {
		t.Fatalf("expected unlocked, got %+v err %v", info, err)
	}
	res, err := m.Acquire(ctx, "r", Holder{ID: "alice", SessionID: "s1", DisplayName: "Alice"})
	if err != nil || !res.Granted {
		t.Fatalf("acquire: %+v %v", res, err)
	}
	info, err = m.IsLocked(ctx, "r")
	if err != nil {
		t.Fatalf("islocked: %v", err)
	}
	if info == nil || info.HolderID != "alice" || info.HolderDisplayName != "Alice" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !info.ExpiresAt.Equal(res.Lease.ExpiresAt) {
		t.Fatalf("info expiry %v != lease expiry %v", info.ExpiresAt, res.Lease.ExpiresAt)
	}
}

func TestRenewAll(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	h := Holder{ID: "alice", SessionID: "s1"}

	for _, id := range []string{"a", "b"} {
		if res, err := m.Acquire(ctx, id, h); err != nil || !res.Granted {
			t.Fatalf("acquire %s: %+v %v", id, res, err)
		}
	}
	out, err := m.RenewAll(ctx, []string{"a", "b", "never-held"}, h)
	if err != nil {
		t.Fatalf("renewall: %v", err)
	}
	if !out["a"] || !out["b"] || out["never-held"] {
		t.Fatalf("unexpected renewall result %v", out)
	}
}

func TestAcquireValidationErrors(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "", Holder{ID: "a", SessionID: "s"}); !errors.Is(err, lease.ErrInvalidRecordID) {
		t.Fatalf("expected ErrInvalidRecordID, got %v", err)
	}
	if _, err := m.Acquire(ctx, "r", Holder{}); !errors.Is(err, lease.ErrInvalidHolder) {
		t.Fatalf("expected ErrInvalidHolder, got %v", err)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	const workers = 24
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Acquire(ctx, "r", Holder{
				ID:        "holder-" + string(rune('a'+i)),
				SessionID: "s",
			})
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if res.Granted {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := newEvent(EventLockAcquired, "r")
	ev.HolderID = "alice"
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != ev {
		t.Fatalf("round trip mismatch: %+v != %+v", got, ev)
	}
}
