package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), mr, context.Background()
}

func TestRedisTryCreateAndConflict(t *testing.T) {
	s, mr, ctx := newRedisStore(t)

	created, existing, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "order-17", HolderID: "alice", SessionID: "s1", DisplayName: "Alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created == nil || existing != nil {
		t.Fatalf("expected fresh lease, got created=%v existing=%v", created, existing)
	}
	if !mr.Exists("editlock:lease:order-17") {
		t.Fatal("lease key missing in redis")
	}

	created2, existing2, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "order-17", HolderID: "bob", SessionID: "s2", DisplayName: "Bob",
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 != nil {
		t.Fatal("expected conflict, lease was created")
	}
	if existing2 == nil || existing2.HolderID != "alice" || existing2.DisplayName != "Alice" {
		t.Fatalf("expected alice's lease, got %+v", existing2)
	}
}

func TestRedisKeyPrefixOption(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedis(client, WithKeyPrefix("locks:"))
	if _, _, err := s.TryCreate(context.Background(), CreateSpec{
		RecordID: "r", HolderID: "a", SessionID: "s",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !mr.Exists("locks:r") {
		t.Fatal("prefixed lease key missing in redis")
	}
}

func TestRedisCreateOverExpiredNotifies(t *testing.T) {
	s, _, ctx := newRedisStore(t)

	var expired []Lease
	var mu sync.Mutex
	s.SetOnExpire(func(l Lease) {
		mu.Lock()
		expired = append(expired, l)
		mu.Unlock()
	})

	if _, _, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "r", HolderID: "alice", SessionID: "s1", Duration: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	created, existing, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "r", HolderID: "bob", SessionID: "s2",
	})
	if err != nil {
		t.Fatalf("create over expired: %v", err)
	}
	if created == nil || existing != nil {
		t.Fatalf("expected takeover of lapsed lease, created=%v existing=%v", created, existing)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0].HolderID != "alice" {
		t.Fatalf("expected one expiry notification for alice, got %v", expired)
	}
}

func TestRedisGetPurgesExpired(t *testing.T) {
	s, mr, ctx := newRedisStore(t)

	if _, _, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "r", HolderID: "alice", SessionID: "s1", Duration: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	got, err := s.Get(ctx, "r")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired lease to read as absent, got %v", got)
	}
	if mr.Exists("editlock:lease:r") {
		t.Fatal("expired lease key not purged")
	}
}

func TestRedisRenew(t *testing.T) {
	s, _, ctx := newRedisStore(t)

	created, _, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "r", HolderID: "alice", SessionID: "s1", Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	renewed, err := s.Renew(ctx, "r", "alice", "s1")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed == nil {
		t.Fatal("expected renewal to succeed")
	}
	if renewed.ExpiresAt.Before(created.ExpiresAt) {
		t.Fatalf("expiry moved backward: %v -> %v", created.ExpiresAt, renewed.ExpiresAt)
	}
	if renewed.Token != created.Token {
		t.Fatal("renewal must not rotate the token")
	}

	if got, err := s.Renew(ctx, "r", "alice", "other"); err != nil || got != nil {
		t.Fatalf("expected rejection for wrong session, got %v err %v", got, err)
	}
	if got, err := s.Renew(ctx, "r", "bob", "s1"); err != nil || got != nil {
		t.Fatalf("expected rejection for wrong holder, got %v err %v", got, err)
	}
	if got, err := s.Renew(ctx, "missing", "a", "s"); err != nil || got != nil {
		t.Fatalf("expected rejection for missing record, got %v err %v", got, err)
	}
}

func TestRedisRenewExpired(t *testing.T) {
	s, _, ctx := newRedisStore(t)

	if _, _, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "r", HolderID: "alice", SessionID: "s1", Duration: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	renewed, err := s.Renew(ctx, "r", "alice", "s1")
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed != nil {
		t.Fatal("expected renewal of expired lease to be rejected")
	}
}

func TestRedisRelease(t *testing.T) {
	s, mr, ctx := newRedisStore(t)

	if _, _, err := s.TryCreate(ctx, CreateSpec{RecordID: "r", HolderID: "alice", SessionID: "s1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, err := s.Release(ctx, "r", "bob", "s1"); err != nil || ok {
		t.Fatalf("expected foreign release to be refused, ok=%v err=%v", ok, err)
	}
	if ok, err := s.Release(ctx, "r", "alice", "s1"); err != nil || !ok {
		t.Fatalf("expected release, ok=%v err=%v", ok, err)
	}
	if mr.Exists("editlock:lease:r") {
		t.Fatal("released lease key still present")
	}
	if ok, err := s.Release(ctx, "r", "alice", "s1"); err != nil || ok {
		t.Fatalf("expected second release to report false, ok=%v err=%v", ok, err)
	}
}

func TestRedisReleaseExpiredReportsFalse(t *testing.T) {
	s, _, ctx := newRedisStore(t)

	if _, _, err := s.TryCreate(ctx, CreateSpec{
		RecordID: "r", HolderID: "alice", SessionID: "s1", Duration: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	ok, err := s.Release(ctx, "r", "alice", "s1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatal("releasing a lapsed lease must report false")
	}
}

func TestRedisConcurrentCreateSingleWinner(t *testing.T) {
	s, _, ctx := newRedisStore(t)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, _, err := s.TryCreate(ctx, CreateSpec{
				RecordID:  "r",
				HolderID:  "holder",
				SessionID: string(rune('a' + i)),
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if created != nil {
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
