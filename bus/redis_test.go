package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
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
	return NewRedisBus(client), context.Background()
}

func TestRedisBusPublishWatch(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch, err := b.Watch(ctx, "lock:r")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Publish(ctx, "lock:r", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch); string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestRedisBusSubscribePrefix(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch, err := b.SubscribePrefix(ctx, "lock:")
	if err != nil {
		t.Fatalf("subscribe prefix: %v", err)
	}
	if err := b.Publish(ctx, "lock:r1", []byte("one")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch); string(got) != "one" {
		t.Fatalf("unexpected payload %q", got)
	}
	if err := b.Publish(ctx, "cache:r1", []byte("two")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case data := <-ch:
		t.Fatalf("prefix watcher received foreign key: %q", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusUnwatchClosesChannel(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Unwatch(ctx, "k", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unwatch")
	}
}

func TestRedisBusIndependentWatchers(t *testing.T) {
	b, ctx := newRedisBus(t)

	ch1, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ch2, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Publish(ctx, "k", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch1); string(got) != "x" {
		t.Fatalf("watcher 1 payload %q", got)
	}
	if got := recv(t, ch2); string(got) != "x" {
		t.Fatalf("watcher 2 payload %q", got)
	}

	// Dropping one watcher leaves the other delivering.
	if err := b.Unwatch(ctx, "k", ch1); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := b.Publish(ctx, "k", []byte("y")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch2); string(got) != "y" {
		t.Fatalf("watcher 2 payload %q", got)
	}
}
