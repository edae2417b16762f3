package election

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func setupLock(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestAcquireMutualExclusion(t *testing.T) {
	_, client := setupLock(t)
	ctx := context.Background()

	a := NewRedisLock(client, "warden:leader", "replica-a:8080")
	b := NewRedisLock(client, "warden:leader", "replica-b:8080")

	held, err := a.Acquire(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("a.Acquire() error = %v", err)
	}
	if !held {
		t.Fatal("a.Acquire() = false, want true")
	}

	held, err = b.Acquire(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("b.Acquire() error = %v", err)
	}
	if held {
		t.Error("b.Acquire() = true while a holds the lock")
	}

	hint, err := b.HolderHint(ctx)
	if err != nil {
		t.Fatalf("HolderHint() error = %v", err)
	}
	if hint != "replica-a:8080" {
		t.Errorf("HolderHint() = %q, want replica-a:8080", hint)
	}
}

func TestRenewOnlyByHolder(t *testing.T) {
	_, client := setupLock(t)
	ctx := context.Background()

	a := NewRedisLock(client, "warden:leader", "a")
	b := NewRedisLock(client, "warden:leader", "b")

	if held, _ := a.Acquire(ctx, 10*time.Second); !held {
		t.Fatal("a.Acquire() = false")
	}

	held, err := a.Renew(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("a.Renew() error = %v", err)
	}
	if !held {
		t.Error("holder Renew() = false, want true")
	}

	held, err = b.Renew(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("b.Renew() error = %v", err)
	}
	if held {
		t.Error("non-holder Renew() = true, want false")
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	_, client := setupLock(t)
	ctx := context.Background()

	a := NewRedisLock(client, "warden:leader", "a")
	b := NewRedisLock(client, "warden:leader", "b")

	if held, _ := a.Acquire(ctx, 10*time.Second); !held {
		t.Fatal("a.Acquire() = false")
	}

	// Non-holder release is a no-op.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("b.Release() error = %v", err)
	}
	if held, _ := b.Acquire(ctx, 10*time.Second); held {
		t.Fatal("b acquired after non-holder release, lock was stolen")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("a.Release() error = %v", err)
	}
	held, err := b.Acquire(ctx, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("b.Acquire() after release = false, want true")
	}
}

func TestFailoverAfterTTLExpiry(t *testing.T) {
	mr, client := setupLock(t)
	ctx := context.Background()

	a := NewRedisLock(client, "warden:leader", "a")
	b := NewRedisLock(client, "warden:leader", "b")

	if held, _ := a.Acquire(ctx, 5*time.Second); !held {
		t.Fatal("a.Acquire() = false")
	}

	// Simulated leader crash: no renewals, TTL lapses.
	mr.FastForward(6 * time.Second)

	held, err := b.Acquire(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("b.Acquire() after ttl expiry = false, want true")
	}

	// The crashed holder's renew must not steal the lock back.
	held, err = a.Renew(ctx, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if held {
		t.Error("stale holder Renew() = true after failover")
	}
}

func TestElectorAcquiresAndReports(t *testing.T) {
	_, client := setupLock(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "warden:leader", "a")
	e := NewElector(lock, 10*time.Second, 2*time.Second)

	if e.IsLeader() {
		t.Error("IsLeader() = true before any tick")
	}
	e.tick(ctx)
	if !e.IsLeader() {
		t.Error("IsLeader() = false after successful acquire tick")
	}

	// A second elector on the same lock stays follower.
	other := NewElector(NewRedisLock(client, "warden:leader", "b"), 10*time.Second, 2*time.Second)
	other.tick(ctx)
	if other.IsLeader() {
		t.Error("second elector became leader while first holds lock")
	}
	if hint := other.LeaderHint(ctx); hint != "a" {
		t.Errorf("LeaderHint() = %q, want a", hint)
	}
}

func TestElectorDemotesOnLostLock(t *testing.T) {
	mr, client := setupLock(t)
	ctx := context.Background()

	e := NewElector(NewRedisLock(client, "warden:leader", "a"), 5*time.Second, time.Second)
	e.tick(ctx)
	if !e.IsLeader() {
		t.Fatal("elector failed to acquire")
	}

	mr.FastForward(6 * time.Second)

	e.tick(ctx)
	if e.IsLeader() {
		t.Error("IsLeader() = true after lock expired under us")
	}
}
