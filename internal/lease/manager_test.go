package lease

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
	"github.com/aceteam-ai/warden/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	err = s.SeedResources(context.Background(), []store.Resource{
		{ResourceIndex: 0, Name: "gpu-0", CapacityMB: 4000},
	})
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(s, cfg), s
}

func TestRequestGrantsFirstFit(t *testing.T) {
	m, _ := setupManager(t, Config{})
	ctx := context.Background()

	lease, err := m.Request(ctx, "embedder", 2000, time.Hour, nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if lease.ResourceIndex == nil || *lease.ResourceIndex != 0 {
		t.Errorf("ResourceIndex = %v, want 0", lease.ResourceIndex)
	}
	if lease.Mode != store.LeaseModeGPU {
		t.Errorf("Mode = %q, want gpu", lease.Mode)
	}
}

func TestRequestDeniedWithoutFallback(t *testing.T) {
	m, _ := setupManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Request(ctx, "trainer", 10000, time.Hour, nil); !errors.Is(err, apperrors.ErrLeaseDenied) {
		t.Errorf("Request() error = %v, want ErrLeaseDenied", err)
	}
}

func TestRequestCPUFallback(t *testing.T) {
	m, _ := setupManager(t, Config{AllowCPUFallback: true})
	ctx := context.Background()

	lease, err := m.Request(ctx, "trainer", 10000, time.Hour, nil)
	if err != nil {
		t.Fatalf("Request() with fallback error = %v", err)
	}
	if lease.Mode != store.LeaseModeCPU {
		t.Errorf("Mode = %q, want cpu", lease.Mode)
	}
	if lease.ResourceIndex != nil {
		t.Errorf("ResourceIndex = %v, want nil for cpu lease", lease.ResourceIndex)
	}
}

func TestRequestValidation(t *testing.T) {
	m, _ := setupManager(t, Config{})
	ctx := context.Background()

	if _, err := m.Request(ctx, "", 100, time.Hour, nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("empty agent error = %v, want ErrValidation", err)
	}
	if _, err := m.Request(ctx, "a", -1, time.Hour, nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("negative capacity error = %v, want ErrValidation", err)
	}
}

func TestRequestDefaultTTL(t *testing.T) {
	m, _ := setupManager(t, Config{DefaultTTL: 30 * time.Minute})
	ctx := context.Background()

	lease, err := m.Request(ctx, "embedder", 100, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := lease.ExpiresAt.Sub(lease.CreatedAt); got != 30*time.Minute {
		t.Errorf("ttl = %v, want 30m default", got)
	}
}

func TestHeartbeatExtendsByGrantedTTL(t *testing.T) {
	m, s := setupManager(t, Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	clock := newFakeClock()
	s.SetClock(clock.Now)

	lease, err := m.Request(ctx, "embedder", 100, 10*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(5 * time.Second)
	renewed, err := m.Heartbeat(ctx, lease.Token)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	// A 10s grant extends by 10s, never by the global default.
	if want := clock.Now().Add(10 * time.Second); !renewed.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", renewed.ExpiresAt, want)
	}
}

func TestHeartbeatAndRelease(t *testing.T) {
	m, _ := setupManager(t, Config{})
	ctx := context.Background()

	lease, err := m.Request(ctx, "embedder", 100, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Heartbeat(ctx, lease.Token); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if err := m.Release(ctx, lease.Token); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := m.Heartbeat(ctx, lease.Token); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("heartbeat after release error = %v, want ErrNotFound", err)
	}

	// Resource 0 is free again.
	lease2, err := m.Request(ctx, "embedder", 100, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	if *lease2.ResourceIndex != 0 {
		t.Errorf("ResourceIndex = %d, want 0 after release", *lease2.ResourceIndex)
	}
}
