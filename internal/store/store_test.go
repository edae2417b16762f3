package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

// fakeClock lets tests advance time without sleeping.
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

func openTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := newFakeClock()
	s.SetClock(clock.Now)
	return s, clock
}

func seedTwoGPUs(t *testing.T, s *Store) {
	t.Helper()
	err := s.SeedResources(context.Background(), []Resource{
		{ResourceIndex: 0, Name: "rtx4090-0", CapacityMB: 4000},
		{ResourceIndex: 1, Name: "rtx4090-1", CapacityMB: 24000},
	})
	if err != nil {
		t.Fatalf("SeedResources() error = %v", err)
	}
}

func TestAllocateGPULeaseFirstFit(t *testing.T) {
	s, _ := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	lease, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 2000, time.Hour, nil)
	if err != nil {
		t.Fatalf("AllocateGPULease() error = %v", err)
	}
	if lease.ResourceIndex == nil || *lease.ResourceIndex != 0 {
		t.Errorf("ResourceIndex = %v, want 0 (lowest index wins)", lease.ResourceIndex)
	}
	if lease.Mode != LeaseModeGPU {
		t.Errorf("Mode = %q, want gpu", lease.Mode)
	}
	if got := lease.ExpiresAt.Sub(lease.CreatedAt); got != time.Hour {
		t.Errorf("ttl = %v, want 1h", got)
	}

	second, err := s.AllocateGPULease(ctx, "tok-2", "embedder", 2000, time.Hour, nil)
	if err != nil {
		t.Fatalf("second AllocateGPULease() error = %v", err)
	}
	if *second.ResourceIndex != 1 {
		t.Errorf("second ResourceIndex = %d, want 1", *second.ResourceIndex)
	}

	if _, err := s.AllocateGPULease(ctx, "tok-3", "embedder", 2000, time.Hour, nil); !errors.Is(err, apperrors.ErrLeaseDenied) {
		t.Errorf("third allocation error = %v, want ErrLeaseDenied", err)
	}
}

func TestAllocateGPULeaseSkipsSmallResources(t *testing.T) {
	s, _ := openTestStore(t)
	seedTwoGPUs(t, s)

	lease, err := s.AllocateGPULease(context.Background(), "tok-1", "trainer", 10000, time.Hour, nil)
	if err != nil {
		t.Fatalf("AllocateGPULease() error = %v", err)
	}
	if *lease.ResourceIndex != 1 {
		t.Errorf("ResourceIndex = %d, want 1 (resource 0 too small)", *lease.ResourceIndex)
	}
}

func TestConcurrentAllocationSingleWinner(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if err := s.SeedResources(ctx, []Resource{{ResourceIndex: 0, Name: "gpu-0", CapacityMB: 4000}}); err != nil {
		t.Fatal(err)
	}

	const racers = 8
	var wg sync.WaitGroup
	granted := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := "tok-" + string(rune('a'+i))
			if _, err := s.AllocateGPULease(ctx, tok, "racer", 2000, time.Hour, nil); err == nil {
				granted <- tok
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var winners []string
	for tok := range granted {
		winners = append(winners, tok)
	}
	if len(winners) != 1 {
		t.Errorf("granted = %v, want exactly one winner", winners)
	}
}

func TestConcurrentAllocationGrantsOrDenies(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	resources := make([]Resource, 4)
	for i := range resources {
		resources[i] = Resource{ResourceIndex: i, Name: fmt.Sprintf("gpu-%d", i), CapacityMB: 4000}
	}
	if err := s.SeedResources(ctx, resources); err != nil {
		t.Fatal(err)
	}

	// Under write contention every request must resolve to a grant or a
	// capacity denial; lock contention is the store's problem, not the
	// caller's.
	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := fmt.Sprintf("tok-%d", i)
			_, err := s.AllocateGPULease(ctx, tok, "racer", 2000, time.Hour, nil)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	granted, denied := 0, 0
	for err := range results {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, apperrors.ErrLeaseDenied):
			denied++
		default:
			t.Errorf("unexpected allocation error: %v", err)
		}
	}
	if granted != 4 || denied != 4 {
		t.Errorf("granted = %d, denied = %d, want 4 and 4", granted, denied)
	}
}

func TestExpiredLeaseIsImplicitlyDead(t *testing.T) {
	s, clock := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	if _, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 2000, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour + time.Second)

	// No purge pass has run, but the slot must already be grantable.
	lease, err := s.AllocateGPULease(ctx, "tok-2", "embedder", 2000, time.Hour, nil)
	if err != nil {
		t.Fatalf("AllocateGPULease() after expiry error = %v", err)
	}
	if *lease.ResourceIndex != 0 {
		t.Errorf("ResourceIndex = %d, want 0 (expired lease ignored)", *lease.ResourceIndex)
	}
}

func TestHeartbeatLease(t *testing.T) {
	s, clock := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	if _, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 2000, time.Minute, nil); err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * time.Second)
	lease, err := s.HeartbeatLease(ctx, "tok-1")
	if err != nil {
		t.Fatalf("HeartbeatLease() error = %v", err)
	}
	if want := clock.Now().Add(time.Minute); !lease.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", lease.ExpiresAt, want)
	}

	clock.Advance(2 * time.Minute)
	if _, err := s.HeartbeatLease(ctx, "tok-1"); !errors.Is(err, apperrors.ErrLeaseExpired) {
		t.Errorf("heartbeat after expiry error = %v, want ErrLeaseExpired", err)
	}

	if _, err := s.HeartbeatLease(ctx, "no-such-token"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("heartbeat on unknown token error = %v, want ErrNotFound", err)
	}
}

func TestReleaseLeaseFreesResource(t *testing.T) {
	s, _ := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	if _, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 2000, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseLease(ctx, "tok-1"); err != nil {
		t.Fatalf("ReleaseLease() error = %v", err)
	}
	if err := s.ReleaseLease(ctx, "tok-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("double release error = %v, want ErrNotFound", err)
	}

	lease, err := s.AllocateGPULease(ctx, "tok-2", "embedder", 2000, time.Hour, nil)
	if err != nil {
		t.Fatalf("AllocateGPULease() after release error = %v", err)
	}
	if *lease.ResourceIndex != 0 {
		t.Errorf("ResourceIndex = %d, want 0 (released slot reused)", *lease.ResourceIndex)
	}
}

func TestPurgeExpiredLeases(t *testing.T) {
	s, clock := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	if _, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 2000, time.Minute, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AllocateCPULease(ctx, "tok-cpu", "embedder", time.Hour, nil); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)
	purged, err := s.PurgeExpiredLeases(ctx, 100)
	if err != nil {
		t.Fatalf("PurgeExpiredLeases() error = %v", err)
	}
	if len(purged) != 1 || purged[0] != "tok-1" {
		t.Errorf("purged = %v, want [tok-1]", purged)
	}

	// The CPU lease is still live.
	if _, err := s.GetLease(ctx, "tok-cpu"); err != nil {
		t.Errorf("GetLease(tok-cpu) error = %v", err)
	}
	if _, err := s.GetLease(ctx, "tok-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetLease(tok-1) error = %v, want ErrNotFound", err)
	}
}

func TestCapacityUtilization(t *testing.T) {
	s, _ := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	leased, total, err := s.CapacityUtilization(ctx)
	if err != nil {
		t.Fatalf("CapacityUtilization() error = %v", err)
	}
	if leased != 0 || total != 28000 {
		t.Errorf("utilization = %d/%d, want 0/28000", leased, total)
	}

	if _, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 10000, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	leased, total, err = s.CapacityUtilization(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if leased != 24000 || total != 28000 {
		t.Errorf("utilization = %d/%d, want 24000/28000", leased, total)
	}
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	s, _ := openTestStore(t)
	seedTwoGPUs(t, s)
	ctx := context.Background()

	if _, err := s.AllocateGPULease(ctx, "tok-1", "embedder", 2000, time.Hour, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.HeartbeatLease(ctx, "tok-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseLease(ctx, "tok-1"); err != nil {
		t.Fatal(err)
	}

	trail, err := s.AuditTrail(ctx, "lease", "tok-1")
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	var events []string
	for _, e := range trail {
		events = append(events, e.Event)
	}
	want := []string{"granted", "heartbeat", "released"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}
