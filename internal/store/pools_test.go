package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

func createTestPool(t *testing.T, s *Store, id string, hold int) *Pool {
	t.Helper()
	pool, err := s.CreatePool(context.Background(), Pool{
		PoolID: id, AgentName: "agent", ModelID: "mistral-7b", Adapter: "lora-chat",
		DesiredWorkers: 2, HoldSeconds: hold,
	})
	if err != nil {
		t.Fatalf("CreatePool() error = %v", err)
	}
	return pool
}

func TestCreatePoolStartsInStarting(t *testing.T) {
	s, _ := openTestStore(t)
	pool := createTestPool(t, s, "mistral-warm", 600)

	if pool.Status != PoolStarting {
		t.Errorf("Status = %q, want starting", pool.Status)
	}
	if pool.SpawnedWorkers != 0 {
		t.Errorf("SpawnedWorkers = %d, want 0", pool.SpawnedWorkers)
	}
	if pool.Adapter != "lora-chat" {
		t.Errorf("Adapter = %q, want lora-chat", pool.Adapter)
	}
}

func TestHeartbeatAdvancesStartingToRunning(t *testing.T) {
	s, _ := openTestStore(t)
	createTestPool(t, s, "p-1", 600)
	ctx := context.Background()

	if err := s.HeartbeatPool(ctx, "p-1", 1); err != nil {
		t.Fatalf("HeartbeatPool() error = %v", err)
	}
	pool, err := s.GetPool(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if pool.Status != PoolRunning {
		t.Errorf("Status = %q, want running after first heartbeat", pool.Status)
	}
	if pool.SpawnedWorkers != 1 {
		t.Errorf("SpawnedWorkers = %d, want 1", pool.SpawnedWorkers)
	}

	// spawned never exceeds desired while the pool is live
	if err := s.HeartbeatPool(ctx, "p-1", 99); err != nil {
		t.Fatal(err)
	}
	pool, _ = s.GetPool(ctx, "p-1")
	if pool.SpawnedWorkers != 2 {
		t.Errorf("SpawnedWorkers = %d, want clamped to desired 2", pool.SpawnedWorkers)
	}

	if err := s.HeartbeatPool(ctx, "no-such-pool", 1); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("heartbeat on unknown pool error = %v, want ErrNotFound", err)
	}
}

func TestDrainThenCompleteDrain(t *testing.T) {
	s, clock := openTestStore(t)
	createTestPool(t, s, "p-1", 600)
	ctx := context.Background()

	deadline := clock.Now().Add(2 * time.Minute)
	if err := s.DrainPool(ctx, "p-1", deadline); err != nil {
		t.Fatalf("DrainPool() error = %v", err)
	}
	pool, _ := s.GetPool(ctx, "p-1")
	if pool.Status != PoolDraining {
		t.Errorf("Status = %q, want draining", pool.Status)
	}
	if !pool.DrainDeadline.Equal(deadline) {
		t.Errorf("DrainDeadline = %v, want %v", pool.DrainDeadline, deadline)
	}

	// Draining is not re-enterable.
	if err := s.DrainPool(ctx, "p-1", deadline); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("double drain error = %v, want ErrConflict", err)
	}

	if err := s.CompleteDrain(ctx, "p-1"); err != nil {
		t.Fatalf("CompleteDrain() error = %v", err)
	}
	pool, _ = s.GetPool(ctx, "p-1")
	if pool.Status != PoolStopped {
		t.Errorf("Status = %q, want stopped", pool.Status)
	}
}

func TestEvictReleasesPoolLeases(t *testing.T) {
	s, _ := openTestStore(t)
	seedTwoGPUs(t, s)
	createTestPool(t, s, "p-1", 600)
	ctx := context.Background()

	meta := map[string]string{"pool_id": "p-1"}
	if _, err := s.AllocateGPULease(ctx, "tok-1", "agent", 2000, time.Hour, meta); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AllocateGPULease(ctx, "tok-other", "other", 2000, time.Hour, nil); err != nil {
		t.Fatal(err)
	}

	if err := s.EvictPool(ctx, "p-1", "idle past hold_seconds"); err != nil {
		t.Fatalf("EvictPool() error = %v", err)
	}

	if _, err := s.GetLease(ctx, "tok-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("pool lease survived eviction: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetLease(ctx, "tok-other"); err != nil {
		t.Errorf("unrelated lease was released: err = %v", err)
	}

	pool, _ := s.GetPool(ctx, "p-1")
	if pool.Status != PoolEvicted {
		t.Errorf("Status = %q, want evicted", pool.Status)
	}

	// Eviction is terminal: heartbeats and re-eviction are rejected.
	if err := s.HeartbeatPool(ctx, "p-1", 1); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("heartbeat after evict error = %v, want ErrConflict", err)
	}
	if err := s.EvictPool(ctx, "p-1", ""); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("double evict error = %v, want ErrConflict", err)
	}
}

func TestStalePools(t *testing.T) {
	s, clock := openTestStore(t)
	createTestPool(t, s, "stale", 600)
	ctx := context.Background()

	clock.Advance(9 * time.Minute)
	createTestPool(t, s, "fresh", 600)

	// 650s since the stale pool's last heartbeat, 110s for the fresh one.
	clock.Advance(110 * time.Second)

	stale, err := s.StalePools(ctx, 100)
	if err != nil {
		t.Fatalf("StalePools() error = %v", err)
	}
	if len(stale) != 1 || stale[0].PoolID != "stale" {
		t.Errorf("stale pools = %+v, want only 'stale'", stale)
	}

	// A heartbeat rescues a pool from staleness.
	if err := s.HeartbeatPool(ctx, "stale", 1); err != nil {
		t.Fatal(err)
	}
	stale, err = s.StalePools(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("stale pools after heartbeat = %+v, want none", stale)
	}
}
