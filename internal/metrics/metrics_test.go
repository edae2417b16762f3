package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
)

func TestRefreshPopulatesGauges(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := transport.NewClient()
	if err := client.Connect(ctx, "redis://"+mr.Addr(), ""); err != nil {
		t.Fatalf("failed to connect transport: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	s, err := store.Open(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.SeedResources(ctx, []store.Resource{
		{ResourceIndex: 0, Name: "gpu0", CapacityMB: 24000},
	}); err != nil {
		t.Fatalf("failed to seed resources: %v", err)
	}
	if _, err := s.AllocateGPULease(ctx, "lease-1", "agent-a", 8000, time.Minute, nil); err != nil {
		t.Fatalf("failed to allocate lease: %v", err)
	}
	if _, err := s.CreateJob(ctx, "job-1", "inference", "{}"); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := client.Publish(ctx, "inference", "job-1", "{}"); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	m := New()
	m.Refresh(ctx, s, client, []string{"inference"})

	if got := testutil.ToFloat64(m.ActiveLeases); got != 1 {
		t.Errorf("expected 1 active lease, got %v", got)
	}
	if got := testutil.ToFloat64(m.FreeCapacityMB); got != 0 {
		t.Errorf("expected 0 free MB with the slot leased, got %v", got)
	}
	if got := testutil.ToFloat64(m.LeasedCapacityMB); got != 24000 {
		t.Errorf("expected full slot counted leased, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("inference")); got != 1 {
		t.Errorf("expected queue depth 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobsByStatus.WithLabelValues("pending")); got != 1 {
		t.Errorf("expected 1 pending job, got %v", got)
	}
}

func TestRecordJobAndLeader(t *testing.T) {
	m := New()

	m.RecordJob("inference", "done", 250*time.Millisecond)
	m.RecordJob("inference", "dead_letter", time.Second)

	if got := testutil.ToFloat64(m.DeadLetterTotal.WithLabelValues("inference")); got != 1 {
		t.Errorf("expected 1 dead-lettered job counted, got %v", got)
	}

	m.SetLeader(true)
	if got := testutil.ToFloat64(m.Leader); got != 1 {
		t.Errorf("expected leader gauge 1, got %v", got)
	}
	m.SetLeader(false)
	if got := testutil.ToFloat64(m.Leader); got != 0 {
		t.Errorf("expected leader gauge 0, got %v", got)
	}
}
