package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

func TestCreateJobIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, "job-42", "inference", `{"prompt":"hi"}`)
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if !created {
		t.Error("first CreateJob() created = false, want true")
	}

	created, err = s.CreateJob(ctx, "job-42", "inference", `{"prompt":"hi"}`)
	if err != nil {
		t.Fatalf("duplicate CreateJob() error = %v", err)
	}
	if created {
		t.Error("duplicate CreateJob() created = true, want false")
	}

	job, err := s.GetJob(ctx, "job-42")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != JobPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
}

func TestClaimJobExactlyOnce(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, "job-1", "inference", "{}"); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimJob(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}
	if !claimed {
		t.Error("first claim = false, want true")
	}

	// A duplicate delivery loses the conditional update.
	claimed, err = s.ClaimJob(ctx, "job-1", "")
	if err != nil {
		t.Fatalf("duplicate ClaimJob() error = %v", err)
	}
	if claimed {
		t.Error("duplicate claim = true, want false")
	}
}

func TestClaimJobRefusesDrainingPool(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreatePool(ctx, Pool{
		PoolID: "mistral-warm", AgentName: "a", ModelID: "mistral-7b",
		DesiredWorkers: 2, HoldSeconds: 600,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateJob(ctx, "job-1", "inference", "{}"); err != nil {
		t.Fatal(err)
	}

	if err := s.DrainPool(ctx, "mistral-warm", s.now().Add(2*time.Minute)); err != nil {
		t.Fatalf("DrainPool() error = %v", err)
	}

	claimed, err := s.ClaimJob(ctx, "job-1", "mistral-warm")
	if err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}
	if claimed {
		t.Error("claim against draining pool succeeded, want refusal")
	}

	// The job stays pending and claimable by a live pool.
	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != JobPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
}

func TestJobLifecycleDoneIsAbsorbing(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, "job-1", "inference", "{}"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJob(ctx, "job-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobRunning(ctx, "job-1"); err != nil {
		t.Fatalf("MarkJobRunning() error = %v", err)
	}
	if err := s.MarkJobDone(ctx, "job-1"); err != nil {
		t.Fatalf("MarkJobDone() error = %v", err)
	}

	if err := s.MarkJobRunning(ctx, "job-1"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("transition out of done error = %v, want ErrConflict", err)
	}
	if _, err := s.MarkJobFailed(ctx, "job-1", "late failure"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("fail after done error = %v, want ErrConflict", err)
	}
}

func TestFailRequeueDeadLetter(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	const maxAttempts = 2

	if _, err := s.CreateJob(ctx, "job-1", "inference", "{}"); err != nil {
		t.Fatal(err)
	}

	runOnce := func() int {
		if _, err := s.ClaimJob(ctx, "job-1", ""); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkJobRunning(ctx, "job-1"); err != nil {
			t.Fatal(err)
		}
		attempts, err := s.MarkJobFailed(ctx, "job-1", "handler exploded")
		if err != nil {
			t.Fatalf("MarkJobFailed() error = %v", err)
		}
		return attempts
	}

	if attempts := runOnce(); attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	requeued, err := s.RequeueJob(ctx, "job-1", maxAttempts)
	if err != nil {
		t.Fatal(err)
	}
	if !requeued {
		t.Error("requeue with attempts below max = false, want true")
	}

	if attempts := runOnce(); attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	requeued, err = s.RequeueJob(ctx, "job-1", maxAttempts)
	if err != nil {
		t.Fatal(err)
	}
	if requeued {
		t.Error("requeue at max attempts = true, want false")
	}

	if err := s.DeadLetterJob(ctx, "job-1"); err != nil {
		t.Fatalf("DeadLetterJob() error = %v", err)
	}

	// Never silently dropped: the row survives with full history.
	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != JobDeadLetter {
		t.Errorf("Status = %q, want dead_letter", job.Status)
	}
	if job.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", job.Attempts)
	}
	if job.LastError != "handler exploded" {
		t.Errorf("LastError = %q, want handler exploded", job.LastError)
	}
}

func TestStalePendingJobs(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, "job-old", "inference", "{}"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := s.CreateJob(ctx, "job-new", "inference", "{}"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StalePendingJobs(ctx, time.Minute, 100)
	if err != nil {
		t.Fatalf("StalePendingJobs() error = %v", err)
	}
	if len(stale) != 1 || stale[0].JobID != "job-old" {
		t.Errorf("stale = %+v, want only job-old", stale)
	}
}

func TestNonTerminalJobCountForPool(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreatePool(ctx, Pool{
		PoolID: "p-1", AgentName: "a", ModelID: "m", DesiredWorkers: 1, HoldSeconds: 600,
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"j-1", "j-2"} {
		if _, err := s.CreateJob(ctx, id, "inference", "{}"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimJob(ctx, id, "p-1"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.NonTerminalJobCountForPool(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	if err := s.MarkJobRunning(ctx, "j-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkJobDone(ctx, "j-1"); err != nil {
		t.Fatal(err)
	}

	n, err = s.NonTerminalJobCountForPool(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 after j-1 done", n)
	}
}
