package daemon

import (
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/config"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/testutil"
)

func newTestScheduler(t *testing.T) (*Scheduler, *storage.DB, *config.Config) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	cfg := config.DefaultConfig()
	return NewScheduler(db, NewStaticConfig(cfg)), db, cfg
}

func countJobs(t *testing.T, db *storage.DB, kind storage.JobKind) int {
	t.Helper()
	jobs, err := db.ListJobs(storage.JobFilter{Kind: kind})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	return len(jobs)
}

func TestSchedulerPublishesSweepOnProcessLane(t *testing.T) {
	s, db, _ := newTestScheduler(t)

	s.publishSweep()

	jobs, err := db.ListJobs(storage.JobFilter{Kind: storage.KindSweep})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("sweep jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.Lane != storage.LaneProcess {
		t.Errorf("lane = %s, want %s", job.Lane, storage.LaneProcess)
	}
	if job.MaxAttempts != controlMaxAttempts {
		t.Errorf("max_attempts = %d, want %d", job.MaxAttempts, controlMaxAttempts)
	}
	if job.WorkspaceID != nil {
		t.Errorf("control job should carry no workspace, got %v", *job.WorkspaceID)
	}
}

func TestSchedulerSkipsWhenSweepAlreadyQueued(t *testing.T) {
	s, db, _ := newTestScheduler(t)

	s.publishSweep()
	s.publishSweep()

	if n := countJobs(t, db, storage.KindSweep); n != 1 {
		t.Errorf("sweep jobs = %d, want 1 (second tick must not stack)", n)
	}
}

func TestSchedulerPublishesAgainAfterSweepClaimed(t *testing.T) {
	s, db, _ := newTestScheduler(t)

	s.publishSweep()
	if _, err := db.ClaimJob("w1", []string{storage.LaneProcess}, time.Minute); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	// With the first sweep running rather than queued, the next tick
	// publishes a fresh one.
	s.publishSweep()
	if n := countJobs(t, db, storage.KindSweep); n != 2 {
		t.Errorf("sweep jobs = %d, want 2", n)
	}
}

func TestSchedulerBackpressureSkipsQuietly(t *testing.T) {
	s, db, cfg := newTestScheduler(t)
	cfg.Queue.MaxDepth = 1

	// Saturate the process lane with an unrelated control job.
	if _, err := db.EnqueueJob(storage.EnqueueRequest{
		Lane: storage.LaneProcess,
		Kind: storage.KindDispatchAll,
	}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	s.publishSweep()

	if n := countJobs(t, db, storage.KindSweep); n != 0 {
		t.Errorf("sweep jobs = %d, want 0 when the lane is saturated", n)
	}
}

func TestSchedulerPublishesDispatchAllOnCeleryLane(t *testing.T) {
	s, db, _ := newTestScheduler(t)

	s.publishDispatchAll()

	jobs, err := db.ListJobs(storage.JobFilter{Kind: storage.KindDispatchAll})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("dispatch_all jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Lane != storage.LaneCelery {
		t.Errorf("lane = %s, want %s", jobs[0].Lane, storage.LaneCelery)
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	db := testutil.OpenTestDB(t)
	cfg := config.DefaultConfig()
	cfg.Scheduler.SweepIntervalSeconds = 1
	s := NewScheduler(db, NewStaticConfig(cfg))

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("second Start should fail while running")
	}

	testutil.WaitForCondition(t, 5*time.Second, "sweep job published", func() bool {
		return countJobs(t, db, storage.KindSweep) > 0
	})

	// dispatch_interval defaults to 0: no dispatch_all jobs may appear.
	if n := countJobs(t, db, storage.KindDispatchAll); n != 0 {
		t.Errorf("dispatch_all jobs = %d, want 0 when disabled", n)
	}

	s.Stop()
	s.Stop() // idempotent

	// Restart works with fresh channels.
	if err := s.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	s.Stop()
}
