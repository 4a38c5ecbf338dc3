package daemon

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// controlMaxAttempts bounds retries of sweep and dispatch_all jobs. The
// next tick publishes a fresh one anyway, so there is no point in a long
// retry tail.
const controlMaxAttempts = 3

// jobLogRetention is how long job transcripts stay on disk.
const jobLogRetention = 7 * 24 * time.Hour

// Scheduler publishes periodic control jobs: a sweep job on the process
// lane every sweep interval, and optionally a dispatch_all job on the
// celery lane. It never runs the work inline; the worker pool picks the
// jobs up like any others, so a slow sweep cannot stall the tickers and
// overlapping cycles stay safe through the dispatcher's dedup. It also
// ages out old job transcripts, which is plain filesystem work and runs
// in the ticker goroutine directly.
type Scheduler struct {
	db     *storage.DB
	config ConfigGetter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler over the shared store.
func NewScheduler(db *storage.DB, cfg ConfigGetter) *Scheduler {
	return &Scheduler{
		db:     db,
		config: cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the ticker loop in a background goroutine. Intervals are
// read once here; changing them requires a daemon restart.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	cfg := s.config.Config()
	sweepEvery := cfg.Scheduler.SweepInterval()
	dispatchEvery := cfg.Scheduler.DispatchInterval()

	// Reinitialize channels for Start→Stop→Start cycles
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh = stopCh
	s.doneCh = doneCh

	s.running = true
	// Pass channels as parameters to avoid data races if Start() is called
	// again while the goroutine is still running
	go s.run(stopCh, doneCh, sweepEvery, dispatchEvery)

	if dispatchEvery > 0 {
		log.Printf("[scheduler] started (sweep every %s, dispatch-all every %s)", sweepEvery, dispatchEvery)
	} else {
		log.Printf("[scheduler] started (sweep every %s, dispatch-all disabled)", sweepEvery)
	}
	return nil
}

// Stop halts the ticker loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	// Capture channels and set running=false while holding lock to
	// prevent races with a concurrent Start()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(stopCh, doneCh chan struct{}, sweepEvery, dispatchEvery time.Duration) {
	defer close(doneCh)

	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	// A nil channel never fires, which disables dispatch-all cleanly.
	var dispatchC <-chan time.Time
	if dispatchEvery > 0 {
		dispatchTicker := time.NewTicker(dispatchEvery)
		defer dispatchTicker.Stop()
		dispatchC = dispatchTicker.C
	}

	// Transcript cleanup once at startup, then every few hours. Short-lived
	// daemons would otherwise never age anything out.
	s.cleanTranscripts()
	cleanupTicker := time.NewTicker(6 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-sweepTicker.C:
			s.publishSweep()
		case <-dispatchC:
			s.publishDispatchAll()
		case <-cleanupTicker.C:
			s.cleanTranscripts()
		}
	}
}

func (s *Scheduler) cleanTranscripts() {
	if removed := CleanJobLogs(jobLogRetention); removed > 0 {
		log.Printf("[scheduler] removed %d job transcripts older than %s", removed, jobLogRetention)
	}
}

// publishSweep queues one sweep job on the process lane. Skipped quietly
// when a sweep is already queued (the pending one covers this tick) or
// the lane is saturated.
func (s *Scheduler) publishSweep() {
	s.publishControl(storage.LaneProcess, storage.KindSweep)
}

// publishDispatchAll queues one dispatch_all job on the celery lane.
func (s *Scheduler) publishDispatchAll() {
	s.publishControl(storage.LaneCelery, storage.KindDispatchAll)
}

func (s *Scheduler) publishControl(lane string, kind storage.JobKind) {
	queued, err := s.db.ListJobs(storage.JobFilter{
		Kind:   kind,
		Status: storage.JobStatusQueued,
		Limit:  1,
	})
	if err != nil {
		log.Printf("[scheduler] check queued %s jobs: %v", kind, err)
		return
	}
	if len(queued) > 0 {
		return
	}

	_, err = s.db.EnqueueJob(storage.EnqueueRequest{
		Lane:        lane,
		Kind:        kind,
		MaxAttempts: controlMaxAttempts,
		DepthLimit:  s.config.Config().Queue.MaxDepth,
	})
	if err != nil {
		if errors.Is(err, storage.ErrBackpressure) {
			// Saturated lane: this tick's work waits for the next one.
			return
		}
		log.Printf("[scheduler] publish %s job: %v", kind, err)
	}
}
