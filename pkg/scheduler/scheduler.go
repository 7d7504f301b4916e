// Package scheduler admits analysis jobs into a bounded worker pool. Jobs
// run in admission order; the pool size caps how many pipelines execute
// concurrently.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/pipeline"
)

// ErrQueueFull is returned when the admission queue has no capacity; the
// caller should surface back-pressure rather than block.
var ErrQueueFull = errors.New("scheduler queue full")

// ErrClosed is returned when the scheduler is shutting down.
var ErrClosed = errors.New("scheduler closed")

// Scheduler owns the worker pool that drains the admission queue.
type Scheduler struct {
	store analysis.Store
	exec  *pipeline.Executor
	log   zerolog.Logger

	queue  chan uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]*slot
}

// slot tracks one admitted job from Admit until its execution releases
// it. It is what keeps a job from being queued onto two workers at once.
type slot struct {
	executing bool
	rerun     bool
}

// New builds a scheduler with the given concurrency and queue depth.
func New(store analysis.Store, exec *pipeline.Executor, workers, queueDepth int, log zerolog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < workers {
		queueDepth = workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    store,
		exec:     exec,
		log:      log.With().Str("component", "scheduler").Logger(),
		queue:    make(chan uuid.UUID, queueDepth),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uuid.UUID]*slot),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-s.ctx.Done():
			return
		case jobID, ok := <-s.queue:
			if !ok {
				return
			}
			s.begin(jobID)
			if err := s.exec.Execute(s.ctx, jobID); err != nil {
				log.Error().Err(err).Str("job_id", jobID.String()).Msg("job execution failed")
			}
			s.finish(jobID)
		}
	}
}

// Admit queues a job for execution. Admitting a job that is already
// queued or executing is a no-op, so the same job never runs on two
// workers at once. Returns ErrQueueFull under back-pressure; the job
// stays pending and is picked up by the next bootstrap scan.
func (s *Scheduler) Admit(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if sl, ok := s.inflight[jobID]; ok {
		// A queued entry observes any reset when it runs. A job that is
		// mid-execution may have been reset to pending underneath the
		// worker, so schedule one more pass after it releases the slot.
		if sl.executing {
			sl.rerun = true
		}
		return nil
	}

	select {
	case s.queue <- jobID:
		s.inflight[jobID] = &slot{}
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Scheduler) begin(jobID uuid.UUID) {
	s.mu.Lock()
	if sl, ok := s.inflight[jobID]; ok {
		sl.executing = true
	}
	s.mu.Unlock()
}

// finish releases the job's admission slot, re-queueing it once when a
// rerun was requested while it executed.
func (s *Scheduler) finish(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.inflight[jobID]
	if !ok {
		return
	}
	if sl.rerun && !s.closed {
		sl.executing = false
		sl.rerun = false
		select {
		case s.queue <- jobID:
			return
		default:
			s.log.Warn().Str("job_id", jobID.String()).Msg("rerun dropped, queue full; bootstrap will recover the job")
		}
	}
	delete(s.inflight, jobID)
}

// Reset returns a non-running job to pending, clears every non-upload
// stage and re-admits it.
func (s *Scheduler) Reset(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	job, err := s.store.ResetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.Admit(jobID); err != nil {
		return nil, fmt.Errorf("job reset but not admitted: %w", err)
	}
	return job, nil
}

// Reprocess is the client-facing reset: a running job is rejected with
// ErrConflict.
func (s *Scheduler) Reprocess(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	return s.Reset(ctx, jobID)
}

// Bootstrap re-admits work left over from a previous process: jobs that
// were running at crash time resume first, then still-pending jobs in
// creation order.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	admitted := 0
	for _, state := range []analysis.JobState{analysis.JobRunning, analysis.JobPending} {
		jobs, err := s.store.JobsInState(ctx, state)
		if err != nil {
			return fmt.Errorf("bootstrap scan failed: %w", err)
		}
		// JobsInState orders newest first; recover oldest first.
		for i := len(jobs) - 1; i >= 0; i-- {
			if err := s.Admit(jobs[i].ID); err != nil {
				s.log.Warn().Err(err).Str("job_id", jobs[i].ID.String()).Msg("bootstrap admission failed")
				continue
			}
			admitted++
		}
	}
	if admitted > 0 {
		s.log.Info().Int("jobs", admitted).Msg("re-admitted unfinished jobs")
	}
	return nil
}

// Close stops admissions, lets queued work drain and waits for in-flight
// jobs up to the context deadline. Jobs still running after the deadline
// are abandoned mid-stage and recovered by the next bootstrap.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
