// Package scheduler drives the periodic background jobs on a single loop.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

const tickResolution = 500 * time.Millisecond

// Job is one periodic handler driven by the scheduler loop.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	nextDue time.Time
}

// Scheduler fires registered jobs on independent intervals from one
// background goroutine. Handlers run to completion before the next due
// check, so two jobs never overlap each other.
type Scheduler struct {
	jobs     []*Job
	logger   *log.Logger
	joinWait time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a scheduler over the given jobs. Jobs with a nil handler
// or non-positive interval are dropped.
func New(logger *log.Logger, jobs ...*Job) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	kept := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		if job == nil || job.Run == nil || job.Interval <= 0 {
			continue
		}
		kept = append(kept, job)
	}
	return &Scheduler{
		jobs:     kept,
		logger:   logger,
		joinWait: 5 * time.Second,
	}
}

// Start launches the loop. Starting an already running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	now := time.Now()
	for _, job := range s.jobs {
		job.nextDue = now.Add(job.Interval)
	}
	go s.loop(loopCtx, s.done)
	s.logger.Printf("scheduler: started with %d job(s)", len(s.jobs))
}

// Stop signals the loop and waits for it to exit, bounded by the join
// wait. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(s.joinWait):
		s.logger.Printf("scheduler: stop timed out after %s", s.joinWait)
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, job := range s.jobs {
				if now.Before(job.nextDue) {
					continue
				}
				s.runJob(ctx, job)
				job.nextDue = now.Add(job.Interval)
			}
		}
	}
}

// runJob isolates one handler invocation so a panic advances the schedule
// instead of killing the loop.
func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: job %s panicked: %v", job.Name, r)
		}
	}()
	job.Run(ctx)
}
