package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/resolvd/resolvd/internal/logging"
	"github.com/resolvd/resolvd/internal/util"
)

const (
	defaultPollInterval = time.Second
	defaultBackoff      = 5 * time.Second
	maxRetryDelay       = 5 * time.Minute
)

// Handler processes one job. A nil return completes the job; an error
// retries it with backoff unless the error is non-retryable or the attempt
// budget is spent, in which case the job is parked as failed.
type Handler func(ctx context.Context, job *Job) error

// Observer is notified after each job attempt. outcome is one of
// "completed", "retried", "failed".
type Observer func(job *Job, outcome string, duration time.Duration)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets the worker poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// WithQueue declares a queue and its worker count.
func WithQueue(name string, workers int) Option {
	return func(s *Scheduler) { s.queues[name] = workers }
}

// WithObserver installs a metrics hook.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler runs worker pools over named queues backed by a Store.
type Scheduler struct {
	store        Store
	pollInterval time.Duration
	queues       map[string]int
	observer     Observer

	mu       sync.RWMutex
	handlers map[string]map[string]Handler // queue → job type → handler

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler over the given store.
func New(store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		pollInterval: defaultPollInterval,
		queues:       make(map[string]int),
		handlers:     make(map[string]map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to a job type on a queue. Queues not declared via
// WithQueue get a single worker.
func (s *Scheduler) Register(queue, jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[queue]; !ok {
		s.queues[queue] = 1
	}
	if s.handlers[queue] == nil {
		s.handlers[queue] = make(map[string]Handler)
	}
	s.handlers[queue][jobType] = h
}

func (s *Scheduler) handler(queue, jobType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[queue][jobType]
	return h, ok
}

// Enqueue schedules a job. A negative delay clamps to zero so the job fires
// immediately.
func (s *Scheduler) Enqueue(ctx context.Context, queue, jobType string, payload any, opts Options) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     body,
		RunAt:       now.Add(delay),
		MaxAttempts: attempts,
		Backoff:     backoff,
		State:       StateDelayed,
		EnqueuedAt:  now,
	}
	if delay == 0 {
		job.State = StateWaiting
	}

	if err := s.store.Add(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue %s/%s: %w", queue, jobType, err)
	}

	logging.Debug("job enqueued",
		logging.Queue(queue), logging.JobID(job.ID),
		"type", jobType, "delay", delay, "attempts", attempts)
	return job, nil
}

// Scan enumerates jobs in the queue matching the given states.
func (s *Scheduler) Scan(ctx context.Context, queue string, states ...JobState) ([]*Job, error) {
	return s.store.Scan(ctx, queue, states...)
}

// Remove pulls a pending job from its queue. Returns false once the job is
// executing or finished.
func (s *Scheduler) Remove(ctx context.Context, job *Job) (bool, error) {
	return s.store.Remove(ctx, job.Queue, job.ID)
}

// RemoveMatching removes every pending job in the queue whose record matches
// the predicate, returning how many were removed. This is the cancellation
// pattern: scan {delayed, waiting}, filter, remove.
func (s *Scheduler) RemoveMatching(ctx context.Context, queue string, pred func(*Job) bool) (int, error) {
	jobs, err := s.store.Scan(ctx, queue, StateDelayed, StateWaiting)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, j := range jobs {
		if !pred(j) {
			continue
		}
		ok, err := s.store.Remove(ctx, queue, j.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Start launches the worker pools. Safe to call once; returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for queue, workers := range s.queues {
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			name := fmt.Sprintf("scheduler-%s-%d", queue, i)
			q := queue
			util.SafeGoWithName(name, func() {
				defer s.wg.Done()
				s.workerLoop(ctx, q)
			})
		}
	}
	logging.Info("scheduler started", "queues", len(s.queues))
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	logging.Info("scheduler stopped")
}

func (s *Scheduler) workerLoop(ctx context.Context, queue string) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := s.store.Claim(ctx, queue, time.Now(), 1)
			if err != nil {
				if ctx.Err() == nil {
					logging.Warn("job claim failed", logging.Queue(queue), logging.Err(err))
				}
				continue
			}
			for _, job := range jobs {
				s.runJob(ctx, job)
			}
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	start := time.Now()
	job.Attempt++

	h, ok := s.handler(job.Queue, job.Type)
	if !ok {
		job.LastError = fmt.Sprintf("no handler for job type %q", job.Type)
		_ = s.store.Fail(ctx, job)
		s.observe(job, "failed", time.Since(start))
		logging.Error("job failed: unregistered type",
			logging.Queue(job.Queue), logging.JobID(job.ID), "type", job.Type)
		return
	}

	err := h(ctx, job)
	duration := time.Since(start)
	if err == nil {
		if cerr := s.store.Complete(ctx, job); cerr != nil {
			logging.Warn("job complete not recorded",
				logging.Queue(job.Queue), logging.JobID(job.ID), logging.Err(cerr))
		}
		s.observe(job, "completed", duration)
		return
	}

	job.LastError = err.Error()
	if util.IsNonRetryable(err) || job.Attempt >= job.MaxAttempts {
		_ = s.store.Fail(ctx, job)
		s.observe(job, "failed", duration)
		logging.Error("job failed",
			logging.Queue(job.Queue), logging.JobID(job.ID),
			"type", job.Type, "attempt", job.Attempt, logging.Err(err))
		return
	}

	runAt := time.Now().Add(util.BackoffDelay(job.Backoff, maxRetryDelay, 2.0, 0.1, job.Attempt))
	if rerr := s.store.Retry(ctx, job, runAt); rerr != nil {
		logging.Error("job retry not recorded",
			logging.Queue(job.Queue), logging.JobID(job.ID), logging.Err(rerr))
		return
	}
	s.observe(job, "retried", duration)
	logging.Warn("job retried",
		logging.Queue(job.Queue), logging.JobID(job.ID),
		"type", job.Type, "attempt", job.Attempt, "next_run", runAt, logging.Err(err))
}

func (s *Scheduler) observe(job *Job, outcome string, d time.Duration) {
	if s.observer != nil {
		s.observer(job, outcome, d)
	}
}
