package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resolvd/resolvd/internal/util"
)

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueAndRunImmediateJob(t *testing.T) {
	s := New(NewMemoryStore(), WithPollInterval(10*time.Millisecond))

	var ran atomic.Int32
	s.Register("q", "noop", func(ctx context.Context, job *Job) error {
		ran.Add(1)
		return nil
	})
	startScheduler(t, s)

	if _, err := s.Enqueue(context.Background(), "q", "noop", map[string]string{"k": "v"}, Options{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 1 })
}

func TestNegativeDelayClampsToZero(t *testing.T) {
	s := New(NewMemoryStore())

	job, err := s.Enqueue(context.Background(), "q", "noop", nil, Options{Delay: -5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if job.RunAt.After(time.Now()) {
		t.Error("negative delay must schedule the job for immediate execution")
	}
	if job.State != StateWaiting {
		t.Errorf("immediate job should be waiting, got %s", job.State)
	}
}

func TestDelayedJobNotClaimedEarly(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)

	_, err := s.Enqueue(context.Background(), "q", "later", nil, Options{Delay: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := store.Claim(context.Background(), "q", time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Errorf("job due in 1h must not be claimable now, got %d", len(claimed))
	}

	claimed, err = store.Claim(context.Background(), "q", time.Now().Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Errorf("job must be claimable past its due time, got %d", len(claimed))
	}
}

func TestRetryWithBackoffThenFailed(t *testing.T) {
	var outcomes []string
	var mu sync.Mutex
	s := New(NewMemoryStore(),
		WithPollInterval(5*time.Millisecond),
		WithObserver(func(job *Job, outcome string, _ time.Duration) {
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}))

	var attempts atomic.Int32
	s.Register("q", "flaky", func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("still broken")
	})
	startScheduler(t, s)

	_, err := s.Enqueue(context.Background(), "q", "flaky", nil,
		Options{Attempts: 3, Backoff: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return attempts.Load() == 3 })

	waitFor(t, 2*time.Second, func() bool {
		failed, _ := s.Scan(context.Background(), "q", StateFailed)
		return len(failed) == 1
	})

	failed, _ := s.Scan(context.Background(), "q", StateFailed)
	if failed[0].LastError == "" {
		t.Error("failed job must record its last error")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"retried", "retried", "failed"}
	if len(outcomes) != len(want) {
		t.Fatalf("outcomes = %v, want %v", outcomes, want)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("outcome[%d] = %q, want %q", i, outcomes[i], want[i])
		}
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	s := New(NewMemoryStore(), WithPollInterval(5*time.Millisecond))

	var attempts atomic.Int32
	s.Register("q", "fatal", func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return util.MarkNonRetryable(errors.New("invalid transition"))
	})
	startScheduler(t, s)

	_, err := s.Enqueue(context.Background(), "q", "fatal", nil,
		Options{Attempts: 5, Backoff: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		failed, _ := s.Scan(context.Background(), "q", StateFailed)
		return len(failed) == 1
	})
	if attempts.Load() != 1 {
		t.Errorf("non-retryable error must not retry, got %d attempts", attempts.Load())
	}
}

func TestRemoveOnlyPendingJobs(t *testing.T) {
	store := NewMemoryStore()
	s := New(store)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, "q", "noop", nil, Options{Delay: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.Remove(ctx, job)
	if err != nil || !ok {
		t.Fatalf("expected removable pending job, got ok=%v err=%v", ok, err)
	}

	// Claimed jobs are not removable.
	job2, _ := s.Enqueue(ctx, "q", "noop", nil, Options{})
	claimed, _ := store.Claim(ctx, "q", time.Now(), 1)
	if len(claimed) != 1 {
		t.Fatal("expected to claim the job")
	}
	ok, err = s.Remove(ctx, job2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("active job must not be removable")
	}
}

func TestRemoveMatchingIsIdempotent(t *testing.T) {
	s := New(NewMemoryStore())
	ctx := context.Background()

	for _, pid := range []string{"p1", "p1", "p2"} {
		_, err := s.Enqueue(ctx, "q", "check", map[string]string{"proposalId": pid},
			Options{Delay: time.Hour})
		if err != nil {
			t.Fatal(err)
		}
	}

	match := func(j *Job) bool {
		var p struct {
			ProposalID string `json:"proposalId"`
		}
		if err := j.DecodePayload(&p); err != nil {
			return false
		}
		return p.ProposalID == "p1"
	}

	n, err := s.RemoveMatching(ctx, "q", match)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 removals, got %d", n)
	}

	// Second pass removes nothing and does not error.
	n, err = s.RemoveMatching(ctx, "q", match)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass should remove 0, got %d", n)
	}

	left, _ := s.Scan(ctx, "q", StateDelayed, StateWaiting)
	if len(left) != 1 {
		t.Errorf("expected the p2 job to survive, got %d jobs", len(left))
	}
}

func TestScanEffectiveStates(t *testing.T) {
	s := New(NewMemoryStore())
	ctx := context.Background()

	_, _ = s.Enqueue(ctx, "q", "a", nil, Options{Delay: time.Hour})
	_, _ = s.Enqueue(ctx, "q", "b", nil, Options{})

	delayed, _ := s.Scan(ctx, "q", StateDelayed)
	waiting, _ := s.Scan(ctx, "q", StateWaiting)
	if len(delayed) != 1 || delayed[0].Type != "a" {
		t.Errorf("expected one delayed job 'a', got %v", delayed)
	}
	if len(waiting) != 1 || waiting[0].Type != "b" {
		t.Errorf("expected one waiting job 'b', got %v", waiting)
	}
}

func TestUnregisteredJobTypeFails(t *testing.T) {
	s := New(NewMemoryStore(), WithPollInterval(5*time.Millisecond))
	s.Register("q", "known", func(context.Context, *Job) error { return nil })
	startScheduler(t, s)

	_, err := s.Enqueue(context.Background(), "q", "unknown", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		failed, _ := s.Scan(context.Background(), "q", StateFailed)
		return len(failed) == 1
	})
}
