// Package scheduler provides the engine's delayed, retriable job queues.
// Jobs live in named queues, become due at RunAt, and are retried with
// exponential backoff until their attempt budget is exhausted, after which
// they are parked as failed (observable, never silently dropped).
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateDelayed   JobState = "delayed" // scheduled, not yet due
	StateWaiting   JobState = "waiting" // due, not yet claimed by a worker
	StateActive    JobState = "active"  // claimed, handler running
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Job is a single unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	MaxAttempts int             `json:"maxAttempts"`
	Attempt     int             `json:"attempt"`
	Backoff     time.Duration   `json:"backoff"`
	State       JobState        `json:"state"`
	LastError   string          `json:"lastError,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	return nil
}

// EffectiveState maps a stored pending state to delayed or waiting relative
// to now. Claimed and terminal states pass through unchanged.
func (j *Job) EffectiveState(now time.Time) JobState {
	switch j.State {
	case StateDelayed, StateWaiting:
		if now.Before(j.RunAt) {
			return StateDelayed
		}
		return StateWaiting
	default:
		return j.State
	}
}

// Removable reports whether the job may still be pulled from the queue.
// Active and terminal jobs are not removable.
func (j *Job) Removable(now time.Time) bool {
	s := j.EffectiveState(now)
	return s == StateDelayed || s == StateWaiting
}

// Options controls a single enqueue.
type Options struct {
	// Delay before the job becomes due. Negative values clamp to zero so a
	// job scheduled "in the past" fires immediately.
	Delay time.Duration
	// Attempts is the total attempt budget (default 1: no retries).
	Attempts int
	// Backoff is the base delay for exponential retry backoff.
	Backoff time.Duration
}
