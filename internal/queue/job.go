// Package queue implements the durable work queue at the core of the
// marketplace platform: enqueue with per-type retry policy, atomic
// lease/claim for competing workers, success/failure reporting with
// exponential backoff, and escalation to terminal failure once attempts
// are exhausted.
//
// The queue guarantees at-least-once delivery with bounded retries and at
// most one active lease per job. It does not guarantee strict FIFO order,
// and it does not solve exactly-once execution — workers running
// non-idempotent side effects must derive their own idempotency key from
// the job ID.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting to be claimed (or waiting out
	// a backoff delay; see Job.NextRunAt).
	StatusQueued Status = "queued"
	// StatusLeased means a worker holds a time-bounded exclusive claim.
	StatusLeased Status = "leased"
	// StatusSucceeded is terminal: the job completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is terminal: retry attempts are exhausted. Failed jobs
	// rest here for manual inspection (the implicit dead-letter state).
	StatusFailed Status = "failed"
	// StatusCancelled is terminal: the job was administratively cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Job is one persisted unit of work and its lifecycle state.
//
// ID, Type, Payload, and MaxAttempts are immutable after creation.
// Attempt counts leases granted so far and never exceeds MaxAttempts.
// LeaseExpiresAt and WorkerID are set while leased; WorkerID is kept on
// terminal states to record the most recent holder.
type Job struct {
	ID             uuid.UUID
	Type           string
	Payload        json.RawMessage
	Priority       int
	Status         Status
	Attempt        int
	MaxAttempts    int
	NextRunAt      time.Time
	LeaseExpiresAt *time.Time
	WorkerID       *string
	FailureReason  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
