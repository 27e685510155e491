// ABOUTME: Sentinel errors returned by the queue service.
// ABOUTME: Callers match these with errors.Is to map failures onto API responses.
package queue

import "errors"

var (
	// ErrUnknownJobType is returned when a job type has no registered policy.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrInvalidPayload is returned when a payload is not a JSON object or
	// is missing a field the job type's policy requires.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrMissingWorkerID is returned when a lease request does not identify
	// the claiming worker.
	ErrMissingWorkerID = errors.New("missing worker id")

	// ErrJobNotFound is returned when no job exists with the given ID.
	ErrJobNotFound = errors.New("job not found")
)
