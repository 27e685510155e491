// Package worker provides a goroutine pool that leases and executes jobs
// through the queue service, acting as an in-process worker fleet.
//
// Handlers are registered per job type before calling Pool.Start. Each type
// gets a dedicated polling goroutine that leases a batch per tick; a shared
// janitor goroutine escalates expired exhausted leases and prunes old
// terminal jobs.
//
// Execution is at-least-once. A handler that cannot report before its lease
// expires may see the same job delivered to another worker; handlers are
// expected to be idempotent on the job ID.
package worker

import (
	"context"
	"encoding/json"
)

// Handler is the function executed for each leased job.
// A non-nil return value reports the attempt failed (exponential backoff up
// to the job's attempt budget, then terminal failure). A nil return reports
// the job succeeded.
type Handler func(ctx context.Context, payload json.RawMessage) error
