// ABOUTME: HTTP handlers for the job queue API: enqueue, lease, report, inspect.
// ABOUTME: Registered through huma so the OpenAPI document stays in sync with the code.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/stockyardhq/stockyard/internal/queue"
)

// registerJobRoutes wires the queue endpoints onto the huma API.
//
//	POST /jobs                — submit a job
//	POST /leases              — claim a batch of eligible jobs
//	POST /jobs/{id}/success   — report successful execution
//	POST /jobs/{id}/failure   — report failed execution
//	GET  /jobs/{id}           — job detail
//	GET  /jobs                — filtered job list with keyset pagination
//	GET  /stats               — queue depth summary
func registerJobRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		Description:   "Validates the payload against the job type's policy and persists a new queued job.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, srv.enqueueJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "lease-jobs",
		Method:      http.MethodPost,
		Path:        "/leases",
		Summary:     "Lease jobs",
		Description: "Atomically claims up to limit eligible jobs for the calling worker. Concurrent calls never receive the same job. An empty jobs array is a normal poll result.",
		Tags:        []string{"Leases"},
	}, srv.leaseJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "report-job-success",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/success",
		Summary:     "Report success",
		Description: "Marks a leased job succeeded. Reports against a job that is no longer leased are acknowledged with applied=false and change nothing.",
		Tags:        []string{"Jobs"},
	}, srv.reportSuccessHandler)

	huma.Register(api, huma.Operation{
		OperationID: "report-job-failure",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/failure",
		Summary:     "Report failure",
		Description: "Records a failed attempt. The job is rescheduled with exponential backoff while attempts remain, then moved to terminal failure.",
		Tags:        []string{"Jobs"},
	}, srv.reportFailureHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns the full job record including lifecycle state and failure reason.",
		Tags:        []string{"Jobs"},
	}, srv.getJobHandler)

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Paginated job list, newest first, with optional status and type filters.",
		Tags:        []string{"Jobs"},
	}, srv.listJobsHandler)

	huma.Register(api, huma.Operation{
		OperationID: "queue-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Queue statistics",
		Description: "Job counts by status and type, plus how many jobs are eligible for a lease right now.",
		Tags:        []string{"Stats"},
	}, srv.statsHandler)
}

// ── Response types ────────────────────────────────────────────────────────────

// jobResponse is the API representation of a job record.
type jobResponse struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	NextRunAt      string          `json:"next_run_at"` // RFC3339
	LeaseExpiresAt *string         `json:"lease_expires_at,omitempty"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// jobToResponse converts a queue.Job to its API shape.
func jobToResponse(j *queue.Job) jobResponse {
	resp := jobResponse{
		ID:          j.ID.String(),
		Type:        j.Type,
		Payload:     j.Payload,
		Priority:    j.Priority,
		Status:      string(j.Status),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.NextRunAt.UTC().Format(time.RFC3339),
		CreatedAt:   j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.LeaseExpiresAt != nil {
		s := j.LeaseExpiresAt.UTC().Format(time.RFC3339)
		resp.LeaseExpiresAt = &s
	}
	resp.WorkerID = j.WorkerID
	resp.FailureReason = j.FailureReason
	return resp
}

// queueError maps service sentinels onto 4xx responses and logs anything
// else before returning a generic 500.
func queueError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, queue.ErrUnknownJobType),
		errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, queue.ErrMissingWorkerID):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, queue.ErrJobNotFound):
		return huma.Error404NotFound("job not found")
	}
	slog.ErrorContext(ctx, op, "error", err)
	return huma.Error500InternalServerError("internal error")
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// enqueueJobInput is the request body for POST /jobs. Fields are validated
// by the queue service so policy violations surface as structured 400s.
type enqueueJobInput struct {
	Body struct {
		Type        string          `json:"type,omitempty" doc:"Registered job type (e.g. thumbnail.create)"`
		Payload     json.RawMessage `json:"payload,omitempty" doc:"Job arguments as a JSON object"`
		Priority    int             `json:"priority,omitempty" doc:"Higher priority wins among jobs due at the same instant"`
		MaxAttempts int             `json:"max_attempts,omitempty" minimum:"1" doc:"Override the type's default attempt budget"`
		ScheduleAt  *time.Time      `json:"schedule_at,omitempty" doc:"Delay the first run until this time (RFC3339); past times run immediately"`
	}
}

// enqueueJobOutput is the response for POST /jobs.
type enqueueJobOutput struct {
	Body struct {
		Job jobResponse `json:"job"`
	}
}

func (srv *Server) enqueueJobHandler(ctx context.Context, input *enqueueJobInput) (*enqueueJobOutput, error) {
	p := queue.EnqueueParams{
		Type:        input.Body.Type,
		Payload:     input.Body.Payload,
		Priority:    input.Body.Priority,
		MaxAttempts: input.Body.MaxAttempts,
	}
	if input.Body.ScheduleAt != nil {
		p.ScheduleAt = *input.Body.ScheduleAt
	}
	job, err := srv.svc.Enqueue(ctx, p)
	if err != nil {
		return nil, queueError(ctx, "enqueue job", err)
	}
	out := &enqueueJobOutput{}
	out.Body.Job = jobToResponse(job)
	return out, nil
}

// ── POST /leases ──────────────────────────────────────────────────────────────

// leaseJobsInput is the request body for POST /leases.
type leaseJobsInput struct {
	Body struct {
		WorkerID string `json:"worker_id,omitempty" doc:"Stable identifier of the polling worker"`
		Type     string `json:"type,omitempty" doc:"Restrict the lease to one job type"`
		Limit    int    `json:"limit,omitempty" minimum:"1" doc:"Max jobs to claim; the server clamps to its configured ceiling"`
	}
}

// leaseJobsOutput is the response for POST /leases.
type leaseJobsOutput struct {
	Body struct {
		LeasedAt string        `json:"leased_at"` // RFC3339
		Jobs     []jobResponse `json:"jobs"`
	}
}

func (srv *Server) leaseJobsHandler(ctx context.Context, input *leaseJobsInput) (*leaseJobsOutput, error) {
	jobs, err := srv.svc.Lease(ctx, queue.LeaseParams{
		WorkerID: input.Body.WorkerID,
		Type:     input.Body.Type,
		Limit:    input.Body.Limit,
	})
	if err != nil {
		return nil, queueError(ctx, "lease jobs", err)
	}
	out := &leaseJobsOutput{}
	out.Body.LeasedAt = time.Now().UTC().Format(time.RFC3339)
	out.Body.Jobs = make([]jobResponse, len(jobs))
	for i, job := range jobs {
		out.Body.Jobs[i] = jobToResponse(job)
	}
	return out, nil
}

// ── POST /jobs/{id}/success and /jobs/{id}/failure ────────────────────────────

// reportSuccessInput identifies the job being reported on.
type reportSuccessInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// reportFailureInput carries the failure reason for the current attempt.
type reportFailureInput struct {
	ID   string `path:"id" doc:"Job ID"`
	Body struct {
		Reason string `json:"reason,omitempty" maxLength:"4096" doc:"What went wrong; recorded on the job"`
	}
}

// reportOutput is shared by success, failure, and cancel responses.
// Applied is false when the report was stale and changed nothing; the job
// field then shows the state that won.
type reportOutput struct {
	Body struct {
		Job     jobResponse `json:"job"`
		Applied bool        `json:"applied"`
	}
}

func (srv *Server) reportSuccessHandler(ctx context.Context, input *reportSuccessInput) (*reportOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job id")
	}
	job, applied, err := srv.svc.ReportSuccess(ctx, id)
	if err != nil {
		return nil, queueError(ctx, "report success", err)
	}
	out := &reportOutput{}
	out.Body.Job = jobToResponse(job)
	out.Body.Applied = applied
	return out, nil
}

func (srv *Server) reportFailureHandler(ctx context.Context, input *reportFailureInput) (*reportOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job id")
	}
	job, applied, err := srv.svc.ReportFailure(ctx, id, input.Body.Reason)
	if err != nil {
		return nil, queueError(ctx, "report failure", err)
	}
	out := &reportOutput{}
	out.Body.Job = jobToResponse(job)
	out.Body.Applied = applied
	return out, nil
}

// ── GET /jobs/{id} ────────────────────────────────────────────────────────────

// getJobInput identifies the job to fetch.
type getJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// getJobOutput is the response for GET /jobs/{id}.
type getJobOutput struct {
	Body struct {
		Job jobResponse `json:"job"`
	}
}

func (srv *Server) getJobHandler(ctx context.Context, input *getJobInput) (*getJobOutput, error) {
	id, err := uuid.Parse(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid job id")
	}
	job, err := srv.svc.Get(ctx, id)
	if err != nil {
		return nil, queueError(ctx, "get job", err)
	}
	out := &getJobOutput{}
	out.Body.Job = jobToResponse(job)
	return out, nil
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// jobListCursor is the internal JSON structure encoded in the opaque cursor.
type jobListCursor struct {
	CreatedAt string `json:"c"`
	ID        string `json:"id"`
}

// encodeJobCursor base64-encodes the cursor JSON (opaque to API clients).
func encodeJobCursor(t time.Time, id uuid.UUID) string {
	c := jobListCursor{
		CreatedAt: t.UTC().Format(time.RFC3339Nano),
		ID:        id.String(),
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeJobCursor decodes an opaque cursor into its keyset position.
func decodeJobCursor(s string) (time.Time, uuid.UUID, error) {
	if s == "" {
		return time.Time{}, uuid.Nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor (base64): %w", err)
	}
	var c jobListCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor (json): %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, c.CreatedAt)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor (bad time): %w", err)
	}
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("invalid cursor (bad id): %w", err)
	}
	return at, id, nil
}

// listJobsInput defines query parameters for the paginated job list.
type listJobsInput struct {
	Status string `query:"status" enum:"queued,leased,succeeded,failed,cancelled" required:"false" doc:"Filter by lifecycle state"`
	Type   string `query:"type" doc:"Filter by job type"`
	Cursor string `query:"cursor" doc:"Opaque pagination cursor returned in the previous response"`
	Limit  int    `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Page size (max 200)"`
}

// listJobsOutput is the response for GET /jobs.
type listJobsOutput struct {
	Body struct {
		Items      []jobResponse `json:"items"`
		NextCursor string        `json:"next_cursor,omitempty"`
	}
}

func (srv *Server) listJobsHandler(ctx context.Context, input *listJobsInput) (*listJobsOutput, error) {
	cursorAt, cursorID, err := decodeJobCursor(input.Cursor)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid cursor", err)
	}

	jobs, err := srv.svc.List(ctx, queue.ListJobsParams{
		Status:          queue.Status(input.Status),
		Type:            input.Type,
		CursorCreatedAt: cursorAt,
		CursorID:        cursorID,
		Limit:           input.Limit + 1, // fetch one extra to detect next page
	})
	if err != nil {
		return nil, queueError(ctx, "list jobs", err)
	}

	hasMore := len(jobs) > input.Limit
	if hasMore {
		jobs = jobs[:input.Limit]
	}

	out := &listJobsOutput{}
	out.Body.Items = make([]jobResponse, len(jobs))
	for i, job := range jobs {
		out.Body.Items[i] = jobToResponse(job)
	}
	if hasMore && len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		out.Body.NextCursor = encodeJobCursor(last.CreatedAt, last.ID)
	}
	return out, nil
}

// ── GET /stats ────────────────────────────────────────────────────────────────

// typeStatusCount is one row of the per-type breakdown.
type typeStatusCount struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// statsOutput is the response for GET /stats.
type statsOutput struct {
	Body struct {
		ByStatus    map[string]int64  `json:"by_status"`
		ByType      []typeStatusCount `json:"by_type"`
		EligibleNow int64             `json:"eligible_now"`
	}
}

func (srv *Server) statsHandler(ctx context.Context, _ *struct{}) (*statsOutput, error) {
	stats, err := srv.svc.Stats(ctx)
	if err != nil {
		return nil, queueError(ctx, "queue stats", err)
	}
	out := &statsOutput{}
	out.Body.ByStatus = make(map[string]int64, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		out.Body.ByStatus[string(status)] = n
	}
	out.Body.ByType = make([]typeStatusCount, len(stats.ByType))
	for i, c := range stats.ByType {
		out.Body.ByType[i] = typeStatusCount{Type: c.Type, Status: string(c.Status), Count: c.Count}
	}
	out.Body.EligibleNow = stats.EligibleNow
	return out, nil
}
