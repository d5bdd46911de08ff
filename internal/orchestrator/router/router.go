// Package router implements the orchestrator's job router: the public
// Submit contract that selects a session, dispatches a job, and waits for
// acknowledgement and result with deadlines.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/fgerr"
	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
	"github.com/fleetgate/fleetgate/internal/wire"
)

// resultGracePeriod is how long a completed job stays in the table after
// reaching a terminal state, so a slightly-late duplicate JOB_RESULT can
// still be recognized and dropped with a clear log line instead of a
// "job not found" warning.
const resultGracePeriod = 2 * time.Minute

// Router dispatches jobs to node sessions and resolves the caller's wait
// when a result (or a deadline) arrives.
type Router struct {
	registry *session.Registry
	jobs     *JobTable
	logger   *zap.Logger
	metrics  Metrics
}

// Metrics is the subset of orchestrator metrics the router reports. Kept as
// an interface so router does not depend on the concrete Prometheus
// collector type.
type Metrics interface {
	RecordSubmit()
	RecordOutcome(state string, latency time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmit()                       {}
func (noopMetrics) RecordOutcome(string, time.Duration) {}

// New builds a Router bound to registry.
func New(registry *session.Registry, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		jobs:     NewJobTable(),
		logger:   logger,
		metrics:  noopMetrics{},
	}
}

// SetMetrics installs a Metrics recorder. Optional — a Router built via New
// reports nothing until this is called.
func (r *Router) SetMetrics(m Metrics) { r.metrics = m }

// ActionDeadlines lets callers override the default result deadline per
// action.
var ActionDeadlines = map[model.Action]time.Duration{}

func resultDeadlineFor(action model.Action) time.Duration {
	if d, ok := ActionDeadlines[action]; ok {
		return d
	}
	return DefaultResultDeadline
}

// Submit implements the router's public contract: allocate a job, dispatch
// it to nodeID's session, and block until JOB_RESULT, a deadline, or ctx
// cancellation resolves it.
func (r *Router) Submit(ctx context.Context, nodeID string, action model.Action, params json.RawMessage, deviceSelector string) (string, *wire.JobResultPayload, error) {
	jobID := uuid.NewString()
	idempotencyKey := jobID // defaults to the job id

	deviceIDs := []string{deviceSelector}
	if deviceSelector == "" {
		deviceIDs = []string{model.DeviceSelectorAll}
	}

	job := newJob(jobID, nodeID, action, params, deviceIDs, idempotencyKey, DefaultAckDeadline, resultDeadlineFor(action))
	r.metrics.RecordSubmit()

	sess, ok := r.registry.Get(nodeID)
	if !ok || sess.State() != model.SessionOnline {
		return jobID, nil, fgerr.NodeNotAvailable(nodeID)
	}

	r.jobs.insert(job)
	defer r.scheduleCleanup(job)

	assign := wire.JobAssignPayload{
		JobID:          job.ID,
		Action:         action,
		Params:         params,
		DeviceIDs:      deviceIDs,
		IdempotencyKey: idempotencyKey,
	}
	if err := sess.Send(model.MsgJobAssign, assign); err != nil {
		job.markDone(model.JobFailed, nil, err)
		return jobID, nil, fmt.Errorf("router: send JOB_ASSIGN: %w", err)
	}
	job.markAssigned()
	r.logger.Debug("router: job assigned", zap.String("job_id", jobID), zap.String("node_id", nodeID), zap.String("action", string(action)))

	if err := r.awaitAck(ctx, job); err != nil {
		return jobID, nil, err
	}

	return r.awaitResult(ctx, job)
}

func (r *Router) awaitAck(ctx context.Context, job *Job) error {
	timer := time.NewTimer(job.AckDeadline)
	defer timer.Stop()

	select {
	case <-job.acked:
		return nil
	case <-job.done:
		// already_done or an early failure resolved the job before ack
		// even had a chance to matter.
		return nil
	case <-timer.C:
		return fgerr.AckTimeout(job.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) awaitResult(ctx context.Context, job *Job) (string, *wire.JobResultPayload, error) {
	if job.State() != model.JobAcked && job.State() != model.JobAssigned {
		// Resolved already (e.g. already_done closed done without a result).
		if job.State() == model.JobSuccess || job.State() == model.JobFailed {
			return job.ID, job.result, job.err
		}
	}

	remaining := time.Until(job.CreatedAt.Add(job.ResultDeadline))
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-job.done:
		r.metrics.RecordOutcome(string(job.State()), time.Since(job.CreatedAt))
		return job.ID, job.result, job.err
	case <-timer.C:
		job.markDone(model.JobTimedOut, nil, fgerr.ResultTimeout(job.ID))
		r.metrics.RecordOutcome(string(model.JobTimedOut), time.Since(job.CreatedAt))
		return job.ID, nil, fgerr.ResultTimeout(job.ID)
	case <-ctx.Done():
		return job.ID, nil, ctx.Err()
	}
}

// HandleJobAck processes an incoming JOB_ACK from a node.
func (r *Router) HandleJobAck(nodeID string, p wire.JobAckPayload) {
	job, ok := r.jobs.Get(p.JobID)
	if !ok {
		r.logger.Warn("router: JOB_ACK for unknown job", zap.String("job_id", p.JobID), zap.String("node_id", nodeID))
		return
	}
	switch p.State {
	case model.AckAlreadyDone:
		// No JOB_RESULT will follow for a duplicate; resolve the wait now so
		// the caller isn't left hanging until ResultTimeout.
		job.markDone(model.JobSuccess, nil, fgerr.New(fgerr.KindAlreadyDone, job.ID, "duplicate idempotency key, no re-execution"))
	case model.AckStarted:
		job.markAcked()
	}
}

// HandleJobResult processes an incoming JOB_RESULT from a node.
func (r *Router) HandleJobResult(nodeID string, p wire.JobResultPayload) {
	job, ok := r.jobs.Get(p.JobID)
	if !ok {
		r.logger.Warn("router: JOB_RESULT for unknown job", zap.String("job_id", p.JobID), zap.String("node_id", nodeID))
		return
	}

	state := model.JobFailed
	if p.State == model.ResultSuccess {
		state = model.JobSuccess
	}

	payload := p
	var err error
	if p.Error != nil {
		err = fmt.Errorf("%s", *p.Error)
	}

	if !job.markDone(state, &payload, err) {
		r.logger.Warn("router: late JOB_RESULT dropped, job already terminal",
			zap.String("job_id", p.JobID), zap.String("node_id", nodeID), zap.String("job_state", string(job.State())))
	}
}

// Shutdown cancels every in-flight job with ServerShutdown.
func (r *Router) Shutdown() {
	r.jobs.CancelAll(func(jobID string) error { return fgerr.ServerShutdown(jobID) })
}

func (r *Router) scheduleCleanup(job *Job) {
	go func() {
		<-job.done
		time.Sleep(resultGracePeriod)
		r.jobs.Delete(job.ID)
	}()
}
