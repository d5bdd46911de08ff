package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/wire"
)

// DefaultAckDeadline is the default wait for JOB_ACK.
const DefaultAckDeadline = 5 * time.Second

// DefaultResultDeadline is the default wait for JOB_RESULT, configurable
// per action.
const DefaultResultDeadline = 60 * time.Second

// Job is an in-flight or completed work item.
type Job struct {
	ID             string
	Target         string
	Action         model.Action
	Params         json.RawMessage
	DeviceIDs      []string
	IdempotencyKey string
	AckDeadline    time.Duration
	ResultDeadline time.Duration

	CreatedAt   time.Time
	AssignedAt  time.Time
	AckedAt     time.Time
	CompletedAt time.Time

	mu     sync.Mutex
	state  model.JobState
	result *wire.JobResultPayload
	err    error

	// acked and done are closed exactly once to wake a waiting submit()
	// call — one channel per job rather than a shared pending-futures map.
	acked chan struct{}
	done  chan struct{}
}

func newJob(id, target string, action model.Action, params json.RawMessage, deviceIDs []string, idempotencyKey string, ackDeadline, resultDeadline time.Duration) *Job {
	return &Job{
		ID:             id,
		Target:         target,
		Action:         action,
		Params:         params,
		DeviceIDs:      deviceIDs,
		IdempotencyKey: idempotencyKey,
		AckDeadline:    ackDeadline,
		ResultDeadline: resultDeadline,
		CreatedAt:      time.Now(),
		state:          model.JobPending,
		acked:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// State returns the job's current lifecycle state.
func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) markAssigned() {
	j.mu.Lock()
	j.state = model.JobAssigned
	j.AssignedAt = time.Now()
	j.mu.Unlock()
}

// markAcked transitions the job to acked and wakes anyone waiting on the
// ack deadline. Safe to call once; subsequent calls are no-ops.
func (j *Job) markAcked() {
	j.mu.Lock()
	if j.state == model.JobAssigned {
		j.state = model.JobAcked
		j.AckedAt = time.Now()
	}
	j.mu.Unlock()
	closeOnce(j.acked)
}

// markDone transitions the job to success/failed/timed_out and wakes
// anyone waiting on the result deadline. Safe to call once; later calls on
// an already-terminal job are ignored — a late JOB_RESULT is simply
// dropped.
func (j *Job) markDone(state model.JobState, result *wire.JobResultPayload, err error) bool {
	j.mu.Lock()
	if isTerminal(j.state) {
		j.mu.Unlock()
		return false
	}
	j.state = state
	j.result = result
	j.err = err
	j.CompletedAt = time.Now()
	j.mu.Unlock()
	closeOnce(j.acked)
	closeOnce(j.done)
	return true
}

func isTerminal(s model.JobState) bool {
	switch s {
	case model.JobSuccess, model.JobFailed, model.JobTimedOut:
		return true
	default:
		return false
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// JobTable tracks every job the router knows about, indexed by job-id.
// Completed jobs are retained for a grace period so a late JOB_RESULT can
// still be matched and logged, then pruned by the caller.
type JobTable struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewJobTable builds an empty JobTable.
func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[string]*Job)}
}

func (t *JobTable) insert(j *Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[j.ID] = j
}

// Get returns the job with the given id, if tracked.
func (t *JobTable) Get(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Delete drops a job from the table (called after its terminal-state grace
// period elapses).
func (t *JobTable) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
}

// CancelAll moves every non-terminal job to timed_out with the error
// makeErr builds for it, and wakes its waiter — orchestrator shutdown
// cancels all in-flight job waits this way (with ServerShutdown errors).
func (t *JobTable) CancelAll(makeErr func(jobID string) error) {
	t.mu.RLock()
	jobs := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j)
	}
	t.mu.RUnlock()

	for _, j := range jobs {
		j.markDone(model.JobTimedOut, nil, makeErr(j.ID))
	}
}
