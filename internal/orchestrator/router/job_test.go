package router

import (
	"errors"
	"testing"

	"github.com/fleetgate/fleetgate/internal/model"
)

func TestMarkDoneIsTerminalOnce(t *testing.T) {
	j := newJob("job-1", "node-1", model.ActionList, nil, nil, "job-1", DefaultAckDeadline, DefaultResultDeadline)

	if ok := j.markDone(model.JobSuccess, nil, nil); !ok {
		t.Fatal("first markDone should succeed")
	}
	if ok := j.markDone(model.JobFailed, nil, errors.New("late")); ok {
		t.Fatal("second markDone on a terminal job should be rejected")
	}
	if j.State() != model.JobSuccess {
		t.Errorf("state should remain the first terminal state, got %s", j.State())
	}
}

func TestMarkAckedNoopAfterDone(t *testing.T) {
	j := newJob("job-1", "node-1", model.ActionList, nil, nil, "job-1", DefaultAckDeadline, DefaultResultDeadline)
	j.markDone(model.JobFailed, nil, errors.New("boom"))
	j.markAcked() // must not panic or regress state

	if j.State() != model.JobFailed {
		t.Errorf("state: got %s, want failed", j.State())
	}
}

func TestJobTableCancelAllMarksTimedOut(t *testing.T) {
	table := NewJobTable()
	j1 := newJob("job-1", "node-1", model.ActionList, nil, nil, "job-1", DefaultAckDeadline, DefaultResultDeadline)
	j2 := newJob("job-2", "node-1", model.ActionList, nil, nil, "job-2", DefaultAckDeadline, DefaultResultDeadline)
	table.insert(j1)
	table.insert(j2)

	table.CancelAll(func(jobID string) error { return errors.New("shutdown: " + jobID) })

	if j1.State() != model.JobTimedOut || j2.State() != model.JobTimedOut {
		t.Errorf("expected both jobs timed out, got %s and %s", j1.State(), j2.State())
	}
}

func TestJobTableGetAndDelete(t *testing.T) {
	table := NewJobTable()
	j := newJob("job-1", "node-1", model.ActionList, nil, nil, "job-1", DefaultAckDeadline, DefaultResultDeadline)
	table.insert(j)

	if _, ok := table.Get("job-1"); !ok {
		t.Fatal("expected job to be present after insert")
	}
	table.Delete("job-1")
	if _, ok := table.Get("job-1"); ok {
		t.Error("expected job to be gone after Delete")
	}
}
