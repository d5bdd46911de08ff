package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/fgerr"
	"github.com/fleetgate/fleetgate/internal/model"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
	"github.com/fleetgate/fleetgate/internal/wire"
)

type fakeTransport struct {
	sent []wire.Envelope
	fail error
}

func (f *fakeTransport) Send(e wire.Envelope) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeTransport) Close(string) error { return nil }

func lastAssign(t *testing.T, tr *fakeTransport) wire.JobAssignPayload {
	t.Helper()
	for i := len(tr.sent) - 1; i >= 0; i-- {
		if tr.sent[i].Type == model.MsgJobAssign {
			var p wire.JobAssignPayload
			if err := tr.sent[i].Decode(&p); err != nil {
				t.Fatalf("decode JOB_ASSIGN: %v", err)
			}
			return p
		}
	}
	t.Fatal("no JOB_ASSIGN found")
	return wire.JobAssignPayload{}
}

func TestSubmitNodeNotAvailable(t *testing.T) {
	registry := session.New(zap.NewNop())
	rt := New(registry, zap.NewNop())

	_, _, err := rt.Submit(context.Background(), "node-unknown", model.ActionList, nil, "")

	var fgErr *fgerr.Error
	if !errors.As(err, &fgErr) || fgErr.Kind != fgerr.KindNodeNotAvailable {
		t.Fatalf("expected NodeNotAvailable, got %v", err)
	}
}

func TestSubmitAckThenResultSuccess(t *testing.T) {
	registry := session.New(zap.NewNop())
	tr := &fakeTransport{}
	registry.Install("node-1", tr)
	rt := New(registry, zap.NewNop())

	done := make(chan struct{})
	var gotJobID string
	var gotResult *wire.JobResultPayload
	var gotErr error

	go func() {
		gotJobID, gotResult, gotErr = rt.Submit(context.Background(), "node-1", model.ActionList, nil, "")
		close(done)
	}()

	// Wait for the JOB_ASSIGN send, then simulate the node's JOB_ACK +
	// JOB_RESULT.
	waitFor(t, func() bool { return len(tr.sent) > 0 })
	assign := lastAssign(t, tr)

	rt.HandleJobAck("node-1", wire.JobAckPayload{JobID: assign.JobID, State: model.AckStarted})
	rt.HandleJobResult("node-1", wire.JobResultPayload{JobID: assign.JobID, State: model.ResultSuccess})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return in time")
	}

	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotJobID != assign.JobID {
		t.Errorf("job id: got %s, want %s", gotJobID, assign.JobID)
	}
	if gotResult == nil || gotResult.State != model.ResultSuccess {
		t.Errorf("result: got %+v", gotResult)
	}
}

func TestSubmitAlreadyDoneResolvesWithoutResult(t *testing.T) {
	registry := session.New(zap.NewNop())
	tr := &fakeTransport{}
	registry.Install("node-1", tr)
	rt := New(registry, zap.NewNop())

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, _, gotErr = rt.Submit(context.Background(), "node-1", model.ActionList, nil, "")
		close(done)
	}()

	waitFor(t, func() bool { return len(tr.sent) > 0 })
	assign := lastAssign(t, tr)
	rt.HandleJobAck("node-1", wire.JobAckPayload{JobID: assign.JobID, State: model.AckAlreadyDone})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return in time")
	}
	var fgErr *fgerr.Error
	if !errors.As(gotErr, &fgErr) || fgErr.Kind != fgerr.KindAlreadyDone {
		t.Errorf("expected already-done to resolve with an AlreadyDone error, got %v", gotErr)
	}
}

func TestHandleJobAckUnknownJobIsIgnored(t *testing.T) {
	registry := session.New(zap.NewNop())
	rt := New(registry, zap.NewNop())
	rt.HandleJobAck("node-1", wire.JobAckPayload{JobID: "ghost", State: model.AckStarted}) // must not panic
}

func TestHandleJobResultLateDeliveryDropped(t *testing.T) {
	registry := session.New(zap.NewNop())
	tr := &fakeTransport{}
	registry.Install("node-1", tr)
	rt := New(registry, zap.NewNop())

	j := newJob("job-1", "node-1", model.ActionList, nil, nil, "job-1", DefaultAckDeadline, DefaultResultDeadline)
	rt.jobs.insert(j)
	j.markDone(model.JobSuccess, &wire.JobResultPayload{JobID: "job-1", State: model.ResultSuccess}, nil)

	rt.HandleJobResult("node-1", wire.JobResultPayload{JobID: "job-1", State: model.ResultFailed})

	if j.State() != model.JobSuccess {
		t.Errorf("late JOB_RESULT must not overwrite a terminal state, got %s", j.State())
	}
}

func TestShutdownCancelsInFlightJobs(t *testing.T) {
	registry := session.New(zap.NewNop())
	tr := &fakeTransport{}
	registry.Install("node-1", tr)
	rt := New(registry, zap.NewNop())

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, _, gotErr = rt.Submit(context.Background(), "node-1", model.ActionList, nil, "")
		close(done)
	}()

	waitFor(t, func() bool { return len(tr.sent) > 0 })
	rt.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after Shutdown")
	}

	var fgErr *fgerr.Error
	if !errors.As(gotErr, &fgErr) || fgErr.Kind != fgerr.KindServerShutdown {
		t.Fatalf("expected ServerShutdown error, got %v", gotErr)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
