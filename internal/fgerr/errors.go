// Package fgerr defines the typed error kinds visible at the orchestrator's
// public boundary, usable with errors.As by callers of the router.
package fgerr

import "fmt"

// Kind enumerates the error kinds the core can surface to a caller.
type Kind string

const (
	KindNodeNotAvailable Kind = "NodeNotAvailable"
	KindAckTimeout       Kind = "AckTimeout"
	KindResultTimeout    Kind = "ResultTimeout"
	KindUnauthorized     Kind = "Unauthorized"
	KindExecutorFailure  Kind = "ExecutorFailure"
	KindAlreadyDone      Kind = "AlreadyDone"
	KindServerShutdown   Kind = "ServerShutdown"
)

// Error is a typed core-boundary error. Kind lets a caller branch on the
// failure category without string-matching Error().
type Error struct {
	Kind    Kind
	Message string
	JobID   string
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s: %s (job %s)", e.Kind, e.Message, e.JobID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a typed Error.
func New(kind Kind, jobID, message string) *Error {
	return &Error{Kind: kind, Message: message, JobID: jobID}
}

// NodeNotAvailable builds the NodeNotAvailable error for nodeID.
func NodeNotAvailable(nodeID string) *Error {
	return New(KindNodeNotAvailable, "", fmt.Sprintf("no live session for node %q", nodeID))
}

// AckTimeout builds the AckTimeout error for the given job.
func AckTimeout(jobID string) *Error {
	return New(KindAckTimeout, jobID, "JOB_ACK not received within ack deadline")
}

// ResultTimeout builds the ResultTimeout error for the given job.
func ResultTimeout(jobID string) *Error {
	return New(KindResultTimeout, jobID, "JOB_RESULT not received within result deadline")
}

// ServerShutdown builds the ServerShutdown error for the given job.
func ServerShutdown(jobID string) *Error {
	return New(KindServerShutdown, jobID, "orchestrator is shutting down")
}
