package overwatch

import (
	"errors"
	"fmt"
)

// Sentinel errors implementing the error taxonomy of spec.md §7. Callers
// use errors.Is/errors.As against these exactly as internal/agent and
// internal/delegate do in the teacher repo.
var (
	ErrUnknownService  = errors.New("overwatch: unknown service")
	ErrWrongType       = errors.New("overwatch: wrong message type")
	ErrMailboxFull     = errors.New("overwatch: mailbox full")
	ErrReceiverGone    = errors.New("overwatch: receiver gone")
	ErrShutdownTimeout = errors.New("overwatch: shutdown timed out")
	ErrControllerGone  = errors.New("overwatch: controller is gone")
	ErrDuplicateID     = errors.New("overwatch: duplicate service id")

	// ErrPanic is wrapped into ServiceFailedError.Cause when the user
	// task's panic was recovered at the task-goroutine boundary.
	ErrPanic = errors.New("overwatch: service panicked")
)

// ServiceFailedError records that a service's task ended abnormally —
// it returned a non-nil error or panicked. Handle.WaitFinished reports
// one per failed service in ExitStatus.Failures. A
// lifecycle.Event{Kind: Failed} carries the underlying cause in its Err
// field, not a ServiceFailedError.
type ServiceFailedError struct {
	ServiceID string
	Cause     error
}

func (e *ServiceFailedError) Error() string {
	return fmt.Sprintf("overwatch: service %q failed: %v", e.ServiceID, e.Cause)
}

func (e *ServiceFailedError) Unwrap() error { return e.Cause }
