// Package lifecycle defines the externally observable transitions a
// service or the graph as a whole can emit (spec.md §4.4): Started,
// SettingsUpdated, Stopped{reason}, and Failed{cause}. These are the
// event values carried on the graph-wide lifecycle bus built from
// internal/lifecyclebus. Every service publishes onto that one shared
// bus; there is no separate per-service lifecycle broadcast.
package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies which transition an Event records.
type Kind int

const (
	// Started is emitted once a service's task begins running, after
	// its initial State and Settings have been constructed.
	Started Kind = iota
	// SettingsUpdated is emitted after a service observes a new
	// Settings value and its StateOperator has rebuilt accordingly.
	SettingsUpdated
	// Stopped is emitted once a service's task and its state-operator
	// task have both finished without an error or panic (Reason
	// Cancelled), or by the controller when the shutdown grace period
	// elapses first (Reason AbortedTimeout).
	Stopped
	// Failed is emitted when a service's task returns an error or
	// panics. Cause records which.
	Failed
)

// String renders k using the Started/SettingsUpdated/Stopped/Failed
// vocabulary of spec.md §4.4, for use in log lines.
func (k Kind) String() string {
	switch k {
	case Started:
		return "Started"
	case SettingsUpdated:
		return "SettingsUpdated"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StopReason distinguishes why a Stopped event was emitted.
type StopReason int

const (
	// ReasonNone is the zero value, used on non-Stopped events.
	ReasonNone StopReason = iota
	// Cancelled means the user task returned nil or context.Canceled
	// without panicking. It is published by the service's supervisor
	// once both of its tasks have finished, whether or not the shutdown
	// grace period had already elapsed.
	Cancelled
	// AbortedTimeout means the user task did not return within the
	// grace period and the controller stopped waiting on it. Its
	// goroutine may still be running; the supervisor still publishes
	// that service's own terminal event if the task later returns.
	AbortedTimeout
)

func (r StopReason) String() string {
	switch r {
	case Cancelled:
		return "Cancelled"
	case AbortedTimeout:
		return "AbortedTimeout"
	default:
		return "None"
	}
}

// FailCause distinguishes why a Failed event was emitted.
type FailCause int

const (
	// CauseNone is the zero value, used on non-Failed events.
	CauseNone FailCause = iota
	// CauseError means the user task returned a non-nil error.
	CauseError
	// CausePanic means the user task panicked; the recovered panic
	// value is formatted into Event.Err. No stack trace is captured.
	CausePanic
	// CauseShutdownTimeout names the case where the supervisor's
	// infrastructure tasks (not the user task) fail to wind down within
	// the grace period during graph shutdown. The runtime in this module
	// never emits it.
	CauseShutdownTimeout
)

func (c FailCause) String() string {
	switch c {
	case CauseError:
		return "Error"
	case CausePanic:
		return "Panic"
	case CauseShutdownTimeout:
		return "ShutdownTimeout"
	default:
		return "None"
	}
}

// Event is one lifecycle transition, published on the graph-wide bus
// whose subscriptions Handle.LifecycleStream returns.
type Event struct {
	// ServiceID names the service the event concerns. Empty for a
	// graph-level event (e.g. the Started that Builder.Run publishes).
	ServiceID string
	// InstanceID identifies the particular supervisor run that
	// produced this event, distinguishing one service incarnation
	// from a later one spawned under the same ServiceID (e.g. after a
	// crash-and-restart policy a caller layers on top).
	InstanceID uuid.UUID
	Kind       Kind
	Reason     StopReason
	Cause      FailCause
	// Err is the underlying error or recovered panic, set when Cause
	// is CauseError or CausePanic.
	Err error
	At  time.Time
}
