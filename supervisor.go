package overwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/overwatch/internal/broadcast"
	"github.com/nugget/overwatch/internal/lifecyclebus"
	"github.com/nugget/overwatch/internal/mailbox"
	"github.com/nugget/overwatch/internal/relay"
	"github.com/nugget/overwatch/lifecycle"
)

// serviceSpec is the non-generic existential wrapper spec.md §9's
// "Heterogeneous registry" design note calls for, applied a second
// time here: the controller stores one serviceSpec per declared
// service in a plain slice, even though each wraps a distinct
// declaration[M, S, St] instantiation.
type serviceSpec interface {
	id() string
	spawn(graphCtx context.Context, opts spawnOpts) *serviceHandle
}

type spawnOpts struct {
	fabric         *Fabric
	bus            *lifecyclebus.Bus
	mailboxCap     int
	commandTimeout time.Duration
	logger         *slog.Logger
}

// declaration pairs a user Service implementation with its initial
// Settings value, captured at Declare time.
type declaration[M, S, St any] struct {
	svc      Service[M, S, St]
	settings S
}

func (d *declaration[M, S, St]) id() string { return d.svc.ID() }

// serviceHandle is the internal "service handle" of spec.md §3: the
// sender-side endpoints and supervision state the controller retains
// for one running service. Terminal fields (err, panicked) are only
// valid after done is closed.
type serviceHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{} // closed once both tasks have returned

	mu       sync.Mutex
	err      error
	panicked bool

	updateSettings func(ctx context.Context, v any) error
}

func (d *declaration[M, S, St]) spawn(graphCtx context.Context, opts spawnOpts) *serviceHandle {
	id := d.svc.ID()
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	initialState := d.svc.NewState(d.settings)
	initialOperator := d.svc.NewOperator(d.settings)

	box := mailbox.New[M](opts.mailboxCap)
	settingsSlot := broadcast.NewWithValue(d.settings)
	stateSlot := broadcast.NewWithValue(initialState)

	svcCtx, cancel := context.WithCancel(graphCtx)

	if err := relay.Register(opts.fabric.msg, id, box.Sender()); err != nil {
		logger.Error("overwatch: duplicate service registration", "service", id, "error", err)
	}
	if err := relay.Register(opts.fabric.state, id, stateSlot); err != nil {
		logger.Error("overwatch: duplicate state registration", "service", id, "error", err)
	}

	handle := &serviceHandle{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
		updateSettings: func(ctx context.Context, v any) error {
			newSettings, ok := v.(S)
			if !ok {
				return fmt.Errorf("%w: service %q expects settings of a different type", ErrWrongType, id)
			}
			return settingsSlot.Write(ctx, newSettings)
		},
	}

	res := &ServiceResources[M, S, St]{
		ID:       id,
		Inbox:    Receiver[M]{inner: box.Receiver()},
		Settings: SettingsView[S]{sub: settingsSlot.Subscribe()},
		State:    StateWriter[St]{slot: stateSlot},
		Fabric:   opts.fabric,
	}

	var wg sync.WaitGroup
	serviceDone := make(chan struct{})
	instanceID := uuid.New()

	// Register the drain before the service task can run at all, not
	// inside the state-operator goroutine: res.State.Write is reachable
	// the instant the service task starts, and a write that lands before
	// Drain is registered would be stored latest-wins but never delivered
	// to the operator (invariant I3, property P6).
	drain := stateSlot.Drain()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(serviceDone)
		defer box.Close()
		defer func() {
			if r := recover(); r != nil {
				handle.mu.Lock()
				handle.panicked = true
				handle.err = fmt.Errorf("%w: %v", ErrPanic, r)
				handle.mu.Unlock()
				logger.Error("overwatch: service panicked", "service", id, "instance", instanceID, "panic", r)
			}
		}()

		opts.bus.Publish(lifecycle.Event{ServiceID: id, InstanceID: instanceID, Kind: lifecycle.Started, At: time.Now()})
		if err := d.svc.Run(svcCtx, res); err != nil {
			handle.mu.Lock()
			handle.err = err
			handle.mu.Unlock()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStateOperator(svcCtx, initialOperator, d.svc, settingsSlot, stateSlot, drain, serviceDone, opts.bus, id, instanceID)
	}()

	go func() {
		wg.Wait()
		opts.fabric.msg.Remove(id)
		opts.fabric.state.Remove(id)
		close(handle.done)

		handle.mu.Lock()
		err, panicked := handle.err, handle.panicked
		handle.mu.Unlock()

		ev := lifecycle.Event{ServiceID: id, InstanceID: instanceID, At: time.Now()}
		switch {
		case panicked:
			ev.Kind, ev.Cause, ev.Err = lifecycle.Failed, lifecycle.CausePanic, err
		case err != nil && !errors.Is(err, context.Canceled):
			ev.Kind, ev.Cause, ev.Err = lifecycle.Failed, lifecycle.CauseError, err
		default:
			ev.Kind, ev.Reason = lifecycle.Stopped, lifecycle.Cancelled
		}
		opts.bus.Publish(ev)
	}()

	return handle
}

// runStateOperator feeds every State value a service writes to the
// current StateOperator, in order (invariant I3), and rebuilds the
// operator whenever Settings changes (SPEC_FULL.md §10: unconditional
// rebuild). It keeps draining after the service task exits so no
// buffered value is lost before the service reaches Stopped.
func runStateOperator[M, S, St any](
	ctx context.Context,
	operator StateOperator[St],
	svc Service[M, S, St],
	settingsSlot *broadcast.Slot[S],
	stateSlot *broadcast.Slot[St],
	drain <-chan St,
	serviceDone <-chan struct{},
	bus *lifecyclebus.Bus,
	id string,
	instanceID uuid.UUID,
) {
	defer stateSlot.CloseDrain(drain)

	settingsSub := settingsSlot.Subscribe()
	settingsCh := make(chan S)
	settingsDone := make(chan struct{})
	go func() {
		defer close(settingsDone)
		// Skip the initial value: it is the one already used to build
		// the operator passed in above.
		if _, err := settingsSub.Next(ctx); err != nil {
			return
		}
		for {
			v, err := settingsSub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case settingsCh <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case v, ok := <-drain:
			if !ok {
				return
			}
			operator.Observe(v)
		case v := <-settingsCh:
			operator = svc.NewOperator(v)
			bus.Publish(lifecycle.Event{ServiceID: id, InstanceID: instanceID, Kind: lifecycle.SettingsUpdated, At: time.Now()})
		case <-serviceDone:
			drainBuffered(drain, operator)
			return
		}
	}
}

// drainBuffered flushes any values already queued on drain without
// blocking, so a service's last few State writes before it stopped
// are never silently lost (invariant I3's "at most once, in order" is
// satisfied only if this runs to completion first).
func drainBuffered[St any](drain <-chan St, operator StateOperator[St]) {
	for {
		select {
		case v, ok := <-drain:
			if !ok {
				return
			}
			operator.Observe(v)
		default:
			return
		}
	}
}
