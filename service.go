package overwatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/overwatch/internal/broadcast"
	"github.com/nugget/overwatch/internal/mailbox"
	"github.com/nugget/overwatch/internal/relay"
)

// Service is the user-supplied contract of spec.md §3, realized as a
// generic interface parameterized by three of the four associated
// types Go has no trait system to express natively: Message (M),
// Settings (S), and State (St). The fourth, StateOperator, is kept as a
// separate interface rather than a type parameter because it is
// constructed FROM Settings rather than stood alongside it.
type Service[M, S, St any] interface {
	// ID returns this service's stable identifier, used as the relay
	// fabric's lookup key (invariant I1: must be unique per graph).
	ID() string
	// NewState builds the initial State from settings, the Go
	// realization of spec.md §6's "State::from(&Settings)".
	NewState(settings S) St
	// NewOperator builds a StateOperator from settings. Rebuilt on
	// every settings update (SPEC_FULL.md §10, resolved unconditional
	// rebuild).
	NewOperator(settings S) StateOperator[St]
	// Run is the service's task entry point. It must return promptly
	// once ctx is cancelled.
	Run(ctx context.Context, res *ServiceResources[M, S, St]) error
}

// StateOperator observes every State value a service writes, in
// order, typically to persist it. The null operator (NopOperator) is
// the default for services that don't need one.
type StateOperator[St any] interface {
	Observe(state St)
}

// NopOperator is a StateOperator that discards every value.
type NopOperator[St any] struct{}

func (NopOperator[St]) Observe(St) {}

// ServiceResources is the per-service runtime context of spec.md §4.4
// step 5: the mailbox receiver, settings subscriber, state writer, and
// relay-fabric handle passed to Service.Run.
type ServiceResources[M, S, St any] struct {
	ID       string
	Inbox    Receiver[M]
	Settings SettingsView[S]
	State    StateWriter[St]
	Fabric   *Fabric
}

// Sender is a cloneable, typed send handle for one service's mailbox —
// the "relay handle" of spec.md §3. Obtained via RelayTo.
type Sender[M any] struct {
	inner mailbox.Sender[M]
}

// Send enqueues m, blocking until capacity is available, the target's
// receiver is gone, or ctx is cancelled.
func (s Sender[M]) Send(ctx context.Context, m M) error {
	if err := s.inner.Send(ctx, m); err != nil {
		return translateMailboxErr(err)
	}
	return nil
}

// TrySend enqueues m without blocking.
func (s Sender[M]) TrySend(m M) error {
	if err := s.inner.TrySend(m); err != nil {
		return translateMailboxErr(err)
	}
	return nil
}

func translateMailboxErr(err error) error {
	switch {
	case errors.Is(err, mailbox.ErrFull):
		return fmt.Errorf("%w", ErrMailboxFull)
	case errors.Is(err, mailbox.ErrClosed):
		return fmt.Errorf("%w", ErrReceiverGone)
	default:
		return err
	}
}

// Receiver is a service's consume-side mailbox handle.
type Receiver[M any] struct {
	inner mailbox.Receiver[M]
}

// Recv blocks until a message arrives, ctx is cancelled, or the
// mailbox is closed (e.g. during shutdown).
func (r Receiver[M]) Recv(ctx context.Context) (M, error) {
	m, err := r.inner.Recv(ctx)
	if err != nil {
		return m, translateMailboxErr(err)
	}
	return m, nil
}

// SettingsView is a service's read-only, latest-wins view of its own
// Settings (invariant I4).
type SettingsView[S any] struct {
	sub *broadcast.Subscription[S]
}

// Next blocks until a Settings value newer than the last one observed
// exists, skipping any intermediate writes (latest-wins).
func (v SettingsView[S]) Next(ctx context.Context) (S, error) {
	return v.sub.Next(ctx)
}

// StateWriter is a service's write-only handle to its own State
// channel.
type StateWriter[St any] struct {
	slot *broadcast.Slot[St]
}

// Write publishes a new State value. It blocks until the
// state-operator task has accepted it or ctx is cancelled — the
// backpressure point of spec.md §4.3 scenario 6.
func (w StateWriter[St]) Write(ctx context.Context, v St) error {
	return w.slot.Write(ctx, v)
}

// StateView is an external, read-only, latest-wins subscription to a
// service's State, obtained via StateOf.
type StateView[St any] struct {
	sub *broadcast.Subscription[St]
}

// Next blocks until a State value newer than the last one observed
// exists.
func (v StateView[St]) Next(ctx context.Context) (St, error) {
	return v.sub.Next(ctx)
}

// Fabric is the shared registry every service resources object
// carries a pointer to (spec.md §4.5's "relay-fabric handle"). It is
// built once, during graph start-up, and is safe for concurrent use by
// every service task thereafter. After start-up it only changes when a
// service stops: that service's entries are removed, so later lookups
// of it fail with ErrUnknownService.
//
// A service spawned before the fabric is fully populated must not
// send on it yet; ready is the one-shot "fabric-ready" gate of
// spec.md §9 ("Shared lifetime of the relay fabric") that every task
// awaits before its first outgoing relay send.
type Fabric struct {
	msg   *relay.Fabric
	state *relay.Fabric
	ready chan struct{}
}

func newFabric() *Fabric {
	return &Fabric{
		msg:   relay.NewFabric(),
		state: relay.NewFabric(),
		ready: make(chan struct{}),
	}
}

func (f *Fabric) markReady() { close(f.ready) }

func (f *Fabric) awaitReady(ctx context.Context) error {
	select {
	case <-f.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RelayTo returns a typed send handle for the service registered
// under id. It fails with ErrUnknownService if no such service is
// registered and ErrWrongType if it is registered with a different
// Message type (invariant I2). Free function, not a method, because
// Go cannot parameterize a method by a type absent from the receiver.
func RelayTo[M any](ctx context.Context, f *Fabric, id string) (Sender[M], error) {
	if err := f.awaitReady(ctx); err != nil {
		return Sender[M]{}, err
	}
	sender, err := relay.Lookup[mailbox.Sender[M]](f.msg, id)
	if err != nil {
		return Sender[M]{}, translateRelayErr(err)
	}
	return Sender[M]{inner: sender}, nil
}

// StateOf returns a latest-wins subscription to service id's current
// State, for external readers (other services or test harnesses) per
// spec.md §4.3's "external subscribers ... may subscribe and read the
// current value". Not part of spec.md §6's minimal external interface
// list, but a direct consequence of that sentence; see DESIGN.md.
func StateOf[St any](ctx context.Context, f *Fabric, id string) (StateView[St], error) {
	if err := f.awaitReady(ctx); err != nil {
		return StateView[St]{}, err
	}
	slot, err := relay.Lookup[*broadcast.Slot[St]](f.state, id)
	if err != nil {
		return StateView[St]{}, translateRelayErr(err)
	}
	return StateView[St]{sub: slot.Subscribe()}, nil
}

func translateRelayErr(err error) error {
	switch {
	case errors.Is(err, relay.ErrUnknownService):
		return fmt.Errorf("%w: %v", ErrUnknownService, err)
	case errors.Is(err, relay.ErrWrongType):
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	case errors.Is(err, relay.ErrDuplicateID):
		return fmt.Errorf("%w: %v", ErrDuplicateID, err)
	default:
		return err
	}
}
