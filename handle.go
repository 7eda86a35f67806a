package overwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/overwatch/internal/config"
	"github.com/nugget/overwatch/internal/lifecyclebus"
	"github.com/nugget/overwatch/internal/mailbox"
	"github.com/nugget/overwatch/lifecycle"
)

// Builder collects service declarations before the graph starts. It
// is Overwatch's stand-in for the "derive" external collaborator of
// spec.md §6/§9: in the absence of a source-transformation macro that
// generates an aggregate settings/handle container from a user
// struct, the caller declares each service explicitly and the builder
// plays the role of the generated aggregate.
type Builder struct {
	cfg         *config.ExecutorConfig
	logger      *slog.Logger
	specs       []serviceSpec
	seen        map[string]bool
	projections map[string]func(aggregate any) (any, error)
}

// NewBuilder returns a Builder. A nil cfg uses config.Default().
func NewBuilder(cfg *config.ExecutorConfig) *Builder {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Builder{
		cfg:         cfg,
		logger:      slog.Default(),
		seen:        make(map[string]bool),
		projections: make(map[string]func(aggregate any) (any, error)),
	}
}

// WithLogger overrides the logger passed to every service's
// supervisor. Returns b for chaining.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// Declare registers svc with initialSettings. It is a free function,
// not a Builder method, because Go methods cannot introduce type
// parameters the receiver doesn't already carry. It fails with
// ErrDuplicateID if svc.ID() was already declared on b (invariant I1,
// enforced at build time rather than left to the relay fabric's
// registration-time check).
func Declare[M, S, St any](b *Builder, svc Service[M, S, St], initialSettings S) error {
	id := svc.ID()
	if b.seen[id] {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	b.seen[id] = true
	b.specs = append(b.specs, &declaration[M, S, St]{svc: svc, settings: initialSettings})
	return nil
}

// DeclareProjection registers the "projection for updates" half of
// spec.md §6's Aggregate container contract for service id: a function
// that picks id's slice of some aggregate settings value A. Only
// services with a registered projection participate in
// UpdateAllSettings' fan-out (spec.md §4.5's "for each declared
// service, write its slice of the aggregate"). It is a free function,
// for the same reason Declare is: S and A are type parameters a
// Builder method receiver cannot introduce.
func DeclareProjection[S, A any](b *Builder, id string, project func(A) S) {
	b.projections[id] = func(aggregate any) (any, error) {
		a, ok := aggregate.(A)
		if !ok {
			return nil, fmt.Errorf("%w: projection for %q expects a different aggregate type", ErrWrongType, id)
		}
		return project(a), nil
	}
}

// Run starts the graph: spawns a supervisor per declared service,
// builds and publishes the relay fabric, emits a graph-level Started
// event, and returns a Handle (spec.md §4.5 start-up protocol). ctx's
// cancellation is the graph-wide cancellation token; cancelling it has
// the same effect as calling Handle.Shutdown.
func (b *Builder) Run(ctx context.Context) *Handle {
	graphCtx, cancelGraph := context.WithCancel(ctx)

	fabric := newFabric()
	bus := lifecyclebus.New()

	ctrl := &controller{
		cfg: controllerConfig{
			mailboxCapacity:   b.cfg.MailboxCapacity,
			shutdownGrace:     b.cfg.ShutdownGrace,
			commandTimeout:    b.cfg.CommandTimeout,
			shutdownOnFailure: b.cfg.ShutdownOnFailure,
		},
		logger:      b.logger,
		graphCtx:    graphCtx,
		cancelGraph: cancelGraph,
		fabric:      fabric,
		bus:         bus,
		handles:     make(map[string]*serviceHandle, len(b.specs)),
		projections: b.projections,
	}

	opts := spawnOpts{
		fabric:         fabric,
		bus:            bus,
		mailboxCap:     b.cfg.MailboxCapacity,
		commandTimeout: b.cfg.CommandTimeout,
		logger:         b.logger,
	}

	// Spawn every service first, then mark the fabric ready: a task
	// may begin running and even block on its first Inbox.Recv before
	// every peer is registered, but RelayTo blocks on fabric.ready
	// until step 3 of spec.md §4.5 completes, so no send can race a
	// not-yet-registered peer.
	for _, spec := range b.specs {
		ctrl.handles[spec.id()] = spec.spawn(graphCtx, opts)
	}
	fabric.markReady()
	bus.Publish(lifecycle.Event{Kind: lifecycle.Started, At: time.Now()})

	ctrl.commandBox = mailbox.New[command](b.cfg.MailboxCapacity)
	ctrl.commandRx = ctrl.commandBox.Receiver()

	shutdownOnFailure := make(chan struct{}, 1)
	ctrl.watchForFailure(shutdownOnFailure)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		ctrl.run()
	}()

	h := &Handle{
		ctrl:      ctrl,
		cmdTx:     ctrl.commandBox.Sender(),
		fabric:    fabric,
		loopDone:  loopDone,
		cancelAll: cancelGraph,
	}

	go func() {
		select {
		case <-shutdownOnFailure:
			h.Shutdown(context.Background())
		case <-graphCtx.Done():
		case <-loopDone:
		}
	}()

	return h
}

// Handle is the "Overwatch handle" of spec.md §3/§6: the external
// control surface returned from graph start.
type Handle struct {
	ctrl      *controller
	cmdTx     mailbox.Sender[command]
	fabric    *Fabric
	loopDone  <-chan struct{}
	cancelAll context.CancelFunc
}

func (h *Handle) do(ctx context.Context, cmd command) (commandReply, error) {
	reply := make(chan commandReply, 1)
	cmd.reply = reply
	if err := h.cmdTx.Send(ctx, cmd); err != nil {
		if errors.Is(err, mailbox.ErrClosed) {
			return commandReply{}, ErrControllerGone
		}
		return commandReply{}, err
	}
	select {
	case r := <-reply:
		return r, r.err
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
}

// Fabric returns the graph's relay fabric, for use with the free
// functions RelayTo and StateOf. It is safe to call before every
// service has finished registering: RelayTo and StateOf each wait on
// the fabric's own "fabric-ready" gate internally.
func (h *Handle) Fabric() *Fabric { return h.fabric }

// UpdateSettings writes new as service id's new Settings value. Free
// function for the same reason as RelayTo/StateOf.
func UpdateSettings[S any](ctx context.Context, h *Handle, id string, new S) error {
	_, err := h.do(ctx, command{kind: cmdUpdateSettings, serviceID: id, value: new})
	return err
}

// UpdateAllSettings fans aggregate out to every service that registered
// a projection with DeclareProjection, the `update_all(aggregate)`
// operation of spec.md §6 / `UpdateAllSettings(aggregate)` of spec.md
// §4.5's command table. It reports the first per-service error
// encountered, if any, but always attempts every registered service.
func UpdateAllSettings[A any](ctx context.Context, h *Handle, aggregate A) error {
	_, err := h.do(ctx, command{kind: cmdUpdateAllSettings, value: aggregate})
	return err
}

// Stop fires id's cancellation token and awaits its Stopped event
// (bounded by the configured shutdown grace period).
func (h *Handle) Stop(ctx context.Context, id string) error {
	_, err := h.do(ctx, command{kind: cmdStop, serviceID: id})
	return err
}

// Shutdown fires the graph cancellation token, awaits every service's
// Stopped event, and closes the command mailbox. Safe to call more
// than once; subsequent calls return ErrControllerGone.
func (h *Handle) Shutdown(ctx context.Context) error {
	_, err := h.do(ctx, command{kind: cmdShutdown})
	return err
}

// LifecycleStream returns a subscriber to the graph-wide aggregated
// lifecycle event channel. bufSize <= 0 uses lifecyclebus.DefaultBufferSize.
func (h *Handle) LifecycleStream(ctx context.Context, bufSize int) (<-chan lifecycle.Event, error) {
	r, err := h.do(ctx, command{kind: cmdSubscribeLifecycle, bufSize: bufSize})
	if err != nil {
		return nil, err
	}
	return r.value.(<-chan lifecycle.Event), nil
}

// ExitStatus summarizes per-service terminal states after WaitFinished
// returns (spec.md §6).
type ExitStatus struct {
	// Clean is true iff every service ended in Stopped rather than
	// Failed.
	Clean bool
	// Failures holds one ServiceFailedError per service that ended in
	// Failed.
	Failures []*ServiceFailedError
}

// WaitFinished blocks until the graph's command loop has exited
// (i.e. Shutdown has completed) and returns a summary of how every
// service ended.
func (h *Handle) WaitFinished(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.loopDone:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}

	status := ExitStatus{Clean: true}
	for id, handle := range h.ctrl.handles {
		select {
		case <-handle.done:
		default:
			continue
		}
		handle.mu.Lock()
		err, panicked := handle.err, handle.panicked
		handle.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) || panicked {
			status.Clean = false
			status.Failures = append(status.Failures, &ServiceFailedError{ServiceID: id, Cause: err})
		}
	}
	return status, nil
}
