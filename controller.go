package overwatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/overwatch/internal/lifecyclebus"
	"github.com/nugget/overwatch/internal/mailbox"
	"github.com/nugget/overwatch/lifecycle"
)

// cmdKind tags the variant a command carries, mirroring the table in
// spec.md §4.5. Relay and StateOf are not commands: the Fabric they
// resolve against is concurrency-safe, so RelayTo and StateOf resolve
// directly against the pointer Handle.Fabric returns rather than
// round-tripping through the control loop.
type cmdKind int

const (
	cmdUpdateSettings cmdKind = iota
	cmdUpdateAllSettings
	cmdStop
	cmdShutdown
	cmdSubscribeLifecycle
)

// command is the controller's single inbound message type. Exactly
// one goroutine (the control loop below) ever reads the private maps
// it touches, the same single-consumer-owns-state shape the teacher
// uses in internal/scheduler.Scheduler and internal/delegate.Executor.
type command struct {
	kind      cmdKind
	serviceID string
	value     any
	bufSize   int
	reply     chan commandReply
}

type commandReply struct {
	err   error
	value any
}

// controller owns the service set, the shared fabric, and the
// graph-wide lifecycle bus. Its command loop is the only code that
// mutates handles after start-up; fabric entries are removed by each
// service's own supervisor goroutine when that service stops.
type controller struct {
	cfg    controllerConfig
	logger *slog.Logger

	graphCtx    context.Context
	cancelGraph context.CancelFunc

	fabric      *Fabric
	bus         *lifecyclebus.Bus
	handles     map[string]*serviceHandle
	projections map[string]func(aggregate any) (any, error)

	commandBox *mailbox.Mailbox[command]
	commandRx  mailbox.Receiver[command]
}

type controllerConfig struct {
	mailboxCapacity   int
	shutdownGrace     time.Duration
	commandTimeout    time.Duration
	shutdownOnFailure bool
}

func (c *controller) run() {
	for {
		cmd, err := c.commandRx.Recv(c.graphCtx)
		if err != nil {
			if !errors.Is(err, mailbox.ErrClosed) && !errors.Is(err, context.Canceled) {
				c.logger.Error("overwatch: command loop receive error", "error", err)
			}
			// The graph context was cancelled from outside: finish the
			// same way a Shutdown command does.
			c.handleShutdown(command{})
			return
		}
		c.dispatch(cmd)
		if cmd.kind == cmdShutdown {
			return
		}
	}
}

func (c *controller) dispatch(cmd command) {
	switch cmd.kind {
	case cmdUpdateSettings:
		c.handleUpdateSettings(cmd)
	case cmdUpdateAllSettings:
		c.handleUpdateAllSettings(cmd)
	case cmdStop:
		c.handleStop(cmd)
	case cmdShutdown:
		c.handleShutdown(cmd)
	case cmdSubscribeLifecycle:
		c.handleSubscribeLifecycle(cmd)
	}
}

func (c *controller) handleUpdateSettings(cmd command) {
	h, ok := c.handles[cmd.serviceID]
	if !ok {
		c.reply(cmd, commandReply{err: ErrUnknownService})
		return
	}
	ctx, cancel := context.WithTimeout(c.graphCtx, c.cfg.commandTimeout)
	defer cancel()
	err := h.updateSettings(ctx, cmd.value)
	c.reply(cmd, commandReply{err: err})
}

// handleUpdateAllSettings implements spec.md §4.5's fan-out command:
// for each declared service with a registered projection, derive its
// slice of cmd.value and write it as that service's new Settings. Every
// registered service is attempted regardless of earlier failures; only
// the first error is returned to the caller.
func (c *controller) handleUpdateAllSettings(cmd command) {
	var firstErr error
	for id, project := range c.projections {
		h, ok := c.handles[id]
		if !ok {
			continue
		}
		newSettings, err := project(cmd.value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ctx, cancel := context.WithTimeout(c.graphCtx, c.cfg.commandTimeout)
		err = h.updateSettings(ctx, newSettings)
		cancel()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.reply(cmd, commandReply{err: firstErr})
}

func (c *controller) handleStop(cmd command) {
	h, ok := c.handles[cmd.serviceID]
	if !ok {
		c.reply(cmd, commandReply{err: ErrUnknownService})
		return
	}
	h.cancel()
	c.awaitStopped(h)
	c.reply(cmd, commandReply{})
}

func (c *controller) handleShutdown(cmd command) {
	c.cancelGraph()
	for _, h := range c.handles {
		c.awaitStopped(h)
	}
	c.reply(cmd, commandReply{})
	c.commandBox.Close()
}

// awaitStopped races a service's task completion against the
// configured grace period (spec.md §4.5 shutdown step 4). The
// terminal lifecycle event itself is published by the service's own
// supervisor goroutine (supervisor.go); on timeout this additionally
// publishes Stopped{AbortedTimeout} since the supervisor goroutine may
// still be blocked well past the grace period (P5).
func (c *controller) awaitStopped(h *serviceHandle) {
	select {
	case <-h.done:
	case <-time.After(c.cfg.shutdownGrace):
		c.bus.Publish(lifecycle.Event{
			ServiceID: h.id,
			Kind:      lifecycle.Stopped,
			Reason:    lifecycle.AbortedTimeout,
			At:        time.Now(),
		})
	}
}

func (c *controller) handleSubscribeLifecycle(cmd command) {
	ch := c.bus.Subscribe(cmd.bufSize)
	c.reply(cmd, commandReply{value: ch})
}

func (c *controller) reply(cmd command, r commandReply) {
	if cmd.reply == nil {
		return
	}
	select {
	case cmd.reply <- r:
	default:
	}
}

// watchForFailure is an optional graph-wide lifecycle observer that
// implements SPEC_FULL.md §10's resolution of the "does ServiceFailed
// trigger shutdown" open question: when cfg.shutdownOnFailure is set,
// any Failed event triggers graph cancellation.
func (c *controller) watchForFailure(shutdownCh chan<- struct{}) {
	if !c.cfg.shutdownOnFailure {
		return
	}
	sub := c.bus.Subscribe(lifecyclebus.DefaultBufferSize)
	go func() {
		for ev := range sub {
			if ev.Kind == lifecycle.Failed {
				select {
				case shutdownCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()
}

