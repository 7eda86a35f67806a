package overwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/overwatch/internal/config"
	"github.com/nugget/overwatch/lifecycle"
)

func testConfig() *config.ExecutorConfig {
	cfg := config.Default()
	cfg.MailboxCapacity = 8
	cfg.ShutdownGrace = 200 * time.Millisecond
	cfg.CommandTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- ping/pong fixtures -----------------------------------------------

type pingMsg struct{ seq int }
type pongMsg struct{ seq int }

type pingSettings struct{ interval time.Duration }
type pingState struct{ repliesSeen int }

type testPing struct{}

func (testPing) ID() string               { return "ping" }
func (testPing) NewState(pingSettings) pingState { return pingState{} }
func (testPing) NewOperator(pingSettings) StateOperator[pingState] { return NopOperator[pingState]{} }

func (testPing) Run(ctx context.Context, res *ServiceResources[pongMsg, pingSettings, pingState]) error {
	settings, err := res.Settings.Next(ctx)
	if err != nil {
		return err
	}
	pong, err := RelayTo[pingMsg](ctx, res.Fabric, "pong")
	if err != nil {
		return err
	}
	ticker := time.NewTicker(settings.interval)
	defer ticker.Stop()

	replies := make(chan pongMsg)
	go func() {
		for {
			m, err := res.Inbox.Recv(ctx)
			if err != nil {
				return
			}
			select {
			case replies <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	seen, seq := 0, 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seq++
			_ = pong.Send(ctx, pingMsg{seq: seq})
		case <-replies:
			seen++
			if err := res.State.Write(ctx, pingState{repliesSeen: seen}); err != nil {
				return err
			}
		}
	}
}

type pongSettings struct{}
type pongState struct{ pingsEchoed int }

type testPong struct{}

func (testPong) ID() string                { return "pong" }
func (testPong) NewState(pongSettings) pongState { return pongState{} }
func (testPong) NewOperator(pongSettings) StateOperator[pongState] { return NopOperator[pongState]{} }

func (testPong) Run(ctx context.Context, res *ServiceResources[pingMsg, pongSettings, pongState]) error {
	ping, err := RelayTo[pongMsg](ctx, res.Fabric, "ping")
	if err != nil {
		return err
	}
	echoed := 0
	for {
		m, err := res.Inbox.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrReceiverGone) {
				return nil
			}
			return err
		}
		if err := ping.Send(ctx, pongMsg{seq: m.seq}); err != nil {
			return nil
		}
		echoed++
		if err := res.State.Write(ctx, pongState{pingsEchoed: echoed}); err != nil {
			return err
		}
	}
}

func TestScenario1_PingPongRoundTrip(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testConfig())
	if err := Declare(b, testPing{}, pingSettings{interval: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Declare(ping): %v", err)
	}
	if err := Declare(b, testPong{}, pongSettings{}); err != nil {
		t.Fatalf("Declare(pong): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := b.Run(ctx)
	defer h.Shutdown(context.Background())

	time.Sleep(250 * time.Millisecond)

	view, err := StateOf[pingState](ctx, h.Fabric(), "ping")
	if err != nil {
		t.Fatalf("StateOf(ping): %v", err)
	}
	st, err := view.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if st.repliesSeen < 5 {
		t.Errorf("repliesSeen = %d, want >= 5 after 250ms at 20ms interval", st.repliesSeen)
	}

	pongView, err := StateOf[pongState](ctx, h.Fabric(), "pong")
	if err != nil {
		t.Fatalf("StateOf(pong): %v", err)
	}
	pongSt, err := pongView.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if pongSt.pingsEchoed < 5 {
		t.Errorf("pingsEchoed = %d, want >= 5", pongSt.pingsEchoed)
	}
}

// --- settings-update fixture --------------------------------------

type echoSettings struct{ prefix string }
type echoState struct{ lastOutput string }
type echoMsg struct{ text string }

type testEcho struct {
	id  string
	out *mailboxRecorder
}

type mailboxRecorder struct {
	mu      sync.Mutex
	outputs []string
}

func (r *mailboxRecorder) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, s)
}

func (r *mailboxRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outputs) == 0 {
		return ""
	}
	return r.outputs[len(r.outputs)-1]
}

func (e testEcho) ID() string {
	if e.id == "" {
		return "echo"
	}
	return e.id
}
func (e testEcho) NewState(echoSettings) echoState { return echoState{} }
func (e testEcho) NewOperator(echoSettings) StateOperator[echoState] { return NopOperator[echoState]{} }

func (e testEcho) Run(ctx context.Context, res *ServiceResources[echoMsg, echoSettings, echoState]) error {
	settings, err := res.Settings.Next(ctx)
	if err != nil {
		return err
	}

	settingsCh := make(chan echoSettings)
	go func() {
		for {
			v, err := res.Settings.Next(ctx)
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

	msgs := make(chan echoMsg)
	go func() {
		for {
			m, err := res.Inbox.Recv(ctx)
			if err != nil {
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-settingsCh:
			settings = s
		case m := <-msgs:
			out := settings.prefix + m.text
			e.out.record(out)
			if err := res.State.Write(ctx, echoState{lastOutput: out}); err != nil {
				return err
			}
		}
	}
}

func TestScenario2_SettingsUpdateMidRun(t *testing.T) {
	t.Parallel()
	recorder := &mailboxRecorder{}
	b := NewBuilder(testConfig())
	if err := Declare(b, testEcho{out: recorder}, echoSettings{prefix: "A"}); err != nil {
		t.Fatalf("Declare: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := b.Run(ctx)
	defer h.Shutdown(context.Background())

	echoIn, err := RelayTo[echoMsg](ctx, h.Fabric(), "echo")
	if err != nil {
		t.Fatalf("RelayTo: %v", err)
	}

	if err := echoIn.Send(ctx, echoMsg{text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return recorder.last() == "Ax" }, "never observed Ax")

	if err := UpdateSettings(ctx, h, "echo", echoSettings{prefix: "B"}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := echoIn.Send(ctx, echoMsg{text: "y"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return recorder.last() == "By" }, "never observed By")
}

// graphSettings is a stand-in for the aggregate settings struct spec.md
// §6's Aggregate container describes: one field per declared service.
type graphSettings struct {
	left  echoSettings
	right echoSettings
}

func TestUpdateAllSettingsFansOutProjection(t *testing.T) {
	t.Parallel()
	leftRecorder := &mailboxRecorder{}
	rightRecorder := &mailboxRecorder{}

	b := NewBuilder(testConfig())
	if err := Declare(b, testEcho{id: "left", out: leftRecorder}, echoSettings{prefix: "A"}); err != nil {
		t.Fatalf("Declare(left): %v", err)
	}
	if err := Declare(b, testEcho{id: "right", out: rightRecorder}, echoSettings{prefix: "A"}); err != nil {
		t.Fatalf("Declare(right): %v", err)
	}
	DeclareProjection(b, "left", func(g graphSettings) echoSettings { return g.left })
	DeclareProjection(b, "right", func(g graphSettings) echoSettings { return g.right })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := b.Run(ctx)
	defer h.Shutdown(context.Background())

	leftIn, err := RelayTo[echoMsg](ctx, h.Fabric(), "left")
	if err != nil {
		t.Fatalf("RelayTo(left): %v", err)
	}
	rightIn, err := RelayTo[echoMsg](ctx, h.Fabric(), "right")
	if err != nil {
		t.Fatalf("RelayTo(right): %v", err)
	}

	if err := UpdateAllSettings(ctx, h, graphSettings{
		left:  echoSettings{prefix: "L-"},
		right: echoSettings{prefix: "R-"},
	}); err != nil {
		t.Fatalf("UpdateAllSettings: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := leftIn.Send(ctx, echoMsg{text: "x"}); err != nil {
		t.Fatalf("Send(left): %v", err)
	}
	if err := rightIn.Send(ctx, echoMsg{text: "y"}); err != nil {
		t.Fatalf("Send(right): %v", err)
	}

	waitFor(t, time.Second, func() bool { return leftRecorder.last() == "L-x" }, "left never observed L-x")
	waitFor(t, time.Second, func() bool { return rightRecorder.last() == "R-y" }, "right never observed R-y")
}

func TestScenario3_RelayForUnknownService(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testConfig())
	if err := Declare(b, testPong{}, pongSettings{}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := b.Run(ctx)
	defer h.Shutdown(context.Background())

	_, err := RelayTo[pingMsg](ctx, h.Fabric(), "absent")
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("RelayTo(absent) = %v, want ErrUnknownService", err)
	}
}

func TestScenario4_GracefulShutdown(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testConfig())
	Declare(b, testPing{}, pingSettings{interval: 20 * time.Millisecond})
	Declare(b, testPong{}, pongSettings{})

	ctx := context.Background()
	h := b.Run(ctx)

	events, err := h.LifecycleStream(ctx, 32)
	if err != nil {
		t.Fatalf("LifecycleStream: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	seenStopped := map[string]bool{}
	deadline := time.After(time.Second)
collect:
	for len(seenStopped) < 2 {
		select {
		case ev := <-events:
			if ev.Kind == lifecycle.Stopped && ev.Reason == lifecycle.Cancelled {
				seenStopped[ev.ServiceID] = true
			}
		case <-deadline:
			break collect
		}
	}
	if !seenStopped["ping"] || !seenStopped["pong"] {
		t.Fatalf("seenStopped = %v, want both ping and pong Stopped{Cancelled}", seenStopped)
	}

	status, err := h.WaitFinished(context.Background())
	if err != nil {
		t.Fatalf("WaitFinished: %v", err)
	}
	if !status.Clean {
		t.Fatalf("ExitStatus.Clean = false, failures: %v", status.Failures)
	}
}

// --- panic isolation fixture ----------------------------------------

type crashMsg struct{}
type crashSettings struct{}
type crashState struct{}

type testCrasher struct{}

func (testCrasher) ID() string                 { return "crasher" }
func (testCrasher) NewState(crashSettings) crashState { return crashState{} }
func (testCrasher) NewOperator(crashSettings) StateOperator[crashState] {
	return NopOperator[crashState]{}
}

func (testCrasher) Run(ctx context.Context, res *ServiceResources[crashMsg, crashSettings, crashState]) error {
	if _, err := res.Inbox.Recv(ctx); err != nil {
		return nil
	}
	panic("crasher: deliberate panic on first message")
}

type survivorMsg struct{ text string }
type survivorSettings struct{}
type survivorState struct{ echoed int }

type testSurvivor struct{}

func (testSurvivor) ID() string { return "survivor" }
func (testSurvivor) NewState(survivorSettings) survivorState { return survivorState{} }
func (testSurvivor) NewOperator(survivorSettings) StateOperator[survivorState] {
	return NopOperator[survivorState]{}
}

func (testSurvivor) Run(ctx context.Context, res *ServiceResources[survivorMsg, survivorSettings, survivorState]) error {
	n := 0
	for {
		if _, err := res.Inbox.Recv(ctx); err != nil {
			return nil
		}
		n++
		if err := res.State.Write(ctx, survivorState{echoed: n}); err != nil {
			return err
		}
	}
}

func TestScenario5_ServicePanicIsolation(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testConfig())
	Declare(b, testCrasher{}, crashSettings{})
	Declare(b, testSurvivor{}, survivorSettings{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := b.Run(ctx)
	defer h.Shutdown(context.Background())

	events, err := h.LifecycleStream(ctx, 32)
	if err != nil {
		t.Fatalf("LifecycleStream: %v", err)
	}

	crasherIn, err := RelayTo[crashMsg](ctx, h.Fabric(), "crasher")
	if err != nil {
		t.Fatalf("RelayTo(crasher): %v", err)
	}
	if err := crasherIn.Send(ctx, crashMsg{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var gotFailed bool
	deadline := time.After(time.Second)
wait:
	for {
		select {
		case ev := <-events:
			if ev.ServiceID == "crasher" && ev.Kind == lifecycle.Failed && ev.Cause == lifecycle.CausePanic {
				gotFailed = true
				break wait
			}
		case <-deadline:
			break wait
		}
	}
	if !gotFailed {
		t.Fatal("never observed crasher Failed{Panic}")
	}

	survivorIn, err := RelayTo[survivorMsg](ctx, h.Fabric(), "survivor")
	if err != nil {
		t.Fatalf("RelayTo(survivor) after peer crash: %v", err)
	}
	if err := survivorIn.Send(ctx, survivorMsg{text: "still here"}); err != nil {
		t.Fatalf("Send to survivor after peer crash: %v", err)
	}

	view, err := StateOf[survivorState](ctx, h.Fabric(), "survivor")
	if err != nil {
		t.Fatalf("StateOf(survivor): %v", err)
	}
	st, err := view.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if st.echoed < 1 {
		t.Fatalf("survivor.echoed = %d, want >= 1", st.echoed)
	}
}

func TestP4_PostShutdownSendsFailFast(t *testing.T) {
	t.Parallel()
	b := NewBuilder(testConfig())
	Declare(b, testPong{}, pongSettings{})

	ctx := context.Background()
	h := b.Run(ctx)

	pongIn, err := RelayTo[pingMsg](ctx, h.Fabric(), "pong")
	if err != nil {
		t.Fatalf("RelayTo: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		err := pongIn.TrySend(pingMsg{seq: 1})
		return errors.Is(err, ErrReceiverGone)
	}, "send after shutdown never failed with ErrReceiverGone")

	if _, err := h.do(ctx, command{kind: cmdStop, serviceID: "pong"}); !errors.Is(err, ErrControllerGone) {
		t.Fatalf("command after Shutdown = %v, want ErrControllerGone", err)
	}
}
