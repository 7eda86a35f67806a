// Package overwatch is an in-process application framework for
// composing long-running, independent services that communicate by
// typed, asynchronous messages and share no mutable state.
//
// A service is any type implementing Service[M, S, St]: it is
// declared onto a Builder with Declare, and the whole graph is started
// with Builder.Run. The returned Handle is the external control
// surface: RelayTo obtains a typed send handle to any other declared
// service, UpdateSettings pushes a new configuration value,
// LifecycleStream observes Started/SettingsUpdated/Stopped/Failed
// transitions, and Shutdown tears the whole graph down.
//
// Typical use:
//
//	b := overwatch.NewBuilder(cfg)
//	overwatch.Declare(b, Ping{}, PingSettings{Interval: time.Second})
//	overwatch.Declare(b, Pong{}, PongSettings{})
//	h := b.Run(ctx)
//	defer h.Shutdown(context.Background())
//
//	pong, err := overwatch.RelayTo[PingMsg](ctx, h.Fabric(), "pong")
package overwatch
