// Package lifecyclebus is a non-blocking broadcast bus for
// lifecycle.Event values, adapted from internal/events.Bus: subscribers
// receive events on buffered channels, and a slow subscriber misses
// events rather than stalling the publisher — lifecycle observation is
// best-effort diagnostics, not a delivery-guaranteed channel (spec.md
// §7 only promises per-subscriber state-machine ordering, not
// lossless delivery to every subscriber).
package lifecyclebus

import (
	"sync"

	"github.com/nugget/overwatch/lifecycle"
)

// DefaultBufferSize is used by Bus.Subscribe callers that don't need a
// specific buffer depth, sized to hold a full service's transition
// sequence (Started, SettingsUpdated*, Stopped/Failed) without drops
// under normal scheduling.
const DefaultBufferSize = 32

// Bus is a non-blocking broadcast bus of lifecycle.Event values.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan lifecycle.Event]struct{}
	recvToSend map[<-chan lifecycle.Event]chan lifecycle.Event
}

// New creates an empty bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan lifecycle.Event]struct{}),
		recvToSend: make(map[<-chan lifecycle.Event]chan lifecycle.Event),
	}
}

// Publish fans e out to every current subscriber. Non-blocking: a
// subscriber whose buffer is full drops the event. Safe to call on a
// nil receiver (no-op), matching the teacher's nil-safe Bus.
func (b *Bus) Publish(e lifecycle.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives every event published from
// this point on. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan lifecycle.Event {
	if bufSize < 1 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan lifecycle.Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Safe to call with an
// already-unsubscribed channel (no-op).
func (b *Bus) Unsubscribe(ch <-chan lifecycle.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
