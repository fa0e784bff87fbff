package client

import (
	"context"
	"sync"

	"github.com/Mmx233/QRT/protocol"
)

// eventWaiter is one AwaitEvent call. A waiter either matches any event
// or a specific one; non-matching events pass it by.
type eventWaiter struct {
	want protocol.Event
	any  bool
	ch   chan protocol.Event
}

// eventWaiters tracks concurrent AwaitEvent callers. Events resolve
// matching waiters in registration-independent order; session shutdown
// fails all of them so none is left hanging.
type eventWaiters struct {
	mu      sync.Mutex
	waiters map[*eventWaiter]struct{}
	err     error
}

func newEventWaiters() *eventWaiters {
	return &eventWaiters{waiters: make(map[*eventWaiter]struct{})}
}

func (ew *eventWaiters) register(want protocol.Event, any bool) (*eventWaiter, error) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.err != nil {
		return nil, ew.err
	}
	w := &eventWaiter{want: want, any: any, ch: make(chan protocol.Event, 1)}
	ew.waiters[w] = struct{}{}
	return w, nil
}

func (ew *eventWaiters) unregister(w *eventWaiter) {
	ew.mu.Lock()
	delete(ew.waiters, w)
	ew.mu.Unlock()
}

// notify resolves every waiter the event matches.
func (ew *eventWaiters) notify(ev protocol.Event) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	for w := range ew.waiters {
		if w.any || w.want == ev {
			w.ch <- ev
			delete(ew.waiters, w)
		}
	}
}

// failAll resolves every waiter with err and refuses new registrations.
func (ew *eventWaiters) failAll(err error) {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.err == nil {
		ew.err = err
	}
	for w := range ew.waiters {
		close(w.ch)
		delete(ew.waiters, w)
	}
}

// AwaitEvent blocks until the server pushes a matching event. With no
// argument any event matches; with one, only that event resolves the
// call and others pass it by. Waiters fail with the session's close
// error when the connection ends first.
func (s *Session) AwaitEvent(ctx context.Context, want ...protocol.Event) (protocol.Event, error) {
	var target protocol.Event
	any := len(want) == 0
	if !any {
		target = want[0]
	}

	w, err := s.waiters.register(target, any)
	if err != nil {
		return 0, err
	}
	defer s.waiters.unregister(w)

	select {
	case ev, ok := <-w.ch:
		if !ok {
			return 0, s.closeReason()
		}
		return ev, nil
	case <-ctx.Done():
		return 0, ctxError(ctx)
	}
}

// Events returns the independent event delivery channel. Event order is
// preserved; the channel closes when the session ends. A consumer that
// stops draining it loses the newest events, which are logged instead.
func (s *Session) Events() <-chan protocol.Event {
	return s.events
}
