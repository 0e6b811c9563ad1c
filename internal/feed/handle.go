package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/go-jobsync/internal/connstate"
	"github.com/npezzotti/go-jobsync/internal/observability"
	"github.com/npezzotti/go-jobsync/internal/stats"
	"github.com/npezzotti/go-jobsync/internal/types"
)

// StatusChange is emitted every time the handle changes state.
type StatusChange struct {
	Scope   types.Scope
	State   connstate.State
	Attempt int
	Err     error
}

type signalKind int

const (
	sigRetryDue signalKind = iota
	sigHandshakeTimeout
	sigReactivate
	sigStable
)

// signal is delivered to the run loop by timers and callers. token ties a
// timer to the channel generation that armed it so late timers are ignored.
type signal struct {
	kind  signalKind
	token int
}

// Handle is a single owned subscription. It must be closed by its owner.
type Handle struct {
	client *Client
	scope  types.Scope

	events  chan Event
	status  chan StatusChange
	signals chan signal
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	closeOnce sync.Once

	mu      sync.RWMutex
	machine connstate.Machine

	// owned by the run loop
	ch        Channel
	chEvents  <-chan Event
	chStatus  <-chan types.ChannelStatus
	token     int
	stopTimer func() bool
	openedAt  time.Time
	lastErr   error
}

func newHandle(c *Client, scope types.Scope, cancel context.CancelFunc) *Handle {
	return &Handle{
		client:  c,
		scope:   scope,
		events:  make(chan Event, 256),
		status:  make(chan StatusChange, 32),
		signals: make(chan signal, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

func (h *Handle) Scope() types.Scope {
	return h.scope
}

// Events delivers the change events of the scope in backend order. It is
// closed once the handle is closed.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Status delivers state changes. Changes are dropped when nobody reads them;
// State always reports the current one.
func (h *Handle) Status() <-chan StatusChange {
	return h.status
}

func (h *Handle) State() connstate.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.machine.State
}

func (h *Handle) Attempts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.machine.Attempts
}

// Reactivate restarts a handle whose retry budget is exhausted. It has no
// effect in any other state.
func (h *Handle) Reactivate() {
	h.signal(signal{kind: sigReactivate})
}

// Close tears the subscription down and returns once the backend channel has
// been released. It is safe to call more than once.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		close(h.stop)
	})
	<-h.done
}

// Done is closed when the handle has released its backend channel.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) signal(s signal) {
	select {
	case h.signals <- s:
	case <-h.stop:
	}
}

func (h *Handle) run(ctx context.Context) {
	defer func() {
		h.cancel()
		close(h.events)
		close(h.status)
		h.client.release(h)
		close(h.done)
	}()

	h.step(ctx, connstate.Activate, nil)

	for {
		select {
		case <-h.stop:
			h.step(ctx, connstate.Teardown, nil)
			return
		case ev, ok := <-h.chEvents:
			if !ok {
				h.chEvents = nil
				continue
			}
			h.client.stats.Incr(stats.FeedEvents)
			observability.IncFeedEvent(string(h.scope.Category), string(ev.Type))
			ev.Scope = h.scope
			select {
			case h.events <- ev:
			case <-h.stop:
				h.step(ctx, connstate.Teardown, nil)
				return
			}
		case st, ok := <-h.chStatus:
			if !ok {
				h.chStatus = nil
				h.step(ctx, connstate.Fail, ErrChannelClosed)
				continue
			}
			h.handleChannelStatus(ctx, st)
		case s := <-h.signals:
			h.handleSignal(ctx, s)
		}
	}
}

func (h *Handle) handleChannelStatus(ctx context.Context, st types.ChannelStatus) {
	switch st {
	case types.StatusSubscribed:
		if h.State() == connstate.Connecting {
			h.disarm()
			observability.ObserveHandshake(string(h.scope.Category), h.openedAt)
		}
		h.step(ctx, connstate.Ack, nil)
	case types.StatusChannelError, types.StatusTimedOut, types.StatusClosed:
		h.step(ctx, connstate.Fail, fmt.Errorf("subscription %s: %s", h.scope, st))
	default:
		h.client.log.Printf("subscription %s: ignoring status %q", h.scope, st)
	}
}

func (h *Handle) handleSignal(ctx context.Context, s signal) {
	switch s.kind {
	case sigReactivate:
		h.step(ctx, connstate.Activate, nil)
	case sigRetryDue:
		if s.token == h.token {
			h.step(ctx, connstate.RetryDue, nil)
		}
	case sigHandshakeTimeout:
		if s.token == h.token && h.State() == connstate.Connecting {
			h.step(ctx, connstate.Fail, ErrHandshakeTimeout)
		}
	case sigStable:
		if s.token == h.token && h.State() == connstate.Connected {
			h.step(ctx, connstate.Stable, nil)
		}
	}
}

// step feeds in to the state machine and performs the resulting effect.
func (h *Handle) step(ctx context.Context, in connstate.Input, err error) {
	h.mu.Lock()
	prev := h.machine
	next, effect := prev.Next(in, h.client.policy)
	h.machine = next
	h.mu.Unlock()

	if err != nil {
		h.lastErr = err
	}

	// the change is reported before the effect runs so that a failed open
	// is observed after the connecting state it failed from
	if prev.State != next.State {
		observability.TransitionSubscription(string(h.scope.Category), gaugeState(prev.State), gaugeState(next.State))
		change := StatusChange{Scope: h.scope, State: next.State, Attempt: next.Attempts}
		if next.State == connstate.Error || next.State == connstate.Failed {
			change.Err = h.lastErr
		}
		h.emit(change)
	}

	switch effect.Action {
	case connstate.Open:
		h.open(ctx)
	case connstate.ScheduleRetry:
		h.closeChannel()
		h.client.stats.Incr(stats.SubscriptionRetries)
		h.client.log.Printf("subscription %s failed (attempt %d), retrying in %s: %v", h.scope, next.Attempts, effect.Delay, err)
		h.arm(effect.Delay, sigRetryDue)
	case connstate.GiveUp:
		h.closeChannel()
		h.client.stats.Incr(stats.SubscriptionFailures)
		h.client.log.Printf("subscription %s gave up after %d attempts: %v", h.scope, next.Attempts, err)
	case connstate.Release:
		h.closeChannel()
	case connstate.WatchStable:
		h.arm(effect.Delay, sigStable)
	}
}

// open subscribes a fresh backend channel. A subscribe failure is fed back
// into the machine like any other channel failure.
func (h *Handle) open(ctx context.Context) {
	h.token++
	h.openedAt = h.client.clock.Now()

	ch, err := h.client.transport.Subscribe(ctx, h.scope)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.step(ctx, connstate.Fail, fmt.Errorf("subscribe %s: %w", h.scope, err))
		return
	}

	h.ch = ch
	h.chEvents = ch.Events()
	h.chStatus = ch.Status()
	h.arm(h.client.handshakeTimeout, sigHandshakeTimeout)
}

func (h *Handle) arm(d time.Duration, kind signalKind) {
	h.disarm()
	token := h.token
	h.stopTimer = h.client.clock.AfterFunc(d, func() {
		h.signal(signal{kind: kind, token: token})
	})
}

func (h *Handle) disarm() {
	if h.stopTimer != nil {
		h.stopTimer()
		h.stopTimer = nil
	}
}

func (h *Handle) closeChannel() {
	h.disarm()
	if h.ch == nil {
		return
	}
	if err := h.ch.Close(); err != nil {
		h.client.log.Printf("close subscription %s: %v", h.scope, err)
	}
	h.ch = nil
	h.chEvents = nil
	h.chStatus = nil
}

func (h *Handle) emit(change StatusChange) {
	select {
	case h.status <- change:
	default:
		h.client.log.Printf("subscription %s: status buffer full, dropping %s", h.scope, change.State)
	}
}

func gaugeState(s connstate.State) string {
	if s == connstate.Idle {
		return ""
	}
	return s.String()
}
