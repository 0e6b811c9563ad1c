// Package connstate holds the subscription state machine shared by every
// change feed handle. Transitions are pure; timers and channels are driven by
// the caller through the returned Effect.
package connstate

import (
	"fmt"
	"time"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Error
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Input int

const (
	Activate Input = iota
	Ack
	Fail
	RetryDue
	Teardown
	// Stable reports that a connection stayed up for Policy.StableAfter.
	Stable
)

func (i Input) String() string {
	switch i {
	case Activate:
		return "activate"
	case Ack:
		return "ack"
	case Fail:
		return "fail"
	case RetryDue:
		return "retry_due"
	case Teardown:
		return "teardown"
	case Stable:
		return "stable"
	default:
		return fmt.Sprintf("input(%d)", int(i))
	}
}

type Action int

const (
	None Action = iota
	// Open asks the driver to subscribe a fresh channel.
	Open
	// ScheduleRetry asks the driver to close the channel and deliver RetryDue after Delay.
	ScheduleRetry
	// GiveUp asks the driver to close the channel and surface a persistent failure.
	GiveUp
	// Release asks the driver to close the channel and cancel any pending retry.
	Release
	// WatchStable asks the driver to deliver Stable after Delay unless the
	// channel fails first.
	WatchStable
)

type Effect struct {
	Action Action
	Delay  time.Duration
}

// Machine is the state of one subscription. The zero value is Idle.
type Machine struct {
	State State
	// Attempts counts failures since the connection was last stable. An ack
	// alone does not clear it, so a channel that keeps dropping right after
	// subscribing still runs out of retries.
	Attempts int
}

// Next returns the machine after applying in, along with the side effect the
// driver has to perform. Inputs that make no sense in the current state leave
// the machine unchanged.
func (m Machine) Next(in Input, p Policy) (Machine, Effect) {
	if in == Teardown {
		if m.State == Idle {
			return m, Effect{}
		}
		return Machine{State: Idle}, Effect{Action: Release}
	}

	switch m.State {
	case Idle:
		if in == Activate {
			return Machine{State: Connecting}, Effect{Action: Open}
		}
	case Connecting:
		switch in {
		case Ack:
			if m.Attempts == 0 || p.StableAfter <= 0 {
				return Machine{State: Connected}, Effect{}
			}
			return Machine{State: Connected, Attempts: m.Attempts}, Effect{Action: WatchStable, Delay: p.StableAfter}
		case Fail:
			return m.fail(p)
		}
	case Connected:
		switch in {
		case Fail:
			return m.fail(p)
		case Stable:
			return Machine{State: Connected}, Effect{}
		}
	case Error:
		if in == RetryDue {
			return Machine{State: Connecting, Attempts: m.Attempts}, Effect{Action: Open}
		}
	case Failed:
		if in == Activate {
			return Machine{State: Connecting}, Effect{Action: Open}
		}
	}

	return m, Effect{}
}

func (m Machine) fail(p Policy) (Machine, Effect) {
	if m.Attempts >= p.MaxAttempts {
		return Machine{State: Failed, Attempts: m.Attempts}, Effect{Action: GiveUp}
	}

	delay := p.Delay(m.Attempts)
	return Machine{State: Error, Attempts: m.Attempts + 1}, Effect{Action: ScheduleRetry, Delay: delay}
}
