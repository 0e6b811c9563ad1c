package connstate

import (
	"time"
)

const (
	DefaultMaxAttempts      = 5
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStableAfter      = 30 * time.Second
)

// Policy bounds the automatic retry path.
type Policy struct {
	// MaxAttempts is the number of automatic retries before the machine fails.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// StableAfter is how long a connection has to stay up before its failures
	// are forgiven. Zero forgives them on the ack.
	StableAfter time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		StableAfter: DefaultStableAfter,
	}
}

// Delay returns the wait before retry number attempt (zero based), doubling
// from BaseDelay and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
