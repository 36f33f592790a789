// Package retry provides backoff policies for retried compile attempts.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// Mode selects how the delay grows between retries.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
)

// Policy encapsulates backoff settings. It is immutable after construction.
type Policy struct {
	Mode    Mode          // fixed|linear|exponential
	Initial time.Duration // base delay
	Max     time.Duration // cap for growth
}

// DefaultPolicy returns the default policy (exponential, 1s initial, 30s cap).
func DefaultPolicy() Policy {
	return Policy{Mode: ModeExponential, Initial: time.Second, Max: 30 * time.Second}
}

// NoDelay returns a policy that never waits.
func NoDelay() Policy {
	return Policy{Mode: ModeFixed}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(mode Mode, initial, maxDuration time.Duration) Policy {
	p := DefaultPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	switch mode {
	case ModeFixed, ModeLinear, ModeExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry number (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 || p.Initial <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case ModeFixed:
		return p.Initial
	case ModeExponential:
		shift := retryCount - 1
		if shift > 30 {
			shift = 30
		}
		d = p.Initial * (1 << shift)
	default: // linear
		d = time.Duration(retryCount) * p.Initial
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Validate ensures invariants; returns error if the policy cannot be applied.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeFixed, ModeLinear, ModeExponential:
	default:
		return fmt.Errorf("unknown backoff mode %q", p.Mode)
	}
	if p.Initial < 0 {
		return errors.New("initial delay cannot be negative")
	}
	if p.Max < 0 {
		return errors.New("max delay cannot be negative")
	}
	return nil
}
