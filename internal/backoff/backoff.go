// Package backoff decides retry delays and give-up points for failed
// operations, based on the classified error and the attempt count. It is
// pure and side-effect-free; the task runner owns the actual sleeping.
package backoff

import (
	"errors"
	"time"
)

// ErrorClass is the classification adapters attach to provider errors
// before they reach the core.
type ErrorClass string

const (
	// ClassTransient covers rate limits, not-found-yet and lock
	// contention; retried up to the policy ceiling.
	ClassTransient ErrorClass = "transient"
	// ClassTerminal covers expected failures that become state
	// transitions; never retried.
	ClassTerminal ErrorClass = "terminal"
	// ClassConfig covers configuration and programmer errors; never
	// retried.
	ClassConfig ErrorClass = "config"
	// ClassUnknown covers unclassified errors; retried up to a small
	// ceiling, then surfaced as terminal.
	ClassUnknown ErrorClass = "unknown"
)

// unknownAttemptCeiling bounds retries for unclassified errors.
const unknownAttemptCeiling = 3

// Kind selects the delay curve of a policy.
type Kind string

const (
	KindStatic      Kind = "static"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindEnduring    Kind = "enduring"
)

// Policy computes retry delays. The zero value is invalid; use one of
// the constructors.
type Policy struct {
	Kind        Kind
	Period      time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// Static retries every period*factor up to maxAttempts.
func Static(period time.Duration, factor float64, maxAttempts int) Policy {
	return Policy{Kind: KindStatic, Period: period, Factor: factor, MaxAttempts: maxAttempts}
}

// Linear retries after attempt*period up to maxAttempts.
func Linear(period time.Duration, maxAttempts int) Policy {
	return Policy{Kind: KindLinear, Period: period, MaxAttempts: maxAttempts}
}

// Exponential retries after base*2^(attempt-1), capped, up to maxAttempts.
func Exponential(base, cap time.Duration, maxAttempts int) Policy {
	return Policy{Kind: KindExponential, Period: base, Cap: cap, MaxAttempts: maxAttempts}
}

// Enduring retries with a constant delay for a caller-specified number
// of attempts.
func Enduring(period time.Duration, maxAttempts int) Policy {
	return Policy{Kind: KindEnduring, Period: period, MaxAttempts: maxAttempts}
}

func (p Policy) Validate() error {
	switch p.Kind {
	case KindStatic:
		if p.Factor <= 0 {
			return errors.New("static policy requires a positive factor")
		}
	case KindLinear, KindExponential, KindEnduring:
	default:
		return errors.New("policy kind is invalid")
	}
	if p.Period <= 0 {
		return errors.New("policy period must be positive")
	}
	if p.MaxAttempts < 1 {
		return errors.New("policy max attempts must be >= 1")
	}
	return nil
}

// Decide returns the delay before the next attempt, or ok=false when the
// operation must give up. attempt is the number of the attempt that just
// failed, starting at 1.
func (p Policy) Decide(class ErrorClass, attempt int) (time.Duration, bool) {
	if attempt < 1 {
		return 0, false
	}
	switch class {
	case ClassTerminal, ClassConfig:
		return 0, false
	case ClassUnknown:
		if attempt >= unknownAttemptCeiling {
			return 0, false
		}
	case ClassTransient:
	default:
		return 0, false
	}
	if attempt > p.MaxAttempts {
		return 0, false
	}
	return p.delay(attempt), true
}

func (p Policy) delay(attempt int) time.Duration {
	switch p.Kind {
	case KindStatic:
		return time.Duration(float64(p.Period) * p.Factor)
	case KindLinear:
		return time.Duration(attempt) * p.Period
	case KindExponential:
		delay := p.Period
		for i := 1; i < attempt; i++ {
			delay *= 2
			if p.Cap > 0 && delay >= p.Cap {
				return p.Cap
			}
		}
		if p.Cap > 0 && delay > p.Cap {
			return p.Cap
		}
		return delay
	case KindEnduring:
		return p.Period
	default:
		return p.Period
	}
}
