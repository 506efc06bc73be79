// Package backoff computes retry delays for failed background operations.
// NextDelay is a pure function: the caller supplies the random source and
// persists the returned state between attempts.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the growth function mapping an attempt number to a base delay.
type Kind string

const (
	// KindConstant always waits BaseDelay.
	KindConstant Kind = "constant"
	// KindLinear waits BaseDelay * attempt.
	KindLinear Kind = "linear"
	// KindExponential waits BaseDelay * 2^(attempt-1).
	KindExponential Kind = "exponential"
)

// IsValid returns true if the kind is one of the supported growth functions.
func (k Kind) IsValid() bool {
	return k == KindConstant || k == KindLinear || k == KindExponential
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unknown backoff kind %q", s)
	}
	return k, nil
}

const (
	// Unlimited as MaxAttempts retries a failing operation forever.
	Unlimited = -1

	// jitterFactor spreads a jittered delay over [0.75d, 1.25d).
	jitterFactor = 0.5

	// decorrelatedScale normalizes the decorrelated series so the first
	// jittered delay averages BaseDelay.
	decorrelatedScale = 1 / 1.4

	maxDuration = time.Duration(math.MaxInt64)
)

// Errors returned by Policy.Validate.
var (
	ErrInvalidKind      = errors.New("invalid backoff kind")
	ErrInvalidBaseDelay = errors.New("base delay must be positive")
	ErrInvalidMaxDelay  = errors.New("max delay must not be smaller than base delay")
)

// Policy is the immutable retry configuration of a worker process.
type Policy struct {
	// Kind selects the growth function.
	Kind Kind

	// BaseDelay is the delay unit the growth function multiplies.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay. Zero means no cap.
	MaxDelay time.Duration

	// MaxAttempts is the number of reschedules allowed before a message is
	// dead-lettered. Unlimited (any negative value) never dead-letters.
	MaxAttempts int

	// UseJitter perturbs delays to spread out simultaneous redeliveries.
	UseJitter bool
}

// Validate reports whether the policy can be used to compute delays.
func (p Policy) Validate() error {
	if !p.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, p.Kind)
	}
	if p.BaseDelay <= 0 {
		return ErrInvalidBaseDelay
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidMaxDelay
	}
	return nil
}

// AllowsRetry returns true if a message whose retry count has just been
// incremented to retryCount may still be rescheduled.
func (p Policy) AllowsRetry(retryCount int) bool {
	if p.MaxAttempts < 0 {
		return true
	}
	return retryCount <= p.MaxAttempts
}

// NextDelay returns the delay before the given attempt (1-indexed) and the
// state to carry to the next attempt. random must return values in [0, 1);
// it is only consulted when the policy uses jitter.
func NextDelay(p Policy, attempt int, state float64, random func() float64) (time.Duration, float64) {
	if attempt < 1 {
		attempt = 1
	}

	if p.UseJitter && p.Kind == KindExponential {
		return decorrelated(p, attempt, state, random)
	}

	base := float64(p.BaseDelay)
	var d float64
	switch p.Kind {
	case KindLinear:
		d = base * float64(attempt)
	case KindExponential:
		d = base * math.Pow(2, float64(attempt-1))
	default:
		d = base
	}

	if p.UseJitter {
		offset := d * jitterFactor / 2
		d = d + d*jitterFactor*random() - offset
	}

	return clamp(d, p.MaxDelay), state
}

// decorrelated implements decorrelated jitter: each delay depends on the
// previous point of the series, carried in state.
func decorrelated(p Policy, attempt int, prev float64, random func() float64) (time.Duration, float64) {
	t := float64(attempt) + random()
	next := math.Pow(2, t) * math.Tanh(math.Sqrt(4*t))
	d := (next - prev) * decorrelatedScale * float64(p.BaseDelay)
	return clamp(d, p.MaxDelay), next
}

// clamp converts d to a duration within [0, maxDelay], saturating instead of
// overflowing when no cap is set.
func clamp(d float64, maxDelay time.Duration) time.Duration {
	limit := maxDuration
	if maxDelay > 0 {
		limit = maxDelay
	}
	if math.IsNaN(d) || d <= 0 {
		return 0
	}
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}
