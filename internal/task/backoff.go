package task

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffType selects how the redelivery delay grows.
type BackoffType string

// Supported backoff types
const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff computes the delay before redelivering a failed request.
// Exponential: Delay(n) = Base * 2^(n-1). Fixed: Delay(n) = Base.
// A positive Max caps the delay.
type Backoff struct {
	Type BackoffType
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns exponential backoff starting at one second.
func DefaultBackoff() Backoff {
	return Backoff{Type: BackoffExponential, Base: time.Second}
}

// Delay returns the wait after the given failed attempt, counted from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var policy retry.Backoff
	switch b.Type {
	case BackoffFixed:
		policy = retry.NewConstant(b.Base)
	default:
		policy = retry.NewExponential(b.Base)
	}
	if b.Max > 0 {
		policy = retry.WithCappedDuration(b.Max, policy)
	}

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay, _ = policy.Next()
	}
	return delay
}
