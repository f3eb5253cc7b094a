// Package limits provides inbound frame rate limiting for sessions.
package limits

import "golang.org/x/time/rate"

// FrameLimiter bounds the rate of inbound frames on one session using a
// token bucket. A nil *FrameLimiter allows everything, so disabled
// limiting needs no branching at the call site.
type FrameLimiter struct {
	limiter *rate.Limiter
}

// NewFrameLimiter creates a limiter admitting perSec sustained frames per
// second with the given burst.
func NewFrameLimiter(perSec float64, burst int) *FrameLimiter {
	return &FrameLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether one more frame may be processed now.
func (l *FrameLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
