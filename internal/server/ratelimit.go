package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// orgLimiter rate-limits incoming call webhooks per organization, so one
// tenant's call storm cannot starve the rest.
type orgLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// newOrgLimiter allows callsPerMinute sustained webhook calls per org, with
// a burst of the same size.
func newOrgLimiter(callsPerMinute int) *orgLimiter {
	return &orgLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(callsPerMinute) / 60),
		burst:    callsPerMinute,
	}
}

// Allow reports whether one more call for org fits in its budget.
func (o *orgLimiter) Allow(org string) bool {
	o.mu.Lock()
	l, ok := o.limiters[org]
	if !ok {
		l = rate.NewLimiter(o.limit, o.burst)
		o.limiters[org] = l
	}
	o.mu.Unlock()
	return l.Allow()
}
