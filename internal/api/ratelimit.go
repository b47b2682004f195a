package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedTenants is the number of tenant buckets kept before idle ones
// are dropped.
const maxTrackedTenants = 10000

// tenantLimiter keeps one token bucket per tenant, created on first use.
type tenantLimiter struct {
	mu         sync.Mutex
	rps        rate.Limit
	burst      int
	maxTenants int
	now        func() time.Time
	limiters   map[string]*rate.Limiter
}

// newTenantLimiter returns nil when rps is not positive; a nil limiter
// allows everything.
func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(int(rps), 1)
	}
	return &tenantLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		maxTenants: maxTrackedTenants,
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (l *tenantLimiter) Allow(tenant string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		if len(l.limiters) >= l.maxTenants {
			l.prune(now)
		}
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// prune drops buckets that have refilled; a full bucket behaves exactly like
// a new one. Called with mu held.
func (l *tenantLimiter) prune(now time.Time) {
	for tenant, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, tenant)
		}
	}
}

func (l *tenantLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
