package backend

import (
	"sync"
	"time"
)

// Timeouts are the request timeout budgets used by TimeoutPolicy.
type Timeouts struct {
	// Default applies to fallback attempts and endpoints without a fallback host.
	Default time.Duration
	// FallbackEligible is the primary-host budget while nothing has timed out recently.
	FallbackEligible time.Duration
	// Reduced is the primary-host budget right after a fallback-eligible timeout.
	Reduced time.Duration
	// ResetInterval is how long a timeout keeps the reduced budget in force.
	ResetInterval time.Duration
	// Divisor shortens every budget uniformly, e.g. in CI. Values below 2 are ignored.
	Divisor int
}

// DefaultTimeouts are the production budgets.
var DefaultTimeouts = Timeouts{
	Default:          30 * time.Second,
	FallbackEligible: 5 * time.Second,
	Reduced:          2 * time.Second,
	ResetInterval:    10 * time.Minute,
	Divisor:          1,
}

// Outcome is what a primary-host request reports back to the policy.
type Outcome int

const (
	OutcomeOther Outcome = iota
	OutcomeSuccessPrimary
	OutcomeTimeoutPrimaryFallbackEligible
)

// TimeoutPolicy picks per-request timeouts from recent failure history. Its only
// state is the time of the last fallback-eligible timeout, shared by all requests.
type TimeoutPolicy struct {
	cfg   Timeouts
	clock func() time.Time

	mu            sync.Mutex
	lastTimeoutAt time.Time // zero when unset
}

// NewTimeoutPolicy creates a policy. A nil clock uses time.Now.
func NewTimeoutPolicy(cfg Timeouts, clock func() time.Time) *TimeoutPolicy {
	if clock == nil {
		clock = time.Now
	}
	return &TimeoutPolicy{cfg: cfg, clock: clock}
}

// TimeoutFor returns the budget for a request to ep. It never changes state.
func (p *TimeoutPolicy) TimeoutFor(ep Endpoint, isFallbackAttempt bool) time.Duration {
	switch {
	case isFallbackAttempt || !ep.SupportsFallbackHost:
		return p.scale(p.cfg.Default)
	case !p.RecentlyTimedOut():
		return p.scale(p.cfg.FallbackEligible)
	default:
		return p.scale(p.cfg.Reduced)
	}
}

// Record feeds the outcome of a primary-host request into the policy.
func (p *TimeoutPolicy) Record(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o {
	case OutcomeSuccessPrimary:
		p.lastTimeoutAt = time.Time{}
	case OutcomeTimeoutPrimaryFallbackEligible:
		p.lastTimeoutAt = p.clock()
	}
}

// RecentlyTimedOut reports whether a fallback-eligible timeout happened within
// the reset interval. An expired timestamp counts as unset.
func (p *TimeoutPolicy) RecentlyTimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastTimeoutAt.IsZero() {
		return false
	}
	return p.clock().Sub(p.lastTimeoutAt) <= p.cfg.ResetInterval
}

func (p *TimeoutPolicy) scale(d time.Duration) time.Duration {
	if p.cfg.Divisor > 1 {
		return d / time.Duration(p.cfg.Divisor)
	}
	return d
}
