// Package ratelimit gates every external-API dispatch under two
// simultaneous scopes: a sliding window per end-user and a token bucket
// per tenant. The tighter constraint governs. Counter state lives behind
// CounterStore so all workers in a scope share one atomically-updated
// view.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Action int

const (
	Proceed Action = iota
	Defer
	Reject
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Defer:
		return "defer"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Decision is the limiter's verdict for one dispatch. Reject is reserved
// for malformed requests; quota exhaustion always defers.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// CounterStore holds the shared per-scope counter state. Implementations
// must make every mutation atomic; read-modify-write without that
// guarantee breaks the cap under concurrent workers.
type CounterStore interface {
	// TakeTokens attempts to take cost tokens from the bucket at key,
	// refilling it first. When denied it reports how long until the
	// bucket holds enough tokens.
	TakeTokens(ctx context.Context, key string, capacity, refillPerSec float64, cost int) (ok bool, retryAfter time.Duration, err error)

	// ReturnTokens gives back tokens taken by a reservation that could
	// not complete, clamped at capacity.
	ReturnTokens(ctx context.Context, key string, capacity float64, cost int) error

	// ReserveWindow counts cost events in the trailing window at key.
	// When the cap would be exceeded nothing is recorded and retryAfter
	// estimates when the oldest event leaves the window.
	ReserveWindow(ctx context.Context, key string, window time.Duration, capacity, cost int) (ok bool, retryAfter time.Duration, err error)

	// PeekWindow reports the deferral the window would impose for cost
	// events without recording anything.
	PeekWindow(ctx context.Context, key string, window time.Duration, capacity, cost int) (time.Duration, error)

	// Exhaust force-drains the bucket and saturates the window. Called
	// when the external API returns a 429-equivalent, which is treated
	// as unconditional evidence of exhaustion even if local accounting
	// disagreed.
	Exhaust(ctx context.Context, bucketKey, windowKey string, window time.Duration, windowCap int) error

	Close() error
}

type Config struct {
	UserWindow      time.Duration
	UserWindowCap   int
	TenantCapacity  float64
	TenantRefillSec float64

	// SmoothingRate enables an additional process-local token bucket per
	// tenant that spreads dispatch inside a worker process. Zero
	// disables it; the shared counters remain authoritative either way.
	SmoothingRate  float64
	SmoothingBurst int
}

type Limiter struct {
	counters CounterStore
	cfg      Config

	mu        sync.Mutex
	smoothers map[string]*rate.Limiter
}

func New(counters CounterStore, cfg Config) *Limiter {
	return &Limiter{
		counters:  counters,
		cfg:       cfg,
		smoothers: make(map[string]*rate.Limiter),
	}
}

func userKey(user string) string     { return "user:" + user }
func tenantKey(tenant string) string { return "tenant:" + tenant }

// CheckAndReserve asks permission to dispatch cost units for the given
// tenant and user. Both scopes are consulted; when either would be
// exceeded the call is deferred by the larger suggested delay and
// nothing is consumed.
func (l *Limiter) CheckAndReserve(ctx context.Context, tenant, user string, cost int) (Decision, error) {
	if tenant == "" || user == "" || cost < 1 {
		return Decision{Action: Reject}, nil
	}

	if d := l.smooth(tenant, cost); d > 0 {
		return Decision{Action: Defer, Delay: d}, nil
	}

	tKey := tenantKey(tenant)
	uKey := userKey(user)

	tokOK, tokDelay, err := l.counters.TakeTokens(ctx, tKey, l.cfg.TenantCapacity, l.cfg.TenantRefillSec, cost)
	if err != nil {
		return Decision{}, err
	}
	if !tokOK {
		winDelay, err := l.counters.PeekWindow(ctx, uKey, l.cfg.UserWindow, l.cfg.UserWindowCap, cost)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: Defer, Delay: maxDelay(tokDelay, winDelay)}, nil
	}

	winOK, winDelay, err := l.counters.ReserveWindow(ctx, uKey, l.cfg.UserWindow, l.cfg.UserWindowCap, cost)
	if err != nil {
		// The tokens were already taken; give them back so the failed
		// check is not charged against the tenant.
		_ = l.counters.ReturnTokens(ctx, tKey, l.cfg.TenantCapacity, cost)
		return Decision{}, err
	}
	if !winOK {
		if err := l.counters.ReturnTokens(ctx, tKey, l.cfg.TenantCapacity, cost); err != nil {
			return Decision{}, err
		}
		return Decision{Action: Defer, Delay: winDelay}, nil
	}

	return Decision{Action: Proceed}, nil
}

// ReportExhausted records a 429-equivalent from the external API,
// draining the tenant bucket and saturating the user window so the next
// checks defer locally instead of hammering the upstream.
func (l *Limiter) ReportExhausted(ctx context.Context, tenant, user string) error {
	return l.counters.Exhaust(ctx, tenantKey(tenant), userKey(user), l.cfg.UserWindow, l.cfg.UserWindowCap)
}

// smooth consults the process-local per-tenant limiter, if configured.
func (l *Limiter) smooth(tenant string, cost int) time.Duration {
	if l.cfg.SmoothingRate <= 0 {
		return 0
	}

	l.mu.Lock()
	lim, ok := l.smoothers[tenant]
	if !ok {
		burst := l.cfg.SmoothingBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.cfg.SmoothingRate), burst)
		l.smoothers[tenant] = lim
	}
	l.mu.Unlock()

	res := lim.ReserveN(time.Now(), cost)
	if !res.OK() {
		return time.Second
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return d
	}
	return 0
}

func maxDelay(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
