// Package retry decides whether a failed attempt is retried and when.
// Delays grow exponentially with a cap, optionally jittered, and jobs
// that exhaust their budget or fail non-retriably are dead-lettered.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	ebberrors "github.com/oduya/ebb/ebb/errors"
	"github.com/oduya/ebb/ebb/job"
)

// Strategy computes the base delay before retry number n (0-indexed by
// the job's current retry count).
type Strategy interface {
	Delay(retryCount int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential returns min(Max, Initial * Multiplier^retryCount).
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func NewExponential(initial time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Multiplier: multiplier, Max: maxDelay}
}

func (e *Exponential) Delay(retryCount int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(e.Multiplier, float64(retryCount)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// fullJitter adds a random variance in [0, base) on top of the wrapped
// strategy so synchronized failures do not retry in lockstep.
type fullJitter struct {
	inner Strategy
}

func WithFullJitter(inner Strategy) Strategy {
	return &fullJitter{inner: inner}
}

func (f *fullJitter) Delay(retryCount int) time.Duration {
	base := f.inner.Delay(retryCount)
	if base <= 0 {
		return base
	}
	return base + time.Duration(rand.Float64()*float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// Classify maps an arbitrary handler or infrastructure error onto the
// failure taxonomy. Unknown errors are treated as transient so a flaky
// dependency never silently dead-letters work.
func Classify(err error) job.ErrorKind {
	switch {
	case ebberrors.IsValidation(err):
		return job.ErrKindValidation
	case ebberrors.IsRateLimited(err):
		return job.ErrKindRateLimited
	case ebberrors.IsTerminal(err):
		return job.ErrKindTerminal
	case ebberrors.IsTransient(err), ebberrors.IsStoreUnavailable(err):
		return job.ErrKindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return job.ErrKindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return job.ErrKindTransient
	}
	return job.ErrKindTransient
}

// Outcome is the retry manager's verdict on a failed attempt.
type Outcome struct {
	// DeadLetter routes the job to the dead-letter channel.
	DeadLetter bool

	// Delay is how long until the job becomes claimable again.
	Delay time.Duration

	// IncrementRetry consumes one unit of the retry budget. Rate-limit
	// failures back off without spending budget so quota pressure alone
	// never dead-letters a job.
	IncrementRetry bool

	// Err is the classified cause recorded on the job and its events.
	Err job.ErrInfo
}

// Policy applies a backoff strategy up to a retry ceiling.
type Policy struct {
	strategy   Strategy
	maxRetries int
}

func NewPolicy(strategy Strategy, maxRetries int) *Policy {
	return &Policy{strategy: strategy, maxRetries: maxRetries}
}

func (p *Policy) MaxRetries() int { return p.maxRetries }

// HandleFailure classifies the cause and decides requeue-with-backoff vs
// dead-letter for the given job.
func (p *Policy) HandleFailure(j *job.Job, cause error) Outcome {
	kind := Classify(cause)
	info := job.ErrInfo{Kind: kind, Message: cause.Error()}

	if !kind.Retriable() {
		// Terminal failures skip the budget entirely.
		return Outcome{DeadLetter: true, Err: info}
	}

	if kind == job.ErrKindRateLimited {
		delay := p.strategy.Delay(j.RetryCount)
		var rle *ebberrors.RateLimitedError
		if errors.As(cause, &rle) && rle.RetryAfter > delay {
			delay = rle.RetryAfter
		}
		return Outcome{Delay: delay, Err: info}
	}

	ceiling := j.MaxRetries
	if ceiling <= 0 {
		ceiling = p.maxRetries
	}
	if j.RetryCount > ceiling {
		return Outcome{DeadLetter: true, Err: info}
	}

	return Outcome{
		Delay:          p.strategy.Delay(j.RetryCount),
		IncrementRetry: true,
		Err:            info,
	}
}
