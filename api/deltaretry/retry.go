// Package deltaretry implements the Retry Coordinator (C7): a generic
// bounded retrier with exponential backoff and jitter, abort predicates and
// a pluggable transient/fatal classifier. The donor codebase carries no
// retry abstraction of its own (table-syncher and pgbackup simply fail a
// cycle and let the next scheduled tick retry); this is hand-rolled in the
// donor's general error-handling idiom — see DESIGN.md for why no
// ecosystem retry library from the reference corpus was reused instead.
package deltaretry

import (
	"context"
	"math/rand"
	"time"

	"github.com/chendingplano/deltatarget/api/deltaerrors"
	"github.com/chendingplano/deltatarget/api/deltalog"
)

const LOC_RETRY_EXHAUSTED = "DLT_RTY_001"

// ShouldStop is a process-wide cancellation flag checked between attempts.
// It is a function rather than a plain bool so callers can wire it straight
// to an atomic.Bool.Load or a context's Done channel.
type ShouldStop func() bool

// Classifier decides whether an error returned by the wrapped operation is
// retriable (transient) or must abort the policy immediately (fatal).
type Classifier func(err error) (retriable bool)

// Policy parameterizes one retry loop: a generic retrier configured by
// (maxAttempts, maxDuration, base, cap, jitter, retriable classifier,
// should-stop predicate, onFailedAttempt hook).
type Policy struct {
	Base       time.Duration // initial backoff
	Cap        time.Duration // backoff ceiling
	MaxAttempts int
	MaxDuration time.Duration
	Jitter      float64 // fraction, e.g. 0.1 for +/-10%
	Retriable   Classifier
	ShouldStop  ShouldStop
	OnFailedAttempt func(attempt int, err error) // best-effort, never fails the policy
	Logger      *deltalog.Logger
	Loc         string
}

// DefaultRetriable classifies any error that is not a FatalError as
// transient.
func DefaultRetriable(err error) bool {
	return !deltaerrors.IsFatal(err)
}

// BaseLoadPolicy returns the policy used for load/merge operations: backoff
// base defaults to 10s, cap to max(base+1, loadInterval) seconds, bounded by
// maxRetrySeconds total duration.
func BaseLoadPolicy(loadIntervalSeconds, maxRetrySeconds int, shouldStop ShouldStop, logger *deltalog.Logger) Policy {
	base := 10 * time.Second
	cap_ := time.Duration(loadIntervalSeconds) * time.Second
	if cap_ <= base {
		cap_ = base + time.Second
	}
	return Policy{
		Base:        base,
		Cap:         cap_,
		MaxAttempts: 0, // unbounded attempts, bounded by MaxDuration instead
		MaxDuration: time.Duration(maxRetrySeconds) * time.Second,
		Jitter:      0.10,
		Retriable:   DefaultRetriable,
		ShouldStop:  shouldStop,
		Logger:      logger,
		Loc:         LOC_RETRY_EXHAUSTED,
	}
}

// CommitPolicy is used for the offset-commit call: effectively unbounded
// attempts, capped only by duration.
func CommitPolicy(shouldStop ShouldStop, logger *deltalog.Logger) Policy {
	return Policy{
		Base:        2 * time.Second,
		Cap:         30 * time.Second,
		MaxAttempts: 1 << 30,
		MaxDuration: 2 * time.Minute,
		Jitter:      0.10,
		Retriable:   DefaultRetriable,
		ShouldStop:  shouldStop,
		Logger:      logger,
		Loc:         LOC_RETRY_EXHAUSTED,
	}
}

// WriterPolicy is used for blob-store writes: bounded to 25 attempts.
func WriterPolicy(shouldStop ShouldStop, logger *deltalog.Logger) Policy {
	return Policy{
		Base:        1 * time.Second,
		Cap:         20 * time.Second,
		MaxAttempts: 25,
		MaxDuration: 2 * time.Minute,
		Jitter:      0.10,
		Retriable:   DefaultRetriable,
		ShouldStop:  shouldStop,
		Logger:      logger,
		Loc:         LOC_RETRY_EXHAUSTED,
	}
}

// RateLimitReasons are warehouse error reasons treated as retriable even
// when the client library's default classification would call them fatal.
var RateLimitReasons = map[string]bool{
	"rateLimitExceeded":        true,
	"billingTierLimitExceeded": true,
	"quotaExceeded":            true,
}

// ReasonAwareRetriable wraps a base classifier, additionally treating any
// error whose Reason() string matches RateLimitReasons as retriable.
func ReasonAwareRetriable(base Classifier) Classifier {
	return func(err error) bool {
		type reasoner interface{ Reason() string }
		if r, ok := err.(reasoner); ok && RateLimitReasons[r.Reason()] {
			return true
		}
		return base(err)
	}
}

// Do runs op under p, sleeping with exponential backoff and jitter between
// attempts, until it succeeds, the policy is exhausted, the classifier
// decides the error is fatal, or ShouldStop reports true. On exhaustion it
// returns a deltaerrors.FatalError wrapping the last attempt's error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	start := time.Now()
	backoff := p.Base
	var lastErr error

	for attempt := 0; p.MaxAttempts <= 0 || attempt < p.MaxAttempts; attempt++ {
		if p.ShouldStop != nil && p.ShouldStop() {
			return deltaerrors.ErrShouldStop
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		retriable := p.Retriable
		if retriable == nil {
			retriable = DefaultRetriable
		}
		if !retriable(err) {
			return err
		}

		if p.OnFailedAttempt != nil {
			func() {
				defer func() { recover() }() // best-effort: a panic here must not abort the retry loop
				p.OnFailedAttempt(attempt, err)
			}()
		}

		if p.MaxDuration > 0 && time.Since(start) >= p.MaxDuration {
			break
		}

		sleep := jittered(backoff, p.Jitter)
		if p.Logger != nil {
			p.Logger.Warn(p.Loc, "retrying after transient failure", "attempt", attempt, "sleep", sleep, "error", err)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > p.Cap {
			backoff = p.Cap
		}
	}

	return deltaerrors.Fatal("retry", "", p.Loc, lastErr)
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}
