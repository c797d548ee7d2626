package sync

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/steveyegge/wisync/internal/syncerr"
)

// RetryConfig configures retries of remote calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, the first included.
	// Default: 4
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	// Default: 200ms
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts, including delays asked
	// for by the remote through RetryAfter.
	// Default: 30s
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each retry.
	// Default: 2.0
	Multiplier float64

	// Jitter randomises each delay by ±Jitter of its value. Zero disables
	// it; DefaultRetryConfig uses 0.2.
	Jitter float64

	// RetryIf decides whether an error is worth another attempt.
	// Default: syncerr.IsRetryable
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		RetryIf:        syncerr.IsRetryable,
	}
}

// retryer runs remote calls with exponential backoff.
type retryer struct {
	cfg   RetryConfig
	sleep func(context.Context, time.Duration) error
}

func newRetryer(cfg RetryConfig) *retryer {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = def.RetryIf
	}
	return &retryer{cfg: cfg, sleep: sleepCtx}
}

// do calls op until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx ends. It returns the last error and the attempt count.
func (r *retryer) do(ctx context.Context, op func(context.Context) error) (int, error) {
	backoff := r.cfg.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if err = op(ctx); err == nil {
			return attempt, nil
		}
		if !r.cfg.RetryIf(err) || attempt >= r.cfg.MaxAttempts {
			return attempt, err
		}

		wait := r.jitter(backoff)
		if hint := syncerr.RetryAfterOf(err); hint > wait {
			wait = hint
		}
		if wait > r.cfg.MaxBackoff {
			wait = r.cfg.MaxBackoff
		}
		if serr := r.sleep(ctx, wait); serr != nil {
			return attempt, serr
		}

		backoff = time.Duration(float64(backoff) * r.cfg.Multiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}

func (r *retryer) jitter(d time.Duration) time.Duration {
	if r.cfg.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
