package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"sockbridge/internal/config"
)

// newRestartBackoff builds the delay source for crash restarts: exponential
// growth with a cap and a jitter term. MaxElapsedTime is disabled because the
// restart budget, not elapsed time, decides when to give up.
func newRestartBackoff(cfg config.RestartConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.MaxInterval = cfg.BackoffMax
	b.RandomizationFactor = cfg.BackoffJitter
	b.Multiplier = 2.0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// restartBudget tracks crash timestamps in a sliding window. A worker that
// crashes more than maxRestarts times within the window is stopped for good.
type restartBudget struct {
	window      time.Duration
	maxRestarts int
	crashes     []time.Time
}

func newRestartBudget(cfg config.RestartConfig) *restartBudget {
	return &restartBudget{
		window:      cfg.RestartWindow,
		maxRestarts: cfg.MaxRestarts,
	}
}

// record registers a crash at now and reports whether the budget is exhausted.
func (rb *restartBudget) record(now time.Time) bool {
	cutoff := now.Add(-rb.window)
	kept := rb.crashes[:0]
	for _, t := range rb.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rb.crashes = append(kept, now)
	return len(rb.crashes) > rb.maxRestarts
}

// count returns the number of crashes still inside the window at now.
func (rb *restartBudget) count(now time.Time) int {
	cutoff := now.Add(-rb.window)
	n := 0
	for _, t := range rb.crashes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
