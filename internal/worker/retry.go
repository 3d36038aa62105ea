package worker

import (
	"math"
	"time"

	"tempo/internal/config"
)

// RetryPolicy spaces follow-up drains after a pass that left failed actions.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// RetryPolicyFromConfig maps the sync.retry config section.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
}

// Exhausted reports whether failedPasses consecutive failed drains used up the budget.
func (r RetryPolicy) Exhausted(failedPasses int) bool {
	return failedPasses >= r.MaxRetries
}

// NextDelay returns the wait before follow-up pass number pass (1-based),
// clamped to MaxDelay.
func (r RetryPolicy) NextDelay(pass int) time.Duration {
	if pass < 1 {
		pass = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(pass-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}
