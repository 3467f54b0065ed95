package recovery

import (
	"math"
	"math/rand"
	"time"

	"fanout/internal/config"
)

// Policies resolves backoff and quarantine decisions per error category.
type Policies struct {
	byCategory map[Category]config.RetryPolicy
}

// NewPolicies builds the category table from configuration. Permanent
// categories and configuration errors carry no policy: they never retry.
func NewPolicies(cfg config.Retry) *Policies {
	return &Policies{
		byCategory: map[Category]config.RetryPolicy{
			CategoryTransientFilesystem: cfg.TransientFilesystem,
			CategoryTransientNetwork:    cfg.TransientNetwork,
			CategoryResourceExhaustion:  cfg.ResourceExhaustion,
		},
	}
}

// PolicyFor returns the retry policy for a category, if one exists.
func (p *Policies) PolicyFor(category Category) (config.RetryPolicy, bool) {
	policy, ok := p.byCategory[category]
	return policy, ok
}

// BaseDelay computes the pre-jitter backoff for the given 1-based attempt,
// capped at the category's max delay. Monotonic in the attempt number.
func (p *Policies) BaseDelay(category Category, attempt int) time.Duration {
	policy, ok := p.byCategory[category]
	if !ok {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	base := float64(policy.BaseDelayMS) * math.Pow(policy.Multiplier, float64(attempt-1))
	capped := math.Min(base, float64(policy.MaxDelayMS))
	return time.Duration(capped) * time.Millisecond
}

// NextDelay applies randomized jitter to the capped backoff so destinations
// retried in lockstep spread out.
func (p *Policies) NextDelay(category Category, attempt int) time.Duration {
	policy, ok := p.byCategory[category]
	if !ok {
		return 0
	}
	delay := p.BaseDelay(category, attempt)
	if policy.JitterFraction <= 0 {
		return delay
	}
	spread := policy.JitterFraction * (2*rand.Float64() - 1)
	jittered := time.Duration(float64(delay) * (1 + spread))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// ShouldQuarantine reports whether a task has exhausted its attempt budget
// for the given category. Categories without a policy quarantine immediately.
func (p *Policies) ShouldQuarantine(category Category, attempts int) bool {
	policy, ok := p.byCategory[category]
	if !ok {
		return true
	}
	return attempts >= policy.MaxAttempts
}
