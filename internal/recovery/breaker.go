package recovery

import (
	"sync"
	"time"

	"fanout/internal/config"
)

// BreakerStatus is the circuit state for one destination.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

type destinationBreaker struct {
	status              BreakerStatus
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	totalAttempts       int64
	totalFailures       int64
}

// BreakerSnapshot is the externally visible state of one destination breaker.
type BreakerSnapshot struct {
	Status              BreakerStatus `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	Cooldown            time.Duration `json:"cooldown_ns"`
	FailureRate         float64       `json:"failure_rate"`
}

// BreakerSet keys circuit breakers by destination id.
//
// State machine per destination: closed -> open once consecutive failures
// reach the threshold; open -> half-open after the cooldown elapses, letting
// exactly one trial through; trial success closes the breaker, trial failure
// reopens it with a doubled cooldown (capped).
type BreakerSet struct {
	mu       sync.Mutex
	cfg      config.Breaker
	now      func() time.Time
	breakers map[string]*destinationBreaker
}

// NewBreakerSet constructs the breaker table.
func NewBreakerSet(cfg config.Breaker) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*destinationBreaker),
	}
}

// WithClock overrides the breaker clock. Used in tests.
func (b *BreakerSet) WithClock(now func() time.Time) *BreakerSet {
	b.now = now
	return b
}

func (b *BreakerSet) breaker(destID string) *destinationBreaker {
	br, ok := b.breakers[destID]
	if !ok {
		br = &destinationBreaker{
			status:   BreakerClosed,
			cooldown: time.Duration(b.cfg.CooldownSeconds) * time.Second,
		}
		b.breakers[destID] = br
	}
	return br
}

// Allow reports whether work may target the destination right now. When an
// open breaker's cooldown has elapsed it moves to half-open and this call
// admits the single trial.
func (b *BreakerSet) Allow(destID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.breaker(destID)
	switch br.status {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(br.openedAt) >= br.cooldown {
			br.status = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		// Trial already in flight.
		return false
	default:
		return false
	}
}

// AllowAll admits a task only when every listed destination may be targeted.
// The check is atomic: open breakers whose cooldown elapsed are flipped to
// half-open only when the whole set passes, so a refused task never consumes
// another destination's trial slot. The returned ids are the breakers this
// call moved to half-open; the caller must settle every one of them with
// RecordSuccess, RecordFailure, or Trip, or hand the trial back via
// CancelTrial, otherwise the breaker stays half-open with no exit.
func (b *BreakerSet) AllowAll(destIDs []string) (bool, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cooled []*destinationBreaker
	var trials []string
	for _, id := range destIDs {
		br := b.breaker(id)
		switch br.status {
		case BreakerClosed:
		case BreakerOpen:
			if b.now().Sub(br.openedAt) < br.cooldown {
				return false, nil
			}
			cooled = append(cooled, br)
			trials = append(trials, id)
		default:
			return false, nil
		}
	}
	for _, br := range cooled {
		br.status = BreakerHalfOpen
	}
	return true, trials
}

// CancelTrial reopens a half-open breaker whose trial ended without the
// destination being exercised: the task failed on the source side, on another
// destination, or with a digest mismatch. An unobserved trial proves nothing,
// so neither the cooldown nor the opening time changes; the already-elapsed
// cooldown makes the breaker immediately eligible for a fresh trial.
func (b *BreakerSet) CancelTrial(destID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.breaker(destID)
	if br.status == BreakerHalfOpen {
		br.status = BreakerOpen
	}
}

// RecordSuccess resets the breaker after a successful destination write.
func (b *BreakerSet) RecordSuccess(destID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.breaker(destID)
	br.totalAttempts++
	br.consecutiveFailures = 0
	br.status = BreakerClosed
	br.cooldown = time.Duration(b.cfg.CooldownSeconds) * time.Second
}

// RecordFailure counts a destination failure and trips the breaker once the
// threshold is crossed. A half-open trial failure reopens with a doubled
// cooldown, capped at the configured maximum.
func (b *BreakerSet) RecordFailure(destID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.breaker(destID)
	br.totalAttempts++
	br.totalFailures++
	br.consecutiveFailures++

	switch br.status {
	case BreakerHalfOpen:
		br.cooldown = min(br.cooldown*2, time.Duration(b.cfg.MaxCooldownSeconds)*time.Second)
		br.status = BreakerOpen
		br.openedAt = b.now()
	case BreakerClosed:
		if br.consecutiveFailures >= b.cfg.FailureThreshold {
			br.status = BreakerOpen
			br.openedAt = b.now()
		}
	}
}

// Trip forces a destination's breaker open regardless of the failure count.
// Used when a single failure already proves systemic pressure.
func (b *BreakerSet) Trip(destID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.breaker(destID)
	br.totalAttempts++
	br.totalFailures++
	br.consecutiveFailures++
	if br.status == BreakerHalfOpen {
		br.cooldown = min(br.cooldown*2, time.Duration(b.cfg.MaxCooldownSeconds)*time.Second)
	}
	br.status = BreakerOpen
	br.openedAt = b.now()
}

// Status returns the current circuit state for a destination.
func (b *BreakerSet) Status(destID string) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.breaker(destID).status
}

// Snapshot copies the breaker table for health reporting.
func (b *BreakerSet) Snapshot() map[string]BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(b.breakers))
	for id, br := range b.breakers {
		rate := 0.0
		if br.totalAttempts > 0 {
			rate = float64(br.totalFailures) / float64(br.totalAttempts)
		}
		out[id] = BreakerSnapshot{
			Status:              br.status,
			ConsecutiveFailures: br.consecutiveFailures,
			OpenedAt:            br.openedAt,
			Cooldown:            br.cooldown,
			FailureRate:         rate,
		}
	}
	return out
}
