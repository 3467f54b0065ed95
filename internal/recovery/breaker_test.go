package recovery

import (
	"testing"
	"time"

	"fanout/internal/config"
)

func testBreakerSet(now *time.Time) *BreakerSet {
	return NewBreakerSet(config.Breaker{
		FailureThreshold:   3,
		CooldownSeconds:    60,
		MaxCooldownSeconds: 240,
	}).WithClock(func() time.Time { return *now })
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)

	for i := 0; i < 2; i++ {
		breakers.RecordFailure("b")
		if !breakers.Allow("b") {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}
	breakers.RecordFailure("b")
	if breakers.Allow("b") {
		t.Fatal("breaker must reject work after threshold failures")
	}
	if breakers.Status("b") != BreakerOpen {
		t.Fatalf("status = %s", breakers.Status("b"))
	}
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("b")
	}

	now = now.Add(59 * time.Second)
	if breakers.Allow("b") {
		t.Fatal("cooldown not yet elapsed")
	}
	now = now.Add(2 * time.Second)
	if !breakers.Allow("b") {
		t.Fatal("expected trial admission after cooldown")
	}
	if breakers.Status("b") != BreakerHalfOpen {
		t.Fatalf("status = %s", breakers.Status("b"))
	}
	if breakers.Allow("b") {
		t.Fatal("only one trial may pass while half-open")
	}
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("b")
	}
	now = now.Add(61 * time.Second)
	if !breakers.Allow("b") {
		t.Fatal("trial expected")
	}
	breakers.RecordSuccess("b")
	if breakers.Status("b") != BreakerClosed {
		t.Fatalf("status = %s", breakers.Status("b"))
	}
	if !breakers.Allow("b") {
		t.Fatal("closed breaker must allow work")
	}
}

func TestBreakerTrialFailureReopensWithLongerCooldown(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("b")
	}
	now = now.Add(61 * time.Second)
	if !breakers.Allow("b") {
		t.Fatal("trial expected")
	}
	breakers.RecordFailure("b")
	if breakers.Status("b") != BreakerOpen {
		t.Fatalf("status = %s", breakers.Status("b"))
	}

	// Original cooldown no longer suffices.
	now = now.Add(61 * time.Second)
	if breakers.Allow("b") {
		t.Fatal("doubled cooldown should still reject")
	}
	now = now.Add(60 * time.Second)
	if !breakers.Allow("b") {
		t.Fatal("expected trial after doubled cooldown")
	}
}

func TestBreakerTripOpensImmediately(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	breakers.Trip("b")
	if breakers.Allow("b") {
		t.Fatal("tripped breaker must reject")
	}
	if breakers.Status("b") != BreakerOpen {
		t.Fatalf("status = %s", breakers.Status("b"))
	}
}

func TestBreakerSnapshotFailureRate(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	breakers.RecordFailure("b")
	breakers.RecordSuccess("b")
	breakers.RecordFailure("b")
	breakers.RecordSuccess("a")

	snap := breakers.Snapshot()
	if got := snap["b"].FailureRate; got < 0.66 || got > 0.67 {
		t.Fatalf("failure rate for b = %f", got)
	}
	if got := snap["a"].FailureRate; got != 0 {
		t.Fatalf("failure rate for a = %f", got)
	}
	if snap["b"].Status != BreakerClosed {
		t.Fatalf("b status = %s", snap["b"].Status)
	}
}

func TestAllowAllRefusesWithoutConsumingTrials(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("a")
	}
	now = now.Add(30 * time.Second)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("b")
	}

	// a has cooled down, b has not.
	now = now.Add(31 * time.Second)
	if ok, trials := breakers.AllowAll([]string{"a", "b"}); ok || len(trials) != 0 {
		t.Fatal("b is still open, set must be refused")
	}
	if breakers.Status("a") != BreakerOpen {
		t.Fatalf("a consumed its trial on a refused set: %s", breakers.Status("a"))
	}

	now = now.Add(35 * time.Second)
	ok, trials := breakers.AllowAll([]string{"a", "b"})
	if !ok {
		t.Fatal("both cooled, set must pass")
	}
	if len(trials) != 2 {
		t.Fatalf("trials = %v", trials)
	}
	if breakers.Status("a") != BreakerHalfOpen || breakers.Status("b") != BreakerHalfOpen {
		t.Fatal("passing set must move cooled breakers to half-open")
	}
}

func TestCancelTrialGrantsFreshTrialWithoutPenalty(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("b")
	}
	now = now.Add(61 * time.Second)
	ok, trials := breakers.AllowAll([]string{"b"})
	if !ok || len(trials) != 1 || trials[0] != "b" {
		t.Fatalf("trial expected, got ok=%v trials=%v", ok, trials)
	}

	// The trial ends without a verdict for b.
	breakers.CancelTrial("b")
	if breakers.Status("b") != BreakerOpen {
		t.Fatalf("status = %s", breakers.Status("b"))
	}

	// No cooldown doubling: the already-elapsed cooldown admits the next
	// trial immediately, and that trial can still close the breaker.
	ok, trials = breakers.AllowAll([]string{"b"})
	if !ok || len(trials) != 1 {
		t.Fatal("expected a fresh trial after cancellation")
	}
	breakers.RecordSuccess("b")
	if breakers.Status("b") != BreakerClosed {
		t.Fatalf("status = %s", breakers.Status("b"))
	}
}

func TestCancelTrialLeavesSettledBreakersAlone(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)

	breakers.CancelTrial("closed")
	if breakers.Status("closed") != BreakerClosed {
		t.Fatalf("status = %s", breakers.Status("closed"))
	}

	breakers.Trip("tripped")
	breakers.CancelTrial("tripped")
	if breakers.Status("tripped") != BreakerOpen {
		t.Fatalf("status = %s", breakers.Status("tripped"))
	}
}

func TestBreakersIndependentPerDestination(t *testing.T) {
	now := time.Now()
	breakers := testBreakerSet(&now)
	for i := 0; i < 3; i++ {
		breakers.RecordFailure("b")
	}
	if breakers.Allow("b") {
		t.Fatal("b should be open")
	}
	if !breakers.Allow("a") {
		t.Fatal("a must be unaffected")
	}
}
