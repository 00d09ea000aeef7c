package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, cooldown)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.WithClock(func() time.Time { return at })
	return b, &at
}

func TestAllowsUnknownKey(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("sub_a") {
		t.Fatal("fresh key should be allowed")
	}
	if b.State("sub_a") != Closed {
		t.Fatal("fresh key should report Closed")
	}
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Failure("sub_a")
	b.Failure("sub_a")
	if !b.Allow("sub_a") {
		t.Fatal("below threshold should still allow")
	}
	b.Failure("sub_a")
	if b.Allow("sub_a") {
		t.Fatal("threshold reached, should refuse")
	}
	if got := b.State("sub_a"); got != Open {
		t.Fatalf("state = %v, want Open", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.Failure("sub_a")
	b.Failure("sub_a")
	if b.Allow("sub_a") {
		t.Fatal("sub_a should be open")
	}
	if !b.Allow("sub_b") {
		t.Fatal("sub_b must not inherit sub_a's failures")
	}
}

func TestCooldownAdmitsOneProbe(t *testing.T) {
	b, at := newTestBreaker(2, time.Minute)
	b.Failure("sub_a")
	b.Failure("sub_a")

	*at = at.Add(30 * time.Second)
	if b.Allow("sub_a") {
		t.Fatal("cooldown not elapsed, should refuse")
	}

	*at = at.Add(31 * time.Second)
	if !b.Allow("sub_a") {
		t.Fatal("cooldown elapsed, should admit a probe")
	}
	if got := b.State("sub_a"); got != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", got)
	}
	if b.Allow("sub_a") {
		t.Fatal("only one probe at a time")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	b, at := newTestBreaker(2, time.Minute)
	b.Failure("sub_a")
	b.Failure("sub_a")
	*at = at.Add(2 * time.Minute)
	b.Allow("sub_a")

	b.Success("sub_a")
	if got := b.State("sub_a"); got != Closed {
		t.Fatalf("state = %v, want Closed", got)
	}
	if !b.Allow("sub_a") {
		t.Fatal("recovered circuit should allow")
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b, at := newTestBreaker(2, time.Minute)
	b.Failure("sub_a")
	b.Failure("sub_a")
	*at = at.Add(2 * time.Minute)
	b.Allow("sub_a")

	b.Failure("sub_a")
	if got := b.State("sub_a"); got != Open {
		t.Fatalf("state = %v, want Open after failed probe", got)
	}
	if b.Allow("sub_a") {
		t.Fatal("reopened circuit should refuse")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.Failure("sub_a")
	b.Failure("sub_a")
	b.Success("sub_a")
	b.Failure("sub_a")
	b.Failure("sub_a")
	if !b.Allow("sub_a") {
		t.Fatal("count reset by success, two failures should not trip")
	}
}

func TestForget(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.Failure("sub_a")
	if b.Allow("sub_a") {
		t.Fatal("should be open")
	}
	b.Forget("sub_a")
	if !b.Allow("sub_a") {
		t.Fatal("forgotten key starts closed")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Closed:    "closed",
		Open:      "open",
		HalfOpen:  "half_open",
		State(42): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(50, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Allow("sub_a")
				b.Failure("sub_a")
				b.Success("sub_a")
			}
		}()
	}
	wg.Wait()
}
