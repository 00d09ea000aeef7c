package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 5, Base: time.Millisecond}.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunReturnsLastErrorWhenExhausted(t *testing.T) {
	boom := errors.New("still down")
	calls := 0
	err := Policy{Attempts: 3, Base: time.Millisecond}.Run(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRunPermanentShortCircuits(t *testing.T) {
	rejected := errors.New("endpoint rejected payload")
	calls := 0
	err := Policy{Attempts: 5, Base: time.Millisecond}.Run(context.Background(), func() error {
		calls++
		return Permanent(rejected)
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v, want %v", err, rejected)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Policy{Attempts: 10, Base: 200 * time.Millisecond}.Run(ctx, func() error {
		calls++
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls > 2 {
		t.Errorf("calls = %d, cancellation should land during the first pause", calls)
	}
}

func TestRunZeroAttemptsStillCallsOnce(t *testing.T) {
	calls := 0
	if err := (Policy{}).Run(context.Background(), func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPermanentUnwraps(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Error("Permanent should unwrap to the original error")
	}
}

func TestJitteredBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := jittered(d)
		if got < d-d/4 || got > d+d/4 {
			t.Fatalf("jittered(%v) = %v, outside [%v, %v]", d, got, d-d/4, d+d/4)
		}
	}
	if jittered(0) != 0 {
		t.Error("jittered(0) should be 0")
	}
}
