package health

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("registry with no probes should report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestAllProbesPassing(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("custody", func(context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy aggregate")
	}
	if len(statuses) != 2 || statuses[0].Name != "database" || statuses[1].Name != "custody" {
		t.Fatalf("statuses out of order: %v", statuses)
	}
	for _, st := range statuses {
		if !st.Healthy || st.Detail != "" {
			t.Errorf("probe %s: unexpected status %+v", st.Name, st)
		}
	}
}

func TestFailingProbeCarriesDetail(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) error { return nil })
	r.Register("custody", func(context.Context) error {
		return errors.New("rpc: connection refused")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing probe must flip the aggregate")
	}
	if statuses[1].Healthy || statuses[1].Detail != "rpc: connection refused" {
		t.Fatalf("unexpected custody status: %+v", statuses[1])
	}
	if !statuses[0].Healthy {
		t.Fatal("passing probe should stay healthy")
	}
}

func TestProbeReceivesContext(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(ctx context.Context) error { return ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	healthy, _ := r.CheckAll(ctx)
	if healthy {
		t.Fatal("probe observing a cancelled context should fail")
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("database", func(context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
