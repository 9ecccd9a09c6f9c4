package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/lendbridge/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestRegistryOrderAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("slowest", func(_ context.Context) Status {
		time.Sleep(20 * time.Millisecond)
		return Status{Healthy: true}
	})
	r.Register("fast", func(_ context.Context) Status {
		return Status{Name: "fast", Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "slowest" || statuses[1].Name != "fast" {
		t.Fatalf("expected registration order with names filled, got %+v", statuses)
	}
}

func TestRegistryTimesOutHungCheck(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	r.Register("ledger", func(_ context.Context) Status {
		<-release
		return Status{Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("hung check should be unhealthy")
	}
	if statuses[0].Detail != "check timed out" {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
	if time.Since(start) > time.Second {
		t.Fatal("CheckAll waited on the hung check")
	}
}

func TestBreakerChecker(t *testing.T) {
	b := circuitbreaker.New(1, time.Hour)
	check := Breaker("ledger", b, "chain")

	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("closed breaker should be healthy, got %+v", st)
	}
	b.RecordFailure("chain")
	if st := check(context.Background()); st.Healthy {
		t.Fatalf("open breaker should be unhealthy, got %+v", st)
	}
}

func TestLoopChecker(t *testing.T) {
	running := false
	check := Loop("reconciler", func() bool { return running })

	if st := check(context.Background()); st.Healthy || st.Detail != "stopped" {
		t.Fatalf("unexpected status %+v", st)
	}
	running = true
	if st := check(context.Background()); !st.Healthy {
		t.Fatalf("unexpected status %+v", st)
	}
}
