package syncutil

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoop_RunsAtStartAndOnTicks(t *testing.T) {
	var passes atomic.Int32
	l := NewLoop("test", 10*time.Millisecond, slog.Default(), func(context.Context) {
		passes.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Start(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return passes.Load() >= 3 })
	if !l.Running() {
		t.Error("expected loop running")
	}
	cancel()
	<-done
	if l.Running() {
		t.Error("expected loop stopped after cancel")
	}
}

func TestLoop_StopDuringPass(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	l := NewLoop("test", time.Hour, slog.Default(), func(context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	done := make(chan struct{})
	go func() {
		l.Start(context.Background())
		close(done)
	}()

	<-entered
	l.Stop() // lands while the pass is running
	l.Stop()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop issued mid-pass was lost")
	}
}

func TestLoop_StopBeforeStart(t *testing.T) {
	var passes atomic.Int32
	l := NewLoop("test", time.Millisecond, slog.Default(), func(context.Context) { passes.Add(1) })
	l.Stop()
	l.Start(context.Background())
	if passes.Load() != 0 {
		t.Errorf("stopped loop ran %d passes", passes.Load())
	}
}

func TestLoop_SurvivesPanic(t *testing.T) {
	var passes atomic.Int32
	l := NewLoop("test", 5*time.Millisecond, slog.Default(), func(context.Context) {
		if passes.Add(1) == 1 {
			panic("boom")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	waitFor(t, func() bool { return passes.Load() >= 2 })
}
