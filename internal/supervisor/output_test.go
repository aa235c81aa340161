package supervisor

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
	"github.com/edirooss/streamdist-server/internal/infrastructure/teepoint"
	"github.com/edirooss/streamdist-server/internal/state"
	"go.uber.org/zap"
)

// testReady matches the marker our stub workers print when "connected".
func testReady(line string) bool { return strings.Contains(line, "READY") }

func startedTee(t *testing.T) *teepoint.Tee {
	t.Helper()
	tee := teepoint.New(zap.NewNop(), "127.0.0.1:0")
	if err := tee.Start(); err != nil {
		t.Fatalf("start tee: %v", err)
	}
	t.Cleanup(tee.Stop)
	return tee
}

func newTestSup(t *testing.T, tee *teepoint.Tee, cfg *stream.Output, cmd CommandFunc) (*OutputSupervisor, *state.Store) {
	t.Helper()
	store := state.NewStore()
	bus := state.NewBus(zap.NewNop())
	key := stream.OutputKey{InputID: 1, OutputID: cfg.ID}
	sup := NewOutputSupervisor(zap.NewNop(), key, cfg, tee, store, bus,
		new(procmgr.LogBuffer), cmd, testReady)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	return sup, store
}

func waitOutputStatus(t *testing.T, store *state.Store, key stream.OutputKey, want stream.OutputStatus, timeout time.Duration) state.OutputSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		snap, ok := store.Output(key)
		if ok && snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never reached %q; last snapshot: %+v", want, snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func outputCfg(id int64, rc stream.ReconnectConfig) *stream.Output {
	return &stream.Output{
		ID:        id,
		Name:      "out",
		Protocol:  stream.ProtocolUDP,
		URL:       "udp://127.0.0.1:9999",
		Enabled:   true,
		Reconnect: rc,
	}
}

func TestOutputReachesRunning(t *testing.T) {
	tee := startedTee(t)
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 1})
	sup, store := newTestSup(t, tee, cfg, func(*stream.Output, string) []string {
		return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
	})
	key := stream.OutputKey{InputID: 1, OutputID: 1}

	sup.Start()
	snap := waitOutputStatus(t, store, key, stream.OutputRunning, 5*time.Second)
	if snap.PID == 0 {
		t.Error("running output has no PID")
	}
	if snap.ReconnectCount != 0 {
		t.Errorf("ReconnectCount = %d after clean start, want 0", snap.ReconnectCount)
	}
	if tee.Readers() != 1 {
		t.Errorf("tee readers = %d, want 1", tee.Readers())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap = waitOutputStatus(t, store, key, stream.OutputStopped, time.Second)
	if snap.PID != 0 {
		t.Errorf("stopped output still reports PID %d", snap.PID)
	}
	if tee.Readers() != 0 {
		t.Errorf("tee readers = %d after stop, want 0", tee.Readers())
	}
}

func TestOutputSpawnFailureIsTerminal(t *testing.T) {
	tee := startedTee(t)
	var spawns atomic.Int64
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 0})
	sup, store := newTestSup(t, tee, cfg, func(*stream.Output, string) []string {
		spawns.Add(1)
		return []string{"/nonexistent/streamdist-test-worker"}
	})
	key := stream.OutputKey{InputID: 1, OutputID: 1}

	sup.Start()
	snap := waitOutputStatus(t, store, key, stream.OutputFailed, 5*time.Second)
	if snap.LastError == "" {
		t.Error("failed output carries no error text")
	}
	if snap.ReconnectCount != 0 {
		t.Errorf("ReconnectCount = %d, want 0: spawn failures must not be retried", snap.ReconnectCount)
	}

	// Even with retry-forever configured, no second spawn may happen.
	time.Sleep(200 * time.Millisecond)
	if n := spawns.Load(); n != 1 {
		t.Errorf("spawn attempts = %d, want exactly 1", n)
	}
	if snap, _ := store.Output(key); snap.Status != stream.OutputFailed {
		t.Errorf("status = %q, want it to stay failed", snap.Status)
	}
}

func TestOutputRetriesUntilExhausted(t *testing.T) {
	tee := startedTee(t)
	var spawns atomic.Int64
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 3})
	sup, store := newTestSup(t, tee, cfg, func(*stream.Output, string) []string {
		spawns.Add(1)
		return []string{"/bin/sh", "-c", "exit 7"}
	})
	key := stream.OutputKey{InputID: 1, OutputID: 1}

	sup.Start()
	snap := waitOutputStatus(t, store, key, stream.OutputFailed, 10*time.Second)
	if snap.ReconnectCount != 3 {
		t.Errorf("ReconnectCount = %d, want 3", snap.ReconnectCount)
	}
	if !strings.Contains(snap.LastError, "exit code 7") {
		t.Errorf("LastError = %q, want the worker's exit code in it", snap.LastError)
	}

	// Exhausted means exhausted: spawn count settles at MaxAttempts.
	time.Sleep(200 * time.Millisecond)
	if n := spawns.Load(); n != 3 {
		t.Errorf("spawn attempts = %d, want 3", n)
	}
}

func TestOutputRecoversAfterCrash(t *testing.T) {
	tee := startedTee(t)
	var spawns atomic.Int64
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 0})
	sup, store := newTestSup(t, tee, cfg, func(*stream.Output, string) []string {
		if spawns.Add(1) == 1 {
			// First worker connects, then dies.
			return []string{"/bin/sh", "-c", "echo READY; exit 1"}
		}
		return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
	})
	key := stream.OutputKey{InputID: 1, OutputID: 1}

	sup.Start()
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap, _ := store.Output(key)
		if snap.Status == stream.OutputRunning && snap.ReconnectCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never recovered to running with ReconnectCount=1; last: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := spawns.Load(); n != 2 {
		t.Errorf("spawn attempts = %d, want 2", n)
	}
}

func TestOutputStopDuringPendingRetry(t *testing.T) {
	tee := startedTee(t)
	var spawns atomic.Int64
	// Long delay: the monitor parks in the retry wait after the first crash.
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 60, MaxAttempts: 0})
	sup, store := newTestSup(t, tee, cfg, func(*stream.Output, string) []string {
		spawns.Add(1)
		return []string{"/bin/sh", "-c", "exit 1"}
	})
	key := stream.OutputKey{InputID: 1, OutputID: 1}

	sup.Start()
	waitOutputStatus(t, store, key, stream.OutputReconnecting, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("stop during pending retry: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v; the pending retry was not cancelled", elapsed)
	}

	waitOutputStatus(t, store, key, stream.OutputStopped, time.Second)
	time.Sleep(100 * time.Millisecond)
	if n := spawns.Load(); n != 1 {
		t.Errorf("spawn attempts = %d after stop, want 1", n)
	}
}

func TestOutputRetriesWhileTeeDown(t *testing.T) {
	// Tee never started: attach fails, which must be retried, not fatal.
	tee := teepoint.New(zap.NewNop(), "127.0.0.1:0")
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 2})
	sup, store := newTestSup(t, tee, cfg, func(*stream.Output, string) []string {
		t.Error("command built although attach can never succeed")
		return []string{"/bin/true"}
	})
	key := stream.OutputKey{InputID: 1, OutputID: 1}

	sup.Start()
	snap := waitOutputStatus(t, store, key, stream.OutputFailed, 5*time.Second)
	if snap.ReconnectCount != 2 {
		t.Errorf("ReconnectCount = %d, want 2", snap.ReconnectCount)
	}
	if !strings.Contains(snap.LastError, "resource unavailable") {
		t.Errorf("LastError = %q, want a resource unavailable failure", snap.LastError)
	}
}

func TestOutputExplicitRestartResetsCounter(t *testing.T) {
	tee := startedTee(t)
	store := state.NewStore()
	bus := state.NewBus(zap.NewNop())
	key := stream.OutputKey{InputID: 1, OutputID: 1}
	cfg := outputCfg(1, stream.ReconnectConfig{DelaySec: 0, MaxAttempts: 1})
	sup := NewOutputSupervisor(zap.NewNop(), key, cfg, tee, store, bus,
		new(procmgr.LogBuffer), func(*stream.Output, string) []string {
			return []string{"/bin/sh", "-c", "exit 1"}
		}, testReady)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})

	sup.Start()
	waitOutputStatus(t, store, key, stream.OutputFailed, 5*time.Second)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	// The explicit restart zeroes the counter before re-entering starting.
	sup.Start()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.NewStatus != string(stream.OutputStarting) {
				continue
			}
			if ev.ReconnectCount != 0 {
				t.Errorf("restart entered starting with ReconnectCount=%d, want 0", ev.ReconnectCount)
			}
			return
		case <-deadline:
			t.Fatal("restart never re-entered starting")
		}
	}
}
