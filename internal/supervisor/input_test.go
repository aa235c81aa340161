package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
	"github.com/edirooss/streamdist-server/internal/state"
	"go.uber.org/zap"
)

func testInput(outputs ...*stream.Output) *stream.Input {
	return &stream.Input{
		ID:         1,
		Name:       "in",
		ListenAddr: "127.0.0.1:0",
		Outputs:    outputs,
	}
}

func waitInputStatus(t *testing.T, store *state.Store, id int64, want stream.InputStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		snap, ok := store.Input(id)
		if ok && snap.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("input status never reached %q; last: %+v", want, snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInputManagerStartsEnabledOutputsOnly(t *testing.T) {
	enabled := outputCfg(1, stream.ReconnectConfig{})
	disabled := outputCfg(2, stream.ReconnectConfig{})
	disabled.Enabled = false

	store := state.NewStore()
	bus := state.NewBus(zap.NewNop())
	m := NewInputManager(zap.NewNop(), testInput(enabled, disabled), store, bus,
		procmgr.NewLogManager(), func(*stream.Output, string) []string {
			return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
		}, testReady)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	}()

	// Before start both outputs are registered and stopped.
	for _, oid := range []int64{1, 2} {
		snap, ok := store.Output(stream.OutputKey{InputID: 1, OutputID: oid})
		if !ok || snap.Status != stream.OutputStopped {
			t.Fatalf("output %d not registered as stopped: %+v", oid, snap)
		}
	}

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitInputStatus(t, store, 1, stream.InputRunning, 2*time.Second)
	waitOutputStatus(t, store, stream.OutputKey{InputID: 1, OutputID: 1}, stream.OutputRunning, 5*time.Second)

	snap, _ := store.Output(stream.OutputKey{InputID: 1, OutputID: 2})
	if snap.Status != stream.OutputStopped {
		t.Errorf("disabled output status = %q, want stopped", snap.Status)
	}
}

func TestInputStartPublishesStartingThenRunning(t *testing.T) {
	store := state.NewStore()
	bus := state.NewBus(zap.NewNop())
	m := NewInputManager(zap.NewNop(), testInput(), store, bus,
		procmgr.NewLogManager(), func(*stream.Output, string) []string {
			return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
		}, testReady)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	}()

	events, unsub := bus.Subscribe(8)
	defer unsub()

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, want := range []stream.InputStatus{stream.InputStarting, stream.InputRunning} {
		select {
		case ev := <-events:
			if ev.Kind != state.EventInputStatus {
				t.Fatalf("event kind = %q, want input status", ev.Kind)
			}
			if ev.NewStatus != string(want) {
				t.Fatalf("transition to %q, want %q", ev.NewStatus, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %q event", want)
		}
	}
}

func TestInputManagerStopTearsEverythingDown(t *testing.T) {
	store := state.NewStore()
	bus := state.NewBus(zap.NewNop())
	m := NewInputManager(zap.NewNop(), testInput(outputCfg(1, stream.ReconnectConfig{})), store, bus,
		procmgr.NewLogManager(), func(*stream.Output, string) []string {
			return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
		}, testReady)

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	key := stream.OutputKey{InputID: 1, OutputID: 1}
	waitOutputStatus(t, store, key, stream.OutputRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitInputStatus(t, store, 1, stream.InputStopped, time.Second)
	waitOutputStatus(t, store, key, stream.OutputStopped, time.Second)
	if m.Tee().Running() {
		t.Error("tee still running after stop")
	}
	if m.Running() {
		t.Error("manager still reports running")
	}
}

func TestInputManagerRemoveOutput(t *testing.T) {
	store := state.NewStore()
	bus := state.NewBus(zap.NewNop())
	m := NewInputManager(zap.NewNop(), testInput(outputCfg(1, stream.ReconnectConfig{})), store, bus,
		procmgr.NewLogManager(), func(*stream.Output, string) []string {
			return []string{"/bin/sh", "-c", "echo READY; sleep 60"}
		}, testReady)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	}()

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	key := stream.OutputKey{InputID: 1, OutputID: 1}
	waitOutputStatus(t, store, key, stream.OutputRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.RemoveOutput(ctx, 1); err != nil {
		t.Fatalf("remove output: %v", err)
	}

	if _, ok := store.Output(key); ok {
		t.Error("status entry survived output removal")
	}
	if m.Supervisor(1) != nil {
		t.Error("supervisor still registered after removal")
	}
	if m.Tee().Readers() != 0 {
		t.Errorf("tee readers = %d after removal, want 0", m.Tee().Readers())
	}
}
