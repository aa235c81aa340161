package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
	"github.com/edirooss/streamdist-server/internal/infrastructure/teepoint"
	"github.com/edirooss/streamdist-server/internal/metrics"
	"github.com/edirooss/streamdist-server/internal/state"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InputManager owns the runtime of one input: the tee point its upstream
// pushes into and the output supervisors reading from it. The service layer
// holds one manager per configured input, running or not.
type InputManager struct {
	log   *zap.Logger
	store *state.Store
	bus   *state.Bus
	logs  *procmgr.LogManager

	command CommandFunc
	ready   procmgr.ReadyMatcher

	mu   sync.Mutex
	in   *stream.Input
	tee  *teepoint.Tee
	sups map[int64]*OutputSupervisor
}

// NewInputManager wraps a configured input. Every existing output gets a
// stopped supervisor so status reads work immediately; nothing starts here.
func NewInputManager(log *zap.Logger, in *stream.Input, store *state.Store, bus *state.Bus,
	logs *procmgr.LogManager, command CommandFunc, ready procmgr.ReadyMatcher) *InputManager {

	m := &InputManager{
		log:     log.Named("inputmgr").With(zap.Int64("input_id", in.ID)),
		store:   store,
		bus:     bus,
		logs:    logs,
		command: command,
		ready:   ready,
		in:      in,
		tee:     teepoint.New(log, in.ListenAddr),
		sups:    make(map[int64]*OutputSupervisor),
	}
	m.store.UpdateInput(in.ID, func(snap *state.InputSnapshot) {
		snap.Name = in.Name
	})
	for _, o := range in.Outputs {
		m.registerLocked(o)
	}
	return m
}

func (m *InputManager) registerLocked(o *stream.Output) *OutputSupervisor {
	key := stream.OutputKey{InputID: m.in.ID, OutputID: o.ID}
	sup := NewOutputSupervisor(m.log, key, o, m.tee, m.store, m.bus,
		m.logs.Get(key), m.command, m.ready)
	m.sups[o.ID] = sup
	return sup
}

// Input returns the manager's configured input. The pointer is shared with
// the service layer, which serializes all mutation per input.
func (m *InputManager) Input() *stream.Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.in
}

// Tee exposes the input's fan-out point.
func (m *InputManager) Tee() *teepoint.Tee { return m.tee }

// Supervisor returns the supervisor of one output, or nil.
func (m *InputManager) Supervisor(outputID int64) *OutputSupervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sups[outputID]
}

// Running reports whether the input's tee point is live.
func (m *InputManager) Running() bool { return m.tee.Running() }

// Start brings the input up: bind the tee point, then start every enabled
// output. Idempotent; an already-running input is left alone apart from
// starting any enabled outputs that are not yet running.
func (m *InputManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasRunning := m.tee.Running()
	if !wasRunning {
		m.transitionInput(stream.InputStarting, "")
	}
	if err := m.tee.Start(); err != nil {
		m.transitionInput(stream.InputError, err.Error())
		return fmt.Errorf("start input %d: %w", m.in.ID, err)
	}
	if !wasRunning {
		metrics.RunningInputs.Inc()
		m.transitionInput(stream.InputRunning, "")
		m.log.Info("input started", zap.String("listen_addr", m.tee.Addr()))
	}

	for _, o := range m.in.Outputs {
		if o.Enabled {
			m.sups[o.ID].Start()
		}
	}
	return nil
}

// Stop brings the input down: stop every output supervisor concurrently,
// then tear down the tee. Outputs that could not be terminated are reported
// together; the tee still stops so the upstream socket is released.
func (m *InputManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sups := make(map[int64]*OutputSupervisor, len(m.sups))
	for id, sup := range m.sups {
		sups[id] = sup
	}
	m.mu.Unlock()

	var (
		failMu sync.Mutex
		fails  []error
	)
	var g errgroup.Group
	for id, sup := range sups {
		id, sup := id, sup
		g.Go(func() error {
			if err := sup.Stop(ctx); err != nil {
				failMu.Lock()
				fails = append(fails, fmt.Errorf("output %d: %w", id, err))
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tee.Running() {
		m.tee.Stop()
		metrics.RunningInputs.Dec()
		m.log.Info("input stopped")
	}
	m.transitionInput(stream.InputStopped, "")

	if len(fails) > 0 {
		return fmt.Errorf("stop input %d: %w", m.in.ID, errors.Join(fails...))
	}
	return nil
}

// AddOutput registers a supervisor for a newly created output and, when the
// output is enabled, starts it. A start against a stopped input is fine: the
// monitor loop treats the missing tee as a transient failure and retries.
func (m *InputManager) AddOutput(o *stream.Output) {
	m.mu.Lock()
	sup := m.registerLocked(o)
	m.mu.Unlock()

	if o.Enabled {
		sup.Start()
	}
}

// RemoveOutput stops and unregisters one output's supervisor and drops its
// runtime traces (status entry, log tail). The config entry is the caller's
// to remove.
func (m *InputManager) RemoveOutput(ctx context.Context, outputID int64) error {
	m.mu.Lock()
	sup := m.sups[outputID]
	delete(m.sups, outputID)
	m.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)

	key := stream.OutputKey{InputID: m.in.ID, OutputID: outputID}
	m.store.DeleteOutput(key)
	m.logs.Drop(key)
	m.tee.Detach(outputID)
	return err
}

func (m *InputManager) transitionInput(to stream.InputStatus, errText string) {
	var old stream.InputStatus
	snap := m.store.UpdateInput(m.in.ID, func(snap *state.InputSnapshot) {
		old = snap.Status
		snap.Status = to
		snap.Error = errText
		switch to {
		case stream.InputRunning:
			if old != stream.InputRunning {
				snap.StartedAt = time.Now()
			}
		default:
			snap.StartedAt = time.Time{}
		}
	})
	if old == to {
		return
	}
	m.bus.Publish(state.Event{
		Kind:      state.EventInputStatus,
		InputID:   m.in.ID,
		OldStatus: string(old),
		NewStatus: string(snap.Status),
		Error:     snap.Error,
	})
}
