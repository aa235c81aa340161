// Package supervisor drives the lifecycle of output workers: one
// OutputSupervisor per output runs the monitor loop (spawn, watch, reconnect
// or fail), and one InputManager per input owns the tee point plus the
// supervisors reading from it. All status is reported through the state
// store and event bus; nothing here answers API calls directly.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
	"github.com/edirooss/streamdist-server/internal/infrastructure/teepoint"
	"github.com/edirooss/streamdist-server/internal/metrics"
	"github.com/edirooss/streamdist-server/internal/state"
	"go.uber.org/zap"
)

// DefaultStopGrace is how long a worker gets between SIGTERM and SIGKILL.
const DefaultStopGrace = 5 * time.Second

// CommandFunc builds the worker argv for an output reading from readerURL.
type CommandFunc func(out *stream.Output, readerURL string) []string

// OutputSupervisor owns one output's worker process end to end. Start spins
// up a monitor goroutine that walks the state machine
//
//	starting → running → (reconnecting → starting)* → stopped | failed
//
// and Stop tears it down synchronously. Callers never touch the process
// directly; every observable effect goes through the store and the bus.
type OutputSupervisor struct {
	log   *zap.Logger
	key   stream.OutputKey
	tee   *teepoint.Tee
	store *state.Store
	bus   *state.Bus
	tail  *procmgr.LogBuffer

	command CommandFunc
	ready   procmgr.ReadyMatcher
	grace   time.Duration

	mu      sync.Mutex
	cfg     *stream.Output
	cancel  context.CancelFunc
	runDone chan struct{}
}

// NewOutputSupervisor constructs a stopped supervisor. ready may be nil to
// use the process layer's default matcher.
func NewOutputSupervisor(log *zap.Logger, key stream.OutputKey, cfg *stream.Output,
	tee *teepoint.Tee, store *state.Store, bus *state.Bus, tail *procmgr.LogBuffer,
	command CommandFunc, ready procmgr.ReadyMatcher) *OutputSupervisor {

	s := &OutputSupervisor{
		log: log.Named("outputsup").With(
			zap.Int64("input_id", key.InputID),
			zap.Int64("output_id", key.OutputID)),
		key:     key,
		tee:     tee,
		store:   store,
		bus:     bus,
		tail:    tail,
		command: command,
		ready:   ready,
		grace:   DefaultStopGrace,
		cfg:     cfg.Clone(),
	}
	// Register the entity so status reads work before the first start.
	s.store.UpdateOutput(key, func(snap *state.OutputSnapshot) {
		snap.Name = cfg.Name
	})
	return s
}

// Config returns a copy of the supervisor's current output config.
func (s *OutputSupervisor) Config() *stream.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// SetConfig replaces the config used by the next monitor run and refreshes
// the snapshot name. A live monitor keeps its own copy, so a changed
// destination takes effect only after a stop; cosmetic changes do not need
// one.
func (s *OutputSupervisor) SetConfig(cfg *stream.Output) {
	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.mu.Unlock()
	s.store.UpdateOutput(s.key, func(snap *state.OutputSnapshot) {
		snap.Name = cfg.Name
	})
}

// Running reports whether a monitor goroutine is live.
func (s *OutputSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runDone != nil
}

// Start launches the monitor loop. No-op when one is already live (starting
// a running output is not an error). An explicit start resets the reconnect
// counter; automatic retries never do.
func (s *OutputSupervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runDone != nil {
		return
	}

	cfg := s.cfg.Clone()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.runDone = done

	s.store.UpdateOutput(s.key, func(snap *state.OutputSnapshot) {
		snap.ReconnectCount = 0
		snap.LastError = ""
	})

	go s.run(ctx, cfg, done)
}

// Stop cancels the monitor and waits for it to finish teardown, bounded by
// ctx. Stopping a stopped output is a no-op; stopping a failed one
// normalizes its status back to stopped.
func (s *OutputSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.runDone
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done == nil {
		s.normalizeStopped()
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop output %d/%d: %w", s.key.InputID, s.key.OutputID, ctx.Err())
	}
}

// normalizeStopped resets a terminal (failed) entity to stopped on explicit
// stop, leaving already-stopped entities untouched.
func (s *OutputSupervisor) normalizeStopped() {
	var old stream.OutputStatus
	snap := s.store.UpdateOutput(s.key, func(snap *state.OutputSnapshot) {
		old = snap.Status
		if snap.Status != stream.OutputStopped {
			snap.Status = stream.OutputStopped
			snap.LastError = ""
			snap.PID = 0
		}
	})
	if old != stream.OutputStopped {
		s.publish(old, snap)
	}
}

// run is the monitor loop. Each iteration is one attempt: attach to the tee,
// spawn the worker, wait for readiness, then hold until exit or cancel.
// attempt counts consecutive failures since the explicit start.
func (s *OutputSupervisor) run(ctx context.Context, cfg *stream.Output, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.runDone == done {
			s.cancel = nil
			s.runDone = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	attempt := uint(0)
	for {
		if ctx.Err() != nil {
			s.transition(stream.OutputStopped, "", nil)
			return
		}

		s.transition(stream.OutputStarting, "", nil)

		readerURL, err := s.tee.Attach(s.key.OutputID)
		if err != nil {
			werr := fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
			if !s.backoff(ctx, &attempt, cfg, werr) {
				return
			}
			continue
		}

		proc, err := procmgr.New(s.log, s.tail, s.ready, os.Environ(), s.command(cfg, readerURL))
		if err == nil {
			err = proc.Start()
		}
		if err != nil {
			s.tee.Detach(s.key.OutputID)
			metrics.SpawnFailuresTotal.Inc()
			s.fail(fmt.Errorf("%w: %v", ErrSpawnFailed, err))
			return
		}

		metrics.LiveOutputProcesses.Inc()
		s.store.UpdateOutput(s.key, func(snap *state.OutputSnapshot) {
			snap.PID = proc.PID()
		})

		running := false
		select {
		case <-proc.Ready():
			running = true
			s.transition(stream.OutputRunning, "", func(snap *state.OutputSnapshot) {
				snap.StartedAt = time.Now()
			})
		case <-proc.Done():
		case <-ctx.Done():
		}
		if running {
			select {
			case <-proc.Done():
			case <-ctx.Done():
			}
		}

		if ctx.Err() != nil {
			s.shutdown(proc)
			return
		}

		// The worker died on its own.
		outcome := proc.Outcome()
		metrics.LiveOutputProcesses.Dec()
		s.tee.Detach(s.key.OutputID)
		s.log.Warn("worker exited unexpectedly",
			zap.Int("exit_code", outcome.Code),
			zap.Bool("signaled", outcome.Signaled))

		werr := fmt.Errorf("%w (exit code %d)", ErrProcessExited, outcome.Code)
		if !s.backoff(ctx, &attempt, cfg, werr) {
			return
		}
	}
}

// backoff records one failure, consults the policy and either sleeps out the
// retry delay (true) or lands the output in a terminal state (false). A
// cancel during the delay stops cleanly with no further spawns.
func (s *OutputSupervisor) backoff(ctx context.Context, attempt *uint, cfg *stream.Output, cause error) bool {
	*attempt++
	s.transition(stream.OutputReconnecting, cause.Error(), func(snap *state.OutputSnapshot) {
		snap.ReconnectCount++
		snap.PID = 0
	})

	act := NextAction(*attempt, cfg.Reconnect)
	if !act.Retry {
		s.fail(fmt.Errorf("%w: retries exhausted after %d attempts", cause, *attempt))
		return false
	}

	metrics.ProcessRestartsTotal.Inc()
	timer := time.NewTimer(act.After)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		s.transition(stream.OutputStopped, "", nil)
		return false
	}
}

// shutdown is the cancel path: stop the worker deterministically, release
// the tee reader, settle on stopped, or on failed if the kill did not take.
func (s *OutputSupervisor) shutdown(proc *procmgr.Process) {
	s.transition(stream.OutputStopping, "", nil)

	err := proc.Stop(s.grace)
	metrics.LiveOutputProcesses.Dec()
	s.tee.Detach(s.key.OutputID)

	if err != nil {
		s.log.Error("worker could not be killed", zap.Error(err))
		s.transition(stream.OutputFailed, err.Error(), func(snap *state.OutputSnapshot) {
			snap.PID = 0
		})
		return
	}
	s.transition(stream.OutputStopped, "", func(snap *state.OutputSnapshot) {
		snap.PID = 0
	})
}

func (s *OutputSupervisor) fail(cause error) {
	metrics.OutputsFailedTotal.Inc()
	s.transition(stream.OutputFailed, cause.Error(), func(snap *state.OutputSnapshot) {
		snap.PID = 0
	})
}

// transition applies one atomic status change and publishes it. The store
// update and the publish are the only side channels of the state machine.
func (s *OutputSupervisor) transition(to stream.OutputStatus, errText string, mut func(*state.OutputSnapshot)) {
	var old stream.OutputStatus
	snap := s.store.UpdateOutput(s.key, func(snap *state.OutputSnapshot) {
		old = snap.Status
		snap.Status = to
		snap.LastError = errText
		if mut != nil {
			mut(snap)
		}
	})

	s.log.Info("output transition",
		zap.String("from", string(old)),
		zap.String("to", string(to)),
		zap.Uint("reconnect_count", snap.ReconnectCount))
	s.publish(old, snap)
}

func (s *OutputSupervisor) publish(old stream.OutputStatus, snap state.OutputSnapshot) {
	s.bus.Publish(state.Event{
		Kind:           state.EventOutputStatus,
		InputID:        s.key.InputID,
		OutputID:       s.key.OutputID,
		OldStatus:      string(old),
		NewStatus:      string(snap.Status),
		ReconnectCount: snap.ReconnectCount,
		Error:          snap.LastError,
	})
}
