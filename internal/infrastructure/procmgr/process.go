//go:build linux

// Package procmgr wraps one external remux/output worker process per
// Output. It owns spawn, supervision of the stdio pipes, capture of the
// stderr tail, readiness detection, and deterministic teardown. No policy
// lives here; restart decisions belong to the supervisor layer.
package procmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrKillFailed reports that a child survived SIGTERM, the grace period and
// SIGKILL. A process in this state is a resource leak, not a recoverable
// condition.
var ErrKillFailed = errors.New("kill failed: process still alive")

// ReadyMatcher inspects one output line of the child and reports whether it
// signals a healthy, connected worker. The rule is tool-specific: for
// ffmpeg-style workers, progress lines are the liveness signal.
type ReadyMatcher func(line string) bool

// DefaultReadyMatcher recognizes ffmpeg progress/stats output. The first
// progress line means input and destination are both connected.
func DefaultReadyMatcher(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "frame=") ||
		strings.HasPrefix(trimmed, "size=") ||
		strings.Contains(trimmed, "Press [q] to stop")
}

// ExitOutcome describes a reaped child.
type ExitOutcome struct {
	Code       int      // exit code; -1 when killed by signal
	Signaled   bool     //
	StderrTail []string // bounded tail, oldest first
}

// Process encapsulates a supervised external command.
//
// Canonical usage:
//
//	p → Start() → <-Ready() (or <-Done()) → <-Done() → Outcome()
//
// Stop() may be called at any point after Start() and is synchronous: it
// returns once the process group is confirmed gone, or ErrKillFailed.
type Process struct {
	log  *zap.Logger
	tail *LogBuffer

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	readyMatch ReadyMatcher

	// One-shot readiness signal (closed only on real readiness).
	ready     chan struct{}
	readyOnce sync.Once

	// Closed after the process is fully reaped.
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	started  atomic.Bool
	pid      atomic.Int64
	exitCode atomic.Int64
	signaled atomic.Bool

	// Protects cmd during lifecycle transitions.
	mu sync.Mutex
}

// New constructs a Process around exec.Cmd with early pipe allocation.
// Linux-specific attributes are applied up front:
//   - Setpgid: isolates the child into its own process group so teardown
//     signals reach any grandchildren
//   - Pdeathsig: the kernel SIGKILLs the child if this supervisor dies
func New(log *zap.Logger, tail *LogBuffer, ready ReadyMatcher, env, argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if ready == nil {
		ready = DefaultReadyMatcher
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	p := &Process{
		log:        log,
		tail:       tail,
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		readyMatch: ready,
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.exitCode.Store(-1)
	return p, nil
}

// Start launches the command exactly once. On success the background
// supervisor begins consuming stdout/stderr, Ready() may eventually fire,
// and Done() fires when the child is reaped.
func (p *Process) Start() error {
	err := errors.New("start called twice")

	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if serr := p.cmd.Start(); serr != nil {
			err = serr
			return
		}
		err = nil

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.pid.Store(int64(pid))

		p.log.Info("process started", zap.Int("pid", pid))
		go p.supervise()
	})

	return err
}

// supervise drains both pipes, reaps the child exactly once, records the
// exit outcome and fires Done(). Pipe closure can precede actual process
// exit on Linux, so the second pipe gets a short grace window before we
// proceed to Wait().
func (p *Process) supervise() {
	pipeDone := make(chan struct{}, 2)

	go func() {
		p.drain(p.stdout)
		pipeDone <- struct{}{}
	}()
	go func() {
		p.drain(p.stderr)
		pipeDone <- struct{}{}
	}()

	<-pipeDone
	select {
	case <-pipeDone:
	case <-time.After(100 * time.Millisecond):
		p.log.Debug("second pipe still open after grace; proceeding to reap")
		go func() { <-pipeDone }()
	}

	p.mu.Lock()
	err := p.cmd.Wait()
	p.mu.Unlock()

	if err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.exitCode.Store(int64(status.ExitStatus()))
			p.signaled.Store(status.Signaled())
			p.log.Info("process exited with error status",
				zap.Int("exit_code", status.ExitStatus()),
				zap.Bool("signaled", status.Signaled()))
		} else {
			p.log.Error("failed to wait for process", zap.Error(err))
		}
	} else {
		p.exitCode.Store(0)
		p.log.Info("process exited cleanly")
	}

	close(p.done)
}

// drain streams one pipe line-by-line into the shared tail buffer, probing
// each line for the readiness marker.
func (p *Process) drain(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if p.readyMatch(line) {
			p.readyOnce.Do(func() {
				p.log.Info("readiness signal received")
				close(p.ready)
			})
		}
		p.tail.Append(line)
	}

	if err := sc.Err(); err != nil {
		p.log.Error("pipe scanner failure", zap.Error(err))
	}
}

// Ready fires once the readiness matcher accepts a line.
func (p *Process) Ready() <-chan struct{} { return p.ready }

// Done fires once the child is fully reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// PID returns the OS pid, valid after Start.
func (p *Process) PID() int { return int(p.pid.Load()) }

// Outcome is valid only after Done() has fired.
func (p *Process) Outcome() ExitOutcome {
	return ExitOutcome{
		Code:       int(p.exitCode.Load()),
		Signaled:   p.signaled.Load(),
		StderrTail: p.tail.Tail(0),
	}
}

// Wait blocks until the child exits or ctx is cancelled.
func (p *Process) Wait(ctx context.Context) (ExitOutcome, error) {
	select {
	case <-p.done:
		return p.Outcome(), nil
	case <-ctx.Done():
		return ExitOutcome{}, ctx.Err()
	}
}

// Stop performs deterministic, synchronous teardown:
//
//	SIGTERM (process group) → grace → SIGKILL → confirm reaped
//
// Returns nil once Done() has fired. Returns ErrKillFailed if the child is
// still alive one grace period after SIGKILL. Idempotent: later calls just
// wait for the first teardown to finish.
func (p *Process) Stop(grace time.Duration) error {
	if !p.started.Load() {
		return nil
	}

	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		pid := int(p.pid.Load())
		p.log.Info("sending SIGTERM", zap.Int("pid", pid))
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("pid", pid))
		}

		select {
		case <-p.done:
			p.log.Info("process exited gracefully", zap.Int("pid", pid))
			return
		case <-time.After(grace):
		}

		p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("pid", pid))
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("pid", pid))
		}
	})

	// SIGKILL cannot be ignored; one more grace period covers reap latency.
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("%w (pid %d)", ErrKillFailed, p.pid.Load())
	}
}
