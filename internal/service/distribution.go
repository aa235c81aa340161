package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
	"github.com/edirooss/streamdist-server/internal/repo"
	"github.com/edirooss/streamdist-server/internal/state"
	"github.com/edirooss/streamdist-server/internal/supervisor"
	"github.com/edirooss/streamdist-server/pkg/ffmpegcmd"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// DistributionService
// -----------------------------------------------------------------------------
//
// Runtime model
//   • Single process, many concurrent requests.
//   • Mutations for the SAME input ID are serialized via a per-ID gate. Output
//     mutations take their owning input's gate: update_output's stop-then-start
//     must never interleave with another mutation of the same entity.
//   • Reads (Get/List/Status/Logs) are lock-free.
//
// Contract (runtime-first)
//   • The supervisor runtime is source of truth. Side-effects land first, then
//     we persist.
//   • If a runtime operation fails → no Redis changes are made.
//   • If Redis write fails AFTER a successful runtime change → we attempt to
//     roll back the runtime change (best-effort) and return an error.
//
// Asynchronous starts
//   • Starting an output arms its monitor loop; whether the worker comes up is
//     reported through status, never through the API call. Only stops are
//     synchronous, bounded by the request context.
//
// Restart semantics
//   • Runtime status is never persisted. After a server restart every input
//     and output comes back stopped and waits for explicit starts.

// InputStore is the persistence surface the service needs. Satisfied by
// repo.InputRepository; tests substitute an in-memory fake.
type InputStore interface {
	GenerateID(ctx context.Context) (int64, error)
	GenerateOutputID(ctx context.Context, inputID int64) (int64, error)
	Upsert(ctx context.Context, in *stream.Input) error
	Delete(ctx context.Context, id int64) error
	HasID(ctx context.Context, id int64) (bool, error)
	GetByID(ctx context.Context, id int64) (*stream.Input, error)
	GetAll(ctx context.Context) ([]*stream.Input, error)
}

// DistributionService coordinates repo (Redis) and the supervisor runtime.
type DistributionService struct {
	log    *zap.Logger
	repo   *repo.Repository
	inputs InputStore

	store *state.Store
	bus   *state.Bus
	logs  *procmgr.LogManager

	command supervisor.CommandFunc
	ready   procmgr.ReadyMatcher

	// live runtime, one manager per configured input
	mu       sync.RWMutex
	managers map[int64]*supervisor.InputManager

	// per-input locks to serialize mutating requests on the same ID
	muxes sync.Map // map[int64]*gate
}

// gate is a tiny 1-token semaphore with TryLock semantics (non-blocking fast-fail).
type gate struct{ ch chan struct{} }

func newGate() *gate {
	g := &gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{} // token present => unlocked
	return g
}
func (g *gate) Lock() { <-g.ch }
func (g *gate) TryLock() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
func (g *gate) Unlock() {
	select {
	case g.ch <- struct{}{}:
	default:
		panic("unlock of unlocked gate")
	}
}

// ErrLocked signals a concurrent mutation is already in flight for this ID.
var ErrLocked = errors.New("input locked")

// ErrOutputNotFound reports an unknown output ID within an existing input.
var ErrOutputNotFound = errors.New("output not found")

// ErrInputNotFound re-exports the repo sentinel so handlers need only one
// import to classify lookup failures.
var ErrInputNotFound = repo.ErrInputNotFound

// NewDistributionService wires dependencies and reloads persisted inputs into
// stopped runtime managers. Nothing starts at boot; operators (or an external
// orchestrator) decide what runs.
func NewDistributionService(log *zap.Logger, redisAddr string, redisDB int) (*DistributionService, error) {
	log = log.Named("distribution_service")

	r := repo.NewRepository(log, redisAddr, redisDB)
	svc := &DistributionService{
		log:      log,
		repo:     r,
		inputs:   r.Inputs,
		store:    state.NewStore(),
		bus:      state.NewBus(log),
		logs:     procmgr.NewLogManager(),
		command:  ffmpegcmd.BuildArgv,
		ready:    procmgr.DefaultReadyMatcher,
		managers: make(map[int64]*supervisor.InputManager),
	}

	if err := svc.reloadOnStart(context.Background()); err != nil {
		return nil, fmt.Errorf("bootstrap reload: %w", err)
	}

	return svc, nil
}

// reloadOnStart registers a stopped manager for every persisted input, so
// status and log queries work immediately after a restart.
func (s *DistributionService) reloadOnStart(ctx context.Context) error {
	inputs, err := s.inputs.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load inputs: %w", err)
	}

	for _, in := range inputs {
		s.managers[in.ID] = supervisor.NewInputManager(s.log, in, s.store, s.bus, s.logs, s.command, s.ready)
	}
	s.log.Info("inputs reloaded", zap.Int("count", len(inputs)))
	return nil
}

// Close releases persistence resources. The runtime should be stopped first
// via StopAll.
func (s *DistributionService) Close() error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Close()
}

// StopAll tears down every running input. Used on process shutdown.
func (s *DistributionService) StopAll(ctx context.Context) error {
	s.mu.RLock()
	managers := make([]*supervisor.InputManager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.mu.RUnlock()

	var errs []error
	for _, m := range managers {
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Events exposes the status event bus for push subscribers.
func (s *DistributionService) Events() *state.Bus { return s.bus }

// lock acquires the per-input gate (blocking). Always returns a valid unlock
// func. Safe to call multiple times; same ID maps to the same gate.
func (s *DistributionService) lock(id int64) func() {
	v, _ := s.muxes.LoadOrStore(id, newGate())
	g := v.(*gate)
	g.Lock()
	return func() { g.Unlock() }
}

// tryLock attempts to acquire the per-input gate without blocking.
func (s *DistributionService) tryLock(id int64) (func(), error) {
	v, _ := s.muxes.LoadOrStore(id, newGate())
	g := v.(*gate)
	if !g.TryLock() {
		return func() {}, fmt.Errorf("id %d: %w", id, ErrLocked)
	}
	return func() { g.Unlock() }, nil
}

func (s *DistributionService) manager(id int64) (*supervisor.InputManager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.managers[id]
	return m, ok
}

// InputExists returns true if the input ID exists in Redis.
func (s *DistributionService) InputExists(ctx context.Context, id int64) (bool, error) {
	exists, err := s.inputs.HasID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("has id: %w", err)
	}
	return exists, nil
}

// CreateInput persists a new input and registers its (stopped) runtime
// manager. Pure persist path: nothing starts until an explicit start.
func (s *DistributionService) CreateInput(ctx context.Context, in *stream.Input) error {
	if err := in.Validate(); err != nil {
		return err
	}

	id, err := s.inputs.GenerateID(ctx)
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	unlock := s.lock(id)
	defer unlock()

	in.ID = id
	in.CreatedAt = time.Now()
	if in.Outputs == nil {
		in.Outputs = []*stream.Output{}
	}
	for _, out := range in.Outputs {
		oid, err := s.inputs.GenerateOutputID(ctx, id)
		if err != nil {
			return fmt.Errorf("generate output id: %w", err)
		}
		out.ID = oid
		out.CreatedAt = in.CreatedAt
		if err := out.Validate(); err != nil {
			return fmt.Errorf("output %q: %w", out.Name, err)
		}
	}

	if err := s.inputs.Upsert(ctx, in); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	m := supervisor.NewInputManager(s.log, in, s.store, s.bus, s.logs, s.command, s.ready)
	s.mu.Lock()
	s.managers[id] = m
	s.mu.Unlock()
	return nil
}

// GetInput returns a single input by ID (read-only).
func (s *DistributionService) GetInput(ctx context.Context, id int64) (*stream.Input, error) {
	in, err := s.inputs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return in, nil
}

// ListInputs returns all inputs (read-only).
func (s *DistributionService) ListInputs(ctx context.Context) ([]*stream.Input, error) {
	inputs, err := s.inputs.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}
	return inputs, nil
}

// StartInput binds the input's ingest/fan-out point and starts every enabled
// output. Idempotent; starting a running input is a no-op.
func (s *DistributionService) StartInput(ctx context.Context, id int64) error {
	unlock := s.lock(id)
	defer unlock()

	m, ok := s.manager(id)
	if !ok {
		return ErrInputNotFound
	}
	if err := m.Start(); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	return nil
}

// StopInput stops every output of the input, then tears down its ingest
// point. Outputs whose workers could not be terminated are reported in the
// returned error; the rest still stop.
func (s *DistributionService) StopInput(ctx context.Context, id int64) error {
	unlock := s.lock(id)
	defer unlock()

	m, ok := s.manager(id)
	if !ok {
		return ErrInputNotFound
	}
	if err := m.Stop(ctx); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}
	return nil
}

// DeleteInput stops the runtime (if running) and deletes the record,
// cascading to outputs, status entries and log tails. If deletion fails
// after the runtime was stopped, we best-effort restart it to avoid an
// outage masked by a storage failure.
func (s *DistributionService) DeleteInput(ctx context.Context, id int64) error {
	unlock, err := s.tryLock(id)
	if err != nil {
		return fmt.Errorf("try lock: %w", err)
	}
	defer unlock()

	m, ok := s.manager(id)
	if !ok {
		return ErrInputNotFound
	}

	wasRunning := m.Running()
	if err := m.Stop(ctx); err != nil {
		return fmt.Errorf("stop runtime: %w", err)
	}

	if err := s.inputs.Delete(ctx, id); err != nil {
		if wasRunning {
			// Rollback: bring the runtime back up.
			if startErr := m.Start(); startErr != nil {
				s.log.Error("rollback runtime failed", zap.Int64("input_id", id), zap.Error(startErr))
			}
		}
		return fmt.Errorf("delete: %w", err)
	}

	s.mu.Lock()
	delete(s.managers, id)
	s.mu.Unlock()
	s.store.DeleteInput(id)
	s.logs.DropInput(id)

	// Once deleted, we can discard the per-ID gate.
	s.muxes.Delete(id)
	return nil
}

// CreateOutput persists a new output under an input and registers its
// supervisor. When the output is enabled its monitor starts immediately; a
// stopped input is not an error, just a transient condition the monitor
// retries through.
func (s *DistributionService) CreateOutput(ctx context.Context, inputID int64, out *stream.Output) error {
	if err := out.Validate(); err != nil {
		return err
	}

	unlock := s.lock(inputID)
	defer unlock()

	m, ok := s.manager(inputID)
	if !ok {
		return ErrInputNotFound
	}

	in := m.Input()
	if in.OutputNameTaken(out.Name, 0) {
		return fmt.Errorf("%w: duplicate output name %q", stream.ErrInvalidConfig, out.Name)
	}

	id, err := s.inputs.GenerateOutputID(ctx, inputID)
	if err != nil {
		return fmt.Errorf("generate output id: %w", err)
	}
	out.ID = id
	out.CreatedAt = time.Now()

	in.Outputs = append(in.Outputs, out)
	if err := s.inputs.Upsert(ctx, in); err != nil {
		in.RemoveOutput(id)
		return fmt.Errorf("upsert: %w", err)
	}

	m.AddOutput(out)
	return nil
}

// ListOutputs returns all output configurations of one input.
func (s *DistributionService) ListOutputs(ctx context.Context, inputID int64) ([]*stream.Output, error) {
	in, err := s.inputs.GetByID(ctx, inputID)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return in.Outputs, nil
}

// GetOutput returns one output's configuration.
func (s *DistributionService) GetOutput(ctx context.Context, inputID, outputID int64) (*stream.Output, error) {
	in, err := s.inputs.GetByID(ctx, inputID)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	out := in.FindOutput(outputID)
	if out == nil {
		return nil, ErrOutputNotFound
	}
	return out, nil
}

// StartOutput marks the output enabled and arms its monitor loop. The start
// itself is asynchronous; progress lands in status.
func (s *DistributionService) StartOutput(ctx context.Context, inputID, outputID int64) error {
	unlock := s.lock(inputID)
	defer unlock()

	m, ok := s.manager(inputID)
	if !ok {
		return ErrInputNotFound
	}
	sup := m.Supervisor(outputID)
	if sup == nil {
		return ErrOutputNotFound
	}

	in := m.Input()
	out := in.FindOutput(outputID)
	wasEnabled := out.Enabled
	out.Enabled = true
	if err := s.inputs.Upsert(ctx, in); err != nil {
		out.Enabled = wasEnabled
		return fmt.Errorf("upsert: %w", err)
	}

	sup.Start()
	return nil
}

// StopOutput stops the output's worker synchronously and marks it disabled.
// Runtime-first: if persisting the disabled flag fails, the worker is
// best-effort restarted so Redis never claims a state that did not land.
func (s *DistributionService) StopOutput(ctx context.Context, inputID, outputID int64) error {
	unlock, err := s.tryLock(inputID)
	if err != nil {
		return fmt.Errorf("try lock: %w", err)
	}
	defer unlock()

	m, ok := s.manager(inputID)
	if !ok {
		return ErrInputNotFound
	}
	sup := m.Supervisor(outputID)
	if sup == nil {
		return ErrOutputNotFound
	}

	if err := sup.Stop(ctx); err != nil {
		return fmt.Errorf("stop worker: %w", err)
	}

	in := m.Input()
	out := in.FindOutput(outputID)
	wasEnabled := out.Enabled
	out.Enabled = false
	if err := s.inputs.Upsert(ctx, in); err != nil {
		out.Enabled = wasEnabled
		if wasEnabled {
			sup.Start()
		}
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// UpdateOutput replaces an output's configuration atomically. When the
// destination changed (URL or protocol) the old worker is stopped before the
// new config takes effect and a new one is started; cosmetic changes (name,
// reconnect tuning) leave a running worker alone. The gate guarantees no
// other mutation of this input interleaves with the swap.
//
// Compensation: if persistence fails after the swap, the previous config is
// restored and, when it was enabled, its worker restarted.
func (s *DistributionService) UpdateOutput(ctx context.Context, inputID int64, desired *stream.Output) error {
	if err := desired.Validate(); err != nil {
		return err
	}

	unlock, err := s.tryLock(inputID)
	if err != nil {
		return fmt.Errorf("try lock: %w", err)
	}
	defer unlock()

	m, ok := s.manager(inputID)
	if !ok {
		return ErrInputNotFound
	}
	sup := m.Supervisor(desired.ID)
	if sup == nil {
		return ErrOutputNotFound
	}

	in := m.Input()
	if in.OutputNameTaken(desired.Name, desired.ID) {
		return fmt.Errorf("%w: duplicate output name %q", stream.ErrInvalidConfig, desired.Name)
	}
	cur := in.FindOutput(desired.ID)
	prev := cur.Clone()
	desired.CreatedAt = prev.CreatedAt

	// Stop-then-start, but only when the worker is actually affected: a
	// changed destination needs the old worker fully gone before the new
	// config takes effect, while a rename leaves a running worker alone.
	needsRestart := prev.URL != desired.URL || prev.Protocol != desired.Protocol
	if needsRestart || !desired.Enabled {
		if err := sup.Stop(ctx); err != nil {
			return fmt.Errorf("stop worker: %w", err)
		}
	}

	*cur = *desired
	sup.SetConfig(desired)

	if err := s.inputs.Upsert(ctx, in); err != nil {
		*cur = *prev
		sup.SetConfig(prev)
		if prev.Enabled {
			sup.Start()
		}
		return fmt.Errorf("upsert: %w", err)
	}

	if desired.Enabled {
		sup.Start()
	}
	return nil
}

// DeleteOutput stops the output's worker and removes it from the input. If
// deletion fails to persist, the output is re-registered (and restarted when
// it was enabled).
func (s *DistributionService) DeleteOutput(ctx context.Context, inputID, outputID int64) error {
	unlock, err := s.tryLock(inputID)
	if err != nil {
		return fmt.Errorf("try lock: %w", err)
	}
	defer unlock()

	m, ok := s.manager(inputID)
	if !ok {
		return ErrInputNotFound
	}

	in := m.Input()
	out := in.FindOutput(outputID)
	if out == nil {
		return ErrOutputNotFound
	}
	prev := out.Clone()

	if err := m.RemoveOutput(ctx, outputID); err != nil {
		return fmt.Errorf("stop worker: %w", err)
	}
	in.RemoveOutput(outputID)

	if err := s.inputs.Upsert(ctx, in); err != nil {
		in.Outputs = append(in.Outputs, prev)
		m.AddOutput(prev)
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// InputStatusView aggregates an input's runtime status with its outputs'.
type InputStatusView struct {
	Input   state.InputSnapshot    `json:"input"`
	Outputs []state.OutputSnapshot `json:"outputs"`
	Stats   InputStats             `json:"stats"`
}

// InputStats summarizes an input's delivery health at a glance.
type InputStats struct {
	Outputs       int     `json:"outputs"`
	Running       int     `json:"running"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func statusView(snap state.InputSnapshot, outputs []state.OutputSnapshot) *InputStatusView {
	stats := InputStats{Outputs: len(outputs)}
	for _, o := range outputs {
		if o.Status == stream.OutputRunning {
			stats.Running++
		}
	}
	if !snap.StartedAt.IsZero() {
		stats.UptimeSeconds = time.Since(snap.StartedAt).Seconds()
	}
	return &InputStatusView{Input: snap, Outputs: outputs, Stats: stats}
}

// GetStatus returns the live status of one input and all its outputs.
// Lock-free: snapshots are consistent per entity, not across entities.
func (s *DistributionService) GetStatus(id int64) (*InputStatusView, error) {
	snap, ok := s.store.Input(id)
	if !ok {
		return nil, ErrInputNotFound
	}
	return statusView(snap, s.store.OutputsForInput(id)), nil
}

// ListStatus returns the live status of every input.
func (s *DistributionService) ListStatus() []*InputStatusView {
	inputs := s.store.Inputs()
	out := make([]*InputStatusView, 0, len(inputs))
	for _, snap := range inputs {
		out = append(out, statusView(snap, s.store.OutputsForInput(snap.InputID)))
	}
	return out
}

// GetLogs returns up to n recent diagnostic lines of one output's worker,
// oldest first. Available regardless of the output's current status; the
// tail survives restarts of the worker (not of the server).
func (s *DistributionService) GetLogs(inputID, outputID int64, n int) ([]string, error) {
	m, ok := s.manager(inputID)
	if !ok {
		return nil, ErrInputNotFound
	}
	if m.Supervisor(outputID) == nil {
		return nil, ErrOutputNotFound
	}
	return s.logs.Get(stream.OutputKey{InputID: inputID, OutputID: outputID}).Tail(n), nil
}
