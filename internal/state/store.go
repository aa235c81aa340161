// Package state holds the runtime view of the system: a concurrency-safe
// status store read by API handlers, and the event bus that pushes status
// changes to subscribers. Persisted configuration lives in repo; nothing
// here survives a restart.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
)

// InputSnapshot is the current status of one input.
type InputSnapshot struct {
	InputID   int64              `json:"input_id"`
	Name      string             `json:"name"`
	Status    stream.InputStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"started_at,omitzero"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// OutputSnapshot is the current status of one output. The status/error
// fields are the sole channel for reporting a degraded output; transient
// process failures never surface as API errors.
type OutputSnapshot struct {
	InputID        int64               `json:"input_id"`
	OutputID       int64               `json:"output_id"`
	Name           string              `json:"name"`
	Status         stream.OutputStatus `json:"status"`
	ReconnectCount uint                `json:"reconnect_count"`
	LastError      string              `json:"last_error,omitempty"`
	PID            int                 `json:"pid,omitempty"`
	StartedAt      time.Time           `json:"started_at,omitzero"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

type inputEntry struct {
	mu   sync.Mutex
	snap InputSnapshot
}

type outputEntry struct {
	mu   sync.Mutex
	snap OutputSnapshot
}

// Store is the single source of truth for current entity status. Every
// mutation is an atomic per-entity read-modify-write: the per-entry lock is
// held only across the mutation closure, never across process I/O, which is
// what gives each entity a strictly ordered transition history.
type Store struct {
	mu      sync.RWMutex // guards the maps, not the entries
	inputs  map[int64]*inputEntry
	outputs map[stream.OutputKey]*outputEntry
}

// NewStore returns an empty status store.
func NewStore() *Store {
	return &Store{
		inputs:  make(map[int64]*inputEntry),
		outputs: make(map[stream.OutputKey]*outputEntry),
	}
}

// UpdateInput applies fn atomically to the input's snapshot, creating the
// entry if absent, and returns the resulting snapshot.
func (s *Store) UpdateInput(id int64, fn func(*InputSnapshot)) InputSnapshot {
	s.mu.Lock()
	e, ok := s.inputs[id]
	if !ok {
		e = &inputEntry{snap: InputSnapshot{InputID: id, Status: stream.InputStopped}}
		s.inputs[id] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.snap)
	e.snap.UpdatedAt = time.Now()
	return e.snap
}

// UpdateOutput applies fn atomically to the output's snapshot, creating the
// entry if absent, and returns the resulting snapshot.
func (s *Store) UpdateOutput(key stream.OutputKey, fn func(*OutputSnapshot)) OutputSnapshot {
	s.mu.Lock()
	e, ok := s.outputs[key]
	if !ok {
		e = &outputEntry{snap: OutputSnapshot{
			InputID:  key.InputID,
			OutputID: key.OutputID,
			Status:   stream.OutputStopped,
		}}
		s.outputs[key] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.snap)
	e.snap.UpdatedAt = time.Now()
	return e.snap
}

// Input returns the input's snapshot.
func (s *Store) Input(id int64) (InputSnapshot, bool) {
	s.mu.RLock()
	e, ok := s.inputs[id]
	s.mu.RUnlock()
	if !ok {
		return InputSnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap, true
}

// Output returns the output's snapshot.
func (s *Store) Output(key stream.OutputKey) (OutputSnapshot, bool) {
	s.mu.RLock()
	e, ok := s.outputs[key]
	s.mu.RUnlock()
	if !ok {
		return OutputSnapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap, true
}

// Inputs returns a full snapshot of all inputs, ordered by ID.
func (s *Store) Inputs() []InputSnapshot {
	s.mu.RLock()
	entries := make([]*inputEntry, 0, len(s.inputs))
	for _, e := range s.inputs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]InputSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snap)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InputID < out[j].InputID })
	return out
}

// OutputsForInput returns snapshots of all outputs of one input, ordered by
// output ID.
func (s *Store) OutputsForInput(inputID int64) []OutputSnapshot {
	s.mu.RLock()
	entries := make([]*outputEntry, 0)
	for key, e := range s.outputs {
		if key.InputID == inputID {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	out := make([]OutputSnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snap)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutputID < out[j].OutputID })
	return out
}

// DeleteOutput removes an output's entry.
func (s *Store) DeleteOutput(key stream.OutputKey) {
	s.mu.Lock()
	delete(s.outputs, key)
	s.mu.Unlock()
}

// DeleteInput removes an input's entry and cascades to its outputs.
func (s *Store) DeleteInput(id int64) {
	s.mu.Lock()
	delete(s.inputs, id)
	for key := range s.outputs {
		if key.InputID == id {
			delete(s.outputs, key)
		}
	}
	s.mu.Unlock()
}
