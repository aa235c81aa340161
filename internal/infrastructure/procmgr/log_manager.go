package procmgr

import (
	"sync"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
)

// LogManager is the registry of per-output tail buffers. Buffers are created
// lazily and survive process restarts, so diagnostics remain retrievable
// regardless of the output's current status.
type LogManager struct {
	mu   sync.RWMutex
	bufs map[stream.OutputKey]*LogBuffer
}

// NewLogManager initializes an empty tail-buffer registry.
func NewLogManager() *LogManager {
	return &LogManager{
		bufs: make(map[stream.OutputKey]*LogBuffer),
	}
}

// Get returns the tail buffer for an output, creating it if missing.
func (lm *LogManager) Get(key stream.OutputKey) *LogBuffer {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if buf, ok := lm.bufs[key]; ok {
		return buf
	}
	buf := new(LogBuffer)
	lm.bufs[key] = buf
	return buf
}

// Drop discards the buffer for a deleted output.
func (lm *LogManager) Drop(key stream.OutputKey) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.bufs, key)
}

// DropInput discards every buffer belonging to a deleted input.
func (lm *LogManager) DropInput(inputID int64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for key := range lm.bufs {
		if key.InputID == inputID {
			delete(lm.bufs, key)
		}
	}
}
