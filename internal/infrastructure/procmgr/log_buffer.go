package procmgr

import "sync"

// tailCap bounds how many worker log lines are retained per output.
const tailCap = 500

// LogBuffer is a thread-safe circular buffer holding the most recent worker
// log lines. Appends are O(1); reads copy out.
type LogBuffer struct {
	entries [tailCap]string
	head    int  // next write position
	size    int  // current number of entries
	full    bool // whether the buffer has wrapped
	mu      sync.RWMutex
}

// Append adds one line, overwriting the oldest once full.
func (b *LogBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = line
	b.head = (b.head + 1) % tailCap

	if b.full {
		return
	}
	b.size++
	if b.size == tailCap {
		b.full = true
	}
}

// Tail returns up to n of the most recent lines, oldest → newest, so that
// callers see the log in natural order with the most recent line last.
// Lines rotated out of the buffer are gone for good.
//
// n <= 0 or n > capacity returns everything retained.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if n <= 0 || n > tailCap {
		n = tailCap
	}
	if n > b.size {
		n = b.size
	}

	// newest index
	var newest int
	if b.full {
		newest = (b.head - 1 + tailCap) % tailCap
	} else {
		newest = b.size - 1
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		idx := (newest - (n - 1 - i) + tailCap) % tailCap
		out[i] = b.entries[idx]
	}
	return out
}

// Len returns the number of retained lines.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
