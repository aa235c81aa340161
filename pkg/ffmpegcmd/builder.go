// Package ffmpegcmd builds canonical CLI invocations for the `ffmpeg` binary.
//
// Design:
//
//   - This layer is a pure "command construction" module: no execution, no
//     I/O. It normalizes CLI emission semantics and returns either argv (a
//     process argument vector) or a shell-quoted command string for
//     logging/systemd.
//
// Emission policy is deterministic and explicit:
//
//   - Numeric flags are ALWAYS emitted (including 0).
//   - Optional strings are emitted only when non-empty.
//   - argv[0] is always the binary name ("ffmpeg"), mirroring POSIX/Go norms.
//
// API ergonomics:
//
//   - High-level convenience: FromOutput accepts a domain-level
//     *stream.Output plus the loopback reader URL it should consume.
//   - Lower-level fluent Builder for composability and testing.
//   - This package deliberately owns CLI shape (flags/ordering/quoting) and
//     nothing else. Process lifecycle belongs in a higher layer.
package ffmpegcmd

import (
	"strconv"
	"strings"
)

// Builder constructs argv and shell-safe command strings for `ffmpeg`.
//
// The Builder implements a fluent API; it is NOT concurrency-safe.
// Callers should treat a Builder as single-use, short-lived value objects.
//
// Invariants:
//   - argv[0] is always "ffmpeg".
//   - All With* methods are deterministic and order-preserving.
//   - BuildArgv returns a defensive copy.
type Builder struct {
	args []string // argv including binary name at index 0
}

// NewBuilder returns a Builder pre-seeded with the binary name ("ffmpeg").
//
// This is the lowest-level entrypoint for manual composition; most callers
// should prefer FromOutput.
func NewBuilder() *Builder {
	return &Builder{args: []string{"ffmpeg"}}
}

// WithFlag appends a bare flag (no value) if non-empty.
func (b *Builder) WithFlag(flag string) *Builder {
	if flag != "" {
		b.args = append(b.args, flag)
	}
	return b
}

// WithStringFlag appends a flag with a string value if non-empty.
// Empty string is considered invalid and skipped to avoid surprising empties.
func (b *Builder) WithStringFlag(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithIntFlag appends a flag with a base-10 int value (always emitted).
func (b *Builder) WithIntFlag(flag string, val int) *Builder {
	b.args = append(b.args, flag, strconv.Itoa(val))
	return b
}

// WithString appends a positional string argument if non-empty.
// Used for URLs and sentinels like -i.
func (b *Builder) WithString(arg string) *Builder {
	if arg != "" {
		b.args = append(b.args, arg)
	}
	return b
}

// BuildArgv returns a defensive copy of the constructed argument vector.
//
// The first element (argv[0]) is always "ffmpeg". This mirrors POSIX/C
// main() and Go's exec.Command conventions and allows round-tripping to
// process APIs.
func (b *Builder) BuildArgv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// BuildString returns a single shell-quoted command string.
//
// Quoting strategy:
//   - Single-quote wrapping with inner single quotes escaped as:  ' -> '\''
//   - This is safe for POSIX shells and systemd ExecStart lines.
func (b *Builder) BuildString() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote returns a POSIX/systemd-safe single-quoted token.
//
// Empty strings become "''" to preserve round-trippability. This matches
// traditional /bin/sh semantics and prevents whitespace/glob expansion.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
