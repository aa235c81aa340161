package supervisor

import (
	"errors"

	"github.com/edirooss/streamdist-server/internal/infrastructure/procmgr"
)

// Failure classes of an output worker. The class decides the state machine's
// reaction, not the caller's: transient classes feed the reconnect policy,
// terminal classes land the output in failed without retry.
var (
	// ErrSpawnFailed: the worker binary could not be launched at all.
	// Launch failures repeat deterministically, so no retry.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrProcessExited: a launched worker died without being asked to.
	// Transient by assumption; retried per the output's reconnect config.
	ErrProcessExited = errors.New("process exited unexpectedly")

	// ErrResourceUnavailable: a dependency of the worker is missing, most
	// commonly the upstream read point of a stopped input. Retried like an
	// unexpected exit since the dependency may come back.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrKillFailed mirrors the process layer's leak sentinel.
	ErrKillFailed = procmgr.ErrKillFailed
)
