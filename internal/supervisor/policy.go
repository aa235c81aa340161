package supervisor

import (
	"time"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
)

// Action is a reconnect decision: retry after a fixed delay, or give up.
type Action struct {
	Retry bool
	After time.Duration
}

// NextAction decides what to do after the attempt-th consecutive failure
// since the last explicit start (attempt starts at 1). Pure function of its
// arguments: the delay is fixed, MaxAttempts == 0 retries forever, and
// attempt >= MaxAttempts > 0 gives up.
func NextAction(attempt uint, cfg stream.ReconnectConfig) Action {
	if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
		return Action{}
	}
	return Action{Retry: true, After: cfg.Delay()}
}
