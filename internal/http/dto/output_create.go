package dto

import (
	"errors"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
)

// Reconnect policy defaults: retry every 5s, forever.
const (
	defaultReconnectDelaySec = 5
	defaultReconnectMaxAtt   = 0
)

// OutputBody is the DTO for one output's configuration. Used both by
// POST /api/inputs/{id}/outputs (create) and PUT .../outputs/{oid}
// (full replace); identity comes from the path, never the body.
type OutputBody struct {
	Name      W[string]          `json:"name"`      // required; string
	Protocol  W[string]          `json:"protocol"`  // required; one of srt_caller|srt_listener|rtmp|udp|rtsp
	URL       W[string]          `json:"url"`       // required; string
	Enabled   W[bool]            `json:"enabled"`   // optional; bool             (default: false)
	Reconnect W[ReconnectCreate] `json:"reconnect"` // optional; object           (default: {5s, forever})
}

type ReconnectCreate struct {
	DelaySec    W[uint] `json:"delay_sec"`    // optional; uint   (default: 5)
	MaxAttempts W[uint] `json:"max_attempts"` // optional; uint   (default: 0 = forever)
}

// ToOutput maps OutputBody → stream.Output.
// Disallows explicit null assignment to non-nullable fields.
// Fills unset fields with defaults.
func (req *OutputBody) ToOutput() (*stream.Output, error) {
	out := &stream.Output{}

	// name
	// required; string
	if !req.Name.Set || req.Name.Null {
		return nil, errors.New("name is required")
	}
	out.Name = req.Name.V

	// protocol
	// required; string
	if !req.Protocol.Set || req.Protocol.Null {
		return nil, errors.New("protocol is required")
	}
	out.Protocol = stream.Protocol(req.Protocol.V)

	// url
	// required; string
	if !req.URL.Set || req.URL.Null {
		return nil, errors.New("url is required")
	}
	out.URL = req.URL.V

	// enabled
	// optional; bool (default: false)
	if req.Enabled.Set {
		if req.Enabled.Null {
			return nil, errors.New("enabled cannot be null")
		}
		out.Enabled = req.Enabled.V
	}

	// reconnect
	// optional; object (default: {5s, forever})
	out.Reconnect = stream.ReconnectConfig{
		DelaySec:    defaultReconnectDelaySec,
		MaxAttempts: defaultReconnectMaxAtt,
	}
	if req.Reconnect.Set {
		if req.Reconnect.Null {
			return nil, errors.New("reconnect cannot be null")
		}
		rc := req.Reconnect.V

		if rc.DelaySec.Set {
			if rc.DelaySec.Null {
				return nil, errors.New("reconnect.delay_sec cannot be null")
			}
			out.Reconnect.DelaySec = rc.DelaySec.V
		}
		if rc.MaxAttempts.Set {
			if rc.MaxAttempts.Null {
				return nil, errors.New("reconnect.max_attempts cannot be null")
			}
			out.Reconnect.MaxAttempts = rc.MaxAttempts.V
		}
	}

	return out, nil
}
