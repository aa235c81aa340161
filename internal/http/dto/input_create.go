package dto

import (
	"errors"
	"fmt"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
)

// InputCreate is the DTO for creating a new input via POST /api/inputs.
type InputCreate struct {
	Name       W[string]          `json:"name"`        // required; string
	ListenAddr W[string]          `json:"listen_addr"` // required; string "host:port"
	BackupAddr W[string]          `json:"backup_addr"` // optional; string | null           (default: null)
	Outputs    W[[]W[OutputBody]] `json:"outputs"`     // optional; array[object]           (default: [])
}

// ToInput maps InputCreate → stream.Input.
// Disallows explicit null assignment to non-nullable fields.
// Fills unset fields with defaults.
func (req *InputCreate) ToInput() (*stream.Input, error) {
	in := &stream.Input{}

	// name
	// required; string
	if !req.Name.Set || req.Name.Null {
		return nil, errors.New("name is required")
	}
	in.Name = req.Name.V

	// listen_addr
	// required; string
	if !req.ListenAddr.Set || req.ListenAddr.Null {
		return nil, errors.New("listen_addr is required")
	}
	in.ListenAddr = req.ListenAddr.V

	// backup_addr
	// optional; string | null (default: null)
	if req.BackupAddr.Set && !req.BackupAddr.Null {
		in.BackupAddr = &req.BackupAddr.V
	}

	// outputs
	// optional; array[object] (default: [])
	in.Outputs = make([]*stream.Output, 0)
	if req.Outputs.Set {
		if req.Outputs.Null {
			return nil, errors.New("outputs cannot be null")
		}
		for i, body := range req.Outputs.V {
			if body.Null {
				return nil, fmt.Errorf("outputs[%d] cannot be null", i)
			}
			out, err := body.V.ToOutput()
			if err != nil {
				return nil, fmt.Errorf("outputs[%d]: %w", i, err)
			}
			in.Outputs = append(in.Outputs, out)
		}
	}

	return in, nil
}
