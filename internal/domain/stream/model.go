// Package stream holds the domain model: an Input is a single upstream
// media source ingested once, and the set of Outputs derived from it. Each
// Output is carried by its own external remux process.
package stream

import (
	"time"
)

// Protocol identifies the transport an Output pushes to.
type Protocol string

const (
	ProtocolSRTCaller   Protocol = "srt_caller"
	ProtocolSRTListener Protocol = "srt_listener"
	ProtocolRTMP        Protocol = "rtmp"
	ProtocolUDP         Protocol = "udp"
	ProtocolRTSP        Protocol = "rtsp"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolSRTCaller, ProtocolSRTListener, ProtocolRTMP, ProtocolUDP, ProtocolRTSP:
		return true
	}
	return false
}

// ReconnectConfig parameterizes the reconnect policy of one Output.
// MaxAttempts == 0 means retry forever.
type ReconnectConfig struct {
	DelaySec    uint `json:"delay_sec"`
	MaxAttempts uint `json:"max_attempts"`
}

// Delay returns the configured fixed retry delay.
func (c ReconnectConfig) Delay() time.Duration {
	return time.Duration(c.DelaySec) * time.Second
}

// Input is a single upstream stream. It owns its Outputs: deleting an Input
// cascades. The fan-out read point exists only while the Input is running.
type Input struct {
	ID         int64     `json:"id"`          //
	Name       string    `json:"name"`        //
	ListenAddr string    `json:"listen_addr"` // UDP host:port the upstream pushes to
	BackupAddr *string   `json:"backup_addr"` // nullable
	Outputs    []*Output `json:"outputs"`     //
	CreatedAt  time.Time `json:"created_at"`  //
}

// Output is one configured destination derived from an Input. IDs are unique
// within the owning Input only.
type Output struct {
	ID        int64           `json:"id"`         //
	Name      string          `json:"name"`       // unique within the input
	Protocol  Protocol        `json:"protocol"`   //
	URL       string          `json:"url"`        // destination
	Enabled   bool            `json:"enabled"`    // desired runtime state
	Reconnect ReconnectConfig `json:"reconnect"`  //
	CreatedAt time.Time       `json:"created_at"` //
}

// Clone returns a deep copy. Supervisors work on copies so concurrent
// config updates never alias a running monitor loop.
func (o *Output) Clone() *Output {
	cp := *o
	return &cp
}

// FindOutput returns the output with the given ID, or nil.
func (in *Input) FindOutput(id int64) *Output {
	for _, o := range in.Outputs {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// OutputNameTaken reports whether another output of this input already uses
// the given name. excludeID skips the output being renamed.
func (in *Input) OutputNameTaken(name string, excludeID int64) bool {
	for _, o := range in.Outputs {
		if o.ID != excludeID && o.Name == name {
			return true
		}
	}
	return false
}

// RemoveOutput deletes the output with the given ID from the input's set.
// Reports whether it was present.
func (in *Input) RemoveOutput(id int64) bool {
	for i, o := range in.Outputs {
		if o.ID == id {
			in.Outputs = append(in.Outputs[:i], in.Outputs[i+1:]...)
			return true
		}
	}
	return false
}

// OutputKey addresses one Output globally: Output IDs alone are only unique
// within their Input.
type OutputKey struct {
	InputID  int64 `json:"input_id"`
	OutputID int64 `json:"output_id"`
}
