package stream

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/edirooss/streamdist-server/pkg/hostutil"
)

// ErrInvalidConfig marks a configuration rejected before any runtime side
// effect happens. Callers classify with errors.Is.
var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects structurally invalid Input configuration before any
// runtime side effect happens.
func (in *Input) Validate() error {
	if err := in.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return nil
}

func (in *Input) validate() error {
	if len(in.Name) < 1 {
		return errors.New("name must be at least 1 character")
	}
	if len(in.Name) > 255 {
		return errors.New("name must be at most 255 characters")
	}
	if err := validateHostPort(in.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr: %s", err)
	}
	if in.BackupAddr != nil {
		if err := validateHostPort(*in.BackupAddr); err != nil {
			return fmt.Errorf("invalid backup_addr: %s", err)
		}
	}
	seen := make(map[string]struct{}, len(in.Outputs))
	for _, o := range in.Outputs {
		if _, dup := seen[o.Name]; dup {
			return fmt.Errorf("duplicate output name %q", o.Name)
		}
		seen[o.Name] = struct{}{}
	}
	return nil
}

// Validate rejects structurally invalid Output configuration. A valid config
// may still fail at runtime (unreachable destination); that is the
// supervisor's problem, not validation's.
func (o *Output) Validate() error {
	if err := o.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return nil
}

func (o *Output) validate() error {
	if len(o.Name) < 1 {
		return errors.New("name must be at least 1 character")
	}
	if len(o.Name) > 255 {
		return errors.New("name must be at most 255 characters")
	}
	if !o.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q", o.Protocol)
	}
	if len(o.URL) > 2048 {
		return errors.New("url must be at most 2048 characters")
	}
	if err := validateDestinationURL(o.Protocol, o.URL); err != nil {
		return fmt.Errorf("invalid url: %s", err)
	}
	return nil
}

// destinationSchemes maps a protocol to the URL schemes it accepts.
var destinationSchemes = map[Protocol][]string{
	ProtocolSRTCaller:   {"srt"},
	ProtocolSRTListener: {"srt"},
	ProtocolRTMP:        {"rtmp", "rtmps"},
	ProtocolUDP:         {"udp"},
	ProtocolRTSP:        {"rtsp", "rtsps"},
}

func validateDestinationURL(p Protocol, raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if err := hostutil.ValidateHost(u.Hostname()); err != nil {
		return err
	}
	schemes := destinationSchemes[p]
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed for protocol %q", u.Scheme, p)
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	if err := hostutil.ValidateHost(host); err != nil {
		return err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
