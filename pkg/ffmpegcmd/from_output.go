package ffmpegcmd

import (
	"github.com/edirooss/streamdist-server/internal/domain/stream"
)

// SRT caller/listener handshakes tolerate up to 5s of network delay before
// ffmpeg declares the link dead.
const srtDelayMicros = 5000000

// FromOutput materializes a Builder for one output worker reading from the
// loopback reader URL its tee point handed out.
//
// CLI shape:
//
//	ffmpeg [global flags] -i <readerURL> -c copy -f <muxer> [protocol flags] <url>
//
// Ordering is stable to minimize operational surprises when diffing commands.
// Progress/stats output stays enabled: the supervision layer reads it as the
// worker's liveness signal.
//
// NOTE: This function does *not* validate domain fields; it encodes them.
// Validation belongs in the domain layer.
func FromOutput(out *stream.Output, readerURL string) *Builder {
	b := NewBuilder()

	// --- Global flags ---
	b.WithFlag("-hide_banner")

	// --- Input section ---
	b.WithStringFlag("-i", readerURL)

	// --- Passthrough remux: never transcode ---
	b.WithStringFlag("-c", "copy")

	// --- Destination muxer + protocol flags ---
	switch out.Protocol {
	case stream.ProtocolSRTCaller:
		b.WithStringFlag("-f", "mpegts").
			WithIntFlag("-max_delay", srtDelayMicros).
			WithIntFlag("-timeout", srtDelayMicros)
	case stream.ProtocolSRTListener:
		b.WithStringFlag("-f", "mpegts").
			WithIntFlag("-max_delay", srtDelayMicros)
	case stream.ProtocolRTMP:
		b.WithStringFlag("-f", "flv").
			WithStringFlag("-flvflags", "no_duration_filesize")
	case stream.ProtocolRTSP:
		b.WithStringFlag("-f", "rtsp").
			WithStringFlag("-rtsp_transport", "tcp")
	default: // plain UDP/MPEG-TS push
		b.WithStringFlag("-f", "mpegts")
	}

	// --- Positional: destination URL ---
	b.WithString(out.URL)

	return b
}

// BuildArgv constructs the canonical argv for an output worker.
// Pure convenience over FromOutput(out, readerURL).BuildArgv().
func BuildArgv(out *stream.Output, readerURL string) []string {
	return FromOutput(out, readerURL).BuildArgv()
}

// BuildString constructs the canonical shell-quoted worker command string.
// Pure convenience over FromOutput(out, readerURL).BuildString().
func BuildString(out *stream.Output, readerURL string) string {
	return FromOutput(out, readerURL).BuildString()
}
