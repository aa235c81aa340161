// Package teepoint implements the shared read point of one input stream: a
// UDP fan-out that copies every ingested datagram to all attached readers.
// Readers attach and detach without disturbing each other or the ingest
// socket, which is what lets output workers come and go hitlessly while the
// upstream connection runs continuously.
package teepoint

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/edirooss/streamdist-server/internal/metrics"
	"go.uber.org/zap"
)

// ErrNotRunning is returned by Attach when the tee has not been started:
// the owning input is not running, so there is nothing to read from.
var ErrNotRunning = errors.New("tee point not running")

// Tee binds an input's UDP listen address and relays each received packet
// to every attached reader over loopback. The reader set is mutated only
// through Attach/Detach; mutation never interrupts delivery to siblings.
type Tee struct {
	log        *zap.Logger
	listenAddr string

	mu      sync.RWMutex
	conn    *net.UDPConn
	readers map[int64]*reader
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

type reader struct {
	id   int64
	port int
	conn *net.UDPConn
}

// New constructs a stopped tee for the given UDP listen address.
func New(log *zap.Logger, listenAddr string) *Tee {
	return &Tee{
		log:        log.Named("teepoint"),
		listenAddr: listenAddr,
		readers:    make(map[int64]*reader),
	}
}

// Start binds the ingest socket and begins relaying. Idempotent: calling
// Start on a running tee is a no-op and does not disturb attached readers.
func (t *Tee) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind ingest socket: %w", err)
	}
	_ = conn.SetReadBuffer(4 * 1024 * 1024)

	t.conn = conn
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	go t.run(conn, t.stopCh, t.doneCh)

	t.log.Info("tee point started", zap.String("listen_addr", conn.LocalAddr().String()))
	return nil
}

// Addr returns the bound ingest address while running. Useful when the
// listen address was configured with port 0.
func (t *Tee) Addr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return ""
	}
	return t.conn.LocalAddr().String()
}

// Running reports whether the ingest socket is bound.
func (t *Tee) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Readers returns the number of attached readers.
func (t *Tee) Readers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.readers)
}

// Attach registers a reader for the given output and returns the loopback
// URL its worker process should read from. Attaching never interrupts
// delivery to existing readers. Re-attaching an output replaces its
// previous reader conn.
func (t *Tee) Attach(outputID int64) (string, error) {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return "", ErrNotRunning
	}

	port, err := freeUDPPort()
	if err != nil {
		return "", fmt.Errorf("allocate reader port: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return "", fmt.Errorf("dial reader port: %w", err)
	}

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		_ = conn.Close()
		return "", ErrNotRunning
	}
	if old, ok := t.readers[outputID]; ok {
		_ = old.conn.Close()
	} else {
		metrics.TeeReaders.Inc()
	}
	t.readers[outputID] = &reader{id: outputID, port: port, conn: conn}
	t.mu.Unlock()

	t.log.Info("reader attached", zap.Int64("output_id", outputID), zap.Int("port", port))
	return fmt.Sprintf("udp://127.0.0.1:%d", port), nil
}

// Detach removes a reader. Safe to call for unknown IDs and on a stopped
// tee; detaching must complete even when the output is mid-failure.
func (t *Tee) Detach(outputID int64) {
	t.mu.Lock()
	r, ok := t.readers[outputID]
	if ok {
		_ = r.conn.Close()
		delete(t.readers, outputID)
		metrics.TeeReaders.Dec()
	}
	t.mu.Unlock()

	if ok {
		t.log.Info("reader detached", zap.Int64("output_id", outputID))
	}
}

// Stop tears the tee down: closes every reader conn and the ingest socket,
// then waits for the relay loop to drain. Idempotent.
func (t *Tee) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	for id, r := range t.readers {
		_ = r.conn.Close()
		delete(t.readers, id)
		metrics.TeeReaders.Dec()
	}
	conn := t.conn
	t.conn = nil
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	close(stopCh)
	_ = conn.Close()
	<-doneCh

	t.log.Info("tee point stopped")
}

// run is the relay loop: read one datagram, copy it to every reader. A
// short read deadline keeps the loop responsive to Stop without a second
// socket.
func (t *Tee) run(conn *net.UDPConn, stopCh chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	buf := make([]byte, 65536)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			continue
		}

		t.mu.RLock()
		for _, r := range t.readers {
			_, _ = r.conn.Write(buf[:n])
		}
		t.mu.RUnlock()
	}
}

// freeUDPPort asks the OS for an unused loopback UDP port. The probe socket
// is closed before the port is handed out; the reader process binds it next.
func freeUDPPort() (int, error) {
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return 0, err
	}
	port := probe.LocalAddr().(*net.UDPAddr).Port
	_ = probe.Close()
	return port, nil
}
