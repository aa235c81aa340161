package teepoint

import (
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// listenOn binds a UDP listener on the reader URL returned by Attach,
// standing in for the output worker process.
func listenOn(t *testing.T, readerURL string) *net.UDPConn {
	t.Helper()
	addr := strings.TrimPrefix(readerURL, "udp://")
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve %s: %v", addr, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func sendTo(t *testing.T, addr, payload string) {
	t.Helper()
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve %s: %v", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, uaddr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvOne(t *testing.T, conn *net.UDPConn) (string, bool) {
	t.Helper()
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return "", false
	}
	return string(buf[:n]), true
}

func TestTeeFanOutIsolation(t *testing.T) {
	tee := New(zap.NewNop(), "127.0.0.1:0")
	if err := tee.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tee.Stop()

	urlA, err := tee.Attach(1)
	if err != nil {
		t.Fatalf("attach A: %v", err)
	}
	urlB, err := tee.Attach(2)
	if err != nil {
		t.Fatalf("attach B: %v", err)
	}

	readerA := listenOn(t, urlA)
	defer readerA.Close()
	readerB := listenOn(t, urlB)
	defer readerB.Close()

	sendTo(t, tee.Addr(), "packet-1")
	if got, ok := recvOne(t, readerA); !ok || got != "packet-1" {
		t.Fatalf("reader A got %q ok=%v, want packet-1", got, ok)
	}
	if got, ok := recvOne(t, readerB); !ok || got != "packet-1" {
		t.Fatalf("reader B got %q ok=%v, want packet-1", got, ok)
	}

	// Detaching B must not interrupt A's byte stream.
	tee.Detach(2)
	sendTo(t, tee.Addr(), "packet-2")
	if got, ok := recvOne(t, readerA); !ok || got != "packet-2" {
		t.Fatalf("reader A after detach got %q ok=%v, want packet-2", got, ok)
	}
	if tee.Readers() != 1 {
		t.Fatalf("Readers() = %d after detach, want 1", tee.Readers())
	}
}

func TestTeeStartIdempotent(t *testing.T) {
	tee := New(zap.NewNop(), "127.0.0.1:0")
	if err := tee.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tee.Stop()

	addr := tee.Addr()
	if _, err := tee.Attach(7); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Second Start is a no-op: same socket, readers untouched.
	if err := tee.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if tee.Addr() != addr {
		t.Errorf("Addr changed after second Start: %s != %s", tee.Addr(), addr)
	}
	if tee.Readers() != 1 {
		t.Errorf("Readers() = %d after second Start, want 1", tee.Readers())
	}
}

func TestTeeAttachWhileStopped(t *testing.T) {
	tee := New(zap.NewNop(), "127.0.0.1:0")
	if _, err := tee.Attach(1); err != ErrNotRunning {
		t.Fatalf("Attach on stopped tee: err = %v, want ErrNotRunning", err)
	}
}

func TestTeeStopClearsReaders(t *testing.T) {
	tee := New(zap.NewNop(), "127.0.0.1:0")
	if err := tee.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := tee.Attach(1); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := tee.Attach(2); err != nil {
		t.Fatalf("attach: %v", err)
	}

	tee.Stop()
	if tee.Running() {
		t.Error("Running() = true after Stop")
	}
	if tee.Readers() != 0 {
		t.Errorf("Readers() = %d after Stop, want 0", tee.Readers())
	}

	// Detach after Stop must not panic.
	tee.Detach(1)
}
