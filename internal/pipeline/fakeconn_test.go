package pipeline

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/dgpipe/internal/logging"
)

type datagram struct {
	data []byte
	addr netip.AddrPort
}

// fakeConn is an in-memory Conn. Reads come from in; writes are recorded and,
// when gate is set, each write waits for one value from it.
type fakeConn struct {
	in   chan datagram
	gate chan struct{}

	mu       sync.Mutex
	deadline time.Time
	writes   []datagram
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan datagram, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	f.mu.Lock()
	deadline := f.deadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case d := <-f.in:
		return copy(b, d.data), d.addr, nil
	case <-f.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	case <-timeout:
		return 0, netip.AddrPort{}, os.ErrDeadlineExceeded
	}
}

func (f *fakeConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return 0, net.ErrClosed
		}
	}
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, datagram{data: append([]byte(nil), b...), addr: addr})
	return len(b), nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeConn) Close() error {
	err := net.ErrClosed
	f.closeOnce.Do(func() {
		close(f.closed)
		err = nil
	})
	return err
}

func (f *fakeConn) written() []datagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datagram(nil), f.writes...)
}

func testLogger() zerolog.Logger {
	return logging.Component("pipeline-test")
}

// testConfig is a loopback config with short timings.
func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.LocalHost = "127.0.0.1"
	cfg.PollInterval = 50 * time.Millisecond
	cfg.PutTimeout = 20 * time.Millisecond
	cfg.PutBackoff = BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     20 * time.Millisecond,
	}
	return cfg
}

// newFakeCoordinator returns an unstarted coordinator whose socket is conn.
func newFakeCoordinator(t *testing.T, cfg Config, conn *fakeConn) *Coordinator {
	t.Helper()
	c, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	c.listen = func(string, *net.UDPAddr) (Conn, error) {
		return conn, nil
	}
	return c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
