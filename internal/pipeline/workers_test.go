package pipeline

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/danmuck/dgpipe/internal/message"
	"github.com/danmuck/dgpipe/internal/protocol/codec"
	"github.com/danmuck/dgpipe/internal/queue"
	"github.com/danmuck/dgpipe/internal/testutil/testlog"
)

var peer = netip.MustParseAddrPort("127.0.0.1:5001")

func newPacketQueue(t *testing.T, capacity int) *queue.Queue[Packet] {
	t.Helper()
	q, err := queue.New(capacity, deliverable)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func runningToken(t *testing.T) *Token {
	t.Helper()
	tok := NewToken()
	if !tok.start() {
		t.Fatalf("token did not start")
	}
	return tok
}

func TestTokenLifecycle(t *testing.T) {
	testlog.Start(t)
	tok := NewToken()
	if tok.Running() || tok.State() != StateIdle {
		t.Fatalf("new token: running=%v state=%s", tok.Running(), tok.State())
	}
	if !tok.start() {
		t.Fatalf("start from idle failed")
	}
	if tok.start() {
		t.Fatalf("second start should fail")
	}
	if !tok.Stop() {
		t.Fatalf("first stop should report the transition")
	}
	if tok.Stop() {
		t.Fatalf("second stop should be a no-op")
	}
	if tok.Running() || tok.State() != StateStopping {
		t.Fatalf("stopped token: running=%v state=%s", tok.Running(), tok.State())
	}
	tok.finish()
	if tok.State() != StateStopped {
		t.Fatalf("finished token state=%s", tok.State())
	}
}

func TestReceiverDropsBadInputAndKeepsRunning(t *testing.T) {
	testlog.Start(t)
	c := codec.New(codec.DefaultOptions())
	conn := newFakeConn()
	inbound := newPacketQueue(t, 8)
	counters := NewCounters("recv-bad-input")
	tok := runningToken(t)

	sentinel, err := c.Encode(message.Sentinel(), 1)
	if err != nil {
		t.Fatalf("encode sentinel: %v", err)
	}
	empty, err := c.Encode(message.New("", 0), 2)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	hello, err := c.Encode(message.New("hello", 0), 3)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	conn.in <- datagram{data: []byte{0xde, 0xad, 0xbe, 0xef}, addr: peer}
	conn.in <- datagram{data: sentinel, addr: peer}
	conn.in <- datagram{data: empty, addr: peer}
	conn.in <- datagram{data: hello, addr: peer}

	done := make(chan error, 1)
	go func() {
		done <- RunReceiver(tok, conn, c, inbound, ReceiverOptions{
			PollInterval: 20 * time.Millisecond,
			Counters:     counters,
			Logger:       testLogger(),
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := inbound.Take(ctx)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if p.Message.Text() != "hello" || p.Addr != peer {
		t.Fatalf("unexpected packet: %q from %s", p.Message.Text(), p.Addr)
	}
	if inbound.Size() != 0 {
		t.Fatalf("expected nothing else queued, got %d", inbound.Size())
	}

	tok.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("receiver returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver did not stop within a second")
	}
	if tok.State() != StateStopped {
		t.Fatalf("token state=%s", tok.State())
	}

	s := counters.snapshot()
	if s.DecodeFailures != 1 || s.SentinelsDiscarded != 1 || s.Filtered != 1 || s.Received != 1 {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestReceiverDropsAfterPutAttempts(t *testing.T) {
	testlog.Start(t)
	c := codec.New(codec.DefaultOptions())
	conn := newFakeConn()
	inbound := newPacketQueue(t, 1)
	counters := NewCounters("recv-full")
	tok := runningToken(t)

	for _, text := range []string{"first", "second"} {
		b, err := c.Encode(message.New(text, 0), 1)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		conn.in <- datagram{data: b, addr: peer}
	}

	done := make(chan error, 1)
	go func() {
		done <- RunReceiver(tok, conn, c, inbound, ReceiverOptions{
			PollInterval: 20 * time.Millisecond,
			PutAttempts:  3,
			PutTimeout:   10 * time.Millisecond,
			PutBackoff:   BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1},
			Counters:     counters,
			Logger:       testLogger(),
		})
	}()

	waitFor(t, 2*time.Second, "inbound drop", func() bool {
		return counters.snapshot().InboundDropped == 1
	})
	tok.Stop()
	if err := <-done; err != nil {
		t.Fatalf("receiver returned %v", err)
	}

	s := counters.snapshot()
	if s.Received != 1 || s.PutRetries != 2 {
		t.Fatalf("unexpected counters: %+v", s)
	}
	p, err := inbound.Take(context.Background())
	if err != nil || p.Message.Text() != "first" {
		t.Fatalf("expected first message to survive, got %q err=%v", p.Message.Text(), err)
	}
}

func TestReceiverFatalOnClosedSocket(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	tok := runningToken(t)
	_ = conn.Close()

	err := RunReceiver(tok, conn, codec.New(codec.DefaultOptions()), newPacketQueue(t, 1), ReceiverOptions{
		PollInterval: 20 * time.Millisecond,
		Logger:       testLogger(),
	})
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
	if tok.State() != StateStopped {
		t.Fatalf("token state=%s", tok.State())
	}
}

func TestSenderDrainsAfterStop(t *testing.T) {
	testlog.Start(t)
	c := codec.New(codec.DefaultOptions())
	conn := newFakeConn()
	outbound := newPacketQueue(t, 8)
	counters := NewCounters("send-drain")
	tok := runningToken(t)

	for _, text := range []string{"a", "b", "c"} {
		if err := outbound.Put(context.Background(), Packet{Message: message.New(text, 0), Addr: peer}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	tok.Stop()

	if err := RunSender(tok, conn, c, outbound, SenderOptions{Counters: counters, Logger: testLogger()}); err != nil {
		t.Fatalf("sender returned %v", err)
	}

	writes := conn.written()
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	for i, want := range []string{"a", "b", "c"} {
		m, err := c.Decode(writes[i].data)
		if err != nil {
			t.Fatalf("decode write %d: %v", i, err)
		}
		if m.Text() != want || writes[i].addr != peer {
			t.Fatalf("write %d: got %q to %s", i, m.Text(), writes[i].addr)
		}
	}
	if got := counters.snapshot().Sent; got != 3 {
		t.Fatalf("sent=%d", got)
	}
}

func TestSenderStopsOnSentinel(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	outbound := newPacketQueue(t, 2)
	tok := runningToken(t)

	done := make(chan error, 1)
	go func() {
		done <- RunSender(tok, conn, codec.New(codec.DefaultOptions()), outbound, SenderOptions{Logger: testLogger()})
	}()

	tok.Stop()
	if !outbound.Offer(sentinelPacket()) {
		t.Fatalf("offer sentinel failed")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sender returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sender did not wake on sentinel")
	}
	if n := len(conn.written()); n != 0 {
		t.Fatalf("sentinel must not be sent, got %d writes", n)
	}
}

func TestSenderDropsFailedWrites(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	conn.writeErr = errors.New("host unreachable")
	outbound := newPacketQueue(t, 4)
	counters := NewCounters("send-fail")
	tok := runningToken(t)

	_ = outbound.Put(context.Background(), Packet{Message: message.New("lost", 0), Addr: peer})
	tok.Stop()
	if err := RunSender(tok, conn, codec.New(codec.DefaultOptions()), outbound, SenderOptions{Counters: counters, Logger: testLogger()}); err != nil {
		t.Fatalf("transient write failure must not end the sender: %v", err)
	}
	if s := counters.snapshot(); s.SendFailures != 1 || s.Sent != 0 {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestSenderFatalOnClosedSocket(t *testing.T) {
	testlog.Start(t)
	conn := newFakeConn()
	_ = conn.Close()
	outbound := newPacketQueue(t, 4)
	tok := runningToken(t)
	_ = outbound.Put(context.Background(), Packet{Message: message.New("x", 0), Addr: peer})

	err := RunSender(tok, conn, codec.New(codec.DefaultOptions()), outbound, SenderOptions{Logger: testLogger()})
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("expected net.ErrClosed, got %v", err)
	}
}

func TestWorkersRunWithoutCounters(t *testing.T) {
	testlog.Start(t)
	c := codec.New(codec.DefaultOptions())

	conn := newFakeConn()
	inbound := newPacketQueue(t, 1)
	recvTok := runningToken(t)
	var frames [][]byte
	for i, m := range []message.Message{message.Sentinel(), message.New("", 0), message.New("kept", 0), message.New("dropped", 0)} {
		b, err := c.Encode(m, uint32(i+1))
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		frames = append(frames, b)
	}
	conn.in <- datagram{data: []byte{0x00, 0x01}, addr: peer}
	for _, b := range frames {
		conn.in <- datagram{data: b, addr: peer}
	}

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- RunReceiver(recvTok, conn, c, inbound, ReceiverOptions{
			PollInterval: 20 * time.Millisecond,
			PutAttempts:  2,
			PutTimeout:   5 * time.Millisecond,
			PutBackoff:   BackoffConfig{InitialDelay: time.Millisecond},
			Logger:       testLogger(),
		})
	}()
	waitFor(t, 2*time.Second, "input consumed", func() bool {
		return len(conn.in) == 0 && inbound.Size() == 1
	})
	time.Sleep(50 * time.Millisecond)
	recvTok.Stop()
	select {
	case err := <-recvDone:
		if err != nil {
			t.Fatalf("receiver returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver did not stop")
	}

	out := newFakeConn()
	outbound := newPacketQueue(t, 4)
	_ = outbound.Put(context.Background(), Packet{Message: message.New("sent", 0), Addr: peer})
	sendTok := runningToken(t)
	sendTok.Stop()
	if err := RunSender(sendTok, out, c, outbound, SenderOptions{Logger: testLogger()}); err != nil {
		t.Fatalf("sender returned %v", err)
	}
	if n := len(out.written()); n != 1 {
		t.Fatalf("expected 1 write, got %d", n)
	}

	failing := newFakeConn()
	failing.writeErr = errors.New("host unreachable")
	_ = outbound.Put(context.Background(), Packet{Message: message.New("lost", 0), Addr: peer})
	if !outbound.Offer(sentinelPacket()) {
		t.Fatalf("offer sentinel failed")
	}
	if err := RunSender(runningToken(t), failing, c, outbound, SenderOptions{Logger: testLogger()}); err != nil {
		t.Fatalf("sender returned %v", err)
	}
}

func TestReceiverBackoffEndsOnStop(t *testing.T) {
	testlog.Start(t)
	c := codec.New(codec.DefaultOptions())
	conn := newFakeConn()
	inbound := newPacketQueue(t, 1)
	if err := inbound.Put(context.Background(), Packet{Message: message.New("occupant", 0), Addr: peer}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	counters := NewCounters("recv-backoff-stop")
	tok := runningToken(t)

	b, err := c.Encode(message.New("waiting", 0), 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.in <- datagram{data: b, addr: peer}

	done := make(chan error, 1)
	go func() {
		done <- RunReceiver(tok, conn, c, inbound, ReceiverOptions{
			PollInterval: 20 * time.Millisecond,
			PutAttempts:  3,
			PutTimeout:   5 * time.Millisecond,
			PutBackoff:   BackoffConfig{InitialDelay: 5 * time.Second, Multiplier: 1},
			Counters:     counters,
			Logger:       testLogger(),
		})
	}()
	waitFor(t, time.Second, "first retry", func() bool {
		return counters.snapshot().PutRetries == 1
	})

	start := time.Now()
	tok.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("receiver returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver stayed in backoff after stop")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("stop took %s", elapsed)
	}
	if got := counters.snapshot().PutRetries; got != 1 {
		t.Fatalf("put retries=%d", got)
	}
}

func TestTokenDoneClosesOnStop(t *testing.T) {
	testlog.Start(t)
	tok := runningToken(t)
	select {
	case <-tok.Done():
		t.Fatalf("done closed while running")
	default:
	}
	tok.Stop()
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed after stop")
	}
	if tok.wait(time.Hour) {
		t.Fatalf("wait on a stopped token should return early")
	}
	tok.finish()
}
