package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/dgpipe/internal/message"
	"github.com/danmuck/dgpipe/internal/observability"
	"github.com/danmuck/dgpipe/internal/protocol/codec"
	"github.com/danmuck/dgpipe/internal/queue"
)

type listenFunc func(network string, laddr *net.UDPAddr) (Conn, error)

func listenUDP(network string, laddr *net.UDPAddr) (Conn, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Coordinator owns one socket, the two queues and the two workers bound to
// them. Enqueue and Dequeue may be called from any goroutine.
type Coordinator struct {
	cfg      Config
	log      zerolog.Logger
	codec    *codec.Codec
	counters *Counters
	listen   listenFunc

	// gate is held shared by Enqueue and exclusively by Shutdown while it
	// stops the workers, so no put interleaves with sentinel injection.
	gate sync.RWMutex

	mu       sync.Mutex
	started  bool
	closed   bool
	stopped  bool
	conn     Conn
	remote   netip.AddrPort
	outbound *queue.Queue[Packet]
	inbound  *queue.Queue[Packet]
	recvTok  *Token
	sendTok  *Token
	wg       sync.WaitGroup

	life       context.Context
	cancelLife context.CancelFunc

	fatalMu sync.Mutex
	fatal   error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg after applying defaults. Nothing is bound until Start.
func New(cfg Config, logger zerolog.Logger) (*Coordinator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	life, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        cfg,
		log:        logger.With().Str("pipeline", cfg.Name).Logger(),
		codec:      codec.New(cfg.codecOptions()),
		counters:   NewCounters(cfg.Name),
		listen:     listenUDP,
		recvTok:    NewToken(),
		sendTok:    NewToken(),
		life:       life,
		cancelLife: cancel,
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Codec returns the codec shared by both workers.
func (c *Coordinator) Codec() *codec.Codec {
	return c.codec
}

// Start resolves the default destination, binds the local socket and starts
// both workers. Both tokens are running when Start returns nil.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	if strings.TrimSpace(c.cfg.RemoteHost) != "" {
		remote, err := resolve(c.cfg.RemoteHost, c.cfg.RemotePort)
		if err != nil {
			return fmt.Errorf("%w: remote %s:%d: %w", ErrBind, c.cfg.RemoteHost, c.cfg.RemotePort, err)
		}
		c.remote = remote
	}

	local := net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(c.cfg.LocalPort))
	laddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return fmt.Errorf("%w: local %s: %w", ErrBind, local, err)
	}
	conn, err := c.listen("udp", laddr)
	if err != nil {
		return fmt.Errorf("%w: local %s: %w", ErrBind, local, err)
	}

	outbound, err := queue.New(c.cfg.QueueCapacity, deliverable)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	inbound, err := queue.New(c.cfg.QueueCapacity, deliverable)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.conn = conn
	c.outbound = outbound
	c.inbound = inbound

	c.recvTok.start()
	c.sendTok.start()
	c.wg.Add(2)
	go c.runWorker("receiver", func(log zerolog.Logger) error {
		return RunReceiver(c.recvTok, conn, c.codec, inbound, ReceiverOptions{
			PollInterval:  c.cfg.PollInterval,
			DatagramBytes: c.cfg.DatagramBytes,
			PutAttempts:   c.cfg.PutAttempts,
			PutTimeout:    c.cfg.PutTimeout,
			PutBackoff:    c.cfg.PutBackoff,
			Counters:      c.counters,
			Logger:        log,
		})
	})
	go c.runWorker("sender", func(log zerolog.Logger) error {
		return RunSender(c.sendTok, conn, c.codec, outbound, SenderOptions{
			Counters: c.counters,
			Logger:   log,
		})
	})
	c.started = true

	ev := c.log.Info().Stringer("local", conn.LocalAddr())
	if c.remote.IsValid() {
		ev = ev.Stringer("remote", c.remote)
	}
	ev.Int("capacity", c.cfg.QueueCapacity).Bool("compress", c.cfg.Compress).Msg("pipeline started")
	return nil
}

func (c *Coordinator) runWorker(name string, run func(zerolog.Logger) error) {
	defer c.wg.Done()
	log := c.log.With().Str("worker", name).Logger()
	if err := run(log); err != nil {
		log.Error().Err(err).Msg("worker exited")
		c.fatalMu.Lock()
		if c.fatal == nil {
			c.fatal = err
		}
		c.fatalMu.Unlock()
		// release enqueue callers parked on a queue nobody will drain
		c.cancelLife()
	}
}

// Err reports the first fatal worker error, if any.
func (c *Coordinator) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

// LocalAddr returns the bound socket address, or nil before Start.
func (c *Coordinator) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the default destination; it is invalid when none is configured.
func (c *Coordinator) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// EnqueueText truncates text to the configured limit and enqueues it.
func (c *Coordinator) EnqueueText(ctx context.Context, text, dest string) error {
	return c.Enqueue(ctx, c.codec.NewMessage(text), dest)
}

// Enqueue submits msg for sending to dest ("host:port"). An empty dest uses
// the configured default destination. It blocks while the outbound queue is
// full, until ctx ends or the pipeline shuts down.
func (c *Coordinator) Enqueue(ctx context.Context, msg message.Message, dest string) error {
	var addr netip.AddrPort
	if strings.TrimSpace(dest) != "" {
		host, portRaw, err := net.SplitHostPort(dest)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidDestination, dest, err)
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			return fmt.Errorf("%w: %q: bad port", ErrInvalidDestination, dest)
		}
		addr, err = resolve(host, port)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidDestination, dest, err)
		}
	}
	return c.EnqueuePacket(ctx, Packet{Message: msg, Addr: addr})
}

// EnqueuePacket submits p. A zero Addr uses the default destination.
// Empty messages are accepted and silently dropped.
func (c *Coordinator) EnqueuePacket(ctx context.Context, p Packet) error {
	if err := c.acceptingErr(); err != nil {
		return err
	}
	if !p.Addr.IsValid() {
		c.mu.Lock()
		p.Addr = c.remote
		c.mu.Unlock()
		if !p.Addr.IsValid() {
			return fmt.Errorf("%w: no destination and no default remote", ErrInvalidDestination)
		}
	}
	if p.Addr.Port() == 0 || p.Addr.Addr().IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrInvalidDestination, p.Addr)
	}
	p.Addr = unmap(p.Addr)

	c.gate.RLock()
	defer c.gate.RUnlock()
	if err := c.acceptingErr(); err != nil {
		return err
	}
	if p.IsSentinel() || !deliverable(p) {
		c.counters.recordFiltered(observability.DirectionOutbound)
		return nil
	}

	putCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()
	if err := c.outbound.Put(putCtx, p); err != nil {
		if c.life.Err() != nil && ctx.Err() == nil {
			return ErrClosed
		}
		return err
	}
	c.counters.observeDepth(observability.DirectionOutbound, c.outbound.Size())
	return nil
}

func (c *Coordinator) acceptingErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.started:
		return ErrNotStarted
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Dequeue blocks until a received packet is available. After Shutdown it
// returns ErrClosed, including to callers already blocked.
func (c *Coordinator) Dequeue(ctx context.Context) (Packet, error) {
	c.mu.Lock()
	started, inbound := c.started, c.inbound
	c.mu.Unlock()
	if !started {
		if c.isClosed() {
			return Packet{}, ErrClosed
		}
		return Packet{}, ErrNotStarted
	}
	p, err := inbound.Take(ctx)
	if err != nil {
		return Packet{}, err
	}
	if p.IsSentinel() {
		// hand the wakeup on to the next blocked caller
		inbound.Offer(p)
		return Packet{}, ErrClosed
	}
	return p, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown stops both workers, waits for them, closes the socket and
// discards anything left queued. Messages accepted by Enqueue before Shutdown
// was called are sent first. Safe to call more than once.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown()
	})
	return c.shutdownErr
}

func (c *Coordinator) shutdown() error {
	c.cancelLife()
	c.gate.Lock()
	c.mu.Lock()
	started := c.started
	c.closed = true
	c.mu.Unlock()
	if !started {
		c.gate.Unlock()
		c.log.Debug().Msg("pipeline closed before start")
		return nil
	}

	c.log.Info().Int("outbound", c.outbound.Size()).Msg("pipeline stopping")
	c.recvTok.Stop()
	c.sendTok.Stop()
	if c.outbound.Size() == 0 {
		c.outbound.Offer(sentinelPacket())
	}
	c.gate.Unlock()

	c.wg.Wait()
	var closeErr error
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = fmt.Errorf("pipeline: close socket: %w", err)
	}

	out := countReal(c.outbound.Drain())
	in := countReal(c.inbound.Drain())
	c.counters.recordDiscarded(observability.DirectionOutbound, out)
	c.counters.recordDiscarded(observability.DirectionInbound, in)
	c.counters.observeDepth(observability.DirectionOutbound, 0)
	c.counters.observeDepth(observability.DirectionInbound, 0)
	c.inbound.Offer(sentinelPacket())

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	ev := c.log.Info()
	if out+in > 0 {
		ev = c.log.Warn()
	}
	ev.Int("discarded_outbound", out).Int("discarded_inbound", in).Msg("pipeline stopped")
	return closeErr
}

func countReal(items []Packet) int {
	n := 0
	for _, p := range items {
		if !p.IsSentinel() {
			n++
		}
	}
	return n
}

// State summarizes the coordinator lifecycle.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.stopped:
		return StateStopped
	case c.closed && c.started:
		return StateStopping
	case c.closed:
		return StateStopped
	case c.started:
		return StateRunning
	default:
		return StateIdle
	}
}

// WorkerStates reports the receive and send token states.
func (c *Coordinator) WorkerStates() (recv, send State) {
	return c.recvTok.State(), c.sendTok.State()
}

// Stats snapshots the counters and, while running, the queue depths.
func (c *Coordinator) Stats() Stats {
	s := c.counters.snapshot()
	state := c.State()
	s.State = state.String()
	if state == StateStopped {
		return s
	}
	c.mu.Lock()
	outbound, inbound := c.outbound, c.inbound
	c.mu.Unlock()
	if outbound != nil {
		s.OutboundDepth = outbound.Size()
		c.counters.observeDepth(observability.DirectionOutbound, s.OutboundDepth)
	}
	if inbound != nil {
		s.InboundDepth = inbound.Size()
		c.counters.observeDepth(observability.DirectionInbound, s.InboundDepth)
	}
	return s
}

func resolve(host string, port int) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("port %d out of range", port)
	}
	ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return unmap(ua.AddrPort()), nil
}
