package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/dgpipe/internal/observability"
	"github.com/danmuck/dgpipe/internal/protocol/codec"
	"github.com/danmuck/dgpipe/internal/queue"
)

// ReceiverOptions tunes RunReceiver. Zero values fall back to DefaultConfig.
type ReceiverOptions struct {
	PollInterval  time.Duration
	DatagramBytes int
	PutAttempts   int
	PutTimeout    time.Duration
	PutBackoff    BackoffConfig
	Counters      *Counters
	Logger        zerolog.Logger
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	d := DefaultConfig()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.DatagramBytes <= 0 {
		o.DatagramBytes = d.DatagramBytes
	}
	if o.PutAttempts <= 0 {
		o.PutAttempts = d.PutAttempts
	}
	if o.PutTimeout <= 0 {
		o.PutTimeout = d.PutTimeout
	}
	return o
}

// RunReceiver reads datagrams from conn, decodes them and puts the result on
// inbound until tok stops running. The token must already be running.
//
// Each read waits at most PollInterval so a stop request is seen within one
// interval. Undecodable datagrams and packets that cannot be queued after
// PutAttempts tries are logged and dropped. A closed socket ends the worker
// with an error.
func RunReceiver(tok *Token, conn Conn, c *codec.Codec, inbound *queue.Queue[Packet], opts ReceiverOptions) error {
	defer tok.finish()
	opts = opts.withDefaults()
	log := opts.Logger
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// one spare byte detects datagrams larger than the limit
	buf := make([]byte, opts.DatagramBytes+1)
	log.Debug().Dur("poll", opts.PollInterval).Msg("receiver running")

	for tok.Running() {
		if err := conn.SetReadDeadline(time.Now().Add(opts.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("receiver socket closed")
				return fmt.Errorf("pipeline: receiver: %w", err)
			}
			log.Warn().Err(err).Msg("set read deadline failed")
		}

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("receiver socket closed")
				return fmt.Errorf("pipeline: receiver: %w", err)
			}
			log.Warn().Err(err).Msg("read failed")
			continue
		}
		from = unmap(from)

		if n > opts.DatagramBytes {
			log.Warn().Stringer("from", from).Int("limit", opts.DatagramBytes).Msg("oversized datagram dropped")
			opts.Counters.recordDecodeFailure()
			continue
		}

		m, err := c.Decode(buf[:n])
		if err != nil {
			if errors.Is(err, codec.ErrUnsupportedPayload) {
				log.Warn().Err(err).Stringer("from", from).Msg("unsupported datagram dropped")
				opts.Counters.recordUnsupported()
			} else {
				log.Warn().Err(err).Stringer("from", from).Int("bytes", n).Msg("undecodable datagram dropped")
				opts.Counters.recordDecodeFailure()
			}
			continue
		}
		if m.IsSentinel() {
			log.Debug().Stringer("from", from).Msg("sentinel datagram discarded")
			opts.Counters.recordSentinel(observability.DirectionInbound)
			continue
		}

		p := Packet{Message: m, Addr: from}
		if !deliverable(p) {
			log.Debug().Stringer("from", from).Msg("empty message dropped")
			opts.Counters.recordFiltered(observability.DirectionInbound)
			continue
		}
		if deliver(tok, inbound, p, opts, rng) {
			opts.Counters.recordReceived()
			opts.Counters.observeDepth(observability.DirectionInbound, inbound.Size())
			log.Trace().Stringer("from", from).Int("chars", m.Len()).Msg("datagram queued")
		} else {
			opts.Counters.recordInboundDropped()
			log.Warn().
				Stringer("from", from).
				Int("attempts", opts.PutAttempts).
				Msg("inbound queue full, datagram dropped")
		}
	}
	log.Debug().Msg("receiver stopped")
	return nil
}

// deliver makes up to PutAttempts bounded puts, backing off between them.
// It gives up early once the token stops.
func deliver(tok *Token, inbound *queue.Queue[Packet], p Packet, opts ReceiverOptions, rng *rand.Rand) bool {
	for attempt := 1; attempt <= opts.PutAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), opts.PutTimeout)
		err := inbound.Put(ctx, p)
		cancel()
		if err == nil {
			return true
		}
		if attempt == opts.PutAttempts || !tok.Running() {
			return false
		}
		opts.Counters.recordPutRetry()
		delay := opts.PutBackoff.Delay(attempt, rng)
		opts.Logger.Debug().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Int("depth", inbound.Size()).
			Msg("inbound put timed out")
		if !tok.wait(delay) {
			return false
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
