package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/danmuck/dgpipe/internal/observability"
	"github.com/danmuck/dgpipe/internal/protocol/codec"
	"github.com/danmuck/dgpipe/internal/queue"
)

// SenderOptions tunes RunSender.
type SenderOptions struct {
	Counters *Counters
	Logger   zerolog.Logger
}

// RunSender takes packets from outbound, encodes them and writes them to
// their destination. The token must already be running.
//
// After tok stops, the worker keeps sending until the queue is empty, or
// until it takes a sentinel. Encode and write failures drop the packet. A
// closed socket ends the worker with an error.
func RunSender(tok *Token, conn Conn, c *codec.Codec, outbound *queue.Queue[Packet], opts SenderOptions) error {
	defer tok.finish()
	log := opts.Logger
	ctx := context.Background()
	var seq uint32
	log.Debug().Msg("sender running")

	for {
		if !tok.Running() && outbound.Size() == 0 {
			log.Debug().Msg("sender stopped")
			return nil
		}
		p, err := outbound.Take(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: sender: %w", err)
		}
		opts.Counters.observeDepth(observability.DirectionOutbound, outbound.Size())
		if p.IsSentinel() {
			log.Debug().Msg("sender woke on sentinel")
			opts.Counters.recordSentinel(observability.DirectionOutbound)
			return nil
		}

		seq++
		b, err := c.Encode(p.Message, seq)
		if err != nil {
			log.Warn().Err(err).Stringer("to", p.Addr).Msg("encode failed, message dropped")
			opts.Counters.recordEncodeFailure()
			continue
		}
		if _, err := conn.WriteToUDPAddrPort(b, p.Addr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msg("sender socket closed")
				opts.Counters.recordSendFailure()
				return fmt.Errorf("pipeline: sender: %w", err)
			}
			log.Warn().Err(err).Stringer("to", p.Addr).Msg("send failed, message dropped")
			opts.Counters.recordSendFailure()
			continue
		}
		opts.Counters.recordSent()
		log.Trace().Stringer("to", p.Addr).Uint32("id", seq).Int("bytes", len(b)).Msg("datagram sent")
	}
}
