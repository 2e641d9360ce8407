package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/dgpipe/internal/logging"
	"github.com/danmuck/dgpipe/internal/pipeline"
)

// receiveLoop prints every received message to out and, with echo set, sends
// it back to its source. It returns nil once the pipeline is shut down.
func receiveLoop(ctx context.Context, c *pipeline.Coordinator, echo bool, out io.Writer, log zerolog.Logger) error {
	for {
		p, err := c.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info().Stringer("from", p.Addr).Str("text", p.Message.Text()).Msg("message received")
		if out != nil {
			fmt.Fprintf(out, "%s\t%s\n", p.Addr, p.Message.Text())
		}
		if !echo {
			continue
		}
		if err := c.EnqueuePacket(ctx, p); err != nil {
			if errors.Is(err, pipeline.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Stringer("to", p.Addr).Msg("echo dropped")
		}
	}
}

// splitHostPort parses "host:port" into pipeline remote settings.
func splitHostPort(raw string) (string, int, error) {
	host, portRaw, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %w", pipeline.ErrInvalidDestination, raw, err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q: bad port", pipeline.ErrInvalidDestination, raw)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, port, nil
}

// applyLevelFlag re-applies --log-level after a command installed its own logger.
func applyLevelFlag(cmd *cobra.Command) {
	f := cmd.Flags().Lookup("log-level")
	if f == nil || !f.Changed {
		return
	}
	logging.SetLevel(f.Value.String())
}
