package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/dgpipe/internal/logging"
	"github.com/danmuck/dgpipe/internal/pipeline"
)

func newListenCommand() *cobra.Command {
	cfg := pipeline.DefaultConfig()
	cfg.Name = "dgpipectl-listen"
	cfg.LocalPort = 9000
	var echo bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print received messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			coord, err := pipeline.New(cfg, logging.Component("pipeline"))
			if err != nil {
				return err
			}
			if err := coord.Start(); err != nil {
				return err
			}
			log := logging.Component("listen")
			log.Info().Stringer("local", coord.LocalAddr()).Msg("listening")

			loopDone := make(chan error, 1)
			go func() {
				loopDone <- receiveLoop(context.Background(), coord, echo, cmd.OutOrStdout(), log)
			}()
			select {
			case <-ctx.Done():
			case err := <-loopDone:
				loopDone <- err
			}
			if err := coord.Shutdown(); err != nil {
				return err
			}
			return <-loopDone
		},
	}
	cmd.Flags().StringVar(&cfg.LocalHost, "host", "", "local address to bind (empty binds all)")
	cmd.Flags().IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "local UDP port")
	cmd.Flags().DurationVar(&cfg.PollInterval, "poll", time.Second, "receive poll interval; bounds shutdown latency")
	cmd.Flags().BoolVar(&cfg.Compress, "compress", false, "deflate echoed payloads when smaller")
	cmd.Flags().BoolVar(&echo, "echo", false, "send each message back to its source")
	return cmd
}
