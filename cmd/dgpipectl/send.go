package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/danmuck/dgpipe/internal/logging"
	"github.com/danmuck/dgpipe/internal/pipeline"
)

func newSendCommand() *cobra.Command {
	plan := defaultSendPlan()
	var scriptPath string
	var count int
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send messages to a peer and print what comes back",
		Long: `Send messages to a peer, wait --linger for echoes, then shut down.

With no messages and no script the digits 0 through 9 are sent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			final := defaultSendPlan()
			if scriptPath != "" {
				loaded, err := loadSendScript(scriptPath, final)
				if err != nil {
					return err
				}
				final = loaded
			}
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			if changed["to"] {
				final.To = plan.To
			}
			if changed["local-port"] {
				final.LocalPort = plan.LocalPort
			}
			if changed["linger"] {
				final.Linger = plan.Linger
			}
			if changed["interval"] {
				final.Interval = plan.Interval
			}
			if changed["compress"] {
				final.Compress = plan.Compress
			}
			if changed["count"] {
				final.Messages = countingMessages(count)
			}
			if len(args) > 0 {
				final.Messages = args
			}
			return runSend(cmd.Context(), final, cmd)
		},
	}
	cmd.Flags().StringVar(&plan.To, "to", plan.To, "destination host:port")
	cmd.Flags().IntVar(&plan.LocalPort, "local-port", 0, "local UDP port (0 picks one)")
	cmd.Flags().DurationVar(&plan.Linger, "linger", plan.Linger, "how long to wait for echoes after the last send")
	cmd.Flags().DurationVar(&plan.Interval, "interval", 0, "pause between messages")
	cmd.Flags().BoolVar(&plan.Compress, "compress", false, "deflate payloads when it makes them smaller")
	cmd.Flags().IntVar(&count, "count", 10, "send the numbers 0..count-1")
	cmd.Flags().StringVar(&scriptPath, "script", "", "send script (TOML)")
	return cmd
}

func runSend(ctx context.Context, plan sendPlan, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logging.Component("send")
	host, port, err := splitHostPort(plan.To)
	if err != nil {
		return err
	}

	cfg := pipeline.DefaultConfig()
	cfg.Name = "dgpipectl-send"
	cfg.LocalPort = plan.LocalPort
	cfg.RemoteHost = host
	cfg.RemotePort = port
	cfg.Compress = plan.Compress
	// short polls keep the final shutdown quick
	cfg.PollInterval = 250 * time.Millisecond

	coord, err := pipeline.New(cfg, logging.Component("pipeline"))
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- receiveLoop(context.Background(), coord, false, cmd.OutOrStdout(), log)
	}()

	sent := 0
	for i, text := range plan.Messages {
		if err := coord.EnqueueText(ctx, text, ""); err != nil {
			log.Error().Err(err).Int("index", i).Msg("enqueue failed")
			break
		}
		sent++
		if plan.Interval > 0 && i < len(plan.Messages)-1 {
			select {
			case <-time.After(plan.Interval):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	log.Info().Int("queued", sent).Str("to", plan.To).Dur("linger", plan.Linger).Msg("messages queued")

	select {
	case <-time.After(plan.Linger):
	case <-ctx.Done():
	}
	shutdownErr := coord.Shutdown()
	loopErr := <-loopDone

	s := coord.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "sent=%d received=%d send_failures=%d\n", s.Sent, s.Received, s.SendFailures)
	if shutdownErr != nil {
		return shutdownErr
	}
	return loopErr
}
