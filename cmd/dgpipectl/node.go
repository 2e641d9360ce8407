package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/dgpipe/internal/config"
	"github.com/danmuck/dgpipe/internal/logging"
	"github.com/danmuck/dgpipe/internal/pipeline"
	"github.com/danmuck/dgpipe/internal/server"
)

type nodeFlags struct {
	configPath string
	port       int
	statusAddr string
	noStatus   bool
	noEcho     bool
	watch      bool
}

func newNodeCommand() *cobra.Command {
	var f nodeFlags
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run an echo node: log each message and send it back to its source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveNodeConfig(cmd, f)
			if err != nil {
				return err
			}
			return runNode(cmd, cfg, f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to node config (TOML)")
	cmd.Flags().IntVar(&f.port, "port", 0, "local UDP port (overrides pipeline.local_port)")
	cmd.Flags().StringVar(&f.statusAddr, "status-addr", "", "status server address (overrides status.addr)")
	cmd.Flags().BoolVar(&f.noStatus, "no-status", false, "disable the status server")
	cmd.Flags().BoolVar(&f.noEcho, "no-echo", false, "log messages without echoing them")
	cmd.Flags().BoolVar(&f.watch, "watch", true, "reload log settings when the config file changes")
	return cmd
}

// resolveNodeConfig layers defaults, the config file, then changed flags.
func resolveNodeConfig(cmd *cobra.Command, f nodeFlags) (config.NodeConfig, error) {
	cfg := config.DefaultNodeConfig()
	if f.configPath != "" {
		loaded, err := config.LoadNodeConfig(f.configPath)
		if err != nil {
			return config.NodeConfig{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("port") {
		cfg.Pipeline.LocalPort = f.port
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.Status.Addr = f.statusAddr
	}
	if f.noStatus {
		cfg.Status.Enabled = false
	}
	if f.noEcho {
		cfg.Pipeline.Echo = false
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		return config.NodeConfig{}, err
	}
	return cfg, nil
}

func runNode(cmd *cobra.Command, cfg config.NodeConfig, f nodeFlags) error {
	logging.Apply(logging.WithEnv(cfg.LoggingConfig()))
	applyLevelFlag(cmd)
	log := logging.Component("node")

	coord, err := pipeline.New(cfg.PipelineConfig(), logging.Component("pipeline"))
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}
	log.Info().
		Stringer("local", coord.LocalAddr()).
		Bool("echo", cfg.Pipeline.Echo).
		Bool("status", cfg.Status.Enabled).
		Msg("node running")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var status *server.Status
	statusErr := make(chan error, 1)
	if cfg.Status.Enabled {
		status = server.New(cfg.PipelineConfig().Name, cfg.Status.Addr, cfg.Status.CorsOrigins, coord, logging.Component("status"))
		go func() { statusErr <- status.Serve() }()
	}

	if f.configPath != "" && f.watch {
		r := &reloader{current: cfg}
		w, err := config.Watch(ctx, f.configPath, config.DefaultDebounce, logging.Component("config"), r.apply)
		if err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable")
		} else {
			defer w.Close()
		}
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- receiveLoop(context.Background(), coord, cfg.Pipeline.Echo, nil, log)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("received signal, stopping")
	case err := <-statusErr:
		if err != nil {
			runErr = fmt.Errorf("status server: %w", err)
		}
	case err := <-loopDone:
		runErr = err
		loopDone <- nil
	}

	if status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := status.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown")
		}
		cancel()
	}
	if err := coord.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	if err := <-loopDone; err != nil && runErr == nil {
		runErr = err
	}
	s := coord.Stats()
	log.Info().
		Uint64("sent", s.Sent).
		Uint64("received", s.Received).
		Uint64("decode_failures", s.DecodeFailures).
		Uint64("inbound_dropped", s.InboundDropped).
		Msg("node stopped")
	return runErr
}

// reloader applies the settings that can change without rebinding the
// socket and reports the rest.
type reloader struct {
	mu      sync.Mutex
	current config.NodeConfig
}

func (r *reloader) apply(next config.NodeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.current
	r.current = next

	log := logging.Component("config")
	if next.Log.Level != current.Log.Level {
		if logging.SetLevel(next.Log.Level) {
			log.Info().Str("level", next.Log.Level).Msg("log level changed")
		}
	}
	if next.PipelineConfig() != current.PipelineConfig() {
		log.Warn().Msg("pipeline settings changed; restart the node to apply them")
	}
	if next.Status.Addr != current.Status.Addr || next.Status.Enabled != current.Status.Enabled {
		log.Warn().Msg("status settings changed; restart the node to apply them")
	}
}
