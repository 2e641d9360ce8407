package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/danmuck/dgpipe/internal/logging"
)

const longHelp = `
dgpipectl runs asynchronous UDP message pipelines.

Every datagram carries one short text message in a versioned frame. Messages
are queued, sent and received on background workers; anything that cannot be
decoded or queued is logged and dropped.

Commands:
  node     run an echo node with a status server
  send     send a batch of messages and print the echoes
  listen   print received messages until interrupted
  config   write or validate node config files
`

var exampleUsage = strings.TrimSpace(`
  dgpipectl node --config node.toml
  dgpipectl listen --port 9000
  dgpipectl send --to 127.0.0.1:9000 hello world
  dgpipectl send --script burst.toml --count 100
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCommand() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:           "dgpipectl",
		Short:         "Asynchronous UDP message pipeline",
		Long:          strings.TrimSpace(longHelp),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			if cmd.Flags().Changed("log-level") && !logging.SetLevel(level) {
				log := logging.Component("dgpipectl")
				log.Warn().Str("level", level).Msg("unknown log level ignored")
			}
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "", "log level: trace|debug|info|warn|error|off")

	root.AddCommand(
		newNodeCommand(),
		newSendCommand(),
		newListenCommand(),
		newConfigCommand(),
	)
	return root
}

func main() {
	gin.SetMode(gin.ReleaseMode)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logging.ConfigureRuntime()
		log := logging.Component("dgpipectl")
		log.Error().Err(err).Msg("dgpipectl")
		stop()
		os.Exit(1)
	}
}
