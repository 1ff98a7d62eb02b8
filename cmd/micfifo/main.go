package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maks112v/micfifo/pkg/capture"
	"github.com/maks112v/micfifo/pkg/config"
	"github.com/maks112v/micfifo/pkg/mic"
	"github.com/maks112v/micfifo/pkg/streamer"
)

// openCapture is the capture backend used by the root command.
var openCapture capture.Opener = mic.Opener

func main() {
	os.Exit(mainWithCode(os.Args[1:], os.Stdout, os.Stderr))
}

func mainWithCode(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.AddCommand(newDevicesCmd())
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "micfifo: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "micfifo --fifo <path>",
		Short: "Stream microphone audio into a FIFO as 16-bit PCM",
		Long: `Captures the microphone and writes raw, headerless 16-bit signed PCM
(mono, native byte order) into an existing named pipe. Create the pipe
first with mkfifo; the reader must know the format out of band.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			zlog, err := newLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer zlog.Sync()
			logger := zlog.Sugar().With("module", "micfifo")

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go waitForInterrupt(ctx, sigCh, cancel, logger)

			return streamer.New(cfg, openCapture, logger, cmd.OutOrStdout()).Run(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional config file (yaml, toml or json)")
	config.RegisterFlags(cmd.Flags())
	cmd.Flags().SortFlags = false

	return cmd
}

// waitForInterrupt cancels on the first signal delivered to sigCh. Signals
// that arrive during startup are buffered there. After the first one the
// handler is removed, so a second signal kills the process.
func waitForInterrupt(ctx context.Context, sigCh chan os.Signal, cancel context.CancelFunc, logger *zap.SugaredLogger) {
	select {
	case sig := <-sigCh:
		signal.Stop(sigCh)
		logger.Infow("Interrupt received, stopping...", "signal", sig.String())
		cancel()
	case <-ctx.Done():
	}
}
