// Command samplingtest streams from the AD9361 RX device for a fixed time
// and checks that samples keep arriving and actually vary.
//
// Usage:
//
//	samplingtest [uri] [duration_seconds] [sample_rate_mhz]
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/sdrdiag/internal/app"
	"github.com/rjboer/sdrdiag/internal/cli"
	"github.com/rjboer/sdrdiag/internal/config"
)

func main() {
	os.Exit(cli.Execute(newRootCmd(os.Stdout, os.Stderr)))
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		common     cli.Common
		bufferSize int
		channels   []string
	)
	def := config.Default().Capture
	cmd := &cobra.Command{
		Use:           "samplingtest [uri] [duration_seconds] [sample_rate_mhz]",
		Short:         "Validate continuous RX sample capture",
		Args:          cobra.MaximumNArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.Resolve(cmd)
			if err != nil {
				return err
			}
			if err := applyArgs(&cfg, args); err != nil {
				return err
			}
			if cmd.Flags().Changed("buffer-size") {
				cfg.Capture.BufferSize = bufferSize
			}
			if cmd.Flags().Changed("channels") {
				cfg.Capture.Channels = channels
			}
			if common.PrintConfig {
				return config.Encode(stdout, cfg)
			}
			env, err := cli.Setup(cfg, stdout, stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			verdict, runErr := app.NewCaptureValidator(env.OpenStream, env.Reporter, env.Logger, cfg.CaptureConfig()).Run(ctx)
			if err := env.Flush(); err != nil {
				fmt.Fprintf(stderr, "write metrics: %v\n", err)
			}
			if runErr != nil || !verdict.Passed() {
				// The console report already explains the failure.
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
	common.Register(cmd)
	cmd.Flags().IntVar(&bufferSize, "buffer-size", def.BufferSize, "samples per channel per refill")
	cmd.Flags().StringSliceVar(&channels, "channels", def.Channels, "RX channels to enable")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

// applyArgs overlays the positional arguments: URI, duration in seconds and
// sample rate in MHz.
func applyArgs(cfg *config.Config, args []string) error {
	if len(args) > 0 {
		cfg.URI = args[0]
	}
	if len(args) > 1 {
		secs, err := strconv.ParseFloat(args[1], 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid duration %q: want a positive number of seconds", args[1])
		}
		cfg.Capture.Duration = time.Duration(secs * float64(time.Second))
	}
	if len(args) > 2 {
		mhz, err := strconv.ParseFloat(args[2], 64)
		if err != nil || mhz <= 0 {
			return fmt.Errorf("invalid sample rate %q: want MHz", args[2])
		}
		cfg.Capture.SampleRate = mhz * 1e6
	}
	return nil
}
