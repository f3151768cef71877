// Command pairtest checks every TX→RX antenna port pair of an AD9361 board
// wired in loopback: it transmits a tone on one port, measures it on the
// other and prints a pass/fail table.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/sdrdiag/internal/app"
	"github.com/rjboer/sdrdiag/internal/cli"
	"github.com/rjboer/sdrdiag/internal/config"
	"github.com/rjboer/sdrdiag/internal/logging"
	"github.com/rjboer/sdrdiag/internal/sdr"
	"github.com/rjboer/sdrdiag/internal/telemetry"
)

func main() {
	os.Exit(cli.Execute(newRootCmd(os.Stdout, os.Stderr)))
}

type pairFlags struct {
	lo            int64
	txGain        float64
	rxGain        float64
	txSettle      time.Duration
	destroySettle time.Duration
	pause         time.Duration
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		common cli.Common
		pf     pairFlags
	)
	cmd := &cobra.Command{
		Use:           "pairtest",
		Short:         "Test all TX→RX antenna port pairs over a loopback",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.Resolve(cmd)
			if err != nil {
				return err
			}
			pf.apply(cmd, &cfg)
			if common.PrintConfig {
				return config.Encode(stdout, cfg)
			}
			env, err := cli.Setup(cfg, stdout, stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runPairs(ctx, env, stdout, env.OpenTransceiver)
		},
	}
	common.Register(cmd)

	def := config.Default().Pairs
	f := cmd.Flags()
	f.Int64Var(&pf.lo, "lo", def.LO, "RX and TX LO frequency in Hz")
	f.Float64Var(&pf.txGain, "tx-gain", def.TXGain, "TX hardware gain in dB")
	f.Float64Var(&pf.rxGain, "rx-gain", def.RXGain, "RX hardware gain in dB")
	f.DurationVar(&pf.txSettle, "settle", def.TxSettle, "wait between starting TX and receiving")
	f.DurationVar(&pf.destroySettle, "destroy-settle", def.DestroySettle, "wait after releasing the previous TX buffer")
	f.DurationVar(&pf.pause, "pause", def.Pause, "pause between pairs")

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func (pf pairFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("lo") {
		cfg.Pairs.LO = pf.lo
	}
	if f.Changed("tx-gain") {
		cfg.Pairs.TXGain = pf.txGain
	}
	if f.Changed("rx-gain") {
		cfg.Pairs.RXGain = pf.rxGain
	}
	if f.Changed("settle") {
		cfg.Pairs.TxSettle = pf.txSettle
	}
	if f.Changed("destroy-settle") {
		cfg.Pairs.DestroySettle = pf.destroySettle
	}
	if f.Changed("pause") {
		cfg.Pairs.Pause = pf.pause
	}
}

func runPairs(ctx context.Context, env *cli.Env, stdout io.Writer, open func(context.Context) (sdr.Transceiver, error)) error {
	cfg := env.Config
	fmt.Fprintln(stdout, "LibreSDR 2T2R Channel Test")
	fmt.Fprintf(stdout, "Device: %s\n", cfg.URI)
	fmt.Fprintf(stdout, "Frequency: %.3f GHz\n\n", float64(cfg.Pairs.LO)/1e9)

	dev, err := open(ctx)
	if err != nil {
		return &cli.ExitError{Code: 1, Err: fmt.Errorf("connect to %s: %w", cfg.URI, err)}
	}
	defer dev.Close()

	results, runErr := app.NewPairValidator(dev, env.Reporter, env.Logger, cfg.PairConfig()).Run(ctx)
	if err := env.Flush(); err != nil {
		env.Logger.Warn("write metrics", logging.F("path", cfg.MetricsFile), logging.Err(err))
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return &cli.ExitError{Code: 130, Err: errors.New("interrupted")}
		}
		return runErr
	}

	reports := make([]telemetry.PairReport, len(results))
	for i, r := range results {
		reports[i] = r.Report()
	}
	if failed := telemetry.Failed(reports); len(failed) > 0 {
		return &cli.ExitError{Code: 1}
	}
	return nil
}
