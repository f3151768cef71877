// Package cli holds the flag plumbing shared by the sdrdiag commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/sdrdiag/internal/config"
	"github.com/rjboer/sdrdiag/internal/logging"
	"github.com/rjboer/sdrdiag/internal/sdr"
	"github.com/rjboer/sdrdiag/internal/telemetry"
)

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Common are the flags every command accepts.
type Common struct {
	ConfigPath  string
	Backend     string
	URI         string
	LogLevel    string
	LogFormat   string
	MetricsFile string
	PrintConfig bool

	// Lookup reads the environment; tests replace it.
	Lookup func(string) (string, bool)
}

// Register adds the common flags to cmd.
func (c *Common) Register(cmd *cobra.Command) {
	def := config.Default()
	f := cmd.Flags()
	f.StringVar(&c.ConfigPath, "config", "", "YAML configuration file")
	f.StringVar(&c.Backend, "backend", def.Backend, "device backend (iiod|mock)")
	f.StringVar(&c.URI, "uri", def.URI, "IIO context URI")
	f.StringVar(&c.LogLevel, "log-level", def.Log.Level, "log level (debug|info|warn|error)")
	f.StringVar(&c.LogFormat, "log-format", def.Log.Format, "log format (text|json)")
	f.StringVar(&c.MetricsFile, "metrics-file", "", "write results in Prometheus text format to this file")
	f.BoolVar(&c.PrintConfig, "print-config", false, "print the merged configuration and exit")
}

// Resolve merges defaults, the config file, the environment and the flags
// that were set explicitly, in that order.
func (c *Common) Resolve(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	lookup := c.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := config.ApplyEnv(&cfg, lookup); err != nil {
		return config.Config{}, err
	}
	f := cmd.Flags()
	if f.Changed("backend") {
		cfg.Backend = c.Backend
	}
	if f.Changed("uri") {
		cfg.URI = c.URI
	}
	if f.Changed("log-level") {
		cfg.Log.Level = c.LogLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = c.LogFormat
	}
	if f.Changed("metrics-file") {
		cfg.MetricsFile = c.MetricsFile
	}
	return cfg, nil
}

// Env is what a command needs once configuration is settled.
type Env struct {
	Config   config.Config
	Logger   logging.Logger
	Reporter telemetry.Reporter
	Metrics  *telemetry.Metrics
}

// Setup validates cfg, installs the default logger on stderr and builds the
// reporters: the console on stdout plus metrics when a file is configured.
func Setup(cfg config.Config, stdout, stderr io.Writer) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	env := &Env{Config: cfg, Logger: logger}
	reporters := telemetry.Multi{telemetry.NewConsole(stdout, logger)}
	if cfg.MetricsFile != "" {
		env.Metrics = telemetry.NewMetrics()
		reporters = append(reporters, env.Metrics)
	}
	env.Reporter = reporters
	return env, nil
}

// Flush writes the metrics file when one is configured.
func (e *Env) Flush() error {
	if e.Metrics == nil {
		return nil
	}
	return e.Metrics.WriteFile(e.Config.MetricsFile)
}

// OpenTransceiver returns the pair test backend.
func (e *Env) OpenTransceiver(ctx context.Context) (sdr.Transceiver, error) {
	if e.Config.Backend == config.BackendMock {
		return sdr.NewMock(), nil
	}
	a, err := sdr.OpenAD9361(ctx, e.Config.URI, e.Config.SDROptions(e.Logger))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// OpenStream connects the capture backend.
func (e *Env) OpenStream(ctx context.Context, uri string) (sdr.StreamContext, error) {
	if e.Config.Backend == config.BackendMock {
		st := sdr.NewMockStream()
		c := e.Config.Capture
		st.RefillDelay = time.Duration(float64(c.BufferSize) / c.SampleRate * float64(time.Second))
		return st, nil
	}
	st, err := sdr.OpenStream(ctx, uri, e.Config.SDROptions(e.Logger))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Execute runs cmd and maps the outcome to a process exit code.
func Execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	return 1
}
