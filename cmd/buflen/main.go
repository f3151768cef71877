// Command buflen enlarges the kernel buffer of an IIO device over SSH, the
// usual fix when samplingtest cannot create its buffer.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/rjboer/sdrdiag/internal/app"
	"github.com/rjboer/sdrdiag/internal/cli"
	"github.com/rjboer/sdrdiag/internal/config"
	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/sdr"
)

func main() {
	os.Exit(cli.Execute(newRootCmd(os.Stdout, os.Stderr)))
}

type options struct {
	host       string
	device     string
	length     int
	dryRun     bool
	user       string
	password   string
	key        string
	knownHosts string
	port       int
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		common cli.Common
		opts   options
	)
	def := config.Default().SSH
	cmd := &cobra.Command{
		Use:           "buflen",
		Short:         "Set an IIO device's buffer/length through the board's shell",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := common.Resolve(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			if common.PrintConfig {
				return config.Encode(stdout, cfg)
			}
			host, err := opts.resolveHost(cfg.URI)
			if err != nil {
				return err
			}
			w, err := sdr.NewSysfsWriter(cfg.SSHConfig(host))
			if err != nil {
				return err
			}
			if opts.dryRun {
				fmt.Fprintln(stdout, w.Hint(opts.device, opts.length))
				return nil
			}
			env, err := cli.Setup(cfg, stdout, stderr)
			if err != nil {
				return err
			}
			defer w.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			env.Logger.Debug("writing buffer length")
			got, err := w.SetBufferLength(ctx, opts.device, opts.length)
			if err != nil {
				return &cli.ExitError{Code: 1, Err: err}
			}
			if got != opts.length {
				return &cli.ExitError{Code: 1, Err: fmt.Errorf("%s reads back %d, want %d", w.BufferLengthPath(opts.device), got, opts.length)}
			}
			fmt.Fprintf(stdout, "✓ %s set to %d\n", w.BufferLengthPath(opts.device), got)
			return nil
		},
	}
	common.Register(cmd)
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "", "board address (default: the host of --uri)")
	f.StringVar(&opts.device, "device", "iio:device3", "IIO device directory under /sys/bus/iio/devices")
	f.IntVar(&opts.length, "length", app.DefaultCaptureConfig().HintLength, "buffer length in samples")
	f.BoolVar(&opts.dryRun, "dry-run", false, "print the command instead of running it")
	f.StringVar(&opts.user, "ssh-user", def.User, "SSH user")
	f.StringVar(&opts.password, "ssh-password", def.Password, "SSH password")
	f.StringVar(&opts.key, "ssh-key", "", "SSH private key file")
	f.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file used to verify the board")
	f.IntVar(&opts.port, "ssh-port", def.Port, "SSH port")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func (o options) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("ssh-user") {
		cfg.SSH.User = o.user
	}
	if f.Changed("ssh-password") {
		cfg.SSH.Password = o.password
	}
	if f.Changed("ssh-key") {
		cfg.SSH.KeyPath = o.key
	}
	if f.Changed("known-hosts") {
		cfg.SSH.KnownHosts = o.knownHosts
	}
	if f.Changed("ssh-port") {
		cfg.SSH.Port = o.port
	}
}

func (o options) resolveHost(uri string) (string, error) {
	if o.host != "" {
		return o.host, nil
	}
	addr, err := iiod.ParseURI(uri)
	if err != nil {
		return "", errors.New("no --host given and --uri has no usable host: " + err.Error())
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return host, nil
}
