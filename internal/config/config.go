// Package config layers sdrdiag settings: built-in defaults, an optional
// YAML file, SDRDIAG_* environment variables and finally command flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/sdrdiag/internal/app"
	"github.com/rjboer/sdrdiag/internal/logging"
	"github.com/rjboer/sdrdiag/internal/sdr"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SDRDIAG_"

// Backends accepted by --backend.
const (
	BackendIIOD = "iiod"
	BackendMock = "mock"
)

const (
	minSampleRate = 520_833
	maxSampleRate = 61_440_000
	minBufferSize = 64
	maxBufferSize = 1 << 24
)

// Config is the merged configuration of all sdrdiag commands.
type Config struct {
	Backend       string        `yaml:"backend"`
	URI           string        `yaml:"uri"`
	Timeout       time.Duration `yaml:"timeout"`
	ServerTimeout time.Duration `yaml:"server_timeout"`
	MetricsFile   string        `yaml:"metrics_file"`
	Log           Log           `yaml:"log"`
	Pairs         Pairs         `yaml:"pairs"`
	Capture       Capture       `yaml:"capture"`
	SSH           SSH           `yaml:"ssh"`
}

// Log selects the diagnostic logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Pairs configures the channel pair test.
type Pairs struct {
	LO            int64         `yaml:"lo"`
	SampleRate    int64         `yaml:"sample_rate"`
	RFBandwidth   int64         `yaml:"rf_bandwidth"`
	BufferSize    int           `yaml:"buffer_size"`
	TXGain        float64       `yaml:"tx_gain"`
	RXGain        float64       `yaml:"rx_gain"`
	ToneHz        float64       `yaml:"tone_hz"`
	ToneAmplitude float64       `yaml:"tone_amplitude"`
	TxSettle      time.Duration `yaml:"tx_settle"`
	DestroySettle time.Duration `yaml:"destroy_settle"`
	Pause         time.Duration `yaml:"pause"`
}

// Capture configures the streaming capture test.
type Capture struct {
	Duration   time.Duration `yaml:"duration"`
	SampleRate float64       `yaml:"sample_rate"`
	BufferSize int           `yaml:"buffer_size"`
	Device     string        `yaml:"device"`
	Channels   []string      `yaml:"channels"`
}

// SSH is used by the buffer length remediation.
type SSH struct {
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	KeyPath    string `yaml:"key_path"`
	Port       int    `yaml:"port"`
	KnownHosts string `yaml:"known_hosts"`
}

// Default returns the built-in settings.
func Default() Config {
	pairs := app.DefaultPairConfig()
	capture := app.DefaultCaptureConfig()
	return Config{
		Backend:       BackendIIOD,
		URI:           capture.URI,
		Timeout:       5 * time.Second,
		ServerTimeout: 5 * time.Second,
		Log:           Log{Level: "info", Format: "text"},
		Pairs: Pairs{
			LO:            pairs.LO,
			SampleRate:    pairs.SampleRate,
			RFBandwidth:   pairs.RFBandwidth,
			BufferSize:    pairs.BufferSize,
			TXGain:        pairs.TXGain,
			RXGain:        pairs.RXGain,
			ToneHz:        pairs.ToneHz,
			ToneAmplitude: pairs.ToneAmplitude,
			TxSettle:      pairs.TxSettle,
			DestroySettle: pairs.DestroySettle,
			Pause:         pairs.Pause,
		},
		Capture: Capture{
			Duration:   capture.Duration,
			SampleRate: capture.SampleRate,
			BufferSize: capture.BufferSize,
			Device:     capture.Device,
			Channels:   capture.Channels,
		},
		SSH: SSH{User: "root", Password: "analog", Port: 22},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Encode writes cfg as YAML in the format Load reads.
func Encode(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

// ApplyEnv overlays SDRDIAG_* variables found through lookup. A value that
// does not parse is an error.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}
	env.str("BACKEND", &cfg.Backend)
	env.str("URI", &cfg.URI)
	env.duration("TIMEOUT", &cfg.Timeout)
	env.duration("SERVER_TIMEOUT", &cfg.ServerTimeout)
	env.str("METRICS_FILE", &cfg.MetricsFile)
	env.str("LOG_LEVEL", &cfg.Log.Level)
	env.str("LOG_FORMAT", &cfg.Log.Format)

	env.int64("LO", &cfg.Pairs.LO)
	env.int64("PAIR_SAMPLE_RATE", &cfg.Pairs.SampleRate)
	env.int64("RF_BANDWIDTH", &cfg.Pairs.RFBandwidth)
	env.int("PAIR_BUFFER_SIZE", &cfg.Pairs.BufferSize)
	env.float("TX_GAIN", &cfg.Pairs.TXGain)
	env.float("RX_GAIN", &cfg.Pairs.RXGain)
	env.float("TONE_HZ", &cfg.Pairs.ToneHz)
	env.duration("TX_SETTLE", &cfg.Pairs.TxSettle)
	env.duration("DESTROY_SETTLE", &cfg.Pairs.DestroySettle)
	env.duration("PAIR_PAUSE", &cfg.Pairs.Pause)

	env.duration("CAPTURE_DURATION", &cfg.Capture.Duration)
	env.float("CAPTURE_SAMPLE_RATE", &cfg.Capture.SampleRate)
	env.int("CAPTURE_BUFFER_SIZE", &cfg.Capture.BufferSize)
	if v, ok := env.get("CAPTURE_CHANNELS"); ok {
		cfg.Capture.Channels = splitList(v)
	}

	env.str("SSH_USER", &cfg.SSH.User)
	env.str("SSH_PASSWORD", &cfg.SSH.Password)
	env.str("SSH_KEY", &cfg.SSH.KeyPath)
	env.int("SSH_PORT", &cfg.SSH.Port)
	env.str("SSH_KNOWN_HOSTS", &cfg.SSH.KnownHosts)
	return errors.Join(env.errs...)
}

// Validate checks the merged configuration before any device I/O.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendIIOD, BackendMock:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendIIOD, BackendMock))
	}
	if c.Backend == BackendIIOD && c.URI == "" {
		errs = append(errs, errors.New("uri is required for the iiod backend"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Pairs.SampleRate < minSampleRate || c.Pairs.SampleRate > maxSampleRate {
		errs = append(errs, fmt.Errorf("pair sample rate must be between %d and %d Hz", minSampleRate, maxSampleRate))
	}
	if c.Pairs.BufferSize < minBufferSize || c.Pairs.BufferSize > maxBufferSize {
		errs = append(errs, fmt.Errorf("pair buffer size must be between %d and %d", minBufferSize, maxBufferSize))
	}
	if c.Capture.Duration <= 0 {
		errs = append(errs, errors.New("capture duration must be positive"))
	}
	if c.Capture.SampleRate <= 0 {
		errs = append(errs, errors.New("capture sample rate must be positive"))
	}
	if c.Capture.BufferSize < minBufferSize || c.Capture.BufferSize > maxBufferSize {
		errs = append(errs, fmt.Errorf("capture buffer size must be between %d and %d", minBufferSize, maxBufferSize))
	}
	return errors.Join(errs...)
}

// Logger builds the configured logger writing to w.
func (c Config) Logger(w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Log.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, w), nil
}

// PairConfig converts the pair settings for the validator.
func (c Config) PairConfig() app.PairConfig {
	out := app.DefaultPairConfig()
	p := c.Pairs
	out.LO, out.SampleRate, out.RFBandwidth, out.BufferSize = p.LO, p.SampleRate, p.RFBandwidth, p.BufferSize
	out.TXGain, out.RXGain = p.TXGain, p.RXGain
	out.ToneHz, out.ToneAmplitude = p.ToneHz, p.ToneAmplitude
	out.TxSettle, out.DestroySettle, out.Pause = p.TxSettle, p.DestroySettle, p.Pause
	return out
}

// CaptureConfig converts the capture settings for the validator.
func (c Config) CaptureConfig() app.CaptureConfig {
	out := app.DefaultCaptureConfig()
	out.URI = c.URI
	out.Duration = c.Capture.Duration
	out.SampleRate = c.Capture.SampleRate
	out.BufferSize = c.Capture.BufferSize
	if c.Capture.Device != "" {
		out.Device = c.Capture.Device
	}
	if len(c.Capture.Channels) > 0 {
		out.Channels = c.Capture.Channels
	}
	return out
}

// SDROptions are the driver options for the iiod backend.
func (c Config) SDROptions(logger logging.Logger) sdr.Options {
	return sdr.Options{Logger: logger, Timeout: c.Timeout, ServerTimeout: c.ServerTimeout}
}

// SSHConfig returns the shell access settings for host.
func (c Config) SSHConfig(host string) sdr.SSHConfig {
	return sdr.SSHConfig{
		Host:       host,
		User:       c.SSH.User,
		Password:   c.SSH.Password,
		KeyPath:    c.SSH.KeyPath,
		Port:       c.SSH.Port,
		KnownHosts: c.SSH.KnownHosts,
		Timeout:    c.Timeout,
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	return strings.TrimSpace(v), ok
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		// Accept 2.4e9 style values for frequencies.
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = int64(f)
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = d
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
