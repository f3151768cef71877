package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/logging"
	"github.com/rjboer/sdrdiag/internal/sdr"
	"github.com/rjboer/sdrdiag/internal/telemetry"
)

// CaptureConfig holds the settings of the streaming capture test.
type CaptureConfig struct {
	URI        string
	Duration   time.Duration
	SampleRate float64
	BufferSize int
	Device     string
	PHY        string
	Channels   []string
	// HintLength is the buffer length suggested when allocation fails.
	HintLength int
}

// DefaultCaptureConfig returns a 5 s capture at 2 MS/s on voltage0/1.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		URI:        "ip:192.168.2.1",
		Duration:   5 * time.Second,
		SampleRate: 2_000_000,
		BufferSize: 16384,
		Device:     "cf-ad9361-lpc",
		PHY:        "ad9361-phy",
		Channels:   []string{"voltage0", "voltage1"},
		HintLength: 131072,
	}
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	def := DefaultCaptureConfig()
	if c.URI == "" {
		c.URI = def.URI
	}
	if c.SampleRate == 0 {
		c.SampleRate = def.SampleRate
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	if c.Device == "" {
		c.Device = def.Device
	}
	if c.PHY == "" {
		c.PHY = def.PHY
	}
	if len(c.Channels) == 0 {
		c.Channels = def.Channels
	}
	if c.HintLength == 0 {
		c.HintLength = def.HintLength
	}
	return c
}

// Stats accumulates capture counters. Samples and Refills never decrease,
// Min never increases and Max never decreases.
type Stats struct {
	Samples int64
	Refills int64
	Min     int16
	Max     int16
	seen    bool
}

// Observe folds one channel read into the counters.
func (s *Stats) Observe(data []int16) {
	s.Samples += int64(len(data))
	for _, v := range data {
		if !s.seen {
			s.Min, s.Max, s.seen = v, v, true
			continue
		}
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
}

// Status is the overall capture outcome.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "pass"
	}
}

// Verdict is the result of a capture run. Warnings never fail a run.
type Verdict struct {
	Status      Status
	Warnings    []string
	Failure     string
	Stats       Stats
	Elapsed     time.Duration
	Expected    float64
	Interrupted bool
	Hint        string
}

// Passed reports whether the device counts as capturing correctly.
func (v Verdict) Passed() bool { return v.Status != StatusFail }

func (v *Verdict) warn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
	if v.Status == StatusPass {
		v.Status = StatusWarn
	}
}

func (v *Verdict) fail(format string, args ...any) {
	if v.Failure == "" {
		v.Failure = fmt.Sprintf(format, args...)
	}
	v.Status = StatusFail
}

func (v Verdict) result() telemetry.CaptureResult {
	return telemetry.CaptureResult{
		Elapsed:     v.Elapsed,
		Samples:     v.Stats.Samples,
		Refills:     v.Stats.Refills,
		Min:         v.Stats.Min,
		Max:         v.Stats.Max,
		Expected:    v.Expected,
		Interrupted: v.Interrupted,
		Status:      v.Status.String(),
		Warnings:    v.Warnings,
		Failure:     v.Failure,
		Hint:        v.Hint,
	}
}

// Evaluate applies the capture checks in order. The sample-count and
// amplitude checks only warn; no samples or a constant signal fail.
func Evaluate(stats Stats, sampleRate float64, duration time.Duration, channels int) Verdict {
	v := Verdict{Stats: stats}
	if channels > 0 {
		v.Expected = sampleRate * duration.Seconds() / float64(channels)
	}
	if stats.Samples == 0 {
		v.fail("No samples captured!")
		return v
	}
	if float64(stats.Samples) < 0.5*v.Expected {
		v.warn("Captured fewer samples than expected (expected ~%.0f, actual %d)", v.Expected, stats.Samples)
	}
	if stats.Min == stats.Max {
		v.fail("All samples have same value (%d) - no signal variation!", stats.Min)
		return v
	}
	if abs(int(stats.Min)) < 10 && abs(int(stats.Max)) < 10 {
		v.warn("Very low signal amplitude (range: %d to %d); check antenna connection and RF gain settings", stats.Min, stats.Max)
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// StreamOpener connects to an IIO context by URI.
type StreamOpener func(ctx context.Context, uri string) (sdr.StreamContext, error)

// CaptureValidator streams from the RX device for a fixed time and checks
// that samples arrive and vary.
type CaptureValidator struct {
	open     StreamOpener
	reporter telemetry.CaptureReporter
	logger   logging.Logger
	cfg      CaptureConfig

	// Now is the capture clock; tests advance a fake one per refill.
	Now func() time.Time
}

// NewCaptureValidator builds a validator; zero config fields take the
// DefaultCaptureConfig values except Duration.
func NewCaptureValidator(open StreamOpener, reporter telemetry.CaptureReporter, logger logging.Logger, cfg CaptureConfig) *CaptureValidator {
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	return &CaptureValidator{
		open:     open,
		reporter: reporter,
		logger:   logger.With(logging.F("subsystem", "capture")),
		cfg:      cfg.withDefaults(),
		Now:      time.Now,
	}
}

// Run performs one capture. The returned error is set for fatal problems
// (connection, missing device, allocation, refill or read errors); a run
// that completes but fails validation returns a failing Verdict and nil.
// Canceling ctx ends the capture loop early and is not an error.
func (v *CaptureValidator) Run(ctx context.Context) (verdict Verdict, err error) {
	cfg := v.cfg
	v.reporter.CaptureStarted(telemetry.CaptureStart{URI: cfg.URI, Duration: cfg.Duration, SampleRate: cfg.SampleRate})
	defer func() {
		if err != nil {
			verdict.fail("%v", err)
			v.logger.Error("capture failed", logging.Err(err))
		}
		res := verdict.result()
		res.URI, res.Host = cfg.URI, v.host()
		v.reporter.CaptureFinished(res)
	}()

	st, err := v.open(ctx, cfg.URI)
	if err != nil {
		return verdict, fmt.Errorf("create IIO context for %s: %w", cfg.URI, err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			v.logger.Debug("context close failed", logging.Err(cerr))
		}
	}()

	if !st.HasDevice(cfg.Device) {
		return verdict, fmt.Errorf("%s: %w", cfg.Device, sdr.ErrDeviceNotFound)
	}
	setup := telemetry.CaptureSetup{Info: st.Describe(), Device: cfg.Device, BufferSize: cfg.BufferSize}
	var setupWarnings Verdict
	setup.ActualRate = v.configureRate(ctx, st, &setupWarnings)

	for _, ch := range cfg.Channels {
		if err := st.EnableChannel(cfg.Device, ch); err != nil {
			setupWarnings.warn("Could not enable %s: %v", ch, err)
			continue
		}
		setup.Channels = append(setup.Channels, ch)
	}
	if len(setup.Channels) == 0 {
		verdict.Warnings = setupWarnings.Warnings
		return verdict, fmt.Errorf("no RX channels could be enabled on %s", cfg.Device)
	}

	buf, err := st.CreateBuffer(ctx, cfg.Device, cfg.BufferSize)
	if err != nil {
		verdict.Warnings = setupWarnings.Warnings
		verdict.Hint = v.bufferHint(setup.Info)
		return verdict, fmt.Errorf("create %d-sample buffer: %w", cfg.BufferSize, err)
	}
	defer func() {
		if cerr := buf.Close(); cerr != nil {
			v.logger.Debug("buffer close failed", logging.Err(cerr))
		}
	}()

	setup.Warnings = setupWarnings.Warnings
	for _, w := range setup.Warnings {
		v.logger.Warn(w)
	}
	v.reporter.CaptureConfigured(setup)

	stats, elapsed, interrupted, err := v.capture(ctx, buf, setup.Channels)
	if err != nil {
		verdict.Stats, verdict.Elapsed = stats, elapsed
		return verdict, err
	}

	verdict = Evaluate(stats, cfg.SampleRate, cfg.Duration, len(setup.Channels))
	verdict.Elapsed = elapsed
	verdict.Interrupted = interrupted
	v.logger.Info("capture finished",
		logging.F("samples", stats.Samples),
		logging.F("refills", stats.Refills),
		logging.F("elapsed", elapsed.String()),
		logging.F("verdict", verdict.Status.String()),
	)
	return verdict, nil
}

func (v *CaptureValidator) capture(ctx context.Context, buf sdr.StreamBuffer, channels []string) (Stats, time.Duration, bool, error) {
	var stats Stats
	start := v.Now()
	for {
		elapsed := v.Now().Sub(start)
		if elapsed >= v.cfg.Duration {
			return stats, elapsed, false, nil
		}
		if err := buf.Refill(ctx); err != nil {
			if ctx.Err() != nil {
				v.logger.Info("capture interrupted")
				return stats, v.Now().Sub(start), true, nil
			}
			return stats, v.Now().Sub(start), false, fmt.Errorf("refill %d: %w", stats.Refills+1, err)
		}
		stats.Refills++
		for _, ch := range channels {
			data, err := buf.Read(ch)
			if err != nil {
				return stats, v.Now().Sub(start), false, fmt.Errorf("read %s: %w", ch, err)
			}
			stats.Observe(data)
		}
		v.reporter.CaptureProgress(telemetry.CaptureProgress{
			Elapsed: v.Now().Sub(start),
			Samples: stats.Samples,
			Refills: stats.Refills,
			Min:     stats.Min,
			Max:     stats.Max,
		})
	}
}

// configureRate writes the nominal rate to the PHY and returns the read-back
// value, or 0 when it is unknown.
func (v *CaptureValidator) configureRate(ctx context.Context, st sdr.StreamContext, w *Verdict) float64 {
	cfg := v.cfg
	if !st.HasDevice(cfg.PHY) {
		w.warn("%s not found, cannot configure sample rate", cfg.PHY)
		return 0
	}
	want := strconv.FormatInt(int64(cfg.SampleRate), 10)
	if err := st.WriteChannelAttr(ctx, cfg.PHY, "voltage0", false, "sampling_frequency", want); err != nil {
		w.warn("Could not set sample rate: %v", err)
		return 0
	}
	raw, err := st.ReadChannelAttr(ctx, cfg.PHY, "voltage0", false, "sampling_frequency")
	if err != nil {
		w.warn("Could not read back sample rate: %v", err)
		return 0
	}
	got, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		w.warn("Could not parse sample rate %q: %v", raw, err)
		return 0
	}
	if int64(got) != int64(cfg.SampleRate) {
		w.warn("Sample rate read back as %.0f Hz, requested %.0f Hz", got, cfg.SampleRate)
	}
	return got
}

// bufferHint names the sysfs write that enlarges the kernel buffer of the
// capture device.
func (v *CaptureValidator) bufferHint(info sdr.ContextInfo) string {
	id := v.cfg.Device
	for _, d := range info.Devices {
		if d.Name == v.cfg.Device {
			id = d.ID
			break
		}
	}
	w, err := sdr.NewSysfsWriter(sdr.SSHConfig{Host: v.host()})
	if err != nil {
		return ""
	}
	return w.Hint(id, v.cfg.HintLength)
}

// host is the board address from the context URI, or the factory default
// address when the URI has none.
func (v *CaptureValidator) host() string {
	if addr, err := iiod.ParseURI(v.cfg.URI); err == nil {
		if h, _, err := net.SplitHostPort(addr); err == nil {
			return h
		}
	}
	return "192.168.2.1"
}
