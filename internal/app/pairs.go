package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rjboer/sdrdiag/internal/dsp"
	"github.com/rjboer/sdrdiag/internal/logging"
	"github.com/rjboer/sdrdiag/internal/sdr"
	"github.com/rjboer/sdrdiag/internal/telemetry"
)

// DefaultPairs is the evaluation order of the 2T2R loopback test.
var DefaultPairs = []sdr.Pair{{TX: 1, RX: 1}, {TX: 2, RX: 1}, {TX: 1, RX: 2}, {TX: 2, RX: 2}}

// PairConfig holds the radio settings of the channel pair test.
type PairConfig struct {
	LO            int64
	SampleRate    int64
	RFBandwidth   int64
	BufferSize    int
	GainMode      string
	TXGain        float64
	RXGain        float64
	ToneHz        float64
	ToneAmplitude float64
	// TxSettle is the wait between starting TX and the receive.
	TxSettle time.Duration
	// DestroySettle follows the initial TX teardown of each pair.
	DestroySettle time.Duration
	// Pause separates consecutive pairs.
	Pause time.Duration
	Pairs []sdr.Pair
}

// DefaultPairConfig returns the bench settings: 2.4 GHz LO, 27 MS/s and a
// 1 MHz tone at 0.8 full scale.
func DefaultPairConfig() PairConfig {
	return PairConfig{
		LO:            2_400_000_000,
		SampleRate:    27_000_000,
		RFBandwidth:   27_000_000,
		BufferSize:    16384,
		GainMode:      "manual",
		TXGain:        -30,
		RXGain:        10,
		ToneHz:        1_000_000,
		ToneAmplitude: 0.8,
		TxSettle:      500 * time.Millisecond,
		DestroySettle: 200 * time.Millisecond,
		Pause:         500 * time.Millisecond,
		Pairs:         DefaultPairs,
	}
}

func (c PairConfig) withDefaults() PairConfig {
	def := DefaultPairConfig()
	if c.LO == 0 {
		c.LO = def.LO
	}
	if c.SampleRate == 0 {
		c.SampleRate = def.SampleRate
	}
	if c.RFBandwidth == 0 {
		c.RFBandwidth = def.RFBandwidth
	}
	if c.BufferSize == 0 {
		c.BufferSize = def.BufferSize
	}
	if c.GainMode == "" {
		c.GainMode = def.GainMode
	}
	if c.ToneHz == 0 {
		c.ToneHz = def.ToneHz
	}
	if c.ToneAmplitude == 0 {
		c.ToneAmplitude = def.ToneAmplitude
	}
	if len(c.Pairs) == 0 {
		c.Pairs = def.Pairs
	}
	return c
}

// Result is the outcome of one pair. RSSI is only set when a payload was
// measured; failed pairs without a measurement have HasRSSI false.
type Result struct {
	Pair    sdr.Pair
	Passed  bool
	RSSI    float64
	HasRSSI bool
	Band    dsp.Band
	Err     error

	txEnabled []int
	rxEnabled []int
	shape     string
	samples   int
	peak      float64
	toneHz    float64
	hasTone   bool
	hwRSSI    string
}

// Report converts the result for the telemetry sinks.
func (r Result) Report() telemetry.PairReport {
	rep := telemetry.PairReport{
		TX:           r.Pair.TX,
		RX:           r.Pair.RX,
		Passed:       r.Passed,
		RSSI:         r.RSSI,
		HasRSSI:      r.HasRSSI,
		TXEnabled:    r.txEnabled,
		RXEnabled:    r.rxEnabled,
		Shape:        r.shape,
		Samples:      r.samples,
		PeakDBFS:     r.peak,
		ToneHz:       r.toneHz,
		HasTone:      r.hasTone,
		HardwareRSSI: r.hwRSSI,
		Err:          r.Err,
	}
	if r.HasRSSI {
		rep.Band = r.Band.String()
	}
	return rep
}

// hardwareRSSI is implemented by drivers that expose the PHY RSSI reading.
type hardwareRSSI interface {
	HardwareRSSI(ctx context.Context, port int) (string, error)
}

// PairValidator drives the TX→RX loopback test over every channel pair.
type PairValidator struct {
	dev      sdr.Transceiver
	reporter telemetry.PairReporter
	logger   logging.Logger
	cfg      PairConfig
	spectrum *dsp.Spectrum

	// Sleep waits for d or until ctx is done. Tests replace it to run
	// without wall-clock delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPairValidator wires a validator to a transceiver. Zero gains and
// durations are kept as given; other zero fields take the
// DefaultPairConfig values.
func NewPairValidator(dev sdr.Transceiver, reporter telemetry.PairReporter, logger logging.Logger, cfg PairConfig) *PairValidator {
	if logger == nil {
		logger = logging.Default()
	}
	if reporter == nil {
		reporter = telemetry.Nop{}
	}
	cfg = cfg.withDefaults()
	return &PairValidator{
		dev:      dev,
		reporter: reporter,
		logger:   logger.With(logging.F("subsystem", "pairs")),
		cfg:      cfg,
		spectrum: dsp.NewSpectrum(cfg.BufferSize),
		Sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Configure applies the shared radio settings. A rejected write is logged
// as a warning and the remaining settings are still applied; the count of
// rejected writes is returned.
func (v *PairValidator) Configure(ctx context.Context) int {
	cfg := v.cfg
	steps := []struct {
		name string
		run  func() error
	}{
		{"tx_lo", func() error { return v.dev.SetLO(ctx, sdr.TX, cfg.LO) }},
		{"rx_lo", func() error { return v.dev.SetLO(ctx, sdr.RX, cfg.LO) }},
		{"tx_rf_bandwidth", func() error { return v.dev.SetRFBandwidth(ctx, sdr.TX, cfg.RFBandwidth) }},
		{"rx_rf_bandwidth", func() error { return v.dev.SetRFBandwidth(ctx, sdr.RX, cfg.RFBandwidth) }},
		{"sample_rate", func() error { return v.dev.SetSampleRate(ctx, cfg.SampleRate) }},
		{"tx_buffer_size", func() error { return v.dev.SetBufferSize(sdr.TX, cfg.BufferSize) }},
		{"rx_buffer_size", func() error { return v.dev.SetBufferSize(sdr.RX, cfg.BufferSize) }},
		{"gain_control_mode_chan0", func() error { return v.dev.SetGainControlMode(ctx, 0, cfg.GainMode) }},
		{"gain_control_mode_chan1", func() error { return v.dev.SetGainControlMode(ctx, 1, cfg.GainMode) }},
	}
	rejected := 0
	for _, step := range steps {
		if err := step.run(); err != nil {
			rejected++
			v.logger.Warn("configuration write rejected", logging.F("setting", step.name), logging.Err(err))
		}
	}
	v.reporter.SDRInfo(v.dev.ChannelNames(sdr.RX), v.dev.ChannelNames(sdr.TX))
	return rejected
}

// Run configures the device once and tests every pair in order. Results
// are returned in evaluation order. A canceled context aborts the run and
// returns the results collected so far with the context error.
func (v *PairValidator) Run(ctx context.Context) ([]Result, error) {
	v.Configure(ctx)
	results := make([]Result, 0, len(v.cfg.Pairs))
	reports := make([]telemetry.PairReport, 0, len(v.cfg.Pairs))
	for i, pair := range v.cfg.Pairs {
		if i > 0 {
			if err := v.Sleep(ctx, v.cfg.Pause); err != nil {
				return results, err
			}
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		v.reporter.PairStarted(pair.TX, pair.RX)
		res := v.TestPair(ctx, pair)
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, res)
		rep := res.Report()
		reports = append(reports, rep)
		v.reporter.PairFinished(rep)
	}
	v.reporter.PairSummary(reports)
	return results, nil
}

// TestPair runs one loopback measurement. Errors and panics fail the pair
// and never escape; the TX buffer is released on every path.
func (v *PairValidator) TestPair(ctx context.Context, pair sdr.Pair) (res Result) {
	res.Pair = pair
	logger := v.logger.With(logging.F("tx", pair.TX), logging.F("rx", pair.RX))

	defer func() {
		if r := recover(); r != nil {
			res.Passed, res.HasRSSI = false, false
			res.Err = fmt.Errorf("pair test panicked: %v", r)
			logger.Error("pair test panicked", logging.F("panic", fmt.Sprint(r)), logging.F("stack", string(debug.Stack())))
		}
	}()
	defer v.stopTx(context.WithoutCancel(ctx), logger)

	if err := v.measure(ctx, pair, &res); err != nil {
		res.Passed, res.HasRSSI = false, false
		res.Err = err
		if ctx.Err() != nil {
			return res
		}
		logger.Error("pair test failed", logging.Err(err), logging.F("trace", errorTrace(err)))
		return res
	}
	res.Band = dsp.Classify(res.RSSI)
	res.Passed = res.Band.Passing()
	logger.Info("pair measured",
		logging.F("rssi_dbfs", res.RSSI),
		logging.F("band", res.Band.String()),
		logging.F("peak_dbfs", res.peak),
	)
	return res
}

func (v *PairValidator) measure(ctx context.Context, pair sdr.Pair, res *Result) error {
	cfg := v.cfg
	if err := v.dev.DestroyTx(ctx); err != nil && !errors.Is(err, sdr.ErrNoActiveTransmit) {
		return fmt.Errorf("release previous TX buffer: %w", err)
	}
	if err := v.Sleep(ctx, cfg.DestroySettle); err != nil {
		return err
	}

	txI, txQ, err := dsp.SubChannels(pair.TX)
	if err != nil {
		return fmt.Errorf("TX port: %w", err)
	}
	rxI, rxQ, err := dsp.SubChannels(pair.RX)
	if err != nil {
		return fmt.Errorf("RX port: %w", err)
	}
	if err := v.dev.SetEnabledChannels(sdr.TX, []int{txI, txQ}); err != nil {
		return fmt.Errorf("enable TX sub-channels: %w", err)
	}
	if err := v.dev.SetEnabledChannels(sdr.RX, []int{rxI, rxQ}); err != nil {
		return fmt.Errorf("enable RX sub-channels: %w", err)
	}
	res.txEnabled = v.dev.EnabledChannels(sdr.TX)
	res.rxEnabled = v.dev.EnabledChannels(sdr.RX)

	if err := v.dev.SetHardwareGain(ctx, sdr.TX, pair.TX, cfg.TXGain); err != nil {
		return fmt.Errorf("TX%d gain: %w", pair.TX, err)
	}
	if err := v.dev.SetHardwareGain(ctx, sdr.RX, pair.RX, cfg.RXGain); err != nil {
		return fmt.Errorf("RX%d gain: %w", pair.RX, err)
	}

	tone := dsp.Tone(cfg.ToneHz, float64(cfg.SampleRate), cfg.ToneAmplitude, cfg.BufferSize)
	i, q := dsp.Split(tone)
	if err := v.dev.Transmit(ctx, sdr.TxSplit{I: i, Q: q}, true); err != nil {
		return fmt.Errorf("start TX: %w", err)
	}
	if err := v.Sleep(ctx, cfg.TxSettle); err != nil {
		return err
	}

	rx, err := v.dev.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	payload := dsp.Resolve(rx.Array, rx.List)
	res.shape = payload.Shape()
	samples, err := payload.Samples()
	if err != nil {
		return err
	}

	res.RSSI = dsp.RSSI(dsp.Power(samples))
	res.HasRSSI = true
	res.samples = len(samples)
	res.peak = dsp.PeakDBFS(samples)
	if freq, _, ok := v.spectrum.Peak(samples, float64(cfg.SampleRate)); ok {
		res.toneHz, res.hasTone = freq, true
	}
	if hw, ok := v.dev.(hardwareRSSI); ok {
		if s, err := hw.HardwareRSSI(ctx, pair.RX); err == nil {
			res.hwRSSI = s
		} else {
			v.logger.Debug("hardware RSSI unavailable", logging.Err(err))
		}
	}
	return nil
}

func (v *PairValidator) stopTx(ctx context.Context, logger logging.Logger) {
	if err := v.dev.DestroyTx(ctx); err != nil && !errors.Is(err, sdr.ErrNoActiveTransmit) {
		logger.Debug("TX cleanup failed", logging.Err(err))
	}
}

// errorTrace lists the wrapped error chain, outermost first.
func errorTrace(err error) []string {
	var trace []string
	for err != nil {
		trace = append(trace, err.Error())
		err = errors.Unwrap(err)
	}
	return trace
}
