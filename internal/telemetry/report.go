package telemetry

import (
	"time"

	"github.com/rjboer/sdrdiag/internal/sdr"
)

// PairReport is the outcome of one TX port / RX port test.
type PairReport struct {
	TX     int
	RX     int
	Passed bool
	// RSSI is only meaningful when HasRSSI is set.
	RSSI    float64
	HasRSSI bool
	Band    string

	TXEnabled []int
	RXEnabled []int
	Shape     string
	Samples   int
	PeakDBFS  float64
	// ToneHz is the strongest spectral line, valid when HasTone is set.
	ToneHz       float64
	HasTone      bool
	HardwareRSSI string
	Err          error
}

// CaptureStart describes the capture run before any device I/O.
type CaptureStart struct {
	URI        string
	Duration   time.Duration
	SampleRate float64
}

// CaptureSetup is reported once the capture device is configured.
type CaptureSetup struct {
	Info       sdr.ContextInfo
	Device     string
	Channels   []string
	BufferSize int
	// ActualRate is the read-back sample rate, 0 when unknown.
	ActualRate float64
	Warnings   []string
}

// CaptureProgress is emitted after every refill.
type CaptureProgress struct {
	Elapsed time.Duration
	Samples int64
	Refills int64
	Min     int16
	Max     int16
}

// CaptureResult is the final capture summary.
type CaptureResult struct {
	Elapsed     time.Duration
	Samples     int64
	Refills     int64
	Min         int16
	Max         int16
	Expected    float64
	Interrupted bool
	Status      string
	Warnings    []string
	Failure     string
	// URI and Host name the board under test in troubleshooting output.
	URI  string
	Host string
	// Hint is a remediation command for allocation failures.
	Hint string
}

// PairReporter receives channel pair events in evaluation order.
type PairReporter interface {
	SDRInfo(rx, tx []string)
	PairStarted(tx, rx int)
	PairFinished(r PairReport)
	PairSummary(results []PairReport)
}

// CaptureReporter receives streaming capture events.
type CaptureReporter interface {
	CaptureStarted(s CaptureStart)
	CaptureConfigured(s CaptureSetup)
	CaptureProgress(p CaptureProgress)
	CaptureFinished(r CaptureResult)
}

// Reporter is implemented by every sink in this package.
type Reporter interface {
	PairReporter
	CaptureReporter
}

// Multi fans every event out to each reporter in order.
type Multi []Reporter

var _ Reporter = Multi(nil)

func (m Multi) SDRInfo(rx, tx []string) {
	for _, r := range m {
		r.SDRInfo(rx, tx)
	}
}

func (m Multi) PairStarted(tx, rx int) {
	for _, r := range m {
		r.PairStarted(tx, rx)
	}
}

func (m Multi) PairFinished(rep PairReport) {
	for _, r := range m {
		r.PairFinished(rep)
	}
}

func (m Multi) PairSummary(results []PairReport) {
	for _, r := range m {
		r.PairSummary(results)
	}
}

func (m Multi) CaptureStarted(s CaptureStart) {
	for _, r := range m {
		r.CaptureStarted(s)
	}
}

func (m Multi) CaptureConfigured(s CaptureSetup) {
	for _, r := range m {
		r.CaptureConfigured(s)
	}
}

func (m Multi) CaptureProgress(p CaptureProgress) {
	for _, r := range m {
		r.CaptureProgress(p)
	}
}

func (m Multi) CaptureFinished(res CaptureResult) {
	for _, r := range m {
		r.CaptureFinished(res)
	}
}

// Failed returns the pairs that did not pass, in evaluation order.
func Failed(results []PairReport) []PairReport {
	var out []PairReport
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Nop discards every event.
type Nop struct{}

var _ Reporter = Nop{}

func (Nop) SDRInfo([]string, []string)      {}
func (Nop) PairStarted(int, int)            {}
func (Nop) PairFinished(PairReport)         {}
func (Nop) PairSummary([]PairReport)        {}
func (Nop) CaptureStarted(CaptureStart)     {}
func (Nop) CaptureConfigured(CaptureSetup)  {}
func (Nop) CaptureProgress(CaptureProgress) {}
func (Nop) CaptureFinished(CaptureResult)   {}
