package telemetry

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records final results as Prometheus gauges so a bench rig can
// export them through the node-exporter textfile collector.
type Metrics struct {
	mu  sync.Mutex
	reg *prometheus.Registry
	now func() time.Time

	pairPassed      *prometheus.GaugeVec
	pairRSSI        *prometheus.GaugeVec
	pairsFailed     prometheus.Gauge
	captureSamples  prometheus.Gauge
	captureRefills  prometheus.Gauge
	captureRate     prometheus.Gauge
	captureRange    *prometheus.GaugeVec
	captureVerdict  *prometheus.GaugeVec
	captureWarnings prometheus.Gauge
	lastRun         *prometheus.GaugeVec
}

var _ Reporter = (*Metrics)(nil)

var verdicts = []string{"pass", "warn", "fail"}

// NewMetrics registers the sdrdiag gauges on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		now: time.Now,
		pairPassed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdrdiag_pair_passed",
			Help: "1 when the TX/RX pair received the test tone above the weak threshold.",
		}, []string{"tx", "rx"}),
		pairRSSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdrdiag_pair_rssi_dbfs",
			Help: "Received power of the test tone per TX/RX pair.",
		}, []string{"tx", "rx"}),
		pairsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdrdiag_pairs_failed",
			Help: "Number of failed TX/RX pairs in the last run.",
		}),
		captureSamples: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdrdiag_capture_samples",
			Help: "Samples captured over all enabled channels.",
		}),
		captureRefills: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdrdiag_capture_refills",
			Help: "Completed buffer refills.",
		}),
		captureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdrdiag_capture_rate_samples_per_second",
			Help: "Average capture rate over all enabled channels.",
		}),
		captureRange: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdrdiag_capture_sample_value",
			Help: "Extremes of the raw captured samples.",
		}, []string{"bound"}),
		captureVerdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdrdiag_capture_verdict",
			Help: "1 for the verdict of the last capture run.",
		}, []string{"verdict"}),
		captureWarnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sdrdiag_capture_warnings",
			Help: "Warnings raised by the last capture run.",
		}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sdrdiag_last_run_timestamp_seconds",
			Help: "Unix time the last run of each validator finished.",
		}, []string{"validator"}),
	}
	m.reg.MustRegister(m.pairPassed, m.pairRSSI, m.pairsFailed,
		m.captureSamples, m.captureRefills, m.captureRate, m.captureRange,
		m.captureVerdict, m.captureWarnings, m.lastRun)
	return m
}

// Registry exposes the underlying registry, e.g. for testutil.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WriteFile writes all gauges in text exposition format. The file is
// replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

func (m *Metrics) SDRInfo([]string, []string) {}
func (m *Metrics) PairStarted(int, int)       {}

func (m *Metrics) PairFinished(r PairReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, rx := strconv.Itoa(r.TX), strconv.Itoa(r.RX)
	passed := 0.0
	if r.Passed {
		passed = 1
	}
	m.pairPassed.WithLabelValues(tx, rx).Set(passed)
	if r.HasRSSI {
		m.pairRSSI.WithLabelValues(tx, rx).Set(r.RSSI)
	} else {
		m.pairRSSI.DeleteLabelValues(tx, rx)
	}
}

func (m *Metrics) PairSummary(results []PairReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairsFailed.Set(float64(len(Failed(results))))
	m.lastRun.WithLabelValues("pairs").Set(float64(m.now().Unix()))
}

func (m *Metrics) CaptureStarted(CaptureStart)     {}
func (m *Metrics) CaptureConfigured(CaptureSetup)  {}
func (m *Metrics) CaptureProgress(CaptureProgress) {}

func (m *Metrics) CaptureFinished(r CaptureResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureSamples.Set(float64(r.Samples))
	m.captureRefills.Set(float64(r.Refills))
	rate := 0.0
	if r.Elapsed > 0 {
		rate = float64(r.Samples) / r.Elapsed.Seconds()
	}
	m.captureRate.Set(rate)
	m.captureRange.WithLabelValues("min").Set(float64(r.Min))
	m.captureRange.WithLabelValues("max").Set(float64(r.Max))
	for _, v := range verdicts {
		val := 0.0
		if v == r.Status {
			val = 1
		}
		m.captureVerdict.WithLabelValues(v).Set(val)
	}
	m.captureWarnings.Set(float64(len(r.Warnings)))
	m.lastRun.WithLabelValues("capture").Set(float64(m.now().Unix()))
}
