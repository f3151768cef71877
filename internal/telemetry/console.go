package telemetry

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/sdrdiag/internal/logging"
)

const rule = "============================================================"

// progressEvery throttles progress lines on non-terminal writers.
const progressEvery = time.Second

// Console prints human readable reports. On a terminal the capture progress
// is rewritten in place; otherwise one line is printed per second of
// capture.
type Console struct {
	w      io.Writer
	logger logging.Logger
	tty    bool

	lastProgress time.Duration
	inPlace      bool
}

var _ Reporter = (*Console)(nil)

// NewConsole builds a console reporter writing to w.
func NewConsole(w io.Writer, logger logging.Logger) *Console {
	if logger == nil {
		logger = logging.Default()
	}
	return &Console{w: w, logger: logger, tty: IsTerminal(w), lastProgress: -progressEvery}
}

func (c *Console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.w, format, args...); err != nil {
		c.logger.Debug("console write failed", logging.F("subsystem", "telemetry"), logging.Err(err))
	}
}

func (c *Console) SDRInfo(rx, tx []string) {
	c.printf("\nSDR Info:\n")
	if len(rx) == 0 && len(tx) == 0 {
		c.printf("  (Channel info not available)\n")
		return
	}
	c.printf("  RX channels: %v\n", rx)
	c.printf("  TX channels: %v\n", tx)
}

func (c *Console) PairStarted(tx, rx int) {
	c.printf("\n%s\nTesting: TX%d → RX%d\n%s\n", rule, tx, rx, rule)
}

func (c *Console) PairFinished(r PairReport) {
	if len(r.TXEnabled) > 0 {
		c.printf("  TX%d enabled: channels %s\n", r.TX, indexList(r.TXEnabled))
	}
	if len(r.RXEnabled) > 0 {
		c.printf("  RX%d enabled: channels %s\n", r.RX, indexList(r.RXEnabled))
	}
	if r.Shape != "" {
		c.printf("  RX data shape: %s\n", r.Shape)
	}
	if r.Err != nil {
		c.printf("✗ Test failed: %v\n", r.Err)
		return
	}
	c.printf("✓ Signal received!\n")
	c.printf("  RSSI: %.1f dBFS\n", r.RSSI)
	c.printf("  Samples: %s\n", humanize.Comma(int64(r.Samples)))
	c.printf("  Peak: %.1f dBFS\n", r.PeakDBFS)
	if r.HasTone {
		c.printf("  Strongest tone: %s\n", humanize.SIWithDigits(r.ToneHz, 3, "Hz"))
	}
	if r.HardwareRSSI != "" {
		c.printf("  Hardware RSSI: %s\n", r.HardwareRSSI)
	}
	c.printf("  Status: %s\n", r.Band)
}

func (c *Console) PairSummary(results []PairReport) {
	c.printf("\n%s\nTEST SUMMARY\n%s\n", rule, rule)
	tw := tabwriter.NewWriter(c.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TX\tRX\tStatus\tRSSI (dBFS)")
	for _, r := range results {
		status := "✓ PASS"
		if !r.Passed {
			status = "✗ FAIL"
		}
		rssi := "N/A"
		if r.HasRSSI {
			rssi = fmt.Sprintf("%.1f", r.RSSI)
		}
		fmt.Fprintf(tw, "TX%d\tRX%d\t%s\t%s\n", r.TX, r.RX, status, rssi)
	}
	if err := tw.Flush(); err != nil {
		c.logger.Debug("console write failed", logging.F("subsystem", "telemetry"), logging.Err(err))
	}
	c.printf("%s\n", rule)

	failed := Failed(results)
	if len(failed) == 0 {
		c.printf("\n✓ All channels working (%d/%d pairs passed)\n", len(results), len(results))
		return
	}
	pairs := make([]string, len(failed))
	for i, r := range failed {
		pairs[i] = fmt.Sprintf("(%d,%d)", r.TX, r.RX)
	}
	c.printf("\n✗ Failed pairs: [%s]\n", strings.Join(pairs, " "))
}

func (c *Console) CaptureStarted(s CaptureStart) {
	c.printf("LibreSDR Sampling Test\n%s\n", rule)
	c.printf("URI: %s\n", s.URI)
	c.printf("Duration: %s\n", s.Duration)
	c.printf("Sample rate: %.1f MSPS\n\n", s.SampleRate/1e6)
	c.printf("Connecting to device...\n")
}

func (c *Console) CaptureConfigured(s CaptureSetup) {
	info := s.Info
	c.printf("✓ Connected: %s\n", info.Description)
	c.printf("  Hardware: %s\n", attrOr(info.Attrs, "hw_model"))
	c.printf("  Firmware: %s\n\n", attrOr(info.Attrs, "fw_version"))
	c.printf("Available IIO devices:\n")
	for _, d := range info.Devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		c.printf("  - %s: %d channels\n", name, d.Channels)
	}
	c.printf("\nUsing RX device: %s\n", s.Device)
	for _, w := range s.Warnings {
		c.printf("⚠ WARNING: %s\n", w)
	}
	if s.ActualRate > 0 {
		c.printf("✓ Sample rate set to: %.3f MSPS\n", s.ActualRate/1e6)
	}
	for _, ch := range s.Channels {
		c.printf("✓ Enabled channel: %s\n", ch)
	}
	c.printf("✓ Buffer created: %s samples\n\n", humanize.Comma(int64(s.BufferSize)))
	c.printf("Capturing...\n%s\n", strings.Repeat("-", len(rule)))
}

func (c *Console) CaptureProgress(p CaptureProgress) {
	rate := 0.0
	if p.Elapsed > 0 {
		rate = float64(p.Samples) / p.Elapsed.Seconds()
	}
	line := fmt.Sprintf("  Elapsed: %.1fs | Samples: %s | Rate: %.2f MSPS | Refills: %d | Range: [%d, %d]",
		p.Elapsed.Seconds(), humanize.Comma(p.Samples), rate/1e6, p.Refills, p.Min, p.Max)
	if c.tty {
		c.printf("\r%s   ", line)
		c.inPlace = true
		return
	}
	if p.Elapsed-c.lastProgress < progressEvery {
		return
	}
	c.lastProgress = p.Elapsed
	c.printf("%s\n", line)
}

func (c *Console) CaptureFinished(r CaptureResult) {
	if c.inPlace {
		c.printf("\n")
		c.inPlace = false
	}
	if r.Interrupted {
		c.printf("\nInterrupted by user\n")
	}
	if r.Hint != "" {
		c.printf("✗ ERROR: %s\n", r.Failure)
		c.printf("  Hint: Try increasing buffer size on device:\n  %s\n", r.Hint)
		c.tips(r)
		return
	}
	if r.Refills > 0 || r.Elapsed > 0 {
		c.printf("%s\n\nCapture Statistics:\n", strings.Repeat("-", len(rule)))
		c.printf("  Duration: %.3f seconds\n", r.Elapsed.Seconds())
		c.printf("  Total samples: %s\n", humanize.Comma(r.Samples))
		rate, perRefill := 0.0, 0.0
		if r.Elapsed > 0 {
			rate = float64(r.Samples) / r.Elapsed.Seconds()
		}
		if r.Refills > 0 {
			perRefill = float64(r.Samples) / float64(r.Refills)
		}
		c.printf("  Average rate: %.3f MSPS\n", rate/1e6)
		c.printf("  Buffer refills: %d\n", r.Refills)
		c.printf("  Samples per refill: %.0f\n", perRefill)
		c.printf("  Sample range: [%d, %d]\n", r.Min, r.Max)
	}

	c.printf("\nValidation:\n")
	for _, w := range r.Warnings {
		c.printf("  ⚠ WARNING: %s\n", w)
	}
	if r.Failure != "" {
		c.printf("  ✗ FAIL: %s\n", r.Failure)
		c.tips(r)
		return
	}
	c.printf("  ✓ PASS: Sample capture working correctly\n")
	c.printf("\n%s\n✓ SUCCESS: Device is capturing samples correctly!\n%s\n", rule, rule)
}

func (c *Console) tips(r CaptureResult) {
	host, uri, hint := r.Host, r.URI, r.Hint
	if host == "" {
		host = "192.168.2.1"
	}
	if uri == "" {
		uri = "ip:" + host
	}
	if hint == "" {
		hint = fmt.Sprintf("ssh root@%s 'echo 131072 > /sys/bus/iio/devices/iio:device3/buffer/length'", host)
	}
	c.printf("\nTroubleshooting tips:\n")
	c.printf("1. Check device connection: ping %s\n", host)
	c.printf("2. Verify IIO device: iio_info -u %s\n", uri)
	c.printf("3. Increase buffer size: %s\n", hint)
	c.printf("4. Check USB stability (disconnect/reconnect issues)\n")
}

func attrOr(attrs map[string]string, key string) string {
	if v, ok := attrs[key]; ok && v != "" {
		return v
	}
	return "Unknown"
}

func indexList(idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
