package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/sdrdiag/internal/logging"
	"github.com/rjboer/sdrdiag/internal/sdr"
	"github.com/rjboer/sdrdiag/internal/telemetry"
)

type captureRecorder struct {
	telemetry.Nop
	setup    *telemetry.CaptureSetup
	progress []telemetry.CaptureProgress
	result   *telemetry.CaptureResult
}

func (r *captureRecorder) CaptureConfigured(s telemetry.CaptureSetup) { r.setup = &s }
func (r *captureRecorder) CaptureProgress(p telemetry.CaptureProgress) {
	r.progress = append(r.progress, p)
}
func (r *captureRecorder) CaptureFinished(res telemetry.CaptureResult) { r.result = &res }

// newTestCapture wires a validator to st with a clock that advances step
// per refill.
func newTestCapture(t *testing.T, st *sdr.MockStream, cfg CaptureConfig, step time.Duration) (*CaptureValidator, *captureRecorder) {
	t.Helper()
	rec := &captureRecorder{}
	open := func(context.Context, string) (sdr.StreamContext, error) { return st, nil }
	v := NewCaptureValidator(open, rec, logging.New(logging.Debug, logging.Text, io.Discard), cfg)
	now := time.Unix(1700000000, 0)
	v.Now = func() time.Time { return now }
	prev := st.OnRefill
	st.OnRefill = func(n int) {
		now = now.Add(step)
		if prev != nil {
			prev(n)
		}
	}
	return v, rec
}

func testCaptureConfig() CaptureConfig {
	cfg := DefaultCaptureConfig()
	cfg.Duration = time.Second
	cfg.BufferSize = 1000
	return cfg
}

func TestCaptureConstantSignalFails(t *testing.T) {
	st := sdr.NewMockStream()
	st.Frame = func(_ int, _ string, n int) []int16 { return make([]int16, n) }
	v, rec := newTestCapture(t, st, testCaptureConfig(), 100*time.Millisecond)

	verdict, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if verdict.Passed() || verdict.Status != StatusFail {
		t.Fatalf("expected failure, got %+v", verdict)
	}
	if !strings.Contains(verdict.Failure, "same value (0)") {
		t.Fatalf("unexpected failure %q", verdict.Failure)
	}
	if verdict.Stats.Refills != 10 || verdict.Stats.Samples != 20000 {
		t.Fatalf("unexpected stats %+v", verdict.Stats)
	}
	if st.OpenBuffers() != 0 {
		t.Fatal("buffer must be released")
	}
	if rec.result == nil || rec.result.Status != "fail" {
		t.Fatalf("final report missing or wrong: %+v", rec.result)
	}
}

func TestCaptureFewSamplesStillPasses(t *testing.T) {
	st := sdr.NewMockStream()
	cfg := testCaptureConfig()
	// Expected is 100000 * 1 s / 2 channels = 50000; 10 refills deliver 20000.
	cfg.SampleRate = 100_000
	v, rec := newTestCapture(t, st, cfg, 100*time.Millisecond)

	verdict, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !verdict.Passed() || verdict.Status != StatusWarn {
		t.Fatalf("expected pass with a warning, got %+v", verdict)
	}
	if verdict.Expected != 50000 || verdict.Stats.Samples != 20000 {
		t.Fatalf("expected %.0f / actual %d", verdict.Expected, verdict.Stats.Samples)
	}
	if len(verdict.Warnings) != 1 || !strings.Contains(verdict.Warnings[0], "fewer samples") {
		t.Fatalf("unexpected warnings %q", verdict.Warnings)
	}
	if len(rec.progress) != 10 || rec.progress[9].Elapsed != time.Second {
		t.Fatalf("unexpected progress %+v", rec.progress)
	}
	if got := st.Attrs["ad9361-phy/voltage0/sampling_frequency"]; got != "100000" {
		t.Fatalf("sample rate written as %q", got)
	}
	if rec.setup == nil || rec.setup.ActualRate != 100_000 || len(rec.setup.Channels) != 2 {
		t.Fatalf("unexpected setup report %+v", rec.setup)
	}
}

func TestCaptureStatsMonotonic(t *testing.T) {
	var s Stats
	batches := [][]int16{{5}, {3, 7}, {}, {6}, {-2, 100}, {0}}
	prev := s
	for i, b := range batches {
		s.Observe(b)
		if s.Samples < prev.Samples {
			t.Fatalf("batch %d: samples decreased", i)
		}
		if i > 0 && (s.Min > prev.Min || s.Max < prev.Max) {
			t.Fatalf("batch %d: range shrank from [%d,%d] to [%d,%d]", i, prev.Min, prev.Max, s.Min, s.Max)
		}
		prev = s
	}
	if s.Samples != 7 || s.Min != -2 || s.Max != 100 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestEvaluateChecks(t *testing.T) {
	tests := []struct {
		name     string
		stats    Stats
		status   Status
		warnings int
	}{
		{"no samples", Stats{}, StatusFail, 0},
		{"exactly half expected", Stats{Samples: 500, Min: -100, Max: 100}, StatusPass, 0},
		{"just under half", Stats{Samples: 499, Min: -100, Max: 100}, StatusWarn, 1},
		{"constant signal", Stats{Samples: 1000, Min: 5, Max: 5}, StatusFail, 0},
		{"constant and short", Stats{Samples: 10, Min: 0, Max: 0}, StatusFail, 1},
		{"low amplitude", Stats{Samples: 1000, Min: -9, Max: 9}, StatusWarn, 1},
		{"amplitude at threshold", Stats{Samples: 1000, Min: -10, Max: 9}, StatusPass, 0},
		{"full scale", Stats{Samples: 1000, Min: -32768, Max: 32767}, StatusPass, 0},
	}
	for _, tt := range tests {
		v := Evaluate(tt.stats, 1000, time.Second, 1)
		if v.Status != tt.status || len(v.Warnings) != tt.warnings {
			t.Fatalf("%s: status %v with warnings %q, want %v with %d", tt.name, v.Status, v.Warnings, tt.status, tt.warnings)
		}
	}
}

func TestCaptureInterrupt(t *testing.T) {
	st := sdr.NewMockStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.OnRefill = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	v, rec := newTestCapture(t, st, testCaptureConfig(), 100*time.Millisecond)

	verdict, err := v.Run(ctx)
	if err != nil {
		t.Fatalf("interrupt is not an error: %v", err)
	}
	if !verdict.Interrupted || verdict.Stats.Refills != 3 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if verdict.Elapsed != 300*time.Millisecond {
		t.Fatalf("elapsed %v", verdict.Elapsed)
	}
	if !rec.result.Interrupted || st.OpenBuffers() != 0 {
		t.Fatalf("report %+v, open buffers %d", rec.result, st.OpenBuffers())
	}
}

func TestCaptureRefillErrorIsFatal(t *testing.T) {
	st := sdr.NewMockStream()
	st.FailRefill = 2
	st.RefillErr = errors.New("timed out")
	v, rec := newTestCapture(t, st, testCaptureConfig(), 100*time.Millisecond)

	verdict, err := v.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected refill error, got %v", err)
	}
	if verdict.Status != StatusFail || verdict.Stats.Refills != 1 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if st.OpenBuffers() != 0 || rec.result.Status != "fail" {
		t.Fatalf("buffer open=%d report=%+v", st.OpenBuffers(), rec.result)
	}
}

func TestCaptureMissingDevice(t *testing.T) {
	st := sdr.NewMockStream()
	delete(st.Channels, "cf-ad9361-lpc")
	v, _ := newTestCapture(t, st, testCaptureConfig(), time.Millisecond)
	verdict, err := v.Run(context.Background())
	if !errors.Is(err, sdr.ErrDeviceNotFound) || verdict.Passed() {
		t.Fatalf("expected ErrDeviceNotFound, got %v (%+v)", err, verdict)
	}
}

func TestCaptureConnectFailure(t *testing.T) {
	boom := errors.New("connection refused")
	open := func(context.Context, string) (sdr.StreamContext, error) { return nil, boom }
	rec := &captureRecorder{}
	v := NewCaptureValidator(open, rec, nil, testCaptureConfig())
	if _, err := v.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if rec.result == nil || !strings.Contains(rec.result.Failure, "connection refused") {
		t.Fatalf("unexpected report %+v", rec.result)
	}
}

func TestCaptureBufferFailureHint(t *testing.T) {
	st := sdr.NewMockStream()
	st.FailCreate = errors.New("cannot allocate memory")
	cfg := testCaptureConfig()
	cfg.URI = "ip:10.0.0.7"
	v, rec := newTestCapture(t, st, cfg, time.Millisecond)

	verdict, err := v.Run(context.Background())
	if err == nil {
		t.Fatal("expected allocation error")
	}
	want := "ssh root@10.0.0.7 'echo 131072 > /sys/bus/iio/devices/iio:device3/buffer/length'"
	if verdict.Hint != want || rec.result.Hint != want {
		t.Fatalf("hint %q, want %q", verdict.Hint, want)
	}
	if rec.result.Host != "10.0.0.7" || rec.result.URI != "ip:10.0.0.7" {
		t.Fatalf("report names %q / %q, want the board under test", rec.result.Host, rec.result.URI)
	}
}

func TestCaptureSampleRateWarnings(t *testing.T) {
	st := sdr.NewMockStream()
	st.OnWrite = func(key, value string) string {
		if strings.HasSuffix(key, "sampling_frequency") {
			return "2083333"
		}
		return value
	}
	v, rec := newTestCapture(t, st, testCaptureConfig(), 100*time.Millisecond)
	if _, err := v.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.setup.ActualRate != 2083333 || len(rec.setup.Warnings) != 1 {
		t.Fatalf("unexpected setup %+v", rec.setup)
	}

	st = sdr.NewMockStream()
	delete(st.Channels, "ad9361-phy")
	v, rec = newTestCapture(t, st, testCaptureConfig(), 100*time.Millisecond)
	verdict, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run without PHY: %v", err)
	}
	if rec.setup.ActualRate != 0 || len(rec.setup.Warnings) != 1 || !strings.Contains(rec.setup.Warnings[0], "ad9361-phy not found") {
		t.Fatalf("unexpected setup %+v", rec.setup)
	}
	if verdict.Status == StatusFail {
		t.Fatalf("missing PHY must not fail the run: %+v", verdict)
	}
}

func TestCaptureNoChannelsEnabled(t *testing.T) {
	st := sdr.NewMockStream()
	cfg := testCaptureConfig()
	cfg.Channels = []string{"voltage8", "voltage9"}
	v, _ := newTestCapture(t, st, cfg, time.Millisecond)
	verdict, err := v.Run(context.Background())
	if err == nil || verdict.Passed() {
		t.Fatalf("expected failure, got %v (%+v)", err, verdict)
	}
	if len(verdict.Warnings) != 2 || st.OpenBuffers() != 0 {
		t.Fatalf("warnings %q, open buffers %d", verdict.Warnings, st.OpenBuffers())
	}
}
