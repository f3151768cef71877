package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/sdrdiag/internal/cli"
	"github.com/rjboer/sdrdiag/internal/config"
	"github.com/rjboer/sdrdiag/internal/sdr"
)

var fastFlags = []string{"--backend", "mock", "--settle", "0s", "--destroy-settle", "0s", "--pause", "0s"}

func TestMockBackendAllPairsPass(t *testing.T) {
	var stdout, stderr bytes.Buffer
	metrics := filepath.Join(t.TempDir(), "pairs.prom")
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(append(fastFlags, "--metrics-file", metrics))

	if code := cli.Execute(cmd); code != 0 {
		t.Fatalf("exit code %d, stderr:\n%s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"Testing: TX1 → RX1", "Testing: TX2 → RX2", "All channels working (4/4 pairs passed)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	raw, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	if !strings.Contains(string(raw), "sdrdiag_pairs_failed 0") {
		t.Fatalf("unexpected metrics:\n%s", raw)
	}
}

func TestFailedPairExitsOne(t *testing.T) {
	cfg := config.Default()
	cfg.Pairs.TxSettle, cfg.Pairs.DestroySettle, cfg.Pairs.Pause = 0, 0, 0
	var stdout bytes.Buffer
	env, err := cli.Setup(cfg, &stdout, io.Discard)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	mock := sdr.NewMock()
	mock.RSSI[sdr.Pair{TX: 2, RX: 2}] = -95
	open := func(context.Context) (sdr.Transceiver, error) { return mock, nil }

	err = runPairs(context.Background(), env, &stdout, open)
	var exit *cli.ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if !strings.Contains(stdout.String(), "Failed pairs: [(2,2)]") {
		t.Fatalf("summary missing failed pair:\n%s", stdout.String())
	}
	if mock.Transmitting() {
		t.Fatal("transmitter left running")
	}
}

func TestConnectFailureIsFatal(t *testing.T) {
	env, err := cli.Setup(config.Default(), io.Discard, io.Discard)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	open := func(context.Context) (sdr.Transceiver, error) { return nil, errors.New("connection refused") }
	err = runPairs(context.Background(), env, io.Discard, open)
	var exit *cli.ExitError
	if !errors.As(err, &exit) || exit.Code != 1 || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	var stdout bytes.Buffer
	cmd := newRootCmd(&stdout, io.Discard)
	cmd.SetArgs([]string{"--print-config", "--tx-gain", "-12", "--pause", "1.5s", "--lo", "2450000000"})
	if code := cli.Execute(cmd); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	cfg, err := config.Load(writeTemp(t, stdout.String()))
	if err != nil {
		t.Fatalf("printed config does not load: %v", err)
	}
	if cfg.Pairs.TXGain != -12 || cfg.Pairs.Pause != 1500*time.Millisecond || cfg.Pairs.LO != 2_450_000_000 {
		t.Fatalf("flags not applied: %#v", cfg.Pairs)
	}
	if cfg.Pairs.RXGain != 10 {
		t.Fatalf("unset flag overrode rx gain: %v", cfg.Pairs.RXGain)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	var stderr bytes.Buffer
	cmd := newRootCmd(io.Discard, &stderr)
	cmd.SetArgs([]string{"--backend", "pluto"})
	if code := cli.Execute(cmd); code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown backend") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func writeTemp(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}
