package iioxml

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func examplePath(name string) string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "testdata", name)
}

func loadContext(t *testing.T) *Context {
	t.Helper()

	raw, err := os.ReadFile(examplePath("ad9361.xml"))
	if err != nil {
		t.Fatalf("failed to read example XML: %v", err)
	}
	ctx, err := Parse(raw)
	if err != nil {
		t.Fatalf("expected XML to parse, got error: %v", err)
	}
	return ctx
}

func TestParseBuildsLookups(t *testing.T) {
	ctx := loadContext(t)

	if ctx.VersionMajor != "0" || ctx.VersionMinor != "25" {
		t.Fatalf("unexpected version %s.%s", ctx.VersionMajor, ctx.VersionMinor)
	}
	if len(ctx.Devices) != 4 {
		t.Fatalf("expected 4 devices, got %d", len(ctx.Devices))
	}
	if model, ok := ctx.Attr("hw_model"); !ok || model != "LibreSDR Rev.5 (Z7020-AD9361)" {
		t.Fatalf("unexpected hw_model %q (%v)", model, ok)
	}
	if _, ok := ctx.Attr("missing"); ok {
		t.Fatalf("missing attribute reported present")
	}

	byName, err := ctx.Device("ad9361-phy")
	if err != nil {
		t.Fatalf("lookup by name failed: %v", err)
	}
	byID, err := ctx.Device("iio:device1")
	if err != nil {
		t.Fatalf("lookup by id failed: %v", err)
	}
	if byName != byID {
		t.Fatalf("lookup by name and id should reference the same entry")
	}
	if _, err := ctx.Device("ad9364-phy"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindDeviceBySubstring(t *testing.T) {
	ctx := loadContext(t)

	tx, ok := ctx.FindDevice("cf-ad9361-dds")
	if !ok || tx.ID != "iio:device2" {
		t.Fatalf("expected dds core on iio:device2, got %+v (%v)", tx, ok)
	}
	if _, ok := ctx.FindDevice("adrv9009"); ok {
		t.Fatalf("unexpected match")
	}
}

func TestChannelDirectionMatters(t *testing.T) {
	ctx := loadContext(t)
	phy, _ := ctx.Device("ad9361-phy")

	in, err := phy.Channel("voltage0", false)
	if err != nil || in.IsOutput() {
		t.Fatalf("expected input voltage0, got %+v (%v)", in, err)
	}
	out, err := phy.Channel("voltage0", true)
	if err != nil || !out.IsOutput() {
		t.Fatalf("expected output voltage0, got %+v (%v)", out, err)
	}
	if !in.HasAttr("gain_control_mode") || out.HasAttr("gain_control_mode") {
		t.Fatalf("gain_control_mode should exist on the input channel only")
	}
	lo, err := phy.Channel("RX_LO", true)
	if err != nil || lo.ID != "altvoltage1" {
		t.Fatalf("expected RX_LO by name, got %+v (%v)", lo, err)
	}
}

func TestScanChannelsOrderedByIndex(t *testing.T) {
	ctx := loadContext(t)
	rx, _ := ctx.Device("cf-ad9361-lpc")

	chans := rx.ScanChannels()
	if len(chans) != 4 {
		t.Fatalf("expected 4 scan channels, got %d", len(chans))
	}
	for i, ch := range chans {
		if ch.Format.Index != i {
			t.Fatalf("channel %d has scan index %d", i, ch.Format.Index)
		}
		if !ch.Format.IsSigned || ch.Format.Bits != 12 || ch.Format.Length != 16 {
			t.Fatalf("unexpected format %+v", ch.Format)
		}
	}

	tx, _ := ctx.Device("cf-ad9361-dds-core-lpc")
	if got := len(tx.ScanChannels()); got != 4 {
		t.Fatalf("expected DDS altvoltage channels to be excluded, got %d scan channels", got)
	}
}

func TestParseScanFormat(t *testing.T) {
	cases := []struct {
		in   string
		want ScanFormat
	}{
		{"le:S12/16>>0", ScanFormat{IsSigned: true, Bits: 12, Length: 16, Repeat: 1}},
		{"be:u8/8>>4", ScanFormat{IsBE: true, Bits: 8, Length: 8, Repeat: 1, Shift: 4}},
		{"le:s16/16X2>>0", ScanFormat{IsSigned: true, Bits: 16, Length: 16, Repeat: 2}},
	}
	for _, tc := range cases {
		got, err := ParseScanFormat(tc.in)
		if err != nil {
			t.Fatalf("ParseScanFormat(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseScanFormat(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "le", "me:S12/16>>0", "le:X12/16>>0", "le:S12-16>>0", "le:S12/16", "le:S20/16>>0", "le:S12/12>>0"} {
		if _, err := ParseScanFormat(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseRejectsEmptyAndGarbage(t *testing.T) {
	if _, err := Parse([]byte("  \n")); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := Parse([]byte("<context><device")); err == nil {
		t.Fatalf("expected error for truncated XML")
	}
}
