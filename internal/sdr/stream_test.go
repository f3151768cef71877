package sdr

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/iiod/iiodtest"
)

func newTestStream(t *testing.T) (*IIOStream, *iiodtest.Server) {
	t.Helper()
	srv := iiodtest.NewServer(boardXML(t))
	st, err := NewStream(context.Background(), iiod.NewClient(srv.Pipe()), Options{})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, srv
}

func TestStreamLookup(t *testing.T) {
	st, _ := newTestStream(t)
	if !st.HasDevice("cf-ad9361-lpc") || !st.HasDevice("iio:device1") {
		t.Fatal("expected devices by name and id")
	}
	if st.HasDevice("ad9364-phy") {
		t.Fatal("unexpected device")
	}
	if err := st.EnableChannel("cf-ad9361-lpc", "voltage9"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
	if err := st.EnableChannel("ad9361-phy", "voltage0"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("PHY channels are not scan elements, got %v", err)
	}
}

func TestStreamSampleRateReadBack(t *testing.T) {
	st, srv := newTestStream(t)
	srv.OnWrite = func(key, value string) string {
		if key == "iio:device1/in_voltage0/sampling_frequency" {
			return "2083333"
		}
		return value
	}
	ctx := context.Background()
	if err := st.WriteChannelAttr(ctx, "ad9361-phy", "voltage0", false, "sampling_frequency", "2000000"); err != nil {
		t.Fatalf("WriteChannelAttr: %v", err)
	}
	got, err := st.ReadChannelAttr(ctx, "ad9361-phy", "voltage0", false, "sampling_frequency")
	if err != nil {
		t.Fatalf("ReadChannelAttr: %v", err)
	}
	if got != "2083333" {
		t.Fatalf("read back %q", got)
	}
}

func TestStreamRefill(t *testing.T) {
	st, srv := newTestStream(t)
	ctx := context.Background()
	refill := 0
	srv.ReadData = func(dev string, n int) []byte {
		refill++
		out := make([]byte, n)
		for k := 0; k+4 <= n; k += 4 {
			binary.LittleEndian.PutUint16(out[k:], uint16(int16(refill)))
			binary.LittleEndian.PutUint16(out[k+2:], uint16(int16(-refill)))
		}
		return out
	}

	for _, ch := range []string{"voltage1", "voltage0", "voltage0"} {
		if err := st.EnableChannel("cf-ad9361-lpc", ch); err != nil {
			t.Fatalf("EnableChannel(%s): %v", ch, err)
		}
	}
	buf, err := st.CreateBuffer(ctx, "cf-ad9361-lpc", 16)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if open, ok := srv.Open("iio:device3"); !ok || open.Mask != "00000003" || open.Samples != 16 {
		t.Fatalf("unexpected buffer %+v (%v)", open, ok)
	}
	if got := buf.Channels(); len(got) != 2 || got[0] != "voltage0" {
		t.Fatalf("channels should follow scan order, got %v", got)
	}
	if _, err := buf.Read("voltage0"); err == nil {
		t.Fatal("expected error before the first refill")
	}

	for want := 1; want <= 2; want++ {
		if err := buf.Refill(ctx); err != nil {
			t.Fatalf("Refill: %v", err)
		}
		i, _ := buf.Read("voltage0")
		q, _ := buf.Read("voltage1")
		if len(i) != 16 || i[0] != int16(want) || q[15] != int16(-want) {
			t.Fatalf("refill %d: unexpected samples i=%v q=%v", want, i[:2], q[14:])
		}
	}

	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := srv.Open("iio:device3"); ok {
		t.Fatal("buffer should be released")
	}
	if err := buf.Refill(ctx); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestStreamCreateWithoutChannels(t *testing.T) {
	st, _ := newTestStream(t)
	if _, err := st.CreateBuffer(context.Background(), "cf-ad9361-lpc", 16); err == nil {
		t.Fatal("expected error with no channels enabled")
	}
}

func TestStreamCreateRejected(t *testing.T) {
	st, srv := newTestStream(t)
	srv.Fail["OPEN"] = -12
	if err := st.EnableChannel("cf-ad9361-lpc", "voltage0"); err != nil {
		t.Fatalf("EnableChannel: %v", err)
	}
	if _, err := st.CreateBuffer(context.Background(), "cf-ad9361-lpc", 1<<20); err == nil {
		t.Fatal("expected allocation failure")
	}
}
