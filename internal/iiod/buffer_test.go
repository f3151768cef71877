package iiod_test

import (
	"bytes"
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/rjboer/sdrdiag/internal/iiod"
	"github.com/rjboer/sdrdiag/internal/iiod/iiodtest"
)

const tinyXML = `<?xml version="1.0" encoding="utf-8"?><context name="network"/>`

func newPipeClient(t *testing.T, srv *iiodtest.Server) *iiod.Client {
	t.Helper()
	c := iiod.NewClient(srv.Pipe())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPrintXML(t *testing.T) {
	srv := iiodtest.NewServer([]byte(tinyXML))
	c := newPipeClient(t, srv)
	got, err := c.PrintXML(context.Background())
	if err != nil {
		t.Fatalf("PrintXML: %v", err)
	}
	if string(got) != tinyXML {
		t.Fatalf("unexpected XML %q", got)
	}
}

func TestAttrRoundTrip(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	c := newPipeClient(t, srv)
	ctx := context.Background()
	lo := iiod.Attr{Device: "iio:device1", Channel: "altvoltage1", Output: true, Name: "frequency"}

	if err := c.WriteAttr(ctx, lo, "2400000000"); err != nil {
		t.Fatalf("WriteAttr: %v", err)
	}
	if v, ok := srv.Attr(lo.String()); !ok || v != "2400000000" {
		t.Fatalf("server stored %q (%v)", v, ok)
	}
	got, err := c.ReadAttr(ctx, lo)
	if err != nil {
		t.Fatalf("ReadAttr: %v", err)
	}
	if got != "2400000000" {
		t.Fatalf("ReadAttr = %q", got)
	}

	cmds := srv.Commands()
	if cmds[0] != "WRITE iio:device1 OUTPUT altvoltage1 frequency 10" {
		t.Fatalf("unexpected write command %q", cmds[0])
	}
	if cmds[1] != "READ iio:device1 OUTPUT altvoltage1 frequency" {
		t.Fatalf("unexpected read command %q", cmds[1])
	}
}

func TestReadMissingAttr(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	c := newPipeClient(t, srv)
	_, err := c.ReadAttr(context.Background(), iiod.Attr{Device: "iio:device1", Name: "nope"})
	if !errors.Is(err, syscall.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestWriteAttrRejected(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	srv.Fail["WRITE"] = -22
	c := newPipeClient(t, srv)
	ctx := context.Background()
	gain := iiod.Attr{Device: "iio:device1", Channel: "voltage0", Name: "hardwaregain"}
	if err := c.WriteAttr(ctx, gain, "10"); !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", err)
	}
	delete(srv.Fail, "WRITE")
	if err := c.WriteAttr(ctx, gain, "10"); err != nil {
		t.Fatalf("client should survive a rejected write: %v", err)
	}
}

func TestOpenBufferCommand(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	c := newPipeClient(t, srv)
	ctx := context.Background()

	if err := c.OpenBuffer(ctx, "iio:device2", 16384, "00000003", true); err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	if err := c.OpenBuffer(ctx, "iio:device3", 1024, "0000000f", false); err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	cmds := srv.Commands()
	if cmds[0] != "OPEN iio:device2 16384 00000003 CYCLIC" {
		t.Fatalf("unexpected command %q", cmds[0])
	}
	if cmds[1] != "OPEN iio:device3 1024 0000000f" {
		t.Fatalf("unexpected command %q", cmds[1])
	}
	if err := c.OpenBuffer(ctx, "iio:device3", 0, "0000000f", false); err == nil {
		t.Fatal("expected error for empty buffer")
	}
}

func TestReadBuffer(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	srv.ReadData = func(dev string, n int) []byte {
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(i)
		}
		return out
	}
	c := newPipeClient(t, srv)
	ctx := context.Background()

	if err := c.OpenBuffer(ctx, "iio:device3", 64, "00000003", false); err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	dst := make([]byte, 256)
	n, err := c.ReadBuffer(ctx, "iio:device3", dst)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if n != 256 || dst[255] != 255 || dst[1] != 1 {
		t.Fatalf("unexpected payload n=%d last=%d", n, dst[255])
	}
	if err := c.CloseBuffer(ctx, "iio:device3"); err != nil {
		t.Fatalf("CloseBuffer: %v", err)
	}
}

func TestReadBufferShortAndEmpty(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	calls := 0
	srv.ReadData = func(dev string, n int) []byte {
		calls++
		if calls > 1 {
			return nil
		}
		return []byte{1, 2, 3, 4}
	}
	c := newPipeClient(t, srv)
	ctx := context.Background()
	if err := c.OpenBuffer(ctx, "iio:device3", 4, "00000001", false); err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	dst := make([]byte, 16)
	n, err := c.ReadBuffer(ctx, "iio:device3", dst)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if n != 4 || !bytes.Equal(dst[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected short read n=%d %v", n, dst[:4])
	}
	n, err = c.ReadBuffer(ctx, "iio:device3", dst)
	if err != nil || n != 0 {
		t.Fatalf("expected clean end of data, got n=%d err=%v", n, err)
	}
}

func TestReadBufferWithoutOpen(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	c := newPipeClient(t, srv)
	_, err := c.ReadBuffer(context.Background(), "iio:device3", make([]byte, 8))
	if !errors.Is(err, syscall.EBADF) {
		t.Fatalf("expected EBADF, got %v", err)
	}
}

func TestWriteBuffer(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	c := newPipeClient(t, srv)
	ctx := context.Background()
	if err := c.OpenBuffer(ctx, "iio:device2", 2, "00000003", true); err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	payload := []byte{0x00, 0x40, 0x00, 0xc0, 0xff, 0x3f, 0x01, 0xc0}
	if err := c.WriteBuffer(ctx, "iio:device2", payload); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if got := srv.Written("iio:device2"); !bytes.Equal(got, payload) {
		t.Fatalf("server got %v", got)
	}
	if b, ok := srv.Open("iio:device2"); !ok || !b.Cyclic || b.Samples != 2 {
		t.Fatalf("unexpected buffer state %+v (%v)", b, ok)
	}
}

func TestDialLocalListener(t *testing.T) {
	srv := iiodtest.NewServer([]byte(tinyXML))
	addr, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	c, err := iiod.Dial(context.Background(), "ip:"+addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if c.Addr() != addr {
		t.Fatalf("Addr() = %q, want %q", c.Addr(), addr)
	}
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.Minor != 25 {
		t.Fatalf("unexpected version %v", v)
	}
}

func TestDialRefused(t *testing.T) {
	srv := iiodtest.NewServer(nil)
	addr, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv.Close()
	if _, err := iiod.Dial(context.Background(), addr); err == nil {
		t.Fatal("expected dial error after listener closed")
	}
}
