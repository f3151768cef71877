package iiod

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"
)

// scriptedServer answers each received line with the next canned reply.
func scriptedServer(t *testing.T, replies ...string) (*Client, <-chan string) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	lines := make(chan string, len(replies)+1)
	go func() {
		defer serverConn.Close()
		r := bufio.NewReader(serverConn)
		for _, reply := range replies {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
			if _, err := serverConn.Write([]byte(reply)); err != nil {
				return
			}
		}
		// Hold the connection open until the client hangs up.
		_, _ = r.ReadByte()
	}()
	c := NewClient(clientConn, WithTimeout(2*time.Second))
	t.Cleanup(func() { c.Close() })
	return c, lines
}

func TestReadIntegerSkipsNoise(t *testing.T) {
	c, _ := scriptedServer(t, "\x00 junk 42\n")
	if err := c.writeLine("TIMEOUT 10"); err != nil {
		t.Fatalf("writeLine: %v", err)
	}
	v, err := c.readInteger()
	if err != nil {
		t.Fatalf("readInteger: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestCommandLineTermination(t *testing.T) {
	c, lines := scriptedServer(t, "0\n")
	if err := c.SetServerTimeout(context.Background(), 1500); err != nil {
		t.Fatalf("SetServerTimeout: %v", err)
	}
	if got := <-lines; got != "TIMEOUT 1500" {
		t.Fatalf("unexpected command %q", got)
	}
}

func TestNegativeStatusKeepsClientUsable(t *testing.T) {
	c, _ := scriptedServer(t, "-22\n", "0\n")
	err := c.SetServerTimeout(context.Background(), 1)
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("expected EINVAL match, got %v", err)
	}
	if err := c.SetServerTimeout(context.Background(), 1); err != nil {
		t.Fatalf("client should survive a status error: %v", err)
	}
}

func TestVersion(t *testing.T) {
	c, _ := scriptedServer(t, "0.25.b6028fd\n")
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.Major != 0 || v.Minor != 25 || v.Git != "b6028fd" {
		t.Fatalf("unexpected version %+v", v)
	}
}

func TestParseVersionRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "1", "x.2.g"} {
		if _, err := parseVersion(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestShortPayloadBreaksClient(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	go func() {
		r := bufio.NewReader(serverConn)
		_, _ = r.ReadString('\n')
		_, _ = serverConn.Write([]byte("10\nabc"))
		serverConn.Close()
	}()
	c := NewClient(clientConn)
	defer c.Close()

	_, err := c.ReadAttr(context.Background(), Attr{Device: "iio:device1", Name: "calib_mode"})
	if err == nil || !strings.Contains(err.Error(), "failed to read 11 bytes") {
		t.Fatalf("expected short read error, got %v", err)
	}
	if _, err := c.Version(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after broken exchange, got %v", err)
	}
}

func TestContextCancelUnblocksRead(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	go func() {
		// Swallow the command and never answer.
		r := bufio.NewReader(serverConn)
		for {
			if _, err := r.ReadByte(); err != nil {
				return
			}
		}
	}()
	c := NewClient(clientConn, WithTimeout(0))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Version(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Version did not return after cancel")
	}
	if err := c.SetServerTimeout(context.Background(), 1); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCanceledContextSendsNothing(t *testing.T) {
	c, lines := scriptedServer(t, "0\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SetServerTimeout(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case l := <-lines:
		t.Fatalf("unexpected command %q", l)
	default:
	}
	if err := c.SetServerTimeout(context.Background(), 1); err != nil {
		t.Fatalf("client should still work: %v", err)
	}
}

func TestClosedClient(t *testing.T) {
	c, _ := scriptedServer(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.PrintXML(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAttrString(t *testing.T) {
	cases := []struct {
		attr Attr
		want string
	}{
		{Attr{Device: "iio:device1", Name: "calib_mode"}, "iio:device1/calib_mode"},
		{Attr{Device: "iio:device1", Channel: "voltage0", Name: "hardwaregain"}, "iio:device1/in_voltage0/hardwaregain"},
		{Attr{Device: "iio:device1", Channel: "altvoltage1", Output: true, Name: "frequency"}, "iio:device1/out_altvoltage1/frequency"},
	}
	for _, tc := range cases {
		if got := tc.attr.String(); got != tc.want {
			t.Fatalf("String() = %q, want %q", got, tc.want)
		}
	}
	if _, err := (Attr{Device: "iio:device1"}).target(); err == nil {
		t.Fatal("expected error for missing attribute name")
	}
}

func TestParseURI(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ip:192.168.2.1", want: "192.168.2.1:30431"},
		{in: "192.168.2.1", want: "192.168.2.1:30431"},
		{in: "ip:pluto.local:1234", want: "pluto.local:1234"},
		{in: " ip:10.0.0.5 ", want: "10.0.0.5:30431"},
		{in: "ip:::1", want: "[::1]:30431"},
		{in: "ip:[fe80::1]:30431", want: "[fe80::1]:30431"},
		{in: "", wantErr: true},
		{in: "ip:", wantErr: true},
		{in: "usb:1.2.5", wantErr: true},
		{in: "local:", wantErr: true},
		{in: "ip:host:0", wantErr: true},
		{in: "ip:host:99999", wantErr: true},
		{in: "ip::30431", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseURI(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseURI(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseURI(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseURI(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
