package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/sdrdiag/internal/logging"
)

// DefaultPort is the TCP port IIOD listens on.
const DefaultPort = 30431

// DefaultTimeout bounds each protocol exchange on the socket.
const DefaultTimeout = 5 * time.Second

// ErrNotConnected is returned when the client has no usable connection,
// including after an exchange was interrupted half-way.
var ErrNotConnected = errors.New("iiod: not connected")

// Client speaks the IIOD text protocol over one TCP connection. Calls are
// serialized; the protocol has no request multiplexing.
type Client struct {
	mu      sync.Mutex
	addr    string
	conn    net.Conn
	r       *bufio.Reader
	broken  bool
	timeout time.Duration
	logger  logging.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout sets the per-exchange socket deadline. Zero disables it.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithLogger routes protocol traces to l at debug level.
func WithLogger(l logging.Logger) Option { return func(c *Client) { c.logger = l } }

var dialer = func(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to the IIOD instance named by uri ("ip:192.168.2.1",
// "192.168.2.1:30431", ...).
func Dial(ctx context.Context, uri string, opts ...Option) (*Client, error) {
	addr, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	conn, err := dialer(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", addr, err)
	}
	c := NewClient(conn, opts...)
	c.addr = addr
	c.logger.Debug("connected", logging.F("addr", addr))
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: DefaultTimeout,
		logger:  logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.F("subsystem", "iiod"))
	return c
}

// Addr returns the dialed host:port, empty for wrapped connections.
func (c *Client) Addr() string { return c.addr }

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// exchange runs fn with the connection locked, a fresh deadline armed and
// ctx cancellation wired to the socket. An interrupted exchange leaves the
// stream mid-message, so the client refuses further use.
func (c *Client) exchange(ctx context.Context, op string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.broken {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	stop := c.watch(ctx)
	err := fn()
	stop()

	if err == nil {
		return nil
	}
	var status *StatusError
	if errors.As(err, &status) {
		return err
	}
	c.broken = true
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	conn := c.conn
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (c *Client) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := c.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (c *Client) writeLine(cmd string) error {
	c.logger.Debug("command", logging.F("cmd", cmd))
	return c.writeAll([]byte(cmd + "\r\n"))
}

// readInteger reads one decimal status line. Stray bytes before the first
// digit are skipped, matching iiod_client_read_integer().
func (c *Client) readInteger() (int, error) {
	var buf []byte
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch {
		case b == '\n':
			if len(buf) > 0 {
				v, err := strconv.Atoi(string(buf))
				if err != nil {
					return 0, fmt.Errorf("parse integer %q: %w", string(buf), err)
				}
				return v, nil
			}
		case (b >= '0' && b <= '9') || (b == '-' && len(buf) == 0):
			buf = append(buf, b)
		}
	}
}

func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPayload reads n bytes followed by the trailing newline IIOD appends.
func (c *Client) readPayload(n int) ([]byte, error) {
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes: %w", n+1, err)
	}
	return buf[:n], nil
}

// command sends cmd and returns the non-negative status.
func (c *Client) command(op, cmd string) (int, error) {
	if err := c.writeLine(cmd); err != nil {
		return 0, err
	}
	v, err := c.readInteger()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return v, &StatusError{Op: op, Code: v}
	}
	return v, nil
}

// Version is the server library version reported by VERSION.
type Version struct {
	Major int
	Minor int
	Git   string
}

func (v Version) String() string { return fmt.Sprintf("%d.%d (%s)", v.Major, v.Minor, v.Git) }

// Version queries the daemon's library version.
func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.exchange(ctx, "VERSION", func() error {
		if err := c.writeLine("VERSION"); err != nil {
			return err
		}
		line, err := c.readLine()
		if err != nil {
			return err
		}
		v, err = parseVersion(line)
		return err
	})
	return v, err
}

func parseVersion(line string) (Version, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ".", 3)
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("malformed version %q", line)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("malformed version %q", line)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("malformed version %q", line)
	}
	v := Version{Major: major, Minor: minor}
	if len(parts) == 3 {
		v.Git = strings.TrimSpace(parts[2])
	}
	return v, nil
}

// SetServerTimeout sets the daemon-side I/O timeout in milliseconds.
func (c *Client) SetServerTimeout(ctx context.Context, ms int) error {
	if ms < 0 {
		return fmt.Errorf("timeout must be non-negative, got %d", ms)
	}
	return c.exchange(ctx, "TIMEOUT", func() error {
		_, err := c.command("TIMEOUT", fmt.Sprintf("TIMEOUT %d", ms))
		return err
	})
}

// PrintXML fetches the context description.
func (c *Client) PrintXML(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.exchange(ctx, "PRINT", func() error {
		n, err := c.command("PRINT", "PRINT")
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("PRINT returned an empty context")
		}
		out, err = c.readPayload(n)
		return err
	})
	return out, err
}
