package sdr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach the board's shell for sysfs writes.
type SSHConfig struct {
	Host      string
	User      string
	Password  string
	KeyPath   string
	Port      int
	SysfsRoot string
	// KnownHosts verifies the host key when set; otherwise any key is
	// accepted, which is the norm for bench boards with volatile keys.
	KnownHosts string
	Timeout    time.Duration
}

// SysfsWriter writes IIO sysfs attributes over SSH. IIOD cannot change the
// kernel buffer length of a device, so the capture remediation goes here.
type SysfsWriter struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSysfsWriter validates cfg and fills defaults.
func NewSysfsWriter(cfg SSHConfig) (*SysfsWriter, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/bus/iio/devices"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &SysfsWriter{cfg: cfg, dial: d.DialContext}, nil
}

// BufferLengthPath is the sysfs file holding a device's buffer length.
func (w *SysfsWriter) BufferLengthPath(device string) string {
	return path.Join(w.cfg.SysfsRoot, device, "buffer", "length")
}

// BufferLengthCommand is the shell command that sets the buffer length.
func (w *SysfsWriter) BufferLengthCommand(device string, samples int) string {
	return fmt.Sprintf("echo %d > %s", samples, w.BufferLengthPath(device))
}

// Hint is the command an operator can paste to apply the length by hand.
func (w *SysfsWriter) Hint(device string, samples int) string {
	return fmt.Sprintf("ssh %s@%s '%s'", w.cfg.User, w.cfg.Host, w.BufferLengthCommand(device, samples))
}

// SetBufferLength writes samples to the device's buffer/length and reads
// it back.
func (w *SysfsWriter) SetBufferLength(ctx context.Context, device string, samples int) (int, error) {
	if samples <= 0 {
		return 0, fmt.Errorf("buffer length must be positive, got %d", samples)
	}
	target := w.BufferLengthPath(device)
	if _, err := w.run(ctx, fmt.Sprintf("printf %s > %s", shellQuote(strconv.Itoa(samples)), shellQuote(target))); err != nil {
		return 0, fmt.Errorf("write %s: %w", target, err)
	}
	out, err := w.run(ctx, "cat "+shellQuote(target))
	if err != nil {
		return 0, fmt.Errorf("read back %s: %w", target, err)
	}
	got, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", target, err)
	}
	return got, nil
}

func (w *SysfsWriter) run(ctx context.Context, cmd string) (string, error) {
	client, err := w.connect(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return "", fmt.Errorf("%s: %w (%s)", cmd, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (w *SysfsWriter) connect(ctx context.Context) (*ssh.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.client != nil {
		return w.client, nil
	}

	auth := []ssh.AuthMethod{}
	if w.cfg.Password != "" {
		auth = append(auth, ssh.Password(w.cfg.Password))
	}
	if w.cfg.KeyPath != "" {
		key, err := os.ReadFile(w.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh password or key configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if w.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(w.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}

	config := &ssh.ClientConfig{
		User:            w.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         w.cfg.Timeout,
	}

	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	conn, err := w.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	// Bound the handshake; ClientConfig.Timeout only covers ssh.Dial.
	deadline := time.Now().Add(w.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	w.client = ssh.NewClient(clientConn, chans, reqs)
	return w.client, nil
}

// Close ends the SSH connection if one was made.
func (w *SysfsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	return err
}

// shellQuote returns a value wrapped in single quotes with embedded quotes escaped
// for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
