// Package iiodtest provides an in-process IIOD text-protocol server for
// tests. It understands the subset of commands the iiod client issues.
package iiodtest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/nettest"

	"github.com/rjboer/sdrdiag/internal/iiod"
)

// OpenBuffer records an OPEN command.
type OpenBuffer struct {
	Samples int
	Mask    string
	Cyclic  bool
}

// Server is a scripted IIOD. Exported fields may be set before the first
// connection; afterwards use the accessor methods.
type Server struct {
	// XML is returned for PRINT.
	XML []byte
	// Attrs maps iiod.Attr.String() keys to values.
	Attrs map[string]string
	// Fail maps a command word ("OPEN", "READBUF", "WRITE", ...) to the errno
	// the server answers with.
	Fail map[string]int
	// OnWrite may rewrite an attribute value before it is stored, e.g. to
	// emulate a device clamping the sample rate.
	OnWrite func(key, value string) string
	// ReadData produces the payload for one READBUF. Defaults to zeros.
	ReadData func(dev string, n int) []byte

	mu       sync.Mutex
	commands []string
	open     map[string]OpenBuffer
	written  map[string][]byte
	ln       net.Listener
	wg       sync.WaitGroup
}

// NewServer returns a server answering PRINT with xml.
func NewServer(xml []byte) *Server {
	return &Server{
		XML:     xml,
		Attrs:   make(map[string]string),
		Fail:    make(map[string]int),
		open:    make(map[string]OpenBuffer),
		written: make(map[string][]byte),
	}
}

// Pipe returns the client end of an in-memory connection served by s.
func (s *Server) Pipe() net.Conn {
	client, server := net.Pipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve(server)
	}()
	return client
}

// Listen serves s on a loopback TCP listener and returns its address.
func (s *Server) Listen() (string, error) {
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		return "", err
	}
	s.ln = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.Serve(conn)
			}()
		}
	}()
	return ln.Addr().String(), nil
}

// Close stops the listener, if any. Connections end when clients close.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Commands returns every command line received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Attr returns the stored value for key.
func (s *Server) Attr(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Attrs[key]
	return v, ok
}

// Open returns the buffer state for dev.
func (s *Server) Open(dev string) (OpenBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.open[dev]
	return b, ok
}

// Written returns the last WRITEBUF payload for dev.
func (s *Server) Written(dev string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written[dev]...)
}

// Serve handles one connection until the peer disconnects.
func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if err := s.handle(line, r, w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handle(line string, r *bufio.Reader, w *bufio.Writer) error {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()

	fields := strings.Fields(line)
	verb := fields[0]
	if code, ok := s.failure(verb); ok {
		if verb == "WRITE" {
			// The payload follows the command line regardless; drain it.
			if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
				_, _ = io.CopyN(io.Discard, r, int64(n))
			}
		}
		return writeInt(w, code)
	}

	switch verb {
	case "VERSION":
		_, err := w.WriteString("0.25.b6028fd\n")
		return err
	case "TIMEOUT":
		return writeInt(w, 0)
	case "PRINT":
		if err := writeInt(w, len(s.XML)); err != nil {
			return err
		}
		if _, err := w.Write(s.XML); err != nil {
			return err
		}
		return w.WriteByte('\n')
	case "READ":
		key, ok := attrKey(fields[1:])
		if !ok {
			return writeInt(w, -22)
		}
		v, found := s.Attr(key)
		if !found {
			return writeInt(w, -2)
		}
		if err := writeInt(w, len(v)); err != nil {
			return err
		}
		_, err := w.WriteString(v + "\n")
		return err
	case "WRITE":
		if len(fields) < 4 {
			return writeInt(w, -22)
		}
		n, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return writeInt(w, -22)
		}
		payload := make([]byte, n)
		if err := w.Flush(); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		key, ok := attrKey(fields[1 : len(fields)-1])
		if !ok {
			return writeInt(w, -22)
		}
		value := string(payload)
		if s.OnWrite != nil {
			value = s.OnWrite(key, value)
		}
		s.mu.Lock()
		s.Attrs[key] = value
		s.mu.Unlock()
		return writeInt(w, n)
	case "OPEN":
		if len(fields) < 4 {
			return writeInt(w, -22)
		}
		samples, err := strconv.Atoi(fields[2])
		if err != nil {
			return writeInt(w, -22)
		}
		s.mu.Lock()
		s.open[fields[1]] = OpenBuffer{Samples: samples, Mask: fields[3], Cyclic: len(fields) > 4 && fields[4] == "CYCLIC"}
		s.mu.Unlock()
		return writeInt(w, 0)
	case "CLOSE":
		s.mu.Lock()
		_, ok := s.open[fields[1]]
		delete(s.open, fields[1])
		s.mu.Unlock()
		if !ok {
			return writeInt(w, -9)
		}
		return writeInt(w, 0)
	case "READBUF":
		return s.readBuf(fields, w)
	case "WRITEBUF":
		if len(fields) != 3 {
			return writeInt(w, -22)
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return writeInt(w, -22)
		}
		if _, ok := s.Open(fields[1]); !ok {
			return writeInt(w, -9)
		}
		if err := writeInt(w, n); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		s.mu.Lock()
		s.written[fields[1]] = payload
		s.mu.Unlock()
		return writeInt(w, n)
	default:
		return writeInt(w, -22)
	}
}

func (s *Server) readBuf(fields []string, w *bufio.Writer) error {
	if len(fields) != 3 {
		return writeInt(w, -22)
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil {
		return writeInt(w, -22)
	}
	buf, ok := s.Open(fields[1])
	if !ok {
		return writeInt(w, -9)
	}
	data := make([]byte, n)
	if s.ReadData != nil {
		data = s.ReadData(fields[1], n)
	}
	if len(data) > n {
		data = data[:n]
	}
	if len(data) == 0 {
		return writeInt(w, 0)
	}
	if err := writeInt(w, len(data)); err != nil {
		return err
	}
	if _, err := w.WriteString(buf.Mask + "\n"); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(data) < n {
		// Short block: terminate the transfer early.
		return writeInt(w, 0)
	}
	return nil
}

func (s *Server) failure(verb string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.Fail[verb]
	return code, ok
}

// attrKey maps "<dev> <attr>" or "<dev> INPUT|OUTPUT <chn> <attr>" to the
// iiod.Attr string form.
func attrKey(f []string) (string, bool) {
	switch len(f) {
	case 2:
		return iiod.Attr{Device: f[0], Name: f[1]}.String(), true
	case 4:
		if f[1] != "INPUT" && f[1] != "OUTPUT" {
			return "", false
		}
		return iiod.Attr{Device: f[0], Channel: f[2], Output: f[1] == "OUTPUT", Name: f[3]}.String(), true
	default:
		return "", false
	}
}

func writeInt(w *bufio.Writer, v int) error {
	_, err := fmt.Fprintf(w, "%d\n", v)
	return err
}
