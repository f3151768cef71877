package iiod

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseURI turns a libiio-style context URI into a host:port dial address.
// Only network contexts are reachable from here; "usb:" and "local:" need a
// libiio build on the host.
func ParseURI(uri string) (string, error) {
	s := strings.TrimSpace(uri)
	if s == "" {
		return "", fmt.Errorf("empty context URI")
	}
	switch {
	case strings.HasPrefix(s, "ip:"):
		s = strings.TrimPrefix(s, "ip:")
	case strings.HasPrefix(s, "usb:"), strings.HasPrefix(s, "local:"), strings.HasPrefix(s, "serial:"):
		return "", fmt.Errorf("unsupported context URI %q: only ip: contexts are supported", uri)
	}
	if s == "" {
		return "", fmt.Errorf("context URI %q has no host", uri)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or a bare IPv6 literal.
		return net.JoinHostPort(strings.Trim(s, "[]"), strconv.Itoa(DefaultPort)), nil
	}
	if host == "" {
		return "", fmt.Errorf("context URI %q has no host", uri)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return "", fmt.Errorf("context URI %q has invalid port %q", uri, port)
	}
	return net.JoinHostPort(host, port), nil
}
