//go:build !linux

package telemetry

import "io"

// IsTerminal always reports false off Linux; progress is printed line by
// line.
func IsTerminal(io.Writer) bool { return false }
