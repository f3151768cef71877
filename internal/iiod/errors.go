package iiod

import (
	"fmt"
	"syscall"
)

// StatusError is a negative errno returned by the daemon. The connection
// stays usable after one.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d (%s)", e.Op, e.Code, syscall.Errno(-e.Code).Error())
}

// Is lets errors.Is match a StatusError against a syscall.Errno.
func (e *StatusError) Is(target error) bool {
	errno, ok := target.(syscall.Errno)
	return ok && int(errno) == -e.Code
}
