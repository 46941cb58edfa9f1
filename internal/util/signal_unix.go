//go:build !windows

package util

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals the process listens for to shut down.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// GracefulSignal asks a child process to terminate cleanly. The capture
// subprocess flushes and exits on SIGINT.
func GracefulSignal(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
