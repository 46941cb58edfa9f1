//go:build windows

package util

import (
	"os"
)

// ShutdownSignals returns the signals the process listens for to shut down.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal asks a child process to terminate cleanly. Windows has no
// SIGINT delivery for child processes; returning nil lets the WaitDelay
// kill path take over.
func GracefulSignal(_ *os.Process) error {
	return nil
}
