//go:build linux || darwin || freebsd

package gdbserial

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the stub in its own process group, so that a ^C typed
// in the adapter's terminal does not reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}

// signalName returns the name of the signal numbered sig, such as SIGSEGV.
func signalName(sig int) string {
	if name := unix.SignalName(unix.Signal(sig)); name != "" {
		return name
	}
	return genericSignalName(sig)
}
