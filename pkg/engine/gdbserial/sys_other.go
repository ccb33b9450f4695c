//go:build !linux && !darwin && !freebsd

package gdbserial

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalName(sig int) string {
	return genericSignalName(sig)
}
