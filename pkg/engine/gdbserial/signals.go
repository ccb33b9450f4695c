package gdbserial

import "fmt"

// gdbSignalNames is the GDB signal numbering used in the stop replies of
// gdbserver and rr. lldb-server reports the host's signal numbers instead.
var gdbSignalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGEMT",
	8:  "SIGFPE",
	9:  "SIGKILL",
	10: "SIGBUS",
	11: "SIGSEGV",
	12: "SIGSYS",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	17: "SIGSTOP",
	18: "SIGTSTP",
	19: "SIGCONT",
	20: "SIGCHLD",
}

const sigTRAP = 5

func genericSignalName(sig int) string {
	if name, ok := gdbSignalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}

// nameOfSignal names a signal number reported by the stub of backend.
func nameOfSignal(backend Backend, sig uint8) string {
	if backend == LLDBServer {
		return signalName(int(sig))
	}
	return genericSignalName(int(sig))
}

// isInterrupt reports whether sig is what the stub reports after a ^C.
func isInterrupt(backend Backend, sig uint8) bool {
	switch nameOfSignal(backend, sig) {
	case "SIGINT", "SIGSTOP":
		return true
	}
	return sig == 0
}
