package main

import (
	"fmt"
	"os"
	"os/signal"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/ndap/cmd/ndap/cmds"
)

// fatalExitCode is the exit status after a fatal signal.
const fatalExitCode = 255

func main() {
	handleFatalSignals()
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}

// handleFatalSignals exits with fatalExitCode when one of the signals that
// would otherwise dump core is delivered to the adapter.
func handleFatalSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGSEGV, sys.SIGBUS, sys.SIGILL, sys.SIGFPE, sys.SIGABRT)
	go func() {
		sig := <-ch
		fmt.Fprintf(os.Stderr, "ndap: received fatal signal %v\n", sig)
		os.Exit(fatalExitCode)
	}()
}
