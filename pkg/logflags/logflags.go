// Package logflags holds the per-subsystem loggers of the adapter. Each
// layer is switched on by name through --log-output and writes through
// logrus to the destination picked by --log-dest.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var any = false
var dap = false
var session = false
var engine = false
var gdbWire = false
var lldbServerOutput = false
var events = false
var expressions = false
var disasm = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	} else if runtime.GOOS == "windows" {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

func textFormatter() *logrus.TextFormatter {
	colors := false
	switch out := logOut.(type) {
	case nil:
		colors = isatty.IsTerminal(os.Stderr.Fd())
	case *os.File:
		colors = isatty.IsTerminal(out.Fd())
	}
	return &logrus.TextFormatter{
		DisableColors:   !colors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

// DAP returns true if the DAP wire messages should be logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP transport and multiplexer.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// Session returns true if the debug session orchestrator should log.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the debug session orchestrator.
func SessionLogger() Logger {
	return makeFlaggableLogger(session, Fields{"layer": "session"})
}

// Engine returns true if the engine backend should log.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the engine backend.
func EngineLogger() Logger {
	return makeFlaggableLogger(engine, Fields{"layer": "engine"})
}

// GdbWire returns true if the gdbserial package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdbserial wire protocol.
func GdbWireLogger() Logger {
	return makeFlaggableLogger(gdbWire, Fields{"layer": "gdbconn"})
}

// LLDBServerOutput returns true if the output of the debug stub should be
// redirected to standard output instead of suppressed.
func LLDBServerOutput() bool {
	return lldbServerOutput
}

// LLDBServerOutputLogger returns a logger for the output of the debug stub.
func LLDBServerOutputLogger() Logger {
	return makeFlaggableLogger(lldbServerOutput, Fields{"layer": "lldbout"})
}

// Events returns true if the debug event listener should log.
func Events() bool {
	return events
}

// EventsLogger returns a logger for the debug event listener.
func EventsLogger() Logger {
	return makeFlaggableLogger(events, Fields{"layer": "events"})
}

// Expressions returns true if the expression pipeline should log.
func Expressions() bool {
	return expressions
}

// ExpressionsLogger returns a logger for expression preparation and
// evaluation.
func ExpressionsLogger() Logger {
	return makeFlaggableLogger(expressions, Fields{"layer": "expr"})
}

// Disasm returns true if the disassembler should log.
func Disasm() bool {
	return disasm
}

// DisasmLogger returns a logger for the disassembler.
func DisasmLogger() Logger {
	return makeFlaggableLogger(disasm, Fields{"layer": "disasm"})
}

// WriteDAPListeningMessage writes the "DAP server listening" message.
func WriteDAPListeningMessage(addr string) {
	writeListeningMessage("DAP", addr)
}

func writeListeningMessage(server string, addr string) {
	msg := fmt.Sprintf("%s server listening at: %s", server, addr)
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
	} else {
		fmt.Println(msg)
	}
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets adapter flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "ndap-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	any = true
	if logstr == "" {
		logstr = "session"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "dap":
			dap = true
		case "session":
			session = true
		case "engine":
			engine = true
		case "gdbwire":
			gdbWire = true
		case "lldbout":
			lldbServerOutput = true
		case "events":
			events = true
		case "expr":
			expressions = true
		case "disasm":
			disasm = true
		case "all":
			dap, session, engine, gdbWire, events, expressions, disasm = true, true, true, true, true, true, true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
