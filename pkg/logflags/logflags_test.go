package logflags

import (
	"bytes"
	"io"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger_withFlagFalse(t *testing.T) {
	actual := makeFlaggableLogger(false, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.ErrorLevel, actualEntry.Entry.Logger.Level)
	}
	if actual.IsDebug() {
		t.Fatalf("expected a disabled layer not to log debug messages")
	}
}

func TestMakeFlaggableLogger_withFlagTrue(t *testing.T) {
	actual := makeFlaggableLogger(true, Fields{"foo": "bar"})
	actualEntry := actual.(*logrusLogger)
	if actualEntry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, actualEntry.Entry.Logger.Level)
	}
	if actualEntry.Entry.Data["foo"] != "bar" {
		t.Fatalf("expected fields to contain foo=bar; but was <%v>", actualEntry.Entry.Data)
	}
}

func TestLoggerWritesToLogOut(t *testing.T) {
	buf := &bufferWriter{}
	logOut = buf
	defer func() {
		logOut = nil
	}()
	l := makeFlaggableLogger(true, Fields{"layer": "test"})
	l.Debugf("hello %d", 42)
	if !bytes.Contains(buf.Bytes(), []byte("hello 42")) || !bytes.Contains(buf.Bytes(), []byte("layer=test")) {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}

func TestSetupLayers(t *testing.T) {
	defer func() {
		any, dap, session, engine, gdbWire, lldbServerOutput, events, expressions, disasm = false, false, false, false, false, false, false, false, false
	}()
	if err := Setup(false, "dap", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v, got %v", errLogstrWithoutLog, err)
	}
	if err := Setup(true, "dap,gdbwire, expr", ""); err != nil {
		t.Fatal(err)
	}
	if !Any() || !DAP() || !GdbWire() || !Expressions() {
		t.Fatalf("expected dap, gdbwire and expr to be enabled")
	}
	if Session() || Engine() || Disasm() || Events() {
		t.Fatalf("unexpected layer enabled")
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw bufferWriter) Close() error {
	return nil
}
