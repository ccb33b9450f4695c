package dap

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/enginetest"
	"github.com/go-delve/ndap/pkg/logflags"
	"github.com/go-delve/ndap/service"
	"github.com/go-delve/ndap/service/dap/codec"
	"github.com/go-delve/ndap/service/dap/daptest"
	"github.com/go-delve/ndap/service/dap/protocol"
)

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

func testConfig(dbg *enginetest.Debugger) *Config {
	showMissing := false
	return &Config{
		NewDebugger: func() (engine.Debugger, error) { return dbg, nil },
		// the simulated sources do not exist on disk
		Settings: &protocol.AdapterSettings{SuppressMissingSourceFiles: &showMissing},
	}
}

// startSession runs a session over an in-memory pipe. The session ends
// when the test does.
func startSession(t *testing.T, cfg *Config) *daptest.Client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- NewSession(cfg, codec.FromConn(serverConn)).Run(context.Background())
	}()
	client := daptest.NewClientFromConn(clientConn)
	t.Cleanup(func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("session did not end")
		}
	})
	return client
}

func newTestSession(t *testing.T) (*daptest.Client, *enginetest.Debugger) {
	dbg := enginetest.New(nil)
	return startSession(t, testConfig(dbg)), dbg
}

// launchTo initializes the session and launches the simulated program
// with breakpoints on lines, returning the first stop.
func launchTo(t *testing.T, client *daptest.Client, lines ...int) protocol.StoppedEventBody {
	t.Helper()
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)
	client.LaunchRequest(enginetest.DefaultPath, len(lines) == 0)
	client.ExpectSuccess(t, "launch", nil)
	client.ExpectEvent(t, "initialized", nil)
	if len(lines) > 0 {
		client.SetBreakpointsRequest(enginetest.SourceFile, lines)
		client.ExpectSuccess(t, "setBreakpoints", nil)
	}
	client.ConfigurationDoneRequest()
	client.ExpectSuccess(t, "configurationDone", nil)
	return client.ExpectStoppedEvent(t)
}

func topFrame(t *testing.T, client *daptest.Client) protocol.StackFrame {
	t.Helper()
	client.StackTraceRequest(enginetest.MainTID, 0, 20)
	var body protocol.StackTraceResponseBody
	client.ExpectSuccess(t, "stackTrace", &body)
	require.NotEmpty(t, body.StackFrames)
	return body.StackFrames[0]
}

func localVariables(t *testing.T, client *daptest.Client, frameID int) map[string]protocol.Variable {
	t.Helper()
	client.ScopesRequest(frameID)
	var scopes protocol.ScopesResponseBody
	client.ExpectSuccess(t, "scopes", &scopes)
	require.NotEmpty(t, scopes.Scopes)
	require.Equal(t, "Local", scopes.Scopes[0].Name)

	client.VariablesRequest(scopes.Scopes[0].VariablesReference)
	var vars protocol.VariablesResponseBody
	client.ExpectSuccess(t, "variables", &vars)
	byName := make(map[string]protocol.Variable)
	for _, v := range vars.Variables {
		byName[v.Name] = v
	}
	return byName
}

func TestInitialize(t *testing.T) {
	client, _ := newTestSession(t)
	client.InitializeRequest()
	var caps protocol.Capabilities
	client.ExpectSuccess(t, "initialize", &caps)
	assert.True(t, caps.SupportsConfigurationDoneRequest)
	assert.True(t, caps.SupportsFunctionBreakpoints)
	assert.True(t, caps.SupportsConditionalBreakpoints)
	assert.True(t, caps.SupportsEvaluateForHovers)
	assert.True(t, caps.SupportsDisassembleRequest)
	assert.True(t, caps.SupportsInstructionBreakpoints)
	assert.NotEmpty(t, caps.ExceptionBreakpointFilters)
}

func TestStopOnEntry(t *testing.T) {
	client, _ := newTestSession(t)
	stop := launchTo(t, client)
	assert.Equal(t, "entry", stop.Reason)
	assert.Equal(t, enginetest.MainTID, stop.ThreadID)

	client.ThreadsRequest()
	var threads protocol.ThreadsResponseBody
	client.ExpectSuccess(t, "threads", &threads)
	require.Len(t, threads.Threads, 2)
	assert.Equal(t, enginetest.MainTID, threads.Threads[0].Id)
	assert.Equal(t, `1: tid=4242 "main"`, threads.Threads[0].Name)
	assert.Equal(t, `2: tid=4243 "worker"`, threads.Threads[1].Name)

	frame := topFrame(t, client)
	assert.Equal(t, "main", frame.Name)

	client.DisconnectRequest()
	client.ExpectSuccess(t, "disconnect", nil)
}

func TestBreakpointAndRunToExit(t *testing.T) {
	client, _ := newTestSession(t)
	stop := launchTo(t, client, 7)
	// the entry stop of the engine is not reported on its own
	assert.Equal(t, "breakpoint", stop.Reason)
	assert.Equal(t, enginetest.MainTID, stop.ThreadID)
	require.Len(t, stop.HitBreakpointIDs, 1)

	frame := topFrame(t, client)
	assert.Equal(t, "main", frame.Name)
	assert.Equal(t, 7, frame.Line)
	require.NotNil(t, frame.Source)
	assert.Equal(t, enginetest.SourceFile, frame.Source.Path)
	assert.Equal(t, "main.c", frame.Source.Name)

	client.ContinueRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "continue", nil)
	out := client.ExpectOutput(t, "result: 255")
	assert.Equal(t, "stdout", out.Category)

	var exited protocol.ExitedEventBody
	client.ExpectEvent(t, "exited", &exited)
	assert.Equal(t, 0, exited.ExitCode)
	client.ExpectTerminatedEvent(t)
	client.ExpectOutput(t, "Process exited with code 0.")
}

func TestSetBreakpointsResponse(t *testing.T) {
	client, _ := newTestSession(t)
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)
	client.LaunchRequest(enginetest.DefaultPath, true)
	client.ExpectSuccess(t, "launch", nil)

	// line 10 has no code, the breakpoint moves to the worker loop
	client.SetBreakpointsRequest(enginetest.SourceFile, []int{7, 10})
	var body protocol.SetBreakpointsResponseBody
	client.ExpectSuccess(t, "setBreakpoints", &body)
	require.Len(t, body.Breakpoints, 2)
	assert.True(t, body.Breakpoints[0].Verified)
	assert.Equal(t, 7, body.Breakpoints[0].Line)
	assert.Equal(t, 11, body.Breakpoints[1].Line)
	assert.NotEqual(t, body.Breakpoints[0].ID, body.Breakpoints[1].ID)

	// setting the same lines again keeps the ids
	client.SetBreakpointsRequest(enginetest.SourceFile, []int{7})
	var again protocol.SetBreakpointsResponseBody
	client.ExpectSuccess(t, "setBreakpoints", &again)
	require.Len(t, again.Breakpoints, 1)
	assert.Equal(t, body.Breakpoints[0].ID, again.Breakpoints[0].ID)

	client.SetBreakpointsRequest("/elsewhere/other.c", []int{3})
	var missing protocol.SetBreakpointsResponseBody
	client.ExpectSuccess(t, "setBreakpoints", &missing)
	require.Len(t, missing.Breakpoints, 1)
	assert.False(t, missing.Breakpoints[0].Verified)
}

func TestVariablesAndEvaluate(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client, 7)
	frame := topFrame(t, client)

	vars := localVariables(t, client, frame.ID)
	assert.Equal(t, "255", vars["x"].Value)
	assert.Equal(t, "int", vars["x"].Type)
	assert.Zero(t, vars["x"].VariablesReference)
	for _, name := range []string{"pt", "p", "arr"} {
		assert.Contains(t, vars, name)
	}
	pt := vars["pt"]
	require.NotZero(t, pt.VariablesReference)
	client.VariablesRequest(pt.VariablesReference)
	var fields protocol.VariablesResponseBody
	client.ExpectSuccess(t, "variables", &fields)
	require.Len(t, fields.Variables, 2)
	assert.Equal(t, "x", fields.Variables[0].Name)
	assert.Equal(t, "1", fields.Variables[0].Value)
	assert.Equal(t, "2", fields.Variables[1].Value)

	client.EvaluateRequest("x + 1", frame.ID, "watch")
	var res protocol.EvaluateResponseBody
	client.ExpectSuccess(t, "evaluate", &res)
	assert.Equal(t, "256", res.Result)

	client.EvaluateRequest("/nat x", frame.ID, "watch")
	client.ExpectSuccess(t, "evaluate", &res)
	assert.Equal(t, "255", res.Result)

	client.EvaluateRequest("?x", frame.ID, "repl")
	client.ExpectSuccess(t, "evaluate", &res)
	assert.Equal(t, "255", res.Result)

	client.EvaluateRequest("no_such_variable", frame.ID, "watch")
	msg := client.ExpectErrorResponse(t, "evaluate")
	assert.Equal(t, UserError, msg.Id)

	client.ReadMemoryRequest("0x7fff0000", 0, 4)
	var mem protocol.ReadMemoryResponseBody
	client.ExpectSuccess(t, "readMemory", &mem)
	assert.Equal(t, "0x7fff0000", mem.Address)
	assert.Equal(t, "/wAAAA==", mem.Data)

	// the handles of a stop are gone once the debuggee resumes
	client.ContinueRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "continue", nil)
	client.ExpectTerminatedEvent(t)
	client.VariablesRequest(pt.VariablesReference)
	msg = client.ExpectErrorResponse(t, "variables")
	assert.Equal(t, "Invalid variables reference.", msg.Format)
}

func TestStepping(t *testing.T) {
	client, _ := newTestSession(t)
	stop := launchTo(t, client, 6)
	require.Equal(t, "breakpoint", stop.Reason)
	assert.Equal(t, 6, topFrame(t, client).Line)

	client.StepInRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "stepIn", nil)
	stop = client.ExpectStoppedEvent(t)
	assert.Equal(t, "step", stop.Reason)
	assert.Equal(t, "BBB", topFrame(t, client).Name)

	client.StepOutRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "stepOut", nil)
	assert.Equal(t, "step", client.ExpectStoppedEvent(t).Reason)
	frame := topFrame(t, client)
	assert.Equal(t, "main", frame.Name)
	vars := localVariables(t, client, frame.ID)
	require.Contains(t, vars, "[return value]")
	assert.Equal(t, "1", vars["[return value]"].Value)

	client.NextRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "next", nil)
	assert.Equal(t, "step", client.ExpectStoppedEvent(t).Reason)
	frame = topFrame(t, client)
	assert.Equal(t, 7, frame.Line)
	assert.NotContains(t, localVariables(t, client, frame.ID), "[return value]")
}

func TestContinuedEvent(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client, 6, 7)
	// the launch let the debuggee run to the first breakpoint
	client.ExpectEvent(t, "continued", nil)

	client.ContinueRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "continue", nil)
	var body protocol.ContinuedEventBody
	client.ExpectEvent(t, "continued", &body)
	assert.True(t, body.AllThreadsContinued)
	assert.Equal(t, "breakpoint", client.ExpectStoppedEvent(t).Reason)
	assert.Equal(t, 7, topFrame(t, client).Line)

	client.NextRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "next", nil)
	client.ExpectEvent(t, "continued", nil)
	client.ExpectStoppedEvent(t)

	client.StepInRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "stepIn", nil)
	client.ExpectEvent(t, "continued", nil)
	client.ExpectStoppedEvent(t)
	// the engine's own running events do not repeat the announcement
	assert.NotContains(t, client.Pending(), "continued")
}

func TestStepInTargets(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client, 6)
	client.ExpectEvent(t, "continued", nil)
	frame := topFrame(t, client)
	require.Equal(t, 6, frame.Line)

	client.Send("stepInTargets", protocol.StepInTargetsArguments{FrameID: frame.ID})
	var body protocol.StepInTargetsResponseBody
	client.ExpectSuccess(t, "stepInTargets", &body)
	var labels []string
	for _, target := range body.Targets {
		labels = append(labels, target.Label)
	}
	require.Equal(t, []string{"BBB", "CCC", "AAA"}, labels)

	// BBB is entered and left on the way to CCC
	id := body.Targets[1].ID
	client.Send("stepIn", protocol.StepInArguments{ThreadID: enginetest.MainTID, TargetID: &id})
	client.ExpectSuccess(t, "stepIn", nil)
	client.ExpectEvent(t, "continued", nil)
	assert.Equal(t, "step", client.ExpectStoppedEvent(t).Reason)
	assert.Equal(t, "CCC", topFrame(t, client).Name)
	assert.NotContains(t, client.Pending(), "stopped")
}

func TestVariablesPaging(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client, 7)
	frame := topFrame(t, client)
	client.ScopesRequest(frame.ID)
	var scopes protocol.ScopesResponseBody
	client.ExpectSuccess(t, "scopes", &scopes)
	require.NotEmpty(t, scopes.Scopes)
	ref := scopes.Scopes[0].VariablesReference

	var vars protocol.VariablesResponseBody
	client.Send("variables", protocol.VariablesArguments{VariablesReference: ref, Start: 1, Count: 1})
	client.ExpectSuccess(t, "variables", &vars)
	assert.Len(t, vars.Variables, 1)

	client.Send("variables", protocol.VariablesArguments{VariablesReference: ref, Start: 100})
	client.ExpectSuccess(t, "variables", &vars)
	assert.Empty(t, vars.Variables)
}

func TestMemoryAcrossUnreadablePages(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client, 7)

	// the stack ends 8 bytes in
	var mem protocol.ReadMemoryResponseBody
	client.ReadMemoryRequest("0x7fff0ff8", 0, 16)
	client.ExpectSuccess(t, "readMemory", &mem)
	assert.Equal(t, "0x7fff0ff8", mem.Address)
	assert.Equal(t, "AAAAAAAAAAA=", mem.Data)
	assert.Equal(t, 8, mem.UnreadableBytes)

	// nothing is mapped below the stack
	mem = protocol.ReadMemoryResponseBody{}
	client.ReadMemoryRequest("0x7ffefff8", 0, 16)
	client.ExpectSuccess(t, "readMemory", &mem)
	assert.Equal(t, "0x7ffefff8", mem.Address)
	assert.Empty(t, mem.Data)
	assert.Equal(t, 16, mem.UnreadableBytes)

	// nor is anything below the code
	client.DisassembleRequest("0x401000", -4, 8)
	var dis protocol.DisassembleResponseBody
	client.ExpectSuccess(t, "disassemble", &dis)
	require.Len(t, dis.Instructions, 8)
	for _, inst := range dis.Instructions[:4] {
		assert.Equal(t, "<invalid>", inst.Instruction)
		assert.Equal(t, "??", inst.InstructionBytes)
	}
	first := dis.Instructions[4]
	assert.Equal(t, "0x401000", first.Address)
	assert.NotEqual(t, "??", first.InstructionBytes)
	assert.Equal(t, "BBB", first.Symbol)

	client.Send("disassemble", map[string]interface{}{
		"memoryReference":  "0x401000",
		"instructionCount": 1,
		"resolveSymbols":   false,
	})
	client.ExpectSuccess(t, "disassemble", &dis)
	require.Len(t, dis.Instructions, 1)
	assert.Empty(t, dis.Instructions[0].Symbol)
}

func TestSignalStop(t *testing.T) {
	prog := enginetest.NewProgram()
	prog.Entry = enginetest.AddrSpin
	client := startSession(t, testConfig(enginetest.New(prog)))
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)
	client.LaunchRequest(enginetest.DefaultPath, false)
	client.ExpectSuccess(t, "launch", nil)
	client.ExpectEvent(t, "initialized", nil)
	client.ConfigurationDoneRequest()
	client.ExpectSuccess(t, "configurationDone", nil)
	client.ExpectEvent(t, "continued", nil)

	// a stop the client did not ask for
	client.EvaluateRequest("process interrupt", 0, "_command")
	client.ExpectSuccess(t, "evaluate", nil)
	stop := client.ExpectStoppedEvent(t)
	assert.Equal(t, "exception", stop.Reason)
	assert.Equal(t, "signal SIGSTOP", stop.Description)
	assert.Equal(t, "signal SIGSTOP", stop.Text)
}

func TestFunctionBreakpoints(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client)

	client.SetFunctionBreakpointsRequest("CCC", "BBB")
	var body protocol.SetBreakpointsResponseBody
	client.ExpectSuccess(t, "setFunctionBreakpoints", &body)
	require.Len(t, body.Breakpoints, 2)
	assert.True(t, body.Breakpoints[0].Verified)

	client.ContinueRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "continue", nil)
	stop := client.ExpectStoppedEvent(t)
	assert.Equal(t, "breakpoint", stop.Reason)
	assert.Equal(t, []int{body.Breakpoints[1].ID}, stop.HitBreakpointIDs)
	assert.Equal(t, "BBB", topFrame(t, client).Name)

	client.ContinueRequest(enginetest.MainTID)
	client.ExpectSuccess(t, "continue", nil)
	stop = client.ExpectStoppedEvent(t)
	assert.Equal(t, []int{body.Breakpoints[0].ID}, stop.HitBreakpointIDs)
	assert.Equal(t, "CCC", topFrame(t, client).Name)
}

func TestConditionalBreakpoint(t *testing.T) {
	client, _ := newTestSession(t)
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)
	client.LaunchRequest(enginetest.DefaultPath, false)
	client.ExpectSuccess(t, "launch", nil)

	client.SetBreakpointsRequestWithArgs(enginetest.SourceFile, []dap.SourceBreakpoint{
		{Line: 6, Condition: "x != 255"},
		{Line: 7, Condition: "x == 255"},
	})
	client.ExpectSuccess(t, "setBreakpoints", nil)
	client.ConfigurationDoneRequest()
	client.ExpectSuccess(t, "configurationDone", nil)

	assert.Equal(t, "breakpoint", client.ExpectStoppedEvent(t).Reason)
	assert.Equal(t, 7, topFrame(t, client).Line)
}

func TestConsoleCommands(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client, 7)
	frame := topFrame(t, client)

	client.EvaluateRequest("version", frame.ID, "_command")
	var res protocol.EvaluateResponseBody
	client.ExpectSuccess(t, "evaluate", &res)
	assert.Contains(t, res.Result, enginetest.Version)

	// in the console, commands print their output
	client.EvaluateRequest("version", frame.ID, "repl")
	client.ExpectSuccess(t, "evaluate", nil)
	client.ExpectOutput(t, enginetest.Version)

	client.EvaluateRequest("frobnicate", frame.ID, "repl")
	msg := client.ExpectErrorResponse(t, "evaluate")
	assert.Equal(t, UserError, msg.Id)
	assert.True(t, msg.ShowUser)
}

func TestStartupCommands(t *testing.T) {
	dbg := enginetest.New(nil)
	cfg := testConfig(dbg)
	cfg.StartupCommands = []string{"version"}
	client := startSession(t, cfg)
	client.ExpectOutput(t, enginetest.Version)
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)
}

func TestErrorResponses(t *testing.T) {
	client, _ := newTestSession(t)
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)

	client.UnknownRequest()
	msg := client.ExpectErrorResponse(t, "unknown")
	assert.Equal(t, UnsupportedCommand, msg.Id)

	client.VariablesRequest(12345)
	msg = client.ExpectErrorResponse(t, "variables")
	assert.Equal(t, "Invalid variables reference.", msg.Format)
	assert.Equal(t, UserError, msg.Id)

	client.StackTraceRequest(enginetest.MainTID, 0, 20)
	msg = client.ExpectErrorResponse(t, "stackTrace")
	assert.Equal(t, "Debuggee process is not running.", msg.Format)

	client.LaunchRequestWithArgs(map[string]interface{}{"stopOnEntry": true})
	msg = client.ExpectErrorResponse(t, "launch")
	assert.Equal(t, `The "program" attribute is required for launch.`, msg.Format)
	assert.True(t, msg.ShowUser)

	client.LaunchRequest("/no/such/program", false)
	msg = client.ExpectErrorResponse(t, "launch")
	assert.Equal(t, EngineError, msg.Id)
	assert.Contains(t, msg.Format, "/no/such/program")
}

func TestInvalidThread(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client)
	client.StackTraceRequest(1, 0, 20)
	msg := client.ExpectErrorResponse(t, "stackTrace")
	assert.Equal(t, "Invalid thread id.", msg.Format)
}

func TestDisconnectKillsDebuggee(t *testing.T) {
	client, dbg := newTestSession(t)
	launchTo(t, client)

	client.DisconnectRequest()
	client.ExpectSuccess(t, "disconnect", nil)
	tgt := dbg.Target()
	require.NotNil(t, tgt)
	proc := tgt.Process()
	require.NotNil(t, proc)
	assert.Equal(t, engine.StateExited, proc.State())
	assert.Equal(t, "killed", proc.ExitDescription())
	// the client asked for the debuggee to go, its exit is not reported
	assert.NotContains(t, client.Pending(), "exited")
}

func TestRequestsAfterDisconnect(t *testing.T) {
	client, _ := newTestSession(t)
	launchTo(t, client)
	client.DisconnectRequest()
	client.ExpectSuccess(t, "disconnect", nil)

	client.ThreadsRequest()
	msg := client.ExpectErrorResponse(t, "threads")
	assert.Equal(t, "Debug session has ended.", msg.Format)
	assert.Equal(t, ProtocolError, msg.Id)

	client.InitializeRequest()
	msg = client.ExpectErrorResponse(t, "initialize")
	assert.Equal(t, "Debug session has ended.", msg.Format)

	// a second disconnect is harmless
	client.DisconnectRequest()
	client.ExpectSuccess(t, "disconnect", nil)
}

func TestServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	disconnect := make(chan struct{})
	server := NewServer(&service.Config{
		Listener:       listener,
		DisconnectChan: disconnect,
	}, testConfig(enginetest.New(nil)))
	server.Run()

	client := daptest.NewClient(listener.Addr().String())
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)
	client.Close()

	select {
	case <-disconnect:
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after its only session")
	}
	server.Stop()
}

func TestServerMultiSession(t *testing.T) {
	listener := service.NewPipeListener()
	disconnect := make(chan struct{})
	server := NewServer(&service.Config{
		Listener:       listener,
		AcceptMulti:    true,
		DisconnectChan: disconnect,
	}, testConfig(enginetest.New(nil)))
	server.Run()

	for i := 0; i < 2; i++ {
		conn, err := listener.Dial()
		require.NoError(t, err)
		client := daptest.NewClientFromConn(conn)
		client.InitializeRequest()
		client.ExpectSuccess(t, "initialize", nil)
		client.Close()
	}

	select {
	case <-disconnect:
		t.Fatal("server stopped while accepting more sessions")
	default:
	}
	server.Stop()
	<-disconnect
}

// bufferedConn reads through a reader that already consumed the start of
// the stream.
type bufferedConn struct {
	rd *bufio.Reader
	net.Conn
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.rd.Read(p) }

func TestConnectAndServe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ConnectAndServe(ctx, listener.Addr().String(), "s3cret", testConfig(enginetest.New(nil)))
	}()

	conn, err := listener.Accept()
	require.NoError(t, err)
	rd := bufio.NewReader(conn)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Auth-Token: s3cret", strings.TrimRight(line, "\r\n"))

	client := daptest.NewClientFromConn(bufferedConn{rd, conn})
	client.InitializeRequest()
	client.ExpectSuccess(t, "initialize", nil)

	cancel()
	conn.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestEndOfSession(t *testing.T) {
	assert.NoError(t, endOfSession(nil))
	assert.NoError(t, endOfSession(io.EOF))
	assert.NoError(t, endOfSession(fmt.Errorf("session: %w", context.Canceled)))
	err := errors.New("broken pipe")
	assert.Equal(t, err, endOfSession(err))
}
