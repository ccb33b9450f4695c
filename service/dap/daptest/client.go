// Package daptest provides a sample client with utilities
// for DAP mode testing.
package daptest

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/go-delve/ndap/service/dap/codec"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// ReadTimeout bounds the wait for one message from the adapter.
var ReadTimeout = 10 * time.Second

// Client is a debugger service client that uses Debug Adaptor Protocol.
// Requests are sent without waiting; the Expect methods read until the
// expected message arrives and keep everything else for later calls, so
// that tests do not depend on how events interleave with responses.
type Client struct {
	conn  io.ReadWriteCloser
	codec *codec.Codec
	// seq is used to track the sequence number of each
	// requests that the client sends to the server
	seq int
	// pending are messages read while waiting for another one.
	pending []protocol.Message
}

// NewClient creates a new Client over a TCP connection.
// Call Close() to close the connection.
func NewClient(addr string) *Client {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatal("dialing:", err)
	}
	return NewClientFromConn(conn)
}

// NewClientFromConn creates a new Client over conn, typically one end of
// a net.Pipe.
func NewClientFromConn(conn io.ReadWriteCloser) *Client {
	return &Client{conn: conn, codec: codec.FromConn(conn), seq: 1}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

// Send sends a request and returns its seq.
func (c *Client) Send(command string, args interface{}) int {
	req, err := protocol.NewRequest(command, args)
	if err != nil {
		panic(err)
	}
	req.Seq = c.seq
	c.seq++
	if err := c.codec.WriteMessage(req); err != nil {
		panic(fmt.Sprintf("sending %s: %v", command, err))
	}
	return req.Seq
}

// Respond answers a reverse request of the adapter.
func (c *Client) Respond(req *protocol.Request, body interface{}) {
	resp := protocol.NewResponse(req, body)
	resp.Seq = c.seq
	c.seq++
	if err := c.codec.WriteMessage(resp); err != nil {
		panic(fmt.Sprintf("answering %s: %v", req.Command, err))
	}
}

func (c *Client) read(t *testing.T) protocol.Message {
	t.Helper()
	if d, ok := c.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		d.SetReadDeadline(time.Now().Add(ReadTimeout))
	}
	m, err := c.codec.ReadMessage()
	if err != nil {
		t.Fatalf("reading from the adapter: %v", err)
	}
	return m
}

// expect returns the first message, pending or new, match accepts.
func (c *Client) expect(t *testing.T, what string, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	for i, m := range c.pending {
		if match(m) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return m
		}
	}
	for {
		m := c.read(t)
		if match(m) {
			return m
		}
		c.pending = append(c.pending, m)
		if len(c.pending) > 1000 {
			t.Fatalf("gave up waiting for %s", what)
		}
	}
}

// ExpectResponse returns the next response to command, successful or not.
func (c *Client) ExpectResponse(t *testing.T, command string) *protocol.Response {
	t.Helper()
	return c.expect(t, command+" response", func(m protocol.Message) bool {
		return m.Response != nil && m.Response.Command == command
	}).Response
}

// ExpectSuccess waits for a successful response to command and decodes
// its body into body, if not nil.
func (c *Client) ExpectSuccess(t *testing.T, command string, body interface{}) *protocol.Response {
	t.Helper()
	resp := c.ExpectResponse(t, command)
	if !resp.Success {
		t.Fatalf("%s failed: %s", command, resp.Message)
	}
	if body != nil {
		if err := protocol.DecodeBody(resp, body); err != nil {
			t.Fatalf("decoding %s response: %v", command, err)
		}
	}
	return resp
}

// ExpectErrorResponse waits for a failed response to command.
func (c *Client) ExpectErrorResponse(t *testing.T, command string) *dap.ErrorMessage {
	t.Helper()
	resp := c.ExpectResponse(t, command)
	if resp.Success {
		t.Fatalf("%s succeeded, want an error", command)
	}
	var body protocol.ErrorResponseBody
	if err := protocol.DecodeBody(resp, &body); err != nil || body.Error == nil {
		t.Fatalf("%s: malformed error response: %v", command, err)
	}
	return body.Error
}

// ExpectEvent waits for the next event named name and decodes its body
// into body, if not nil.
func (c *Client) ExpectEvent(t *testing.T, name string, body interface{}) *protocol.Event {
	t.Helper()
	ev := c.expect(t, name+" event", func(m protocol.Message) bool {
		return m.Event != nil && m.Event.Name() == name
	}).Event
	if body != nil {
		raw, _ := ev.Body.(json.RawMessage)
		if err := json.Unmarshal(raw, body); err != nil {
			t.Fatalf("decoding %s event: %v", name, err)
		}
	}
	return ev
}

// ExpectStoppedEvent waits for the next stopped event.
func (c *Client) ExpectStoppedEvent(t *testing.T) protocol.StoppedEventBody {
	t.Helper()
	var body protocol.StoppedEventBody
	c.ExpectEvent(t, "stopped", &body)
	return body
}

// ExpectOutput waits for an output event containing text.
func (c *Client) ExpectOutput(t *testing.T, text string) protocol.OutputEventBody {
	t.Helper()
	var body protocol.OutputEventBody
	c.expect(t, fmt.Sprintf("output %q", text), func(m protocol.Message) bool {
		if m.Event == nil || m.Event.Name() != "output" {
			return false
		}
		raw, _ := m.Event.Body.(json.RawMessage)
		return json.Unmarshal(raw, &body) == nil && strings.Contains(body.Output, text)
	})
	return body
}

// ExpectTerminatedEvent waits for the end of the debuggee.
func (c *Client) ExpectTerminatedEvent(t *testing.T) {
	t.Helper()
	c.ExpectEvent(t, "terminated", nil)
}

// ExpectReverseRequest waits for a request of the adapter to the client.
func (c *Client) ExpectReverseRequest(t *testing.T, command string) *protocol.Request {
	t.Helper()
	return c.expect(t, command+" request", func(m protocol.Message) bool {
		return m.Request != nil && m.Request.Command == command
	}).Request
}

// Pending returns the names of the events received but not yet expected.
func (c *Client) Pending() []string {
	var names []string
	for _, m := range c.pending {
		if m.Event != nil {
			names = append(names, m.Event.Name())
		}
	}
	return names
}

// InitializeRequest sends an 'initialize' request.
func (c *Client) InitializeRequest() int {
	yes := true
	return c.Send("initialize", protocol.InitializeArguments{
		AdapterID:                    "ndap",
		PathFormat:                   "path",
		LinesStartAt1:                &yes,
		ColumnsStartAt1:              &yes,
		SupportsVariableType:         true,
		SupportsVariablePaging:       true,
		SupportsRunInTerminalRequest: true,
		SupportsInvalidatedEvent:     true,
		Locale:                       "en-us",
	})
}

// LaunchRequest sends a 'launch' request.
func (c *Client) LaunchRequest(program string, stopOnEntry bool) int {
	return c.LaunchRequestWithArgs(map[string]interface{}{
		"program":     program,
		"stopOnEntry": stopOnEntry,
	})
}

// LaunchRequestWithArgs sends a 'launch' request with the given
// configuration.
func (c *Client) LaunchRequestWithArgs(args map[string]interface{}) int {
	return c.Send("launch", args)
}

// DisconnectRequest sends a 'disconnect' request.
func (c *Client) DisconnectRequest() int {
	return c.Send("disconnect", protocol.DisconnectArguments{})
}

// SetBreakpointsRequest sends a 'setBreakpoints' request.
func (c *Client) SetBreakpointsRequest(file string, lines []int) int {
	bps := make([]dap.SourceBreakpoint, len(lines))
	for i, l := range lines {
		bps[i].Line = l
	}
	return c.SetBreakpointsRequestWithArgs(file, bps)
}

// SetBreakpointsRequestWithArgs sends a 'setBreakpoints' request with
// conditions or log messages.
func (c *Client) SetBreakpointsRequestWithArgs(file string, bps []dap.SourceBreakpoint) int {
	return c.Send("setBreakpoints", protocol.SetBreakpointsArguments{
		Source:      protocol.Source{Name: filepath.Base(file), Path: file},
		Breakpoints: bps,
	})
}

// SetFunctionBreakpointsRequest sends a 'setFunctionBreakpoints' request.
func (c *Client) SetFunctionBreakpointsRequest(names ...string) int {
	bps := make([]dap.FunctionBreakpoint, len(names))
	for i, n := range names {
		bps[i].Name = n
	}
	return c.Send("setFunctionBreakpoints", protocol.SetFunctionBreakpointsArguments{Breakpoints: bps})
}

// SetExceptionBreakpointsRequest sends a 'setExceptionBreakpoints' request.
func (c *Client) SetExceptionBreakpointsRequest(filters ...string) int {
	if filters == nil {
		filters = []string{}
	}
	return c.Send("setExceptionBreakpoints", protocol.SetExceptionBreakpointsArguments{Filters: filters})
}

// ConfigurationDoneRequest sends a 'configurationDone' request.
func (c *Client) ConfigurationDoneRequest() int {
	return c.Send("configurationDone", nil)
}

// ContinueRequest sends a 'continue' request.
func (c *Client) ContinueRequest(thread int) int {
	return c.Send("continue", protocol.ThreadArguments{ThreadID: thread})
}

// NextRequest sends a 'next' request.
func (c *Client) NextRequest(thread int) int {
	return c.Send("next", protocol.ThreadArguments{ThreadID: thread})
}

// StepInRequest sends a 'stepIn' request.
func (c *Client) StepInRequest(thread int) int {
	return c.Send("stepIn", protocol.StepInArguments{ThreadID: thread})
}

// StepOutRequest sends a 'stepOut' request.
func (c *Client) StepOutRequest(thread int) int {
	return c.Send("stepOut", protocol.ThreadArguments{ThreadID: thread})
}

// PauseRequest sends a 'pause' request.
func (c *Client) PauseRequest(thread int) int {
	return c.Send("pause", protocol.ThreadArguments{ThreadID: thread})
}

// ThreadsRequest sends a 'threads' request.
func (c *Client) ThreadsRequest() int {
	return c.Send("threads", nil)
}

// StackTraceRequest sends a 'stackTrace' request.
func (c *Client) StackTraceRequest(thread, startFrame, levels int) int {
	return c.Send("stackTrace", protocol.StackTraceArguments{ThreadID: thread, StartFrame: startFrame, Levels: levels})
}

// ScopesRequest sends a 'scopes' request.
func (c *Client) ScopesRequest(frameID int) int {
	return c.Send("scopes", protocol.ScopesArguments{FrameID: frameID})
}

// VariablesRequest sends a 'variables' request.
func (c *Client) VariablesRequest(variablesReference int) int {
	return c.Send("variables", protocol.VariablesArguments{VariablesReference: variablesReference})
}

// EvaluateRequest sends an 'evaluate' request.
func (c *Client) EvaluateRequest(expr string, frameID int, context string) int {
	args := protocol.EvaluateArguments{Expression: expr, Context: context}
	if frameID != 0 {
		args.FrameID = &frameID
	}
	return c.Send("evaluate", args)
}

// ReadMemoryRequest sends a 'readMemory' request.
func (c *Client) ReadMemoryRequest(ref string, offset, count int) int {
	return c.Send("readMemory", protocol.ReadMemoryArguments{MemoryReference: ref, Offset: offset, Count: count})
}

// DisassembleRequest sends a 'disassemble' request.
func (c *Client) DisassembleRequest(ref string, instructionOffset, count int) int {
	return c.Send("disassemble", protocol.DisassembleArguments{
		MemoryReference:   ref,
		InstructionOffset: instructionOffset,
		InstructionCount:  count,
	})
}

// UnknownRequest sends a request no adapter implements.
func (c *Client) UnknownRequest() int {
	return c.Send("unknown", nil)
}

// MalformedRequest sends a frame that does not decode as a message.
func (c *Client) MalformedRequest() {
	if err := dap.WriteBaseMessage(c.conn, []byte(fmt.Sprintf(`{"seq": %d, "type": "request"}`, c.seq))); err != nil {
		panic(err)
	}
	c.seq++
}
