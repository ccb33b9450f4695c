package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/eventlistener"
	"github.com/go-delve/ndap/pkg/expressions"
	"github.com/go-delve/ndap/pkg/handles"
	"github.com/go-delve/ndap/pkg/logflags"
	"github.com/go-delve/ndap/pkg/scripting"
	"github.com/go-delve/ndap/service/dap/mux"
	"github.com/go-delve/ndap/service/dap/protocol"
)

const (
	// eventQueueCapacity is the number of engine events buffered between
	// the listener and the session.
	eventQueueCapacity = 1000
	// conditionCacheSize bounds the number of compiled breakpoint
	// conditions kept by a session.
	conditionCacheSize = 256
)

// Config is the configuration shared by the sessions of one adapter.
type Config struct {
	// NewDebugger creates the engine of a new session.
	NewDebugger func() (engine.Debugger, error)
	// File is the configuration file. It may be nil.
	File *config.Config
	// Settings are the adapter settings given on the command line.
	Settings *protocol.AdapterSettings
	// LauncherPath is the path of the adapter executable, used to start
	// the terminal agent.
	LauncherPath string
	// StartupCommands are run on the engine console when a session
	// starts.
	StartupCommands []string
	// DisableScripting turns Python expressions off.
	DisableScripting bool
}

// Session serves the requests of one client. Requests are handled one at a
// time on the goroutine that called Run, interleaved with engine events;
// nothing else touches the engine.
type Session struct {
	// config is the adapter configuration.
	config *Config
	// mux carries messages to and from the client.
	mux *mux.Session
	// dbg is the engine of this session and target the debuggee image.
	dbg    engine.Debugger
	target engine.Target
	// listener forwards engine events on events.
	listener *eventlistener.Listener
	events   <-chan engine.Event
	// tracker tracks requests that may be cancelled.
	tracker *requestTracker

	log logflags.Logger

	settings   sessionSettings
	sourceMap  *sourceMap
	exprFlavor expressions.Flavor
	scripting  scripting.Scripting
	clientCaps protocol.InitializeArguments

	// varRefs maps frames and variable containers to variablesReference
	// values. It is reset every time the debuggee resumes.
	varRefs *handles.Tree[container]
	// disasm and ranges are created with the target.
	disasm *disasm.Disassembler
	ranges *disasm.Ranges

	breakpoints     *breakpointSet
	conditions      *lru.Cache
	excludedCallers []excludedCaller
	stepInTargets   []stepInTarget
	symbols         *symbolIndex
	// cmdIndex completes adapter console commands.
	cmdIndex *trie.Trie
	// lastGoto is the location of the last gotoTargets request.
	lastGoto *protocol.GotoTargetsArguments

	launch launchState

	// notifiedStop is the stop id of the last stop reported to the client,
	// resumedStop the stop id the client last saw the debuggee resume
	// from. exitNotified is set once the client knows the debuggee is gone.
	notifiedStop uint32
	resumedStop  uint32
	exitNotified bool
	// pauseRequested reports the next stop as a pause.
	pauseRequested bool
	// stopThread is the thread reported in the last stopped event.
	stopThread int
	// ended is set by disconnect.
	ended bool

	// afterResponse runs after the response to the current request has
	// been queued.
	afterResponse []func()
}

// NewSession returns a session speaking DAP over ch.
func NewSession(cfg *Config, ch mux.Channel) *Session {
	s := &Session{
		config:      cfg,
		mux:         mux.New(ch),
		listener:    eventlistener.New(),
		log:         logflags.SessionLogger(),
		settings:    defaultSettings(),
		sourceMap:   newSourceMap(),
		exprFlavor:  expressions.Simple,
		varRefs:     handles.NewTree[container](),
		breakpoints: newBreakpointSet(),
	}
	s.conditions, _ = lru.New(conditionCacheSize)
	s.tracker = newRequestTracker(s.mux)
	if cfg.File != nil {
		s.settings.applyConfig(cfg.File.Settings)
		s.sourceMap.setRules(cfg.File.SourceMap, nil)
	}
	if err := s.settings.apply(cfg.Settings); err != nil {
		s.log.Errorf("ignoring invalid adapter settings: %v", err)
	}
	s.sourceMap.setSuppressMissing(s.settings.SuppressMissingSourceFiles)
	if cfg.DisableScripting {
		s.scripting = scripting.Disabled{}
	} else {
		s.scripting = scripting.New(consoleWriter{s, "console"}, s.postScriptMessage)
	}
	return s
}

// Run serves the client until it disconnects or ctx is done. The debuggee
// is killed or detached if the client leaves without asking.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reqs, err := s.mux.SubscribeRequests()
	if err != nil {
		return err
	}
	muxDone := make(chan error, 1)
	go func() { muxDone <- s.mux.Run(ctx) }()

	dbg, err := s.config.NewDebugger()
	if err != nil {
		cancel()
		<-muxDone
		return fmt.Errorf("could not create the debugger: %w", err)
	}
	s.dbg = dbg
	defer s.shutdown()
	s.events = s.listener.Start(ctx, dbg, eventQueueCapacity)
	for _, cmd := range s.config.StartupCommands {
		s.runConsoleCommand(ctx, cmd)
	}

	requests := s.tracker.start(ctx, reqs)
loop:
	for {
		select {
		case r, ok := <-requests:
			if !ok {
				break loop
			}
			s.handleRequest(r)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.handleDebugEvent(ev)
		}
	}
	return <-muxDone
}

func (s *Session) shutdown() {
	if proc := s.process(); proc != nil && proc.State().IsAlive() {
		if s.launch.attached {
			s.log.Debug("client left, detaching from the debuggee")
			_ = proc.Detach()
		} else {
			s.log.Debug("client left, killing the debuggee")
			_ = proc.Kill()
		}
	}
	if s.launch.terminal != nil {
		s.launch.terminal.Close()
	}
	if err := s.dbg.Close(); err != nil {
		s.log.Errorf("closing the debugger: %v", err)
	}
}

// noDebugCommands are the requests served before a target exists and in
// noDebug mode.
var noDebugCommands = map[string]bool{
	"_adapterSettings":  true,
	"initialize":        true,
	"launch":            true,
	"attach":            true,
	"configurationDone": true,
	"disconnect":        true,
}

func (s *Session) handleRequest(r *request) {
	s.afterResponse = nil
	defer s.tracker.finish(r)
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.log.Errorf("panic while handling %s: %v\n%s", r.Command, ierr, debug.Stack())
			s.sendErrorResponse(r.Request, fmt.Errorf("%v", ierr))
		}
	}()

	if err := r.ctx.Err(); err != nil {
		s.sendErrorResponse(r.Request, err)
		return
	}
	body, err := s.dispatchRequest(r)
	if err != nil {
		s.sendErrorResponse(r.Request, err)
		return
	}
	s.send(protocol.NewResponse(r.Request, body))
	after := s.afterResponse
	s.afterResponse = nil
	for _, f := range after {
		f()
	}
}

func (s *Session) dispatchRequest(r *request) (interface{}, error) {
	if s.ended && r.Command != "disconnect" {
		return nil, errSessionEnded
	}
	if s.launch.noDebug && !noDebugCommands[r.Command] {
		return nil, errNoDebug
	}

	switch r.Command {
	case "initialize":
		// Required
		return s.onInitializeRequest(r)
	case "launch":
		// Required
		return s.onLaunchRequest(r)
	case "attach":
		// Required
		return s.onAttachRequest(r)
	case "disconnect":
		// Required
		return s.onDisconnectRequest(r)
	case "terminate":
		// Optional (capability ‘supportsTerminateRequest‘)
		return s.onTerminateRequest(r)
	case "restart":
		// Optional (capability ‘supportsRestartRequest’)
		return s.onRestartRequest(r)
	case "configurationDone":
		// Optional (capability ‘supportsConfigurationDoneRequest’)
		return s.onConfigurationDoneRequest(r)
	case "setBreakpoints":
		// Required
		return s.onSetBreakpointsRequest(r)
	case "setFunctionBreakpoints":
		// Optional (capability ‘supportsFunctionBreakpoints’)
		return s.onSetFunctionBreakpointsRequest(r)
	case "setInstructionBreakpoints":
		// Optional (capability ‘supportsInstructionBreakpoints’)
		return s.onSetInstructionBreakpointsRequest(r)
	case "setExceptionBreakpoints":
		// Optional (capability ‘exceptionBreakpointFilters’)
		return s.onSetExceptionBreakpointsRequest(r)
	case "dataBreakpointInfo":
		// Optional (capability ‘supportsDataBreakpoints’)
		return s.onDataBreakpointInfoRequest(r)
	case "setDataBreakpoints":
		// Optional (capability ‘supportsDataBreakpoints’)
		return s.onSetDataBreakpointsRequest(r)
	case "exceptionInfo":
		// Optional (capability ‘supportsExceptionInfoRequest’)
		return s.onExceptionInfoRequest(r)
	case "continue":
		// Required
		return s.onContinueRequest(r)
	case "next":
		// Required
		return s.onNextRequest(r)
	case "stepIn":
		// Required
		return s.onStepInRequest(r)
	case "stepOut":
		// Required
		return s.onStepOutRequest(r)
	case "stepBack":
		// Optional (capability ‘supportsStepBack’)
		return s.onStepBackRequest(r)
	case "reverseContinue":
		// Optional (capability ‘supportsStepBack’)
		return s.onReverseContinueRequest(r)
	case "pause":
		// Required
		return s.onPauseRequest(r)
	case "stepInTargets":
		// Optional (capability ‘supportsStepInTargetsRequest’)
		return s.onStepInTargetsRequest(r)
	case "gotoTargets":
		// Optional (capability ‘supportsGotoTargetsRequest’)
		return s.onGotoTargetsRequest(r)
	case "goto":
		// Optional (capability ‘supportsGotoTargetsRequest’)
		return s.onGotoRequest(r)
	case "restartFrame":
		// Optional (capability ’supportsRestartFrame’)
		return s.onRestartFrameRequest(r)
	case "threads":
		// Required
		return s.onThreadsRequest(r)
	case "stackTrace":
		// Required
		return s.onStackTraceRequest(r)
	case "scopes":
		// Required
		return s.onScopesRequest(r)
	case "variables":
		// Required
		return s.onVariablesRequest(r)
	case "setVariable":
		// Optional (capability ‘supportsSetVariable’)
		return s.onSetVariableRequest(r)
	case "evaluate":
		// Required
		return s.onEvaluateRequest(r)
	case "completions":
		// Optional (capability ‘supportsCompletionsRequest’)
		return s.onCompletionsRequest(r)
	case "source":
		// Required
		return s.onSourceRequest(r)
	case "modules":
		// Optional (capability ‘supportsModulesRequest’)
		return s.onModulesRequest(r)
	case "readMemory":
		// Optional (capability ‘supportsReadMemoryRequest‘)
		return s.onReadMemoryRequest(r)
	case "writeMemory":
		// Optional (capability ‘supportsWriteMemoryRequest‘)
		return s.onWriteMemoryRequest(r)
	case "disassemble":
		// Optional (capability ‘supportsDisassembleRequest’)
		return s.onDisassembleRequest(r)
	case "cancel":
		// Optional (capability ‘supportsCancelRequest’)
		// Served by the request tracker; a request seen here has nothing
		// left to cancel.
		return nil, nil
	case "_adapterSettings":
		return s.onAdapterSettingsRequest(r)
	case "_symbols":
		return s.onSymbolsRequest(r)
	case "_excludeCaller":
		return s.onExcludeCallerRequest(r)
	case "_setExcludedCallers":
		return s.onSetExcludedCallersRequest(r)
	case "_pythonMessage":
		return nil, userError(s.scripting.OnMessage(r.Arguments))
	}
	return nil, errUnsupportedRequest
}

// decodeArgs unmarshals the arguments of r into v.
func decodeArgs(r *request, v interface{}) error {
	if err := protocol.DecodeArguments(r.Request, v); err != nil {
		return protocolErrorf("Could not parse the arguments of '%s': %v", r.Command, err)
	}
	return nil
}

func (s *Session) send(resp *protocol.Response) {
	if err := s.mux.SendResponse(resp); err != nil {
		s.log.Debugf("could not send %s response: %v", resp.Command, err)
	}
}

func (s *Session) sendEvent(event string, body interface{}) {
	if err := s.mux.SendEvent(protocol.NewEvent(event, body)); err != nil {
		s.log.Debugf("could not send %s event: %v", event, err)
	}
}

func (s *Session) sendErrorResponse(req *protocol.Request, err error) {
	id, msg, showUser := errorResponse(err)
	if id == InternalError {
		s.log.Errorf("%s request failed: %v", req.Command, err)
	} else {
		s.log.Debugf("%s request failed: %v", req.Command, err)
	}
	s.send(protocol.NewErrorResponse(req.Seq, req.Command, id, msg, showUser))
}

// consoleMessage prints a line in the client's debug console.
func (s *Session) consoleMessage(format string, args ...interface{}) {
	s.output("console", fmt.Sprintf(format, args...)+"\n")
}

// consoleError prints a line in the debug console as an error.
func (s *Session) consoleError(format string, args ...interface{}) {
	s.output("stderr", fmt.Sprintf(format, args...)+"\n")
}

func (s *Session) output(category, text string) {
	s.sendEvent("output", protocol.OutputEventBody{Category: category, Output: text})
}

// consoleWriter sends everything written to it as output events.
type consoleWriter struct {
	s        *Session
	category string
}

func (w consoleWriter) Write(p []byte) (int, error) {
	w.s.output(w.category, string(p))
	return len(p), nil
}

var _ io.Writer = consoleWriter{}

func (s *Session) postScriptMessage(msg json.RawMessage) {
	s.sendEvent("_pythonMessage", msg)
}

// process returns the debuggee, or nil before launch.
func (s *Session) process() engine.Process {
	if s.target == nil {
		return nil
	}
	return s.target.Process()
}

// stoppedProcess returns the debuggee if it is stopped.
func (s *Session) stoppedProcess() (engine.Process, error) {
	proc := s.process()
	if proc == nil || !proc.State().IsAlive() {
		return nil, errNoProcess
	}
	if !proc.State().IsStopped() {
		return nil, errNotStopped
	}
	return proc, nil
}

// withSyncMode runs f with the engine in synchronous mode and the event
// listener corked, so that the stops f causes are not reported.
func (s *Session) withSyncMode(f func()) {
	async := s.dbg.Async()
	s.dbg.SetAsync(false)
	s.listener.Cork()
	defer func() {
		s.listener.Uncork()
		s.dbg.SetAsync(async)
	}()
	f()
}

// request is an inbound request with the context it is handled under.
type request struct {
	*protocol.Request
	ctx    context.Context
	cancel context.CancelFunc
}

// cancellableCommands may be cancelled while they wait in the queue or
// evaluate.
var cancellableCommands = map[string]bool{
	"scopes":    true,
	"variables": true,
	"evaluate":  true,
}

// resumingCommands make every pending cancellable request moot.
var resumingCommands = map[string]bool{
	"continue":        true,
	"pause":           true,
	"next":            true,
	"stepIn":          true,
	"stepOut":         true,
	"stepBack":        true,
	"reverseContinue": true,
	"terminate":       true,
	"disconnect":      true,
}

// requestTracker sits between the client and the session. It answers
// cancel requests as they arrive, so that a request still waiting in the
// queue can be cancelled.
type requestTracker struct {
	mux *mux.Session
	log logflags.Logger

	mu      sync.Mutex
	pending map[int]*request
}

func newRequestTracker(m *mux.Session) *requestTracker {
	return &requestTracker{mux: m, log: logflags.SessionLogger(), pending: make(map[int]*request)}
}

// start forwards the requests read from in, until in is closed.
func (rt *requestTracker) start(ctx context.Context, in <-chan *protocol.Request) <-chan *request {
	out := make(chan *request, mux.SubscriberCapacity)
	go func() {
		defer close(out)
		for req := range in {
			if req.Command == "cancel" {
				rt.cancel(req)
				continue
			}
			if resumingCommands[req.Command] {
				rt.cancelAll()
			}
			r := &request{Request: req}
			r.ctx, r.cancel = context.WithCancel(ctx)
			if cancellableCommands[req.Command] {
				rt.mu.Lock()
				rt.pending[req.Seq] = r
				rt.mu.Unlock()
			}
			out <- r
		}
	}()
	return out
}

func (rt *requestTracker) cancel(req *protocol.Request) {
	var args protocol.CancelArguments
	if err := protocol.DecodeArguments(req, &args); err != nil {
		rt.respond(protocol.NewErrorResponse(req.Seq, req.Command, MalformedRequest, err.Error(), false))
		return
	}
	if args.RequestID != nil {
		rt.mu.Lock()
		if r, ok := rt.pending[*args.RequestID]; ok {
			rt.log.Debugf("cancelling request %d", *args.RequestID)
			r.cancel()
		}
		rt.mu.Unlock()
	}
	rt.respond(protocol.NewResponse(req, nil))
}

func (rt *requestTracker) respond(resp *protocol.Response) {
	if err := rt.mux.SendResponse(resp); err != nil {
		rt.log.Debugf("could not answer cancel: %v", err)
	}
}

func (rt *requestTracker) cancelAll() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for seq, r := range rt.pending {
		rt.log.Debugf("cancelling request %d", seq)
		r.cancel()
	}
}

// finish forgets r once it has been answered.
func (rt *requestTracker) finish(r *request) {
	rt.mu.Lock()
	delete(rt.pending, r.Seq)
	rt.mu.Unlock()
	r.cancel()
}

// commandLine renders args the way a shell would show them.
func commandLine(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = `"` + strings.ReplaceAll(a, `"`, `\"`) + `"`
		}
		quoted[i] = a
	}
	return strings.Join(quoted, " ")
}
