package dap

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/go-dap"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/expressions"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// launchState captures the launch or attach configuration that affects
// the handling of later requests.
type launchState struct {
	// noDebug runs the debuggee without debugging it.
	noDebug bool
	// attached is set when the session attached to an existing process;
	// disconnecting then detaches instead of killing.
	attached bool
	// stopOnEntry reports the initial stop to the client instead of
	// resuming on configurationDone.
	stopOnEntry bool
	// args is the launch configuration, kept for restart.
	args *protocol.LaunchArguments

	reverseDebugging     bool
	preTerminateCommands []string
	exitCommands         []string

	terminal *terminal
}

func (s *Session) onInitializeRequest(r *request) (interface{}, error) {
	if err := decodeArgs(r, &s.clientCaps); err != nil {
		return nil, err
	}
	return s.capabilities(), nil
}

func (s *Session) capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		Capabilities: dap.Capabilities{
			SupportsConfigurationDoneRequest:  true,
			SupportsFunctionBreakpoints:       true,
			SupportsConditionalBreakpoints:    true,
			SupportsHitConditionalBreakpoints: true,
			SupportsEvaluateForHovers:         true,
			SupportsStepBack:                  s.launch.reverseDebugging,
			SupportsSetVariable:               true,
			SupportsRestartFrame:              true,
			SupportsGotoTargetsRequest:        true,
			SupportsStepInTargetsRequest:      true,
			SupportsCompletionsRequest:        s.settings.CommandCompletions,
			SupportsModulesRequest:            true,
			SupportsRestartRequest:            true,
			SupportsExceptionInfoRequest:      true,
			SupportTerminateDebuggee:          true,
			SupportsDelayedStackTraceLoading:  true,
			SupportsLogPoints:                 true,
			SupportsTerminateRequest:          true,
			SupportsDataBreakpoints:           true,
			SupportsReadMemoryRequest:         true,
			SupportsDisassembleRequest:        true,
			SupportsCancelRequest:             true,
		},
		ExceptionBreakpointFilters:     exceptionFilters(s.settings.SourceLanguages),
		SupportsWriteMemoryRequest:     true,
		SupportsInstructionBreakpoints: true,
		SupportsExceptionFilterOptions: true,
	}
}

// exceptionFilters lists the exception breakpoint filters of the given
// source languages.
func exceptionFilters(langs []string) []protocol.ExceptionBreakpointsFilter {
	filters := []protocol.ExceptionBreakpointsFilter{}
	for _, lang := range langs {
		switch lang {
		case "cpp":
			filters = append(filters,
				protocol.ExceptionBreakpointsFilter{Filter: "cpp_throw", Label: "C++: on throw", Default: true, SupportsCondition: true},
				protocol.ExceptionBreakpointsFilter{Filter: "cpp_catch", Label: "C++: on catch", SupportsCondition: true})
		case "rust":
			filters = append(filters,
				protocol.ExceptionBreakpointsFilter{Filter: "rust_panic", Label: "Rust: on panic", Default: true, SupportsCondition: true})
		case "swift":
			filters = append(filters,
				protocol.ExceptionBreakpointsFilter{Filter: "swift_throw", Label: "Swift: on throw", SupportsCondition: true})
		}
	}
	return filters
}

func (s *Session) onLaunchRequest(r *request) (interface{}, error) {
	var args protocol.LaunchArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if err := s.commonInit(r.ctx, &args.CommonLaunchFields); err != nil {
		return nil, err
	}
	s.launch.noDebug = args.NoDebug
	s.launch.args = &args

	if args.Program == "" && len(args.TargetCreateCommands) == 0 {
		return nil, userErrorf("The \"program\" attribute is required for launch.")
	}
	if err := s.createTarget(r.ctx, args.Program, args.TargetCreateCommands); err != nil {
		return nil, err
	}
	if err := s.runCommands(r.ctx, args.PreRunCommands); err != nil {
		return nil, err
	}
	if err := s.launchProcess(r.ctx, &args); err != nil {
		return nil, err
	}
	if err := s.runCommands(r.ctx, args.PostRunCommands); err != nil {
		return nil, err
	}
	s.afterResponse = append(s.afterResponse, func() { s.sendEvent("initialized", nil) })
	return nil, nil
}

// launchProcess starts the debuggee described by args. Unless running
// without debugging, the process is left stopped at its entry point; the
// stop is reported or resumed on configurationDone.
func (s *Session) launchProcess(ctx context.Context, args *protocol.LaunchArguments) error {
	if len(args.ProcessCreateCommands) > 0 {
		if err := s.runCommands(ctx, args.ProcessCreateCommands); err != nil {
			return err
		}
		proc := s.process()
		if proc == nil {
			return userErrorf("No process was created by processCreateCommands.")
		}
		s.exitNotified = false
		s.notifiedStop = proc.StopID()
		s.consoleMessage("Launched process %d", proc.PID())
		return nil
	}

	info := engine.LaunchInfo{
		Args:        args.Args,
		WorkingDir:  args.Cwd,
		StopAtEntry: !args.NoDebug,
	}
	env, err := launchEnv(args)
	if err != nil {
		return err
	}
	info.Env = env

	if args.Terminal != "" && args.Terminal != "console" && s.clientCaps.SupportsRunInTerminalRequest {
		if s.launch.terminal == nil {
			term, err := s.createTerminal(ctx, args.Terminal, args.Name)
			if err != nil {
				s.consoleError("Failed to create a terminal: %v", err)
			} else {
				s.launch.terminal = term
			}
		}
		if s.launch.terminal != nil {
			for i := range info.Stdio {
				info.Stdio[i] = s.launch.terminal.ttyName
			}
		}
	}
	for i, path := range args.Stdio {
		if i < len(info.Stdio) && path != "" {
			info.Stdio[i] = path
		}
	}

	program := args.Program
	if program == "" {
		program = s.target.Executable()
	}
	s.consoleMessage("Launching: %s", commandLine(append([]string{program}, args.Args...)))
	proc, err := s.target.Launch(ctx, info)
	if err != nil {
		return engineError(fmt.Errorf("Process launch failed: %v", err))
	}
	// The entry stop is reported, or not, on configurationDone.
	s.exitNotified = false
	s.notifiedStop = proc.StopID()
	s.consoleMessage("Launched process %d", proc.PID())
	return nil
}

// launchEnv merges the adapter's environment, the env file and the env
// map of the launch configuration, later sources winning.
func launchEnv(args *protocol.LaunchArguments) ([]string, error) {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	if args.EnvFile != "" {
		pairs, err := config.ReadEnvFile(args.EnvFile)
		if err != nil {
			return nil, userErrorf("Could not read envFile: %v", err)
		}
		for _, p := range pairs {
			vars[p[0]] = p[1]
		}
	}
	for k, v := range args.Env {
		vars[k] = v
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

func (s *Session) onAttachRequest(r *request) (interface{}, error) {
	var args protocol.AttachArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if err := s.commonInit(r.ctx, &args.CommonLaunchFields); err != nil {
		return nil, err
	}
	if args.Program == "" && args.Pid == 0 && len(args.TargetCreateCommands) == 0 {
		return nil, userErrorf("Either \"program\" or \"pid\" is required for attach.")
	}
	if err := s.createTarget(r.ctx, args.Program, args.TargetCreateCommands); err != nil {
		return nil, err
	}
	if err := s.runCommands(r.ctx, args.PreRunCommands); err != nil {
		return nil, err
	}

	s.launch.attached = true
	if len(args.ProcessCreateCommands) > 0 {
		if err := s.runCommands(r.ctx, args.ProcessCreateCommands); err != nil {
			return nil, err
		}
	} else {
		if args.WaitFor {
			s.consoleMessage("Waiting for process '%s'...", args.Program)
		}
		_, err := s.target.Attach(r.ctx, engine.AttachInfo{PID: int(args.Pid), Program: args.Program, WaitFor: args.WaitFor})
		if err != nil {
			return nil, engineError(fmt.Errorf("Failed to attach: %v", err))
		}
	}
	proc := s.process()
	if proc == nil {
		return nil, userErrorf("No process was attached by processCreateCommands.")
	}
	s.notifiedStop = proc.StopID()
	s.consoleMessage("Attached to process %d", proc.PID())

	if err := s.runCommands(r.ctx, args.PostRunCommands); err != nil {
		return nil, err
	}
	s.afterResponse = append(s.afterResponse, func() { s.sendEvent("initialized", nil) })
	return nil, nil
}

// commonInit applies the part of the configuration shared by launch and
// attach.
func (s *Session) commonInit(ctx context.Context, c *protocol.CommonLaunchFields) error {
	if s.target != nil {
		return protocolErrorf("The debug session has already been started.")
	}
	if err := s.runCommands(ctx, c.InitCommands); err != nil {
		return err
	}

	old := s.settings
	if c.SourceLanguages != nil {
		s.settings.SourceLanguages = c.SourceLanguages
	}
	if err := s.settings.apply(c.AdapterSettings); err != nil {
		return err
	}
	if c.Expressions != "" {
		flavor, err := expressions.ParseFlavor(c.Expressions)
		if err != nil {
			return userError(err)
		}
		s.exprFlavor = flavor
	}

	switch c.BreakpointMode {
	case "", breakpointModePath:
		s.sourceMap.breakpointMode = breakpointModePath
	case breakpointModeFile:
		s.sourceMap.breakpointMode = breakpointModeFile
	default:
		return userErrorf("Invalid breakpointMode: %s", c.BreakpointMode)
	}
	var defaults config.SourceMapRules
	if s.config.File != nil {
		defaults = s.config.File.SourceMap
	}
	s.sourceMap.setRules(defaults, c.SourceMap)
	s.sourceMap.setRelativeBase(c.RelativePathBase)

	s.launch.stopOnEntry = c.StopOnEntry
	s.launch.reverseDebugging = c.ReverseDebugging
	s.launch.preTerminateCommands = c.PreTerminateCommands
	s.launch.exitCommands = c.ExitCommands

	s.output("console", consoleModeMessage(&s.settings))
	s.settingsChanged(old)
	if c.ReverseDebugging {
		caps := protocol.Capabilities{}
		caps.SupportsStepBack = true
		s.sendEvent("capabilities", protocol.CapabilitiesEventBody{Capabilities: caps})
	}
	return nil
}

// createTarget creates the debuggee image, either from program or by
// running the user's target creation commands.
func (s *Session) createTarget(ctx context.Context, program string, createCommands []string) error {
	if len(createCommands) > 0 {
		if err := s.runCommands(ctx, createCommands); err != nil {
			return err
		}
		s.target = s.dbg.Target()
		if s.target == nil {
			return userErrorf("No target was created by targetCreateCommands.")
		}
	} else {
		t, err := s.dbg.CreateTarget(program)
		if err != nil {
			return engineError(fmt.Errorf("Could not create the target: %v", err))
		}
		s.target = t
	}

	dis, err := disasm.New(s.target)
	if err != nil {
		s.log.Warnf("disassembly is not available: %v", err)
	} else {
		s.disasm = dis
		s.ranges = disasm.NewRanges(dis)
	}
	s.symbols = nil
	s.updateEngineSourceMap()
	return nil
}

// updateEngineSourceMap copies the source map to the engine, which uses it
// to resolve file and line breakpoints.
func (s *Session) updateEngineSourceMap() {
	if err := s.dbg.SetSetting("target.source-map", s.sourceMap.engineSetting()); err != nil {
		s.log.Debugf("could not set target.source-map: %v", err)
	}
}

// runCommands runs console commands, printing their output. It stops at
// the first failing command.
func (s *Session) runCommands(ctx context.Context, cmds []string) error {
	for _, cmd := range cmds {
		s.consoleMessage("Executing: %s", cmd)
		if err := s.dbg.HandleCommand(ctx, cmd, consoleWriter{s, "console"}); err != nil {
			return engineError(fmt.Errorf("Command '%s' failed: %v", cmd, err))
		}
	}
	return nil
}

func (s *Session) onConfigurationDoneRequest(r *request) (interface{}, error) {
	if s.launch.noDebug {
		return nil, nil
	}
	s.afterResponse = append(s.afterResponse, s.startDebuggee)
	return nil, nil
}

// startDebuggee reports the initial stop or lets the debuggee run.
func (s *Session) startDebuggee() {
	proc := s.process()
	if proc == nil || !proc.State().IsStopped() {
		return
	}
	if s.launch.stopOnEntry {
		s.notifyEntry(proc)
		return
	}
	s.beforeResume()
	if err := proc.Continue(); err != nil {
		s.consoleError("Could not resume the debuggee: %v", err)
		return
	}
	s.sendContinued()
}

func (s *Session) notifyEntry(proc engine.Process) {
	body := protocol.StoppedEventBody{Reason: "entry", AllThreadsStopped: true}
	if t := proc.SelectedThread(); t != nil {
		body.ThreadID = t.ID()
		s.stopThread = t.ID()
	}
	s.notifiedStop = proc.StopID()
	s.sendEvent("stopped", body)
}

func (s *Session) onRestartRequest(r *request) (interface{}, error) {
	if s.launch.attached || s.launch.args == nil {
		return nil, userErrorf("Restart is only supported for launched processes.")
	}
	var args protocol.RestartArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	launchArgs := s.launch.args
	if len(args.Arguments) > 0 && string(args.Arguments) != "null" {
		updated := *launchArgs
		if err := protocol.DecodeArguments(&protocol.Request{Arguments: args.Arguments}, &updated); err != nil {
			return nil, protocolErrorf("Could not parse the restart arguments: %v", err)
		}
		// Only the fields that apply to the process change on restart.
		launchArgs.Args = updated.Args
		launchArgs.Env = updated.Env
		launchArgs.EnvFile = updated.EnvFile
		launchArgs.Cwd = updated.Cwd
		launchArgs.Stdio = updated.Stdio
	}

	if err := s.terminateDebuggee(r.ctx); err != nil {
		return nil, err
	}
	s.varRefs.Reset()
	s.breakpoints.resetHitCounts()
	if err := s.launchProcess(r.ctx, launchArgs); err != nil {
		return nil, err
	}
	s.afterResponse = append(s.afterResponse, s.startDebuggee)
	return nil, nil
}

func (s *Session) onTerminateRequest(r *request) (interface{}, error) {
	return nil, s.terminateDebuggee(r.ctx)
}

// terminateDebuggee runs the pre-terminate commands and kills the
// debuggee if it is alive.
func (s *Session) terminateDebuggee(ctx context.Context) error {
	proc := s.process()
	if proc == nil || !proc.State().IsAlive() {
		return nil
	}
	if err := s.runCommands(ctx, s.launch.preTerminateCommands); err != nil {
		s.consoleError("%v", err)
	}
	if err := proc.Kill(); err != nil {
		return engineError(err)
	}
	return nil
}

func (s *Session) onDisconnectRequest(r *request) (interface{}, error) {
	var args protocol.DisconnectArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.ended {
		return nil, nil
	}
	terminate := !s.launch.attached
	if args.TerminateDebuggee != nil {
		terminate = *args.TerminateDebuggee
	}

	// The client is going away, the debuggee's exit is not reported.
	s.exitNotified = true
	if proc := s.process(); proc != nil && proc.State().IsAlive() {
		if terminate {
			if err := s.terminateDebuggee(r.ctx); err != nil {
				s.log.Errorf("could not kill the debuggee: %v", err)
			}
		} else if err := proc.Detach(); err != nil {
			s.log.Errorf("could not detach from the debuggee: %v", err)
		}
	}
	if err := s.runCommands(r.ctx, s.launch.exitCommands); err != nil {
		s.consoleError("%v", err)
	}
	if s.launch.terminal != nil {
		s.launch.terminal.Close()
		s.launch.terminal = nil
	}
	s.ended = true
	return nil, nil
}

func (s *Session) onAdapterSettingsRequest(r *request) (interface{}, error) {
	var args protocol.AdapterSettings
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	old := s.settings
	if err := s.settings.apply(&args); err != nil {
		return nil, err
	}
	s.settingsChanged(old)
	return nil, nil
}

// settingsChanged propagates a change of the session settings.
func (s *Session) settingsChanged(old sessionSettings) {
	s.sourceMap.setSuppressMissing(s.settings.SuppressMissingSourceFiles)
	if old.ConsoleMode != s.settings.ConsoleMode {
		s.output("console", consoleModeMessage(&s.settings))
	}
	if !equalStrings(old.SourceLanguages, s.settings.SourceLanguages) {
		caps := protocol.Capabilities{ExceptionBreakpointFilters: exceptionFilters(s.settings.SourceLanguages)}
		s.sendEvent("capabilities", protocol.CapabilitiesEventBody{Capabilities: caps})
	}

	proc := s.process()
	if proc == nil || !proc.State().IsStopped() || !s.clientCaps.SupportsInvalidatedEvent {
		return
	}
	var areas []string
	if old.ShowDisassembly != s.settings.ShowDisassembly {
		areas = append(areas, "stacks")
	}
	if old.DisplayFormat != s.settings.DisplayFormat ||
		old.DereferencePointers != s.settings.DereferencePointers ||
		old.ContainerSummary != s.settings.ContainerSummary {
		areas = append(areas, "variables")
	}
	if len(areas) > 0 {
		s.sendEvent("invalidated", protocol.InvalidatedEventBody{Areas: areas})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
