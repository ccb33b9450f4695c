package dap

import (
	"fmt"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/service/dap/protocol"
)

func (s *Session) onContinueRequest(r *request) (interface{}, error) {
	proc := s.process()
	if proc == nil || !proc.State().IsAlive() {
		return nil, errNoProcess
	}
	s.beforeResume()
	if err := proc.Continue(); err != nil && !proc.State().IsRunning() {
		return nil, userError(err)
	}
	s.announceResume()
	return protocol.ContinueResponseBody{AllThreadsContinued: true}, nil
}

// steppingThread returns the thread a stepping request applies to and
// whether the step should be by instruction.
func (s *Session) steppingThread(tid int, granularity string) (engine.Thread, bool, error) {
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, false, err
	}
	thread := proc.ThreadByID(tid)
	if thread == nil {
		s.log.Errorf("step requested for unknown thread %d", tid)
		return nil, false, errInvalidThread
	}
	switch granularity {
	case "instruction":
		return thread, true, nil
	case "line", "statement":
		return thread, false, nil
	}
	f := thread.Frame(0)
	return thread, f != nil && s.inDisassembly(f), nil
}

func (s *Session) onNextRequest(r *request) (interface{}, error) {
	var args protocol.ThreadArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	thread, byInstruction, err := s.steppingThread(args.ThreadID, args.Granularity)
	if err != nil {
		return nil, err
	}
	s.beforeResume()
	if byInstruction {
		err = thread.StepInstruction(true)
	} else {
		err = thread.StepOver()
	}
	if err != nil {
		return nil, engineError(err)
	}
	s.announceResume()
	return nil, nil
}

func (s *Session) onStepInRequest(r *request) (interface{}, error) {
	var args protocol.StepInArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	thread, byInstruction, err := s.steppingThread(args.ThreadID, args.Granularity)
	if err != nil {
		return nil, err
	}
	var target *stepInTarget
	if args.TargetID != nil && *args.TargetID >= 0 && *args.TargetID < len(s.stepInTargets) {
		t := s.stepInTargets[*args.TargetID]
		target = &t
	}
	s.beforeResume()
	switch {
	case byInstruction:
		err = thread.StepInstruction(false)
	case target != nil:
		// the final stop is reported after the response, continued goes first
		s.announceResume()
		s.stepIntoTarget(r, thread, target)
		return nil, nil
	default:
		err = thread.StepInto()
	}
	if err != nil {
		return nil, engineError(err)
	}
	s.announceResume()
	return nil, nil
}

func (s *Session) onStepOutRequest(r *request) (interface{}, error) {
	var args protocol.ThreadArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	thread := proc.ThreadByID(args.ThreadID)
	if thread == nil {
		return nil, errInvalidThread
	}
	s.beforeResume()
	if err := thread.StepOut(); err != nil {
		return nil, engineError(err)
	}
	s.announceResume()
	return nil, nil
}

func (s *Session) onStepBackRequest(r *request) (interface{}, error) {
	var args protocol.ThreadArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	// Reverse line steps are not available, instructions are stepped
	// and shown as such.
	s.settings.ShowDisassembly = showDisassemblyAlways
	return nil, s.reverseExec(args.ThreadID, "bs")
}

func (s *Session) onReverseContinueRequest(r *request) (interface{}, error) {
	var args protocol.ThreadArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	return nil, s.reverseExec(args.ThreadID, "bc")
}

// reverseExec runs a reverse execution packet on the remote stub. The
// stub is then stepped back once more and forward once, which makes the
// engine reload the state of the debuggee.
func (s *Session) reverseExec(tid int, packet string) error {
	proc, err := s.stoppedProcess()
	if err != nil {
		return err
	}
	thread := proc.ThreadByID(tid)
	if thread == nil {
		return errInvalidThread
	}
	s.beforeResume()
	for _, p := range []string{fmt.Sprintf("Hc%x", tid), packet, "bs"} {
		reply, err := proc.SendPacket(p)
		if err == nil && len(reply) > 0 && reply[0] == 'E' {
			err = fmt.Errorf("%s failed: %s", p, reply)
		}
		if err != nil {
			s.consoleError("%v", err)
			return userError(err)
		}
	}
	if err := thread.StepInstruction(false); err != nil {
		return engineError(err)
	}
	s.announceResume()
	return nil
}

func (s *Session) onPauseRequest(r *request) (interface{}, error) {
	proc := s.process()
	if proc == nil || !proc.State().IsAlive() {
		return nil, errNoProcess
	}
	s.pauseRequested = true
	if err := proc.Stop(); err != nil {
		if !proc.State().IsStopped() {
			s.pauseRequested = false
			return nil, userError(err)
		}
		// the stop was not reported
		s.afterResponse = append(s.afterResponse, func() { s.notifyStopped(proc) })
	}
	return nil, nil
}

func (s *Session) onGotoTargetsRequest(r *request) (interface{}, error) {
	var args protocol.GotoTargetsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	s.lastGoto = &args
	return protocol.GotoTargetsResponseBody{Targets: []protocol.GotoTarget{
		{ID: 1, Label: fmt.Sprintf("line %d", args.Line), Line: args.Line},
	}}, nil
}

func (s *Session) onGotoRequest(r *request) (interface{}, error) {
	var args protocol.GotoArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.lastGoto == nil {
		return nil, protocolErrorf("Unexpected goto message.")
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	thread := proc.ThreadByID(args.ThreadID)
	if thread == nil {
		return nil, errInvalidThread
	}
	target := s.lastGoto
	if ref := target.Source.SourceReference; ref != 0 {
		rng, ok := s.rangeBySourceRef(ref)
		if !ok {
			return nil, userErrorf("Invalid source reference.")
		}
		addr, ok := rng.AddressByLine(target.Line)
		if !ok {
			return nil, userErrorf("No instruction on line %d.", target.Line)
		}
		f := thread.Frame(0)
		if f == nil {
			return nil, errInvalidFrameID
		}
		if err := f.SetPC(addr); err != nil {
			return nil, userErrorf("Failed to set the instruction pointer.")
		}
	} else {
		if target.Source.Path == "" {
			return nil, userErrorf("Source path is missing.")
		}
		if err := thread.JumpToLine(s.sourceMap.toRemote(target.Source.Path), target.Line); err != nil {
			return nil, userError(err)
		}
		s.lastGoto = nil
	}
	s.afterResponse = append(s.afterResponse, func() { s.refreshClientDisplay(thread.ID()) })
	return nil, nil
}

// refreshClientDisplay makes the client reload the state of a stopped
// thread after it was changed without resuming.
func (s *Session) refreshClientDisplay(tid int) {
	s.varRefs.Reset()
	if s.clientCaps.SupportsInvalidatedEvent {
		s.sendEvent("invalidated", protocol.InvalidatedEventBody{ThreadID: tid})
	}
	s.sendEvent("stopped", protocol.StoppedEventBody{ThreadID: tid, AllThreadsStopped: true})
}

func (s *Session) onRestartFrameRequest(r *request) (interface{}, error) {
	var args protocol.RestartFrameArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	f, err := s.frameByID(args.FrameID)
	if err != nil {
		return nil, err
	}
	thread := f.Thread()
	if err := thread.ReturnFromFrame(f); err != nil {
		return nil, userError(err)
	}
	s.varRefs.Reset()
	s.afterResponse = append(s.afterResponse, func() {
		s.sendEvent("stopped", protocol.StoppedEventBody{Reason: "restart", ThreadID: thread.ID(), AllThreadsStopped: true})
	})
	return nil, nil
}
