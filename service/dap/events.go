package dap

import (
	"fmt"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// dataBreakpointIDBase offsets watchpoint ids so that they never collide
// with breakpoint ids in hitBreakpointIds.
const dataBreakpointIDBase = 1000000

func (s *Session) handleDebugEvent(ev engine.Event) {
	switch ev := ev.(type) {
	case engine.ProcessStateEvent:
		s.onProcessStateEvent(ev)
	case engine.OutputEvent:
		category := "stdout"
		if ev.Stderr {
			category = "stderr"
		}
		s.output(category, ev.Data)
	case engine.ModuleEvent:
		s.onModuleEvent(ev)
	case engine.BreakpointEvent:
		s.onBreakpointEvent(ev)
	default:
		s.log.Debugf("unhandled engine event %T", ev)
	}
}

// onProcessStateEvent reports process state changes. Events may be stale by
// the time they are handled, so they are only acted upon when they agree
// with the current state of the process, and each stop is reported once.
func (s *Session) onProcessStateEvent(ev engine.ProcessStateEvent) {
	proc := s.process()
	if proc == nil || ev.Restarted {
		return
	}
	state := proc.State()
	s.log.Debugf("process state %v (stop id %d), now %v (stop id %d)", ev.State, ev.StopID, state, proc.StopID())

	switch {
	case ev.State.IsStopped():
		if !state.IsStopped() || ev.StopID != proc.StopID() || ev.StopID == s.notifiedStop {
			return
		}
		s.notifyStopped(proc)
	case ev.State.IsRunning():
		// Resumes from a stop at or before resumedStop were announced by
		// the request that made them, or were not meant to be seen.
		if ev.StopID <= s.resumedStop {
			return
		}
		// resumed by the engine or a console command
		s.resumedStop = ev.StopID
		s.varRefs.Reset()
		s.sendContinued()
	case ev.State == engine.StateExited:
		if state == engine.StateExited {
			s.notifyExited(proc)
		}
	case ev.State == engine.StateDetached:
		if state == engine.StateDetached && !s.exitNotified {
			s.exitNotified = true
			s.consoleMessage("Detached from debuggee.")
			s.sendEvent("terminated", protocol.TerminatedEventBody{})
		}
	}
}

func (s *Session) notifyExited(proc engine.Process) {
	if s.exitNotified {
		return
	}
	s.exitNotified = true
	code := proc.ExitStatus()
	if desc := proc.ExitDescription(); desc != "" {
		s.consoleMessage("Process exited with code %d (%s).", code, desc)
	} else {
		s.consoleMessage("Process exited with code %d.", code)
	}
	s.sendEvent("exited", protocol.ExitedEventBody{ExitCode: code})
	s.sendEvent("terminated", protocol.TerminatedEventBody{})
}

// beforeResume invalidates everything that refers to the current stop.
func (s *Session) beforeResume() {
	s.varRefs.Reset()
	s.stepInTargets = nil
	s.pauseRequested = false
	if proc := s.process(); proc != nil {
		s.resumedStop = proc.StopID()
	}
}

func (s *Session) sendContinued() {
	s.sendEvent("continued", protocol.ContinuedEventBody{AllThreadsContinued: true})
}

// announceResume sends the continued event of a resume the client asked
// for, once the response to the request is out.
func (s *Session) announceResume() {
	s.afterResponse = append(s.afterResponse, s.sendContinued)
}

// resume continues the process after a stop the client was not told about.
func (s *Session) resume(proc engine.Process) {
	s.beforeResume()
	if err := proc.Continue(); err != nil {
		s.consoleError("Could not resume the debuggee: %v", err)
	}
}

// notifyStopped sends the stopped event of the current stop, unless the
// stop is a breakpoint hit that should not stop, in which case the
// process is resumed.
func (s *Session) notifyStopped(proc engine.Process) {
	s.notifiedStop = proc.StopID()
	s.varRefs.Reset()
	s.stepInTargets = nil

	thread := s.stoppedThread(proc)
	body := protocol.StoppedEventBody{AllThreadsStopped: true}
	if thread == nil {
		body.Reason = "unknown"
		s.sendEvent("stopped", body)
		return
	}
	body.ThreadID = thread.ID()
	s.stopThread = thread.ID()

	switch thread.StopReason() {
	case engine.StopBreakpoint:
		data := thread.StopReasonData()
		if len(data) == 0 {
			body.Reason = "breakpoint"
			break
		}
		id := int(data[0])
		if !s.shouldStopOnBreakpoint(thread, id) {
			s.resume(proc)
			return
		}
		body.Reason = "breakpoint"
		if bp := s.breakpoints.get(id); bp != nil && bp.kind == exceptionBreakpoint {
			body.Reason = "exception"
			body.Description = bp.label
			body.Text = bp.label
		}
		body.HitBreakpointIDs = []int{id}
	case engine.StopWatchpoint:
		body.Reason = "data breakpoint"
		if data := thread.StopReasonData(); len(data) > 0 {
			id := int(data[0]) + dataBreakpointIDBase
			if !s.shouldStopOnBreakpoint(thread, id) {
				s.resume(proc)
				return
			}
			body.HitBreakpointIDs = []int{id}
		}
	case engine.StopTrace, engine.StopPlanComplete:
		body.Reason = "step"
	case engine.StopSignal:
		// the description names the signal
		body.Reason = "exception"
		if s.pauseRequested {
			body.Reason = "pause"
		}
	case engine.StopException:
		body.Reason = "exception"
	default:
		body.Reason = "unknown"
	}
	s.pauseRequested = false

	switch body.Reason {
	case "breakpoint", "step", "pause":
	default:
		if desc := thread.StopDescription(); desc != "" {
			if body.Text == "" {
				body.Text = desc
			}
			if body.Description == "" {
				body.Description = desc
			}
			s.consoleMessage("Stop reason: %s", desc)
		}
	}
	s.sendEvent("stopped", body)
}

// stoppedThread picks the thread reported for a stop: the one with the
// most specific stop reason, the selected thread when there is a tie.
func (s *Session) stoppedThread(proc engine.Process) engine.Thread {
	selected := proc.SelectedThread()
	best := selected
	bestPriority := -1
	if selected != nil {
		bestPriority = selected.StopReason().Priority()
	}
	for _, t := range proc.Threads() {
		if p := t.StopReason().Priority(); p > bestPriority {
			best, bestPriority = t, p
		}
	}
	if best != nil && (selected == nil || best.ID() != selected.ID()) {
		proc.SetSelectedThread(best.ID())
	}
	return best
}

func (s *Session) onModuleEvent(ev engine.ModuleEvent) {
	s.symbols = nil
	var reason string
	switch ev.Kind {
	case engine.ModulesLoaded:
		reason = "new"
	case engine.ModulesUnloaded:
		reason = "removed"
	default:
		reason = "changed"
	}
	for _, m := range ev.Modules {
		s.sendEvent("module", protocol.ModuleEventBody{Reason: reason, Module: s.dapModule(m)})
	}
}

func (s *Session) onBreakpointEvent(ev engine.BreakpointEvent) {
	if ev.Breakpoint == nil {
		return
	}
	info := s.breakpoints.get(ev.Breakpoint.ID())
	if info == nil {
		// created from the console
		return
	}
	switch ev.Kind {
	case engine.BreakpointRemoved:
		s.breakpoints.remove(info.id)
		s.sendEvent("breakpoint", protocol.BreakpointEventBody{Reason: "removed", Breakpoint: protocol.Breakpoint{ID: info.id}})
	default:
		s.sendEvent("breakpoint", protocol.BreakpointEventBody{Reason: "changed", Breakpoint: s.dapBreakpoint(info, ev.Breakpoint)})
	}
}

// dapModule converts an engine module.
func (s *Session) dapModule(m engine.Module) protocol.Module {
	dm := protocol.Module{ID: m.ID(), Name: m.Name(), Path: m.Path()}
	if m.HasSymbols() {
		dm.SymbolStatus = "Symbols loaded."
		dm.SymbolFilePath = m.SymbolsPath()
	} else {
		dm.SymbolStatus = "Symbols not found."
	}
	if addr, ok := m.LoadAddress(); ok {
		dm.AddressRange = fmt.Sprintf("0x%x", addr)
	}
	return dm
}
