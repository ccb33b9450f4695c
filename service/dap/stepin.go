package dap

import (
	"encoding/binary"
	"path/filepath"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// stepInTarget is a function called on the source statement a frame is
// stopped at. Step-in targets are valid until the debuggee resumes.
type stepInTarget struct {
	fn engine.Function
	// stmtStart and stmtEnd delimit the code of the statement.
	stmtStart, stmtEnd uint64
}

func (t *stepInTarget) inStatement(pc uint64) bool {
	return t.stmtStart <= pc && pc < t.stmtEnd
}

// Typically the debuggee is stopped on a line like
//
//	AAA(BBB(),
//	    CCC());
//
// on the call to BBB. The call to AAA follows the call to CCC, which is
// on another line, so the code of the statement is split over several
// line entries. The statement is taken to end with the last of the line
// entries of the current line.
func (s *Session) onStepInTargetsRequest(r *request) (interface{}, error) {
	var args protocol.StepInTargetsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	frame, err := s.frameByID(args.FrameID)
	if err != nil {
		return nil, err
	}
	if s.disasm == nil {
		return nil, userErrorf("Disassembly is not available for this target.")
	}
	sc := frame.SymbolContext()
	cur := sc.LineEntry
	if !cur.IsValid() {
		return nil, userErrorf("No line entry for frame.")
	}
	if sc.CompileUnit == "" {
		return nil, userErrorf("No compile unit for frame.")
	}

	var maxEnd uint64
	for _, le := range s.target.LineEntries(sc.CompileUnit) {
		if le.Line == cur.Line && filepath.Base(le.File) == filepath.Base(cur.File) && le.End > maxEnd {
			maxEnd = le.End
		}
	}
	pc := frame.PC()
	if maxEnd <= pc {
		return protocol.StepInTargetsResponseBody{Targets: []protocol.StepInTarget{}}, nil
	}

	var fns []engine.Function
	seen := make(map[uint64]bool)
	for _, inst := range s.disasm.Instructions(pc, maxEnd) {
		if !inst.IsCall() {
			continue
		}
		fn, ok := s.callTargetFunction(inst)
		if !ok || seen[fn.Start] {
			continue
		}
		// only functions with line information can be stopped in
		if !s.target.ResolveLoadAddress(fn.Start).LineEntry.IsValid() {
			continue
		}
		seen[fn.Start] = true
		fns = append(fns, fn)
	}

	targets := []protocol.StepInTarget{}
	for _, fn := range fns {
		id := len(s.stepInTargets)
		s.stepInTargets = append(s.stepInTargets, stepInTarget{fn: fn, stmtStart: pc, stmtEnd: maxEnd})
		label := fn.DisplayName
		if label == "" {
			label = fn.Name
		}
		targets = append(targets, protocol.StepInTarget{ID: id, Label: label})
	}
	return protocol.StepInTargetsResponseBody{Targets: targets}, nil
}

// callTargetFunction returns the function a call instruction calls. A call
// to a trampoline resolves to the function the trampoline jumps to.
func (s *Session) callTargetFunction(inst disasm.Instruction) (engine.Function, bool) {
	addr, ok := s.branchTarget(inst)
	if !ok {
		return engine.Function{}, false
	}
	if fn := s.target.ResolveLoadAddress(addr).Function; fn != nil {
		return *fn, true
	}
	jmp, ok := s.disasm.InstructionAt(addr)
	if !ok || !jmp.IsJump() {
		return engine.Function{}, false
	}
	if addr, ok = s.branchTarget(jmp); !ok {
		return engine.Function{}, false
	}
	if fn := s.target.ResolveLoadAddress(addr).Function; fn != nil {
		return *fn, true
	}
	return engine.Function{}, false
}

// branchTarget returns the destination of a direct branch, or of an
// indirect branch through a pc-relative slot.
func (s *Session) branchTarget(inst disasm.Instruction) (uint64, bool) {
	if inst.HasTarget {
		return inst.Target, true
	}
	if !inst.HasSlot {
		return 0, false
	}
	size := s.target.AddressSize()
	buf := make([]byte, size)
	if n, err := s.target.ReadMemory(inst.Slot, buf); err != nil || n != size {
		return 0, false
	}
	switch size {
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), true
	case 8:
		return binary.LittleEndian.Uint64(buf), true
	}
	return 0, false
}

// stepIntoTarget steps into the calls of the current statement until
// execution reaches target. Calls to other functions are stepped out of.
// Stepping gives up once execution leaves the statement. The engine runs
// synchronously meanwhile and the final stop is reported once.
func (s *Session) stepIntoTarget(r *request, thread engine.Thread, target *stepInTarget) {
	proc := s.process()
	start := thread.Frame(0)
	s.withSyncMode(func() {
		step := thread.StepInto
		for r.ctx.Err() == nil {
			if err := step(); err != nil {
				s.log.Debugf("step to %s: %v", target.fn.Name, err)
				return
			}
			step = thread.StepInto
			if !proc.State().IsStopped() {
				return
			}
			switch thread.StopReason() {
			case engine.StopPlanComplete, engine.StopTrace:
			default:
				return
			}
			f := thread.Frame(0)
			if f == nil {
				return
			}
			if fn := f.SymbolContext().Function; fn != nil && fn.Start == target.fn.Start {
				return
			}
			if inst, ok := s.disasm.InstructionAt(f.PC()); ok && inst.IsJump() {
				// trampoline
				continue
			}
			if f.IsEqual(start) {
				if target.inStatement(f.PC()) {
					continue
				}
				return
			}
			if !hasFrame(thread, start) {
				return
			}
			// in some other callee
			step = thread.StepOut
		}
	})
	// the intermediate stops were never reported, nor are their resumes
	s.resumedStop = proc.StopID()
	if proc.State().IsStopped() {
		s.resumedStop--
	}
	s.afterResponse = append(s.afterResponse, func() {
		switch state := proc.State(); {
		case state.IsStopped():
			s.notifyStopped(proc)
		case state == engine.StateExited:
			s.notifyExited(proc)
		}
	})
}

func hasFrame(thread engine.Thread, f engine.Frame) bool {
	for i := 1; i < thread.NumFrames(); i++ {
		if fr := thread.Frame(i); fr != nil && fr.IsEqual(f) {
			return true
		}
	}
	return false
}
