package gdbserial

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
	"github.com/go-delve/ndap/pkg/logflags"
)

// maxStepInstructions bounds the instructions single stepped by one line
// step.
const maxStepInstructions = 200000

func (t *Thread) step(plan func() (stopInfo, error)) error {
	if err := t.p.checkStopped(); err != nil {
		return err
	}
	t.p.SetSelectedThread(t.tid)
	return t.p.resume(engine.StateStepping, plan)
}

func (t *Thread) StepOver() error {
	return t.step(func() (stopInfo, error) { return t.p.stepLine(t, false) })
}

func (t *Thread) StepInto() error {
	return t.step(func() (stopInfo, error) { return t.p.stepLine(t, true) })
}

func (t *Thread) StepOut() error {
	if t.NumFrames() < 2 {
		return errors.New("Could not create return address breakpoint.")
	}
	return t.step(func() (stopInfo, error) { return t.p.stepOut(t) })
}

func (t *Thread) StepInstruction(over bool) error {
	return t.step(func() (stopInfo, error) { return t.p.stepInstruction(t, over) })
}

func planComplete(t *Thread, desc string) stopInfo {
	return stopInfo{thread: t, reason: engine.StopPlanComplete, desc: desc}
}

func (p *Process) interruptedStop(t *Thread) stopInfo {
	return stopInfo{thread: t, reason: engine.StopSignal, data: []uint64{19}, desc: "signal SIGSTOP"}
}

func (p *Process) instructionAt(pc uint64) (disasm.Instruction, bool) {
	if p.decoder == nil {
		return disasm.Instruction{}, false
	}
	buf := make([]byte, p.decoder.MaxInstrLen)
	n, _ := p.readMemory(pc, buf)
	if n == 0 {
		return disasm.Instruction{}, false
	}
	return p.decoder.Decode(buf[:n], pc)
}

// lineAt returns the image and line table row covering pc.
func (p *Process) lineAt(pc uint64) (*image, *lineRow) {
	img := p.t.imageAt(pc)
	if img == nil || img.dwarf == nil {
		return nil, nil
	}
	row := img.rowAt(pc - img.bias)
	if row == nil || row.line == 0 {
		return nil, nil
	}
	return img, row
}

// lineRange returns the load address range of the contiguous rows of the
// line of row.
func lineRange(img *image, row *lineRow) (lo, hi uint64) {
	lo, hi = row.addr, row.end
	i := sort.Search(len(img.rows), func(i int) bool { return img.rows[i].addr >= row.addr })
	for j := i - 1; j >= 0 && img.rows[j].end == lo && sameLine(&img.rows[j], row); j-- {
		lo = img.rows[j].addr
	}
	for j := i + 1; j < len(img.rows) && img.rows[j].addr == hi && sameLine(&img.rows[j], row); j++ {
		hi = img.rows[j].end
	}
	return lo + img.bias, hi + img.bias
}

func sameLine(a, b *lineRow) bool { return a.line == b.line && a.file == b.file }

// stepThread single steps t alone, moving it past the breakpoint it sits
// on. It returns the stop to report when the step was interrupted by
// something else.
func (p *Process) stepThread(t *Thread) (*stopInfo, error) {
	pc, err := t.pc()
	if err != nil {
		return nil, err
	}
	onSite := p.sites[pc]
	if onSite {
		if err := p.conn.clearBreakpoint(pc, p.arch.breakpointKind); err != nil {
			return nil, err
		}
	}
	sp, err := p.conn.step(t.rawID, false)
	if onSite {
		if err2 := p.conn.setBreakpoint(pc, p.arch.breakpointKind); err2 != nil && err == nil {
			err = err2
		}
	}
	t.invalidate()
	if err != nil {
		return nil, err
	}
	if sp.sig != sigTRAP || sp.watch {
		if si, done := p.classify(sp); done {
			return &si, nil
		}
	}
	return nil, nil
}

// runTo resumes the process until t reaches addr with done returning true.
// Other stops are returned.
func (p *Process) runTo(t *Thread, addr uint64, done func() bool) (*stopInfo, error) {
	p.temp[addr] = true
	defer delete(p.temp, addr)
	for {
		if p.interrupted.Load() {
			si := p.interruptedStop(t)
			return &si, nil
		}
		sp, err := p.resumeAll()
		if err != nil {
			return nil, err
		}
		p.updateThreads(sp)
		if sp.sig == sigTRAP && !sp.watch {
			if th := p.stopThread(sp); th != nil && th.tid == t.tid {
				if pc, err := t.pc(); err == nil && pc == addr && done() {
					return nil, nil
				}
			}
		}
		if si, done := p.classify(sp); done {
			return &si, nil
		}
	}
}

// spAtLeast returns a condition true when the stack pointer of t is at least
// sp.
func spAtLeast(t *Thread, sp uint64) func() bool {
	return func() bool {
		cur, err := t.sp()
		return err == nil && cur >= sp
	}
}

func (p *Process) stepInstruction(t *Thread, over bool) (stopInfo, error) {
	pc, err := t.pc()
	if err != nil {
		return stopInfo{}, err
	}
	if over {
		if inst, ok := p.instructionAt(pc); ok && inst.IsCall() {
			sp, err := t.sp()
			if err != nil {
				return stopInfo{}, err
			}
			if si, err := p.runTo(t, inst.End(), spAtLeast(t, sp)); si != nil || err != nil {
				return deref(si), err
			}
			return planComplete(t, "instruction step over"), nil
		}
	}
	if si, err := p.stepThread(t); si != nil || err != nil {
		return deref(si), err
	}
	if over {
		return planComplete(t, "instruction step over"), nil
	}
	return planComplete(t, "instruction step into"), nil
}

func deref(si *stopInfo) stopInfo {
	if si == nil {
		return stopInfo{}
	}
	return *si
}

// stepLine steps t until it reaches the start of another line, or returns
// from the function. Calls are stepped over, or into when into is set and
// the callee has line information.
func (p *Process) stepLine(t *Thread, into bool) (stopInfo, error) {
	desc := "step over"
	if into {
		desc = "step in"
	}
	pc, err := t.pc()
	if err != nil {
		return stopInfo{}, err
	}
	img, row := p.lineAt(pc)
	if row == nil {
		// no line information, step over the instruction
		si, err := p.stepInstruction(t, true)
		if err == nil && si.reason == engine.StopPlanComplete {
			si.desc = desc
		}
		return si, err
	}
	lo, hi := lineRange(img, row)
	startSP, err := t.sp()
	if err != nil {
		return stopInfo{}, err
	}
	frames := t.stack()
	startCFA := startSP
	if len(frames) > 0 && frames[0].cfa != 0 {
		startCFA = frames[0].cfa
	}

	for i := 0; i < maxStepInstructions; i++ {
		if p.interrupted.Load() {
			return p.interruptedStop(t), nil
		}
		pc, err := t.pc()
		if err != nil {
			return stopInfo{}, err
		}
		if inst, ok := p.instructionAt(pc); ok && inst.IsCall() {
			sp, err := t.sp()
			if err != nil {
				return stopInfo{}, err
			}
			if into {
				if si, err := p.stepThread(t); si != nil || err != nil {
					return deref(si), err
				}
				if si, entered, err := p.enterCallee(t); si != nil || err != nil {
					return deref(si), err
				} else if entered {
					return planComplete(t, desc), nil
				}
			}
			if si, err := p.runTo(t, inst.End(), spAtLeast(t, sp)); si != nil || err != nil {
				return deref(si), err
			}
			continue
		}

		if si, err := p.stepThread(t); si != nil || err != nil {
			return deref(si), err
		}
		npc, err := t.pc()
		if err != nil {
			return stopInfo{}, err
		}
		if npc >= lo && npc < hi {
			continue
		}
		if bp, loc := p.t.breakpointAt(npc); bp != nil {
			p.t.hit(bp)
			return stopInfo{thread: t, reason: engine.StopBreakpoint, data: []uint64{uint64(bp.id), uint64(loc)}, desc: fmt.Sprintf("breakpoint %d.%d", bp.id, loc)}, nil
		}
		if sp, err := t.sp(); err == nil && sp >= startCFA {
			// returned to the caller
			return planComplete(t, desc), nil
		}
		nimg, nrow := p.lineAt(npc)
		if nrow == nil {
			continue
		}
		if !sameLine(nrow, row) || nrow.addr+nimg.bias == npc {
			return planComplete(t, desc), nil
		}
		lo, hi = lineRange(nimg, nrow)
	}
	logflags.EngineLogger().Warnf("line step of thread %d gave up after %d instructions", t.tid, maxStepInstructions)
	return planComplete(t, desc), nil
}

// enterCallee is called with t on the first instruction of a function. If
// the function has line information t runs to the end of its prologue and
// entered is set.
func (p *Process) enterCallee(t *Thread) (si *stopInfo, entered bool, err error) {
	pc, err := t.pc()
	if err != nil {
		return nil, false, err
	}
	img, row := p.lineAt(pc)
	if row == nil {
		return nil, false, nil
	}
	fn := img.functionAt(pc - img.bias)
	if fn == nil {
		return nil, true, nil
	}
	body := img.afterPrologue(fn) + img.bias
	if body <= pc {
		return nil, true, nil
	}
	sp, err := t.sp()
	if err != nil {
		return nil, false, err
	}
	// the frame of the callee lies below its entry stack pointer
	si, err = p.runTo(t, body, func() bool {
		cur, err := t.sp()
		return err == nil && cur <= sp
	})
	return si, true, err
}

func (p *Process) stepOut(t *Thread) (stopInfo, error) {
	frames := t.stack()
	if len(frames) < 2 {
		return stopInfo{}, errors.New("no caller to step out to")
	}
	f0, caller := frames[0], frames[1]
	img, fn := f0.function()
	cfa := f0.cfa
	if si, err := p.runTo(t, caller.pc, spAtLeast(t, cfa)); si != nil || err != nil {
		return deref(si), err
	}
	si := planComplete(t, "step out")
	si.retval = p.returnValue(t, img, fn)
	return si, nil
}

// returnValue reads the value a function just returned, when it is a
// scalar passed in the integer return register.
func (p *Process) returnValue(t *Thread, img *image, fn *function) engine.Value {
	if fn == nil || !fn.hasRet {
		return nil
	}
	typ, err := img.types.typeAt(fn.retType)
	if err != nil || typ.Size == 0 || typ.Size > 8 {
		return nil
	}
	switch typ.Class {
	case engine.TypeBuiltin:
		if typ.Basic == engine.BasicFloat || typ.Basic == engine.BasicVoid {
			return nil
		}
	case engine.TypePointer, engine.TypeEnum:
	default:
		return nil
	}
	r, err := t.register(p.arch.ret)
	if err != nil {
		return nil
	}
	data := make([]byte, typ.Size)
	putLittleEndian(data, r)
	return values.Const(fn.name, typ, data, p.t.memory())
}
