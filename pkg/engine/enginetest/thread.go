package enginetest

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
)

type frameState struct {
	fn  *function
	pc  uint64
	cfa uint64
}

// Thread is a simulated thread. Its stack grows towards the end of the
// slice.
type Thread struct {
	proc  *Process
	tid   int
	index int
	name  string
	stack []frameState
	rax   uint64

	reason        engine.StopReason
	reasonData    []uint64
	description   string
	retval        engine.Value
	selectedFrame int
}

var _ engine.Thread = (*Thread)(nil)

func (t *Thread) pc() uint64 { return t.stack[len(t.stack)-1].pc }

func (t *Thread) clearStopInfo() {
	t.reason, t.reasonData, t.description, t.retval = engine.StopNone, nil, "", nil
}

func (t *Thread) ID() int { return t.tid }

func (t *Thread) IndexID() int { return t.index }

func (t *Thread) Name() string { return t.name }

func (t *Thread) StopReason() engine.StopReason { return t.reason }

func (t *Thread) StopReasonData() []uint64 { return t.reasonData }

func (t *Thread) StopDescription() string { return t.description }

func (t *Thread) StopReturnValue() engine.Value { return t.retval }

func (t *Thread) NumFrames() int { return len(t.stack) }

func (t *Thread) Frame(i int) engine.Frame {
	if i < 0 || i >= len(t.stack) {
		return nil
	}
	return &Frame{thread: t, index: i, fs: t.stack[len(t.stack)-1-i]}
}

func (t *Thread) SelectedFrame() engine.Frame { return t.Frame(t.selectedFrame) }

func (t *Thread) SetSelectedFrame(i int) {
	if i >= 0 && i < len(t.stack) {
		t.selectedFrame = i
	}
}

func (t *Thread) step(mode runMode) error {
	if err := t.proc.checkStopped(); err != nil {
		return err
	}
	t.proc.selected = t.tid
	t.proc.resume(t, mode)
	return nil
}

func (t *Thread) StepOver() error { return t.step(runStepOver) }

func (t *Thread) StepInto() error { return t.step(runStepInto) }

func (t *Thread) StepOut() error { return t.step(runStepOut) }

func (t *Thread) StepInstruction(over bool) error {
	if over {
		return t.step(runStepInstructionOver)
	}
	return t.step(runStepInstruction)
}

func (t *Thread) JumpToLine(file string, line int) error {
	if err := t.proc.checkStopped(); err != nil {
		return err
	}
	if !t.proc.target.matchesSource(file) {
		return fmt.Errorf("no line entries for %s", file)
	}
	top := &t.stack[len(t.stack)-1]
	for _, le := range t.proc.prog.lines {
		if le.Line == line && top.fn != nil && top.fn.start <= le.Start && le.Start < top.fn.end {
			top.pc = le.Start
			return nil
		}
	}
	return fmt.Errorf("Can't find a line entry for line %d in the current function", line)
}

func (t *Thread) ReturnFromFrame(f engine.Frame) error {
	if err := t.proc.checkStopped(); err != nil {
		return err
	}
	fr, ok := f.(*Frame)
	if !ok || fr.thread != t || fr.index >= len(t.stack) {
		return errors.New("frame does not belong to this thread")
	}
	if fr.index == len(t.stack)-1 {
		return errors.New("Could not return from the outermost frame")
	}
	t.stack = t.stack[:len(t.stack)-1-fr.index]
	t.selectedFrame = 0
	return nil
}

// Frame is one frame of a simulated thread.
type Frame struct {
	thread *Thread
	index  int
	fs     frameState
}

var _ engine.Frame = (*Frame)(nil)

func (f *Frame) Index() int { return f.index }

func (f *Frame) Thread() engine.Thread { return f.thread }

func (f *Frame) PC() uint64 { return f.fs.pc }

func (f *Frame) CFA() uint64 { return f.fs.cfa }

// lookupPC is the address used to symbolicate the frame. For callers it is
// inside the call instruction rather than at the return address.
func (f *Frame) lookupPC() uint64 {
	if f.index > 0 {
		return f.fs.pc - 1
	}
	return f.fs.pc
}

func (f *Frame) SymbolContext() engine.SymbolContext {
	return f.thread.proc.target.ResolveLoadAddress(f.lookupPC())
}

func (f *Frame) FunctionName() string {
	if f.fs.fn == nil {
		return ""
	}
	return f.fs.fn.name
}

func (f *Frame) DisplayFunctionName() string { return f.FunctionName() }

func (f *Frame) mem() values.Memory { return f.thread.proc.mem }

func (f *Frame) value(v variable) *values.Value {
	return values.New(v.name, v.typ, f.mem(), v.addr, v.vt)
}

func (f *Frame) Variables(opts engine.VariableOptions) []engine.Value {
	var r []engine.Value
	if fn := f.fs.fn; fn != nil {
		if opts.Arguments {
			for _, v := range fn.args {
				r = append(r, f.value(v))
			}
		}
		if opts.Locals {
			for _, v := range fn.locals {
				r = append(r, f.value(v))
			}
		}
	}
	if opts.Statics {
		prog := f.thread.proc.prog
		for _, vars := range [][]variable{prog.statics, prog.globals} {
			for _, v := range vars {
				r = append(r, f.value(v))
			}
		}
	}
	return r
}

func (f *Frame) registers() []*values.Value {
	return []*values.Value{
		values.Register("rax", values.ULong, f.thread.rax),
		values.Register("rbp", values.ULong, f.fs.cfa-0x10),
		values.Register("rsp", values.ULong, f.fs.cfa-0x10),
		values.Register("rip", values.ULong, f.fs.pc),
	}
}

func (f *Frame) Registers() []engine.Value {
	return []engine.Value{values.Set("General Purpose Registers", engine.RegisterSet, f.registers()...)}
}

func (f *Frame) FindVariable(name string) engine.Value {
	v, ok := f.Lookup(name)
	if !ok {
		return nil
	}
	return v
}

// Lookup resolves name in the frame's scope: arguments and locals, then
// statics and globals, then registers.
func (f *Frame) Lookup(name string) (*values.Value, bool) {
	if fn := f.fs.fn; fn != nil {
		for _, vars := range [][]variable{fn.args, fn.locals} {
			for _, v := range vars {
				if v.name == name {
					return f.value(v), true
				}
			}
		}
	}
	if len(name) > 1 && name[0] == '$' {
		for _, r := range f.registers() {
			if r.Name() == name[1:] {
				return r, true
			}
		}
		return nil, false
	}
	return f.thread.proc.target.findGlobal(name)
}

func (f *Frame) Memory() values.Memory { return f.mem() }

func (f *Frame) Evaluate(ctx context.Context, expr string) (engine.Value, error) {
	v, err := values.Evaluate(ctx, expr, f)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (f *Frame) SetPC(addr uint64) error {
	if f.index != 0 {
		return errors.New("can only set the pc of the innermost frame")
	}
	fn := f.thread.proc.prog.funcAt(addr)
	if fn == nil || fn != f.fs.fn {
		return fmt.Errorf("0x%x is not in the current function", addr)
	}
	f.thread.stack[len(f.thread.stack)-1].pc = addr
	f.fs.pc = addr
	return nil
}

func (f *Frame) IsEqual(other engine.Frame) bool {
	o, ok := other.(*Frame)
	return ok && o.thread == f.thread && o.fs.cfa == f.fs.cfa && o.fs.fn == f.fs.fn
}
