package enginetest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
	"github.com/go-delve/ndap/pkg/logflags"
)

// runBudget bounds the instructions executed by one resume. A process that
// exhausts it keeps running until Stop is called.
const runBudget = 10000

type runMode int

const (
	runContinue runMode = iota
	runStepOver
	runStepInto
	runStepOut
	runStepInstruction
	runStepInstructionOver
)

var stepDescriptions = map[runMode]string{
	runStepOver:            "step over",
	runStepInto:            "step in",
	runStepOut:             "step out",
	runStepInstruction:     "instruction step into",
	runStepInstructionOver: "instruction step over",
}

// Process is the simulated debuggee.
type Process struct {
	target *Target
	prog   *Program
	args   []string

	state      engine.ProcessState
	stopID     uint32
	exitStatus int
	exitDesc   string

	threads  []*Thread
	selected int
	mem      *values.Regions

	// history holds the main thread's stack before each executed
	// instruction, for reverse execution.
	history [][]frameState
	// watchHit is set by effects writing to watched memory.
	watchHit *Watchpoint
}

var _ engine.Process = (*Process)(nil)

func newProcess(t *Target, args []string) *Process {
	p := &Process{target: t, prog: t.prog, args: args, state: engine.StateLaunching}
	p.mem = &values.Regions{}
	p.mem.Map(TextStart, len(t.prog.text), t.prog.text)
	p.mem.Map(DataStart, 0x100, initialData())
	p.mem.Map(StackStart, StackSize, nil)

	entry := t.prog.Entry
	p.threads = []*Thread{
		{proc: p, tid: MainTID, index: 1, name: "main", stack: []frameState{{fn: t.prog.funcAt(entry), pc: entry, cfa: StackStart + StackSize}}},
		{proc: p, tid: WorkerTID, index: 2, name: "worker", stack: []frameState{{fn: t.prog.funcAt(AddrSpin), pc: AddrSpin, cfa: StackStart + StackSize/2}}},
	}
	p.selected = MainTID
	return p
}

func (p *Process) PID() int { return PID }

func (p *Process) State() engine.ProcessState { return p.state }

func (p *Process) ExitStatus() int { return p.exitStatus }

func (p *Process) ExitDescription() string { return p.exitDesc }

func (p *Process) StopID() uint32 { return p.stopID }

// Args returns the arguments the process was launched with.
func (p *Process) Args() []string { return p.args }

func (p *Process) Threads() []engine.Thread {
	if !p.state.IsAlive() {
		return nil
	}
	r := make([]engine.Thread, len(p.threads))
	for i, t := range p.threads {
		r[i] = t
	}
	return r
}

func (p *Process) thread(tid int) *Thread {
	for _, t := range p.threads {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

func (p *Process) ThreadByID(tid int) engine.Thread {
	if t := p.thread(tid); t != nil && p.state.IsAlive() {
		return t
	}
	return nil
}

func (p *Process) SelectedThread() engine.Thread {
	return p.ThreadByID(p.selected)
}

func (p *Process) SetSelectedThread(tid int) bool {
	if p.thread(tid) == nil {
		return false
	}
	p.selected = tid
	return true
}

func (p *Process) checkStopped() error {
	switch {
	case !p.state.IsAlive():
		return errors.New("invalid process")
	case !p.state.IsStopped():
		return errors.New("Process is running.")
	}
	return nil
}

func (p *Process) Continue() error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	p.resume(p.mainThread(), runContinue)
	return nil
}

func (p *Process) mainThread() *Thread { return p.threads[0] }

func (p *Process) Stop() error {
	if !p.state.IsRunning() {
		return errors.New("Process is not running.")
	}
	p.stopped(p.mainThread(), engine.StopSignal, []uint64{19}, "signal SIGSTOP")
	return nil
}

func (p *Process) Kill() error {
	if !p.state.IsAlive() {
		return errors.New("invalid process")
	}
	p.terminate(engine.StateExited, 9, "killed")
	return nil
}

func (p *Process) Detach() error {
	if !p.state.IsAlive() {
		return errors.New("invalid process")
	}
	p.terminate(engine.StateDetached, 0, "")
	return nil
}

func (p *Process) ReadMemory(addr uint64, buf []byte) (int, error) {
	if !p.state.IsAlive() {
		return 0, errors.New("invalid process")
	}
	return p.mem.ReadMemory(addr, buf)
}

func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if !p.state.IsAlive() {
		return 0, errors.New("invalid process")
	}
	return p.mem.WriteMemory(addr, data)
}

// SendPacket understands the reverse execution packets of rr and gdbserver:
// Hc selects the thread, bs steps one instruction back and bc runs backwards
// to the previous breakpoint.
func (p *Process) SendPacket(packet string) (string, error) {
	if err := p.checkStopped(); err != nil {
		return "", err
	}
	main := p.mainThread()
	switch {
	case strings.HasPrefix(packet, "Hc"):
		tid, err := strconv.ParseInt(packet[2:], 16, 64)
		if err != nil || p.thread(int(tid)) == nil {
			return "E01", nil
		}
		p.selected = int(tid)
		return "OK", nil
	case packet == "bs":
		p.setState(engine.StateStepping)
		p.reverseStep(main)
		p.stopped(main, engine.StopTrace, nil, "instruction step back")
	case packet == "bc":
		p.setState(engine.StateRunning)
		p.reverseStep(main)
		for len(p.history) > 0 {
			if bp, loc := p.target.breakpointAt(main.pc()); bp != nil {
				p.stopped(main, engine.StopBreakpoint, []uint64{uint64(bp.id), uint64(loc)}, fmt.Sprintf("breakpoint %d.%d", bp.id, loc))
				return fmt.Sprintf("T05thread:%x;", main.tid), nil
			}
			p.reverseStep(main)
		}
		p.stopped(main, engine.StopTrace, nil, "reached the beginning of the recording")
	default:
		return "", nil
	}
	return fmt.Sprintf("T05thread:%x;", main.tid), nil
}

func (p *Process) reverseStep(t *Thread) {
	if len(p.history) == 0 {
		return
	}
	t.stack = p.history[len(p.history)-1]
	p.history = p.history[:len(p.history)-1]
}

func (p *Process) setState(state engine.ProcessState) {
	p.state = state
	if state.IsStopped() {
		p.stopID++
	}
	p.target.dbg.post(engine.ProcessStateEvent{State: state, StopID: p.stopID})
}

func (p *Process) output(stderr bool, data string) {
	p.target.dbg.post(engine.OutputEvent{Stderr: stderr, Data: data})
}

// wrote is called by effects after writing size bytes at addr.
func (p *Process) wrote(t *Thread, addr uint64, size int) {
	if w := p.target.watchpointFor(addr, size); w != nil && p.watchHit == nil {
		p.watchHit = w
	}
}

func (p *Process) resume(t *Thread, mode runMode) {
	for _, th := range p.threads {
		th.clearStopInfo()
	}
	if mode == runContinue {
		p.setState(engine.StateRunning)
	} else {
		p.setState(engine.StateStepping)
	}
	p.run(t, mode)
}

// run executes t until mode completes, a breakpoint or watchpoint is hit
// or the process exits.
func (p *Process) run(t *Thread, mode runMode) {
	depth := len(t.stack)
	startLine := p.prog.lineAt(t.pc())
	startFn := t.stack[depth-1].fn

	for i := 0; i < runBudget; i++ {
		callee := p.exec(t)
		if !p.state.IsRunning() {
			return
		}
		if w := p.watchHit; w != nil {
			p.watchHit = nil
			p.stopped(t, engine.StopWatchpoint, []uint64{uint64(w.id)}, fmt.Sprintf("watchpoint %d", w.id))
			return
		}
		pc := t.pc()
		if bp, loc := p.target.breakpointAt(pc); bp != nil {
			bp.hits++
			p.stopped(t, engine.StopBreakpoint, []uint64{uint64(bp.id), uint64(loc)}, fmt.Sprintf("breakpoint %d.%d", bp.id, loc))
			return
		}

		d := len(t.stack)
		done := false
		var retval engine.Value
		switch mode {
		case runStepInstruction:
			done = true
		case runStepInstructionOver:
			done = d <= depth
		case runStepOut:
			if d < depth {
				if callee != nil && callee.ret != values.Void {
					retval = values.ConstInt(callee.name, callee.ret, callee.retval)
				}
				done = true
			}
		case runStepOver, runStepInto:
			switch {
			case d < depth:
				done = true
			case d > depth:
				done = mode == runStepInto && p.prog.lineAt(pc).IsValid()
			default:
				le := p.prog.lineAt(pc)
				done = le.IsValid() && (le.Line != startLine.Line || t.stack[d-1].fn != startFn)
			}
		}
		if done {
			p.stoppedWithValue(t, engine.StopPlanComplete, nil, stepDescriptions[mode], retval)
			return
		}
	}
	logflags.EngineLogger().Debugf("thread %d still running after %d instructions", t.tid, runBudget)
}

// exec executes one instruction of t. It returns the function that
// returned, if the instruction was a return.
func (p *Process) exec(t *Thread) *function {
	top := &t.stack[len(t.stack)-1]
	in := p.prog.instrs[top.pc]
	if in == nil {
		for _, th := range p.threads {
			th.clearStopInfo()
		}
		t.reason, t.reasonData = engine.StopSignal, []uint64{4}
		t.description = fmt.Sprintf("signal SIGILL: illegal instruction at 0x%x", top.pc)
		p.selected = t.tid
		p.setState(engine.StateCrashed)
		return nil
	}
	if t == p.mainThread() {
		p.history = append(p.history, append([]frameState(nil), t.stack...))
	}

	var returned *function
	switch in.op {
	case opNext:
		top.pc = in.end()
	case opJump:
		top.pc = in.target
	case opCall:
		top.pc = in.end()
		t.stack = append(t.stack, frameState{fn: p.prog.funcAt(in.target), pc: in.target, cfa: top.cfa - 0x40})
	case opReturn:
		returned = top.fn
		t.stack = t.stack[:len(t.stack)-1]
		if returned != nil {
			t.rax = uint64(returned.retval)
		}
	}
	if in.effect != nil {
		in.effect(p, t)
	}
	if len(t.stack) == 0 {
		p.terminate(engine.StateExited, 0, "")
	}
	return returned
}

func (p *Process) stopped(t *Thread, reason engine.StopReason, data []uint64, desc string) {
	p.stoppedWithValue(t, reason, data, desc, nil)
}

// stoppedWithValue is stopped for a step out reporting the value the
// function returned.
func (p *Process) stoppedWithValue(t *Thread, reason engine.StopReason, data []uint64, desc string, retval engine.Value) {
	for _, th := range p.threads {
		th.clearStopInfo()
	}
	t.reason, t.reasonData, t.description, t.retval = reason, data, desc, retval
	t.selectedFrame = 0
	p.selected = t.tid
	p.setState(engine.StateStopped)
}

func (p *Process) terminate(state engine.ProcessState, status int, desc string) {
	p.exitStatus, p.exitDesc = status, desc
	p.setState(state)
}
