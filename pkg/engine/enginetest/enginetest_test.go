package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
)

func launch(t *testing.T, prog *Program, stopAtEntry bool) (*Debugger, *Target, *Process) {
	t.Helper()
	d := New(prog)
	tgt, err := d.CreateTarget(DefaultPath)
	require.NoError(t, err)
	p, err := tgt.Launch(context.Background(), engine.LaunchInfo{StopAtEntry: stopAtEntry})
	require.NoError(t, err)
	return d, tgt.(*Target), p.(*Process)
}

func drain(d *Debugger) []engine.Event {
	var evs []engine.Event
	for {
		ev, ok := d.WaitForEvent(time.Millisecond)
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}

func mustSend(t *testing.T, p *Process, packet string) string {
	t.Helper()
	reply, err := p.SendPacket(packet)
	require.NoError(t, err)
	return reply
}

func topLine(t *testing.T, p *Process) int {
	t.Helper()
	th := p.SelectedThread()
	require.NotNil(t, th)
	return th.Frame(0).SymbolContext().LineEntry.Line
}

func TestLaunchRunsToExit(t *testing.T) {
	d, _, p := launch(t, nil, false)
	assert.Equal(t, engine.StateExited, p.State())
	assert.Equal(t, 0, p.ExitStatus())

	var states []engine.ProcessState
	var output string
	for _, ev := range drain(d) {
		switch ev := ev.(type) {
		case engine.ProcessStateEvent:
			states = append(states, ev.State)
		case engine.OutputEvent:
			output += ev.Data
		}
	}
	assert.Equal(t, []engine.ProcessState{engine.StateRunning, engine.StateExited}, states)
	assert.Equal(t, "result: 255\n", output)
}

func TestStopAtEntry(t *testing.T) {
	_, _, p := launch(t, nil, true)
	require.Equal(t, engine.StateStopped, p.State())
	th := p.SelectedThread()
	assert.Equal(t, MainTID, th.ID())
	assert.Equal(t, engine.StopSignal, th.StopReason())
	assert.Equal(t, []uint64{19}, th.StopReasonData())
	assert.Equal(t, uint64(AddrMain), th.Frame(0).PC())
	assert.Len(t, p.Threads(), 2)
}

func TestBreakpointHit(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	bp, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: "main.c", Line: 7})
	require.NoError(t, err)
	require.Len(t, bp.Locations(), 1)
	loc := bp.Locations()[0]
	assert.True(t, loc.Resolved)
	assert.Equal(t, uint64(0x401044), loc.Address)

	require.NoError(t, p.Continue())
	require.Equal(t, engine.StateStopped, p.State())
	th := p.SelectedThread()
	assert.Equal(t, engine.StopBreakpoint, th.StopReason())
	assert.Equal(t, []uint64{uint64(bp.ID()), 1}, th.StopReasonData())
	assert.Equal(t, 1, bp.HitCount())
	assert.Equal(t, 7, topLine(t, p))

	require.NoError(t, p.Continue())
	assert.Equal(t, engine.StateExited, p.State())
}

func TestBreakpointMovesToNextLineWithCode(t *testing.T) {
	_, tgt, _ := launch(t, nil, true)
	bp, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: SourceFile, Line: 10})
	require.NoError(t, err)
	require.Len(t, bp.Locations(), 1)
	assert.Equal(t, 11, bp.Locations()[0].LineEntry.Line)

	bp, err = tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: "/elsewhere/main.c", Line: 7})
	require.NoError(t, err)
	assert.Empty(t, bp.Locations())
}

func TestFunctionBreakpoints(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	bp, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFunctionRegex, Name: "^[A-C]{3}$"})
	require.NoError(t, err)
	assert.Len(t, bp.Locations(), 3)

	require.NoError(t, p.Continue())
	assert.Equal(t, "BBB", p.SelectedThread().Frame(0).FunctionName())
	require.NoError(t, p.Continue())
	assert.Equal(t, "CCC", p.SelectedThread().Frame(0).FunctionName())
	require.NoError(t, tgt.DeleteBreakpoint(bp.ID()))
	require.NoError(t, p.Continue())
	assert.Equal(t, engine.StateExited, p.State())
}

func TestStepping(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	_, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointAddress, Address: AddrCallLine})
	require.NoError(t, err)
	require.NoError(t, p.Continue())
	th := p.SelectedThread()
	require.Equal(t, 6, topLine(t, p))

	// into BBB, then back out with its return value
	require.NoError(t, th.StepInto())
	assert.Equal(t, "BBB", th.Frame(0).FunctionName())
	assert.Equal(t, 2, th.NumFrames())
	assert.Equal(t, engine.StopPlanComplete, th.StopReason())
	require.NoError(t, th.StepOut())
	assert.Equal(t, "main", th.Frame(0).FunctionName())
	assert.Equal(t, uint64(0x40103a), th.Frame(0).PC())
	rv := th.StopReturnValue()
	require.NotNil(t, rv)
	assert.Equal(t, "1", rv.Value())

	// the rest of line 6 is stepped over
	require.NoError(t, th.StepOver())
	assert.Equal(t, 7, topLine(t, p))
	assert.Nil(t, th.StopReturnValue())

	require.NoError(t, th.StepInstruction(false))
	assert.Equal(t, uint64(0x401045), th.Frame(0).PC())
}

func TestStepIntoEachCall(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	_, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointAddress, Address: AddrCallLine})
	require.NoError(t, err)
	require.NoError(t, p.Continue())
	th := p.SelectedThread()

	var entered []string
	for i := 0; i < 3; i++ {
		require.NoError(t, th.StepInto())
		entered = append(entered, th.Frame(0).FunctionName())
		if i < 2 {
			require.NoError(t, th.StepOut())
		}
	}
	assert.Equal(t, []string{"BBB", "CCC", "AAA"}, entered)

	a := th.Frame(0).FindVariable("a")
	require.NotNil(t, a)
	assert.Equal(t, "1", a.Value())
	assert.Equal(t, "main", th.Frame(1).FunctionName())
	assert.Equal(t, 6, th.Frame(1).SymbolContext().LineEntry.Line)
}

func TestFrameVariables(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	_, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: "main.c", Line: 7})
	require.NoError(t, err)
	require.NoError(t, p.Continue())
	f := p.SelectedThread().Frame(0)

	locals := f.Variables(engine.VariableOptions{Arguments: true, Locals: true})
	var names []string
	for _, v := range locals {
		names = append(names, v.Name())
	}
	assert.Equal(t, []string{"x", "pt", "p", "arr"}, names)

	statics := f.Variables(engine.VariableOptions{Statics: true})
	require.Len(t, statics, 3)
	assert.Equal(t, engine.VariableStatic, statics[0].ValueType())
	assert.Equal(t, engine.VariableGlobal, statics[1].ValueType())
	assert.Equal(t, `"hello"`, statics[2].Summary())

	v, err := f.Evaluate(context.Background(), "p->y + arr[1]")
	require.NoError(t, err)
	assert.Equal(t, "22", v.Value())

	regs := f.Registers()
	require.Len(t, regs, 1)
	rip := regs[0].ChildByName("rip")
	require.NotNil(t, rip)
	rip.SetFormat(engine.FormatHex)
	assert.Equal(t, "0x401044", rip.Value())

	x := f.FindVariable("x")
	require.NoError(t, x.SetValueFromString("7"))
	v, err = tgt.Evaluate(context.Background(), "g_total")
	require.NoError(t, err)
	assert.Equal(t, "0", v.Value())
	assert.Equal(t, "7", f.FindVariable("x").Value())
}

func TestWatchpoint(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	w, err := tgt.WatchAddress(AddrTotal, 8, false, true)
	require.NoError(t, err)
	require.NoError(t, p.Continue())
	th := p.SelectedThread()
	assert.Equal(t, engine.StopWatchpoint, th.StopReason())
	assert.Equal(t, []uint64{uint64(w.ID())}, th.StopReasonData())
	assert.Equal(t, 9, topLine(t, p))

	_, err = tgt.WatchAddress(AddrTotal, 3, false, true)
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	d := New(nil)
	tgt, err := d.CreateTarget("")
	require.NoError(t, err)
	_, err = tgt.Attach(context.Background(), engine.AttachInfo{PID: 1})
	assert.Error(t, err)
	p, err := tgt.Attach(context.Background(), engine.AttachInfo{PID: PID})
	require.NoError(t, err)
	assert.Equal(t, engine.StateStopped, p.State())
	assert.Equal(t, uint64(AddrCallLine), p.SelectedThread().Frame(0).PC())
	assert.Equal(t, DefaultPath, tgt.Executable())
	require.NoError(t, p.Detach())
	assert.Equal(t, engine.StateDetached, p.State())
}

func TestReverseContinue(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	_, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFunction, Name: "CCC"})
	require.NoError(t, err)
	_, err = tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: "main.c", Line: 8})
	require.NoError(t, err)
	require.NoError(t, p.Continue())
	require.NoError(t, p.Continue())
	th := p.SelectedThread()
	require.Equal(t, 8, topLine(t, p))

	reply, err := p.SendPacket(fmt.Sprintf("Hc%x", MainTID))
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	reply, err = p.SendPacket("bc")
	require.NoError(t, err)
	assert.Equal(t, "T05thread:1092;", reply)
	assert.Equal(t, uint64(AddrCCC), th.Frame(0).PC())

	// one more step back puts the thread before the call
	_, err = p.SendPacket("bs")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40103a), th.Frame(0).PC())
	assert.Equal(t, "E01", mustSend(t, p, "Hc1"))

	require.NoError(t, th.StepInstruction(false))
	assert.Equal(t, uint64(AddrCCC), th.Frame(0).PC())
	assert.Equal(t, engine.StopBreakpoint, th.StopReason())
}

func TestPause(t *testing.T) {
	prog := NewProgram()
	prog.Entry = AddrSpin
	_, _, p := launch(t, prog, false)
	assert.Equal(t, engine.StateRunning, p.State())
	require.NoError(t, p.Stop())
	assert.Equal(t, engine.StateStopped, p.State())
	assert.Equal(t, engine.StopSignal, p.SelectedThread().StopReason())
	assert.Error(t, p.Stop())
}

func TestReturnFromFrame(t *testing.T) {
	_, tgt, p := launch(t, nil, true)
	_, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFunction, Name: "BBB"})
	require.NoError(t, err)
	require.NoError(t, p.Continue())
	th := p.SelectedThread()
	require.NoError(t, th.ReturnFromFrame(th.Frame(0)))
	assert.Equal(t, "main", th.Frame(0).FunctionName())
	assert.Error(t, th.ReturnFromFrame(th.Frame(0)))
}

func TestCommands(t *testing.T) {
	d, tgt, p := launch(t, nil, true)
	_, err := tgt.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: "main.c", Line: 7})
	require.NoError(t, err)
	require.NoError(t, p.Continue())

	var out bytes.Buffer
	require.NoError(t, d.HandleCommand(context.Background(), "p x", &out))
	assert.Equal(t, "(int) 255\n", out.String())

	out.Reset()
	require.NoError(t, d.HandleCommand(context.Background(), "settings set target.language c++", &out))
	v, err := d.Setting("target.language")
	require.NoError(t, err)
	assert.Equal(t, "c++", v)

	out.Reset()
	require.NoError(t, d.HandleCommand(context.Background(), "bt", &out))
	assert.Contains(t, out.String(), "frame #0: 0x0000000000401044 main`main at /src/main.c:7")

	err = d.HandleCommand(context.Background(), "frobnicate", &out)
	assert.EqualError(t, err, "'frobnicate' is not a valid command.")

	assert.Equal(t, []string{"p x", "settings set target.language c++", "bt", "frobnicate"}, d.Commands)
	assert.Equal(t, []string{"breakpoint", "bt"}, d.CompleteCommand("b", 1))
}

func TestDisassembleProgram(t *testing.T) {
	_, tgt, _ := launch(t, nil, true)
	dis, err := disasm.New(tgt)
	require.NoError(t, err)
	insts := dis.Instructions(AddrCallLine, 0x401044)
	require.Len(t, insts, 3)
	for i, want := range []uint64{AddrBBB, AddrCCC, AddrAAA} {
		assert.Equal(t, disasm.KindCall, insts[i].Kind)
		assert.Equal(t, want, insts[i].Target)
	}
	assert.Equal(t, "BBB", insts[0].Comment)
}
