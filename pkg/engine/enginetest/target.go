package enginetest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
)

// Target is the simulated executable, possibly running.
type Target struct {
	dbg     *Debugger
	prog    *Program
	exe     string
	module  *module
	symbols []engine.Symbol
	// image is the memory of the executable before it runs.
	image *values.Regions

	proc *Process

	nextBreakpointID int
	breakpoints      []*Breakpoint
	nextWatchpointID int
	watchpoints      []*Watchpoint
}

var _ engine.Target = (*Target)(nil)

func newTarget(d *Debugger, exe string) *Target {
	t := &Target{dbg: d, prog: d.prog, exe: exe}
	if exe == "" {
		return t
	}
	t.load()
	return t
}

func (t *Target) load() {
	if t.exe == "" {
		t.exe = t.prog.Path
	}
	t.module = &module{path: t.exe}
	for _, fn := range t.prog.funcs {
		t.symbols = append(t.symbols, engine.Symbol{Name: fn.name, DisplayName: fn.name, Type: "Code", Start: fn.start, End: fn.end, Module: t.module.Name()})
	}
	for _, vars := range [][]variable{t.prog.statics, t.prog.globals} {
		for _, v := range vars {
			t.symbols = append(t.symbols, engine.Symbol{Name: v.name, DisplayName: v.name, Type: "Data", Start: v.addr, End: v.addr + uint64(v.typ.Size), Module: t.module.Name()})
		}
	}
	t.image = &values.Regions{}
	t.image.Map(TextStart, len(t.prog.text), t.prog.text)
	t.image.Map(DataStart, 0x100, initialData())
	t.dbg.post(engine.ModuleEvent{Kind: engine.ModulesLoaded, Modules: []engine.Module{t.module}})
}

func (t *Target) Executable() string { return t.exe }

func (t *Target) Triple() string { return "x86_64-unknown-linux-gnu" }

func (t *Target) AddressSize() int { return 8 }

func (t *Target) Modules() []engine.Module {
	if t.module == nil {
		return nil
	}
	return []engine.Module{t.module}
}

func (t *Target) ResolveLoadAddress(addr uint64) engine.SymbolContext {
	var sc engine.SymbolContext
	if t.module == nil || addr < ModuleBase || addr >= DataStart+0x100 {
		return sc
	}
	sc.Module = t.module
	for i := range t.symbols {
		sym := &t.symbols[i]
		if sym.Start <= addr && addr < sym.End {
			sc.Symbol = sym
			break
		}
	}
	if fn := t.prog.funcAt(addr); fn != nil {
		sc.CompileUnit = SourceFile
		sc.Function = &engine.Function{Name: fn.name, DisplayName: fn.name, Start: fn.start, End: fn.end}
		sc.LineEntry = t.prog.lineAt(addr)
	}
	return sc
}

func (t *Target) LineEntries(compileUnit string) []engine.LineEntry {
	if t.module == nil || compileUnit != SourceFile {
		return nil
	}
	return append([]engine.LineEntry(nil), t.prog.lines...)
}

func (t *Target) Symbols() []engine.Symbol {
	return t.symbols
}

func (t *Target) Launch(ctx context.Context, info engine.LaunchInfo) (engine.Process, error) {
	if t.module == nil {
		return nil, errors.New("executable doesn't exist: ''")
	}
	if t.proc != nil && t.proc.state.IsAlive() {
		return nil, errors.New("process is already running")
	}
	p := newProcess(t, info.Args)
	t.proc = p
	if info.StopAtEntry {
		p.stopped(p.threads[0], engine.StopSignal, []uint64{19}, "signal SIGSTOP")
		return p, nil
	}
	p.setState(engine.StateRunning)
	p.run(p.threads[0], runContinue)
	return p, nil
}

func (t *Target) Attach(ctx context.Context, info engine.AttachInfo) (engine.Process, error) {
	switch {
	case info.PID == PID:
	case info.PID == 0 && info.Program != "" && filepath.Base(info.Program) == filepath.Base(t.prog.Path):
	default:
		if info.WaitFor {
			return nil, fmt.Errorf("timed out waiting for a process named '%s'", info.Program)
		}
		return nil, fmt.Errorf("no such process: %d", info.PID)
	}
	if t.module == nil {
		t.load()
	}
	p := newProcess(t, nil)
	// the process is found in the middle of main
	main := p.threads[0]
	for main.pc() != AddrCallLine {
		p.exec(main)
	}
	p.history = nil
	t.proc = p
	p.stopped(main, engine.StopSignal, []uint64{19}, "signal SIGSTOP")
	return p, nil
}

func (t *Target) Process() engine.Process {
	if t.proc == nil {
		return nil
	}
	return t.proc
}

func (t *Target) memory() values.Memory {
	if t.proc != nil && t.proc.state.IsAlive() {
		return t.proc.mem
	}
	return t.image
}

func (t *Target) ReadMemory(addr uint64, buf []byte) (int, error) {
	if t.module == nil {
		return 0, errors.New("no executable loaded")
	}
	return t.memory().ReadMemory(addr, buf)
}

func (t *Target) Evaluate(ctx context.Context, expr string) (engine.Value, error) {
	if t.module == nil {
		return nil, errors.New("no executable loaded")
	}
	v, err := values.Evaluate(ctx, expr, &globalScope{t})
	if err != nil {
		return nil, err
	}
	return v, nil
}

type globalScope struct {
	t *Target
}

func (s *globalScope) Lookup(name string) (*values.Value, bool) {
	return s.t.findGlobal(name)
}

func (s *globalScope) Memory() values.Memory { return s.t.memory() }

func (t *Target) findGlobal(name string) (*values.Value, bool) {
	for _, vars := range [][]variable{t.prog.statics, t.prog.globals} {
		for _, v := range vars {
			if v.name == name {
				return values.New(v.name, v.typ, t.memory(), v.addr, v.vt), true
			}
		}
	}
	return nil, false
}

// Breakpoints

type Breakpoint struct {
	id      int
	spec    engine.BreakpointSpec
	locs    []engine.BreakpointLocation
	enabled bool
	hits    int
}

func (b *Breakpoint) ID() int { return b.id }

func (b *Breakpoint) Locations() []engine.BreakpointLocation { return b.locs }

func (b *Breakpoint) Enabled() bool { return b.enabled }

func (b *Breakpoint) SetEnabled(enabled bool) error {
	b.enabled = enabled
	return nil
}

func (b *Breakpoint) HitCount() int { return b.hits }

func (b *Breakpoint) Spec() engine.BreakpointSpec { return b.spec }

func (t *Target) SetBreakpoint(spec engine.BreakpointSpec) (engine.Breakpoint, error) {
	var addrs []uint64
	switch spec.Kind {
	case engine.BreakpointFileLine:
		if spec.Line <= 0 {
			return nil, fmt.Errorf("invalid line number %d", spec.Line)
		}
		if t.matchesSource(spec.File) {
			if addr, ok := t.lineAddress(spec.Line); ok {
				addrs = append(addrs, addr)
			}
		}
	case engine.BreakpointAddress:
		addrs = append(addrs, spec.Address)
	case engine.BreakpointFunction:
		if fn := t.prog.funcByName(spec.Name); fn != nil && t.module != nil {
			addrs = append(addrs, fn.start)
		}
	case engine.BreakpointFunctionRegex:
		re, err := regexp.Compile(spec.Name)
		if err != nil {
			return nil, err
		}
		for _, fn := range t.prog.funcs {
			if t.module != nil && re.MatchString(fn.name) {
				addrs = append(addrs, fn.start)
			}
		}
	case engine.BreakpointException:
		// no exception runtime in the program; the breakpoint stays pending
	default:
		return nil, fmt.Errorf("unknown breakpoint kind %d", spec.Kind)
	}

	t.nextBreakpointID++
	bp := &Breakpoint{id: t.nextBreakpointID, spec: spec, enabled: true}
	for i, addr := range addrs {
		loc := engine.BreakpointLocation{ID: i + 1, Address: addr}
		if t.module != nil && addr >= TextStart && addr < TextEnd {
			loc.Resolved = true
			loc.LineEntry = t.prog.lineAt(addr)
		}
		bp.locs = append(bp.locs, loc)
	}
	t.breakpoints = append(t.breakpoints, bp)
	return bp, nil
}

func (t *Target) matchesSource(file string) bool {
	if t.module == nil {
		return false
	}
	if filepath.IsAbs(file) {
		return filepath.Clean(file) == SourceFile
	}
	return filepath.Base(file) == filepath.Base(SourceFile)
}

// lineAddress returns the first address of line, or of the nearest line
// after it that has code.
func (t *Target) lineAddress(line int) (uint64, bool) {
	best := -1
	for i, le := range t.prog.lines {
		if le.Line < line {
			continue
		}
		if best < 0 || le.Line < t.prog.lines[best].Line || le.Line == t.prog.lines[best].Line && le.Start < t.prog.lines[best].Start {
			best = i
		}
	}
	if best < 0 {
		return 0, false
	}
	return t.prog.lines[best].Start, true
}

func (t *Target) DeleteBreakpoint(id int) error {
	for i, bp := range t.breakpoints {
		if bp.id == id {
			t.breakpoints = append(t.breakpoints[:i], t.breakpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no breakpoint with id %d", id)
}

func (t *Target) Breakpoint(id int) engine.Breakpoint {
	for _, bp := range t.breakpoints {
		if bp.id == id {
			return bp
		}
	}
	return nil
}

func (t *Target) Breakpoints() []engine.Breakpoint {
	r := make([]engine.Breakpoint, len(t.breakpoints))
	for i, bp := range t.breakpoints {
		r[i] = bp
	}
	return r
}

// breakpointAt returns the enabled breakpoint with a location at addr.
func (t *Target) breakpointAt(addr uint64) (*Breakpoint, int) {
	for _, bp := range t.breakpoints {
		if !bp.enabled {
			continue
		}
		for _, loc := range bp.locs {
			if loc.Resolved && loc.Address == addr {
				return bp, loc.ID
			}
		}
	}
	return nil, 0
}

// Watchpoints

type Watchpoint struct {
	id          int
	addr        uint64
	size        int
	read, write bool
}

func (w *Watchpoint) ID() int { return w.id }

func (w *Watchpoint) Address() uint64 { return w.addr }

func (w *Watchpoint) Size() int { return w.size }

const maxWatchpoints = 4

func (t *Target) WatchAddress(addr uint64, size int, read, write bool) (engine.Watchpoint, error) {
	if t.proc == nil || !t.proc.state.IsAlive() {
		return nil, errors.New("Watchpoint creation failed: process is not running")
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("Watchpoint creation failed: invalid watch size %d", size)
	}
	if len(t.watchpoints) >= maxWatchpoints {
		return nil, errors.New("Watchpoint creation failed: no more hardware watchpoints available")
	}
	t.nextWatchpointID++
	w := &Watchpoint{id: t.nextWatchpointID, addr: addr, size: size, read: read, write: write}
	t.watchpoints = append(t.watchpoints, w)
	return w, nil
}

func (t *Target) DeleteWatchpoint(id int) error {
	for i, w := range t.watchpoints {
		if w.id == id {
			t.watchpoints = append(t.watchpoints[:i], t.watchpoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no watchpoint with id %d", id)
}

func (t *Target) watchpointFor(addr uint64, size int) *Watchpoint {
	for _, w := range t.watchpoints {
		if w.write && addr < w.addr+uint64(w.size) && w.addr < addr+uint64(size) {
			return w
		}
	}
	return nil
}

// Modules

type module struct {
	path string
}

func (m *module) ID() string { return "1" }

func (m *module) Name() string { return filepath.Base(m.path) }

func (m *module) Path() string { return m.path }

func (m *module) SymbolsPath() string { return m.path }

func (m *module) LoadAddress() (uint64, bool) { return ModuleBase, true }

func (m *module) HasSymbols() bool { return true }
