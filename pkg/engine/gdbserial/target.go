package gdbserial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/engine/values"
	"github.com/go-delve/ndap/pkg/logflags"
)

// Target is an executable and the process running it.
type Target struct {
	dbg  *Debugger
	exe  string
	arch *archInfo

	mu          sync.Mutex
	images      []*image
	nextImageID int
	proc        *Process

	nextBreakpointID int
	breakpoints      []*Breakpoint
	nextWatchpointID int
	watchpoints      []*Watchpoint
}

var _ engine.Target = (*Target)(nil)

func newTarget(d *Debugger, exe string) (*Target, error) {
	t := &Target{dbg: d, arch: amd64Arch}
	if exe == "" {
		return t, nil
	}
	if err := t.loadExecutable(exe); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Target) loadExecutable(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("unable to find executable for '%s'", path)
	}
	img, err := t.addImage(abs, 0, false)
	if err != nil {
		return fmt.Errorf("'%s' is not a valid executable: %v", path, err)
	}
	t.exe = abs
	t.arch = img.arch
	return nil
}

// addImage opens the image at path. Images already mapped by the process
// are placed at bias.
func (t *Target) addImage(path string, bias uint64, loaded bool) (*image, error) {
	t.mu.Lock()
	t.nextImageID++
	id := t.nextImageID
	t.mu.Unlock()

	img, err := openImage(id, path, t.dbg.config.DebugInfoDirectories)
	if err != nil {
		return nil, err
	}
	if loaded {
		img.bias, img.loaded = bias, true
	}
	t.mu.Lock()
	t.images = append(t.images, img)
	t.mu.Unlock()
	logflags.EngineLogger().Debugf("loaded %s, %d functions, %d symbols", path, len(img.funcs), len(img.symbols))
	t.dbg.post(engine.ModuleEvent{Kind: engine.ModulesLoaded, Modules: []engine.Module{img}})
	return img, nil
}

// removeImages drops the shared libraries, keeping the executable.
func (t *Target) removeImages(keep func(img *image) bool) {
	t.mu.Lock()
	var removed []engine.Module
	kept := t.images[:0]
	for _, img := range t.images {
		if keep(img) {
			kept = append(kept, img)
			continue
		}
		removed = append(removed, img)
		img.close()
	}
	t.images = kept
	t.mu.Unlock()
	if len(removed) > 0 {
		t.dbg.post(engine.ModuleEvent{Kind: engine.ModulesUnloaded, Modules: removed})
	}
}

func (t *Target) imageList() []*image {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*image(nil), t.images...)
}

func (t *Target) executableImage() *image {
	for _, img := range t.imageList() {
		if img.path == t.exe {
			return img
		}
	}
	return nil
}

func (t *Target) imageAt(addr uint64) *image {
	for _, img := range t.imageList() {
		if img.containsLoad(addr) {
			return img
		}
	}
	return nil
}

func (t *Target) Executable() string { return t.exe }

func (t *Target) Triple() string { return t.arch.triple }

func (t *Target) AddressSize() int { return 8 }

func (t *Target) Modules() []engine.Module {
	imgs := t.imageList()
	r := make([]engine.Module, len(imgs))
	for i, img := range imgs {
		r[i] = img
	}
	return r
}

func (t *Target) ResolveLoadAddress(addr uint64) engine.SymbolContext {
	var sc engine.SymbolContext
	if img := t.imageAt(addr); img != nil {
		img.resolve(addr, &sc)
	}
	return sc
}

func (t *Target) LineEntries(compileUnit string) []engine.LineEntry {
	var r []engine.LineEntry
	for _, img := range t.imageList() {
		for _, cu := range img.cus {
			if cu.name != compileUnit {
				continue
			}
			for i := range cu.rows {
				if cu.rows[i].end > cu.rows[i].addr {
					r = append(r, img.lineEntry(&cu.rows[i]))
				}
			}
		}
	}
	return r
}

func (t *Target) Symbols() []engine.Symbol {
	var r []engine.Symbol
	for _, img := range t.imageList() {
		r = append(r, img.loadedSymbols()...)
	}
	return r
}

func (t *Target) Process() engine.Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return nil
	}
	return t.proc
}

func (t *Target) process() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc
}

func (t *Target) liveProcess() *Process {
	if p := t.process(); p != nil && p.State().IsAlive() {
		return p
	}
	return nil
}

func (t *Target) ReadMemory(addr uint64, buf []byte) (int, error) {
	if p := t.liveProcess(); p != nil {
		return p.ReadMemory(addr, buf)
	}
	for _, img := range t.imageList() {
		if img.containsLoad(addr) {
			return img.readFile(addr, buf)
		}
	}
	return 0, fmt.Errorf("memory read failed for 0x%x", addr)
}

// memory is the memory values are read from: the process when alive, the
// files of the images otherwise.
func (t *Target) memory() values.Memory {
	return targetMemory{t}
}

type targetMemory struct{ t *Target }

func (m targetMemory) ReadMemory(addr uint64, buf []byte) (int, error) {
	return m.t.ReadMemory(addr, buf)
}

func (m targetMemory) WriteMemory(addr uint64, data []byte) (int, error) {
	if p := m.t.liveProcess(); p != nil {
		return p.WriteMemory(addr, data)
	}
	return 0, errors.New("memory write failed: no process")
}

func (t *Target) Evaluate(ctx context.Context, expr string) (engine.Value, error) {
	if t.exe == "" {
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
	for _, img := range t.imageList() {
		for _, v := range img.globals {
			if v.name == name {
				ctx := &locContext{arch: t.arch, bias: img.bias, mem: t.memory()}
				return img.value(v, ctx, t.memory()), true
			}
		}
	}
	return nil, false
}

func (t *Target) globals(vt engine.ValueType) []engine.Value {
	var r []engine.Value
	for _, img := range t.imageList() {
		for _, v := range img.globals {
			if v.vt != vt {
				continue
			}
			ctx := &locContext{arch: t.arch, bias: img.bias, mem: t.memory()}
			r = append(r, img.value(v, ctx, t.memory()))
		}
	}
	return r
}

// Launching

// Launch starts the stub and asks it to run the executable.
func (t *Target) Launch(ctx context.Context, info engine.LaunchInfo) (engine.Process, error) {
	if t.exe == "" {
		return nil, errors.New("executable doesn't exist: ''")
	}
	if t.liveProcess() != nil {
		return nil, errors.New("process is already running")
	}
	cfg := t.dbg.config
	if cfg.Backend == RR {
		return t.replay(ctx, info)
	}

	console, stdio := openConsole(info.Stdio, t.dbg)
	var stubStdio *os.File
	if cfg.Backend == GDBServer {
		// programs started by gdbserver inherit its stdio
		switch {
		case console != nil:
			stubStdio = console.slave
		case stdio[1] != "":
			if f, err := os.OpenFile(stdio[1], os.O_RDWR, 0); err == nil {
				stubStdio = f
				defer f.Close()
			}
		}
	}
	st, err := startStub(&cfg, stubStdio)
	if err != nil {
		console.close()
		return nil, err
	}
	p, err := t.connect(ctx, st)
	if err != nil {
		console.close()
		st.kill()
		return nil, err
	}
	p.console = console
	sp, err := p.launch(info, stdio)
	if err != nil {
		p.shutdown()
		return nil, fmt.Errorf("process launch failed: %w", err)
	}
	if err := p.start(sp, info.StopAtEntry); err != nil {
		p.shutdown()
		return nil, err
	}
	return p, nil
}

// Attach starts the stub and attaches it to a running process.
func (t *Target) Attach(ctx context.Context, info engine.AttachInfo) (engine.Process, error) {
	if t.liveProcess() != nil {
		return nil, errors.New("process is already running")
	}
	cfg := t.dbg.config
	if cfg.Backend == RR {
		return nil, errors.New("rr can not attach to processes")
	}
	pid := info.PID
	program := info.Program
	if program == "" {
		program = t.exe
	}
	if pid == 0 && !info.WaitFor {
		if program == "" {
			return nil, errors.New("no process id or program to attach to")
		}
		found, err := findProcess(filepath.Base(program))
		if err != nil {
			return nil, err
		}
		pid = found
	}
	if pid == 0 && cfg.Backend != LLDBServer {
		return nil, fmt.Errorf("%s can not wait for a process to start", cfg.Backend)
	}

	st, err := startStub(&cfg, nil)
	if err != nil {
		return nil, err
	}
	p, err := t.connect(ctx, st)
	if err != nil {
		st.kill()
		return nil, err
	}
	sp, err := p.attach(ctx, pid, filepath.Base(program))
	if err != nil {
		p.shutdown()
		return nil, err
	}
	if t.exe == "" {
		exe, err := p.conn.readExecFile()
		if err != nil || exe == "" {
			exe, _ = os.Readlink(fmt.Sprintf("/proc/%d/exe", p.pid))
		}
		if exe == "" {
			p.shutdown()
			return nil, errors.New("could not determine the executable of the process")
		}
		if err := t.loadExecutable(exe); err != nil {
			p.shutdown()
			return nil, err
		}
	}
	if err := p.start(sp, true); err != nil {
		p.shutdown()
		return nil, err
	}
	return p, nil
}

// replay starts rr on the trace directory set with the rr.trace-dir
// setting, the latest recording by default.
func (t *Target) replay(ctx context.Context, info engine.LaunchInfo) (engine.Process, error) {
	cfg := t.dbg.config
	tracedir, _ := t.dbg.Setting("rr.trace-dir")
	st, err := startReplay(&cfg, tracedir)
	if err != nil {
		return nil, err
	}
	p, err := t.connect(ctx, st)
	if err != nil {
		st.kill()
		return nil, err
	}
	p.reverse = true
	if t.exe == "" {
		if err := t.loadExecutable(st.exe); err != nil {
			p.shutdown()
			return nil, err
		}
	}
	resp, err := p.conn.exec([]byte("$?"), "initial stop")
	if err != nil {
		p.shutdown()
		return nil, err
	}
	_, sp, err := p.conn.parseStopPacket(resp, "")
	if err != nil {
		p.shutdown()
		return nil, err
	}
	if err := p.start(sp, info.StopAtEntry); err != nil {
		p.shutdown()
		return nil, err
	}
	return p, nil
}

// connect dials the stub and performs the protocol handshake.
func (t *Target) connect(ctx context.Context, st *stub) (*Process, error) {
	c, err := st.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn := newConn(c)
	p := newProcess(t, st, conn)
	conn.output = func(data []byte) {
		t.dbg.post(engine.OutputEvent{Data: string(data)})
	}
	if err := conn.handshake(); err != nil {
		conn.conn.Close()
		return nil, err
	}
	if arch, err := archForRegisters(conn.regsInfo); err == nil {
		p.arch = arch
		t.arch = arch
	}
	t.mu.Lock()
	t.proc = p
	t.mu.Unlock()
	return p, nil
}

// findProcess looks for a process running an executable named name.
func findProcess(name string) (int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("no process named '%s' found", name)
	}
	var pids []int
	for _, e := range entries {
		var pid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &pid); err != nil || pid == os.Getpid() {
			continue
		}
		comm, err := os.ReadFile(filepath.Join("/proc", e.Name(), "comm"))
		if err != nil {
			continue
		}
		if c := strings.TrimSpace(string(comm)); c == name || (len(c) == 15 && strings.HasPrefix(name, c)) {
			pids = append(pids, pid)
		}
	}
	switch len(pids) {
	case 0:
		return 0, fmt.Errorf("no process named '%s' found", name)
	case 1:
		return pids[0], nil
	}
	sort.Ints(pids)
	return 0, fmt.Errorf("more than one process named '%s': %v", name, pids)
}
