package gdbserial

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
)

// Process is a process controlled through a debug stub.
type Process struct {
	t       *Target
	stub    *stub
	conn    *gdbConn
	arch    *archInfo
	decoder *disasm.Arch
	console *console
	pid     int
	// reverse is set when the stub can execute backwards.
	reverse  bool
	attached bool

	// connMu serializes the use of conn. A resumed process holds it until
	// it stops. Exported methods lock it, unexported ones expect it held.
	connMu sync.Mutex

	mu         sync.Mutex
	state      engine.ProcessState
	stopID     uint32
	exitStatus int
	exitDesc   string
	threads    []*Thread
	selected   int
	nextIndex  int

	// sites are the addresses of the inserted software breakpoints.
	sites map[uint64]bool
	// temp are the breakpoints of the running step.
	temp map[uint64]bool
	// solibBreak is the address the dynamic loader calls after changing
	// the list of shared libraries.
	solibBreak uint64
	interp     string

	interrupted atomic.Bool
	// resync is set when the process was interrupted to update its
	// breakpoints.
	resync atomic.Bool
}

var _ engine.Process = (*Process)(nil)

func newProcess(t *Target, st *stub, conn *gdbConn) *Process {
	return &Process{
		t:     t,
		stub:  st,
		conn:  conn,
		arch:  t.arch,
		state: engine.StateLaunching,
		sites: map[uint64]bool{},
		temp:  map[uint64]bool{},
	}
}

func hexString(s string) string { return hex.EncodeToString([]byte(s)) }

func (p *Process) exec(packet, context string) ([]byte, error) {
	return p.conn.exec([]byte("$"+packet), context)
}

// optional executes a packet the stub is allowed to not support.
func (p *Process) optional(packet, context string) error {
	_, err := p.exec(packet, context)
	if isProtocolErrorUnsupported(err) {
		logflags.EngineLogger().Debugf("%s not supported by %s", packet, p.stub.backend)
		return nil
	}
	return err
}

// launch asks the stub to start the executable.
func (p *Process) launch(info engine.LaunchInfo, stdio [3]string) (stopPacket, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	argv := append([]string{p.t.exe}, info.Args...)
	if p.stub.backend == GDBServer {
		return p.launchGdbserver(info, argv)
	}
	for i, name := range []string{"QSetSTDIN", "QSetSTDOUT", "QSetSTDERR"} {
		if stdio[i] == "" {
			continue
		}
		if _, err := p.exec(name+":"+hexString(stdio[i]), "launch"); err != nil {
			return stopPacket{}, err
		}
	}
	if info.WorkingDir != "" {
		if _, err := p.exec("QSetWorkingDir:"+hexString(info.WorkingDir), "launch"); err != nil {
			return stopPacket{}, fmt.Errorf("could not set the working directory: %w", err)
		}
	}
	if info.DisableASLR {
		if err := p.optional("QSetDisableASLR:1", "launch"); err != nil {
			return stopPacket{}, err
		}
	}
	for _, kv := range info.Env {
		if _, err := p.exec("QEnvironmentHexEncoded:"+hexString(kv), "launch"); err != nil {
			return stopPacket{}, err
		}
	}

	var a strings.Builder
	a.WriteString("A")
	for i, arg := range argv {
		if i > 0 {
			a.WriteByte(',')
		}
		h := hexString(arg)
		fmt.Fprintf(&a, "%d,%d,%s", len(h), i, h)
	}
	if _, err := p.exec(a.String(), "launch"); err != nil {
		return stopPacket{}, err
	}
	if _, err := p.exec("qLaunchSuccess", "launch"); err != nil {
		return stopPacket{}, err
	}
	resp, err := p.exec("?", "launch")
	if err != nil {
		return stopPacket{}, err
	}
	_, sp, err := p.conn.parseStopPacket(resp, "")
	return sp, err
}

func (p *Process) launchGdbserver(info engine.LaunchInfo, argv []string) (stopPacket, error) {
	for _, kv := range info.Env {
		if err := p.optional("QEnvironmentHexEncoded:"+hexString(kv), "launch"); err != nil {
			return stopPacket{}, err
		}
	}
	if info.WorkingDir != "" {
		if err := p.optional("QSetWorkingDir:"+hexString(info.WorkingDir), "launch"); err != nil {
			return stopPacket{}, err
		}
	}
	// gdbserver disables randomization unless told otherwise
	aslr := "QDisableRandomization:0"
	if info.DisableASLR {
		aslr = "QDisableRandomization:1"
	}
	if err := p.optional(aslr, "launch"); err != nil {
		return stopPacket{}, err
	}
	if err := p.optional("QStartupWithShell:0", "launch"); err != nil {
		return stopPacket{}, err
	}
	var v strings.Builder
	v.WriteString("vRun")
	for _, arg := range argv {
		v.WriteByte(';')
		v.WriteString(hexString(arg))
	}
	resp, err := p.exec(v.String(), "launch")
	if err != nil {
		return stopPacket{}, err
	}
	_, sp, err := p.conn.parseStopPacket(resp, "")
	return sp, err
}

// attach attaches the stub to pid, or to the next process named name when
// pid is zero.
func (p *Process) attach(ctx context.Context, pid int, name string) (stopPacket, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	packet := fmt.Sprintf("vAttach;%x", pid)
	if pid == 0 {
		packet = "vAttachWait;" + hexString(name)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.conn.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	resp, err := p.exec(packet, "attach")
	if err != nil {
		if ctx.Err() != nil {
			return stopPacket{}, ctx.Err()
		}
		return stopPacket{}, fmt.Errorf("could not attach to process %d: %w", pid, err)
	}
	p.pid = pid
	p.attached = true
	_, sp, err := p.conn.parseStopPacket(resp, "")
	return sp, err
}

// start completes the setup of a new process stopped at sp and reports it
// stopped, or resumes it.
func (p *Process) start(sp stopPacket, stopAtEntry bool) error {
	p.connMu.Lock()
	if p.pid == 0 {
		if pi, err := p.conn.queryProcessInfo(0); err == nil {
			if pid, err := strconv.ParseUint(pi["pid"], 16, 64); err == nil {
				p.pid = int(pid)
			}
		}
	}
	if p.pid == 0 {
		p.pid = pidOfThreadID(sp.threadID)
	}
	p.conn.pid = p.pid
	if d, err := disasm.ArchForTriple(p.arch.triple); err == nil {
		p.decoder = d
	}
	p.updateThreads(sp)
	p.loadImages()
	p.connMu.Unlock()

	p.t.resolveAll()
	p.connMu.Lock()
	p.syncSites()
	p.connMu.Unlock()
	logflags.EngineLogger().Infof("process %d started by %s", p.pid, p.stub.backend)

	th := p.stopThread(sp)
	if stopAtEntry || p.reverse {
		p.stopped(stopInfo{thread: th, reason: engine.StopSignal, data: []uint64{19}, desc: "signal SIGSTOP"})
		return nil
	}
	p.mu.Lock()
	p.state = engine.StateStopped
	p.mu.Unlock()
	return p.Continue()
}

func pidOfThreadID(id string) int {
	if !strings.HasPrefix(id, "p") {
		return 0
	}
	s, _, _ := strings.Cut(id[1:], ".")
	pid, _ := strconv.ParseUint(s, 16, 64)
	return int(pid)
}

// shutdown tears down a process that failed to start.
func (p *Process) shutdown() {
	if p.conn.conn != nil {
		p.conn.conn.Close()
		p.conn.conn = nil
	}
	p.stub.kill()
	p.console.close()
	p.t.mu.Lock()
	if p.t.proc == p {
		p.t.proc = nil
	}
	p.t.mu.Unlock()
}

// cleanup releases the stub of a process that is gone.
func (p *Process) cleanup() {
	p.connMu.Lock()
	if p.conn.conn != nil {
		p.conn.conn.Close()
		p.conn.conn = nil
	}
	p.connMu.Unlock()
	p.stub.wait(2 * time.Second)
	p.t.clearWatchpoints()
	if c := p.console; c != nil {
		// let the last output drain
		time.AfterFunc(200*time.Millisecond, c.close)
	}
}

// Images

const (
	atNull  = 0
	atBase  = 7
	atEntry = 9
)

// parseAuxv decodes an ELF auxiliary vector of 64 bit entries.
func parseAuxv(data []byte) map[uint64]uint64 {
	r := map[uint64]uint64{}
	for len(data) >= 16 {
		typ := binary.LittleEndian.Uint64(data)
		val := binary.LittleEndian.Uint64(data[8:])
		data = data[16:]
		if typ == atNull {
			break
		}
		r[typ] = val
	}
	return r
}

func (p *Process) auxv() map[uint64]uint64 {
	data, err := p.conn.readAuxv()
	if err != nil {
		data, err = os.ReadFile(fmt.Sprintf("/proc/%d/auxv", p.pid))
		if err != nil {
			logflags.EngineLogger().Debugf("could not read auxv: %v", err)
			return nil
		}
	}
	return parseAuxv(data)
}

// loadImages places the executable and the dynamic loader at their load
// addresses, then reads the list of shared libraries.
func (p *Process) loadImages() {
	auxv := p.auxv()
	exe := p.t.executableImage()
	if exe != nil && !exe.loaded {
		if entry, ok := auxv[atEntry]; ok {
			exe.bias = entry - exe.entry
		}
		exe.loaded = true
		p.t.dbg.post(engine.ModuleEvent{Kind: engine.SymbolsLoaded, Modules: []engine.Module{exe}})
	}
	if exe != nil {
		if interp := interpreter(exe); interp != "" && auxv[atBase] != 0 && p.imageNamed(interp) == nil {
			p.interp = interp
			if _, err := p.t.addImage(interp, auxv[atBase], true); err != nil {
				logflags.EngineLogger().Debugf("could not load %s: %v", interp, err)
			}
		}
	}
	p.refreshLibraries()
	for _, img := range p.t.imageList() {
		for _, sym := range img.symbols {
			if sym.Name == "_dl_debug_state" && img.loaded {
				p.solibBreak = sym.Start + img.bias
			}
		}
	}
}

func interpreter(img *image) string {
	for _, prog := range img.file.Progs {
		if prog.Type == elf.PT_INTERP {
			buf := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(buf, 0); err == nil {
				return strings.TrimRight(string(buf), "\x00")
			}
		}
	}
	return ""
}

func (p *Process) imageNamed(path string) *image {
	for _, img := range p.t.imageList() {
		if img.path == path {
			return img
		}
	}
	return nil
}

// refreshLibraries synchronizes the images with the list of shared
// libraries kept by the dynamic loader.
func (p *Process) refreshLibraries() {
	data, err := p.conn.qXfer("libraries-svr4", "", false)
	if err != nil {
		logflags.EngineLogger().Debugf("could not read the shared library list: %v", err)
		return
	}
	libs, err := parseLibraryList(data)
	if err != nil {
		logflags.EngineLogger().Errorf("%v", err)
		return
	}
	changed := false
	listed := map[string]bool{}
	for _, lib := range libs {
		listed[lib.name] = true
		if p.imageNamed(lib.name) != nil {
			continue
		}
		if _, err := p.t.addImage(lib.name, lib.bias, true); err != nil {
			logflags.EngineLogger().Debugf("could not load %s: %v", lib.name, err)
			continue
		}
		changed = true
	}
	before := len(p.t.imageList())
	p.t.removeImages(func(img *image) bool {
		return img.path == p.t.exe || img.path == p.interp || listed[img.path]
	})
	if len(p.t.imageList()) != before {
		changed = true
	}
	if changed {
		p.t.resolveAll()
	}
}

// Sites

// syncSites inserts and removes software breakpoints until the inserted
// ones match the enabled breakpoint locations.
func (p *Process) syncSites() {
	want := map[uint64]bool{}
	for _, addr := range p.t.breakpointAddresses() {
		want[addr] = true
	}
	for addr := range p.temp {
		want[addr] = true
	}
	if p.solibBreak != 0 {
		want[p.solibBreak] = true
	}
	for addr := range p.sites {
		if want[addr] {
			continue
		}
		if err := p.conn.clearBreakpoint(addr, p.arch.breakpointKind); err != nil {
			logflags.EngineLogger().Warnf("could not remove breakpoint at %#x: %v", addr, err)
		}
		delete(p.sites, addr)
	}
	for addr := range want {
		if p.sites[addr] {
			continue
		}
		if err := p.conn.setBreakpoint(addr, p.arch.breakpointKind); err != nil {
			logflags.EngineLogger().Warnf("could not insert breakpoint at %#x: %v", addr, err)
			continue
		}
		p.sites[addr] = true
	}
}

// requestSync updates the inserted breakpoints now if the process is
// stopped, or interrupts it to do so.
func (p *Process) requestSync() {
	if p.connMu.TryLock() {
		defer p.connMu.Unlock()
		if p.State().IsAlive() && p.conn.conn != nil {
			p.syncSites()
		}
		return
	}
	p.resync.Store(true)
	if p.conn.isRunning() {
		p.conn.sendCtrlC()
	}
}

func (p *Process) setWatchpoint(addr uint64, size int, read, write bool) error {
	if p.State().IsRunning() {
		return errors.New("process is running")
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn.setWatchpoint(addr, size, read, write)
}

func (p *Process) clearWatchpoint(w *Watchpoint) error {
	if p.State().IsRunning() {
		return nil
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn.clearWatchpoint(w.addr, w.size, w.read, w.write)
}

// Threads

func (p *Process) PID() int { return p.pid }

func (p *Process) State() engine.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

func (p *Process) ExitDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitDesc
}

func (p *Process) StopID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopID
}

func (p *Process) threadList() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Thread(nil), p.threads...)
}

func (p *Process) Threads() []engine.Thread {
	if !p.State().IsAlive() {
		return nil
	}
	threads := p.threadList()
	r := make([]engine.Thread, len(threads))
	for i, t := range threads {
		r[i] = t
	}
	return r
}

func (p *Process) thread(tid int) *Thread {
	for _, t := range p.threadList() {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

func (p *Process) ThreadByID(tid int) engine.Thread {
	if t := p.thread(tid); t != nil && p.State().IsAlive() {
		return t
	}
	return nil
}

func (p *Process) selectedThread() *Thread {
	p.mu.Lock()
	sel := p.selected
	p.mu.Unlock()
	if t := p.thread(sel); t != nil {
		return t
	}
	if threads := p.threadList(); len(threads) > 0 {
		return threads[0]
	}
	return nil
}

func (p *Process) SelectedThread() engine.Thread {
	if t := p.selectedThread(); t != nil && p.State().IsAlive() {
		return t
	}
	return nil
}

func (p *Process) SetSelectedThread(tid int) bool {
	if p.thread(tid) == nil {
		return false
	}
	p.mu.Lock()
	p.selected = tid
	p.mu.Unlock()
	return true
}

// parseThreadID returns the numeric id of a thread id as written by the
// stub: hex, with an optional p<pid>. prefix.
func parseThreadID(id string) int {
	if strings.HasPrefix(id, "p") {
		if _, tid, ok := strings.Cut(id, "."); ok {
			id = tid
		}
	}
	n, _ := strconv.ParseUint(id, 16, 64)
	return int(n)
}

func threadName(pid, tid int) string {
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", pid, tid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(comm))
}

// updateThreads refreshes the thread list after a stop.
func (p *Process) updateThreads(sp stopPacket) {
	ids := sp.threads
	if len(ids) == 0 {
		first := true
		for {
			tids, err := p.conn.queryThreads(first)
			if err != nil {
				logflags.EngineLogger().Debugf("could not list threads: %v", err)
				break
			}
			if len(tids) == 0 {
				break
			}
			ids = append(ids, tids...)
			first = false
		}
	}
	if len(ids) == 0 && sp.threadID != "" {
		ids = []string{sp.threadID}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	old := make(map[int]*Thread, len(p.threads))
	for _, t := range p.threads {
		old[t.tid] = t
	}
	threads := make([]*Thread, 0, len(ids))
	for _, raw := range ids {
		if raw == "" {
			continue
		}
		tid := parseThreadID(raw)
		t := old[tid]
		if t == nil {
			p.nextIndex++
			t = &Thread{p: p, rawID: raw, tid: tid, index: p.nextIndex, name: threadName(p.pid, tid)}
		}
		t.invalidate()
		threads = append(threads, t)
	}
	p.threads = threads
}

// stopThread returns the thread a stop packet is about.
func (p *Process) stopThread(sp stopPacket) *Thread {
	if sp.threadID != "" {
		if t := p.thread(parseThreadID(sp.threadID)); t != nil {
			return t
		}
	}
	return p.selectedThread()
}

// State changes

func (p *Process) setState(state engine.ProcessState) {
	p.mu.Lock()
	p.state = state
	if state.IsStopped() {
		p.stopID++
	}
	id := p.stopID
	p.mu.Unlock()
	p.t.dbg.post(engine.ProcessStateEvent{State: state, StopID: id})
}

// stopInfo is the stop a thread reports.
type stopInfo struct {
	thread *Thread
	reason engine.StopReason
	data   []uint64
	desc   string
	retval engine.Value
}

func (p *Process) stopped(si stopInfo) {
	p.mu.Lock()
	for _, t := range p.threads {
		t.clearStopInfo()
	}
	if t := si.thread; t != nil {
		t.reason, t.reasonData, t.description, t.retval = si.reason, si.data, si.desc, si.retval
		t.selectedFrame = 0
		p.selected = t.tid
	}
	p.mu.Unlock()
	p.setState(engine.StateStopped)
}

func (p *Process) terminate(state engine.ProcessState, status int, desc string) {
	p.mu.Lock()
	p.exitStatus, p.exitDesc = status, desc
	p.threads = nil
	p.mu.Unlock()
	p.setState(state)
}

func (p *Process) checkStopped() error {
	switch state := p.State(); {
	case !state.IsAlive():
		return errNoProcess
	case !state.IsStopped():
		return errors.New("Process is running.")
	}
	return nil
}

// connectionLost reports whether err means the stub is gone.
func (p *Process) connectionLost(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	select {
	case <-p.stub.waited:
		return true
	default:
	}
	return p.conn.conn == nil
}

// report publishes the outcome of a resume.
func (p *Process) report(si stopInfo, err error) {
	var exited ErrProcessExited
	switch {
	case errors.As(err, &exited):
		desc := ""
		if exited.Signal {
			desc = fmt.Sprintf("terminated with signal %s", nameOfSignal(p.stub.backend, uint8(exited.Status)))
		}
		p.terminate(engine.StateExited, exited.Status, desc)
		go p.cleanup()
	case err != nil && p.connectionLost(err):
		logflags.EngineLogger().Errorf("lost connection to %s: %v", p.stub.backend, err)
		p.terminate(engine.StateExited, -1, err.Error())
		go p.cleanup()
	case err != nil:
		logflags.EngineLogger().Errorf("%v", err)
		if si.thread == nil {
			si.thread = p.selectedThread()
		}
		si.reason, si.data, si.desc = engine.StopException, nil, err.Error()
		p.stopped(si)
	default:
		p.stopped(si)
	}
}

// Execution control

// resume runs plan with the connection held, synchronously or in the
// background depending on the debugger's mode, and reports the stop it
// returns.
func (p *Process) resume(state engine.ProcessState, plan func() (stopInfo, error)) error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	p.mu.Lock()
	for _, t := range p.threads {
		t.clearStopInfo()
	}
	p.mu.Unlock()
	p.interrupted.Store(false)
	p.setState(state)
	work := func() {
		p.connMu.Lock()
		si, err := plan()
		for addr := range p.temp {
			delete(p.temp, addr)
		}
		if err == nil && p.conn.conn != nil {
			p.syncSites()
		}
		p.connMu.Unlock()
		p.report(si, err)
	}
	if p.t.dbg.Async() {
		go work()
		return nil
	}
	work()
	return nil
}

func (p *Process) Continue() error {
	return p.resume(engine.StateRunning, p.cont)
}

// cont resumes all threads until a stop that must be reported.
func (p *Process) cont() (stopInfo, error) {
	for {
		sp, err := p.resumeAll()
		if err != nil {
			return stopInfo{}, err
		}
		if si, done := p.classify(sp); done {
			return si, nil
		}
	}
}

// resumeAll moves threads sitting on breakpoints past them and continues
// the process, delivering pending signals.
func (p *Process) resumeAll() (stopPacket, error) {
	if err := p.stepOverSites(); err != nil {
		return stopPacket{}, err
	}
	p.resync.Store(false)
	p.syncSites()
	var tid string
	var sig uint8
	for _, t := range p.threadList() {
		if t.pendingSig != 0 {
			tid, sig = t.rawID, t.pendingSig
			t.pendingSig = 0
			break
		}
	}
	for _, t := range p.threadList() {
		t.invalidate()
	}
	return p.conn.resume(tid, sig, false)
}

// stepOverSites single steps the threads stopped on an inserted breakpoint
// with the breakpoint removed.
func (p *Process) stepOverSites() error {
	for _, t := range p.threadList() {
		pc, err := t.pc()
		if err != nil || !p.sites[pc] {
			continue
		}
		if err := p.conn.clearBreakpoint(pc, p.arch.breakpointKind); err != nil {
			return err
		}
		_, err = p.conn.step(t.rawID, false)
		t.invalidate()
		if err2 := p.conn.setBreakpoint(pc, p.arch.breakpointKind); err2 != nil && err == nil {
			err = err2
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// classify interprets a stop of the process. done is false for stops the
// engine handles itself, after which the process is resumed.
func (p *Process) classify(sp stopPacket) (si stopInfo, done bool) {
	p.updateThreads(sp)
	th := p.stopThread(sp)
	si.thread = th
	if th == nil {
		return si, true
	}
	sig := sp.sig
	signal := func() stopInfo {
		return stopInfo{thread: th, reason: engine.StopSignal, data: []uint64{uint64(sig)}, desc: "signal " + nameOfSignal(p.stub.backend, sig)}
	}

	if sp.watch {
		if w := p.t.watchpointAt(sp.watchAddr); w != nil {
			return stopInfo{thread: th, reason: engine.StopWatchpoint, data: []uint64{uint64(w.id)}, desc: fmt.Sprintf("watchpoint %d", w.id)}, true
		}
	}
	if sig != sigTRAP && isInterrupt(p.stub.backend, sig) {
		if !p.interrupted.Load() && p.resync.Swap(false) {
			return si, false
		}
		return stopInfo{thread: th, reason: engine.StopSignal, data: []uint64{19}, desc: "signal SIGSTOP"}, true
	}
	if sig != sigTRAP {
		th.pendingSig = sig
		return signal(), true
	}

	pc, err := th.pc()
	if err != nil {
		return signal(), true
	}
	if p.solibBreak != 0 && pc == p.solibBreak {
		p.refreshLibraries()
		return si, false
	}
	if bp, loc := p.t.breakpointAt(pc); bp != nil {
		p.t.hit(bp)
		return stopInfo{thread: th, reason: engine.StopBreakpoint, data: []uint64{uint64(bp.id), uint64(loc)}, desc: fmt.Sprintf("breakpoint %d.%d", bp.id, loc)}, true
	}
	if p.sites[pc] {
		// a breakpoint deleted while the process was running, or a step
		// target reached by another thread
		return si, false
	}
	if p.interrupted.Load() {
		return stopInfo{thread: th, reason: engine.StopSignal, data: []uint64{19}, desc: "signal SIGSTOP"}, true
	}
	return signal(), true
}

func (p *Process) Stop() error {
	if !p.State().IsRunning() {
		return errors.New("Process is not running.")
	}
	p.interrupted.Store(true)
	if p.conn.isRunning() {
		return p.conn.sendCtrlC()
	}
	return nil
}

// halt interrupts a running process and waits until it reports the stop.
func (p *Process) halt() {
	if !p.State().IsRunning() {
		return
	}
	p.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for p.State().IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		if p.conn.isRunning() {
			p.conn.sendCtrlC()
		}
	}
}

func (p *Process) Kill() error {
	if !p.State().IsAlive() {
		return errNoProcess
	}
	p.halt()
	p.connMu.Lock()
	err := p.conn.kill()
	p.connMu.Unlock()
	var exited ErrProcessExited
	if err != nil && !errors.As(err, &exited) && !p.connectionLost(err) {
		return err
	}
	p.terminate(engine.StateExited, 9, "killed")
	go p.cleanup()
	return nil
}

func (p *Process) Detach() error {
	if !p.State().IsAlive() {
		return errNoProcess
	}
	p.halt()
	p.connMu.Lock()
	for addr := range p.sites {
		p.conn.clearBreakpoint(addr, p.arch.breakpointKind)
		delete(p.sites, addr)
	}
	p.t.mu.Lock()
	watchpoints := append([]*Watchpoint(nil), p.t.watchpoints...)
	p.t.mu.Unlock()
	for _, w := range watchpoints {
		p.conn.clearWatchpoint(w.addr, w.size, w.read, w.write)
	}
	err := p.conn.detach()
	p.connMu.Unlock()
	p.terminate(engine.StateDetached, 0, "")
	go p.cleanup()
	return err
}

// close ends the debugging of the process: attached processes are
// detached from, launched ones killed.
func (p *Process) close() {
	if !p.State().IsAlive() {
		return
	}
	if p.attached {
		p.Detach()
	} else {
		p.Kill()
	}
}

// Memory

func (p *Process) ReadMemory(addr uint64, buf []byte) (int, error) {
	if err := p.checkStopped(); err != nil {
		return 0, err
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.readMemory(addr, buf)
}

func (p *Process) readMemory(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return p.conn.readMemory(buf, addr)
}

func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if err := p.checkStopped(); err != nil {
		return 0, err
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.conn.writeMemory(addr, data)
	for _, t := range p.threadList() {
		t.invalidate()
	}
	return n, err
}

// processMemory reads the memory of a stopped process with the
// connection already held.
type processMemory struct{ p *Process }

func (m processMemory) ReadMemory(addr uint64, buf []byte) (int, error) {
	return m.p.readMemory(addr, buf)
}

// SendPacket sends packet to the stub. The thread ids of Hc packets are
// translated to the stub's notation. The reverse execution packets bc and
// bs move the process silently; the caller steps it afterwards to report
// the new state.
func (p *Process) SendPacket(packet string) (string, error) {
	if err := p.checkStopped(); err != nil {
		return "", err
	}
	p.connMu.Lock()
	defer p.connMu.Unlock()
	switch {
	case strings.HasPrefix(packet, "Hc"):
		tid, err := strconv.ParseUint(packet[2:], 16, 64)
		if err != nil {
			return "E01", nil
		}
		t := p.thread(int(tid))
		if t == nil {
			return "E01", nil
		}
		packet = "Hc" + t.rawID
	case packet == "bc" || packet == "bs":
		p.syncSites()
		reply, err := p.conn.execRaw(packet)
		if err != nil {
			return "", err
		}
		if reply != "" && reply[0] != 'E' {
			_, sp, err := p.conn.parseStopPacket([]byte(reply), "")
			if err != nil {
				return "", err
			}
			p.updateThreads(sp)
		}
		return reply, nil
	}
	return p.conn.execRaw(packet)
}
