package gdbserial

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-delve/ndap/pkg/engine"
)

// Breakpoint is a user breakpoint. Its locations are recomputed every time
// the set of loaded images changes.
type Breakpoint struct {
	t       *Target
	id      int
	spec    engine.BreakpointSpec
	locs    []engine.BreakpointLocation
	enabled bool
	hits    int

	// locIDs keeps location ids stable across resolutions.
	locIDs    map[locKey]int
	nextLocID int
}

type locKey struct {
	img  string
	addr uint64
}

var _ engine.Breakpoint = (*Breakpoint)(nil)

func (b *Breakpoint) ID() int { return b.id }

func (b *Breakpoint) Locations() []engine.BreakpointLocation {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return append([]engine.BreakpointLocation(nil), b.locs...)
}

func (b *Breakpoint) Enabled() bool {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return b.enabled
}

func (b *Breakpoint) SetEnabled(enabled bool) error {
	b.t.mu.Lock()
	b.enabled = enabled
	b.t.mu.Unlock()
	b.t.sitesChanged()
	return nil
}

func (b *Breakpoint) HitCount() int {
	b.t.mu.Lock()
	defer b.t.mu.Unlock()
	return b.hits
}

func (t *Target) SetBreakpoint(spec engine.BreakpointSpec) (engine.Breakpoint, error) {
	switch spec.Kind {
	case engine.BreakpointFileLine:
		if spec.Line <= 0 {
			return nil, fmt.Errorf("invalid line number %d", spec.Line)
		}
	case engine.BreakpointFunctionRegex:
		if _, err := regexp.Compile(spec.Name); err != nil {
			return nil, err
		}
	case engine.BreakpointAddress, engine.BreakpointFunction, engine.BreakpointException:
	default:
		return nil, fmt.Errorf("unknown breakpoint kind %d", spec.Kind)
	}

	t.mu.Lock()
	t.nextBreakpointID++
	bp := &Breakpoint{t: t, id: t.nextBreakpointID, spec: spec, enabled: true, locIDs: map[locKey]int{}}
	t.breakpoints = append(t.breakpoints, bp)
	t.mu.Unlock()

	t.resolve(bp)
	t.sitesChanged()
	return bp, nil
}

func (t *Target) DeleteBreakpoint(id int) error {
	t.mu.Lock()
	found := false
	for i, bp := range t.breakpoints {
		if bp.id == id {
			t.breakpoints = append(t.breakpoints[:i], t.breakpoints[i+1:]...)
			found = true
			break
		}
	}
	t.mu.Unlock()
	if !found {
		return fmt.Errorf("no breakpoint with id %d", id)
	}
	t.sitesChanged()
	return nil
}

func (t *Target) Breakpoint(id int) engine.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, bp := range t.breakpoints {
		if bp.id == id {
			return bp
		}
	}
	return nil
}

func (t *Target) Breakpoints() []engine.Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := make([]engine.Breakpoint, len(t.breakpoints))
	for i, bp := range t.breakpoints {
		r[i] = bp
	}
	return r
}

// breakpointAt returns the enabled breakpoint with a resolved location at
// addr and the id of that location.
func (t *Target) breakpointAt(addr uint64) (*Breakpoint, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
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

// hit counts a hit of bp.
func (t *Target) hit(bp *Breakpoint) {
	t.mu.Lock()
	bp.hits++
	t.mu.Unlock()
}

// breakpointAddresses returns the addresses software breakpoints must be
// inserted at for user breakpoints.
func (t *Target) breakpointAddresses() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var r []uint64
	for _, bp := range t.breakpoints {
		if !bp.enabled {
			continue
		}
		for _, loc := range bp.locs {
			if loc.Resolved {
				r = append(r, loc.Address)
			}
		}
	}
	return r
}

// sitesChanged asks the process, if any, to bring its inserted breakpoints
// up to date.
func (t *Target) sitesChanged() {
	if p := t.liveProcess(); p != nil {
		p.requestSync()
	}
}

// resolveAll recomputes the locations of every breakpoint, reporting the
// ones that changed.
func (t *Target) resolveAll() {
	t.mu.Lock()
	bps := append([]*Breakpoint(nil), t.breakpoints...)
	t.mu.Unlock()
	for _, bp := range bps {
		if t.resolve(bp) {
			t.dbg.post(engine.BreakpointEvent{Kind: engine.BreakpointLocationsResolved, Breakpoint: bp})
		}
	}
}

// resolvedAddr is a candidate breakpoint address inside an image.
type resolvedAddr struct {
	img  *image
	addr uint64 // file address
}

// resolve computes the locations of bp and reports whether they changed.
func (t *Target) resolve(bp *Breakpoint) bool {
	var addrs []resolvedAddr
	spec := bp.spec
	switch spec.Kind {
	case engine.BreakpointFileLine:
		for _, img := range t.imageList() {
			addrs = append(addrs, img.lineAddresses(spec.File, spec.Line, spec.Column)...)
		}
	case engine.BreakpointAddress:
		if img := t.imageAt(spec.Address); img != nil {
			addrs = append(addrs, resolvedAddr{img, spec.Address - img.bias})
		} else {
			addrs = append(addrs, resolvedAddr{nil, spec.Address})
		}
	case engine.BreakpointFunction:
		for _, img := range t.imageList() {
			addrs = append(addrs, img.functionAddresses(func(name string) bool { return name == spec.Name })...)
		}
	case engine.BreakpointFunctionRegex:
		re := regexp.MustCompile(spec.Name)
		for _, img := range t.imageList() {
			addrs = append(addrs, img.functionAddresses(re.MatchString)...)
		}
	case engine.BreakpointException:
		names := exceptionFunctions(spec)
		for _, img := range t.imageList() {
			addrs = append(addrs, img.functionAddresses(func(name string) bool {
				for _, n := range names {
					if n == name {
						return true
					}
				}
				return false
			})...)
		}
	}

	proc := t.liveProcess()
	t.mu.Lock()
	defer t.mu.Unlock()
	var locs []engine.BreakpointLocation
	for _, ra := range addrs {
		key := locKey{addr: ra.addr}
		loc := engine.BreakpointLocation{Address: ra.addr}
		if ra.img != nil {
			key.img = ra.img.path
			loc.Address = ra.addr + ra.img.bias
			loc.Resolved = ra.img.loaded
			if row := ra.img.rowAt(ra.addr); row != nil {
				loc.LineEntry = ra.img.lineEntry(row)
			}
		} else {
			loc.Resolved = proc != nil
		}
		id, ok := bp.locIDs[key]
		if !ok {
			bp.nextLocID++
			id = bp.nextLocID
			bp.locIDs[key] = id
		}
		loc.ID = id
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].ID < locs[j].ID })
	changed := len(locs) != len(bp.locs)
	for i := 0; !changed && i < len(locs); i++ {
		changed = locs[i] != bp.locs[i]
	}
	bp.locs = locs
	return changed
}

// exceptionFunctions returns the runtime functions an exception breakpoint
// stops in.
func exceptionFunctions(spec engine.BreakpointSpec) []string {
	switch strings.ToLower(spec.Language) {
	case "rust":
		return []string{"rust_panic"}
	}
	var r []string
	if spec.Throw || !spec.Catch {
		r = append(r, "__cxa_throw")
	}
	if spec.Catch {
		r = append(r, "__cxa_begin_catch")
	}
	return r
}

// sourceMatches reports whether have, a file name from the line table,
// names want. Relative names match by suffix.
func sourceMatches(want, have string) bool {
	if filepath.IsAbs(want) {
		return filepath.Clean(want) == filepath.Clean(have)
	}
	want = filepath.Clean(want)
	return have == want || strings.HasSuffix(have, "/"+want)
}

// lineAddresses resolves file:line to the first statement of the nearest
// line at or after line that has code, one address per function.
func (img *image) lineAddresses(file string, line, column int) []resolvedAddr {
	best := 0
	for i := range img.rows {
		r := &img.rows[i]
		if r.stmt && r.line >= line && (best == 0 || r.line < best) && sourceMatches(file, r.file) {
			best = r.line
		}
	}
	if best == 0 {
		return nil
	}
	var rows []*lineRow
	for i := range img.rows {
		r := &img.rows[i]
		if r.stmt && r.line == best && sourceMatches(file, r.file) {
			rows = append(rows, r)
		}
	}
	if column > 0 {
		var exact []*lineRow
		for _, r := range rows {
			if r.col == column {
				exact = append(exact, r)
			}
		}
		if len(exact) > 0 {
			rows = exact
		}
	}

	seen := map[*function]bool{}
	var r []resolvedAddr
	for _, row := range rows {
		fn := img.functionAt(row.addr)
		if fn != nil {
			if seen[fn] {
				continue
			}
			seen[fn] = true
		}
		r = append(r, resolvedAddr{img, row.addr})
	}
	return r
}

// functionAddresses returns the breakpoint addresses of the functions
// whose name matches, falling back to the symbol table for code without
// debug info.
func (img *image) functionAddresses(match func(string) bool) []resolvedAddr {
	var r []resolvedAddr
	seen := map[uint64]bool{}
	for _, fn := range img.funcs {
		if match(fn.name) || (fn.linkage != "" && match(fn.linkage)) {
			addr := img.afterPrologue(fn)
			if !seen[addr] {
				seen[addr] = true
				r = append(r, resolvedAddr{img, addr})
			}
			seen[fn.lowpc] = true
		}
	}
	for _, sym := range img.symbols {
		if sym.Type != "Code" || seen[sym.Start] {
			continue
		}
		if match(sym.Name) {
			seen[sym.Start] = true
			r = append(r, resolvedAddr{img, sym.Start})
		}
	}
	return r
}

// afterPrologue returns the first address of fn past its prologue: the row
// flagged as the end of the prologue, or the second line of the function.
func (img *image) afterPrologue(fn *function) uint64 {
	i := sort.Search(len(img.rows), func(i int) bool { return img.rows[i].addr >= fn.lowpc })
	var first *lineRow
	for ; i < len(img.rows) && img.rows[i].addr < fn.highpc; i++ {
		r := &img.rows[i]
		if r.prologueEnd {
			return r.addr
		}
		if first == nil {
			first = r
			continue
		}
		if r.line != first.line && r.stmt {
			return r.addr
		}
	}
	return fn.lowpc
}

// Watchpoints

type Watchpoint struct {
	id          int
	addr        uint64
	size        int
	read, write bool
}

var _ engine.Watchpoint = (*Watchpoint)(nil)

func (w *Watchpoint) ID() int { return w.id }

func (w *Watchpoint) Address() uint64 { return w.addr }

func (w *Watchpoint) Size() int { return w.size }

const maxWatchpoints = 4

func (t *Target) WatchAddress(addr uint64, size int, read, write bool) (engine.Watchpoint, error) {
	p := t.liveProcess()
	if p == nil {
		return nil, errors.New("Watchpoint creation failed: process is not running")
	}
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("Watchpoint creation failed: invalid watch size %d", size)
	}
	if !read && !write {
		return nil, errors.New("Watchpoint creation failed: nothing to watch")
	}
	t.mu.Lock()
	n := len(t.watchpoints)
	t.mu.Unlock()
	if n >= maxWatchpoints {
		return nil, errors.New("Watchpoint creation failed: no more hardware watchpoints available")
	}
	if err := p.setWatchpoint(addr, size, read, write); err != nil {
		return nil, fmt.Errorf("Watchpoint creation failed: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextWatchpointID++
	w := &Watchpoint{id: t.nextWatchpointID, addr: addr, size: size, read: read, write: write}
	t.watchpoints = append(t.watchpoints, w)
	return w, nil
}

func (t *Target) DeleteWatchpoint(id int) error {
	t.mu.Lock()
	var w *Watchpoint
	for i := range t.watchpoints {
		if t.watchpoints[i].id == id {
			w = t.watchpoints[i]
			t.watchpoints = append(t.watchpoints[:i], t.watchpoints[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	if w == nil {
		return fmt.Errorf("no watchpoint with id %d", id)
	}
	if p := t.liveProcess(); p != nil {
		return p.clearWatchpoint(w)
	}
	return nil
}

// watchpointAt returns the watchpoint covering addr.
func (t *Target) watchpointAt(addr uint64) *Watchpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.watchpoints {
		if addr >= w.addr && addr < w.addr+uint64(w.size) {
			return w
		}
	}
	if len(t.watchpoints) == 1 {
		// some stubs report the address of the access rather than the
		// watched range
		return t.watchpoints[0]
	}
	return nil
}

func (t *Target) clearWatchpoints() {
	t.mu.Lock()
	t.watchpoints = nil
	t.mu.Unlock()
}
