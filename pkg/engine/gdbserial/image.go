package gdbserial

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
)

// defaultDebugInfoDirectories is searched for separate debug info when the
// configuration names no directory.
var defaultDebugInfoDirectories = []string{"/usr/lib/debug"}

// image is an ELF file mapped in the target: the executable or a shared
// library. The addresses it stores are file addresses; bias converts them
// to load addresses once the image is loaded.
type image struct {
	id        int
	path      string
	debugPath string
	file      *elf.File
	debugFile *elf.File
	dwarf     *dwarf.Data
	arch      *archInfo
	pie       bool
	entry     uint64
	// start and end delimit the file addresses of the loadable segments.
	start, end uint64

	bias   uint64
	loaded bool

	symbols []engine.Symbol
	funcs   []*function
	cus     []*compileUnit
	rows    []lineRow
	globals []*variable

	types *typeConverter
}

var _ engine.Module = (*image)(nil)

// function is a subprogram with code.
type function struct {
	img     *image
	name    string
	linkage string
	lowpc   uint64
	highpc  uint64
	ranges  [][2]uint64
	cu      *compileUnit
	offset  dwarf.Offset
	retType dwarf.Offset
	hasRet  bool
	// frameBase is the DW_AT_frame_base expression.
	frameBase []byte
}

type compileUnit struct {
	name    string
	compDir string
	rows    []lineRow
}

// lineRow is one row of a line table, in file addresses.
type lineRow struct {
	addr uint64
	end  uint64
	file string
	line int
	col  int
	stmt bool

	prologueEnd bool
}

func (img *image) lineEntry(r *lineRow) engine.LineEntry {
	return engine.LineEntry{File: r.file, Line: r.line, Column: r.col, Start: r.addr + img.bias, End: r.end + img.bias}
}

func openImage(id int, path string, debugDirs []string) (*image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	img := &image{
		id:    id,
		path:  path,
		file:  f,
		arch:  archForMachine(f.Machine.String()),
		pie:   f.Type == elf.ET_DYN,
		entry: f.Entry,
	}
	img.start = ^uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		img.start = min(img.start, p.Vaddr)
		img.end = max(img.end, p.Vaddr+p.Memsz)
	}
	if img.start > img.end {
		img.start = 0
	}
	if !img.pie {
		img.loaded = true
	}

	img.loadSymbols()
	if len(debugDirs) == 0 {
		debugDirs = defaultDebugInfoDirectories
	}
	if err := img.loadDWARF(debugDirs); err != nil {
		logflags.EngineLogger().Debugf("no debug info for %s: %v", path, err)
	}
	img.nameSymbols()
	return img, nil
}

func (img *image) close() {
	if img.debugFile != nil {
		img.debugFile.Close()
	}
	img.file.Close()
}

// Module

func (img *image) ID() string { return strconv.Itoa(img.id) }

func (img *image) Name() string { return filepath.Base(img.path) }

func (img *image) Path() string { return img.path }

func (img *image) SymbolsPath() string {
	if img.debugPath != "" {
		return img.debugPath
	}
	return img.path
}

func (img *image) LoadAddress() (uint64, bool) {
	return img.start + img.bias, img.loaded
}

func (img *image) HasSymbols() bool { return img.dwarf != nil }

// containsLoad reports whether addr, a load address, is inside the image.
func (img *image) containsLoad(addr uint64) bool {
	return img.loaded && addr >= img.start+img.bias && addr < img.end+img.bias
}

func (img *image) loadSymbols() {
	syms, err := img.file.Symbols()
	if err != nil || len(syms) == 0 {
		syms, _ = img.file.DynamicSymbols()
	}
	type key struct {
		name string
		addr uint64
	}
	seen := map[key]bool{}
	for _, s := range syms {
		var typ string
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC:
			typ = "Code"
		case elf.STT_OBJECT:
			typ = "Data"
		default:
			continue
		}
		if s.Value == 0 || s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		k := key{s.Name, s.Value}
		if seen[k] {
			continue
		}
		seen[k] = true
		img.symbols = append(img.symbols, engine.Symbol{
			Name:        s.Name,
			DisplayName: s.Name,
			Type:        typ,
			Start:       s.Value,
			End:         s.Value + max(s.Size, 1),
			Module:      img.Name(),
		})
	}
	sort.Slice(img.symbols, func(i, j int) bool { return img.symbols[i].Start < img.symbols[j].Start })
}

// nameSymbols gives code symbols the source name of the function they
// start.
func (img *image) nameSymbols() {
	byStart := make(map[uint64]*function, len(img.funcs))
	for _, fn := range img.funcs {
		byStart[fn.lowpc] = fn
	}
	for i := range img.symbols {
		sym := &img.symbols[i]
		if fn := byStart[sym.Start]; fn != nil && sym.Type == "Code" && fn.name != "" {
			sym.DisplayName = fn.name
		}
	}
}

func (img *image) loadDWARF(debugDirs []string) error {
	f := img.file
	if f.Section(".debug_info") == nil && f.Section(".zdebug_info") == nil {
		path := findDebugFile(f, img.path, debugDirs)
		if path == "" {
			return errors.New("no .debug_info section")
		}
		df, err := elf.Open(path)
		if err != nil {
			return err
		}
		img.debugFile, img.debugPath = df, path
		f = df
	}
	d, err := f.DWARF()
	if err != nil {
		return err
	}
	img.dwarf = d
	img.types = newTypeConverter(d)
	img.loadDebugInfo()
	return nil
}

// findDebugFile looks for the separate debug info of f by build id, then by
// its .gnu_debuglink name.
func findDebugFile(f *elf.File, path string, dirs []string) string {
	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}
	if id := buildID(f); len(id) > 2 {
		for _, dir := range dirs {
			p := filepath.Join(dir, ".build-id", id[:2], id[2:]+".debug")
			if exists(p) {
				return p
			}
		}
	}
	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	name := string(data)
	if name == "" {
		return ""
	}
	dir := filepath.Dir(path)
	candidates := []string{filepath.Join(dir, name), filepath.Join(dir, ".debug", name)}
	for _, d := range dirs {
		candidates = append(candidates, filepath.Join(d, dir, name))
	}
	for _, p := range candidates {
		if p != path && exists(p) {
			return p
		}
	}
	return ""
}

const ntGNUBuildID = 3

func buildID(f *elf.File) string {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 {
		return ""
	}
	namesz := f.ByteOrder.Uint32(data[0:4])
	descsz := f.ByteOrder.Uint32(data[4:8])
	if f.ByteOrder.Uint32(data[8:12]) != ntGNUBuildID {
		return ""
	}
	off := 12 + (namesz+3)&^3
	if uint64(off)+uint64(descsz) > uint64(len(data)) {
		return ""
	}
	return hex.EncodeToString(data[off : off+descsz])
}

func (img *image) loadDebugInfo() {
	r := img.dwarf.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			logflags.EngineLogger().Errorf("reading debug info of %s: %v", img.path, err)
			break
		}
		if e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		cu := &compileUnit{}
		cu.name, _ = e.Val(dwarf.AttrName).(string)
		cu.compDir, _ = e.Val(dwarf.AttrCompDir).(string)
		if cu.name != "" && !filepath.IsAbs(cu.name) && cu.compDir != "" {
			cu.name = filepath.Join(cu.compDir, cu.name)
		}
		img.cus = append(img.cus, cu)
		img.loadLines(cu, e)
		if e.Children {
			img.loadUnitChildren(r, cu)
		}
	}
	sort.Slice(img.funcs, func(i, j int) bool { return img.funcs[i].lowpc < img.funcs[j].lowpc })
	sort.Slice(img.rows, func(i, j int) bool { return img.rows[i].addr < img.rows[j].addr })
}

func (img *image) loadLines(cu *compileUnit, e *dwarf.Entry) {
	lr, err := img.dwarf.LineReader(e)
	if err != nil || lr == nil {
		return
	}
	var le dwarf.LineEntry
	prev := -1
	for {
		if err := lr.Next(&le); err != nil {
			break
		}
		if prev >= 0 {
			cu.rows[prev].end = le.Address
		}
		if le.EndSequence {
			prev = -1
			continue
		}
		if le.File == nil {
			prev = -1
			continue
		}
		row := lineRow{addr: le.Address, file: le.File.Name, line: le.Line, col: le.Column, stmt: le.IsStmt, prologueEnd: le.PrologueEnd}
		if prev >= 0 && cu.rows[prev].addr == le.Address {
			cu.rows[prev] = row
			continue
		}
		cu.rows = append(cu.rows, row)
		prev = len(cu.rows) - 1
	}
	for _, row := range cu.rows {
		if row.end > row.addr {
			img.rows = append(img.rows, row)
		}
	}
}

// loadUnitChildren reads the functions and global variables of a compile
// unit. Namespaces are descended into, other scopes are skipped.
func (img *image) loadUnitChildren(r *dwarf.Reader, cu *compileUnit) {
	depth := 1
	for depth > 0 {
		e, err := r.Next()
		if err != nil || e == nil {
			return
		}
		switch e.Tag {
		case 0:
			depth--
			continue
		case dwarf.TagSubprogram:
			img.addFunction(cu, e)
		case dwarf.TagVariable:
			if v := img.newVariable(e, engine.VariableGlobal); v != nil && v.loc != nil {
				if ext, _ := e.Val(dwarf.AttrExternal).(bool); !ext {
					v.vt = engine.VariableStatic
				}
				img.globals = append(img.globals, v)
			}
		case dwarf.TagNamespace:
			if e.Children {
				depth++
			}
			continue
		}
		if e.Children {
			r.SkipChildren()
		}
	}
}

func (img *image) addFunction(cu *compileUnit, e *dwarf.Entry) {
	ranges, err := img.dwarf.Ranges(e)
	if err != nil || len(ranges) == 0 {
		return
	}
	fn := &function{img: img, cu: cu, offset: e.Offset, ranges: ranges}
	fn.lowpc, fn.highpc = ranges[0][0], ranges[0][1]
	for _, rng := range ranges[1:] {
		fn.lowpc = min(fn.lowpc, rng[0])
		fn.highpc = max(fn.highpc, rng[1])
	}
	fn.frameBase, _ = e.Val(dwarf.AttrFrameBase).([]byte)

	named := e
	for i := 0; i < 2; i++ {
		if s, ok := named.Val(dwarf.AttrName).(string); ok && fn.name == "" {
			fn.name = s
		}
		if s, ok := named.Val(dwarf.AttrLinkageName).(string); ok && fn.linkage == "" {
			fn.linkage = s
		}
		if off, ok := named.Val(dwarf.AttrType).(dwarf.Offset); ok && !fn.hasRet {
			fn.retType, fn.hasRet = off, true
		}
		ref, ok := named.Val(dwarf.AttrSpecification).(dwarf.Offset)
		if !ok {
			ref, ok = named.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		}
		if !ok {
			break
		}
		named = img.entryAt(ref)
		if named == nil {
			break
		}
	}
	if fn.name == "" {
		fn.name = fn.linkage
	}
	img.funcs = append(img.funcs, fn)
}

func (img *image) entryAt(off dwarf.Offset) *dwarf.Entry {
	r := img.dwarf.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil
	}
	return e
}

func (fn *function) contains(pc uint64) bool {
	for _, rng := range fn.ranges {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

func (fn *function) engineFunction() *engine.Function {
	name := fn.linkage
	if name == "" {
		name = fn.name
	}
	return &engine.Function{Name: name, DisplayName: fn.name, Start: fn.lowpc + fn.img.bias, End: fn.highpc + fn.img.bias}
}

// functionAt returns the function containing pc, a file address.
func (img *image) functionAt(pc uint64) *function {
	i := sort.Search(len(img.funcs), func(i int) bool { return img.funcs[i].lowpc > pc })
	for j := i - 1; j >= 0 && j >= i-4; j-- {
		if img.funcs[j].contains(pc) {
			return img.funcs[j]
		}
	}
	return nil
}

func (img *image) functionByName(name string) []*function {
	var r []*function
	for _, fn := range img.funcs {
		if fn.name == name || fn.linkage == name {
			r = append(r, fn)
		}
	}
	return r
}

// rowAt returns the line table row covering pc, a file address.
func (img *image) rowAt(pc uint64) *lineRow {
	i := sort.Search(len(img.rows), func(i int) bool { return img.rows[i].addr > pc })
	if i == 0 {
		return nil
	}
	r := &img.rows[i-1]
	if pc >= r.end {
		return nil
	}
	return r
}

// symbolAt returns the symbol containing pc, a file address.
func (img *image) symbolAt(pc uint64) *engine.Symbol {
	i := sort.Search(len(img.symbols), func(i int) bool { return img.symbols[i].Start > pc })
	for j := i - 1; j >= 0; j-- {
		sym := &img.symbols[j]
		if pc < sym.End {
			return sym
		}
		if sym.Start < pc && sym.Type == "Code" {
			break
		}
	}
	return nil
}

// resolve fills sc for addr, a load address inside the image.
func (img *image) resolve(addr uint64, sc *engine.SymbolContext) {
	pc := addr - img.bias
	sc.Module = img
	if sym := img.symbolAt(pc); sym != nil {
		s := *sym
		s.Start += img.bias
		s.End += img.bias
		sc.Symbol = &s
	}
	if fn := img.functionAt(pc); fn != nil {
		sc.Function = fn.engineFunction()
		sc.CompileUnit = fn.cu.name
	}
	if row := img.rowAt(pc); row != nil {
		sc.LineEntry = img.lineEntry(row)
	}
}

func (img *image) loadedSymbols() []engine.Symbol {
	r := make([]engine.Symbol, len(img.symbols))
	for i, s := range img.symbols {
		s.Start += img.bias
		s.End += img.bias
		r[i] = s
	}
	return r
}

// readFile reads the file backed contents of the image at addr, a load
// address.
func (img *image) readFile(addr uint64, buf []byte) (int, error) {
	a := addr - img.bias
	for _, p := range img.file.Progs {
		if p.Type != elf.PT_LOAD || a < p.Vaddr || a >= p.Vaddr+p.Filesz {
			continue
		}
		n := min(uint64(len(buf)), p.Vaddr+p.Filesz-a)
		return p.ReadAt(buf[:n], int64(a-p.Vaddr))
	}
	return 0, fmt.Errorf("address 0x%x is not backed by %s", addr, img.Name())
}
