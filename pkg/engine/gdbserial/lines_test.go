package gdbserial

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/go-delve/ndap/pkg/engine"
)

// testImage is a loaded image with two functions:
//
//	main.c:3  main    0x1000-0x1040
//	main.c:10 helper  0x1040-0x1060
func testImage() *image {
	img := &image{path: "/bin/prog", bias: 0x400000, loaded: true}
	img.rows = []lineRow{
		{addr: 0x1000, end: 0x1008, file: "/src/main.c", line: 3, stmt: true},
		{addr: 0x1008, end: 0x1010, file: "/src/main.c", line: 4, stmt: true, prologueEnd: true},
		{addr: 0x1010, end: 0x1018, file: "/src/main.c", line: 4, col: 9, stmt: false},
		{addr: 0x1018, end: 0x1020, file: "/src/main.c", line: 6, stmt: true},
		{addr: 0x1020, end: 0x1030, file: "/src/main.c", line: 6, col: 12, stmt: true},
		{addr: 0x1030, end: 0x1040, file: "/src/main.c", line: 7, stmt: true},
		{addr: 0x1040, end: 0x1048, file: "/src/util.h", line: 10, stmt: true},
		{addr: 0x1048, end: 0x1060, file: "/src/util.h", line: 11, stmt: true},
	}
	img.funcs = []*function{
		{img: img, name: "main", lowpc: 0x1000, highpc: 0x1040, ranges: [][2]uint64{{0x1000, 0x1040}}},
		{img: img, name: "helper", lowpc: 0x1040, highpc: 0x1060, ranges: [][2]uint64{{0x1040, 0x1060}}},
	}
	img.symbols = []engine.Symbol{
		{Name: "main", Start: 0x1000, Type: "Code"},
		{Name: "helper", Start: 0x1040, Type: "Code"},
		{Name: "_start", Start: 0x0f00, Type: "Code"},
	}
	return img
}

func TestSourceMatches(t *testing.T) {
	tests := []struct {
		want, have string
		match      bool
	}{
		{"/src/main.c", "/src/main.c", true},
		{"/src/./main.c", "/src/main.c", true},
		{"/other/main.c", "/src/main.c", false},
		{"main.c", "/src/main.c", true},
		{"src/main.c", "/src/main.c", true},
		{"ain.c", "/src/main.c", false},
		{"main.c", "main.c", true},
	}
	for _, tt := range tests {
		if got := sourceMatches(tt.want, tt.have); got != tt.match {
			t.Errorf("sourceMatches(%q, %q) = %v", tt.want, tt.have, got)
		}
	}
}

func TestLineAddresses(t *testing.T) {
	img := testImage()
	addrs := func(r []resolvedAddr) []uint64 {
		var a []uint64
		for _, x := range r {
			a = append(a, x.addr)
		}
		return a
	}
	tests := []struct {
		file      string
		line, col int
		want      []uint64
	}{
		{"main.c", 4, 0, []uint64{0x1008}},
		// no code for line 5, moves to 6; one address per function
		{"main.c", 5, 0, []uint64{0x1018}},
		{"main.c", 6, 12, []uint64{0x1020}},
		{"util.h", 1, 0, []uint64{0x1040}},
		{"main.c", 20, 0, nil},
		{"other.c", 3, 0, nil},
	}
	for _, tt := range tests {
		got := addrs(img.lineAddresses(tt.file, tt.line, tt.col))
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("lineAddresses(%s, %d, %d) = %#x, want %#x", tt.file, tt.line, tt.col, got, tt.want)
		}
	}
}

func TestAfterPrologue(t *testing.T) {
	img := testImage()
	if got := img.afterPrologue(img.funcs[0]); got != 0x1008 {
		t.Errorf("main: got %#x", got)
	}
	// no prologue_end marker: the first statement of another line
	if got := img.afterPrologue(img.funcs[1]); got != 0x1048 {
		t.Errorf("helper: got %#x", got)
	}
}

func TestFunctionAddresses(t *testing.T) {
	img := testImage()
	r := img.functionAddresses(func(name string) bool { return name == "main" || name == "_start" })
	if len(r) != 2 || r[0].addr != 0x1008 || r[1].addr != 0x0f00 {
		t.Fatalf("unexpected addresses %+v", r)
	}
}

func TestLineRange(t *testing.T) {
	img := testImage()
	lo, hi := lineRange(img, &img.rows[1])
	if lo != 0x401008 || hi != 0x401018 {
		t.Errorf("line 4: got %#x-%#x", lo, hi)
	}
	lo, hi = lineRange(img, &img.rows[4])
	if lo != 0x401018 || hi != 0x401030 {
		t.Errorf("line 6: got %#x-%#x", lo, hi)
	}
}

func TestExceptionFunctions(t *testing.T) {
	tests := []struct {
		spec engine.BreakpointSpec
		want []string
	}{
		{engine.BreakpointSpec{Language: "cpp", Throw: true}, []string{"__cxa_throw"}},
		{engine.BreakpointSpec{Language: "cpp", Catch: true}, []string{"__cxa_begin_catch"}},
		{engine.BreakpointSpec{Language: "cpp", Throw: true, Catch: true}, []string{"__cxa_throw", "__cxa_begin_catch"}},
		{engine.BreakpointSpec{Language: "cpp"}, []string{"__cxa_throw"}},
		{engine.BreakpointSpec{Language: "Rust", Throw: true}, []string{"rust_panic"}},
	}
	for _, tt := range tests {
		if got := exceptionFunctions(tt.spec); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("exceptionFunctions(%+v) = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestParseAuxv(t *testing.T) {
	var data []byte
	for _, kv := range [][2]uint64{{atBase, 0x7f0000}, {atEntry, 0x401040}, {atNull, 0}, {atBase, 1}} {
		data = binary.LittleEndian.AppendUint64(data, kv[0])
		data = binary.LittleEndian.AppendUint64(data, kv[1])
	}
	auxv := parseAuxv(data)
	if auxv[atBase] != 0x7f0000 || auxv[atEntry] != 0x401040 {
		t.Fatalf("unexpected auxv %v", auxv)
	}
	if len(auxv) != 2 {
		t.Fatalf("entries after AT_NULL were read: %v", auxv)
	}
}

func TestThreadIDs(t *testing.T) {
	tests := []struct {
		id       string
		tid, pid int
	}{
		{"2b", 0x2b, 0},
		{"p2a.2b", 0x2b, 0x2a},
		{"p2a.-1", 0, 0x2a},
	}
	for _, tt := range tests {
		if got := parseThreadID(tt.id); got != tt.tid {
			t.Errorf("parseThreadID(%q) = %d, want %d", tt.id, got, tt.tid)
		}
		if got := pidOfThreadID(tt.id); got != tt.pid {
			t.Errorf("pidOfThreadID(%q) = %d, want %d", tt.id, got, tt.pid)
		}
	}
}

func TestParseLibraryList(t *testing.T) {
	data := []byte(`<library-list-svr4 version="1.0">
  <library name="linux-vdso.so.1" lm="0x1" l_addr="0x7fff0000" l_ld="0x2"/>
  <library name="" lm="0x3" l_addr="0x0" l_ld="0x4"/>
  <library name="/lib/x86_64-linux-gnu/libc.so.6" lm="0x5" l_addr="0x7f1234000" l_ld="0x6"/>
</library-list-svr4>`)
	libs, err := parseLibraryList(data)
	if err != nil {
		t.Fatal(err)
	}
	want := []library{{name: "/lib/x86_64-linux-gnu/libc.so.6", bias: 0x7f1234000}}
	if !reflect.DeepEqual(libs, want) {
		t.Fatalf("got %+v", libs)
	}
	if _, err := parseLibraryList([]byte("<library-list-svr4>")); err == nil {
		t.Fatal("truncated list accepted")
	}
}

func TestRRParseGdbCommand(t *testing.T) {
	init := rrParseGdbCommand("-l 10000 -ex 'set sysroot /' -ex 'target extended-remote 127.0.0.1:12345' /tmp/trace/prog\n")
	if init.err != nil {
		t.Fatal(init.err)
	}
	if init.port != "127.0.0.1:12345" {
		t.Errorf("port = %q", init.port)
	}
	if init.exe != "/tmp/trace/prog" {
		t.Errorf("exe = %q", init.exe)
	}
	if init := rrParseGdbCommand("-ex 'set sysroot /' prog"); init.err == nil {
		t.Error("command without a target accepted")
	}
}

func TestArchForRegisters(t *testing.T) {
	if a, err := archForRegisters([]registerInfo{{Name: "x0"}, {Name: "x29"}}); err != nil || a != arm64Arch {
		t.Errorf("arm64 not detected: %v", err)
	}
	if _, err := archForRegisters([]registerInfo{{Name: "r0"}}); err == nil {
		t.Error("unknown registers accepted")
	}
	if got := amd64Arch.regName("PC"); got != "rip" {
		t.Errorf("regName(PC) = %s", got)
	}
	if got := arm64Arch.regName("lr"); got != "x30" {
		t.Errorf("regName(lr) = %s", got)
	}
}
