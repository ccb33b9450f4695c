package disasm

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
)

var errUnreadable = errors.New("memory read failed")

// fakeTarget maps mem at base. Everything else is unreadable.
type fakeTarget struct {
	base    uint64
	mem     []byte
	symbols []engine.Symbol
}

func (t *fakeTarget) Triple() string { return "x86_64-unknown-linux-gnu" }

func (t *fakeTarget) ReadMemory(addr uint64, buf []byte) (int, error) {
	if addr < t.base || addr >= t.base+uint64(len(t.mem)) {
		return 0, errUnreadable
	}
	n := copy(buf, t.mem[addr-t.base:])
	if n < len(buf) {
		return n, errUnreadable
	}
	return n, nil
}

func (t *fakeTarget) ResolveLoadAddress(addr uint64) engine.SymbolContext {
	for i := range t.symbols {
		sym := &t.symbols[i]
		if sym.Start <= addr && addr < sym.End {
			return engine.SymbolContext{
				Symbol:    sym,
				LineEntry: engine.LineEntry{File: "main.c", Line: 10 + int(addr-sym.Start)/4, Start: addr, End: addr + 1},
			}
		}
	}
	return engine.SymbolContext{}
}

func newFakeTarget() *fakeTarget {
	code := []byte{
		0x55,                               // 1000: push %rbp
		0x48, 0x89, 0xe5,                   // 1001: mov %rsp,%rbp
		0xe8, 0x07, 0x00, 0x00, 0x00,       // 1004: call 0x1010
		0xff, 0x15, 0x10, 0x00, 0x00, 0x00, // 1009: call *0x10(%rip)
		0xc3,                               // 100f: ret
		0x90,                               // 1010: nop
		0xc3,                               // 1011: ret
	}
	mem := make([]byte, 0x100)
	for i := range mem {
		mem[i] = 0x90
	}
	copy(mem, code)
	return &fakeTarget{
		base: 0x1000,
		mem:  mem,
		symbols: []engine.Symbol{
			{Name: "main", Start: 0x1000, End: 0x1010},
			{Name: "callee", Start: 0x1010, End: 0x1012},
		},
	}
}

func newTestDisassembler(t *testing.T) (*fakeTarget, *Disassembler) {
	target := newFakeTarget()
	d, err := New(target)
	require.NoError(t, err)
	return target, d
}

func TestArchForTriple(t *testing.T) {
	for triple, want := range map[string]struct {
		name  string
		bytes int
	}{
		"x86_64-unknown-linux-gnu":      {"amd64", 16},
		"i686-pc-windows-msvc":          {"386", 16},
		"aarch64-apple-darwin":          {"arm64", 4},
		"armv7-unknown-linux-gnueabi":   {"arm", 4},
		"riscv64gc-unknown-linux-gnu":   {"riscv64", 4},
		"mips-unknown-linux-gnu":        {"", 0},
		"loongarch64-unknown-linux":     {"loong64", 16},
		"powerpc64le-unknown-linux-gnu": {"ppc64le", 16},
	} {
		a, err := ArchForTriple(triple)
		if want.name == "" {
			assert.Error(t, err, triple)
			continue
		}
		require.NoError(t, err, triple)
		assert.Equal(t, want.name, a.Name, triple)
		assert.Equal(t, want.bytes, a.InstrBytes, triple)
	}
}

func TestDecodeX86(t *testing.T) {
	target, d := newTestDisassembler(t)
	insts := d.arch.DecodeAll(target.mem[:0x12], 0x1000)
	require.Len(t, insts, 7)

	call := insts[2]
	assert.Equal(t, uint64(0x1004), call.Address)
	assert.Equal(t, KindCall, call.Kind)
	assert.Contains(t, call.Mnemonic, "call")
	assert.Equal(t, "0x1010", call.Operands)
	assert.True(t, call.HasTarget)
	assert.Equal(t, uint64(0x1010), call.Target)

	indirect := insts[3]
	assert.Equal(t, KindCall, indirect.Kind)
	assert.Equal(t, "*0x10(%rip)", indirect.Operands)
	assert.False(t, indirect.HasTarget)
	assert.True(t, indirect.HasSlot)
	assert.Equal(t, uint64(0x101f), indirect.Slot)

	assert.Equal(t, KindReturn, insts[4].Kind)
	assert.Equal(t, KindOther, insts[5].Kind)
}

func TestDecodeFallback(t *testing.T) {
	a, err := ArchForTriple("aarch64-linux-gnu")
	require.NoError(t, err)
	inst, ok := a.Decode([]byte{0x01, 0x02}, 0x4000)
	assert.False(t, ok)
	assert.True(t, inst.Invalid)
	assert.Equal(t, 1, inst.Size())
	assert.Equal(t, ".byte  0x01", inst.Text())
}

func TestInstructionText(t *testing.T) {
	inst := Instruction{Mnemonic: "callq", Operands: "0x1010", Comment: "callee"}
	assert.Equal(t, "callq  0x1010  ; callee", inst.Text())

	m, ops := splitText("lock xchgl %eax,(%rbx)")
	assert.Equal(t, "lock xchgl", m)
	assert.Equal(t, "%eax,(%rbx)", ops)

	m, ops = splitText("ret")
	assert.Equal(t, "ret", m)
	assert.Equal(t, "", ops)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "AA BB CC", FormatBytes([]byte{0xaa, 0xbb, 0xcc}, 0))
	assert.Equal(t, "AA BB >", FormatBytes([]byte{0xaa, 0xbb, 0xcc}, 2))
	assert.Equal(t, "", FormatBytes(nil, 4))
	assert.Equal(t, "AA BB", FormatBytes([]byte{0xaa, 0xbb}, 2))

	// the marker takes a column of its own so truncated rows line up
	full := FormatBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 8)
	cut := FormatBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, 8)
	assert.Equal(t, full+" >", cut)
}

func TestReadMemory(t *testing.T) {
	target := newFakeTarget()

	start, b := ReadMemory(target, 0x1010, 16)
	assert.Equal(t, uint64(0x1010), start)
	assert.Len(t, b, 16)

	// unreadable head
	start, b = ReadMemory(target, 0x1000-64, 128)
	assert.Equal(t, uint64(0x1000), start)
	assert.Len(t, b, 64)
	assert.Equal(t, byte(0x55), b[0])

	// unreadable tail
	start, b = ReadMemory(target, 0x10f0, 64)
	assert.Equal(t, uint64(0x10f0), start)
	assert.Len(t, b, 16)

	// nothing readable
	_, b = ReadMemory(target, 0x2000, 64)
	assert.Empty(t, b)
}

func TestDisassembleAlignment(t *testing.T) {
	_, d := newTestDisassembler(t)
	for _, base := range []uint64{0x1000, 0x1001, 0x1004, 0x1009, 0x100f, 0x1010, 0x1080} {
		rows, err := d.Disassemble(base, 0, 3, true)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, base, rows[0].Address)
		assert.False(t, rows[0].Padding)
	}
}

func TestDisassembleUnreadablePage(t *testing.T) {
	_, d := newTestDisassembler(t)
	rows, err := d.Disassemble(0x1000, -4, 10, true)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for i := 0; i < 4; i++ {
		assert.True(t, rows[i].Padding, "row %d", i)
		assert.Less(t, rows[i].Address, uint64(0x1000))
	}
	want := []uint64{0x1000, 0x1001, 0x1004, 0x1009, 0x100f, 0x1010}
	for i, addr := range want {
		assert.Equal(t, addr, rows[4+i].Address)
		assert.False(t, rows[4+i].Padding)
	}
	assert.Equal(t, "main", rows[4].Symbol)
	assert.Equal(t, "callee", rows[6].Comment)
	assert.Equal(t, 10, rows[4].LineEntry.Line)
}

func TestDisassembleBackwards(t *testing.T) {
	_, d := newTestDisassembler(t)
	rows, err := d.Disassemble(0x1009, -2, 3, false)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, uint64(0x1001), rows[0].Address)
	assert.Equal(t, uint64(0x1004), rows[1].Address)
	assert.Equal(t, uint64(0x1009), rows[2].Address)
	assert.Empty(t, rows[0].Symbol)

	// 0x1002 is inside the mov at 0x1001, only a shifted decode reaches it
	rows, err = d.Disassemble(0x1002, -1, 2, false)
	require.NoError(t, err)
	assert.True(t, rows[0].Padding)
	assert.Equal(t, uint64(0x1002), rows[1].Address)
}

func TestDisassemblePastEnd(t *testing.T) {
	_, d := newTestDisassembler(t)
	rows, err := d.Disassemble(0x10fe, 0, 4, false)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.False(t, rows[0].Padding)
	assert.False(t, rows[1].Padding)
	assert.True(t, rows[2].Padding)
	assert.Equal(t, uint64(0x1100), rows[2].Address)
	assert.Equal(t, uint64(0x1101), rows[3].Address)
}

func TestDisassembleUnreadable(t *testing.T) {
	_, d := newTestDisassembler(t)
	_, err := d.Disassemble(0x2000, 0, 4, false)
	assert.True(t, errors.Is(err, ErrUndisassemblable))

	_, err = d.Disassemble(0x1000, 0, -1, false)
	assert.Error(t, err)
}

func TestRangeLookup(t *testing.T) {
	_, d := newTestDisassembler(t)
	ranges := NewRanges(d)

	_, ok := ranges.FindByAddress(1234)
	assert.False(t, ok)

	r1 := ranges.add(1000, 2000, nil, engine.LineEntry{}, nil)
	r3 := ranges.add(4000, 5000, nil, engine.LineEntry{}, nil)
	r2 := ranges.add(3000, 4000, nil, engine.LineEntry{}, nil)

	for addr, want := range map[uint64]*Range{1000: r1, 1234: r1, 1999: r1, 2000: nil, 3000: r2, 3999: r2, 4000: r3, 5000: nil} {
		got, ok := ranges.FindByAddress(addr)
		if want == nil {
			assert.False(t, ok, "%d", addr)
			continue
		}
		assert.Same(t, want, got, "%d", addr)
	}

	got, ok := ranges.ByHandle(r2.Handle)
	require.True(t, ok)
	assert.Same(t, r2, got)
	assert.Equal(t, "@bb8..fa0", r2.SourceName)
}

func TestAdapterData(t *testing.T) {
	addresses := []uint64{10, 20, 23, 25, 30, 35, 41, 42, 50}
	ad := AdapterData{Start: 10, End: 55}
	for i := 1; i < len(addresses); i++ {
		ad.LineOffsets = append(ad.LineOffsets, uint32(addresses[i]-addresses[i-1]))
	}
	lines := ad.LineAddresses()
	assert.Equal(t, addresses, lines[3:])
}

func TestRangeFromAddress(t *testing.T) {
	_, d := newTestDisassembler(t)
	ranges := NewRanges(d)

	r, err := ranges.FromAddress(0x1004)
	require.NoError(t, err)
	assert.Equal(t, "@main", r.SourceName)
	assert.Equal(t, uint64(0x1000), r.Start)
	assert.Equal(t, uint64(0x1010), r.End)
	assert.Len(t, r.Instructions(), 5)
	assert.Equal(t, 5, r.LineByAddress(0x1004))
	addr, ok := r.AddressByLine(3)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), addr)
	_, ok = r.AddressByLine(2)
	assert.False(t, ok)

	again, err := ranges.FromAddress(0x100f)
	require.NoError(t, err)
	assert.Same(t, r, again)

	lines := strings.Split(r.SourceText(4), "\n")
	assert.Equal(t, "; Symbol: main", lines[0])
	assert.Equal(t, "; Source: main.c:10", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "00001000: 55 "), lines[2])
	assert.Contains(t, lines[5], ">")

	ad := r.AdapterData()
	assert.Equal(t, []uint32{1, 3, 5, 6}, ad.LineOffsets)
	assert.Equal(t, []uint64{0x1000, 0x1001, 0x1004, 0x1009, 0x100f}, ad.LineAddresses()[3:])

	anon, err := ranges.FromAddress(0x1020)
	require.NoError(t, err)
	assert.Equal(t, "@1020..1040", anon.SourceName)
	assert.Len(t, anon.Instructions(), noSymbolInstructions)
	assert.NotEqual(t, r.Handle, anon.Handle)

	_, err = ranges.FromAddress(0x3000)
	assert.Error(t, err)
}
