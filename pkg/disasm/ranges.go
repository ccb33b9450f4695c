package disasm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/handles"
)

const (
	// noSymbolInstructions is the size of a range made for an address
	// that no symbol covers.
	noSymbolInstructions = 32
	// headerLines precede the first instruction of a range's text.
	headerLines = 2

	firstRangeHandle = 1000
)

// AdapterData describes a disassembled range compactly enough to be stored
// by the client with a breakpoint's source and handed back in a later
// session.
type AdapterData struct {
	Start       uint64   `json:"start"`
	End         uint64   `json:"end"`
	LineOffsets []uint32 `json:"lineOffsets"`
}

// LineAddresses expands ad into the address of each line of the range's
// text, indexed by 1-based line number. Header lines map to the start.
func (ad *AdapterData) LineAddresses() []uint64 {
	r := make([]uint64, 0, headerLines+2+len(ad.LineOffsets))
	for i := 0; i <= headerLines+1; i++ {
		r = append(r, ad.Start)
	}
	addr := ad.Start
	for _, delta := range ad.LineOffsets {
		addr += uint64(delta)
		r = append(r, addr)
	}
	return r
}

// Range is a span of instructions shown to the user as a virtual source
// file, one instruction per line after a two line header.
type Range struct {
	Handle     handles.Handle
	Start, End uint64
	SourceName string

	symbol       *engine.Symbol
	lineEntry    engine.LineEntry
	instructions []Instruction
}

func (r *Range) Contains(addr uint64) bool {
	return r.Start <= addr && addr < r.End
}

func (r *Range) Instructions() []Instruction {
	return r.instructions
}

// LineByAddress returns the line of the instruction at addr, or of the
// first instruction after it.
func (r *Range) LineByAddress(addr uint64) int {
	i := sort.Search(len(r.instructions), func(i int) bool { return r.instructions[i].Address >= addr })
	return i + headerLines + 1
}

// AddressByLine returns the address of the instruction shown on line.
func (r *Range) AddressByLine(line int) (uint64, bool) {
	i := line - headerLines - 1
	if i < 0 || i >= len(r.instructions) {
		return 0, false
	}
	return r.instructions[i].Address, true
}

func (r *Range) AdapterData() AdapterData {
	ad := AdapterData{Start: r.Start, End: r.End, LineOffsets: []uint32{}}
	for i := 1; i < len(r.instructions); i++ {
		ad.LineOffsets = append(ad.LineOffsets, uint32(r.instructions[i].Address-r.instructions[i-1].Address))
	}
	return ad
}

// SourceText renders the range. At most maxInstrBytes bytes of each
// instruction are shown.
func (r *Range) SourceText(maxInstrBytes int) string {
	var b strings.Builder
	b.WriteString("; Symbol: ")
	if r.symbol != nil {
		name := r.symbol.DisplayName
		if name == "" {
			name = r.symbol.Name
		}
		b.WriteString(name)
		if r.symbol.Name != name {
			fmt.Fprintf(&b, ", mangled name=%s", r.symbol.Name)
		}
	} else {
		b.WriteString("no symbol info")
	}
	b.WriteString("\n; Source: ")
	if r.lineEntry.IsValid() {
		fmt.Fprintf(&b, "%s:%d", r.lineEntry.File, r.lineEntry.Line)
	} else {
		b.WriteString("unknown")
	}
	b.WriteString("\n")

	width := maxInstrBytes*3 + 2
	for i := range r.instructions {
		inst := &r.instructions[i]
		fmt.Fprintf(&b, "%08X: %-*s %s\n", inst.Address, width, FormatBytes(inst.Bytes, maxInstrBytes), inst.Text())
	}
	return b.String()
}

// Ranges is the set of ranges created in a session, indexed by handle and
// by start address.
type Ranges struct {
	mu        sync.Mutex
	dis       *Disassembler
	byHandle  map[handles.Handle]*Range
	byAddress []*Range
}

func NewRanges(dis *Disassembler) *Ranges {
	return &Ranges{dis: dis, byHandle: make(map[handles.Handle]*Range)}
}

// ByHandle looks up a range by the handle it was given.
func (rs *Ranges) ByHandle(h handles.Handle) (*Range, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.byHandle[h]
	return r, ok
}

// FindByAddress returns the range containing addr.
func (rs *Ranges) FindByAddress(addr uint64) (*Range, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	i := sort.Search(len(rs.byAddress), func(i int) bool { return rs.byAddress[i].Start > addr })
	if i > 0 && rs.byAddress[i-1].Contains(addr) {
		return rs.byAddress[i-1], true
	}
	return nil, false
}

// FromAddress returns the range containing addr, creating one if needed.
// A new range spans the symbol that covers addr or, failing that, a fixed
// number of instructions starting at addr.
func (rs *Ranges) FromAddress(addr uint64) (*Range, error) {
	if r, ok := rs.FindByAddress(addr); ok {
		return r, nil
	}

	sc := rs.dis.target.ResolveLoadAddress(addr)
	var start, end uint64
	var insts []Instruction
	if sym := sc.Symbol; sym != nil && sym.End > sym.Start {
		start, end = sym.Start, sym.End
		insts = rs.dis.Instructions(start, end)
	} else {
		start = addr
		insts = rs.dis.ReadInstructions(addr, noSymbolInstructions+1)
		if len(insts) > noSymbolInstructions {
			insts = insts[:noSymbolInstructions]
		}
		if len(insts) > 0 {
			end = insts[len(insts)-1].End()
		}
	}
	if len(insts) == 0 {
		return nil, errors.New("Can't read instructions at that address.")
	}

	lineEntry := sc.LineEntry
	if start != addr {
		lineEntry = rs.dis.target.ResolveLoadAddress(start).LineEntry
	}
	return rs.add(start, end, sc.Symbol, lineEntry, insts), nil
}

func (rs *Ranges) add(start, end uint64, sym *engine.Symbol, le engine.LineEntry, insts []Instruction) *Range {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := &Range{
		Handle:       handles.Handle(firstRangeHandle + len(rs.byHandle)),
		Start:        start,
		End:          end,
		symbol:       sym,
		lineEntry:    le,
		instructions: insts,
	}
	if sym != nil {
		r.SourceName = "@" + sym.Name
	} else {
		r.SourceName = fmt.Sprintf("@%x..%x", start, end)
	}
	rs.byHandle[r.Handle] = r
	i := sort.Search(len(rs.byAddress), func(i int) bool { return rs.byAddress[i].Start >= start })
	rs.byAddress = append(rs.byAddress, nil)
	copy(rs.byAddress[i+1:], rs.byAddress[i:])
	rs.byAddress[i] = r
	return r
}
