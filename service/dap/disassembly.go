package dap

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/handles"
	"github.com/go-delve/ndap/service/dap/protocol"
)

const (
	// maxInstrBytes bounds the bytes shown for each instruction.
	maxInstrBytes = 8

	disassemblyMimeType = "text/x-lldb.disassembly"
)

// disassemblySource describes a disassembled range as a source. The
// adapter data lets breakpoints set in it be restored in a later session.
func (s *Session) disassemblySource(r *disasm.Range) *protocol.Source {
	ad, err := json.Marshal(r.AdapterData())
	if err != nil {
		s.log.Errorf("could not encode the adapter data of %s: %v", r.SourceName, err)
	}
	return &protocol.Source{
		Name:             r.SourceName,
		SourceReference:  handles.ToInt(r.Handle),
		PresentationHint: "deemphasize",
		AdapterData:      ad,
	}
}

func (s *Session) onSourceRequest(r *request) (interface{}, error) {
	var args protocol.SourceArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	ref := args.SourceReference
	if args.Source != nil && args.Source.SourceReference != 0 {
		ref = args.Source.SourceReference
	}
	rng, ok := s.rangeBySourceRef(ref)
	if !ok {
		return nil, userErrorf("Invalid source reference.")
	}
	return protocol.SourceResponseBody{Content: rng.SourceText(maxInstrBytes), MimeType: disassemblyMimeType}, nil
}

func (s *Session) onDisassembleRequest(r *request) (interface{}, error) {
	var args protocol.DisassembleArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.disasm == nil {
		return nil, userErrorf("Disassembly is not available for this target.")
	}
	base, err := parseAddress(args.MemoryReference)
	if err != nil {
		return nil, err
	}
	base += uint64(int64(args.Offset))
	if args.InstructionCount < 0 {
		return nil, userErrorf("Invalid instructionCount: %d", args.InstructionCount)
	}

	// symbols are resolved unless the client says otherwise
	resolveSymbols := args.ResolveSymbols == nil || *args.ResolveSymbols
	rows, err := s.disasm.Disassemble(base, args.InstructionOffset, args.InstructionCount, resolveSymbols)
	if err != nil {
		if errors.Is(err, disasm.ErrUndisassemblable) {
			return nil, userError(err)
		}
		return nil, engineError(err)
	}

	insts := make([]protocol.DisassembledInstruction, 0, len(rows))
	var lastLocation *protocol.Source
	for i := range rows {
		row := &rows[i]
		if row.Padding {
			insts = append(insts, protocol.DisassembledInstruction{
				Address:          formatAddress(row.Address),
				InstructionBytes: "??",
				Instruction:      "<invalid>",
				PresentationHint: "invalid",
			})
			continue
		}
		inst := protocol.DisassembledInstruction{
			Address:          formatAddress(row.Address),
			InstructionBytes: disasm.FormatBytes(row.Bytes, maxInstrBytes),
			Instruction:      row.Text(),
			Symbol:           row.Symbol,
		}
		if le := row.LineEntry; le.IsValid() {
			loc := &protocol.Source{Name: filepath.Base(le.File)}
			if local, ok := s.sourceMap.toLocal(le.File); ok {
				loc.Path = local
			}
			if lastLocation == nil || lastLocation.Name != loc.Name || lastLocation.Path != loc.Path {
				inst.Location = loc
			}
			lastLocation = loc
			inst.Line, inst.Column = le.Line, le.Column
		}
		insts = append(insts, inst)
	}
	return protocol.DisassembleResponseBody{Instructions: insts}, nil
}

func (s *Session) onReadMemoryRequest(r *request) (interface{}, error) {
	var args protocol.ReadMemoryArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(args.MemoryReference)
	if err != nil {
		return nil, err
	}
	addr += uint64(int64(args.Offset))
	body := protocol.ReadMemoryResponseBody{Address: formatAddress(addr), UnreadableBytes: args.Count}
	start, data := disasm.ReadMemory(proc, addr, args.Count)
	if start != addr || len(data) == 0 {
		return body, nil
	}
	body.Data = base64.StdEncoding.EncodeToString(data)
	body.UnreadableBytes = args.Count - len(data)
	return body, nil
}

func (s *Session) onWriteMemoryRequest(r *request) (interface{}, error) {
	var args protocol.WriteMemoryArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(args.MemoryReference)
	if err != nil {
		return nil, err
	}
	addr += uint64(int64(args.Offset))
	data, err := base64.StdEncoding.DecodeString(args.Data)
	if err != nil {
		return nil, protocolErrorf("Invalid base64 data: %v", err)
	}
	n, err := proc.WriteMemory(addr, data)
	if err != nil || n < len(data) {
		if !args.AllowPartial {
			return nil, userErrorf("Cannot write %d bytes at %08X", len(data), addr)
		}
	}
	s.afterResponse = append(s.afterResponse, func() { s.sendInvalidated("variables") })
	return protocol.WriteMemoryResponseBody{BytesWritten: n}, nil
}
