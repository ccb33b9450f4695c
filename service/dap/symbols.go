package dap

import (
	"fmt"
	"strings"

	"github.com/derekparker/trie"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// symbolIndex is a fuzzy search index over the code and data symbols of
// the target. It is rebuilt after the set of modules changes.
type symbolIndex struct {
	names *trie.Trie
}

func newSymbolIndex(syms []engine.Symbol) *symbolIndex {
	idx := &symbolIndex{names: trie.New()}
	for _, sym := range syms {
		switch strings.ToLower(sym.Type) {
		case "code", "data":
		default:
			continue
		}
		name := sym.DisplayName
		if name == "" {
			name = sym.Name
		}
		if name == "" {
			continue
		}
		var same []engine.Symbol
		if n, ok := idx.names.Find(name); ok {
			same = n.Meta().([]engine.Symbol)
		}
		idx.names.Add(name, append(same, sym))
	}
	return idx
}

// search returns the symbols whose names fuzzily match filter, shortest
// names first.
func (idx *symbolIndex) search(filter string, max int) []engine.Symbol {
	var keys []string
	if filter == "" {
		keys = idx.names.Keys()
	} else {
		keys = idx.names.FuzzySearch(filter)
	}
	var out []engine.Symbol
	for _, k := range keys {
		n, ok := idx.names.Find(k)
		if !ok {
			continue
		}
		for _, sym := range n.Meta().([]engine.Symbol) {
			if max > 0 && len(out) >= max {
				return out
			}
			out = append(out, sym)
		}
	}
	return out
}

func (s *Session) onSymbolsRequest(r *request) (interface{}, error) {
	var args protocol.SymbolsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return nil, errNoTarget
	}
	if s.symbols == nil {
		s.symbols = newSymbolIndex(s.target.Symbols())
		s.log.Debugf("symbol index built")
	}
	syms := []protocol.Symbol{}
	for _, sym := range s.symbols.search(args.Filter, args.MaxResults) {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		ps := protocol.Symbol{
			Name:    sym.DisplayName,
			Type:    sym.Type,
			Address: fmt.Sprintf("0x%X", sym.Start),
		}
		if ps.Name == "" {
			ps.Name = sym.Name
		}
		if le := s.target.ResolveLoadAddress(sym.Start).LineEntry; le.IsValid() {
			src := protocol.Source{Name: le.File, Path: le.File}
			if local, ok := s.sourceMap.toLocal(le.File); ok {
				src.Path = local
			}
			ps.Location = []interface{}{src, le.Line}
		}
		syms = append(syms, ps)
	}
	return protocol.SymbolsResponseBody{Symbols: syms}, nil
}

func (s *Session) onModulesRequest(r *request) (interface{}, error) {
	var args protocol.ModulesArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return protocol.ModulesResponseBody{Modules: []protocol.Module{}}, nil
	}
	mods := s.target.Modules()
	start := args.StartModule
	if start < 0 {
		start = 0
	}
	if start > len(mods) {
		start = len(mods)
	}
	end := len(mods)
	if args.ModuleCount > 0 && start+args.ModuleCount < end {
		end = start + args.ModuleCount
	}
	out := make([]protocol.Module, 0, end-start)
	for _, m := range mods[start:end] {
		out = append(out, s.dapModule(m))
	}
	return protocol.ModulesResponseBody{Modules: out, TotalModules: len(mods)}, nil
}
