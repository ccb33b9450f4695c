package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/expressions"
	"github.com/go-delve/ndap/pkg/handles"
	"github.com/go-delve/ndap/pkg/scripting"
	"github.com/go-delve/ndap/service/dap/protocol"
)

type breakpointKind int

const (
	sourceBreakpoint breakpointKind = iota
	disassemblyBreakpoint
	instructionBreakpoint
	functionBreakpoint
	exceptionBreakpoint
	dataBreakpoint
)

// breakpointInfo is the adapter side of a breakpoint: what the client asked
// for and the state of its hit processing. For data breakpoints id is the
// watchpoint id plus dataBreakpointIDBase; for all others it is the engine
// breakpoint id.
type breakpointInfo struct {
	id   int
	kind breakpointKind

	condition    string
	hitCondition *expressions.HitCondition
	logMessage   string
	hitCount     uint32

	// source is the key of the source the breakpoint was set in: a local
	// path, or the start address of a disassembled range.
	source  string
	line    int
	column  int
	address uint64
	// name is the function name of function breakpoints.
	name string
	// filter and label identify the filter of exception breakpoints.
	filter string
	label  string
	// watchID and size describe data breakpoints.
	watchID int
	size    int
}

// breakpointSet indexes the breakpoints created through the protocol.
type breakpointSet struct {
	byID         map[int]*breakpointInfo
	bySource     map[string][]*breakpointInfo
	functions    []*breakpointInfo
	instructions []*breakpointInfo
	exceptions   []*breakpointInfo
	data         []*breakpointInfo
}

func newBreakpointSet() *breakpointSet {
	return &breakpointSet{
		byID:     make(map[int]*breakpointInfo),
		bySource: make(map[string][]*breakpointInfo),
	}
}

func (bs *breakpointSet) get(id int) *breakpointInfo {
	return bs.byID[id]
}

func (bs *breakpointSet) add(info *breakpointInfo) {
	bs.byID[info.id] = info
}

func (bs *breakpointSet) remove(id int) {
	info, ok := bs.byID[id]
	if !ok {
		return
	}
	delete(bs.byID, id)
	drop := func(list []*breakpointInfo) []*breakpointInfo {
		for i, b := range list {
			if b == info {
				return append(list[:i], list[i+1:]...)
			}
		}
		return list
	}
	switch info.kind {
	case sourceBreakpoint, disassemblyBreakpoint:
		bs.bySource[info.source] = drop(bs.bySource[info.source])
	case functionBreakpoint:
		bs.functions = drop(bs.functions)
	case instructionBreakpoint:
		bs.instructions = drop(bs.instructions)
	case exceptionBreakpoint:
		bs.exceptions = drop(bs.exceptions)
	case dataBreakpoint:
		bs.data = drop(bs.data)
	}
}

// resetHitCounts restarts hit counting, for a restarted debuggee.
func (bs *breakpointSet) resetHitCounts() {
	for _, info := range bs.byID {
		info.hitCount = 0
	}
}

// breakpointRequest is what the different set*Breakpoints requests have in
// common.
type breakpointRequest struct {
	condition    string
	hitCondition string
	logMessage   string
}

// configure applies the conditions of req to info. It returns a message
// for the client when one of them is invalid; the breakpoint is kept.
func (s *Session) configure(info *breakpointInfo, req breakpointRequest) string {
	info.condition = strings.TrimSpace(req.condition)
	info.logMessage = req.logMessage
	info.hitCondition = nil
	var msgs []string
	if hc := strings.TrimSpace(req.hitCondition); hc != "" {
		cond, err := expressions.ParseHitCondition(hc)
		if err != nil {
			msgs = append(msgs, err.Error())
		} else {
			info.hitCondition = &cond
		}
	}
	if info.condition != "" {
		if _, _, err := s.compileCondition(info.condition); err != nil {
			msgs = append(msgs, fmt.Sprintf("Invalid condition: %v", err))
		}
	}
	return strings.Join(msgs, "\n")
}

func (s *Session) onSetBreakpointsRequest(r *request) (interface{}, error) {
	var args protocol.SetBreakpointsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return nil, errNoTarget
	}
	reqs := args.Breakpoints
	if reqs == nil {
		for _, line := range args.Lines {
			reqs = append(reqs, dap.SourceBreakpoint{Line: line})
		}
	}
	var (
		bps []protocol.Breakpoint
		err error
	)
	if args.Source.SourceReference != 0 || len(args.Source.AdapterData) > 0 {
		bps, err = s.setDisassemblyBreakpoints(&args.Source, reqs)
	} else {
		bps, err = s.setSourceBreakpoints(&args.Source, reqs)
	}
	if err != nil {
		return nil, err
	}
	return protocol.SetBreakpointsResponseBody{Breakpoints: bps}, nil
}

// setSourceBreakpoints reconciles the breakpoints of a source file with
// reqs. A breakpoint already set on a requested line is reused if the
// column did not change.
func (s *Session) setSourceBreakpoints(source *protocol.Source, reqs []dap.SourceBreakpoint) ([]protocol.Breakpoint, error) {
	if source.Path == "" {
		return nil, userErrorf("Source has no path.")
	}
	key := filepath.Clean(source.Path)
	existing := make(map[int]*breakpointInfo)
	for _, info := range s.breakpoints.bySource[key] {
		existing[info.line] = info
	}

	var keep []*breakpointInfo
	result := make([]protocol.Breakpoint, 0, len(reqs))
	for _, req := range reqs {
		info, ok := existing[req.Line]
		if ok && info.column == req.Column {
			delete(existing, req.Line)
		} else {
			spec := engine.BreakpointSpec{Kind: engine.BreakpointFileLine, File: s.sourceMap.toRemote(key), Line: req.Line, Column: req.Column}
			bp, err := s.target.SetBreakpoint(spec)
			if err != nil {
				result = append(result, protocol.Breakpoint{Message: err.Error(), Source: source, Line: req.Line})
				continue
			}
			info = &breakpointInfo{id: bp.ID(), kind: sourceBreakpoint, source: key, line: req.Line, column: req.Column}
			s.breakpoints.add(info)
		}
		msg := s.configure(info, breakpointRequest{req.Condition, req.HitCondition, req.LogMessage})
		keep = append(keep, info)
		dbp := s.dapBreakpoint(info, s.target.Breakpoint(info.id))
		if dbp.Source == nil {
			dbp.Source = source
		}
		if msg != "" {
			dbp.Message = msg
		}
		result = append(result, dbp)
	}
	for _, info := range existing {
		s.deleteBreakpoint(info)
	}
	s.breakpoints.bySource[key] = keep
	return result, nil
}

// setDisassemblyBreakpoints sets address breakpoints on the lines of a
// virtual disassembly source. Sources from an earlier session are known by
// their adapter data only.
func (s *Session) setDisassemblyBreakpoints(source *protocol.Source, reqs []dap.SourceBreakpoint) ([]protocol.Breakpoint, error) {
	var lineAddrs []uint64
	var start uint64
	if r, ok := s.rangeBySourceRef(source.SourceReference); ok {
		ad := r.AdapterData()
		lineAddrs, start = ad.LineAddresses(), r.Start
	} else if len(source.AdapterData) > 0 {
		var ad disasm.AdapterData
		if err := json.Unmarshal(source.AdapterData, &ad); err != nil {
			return nil, userErrorf("Invalid disassembly source: %v", err)
		}
		lineAddrs, start = ad.LineAddresses(), ad.Start
	} else {
		return nil, userErrorf("Unknown disassembly source.")
	}

	key := fmt.Sprintf("0x%x", start)
	existing := make(map[uint64]*breakpointInfo)
	for _, info := range s.breakpoints.bySource[key] {
		existing[info.address] = info
	}
	var keep []*breakpointInfo
	result := make([]protocol.Breakpoint, 0, len(reqs))
	for _, req := range reqs {
		if req.Line <= 0 || req.Line >= len(lineAddrs) {
			result = append(result, protocol.Breakpoint{Message: "Invalid line.", Source: source, Line: req.Line})
			continue
		}
		addr := lineAddrs[req.Line]
		info, ok := existing[addr]
		if ok {
			delete(existing, addr)
		} else {
			bp, err := s.target.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointAddress, Address: addr})
			if err != nil {
				result = append(result, protocol.Breakpoint{Message: err.Error(), Source: source, Line: req.Line})
				continue
			}
			info = &breakpointInfo{id: bp.ID(), kind: disassemblyBreakpoint, source: key, address: addr}
			s.breakpoints.add(info)
		}
		info.line = req.Line
		msg := s.configure(info, breakpointRequest{req.Condition, req.HitCondition, req.LogMessage})
		keep = append(keep, info)
		dbp := s.dapBreakpoint(info, s.target.Breakpoint(info.id))
		dbp.Source, dbp.Line = source, req.Line
		dbp.Message = msg
		result = append(result, dbp)
	}
	for _, info := range existing {
		s.deleteBreakpoint(info)
	}
	s.breakpoints.bySource[key] = keep
	return result, nil
}

func (s *Session) onSetInstructionBreakpointsRequest(r *request) (interface{}, error) {
	var args protocol.SetInstructionBreakpointsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return nil, errNoTarget
	}
	existing := make(map[uint64]*breakpointInfo)
	for _, info := range s.breakpoints.instructions {
		existing[info.address] = info
	}
	var keep []*breakpointInfo
	result := make([]protocol.Breakpoint, 0, len(args.Breakpoints))
	for _, req := range args.Breakpoints {
		base, err := parseAddress(req.InstructionReference)
		if err != nil {
			result = append(result, protocol.Breakpoint{Message: err.Error()})
			continue
		}
		addr := uint64(int64(base) + int64(req.Offset))
		info, ok := existing[addr]
		if ok {
			delete(existing, addr)
		} else {
			bp, err := s.target.SetBreakpoint(engine.BreakpointSpec{Kind: engine.BreakpointAddress, Address: addr})
			if err != nil {
				result = append(result, protocol.Breakpoint{Message: err.Error(), InstructionReference: formatAddress(addr)})
				continue
			}
			info = &breakpointInfo{id: bp.ID(), kind: instructionBreakpoint, address: addr}
			s.breakpoints.add(info)
		}
		msg := s.configure(info, breakpointRequest{condition: req.Condition, hitCondition: req.HitCondition})
		keep = append(keep, info)
		dbp := s.dapBreakpoint(info, s.target.Breakpoint(info.id))
		dbp.Message = msg
		result = append(result, dbp)
	}
	for _, info := range existing {
		s.deleteBreakpoint(info)
	}
	s.breakpoints.instructions = keep
	return protocol.SetBreakpointsResponseBody{Breakpoints: result}, nil
}

// functionRegexPrefix marks a function breakpoint name as a regular
// expression.
const functionRegexPrefix = "/re "

func (s *Session) onSetFunctionBreakpointsRequest(r *request) (interface{}, error) {
	var args protocol.SetFunctionBreakpointsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return nil, errNoTarget
	}
	existing := make(map[string]*breakpointInfo)
	for _, info := range s.breakpoints.functions {
		existing[info.name] = info
	}
	var keep []*breakpointInfo
	result := make([]protocol.Breakpoint, 0, len(args.Breakpoints))
	for _, req := range args.Breakpoints {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			result = append(result, protocol.Breakpoint{Message: "Function name is empty."})
			continue
		}
		info, ok := existing[name]
		if ok {
			delete(existing, name)
		} else {
			spec := engine.BreakpointSpec{Kind: engine.BreakpointFunction, Name: name}
			if strings.HasPrefix(name, functionRegexPrefix) {
				spec.Kind = engine.BreakpointFunctionRegex
				spec.Name = strings.TrimSpace(name[len(functionRegexPrefix):])
			}
			bp, err := s.target.SetBreakpoint(spec)
			if err != nil {
				result = append(result, protocol.Breakpoint{Message: err.Error()})
				continue
			}
			info = &breakpointInfo{id: bp.ID(), kind: functionBreakpoint, name: name}
			s.breakpoints.add(info)
		}
		msg := s.configure(info, breakpointRequest{condition: req.Condition, hitCondition: req.HitCondition})
		keep = append(keep, info)
		dbp := s.dapBreakpoint(info, s.target.Breakpoint(info.id))
		dbp.Message = msg
		result = append(result, dbp)
	}
	for _, info := range existing {
		s.deleteBreakpoint(info)
	}
	s.breakpoints.functions = keep
	return protocol.SetBreakpointsResponseBody{Breakpoints: result}, nil
}

func (s *Session) onSetExceptionBreakpointsRequest(r *request) (interface{}, error) {
	var args protocol.SetExceptionBreakpointsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return nil, errNoTarget
	}
	for _, info := range append([]*breakpointInfo(nil), s.breakpoints.exceptions...) {
		s.deleteBreakpoint(info)
	}
	s.breakpoints.exceptions = nil

	opts := args.FilterOptions
	for _, f := range args.Filters {
		opts = append(opts, protocol.ExceptionFilterOptions{FilterID: f})
	}
	labels := make(map[string]string)
	for _, f := range exceptionFilters(s.settings.SourceLanguages) {
		labels[f.Filter] = f.Label
	}
	result := make([]protocol.Breakpoint, 0, len(opts))
	for _, opt := range opts {
		spec, ok := exceptionBreakpointSpec(opt.FilterID)
		if !ok {
			result = append(result, protocol.Breakpoint{Message: fmt.Sprintf("Unknown exception filter: %s", opt.FilterID)})
			continue
		}
		bp, err := s.target.SetBreakpoint(spec)
		if err != nil {
			result = append(result, protocol.Breakpoint{Message: err.Error()})
			continue
		}
		label := labels[opt.FilterID]
		if label == "" {
			label = opt.FilterID
		}
		info := &breakpointInfo{id: bp.ID(), kind: exceptionBreakpoint, filter: opt.FilterID, label: label}
		s.breakpoints.add(info)
		s.breakpoints.exceptions = append(s.breakpoints.exceptions, info)
		dbp := s.dapBreakpoint(info, bp)
		dbp.Message = s.configure(info, breakpointRequest{condition: opt.Condition})
		result = append(result, dbp)
	}
	return protocol.SetBreakpointsResponseBody{Breakpoints: result}, nil
}

// exceptionBreakpointSpec returns the engine breakpoint for an exception
// filter. Rust panics are caught with a breakpoint on the panic hook.
func exceptionBreakpointSpec(filter string) (engine.BreakpointSpec, bool) {
	switch filter {
	case "cpp_throw":
		return engine.BreakpointSpec{Kind: engine.BreakpointException, Language: "c++", Throw: true}, true
	case "cpp_catch":
		return engine.BreakpointSpec{Kind: engine.BreakpointException, Language: "c++", Catch: true}, true
	case "rust_panic":
		return engine.BreakpointSpec{Kind: engine.BreakpointFunction, Name: "rust_panic"}, true
	case "swift_throw":
		return engine.BreakpointSpec{Kind: engine.BreakpointException, Language: "swift", Throw: true}, true
	}
	return engine.BreakpointSpec{}, false
}

func (s *Session) onDataBreakpointInfoRequest(r *request) (interface{}, error) {
	var args protocol.DataBreakpointInfoArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if _, err := s.stoppedProcess(); err != nil {
		return nil, err
	}
	var (
		v   engine.Value
		err error
	)
	if args.VariablesReference != 0 {
		v, err = s.childValue(args.VariablesReference, args.Name)
	} else {
		var frame engine.Frame
		if args.FrameID != nil {
			frame, err = s.frameByID(*args.FrameID)
		}
		if err == nil {
			v, err = s.evaluateValue(r.ctx, args.Name, frame)
		}
	}
	notWatchable := func(reason string) (interface{}, error) {
		return protocol.DataBreakpointInfoResponseBody{Description: reason}, nil
	}
	if err != nil {
		return notWatchable(err.Error())
	}
	addr, ok := v.LoadAddress()
	if !ok {
		return notWatchable("This variable doesn't have an address.")
	}
	size := v.ByteSize()
	switch size {
	case 1, 2, 4, 8:
	default:
		return notWatchable(fmt.Sprintf("Can't watch a %d byte variable.", size))
	}
	dataID := fmt.Sprintf("0x%x/%d", addr, size)
	return protocol.DataBreakpointInfoResponseBody{
		DataID:      &dataID,
		Description: fmt.Sprintf("%d bytes at 0x%x (%s)", size, addr, args.Name),
		AccessTypes: []string{"read", "write", "readWrite"},
	}, nil
}

func parseDataID(id string) (addr uint64, size int, err error) {
	a, sz, ok := strings.Cut(id, "/")
	if !ok {
		return 0, 0, fmt.Errorf("invalid data id %q", id)
	}
	if addr, err = parseAddress(a); err != nil {
		return 0, 0, err
	}
	if size, err = strconv.Atoi(sz); err != nil {
		return 0, 0, fmt.Errorf("invalid data id %q", id)
	}
	return addr, size, nil
}

func (s *Session) onSetDataBreakpointsRequest(r *request) (interface{}, error) {
	var args protocol.SetDataBreakpointsArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	if s.target == nil {
		return nil, errNoTarget
	}
	for _, info := range append([]*breakpointInfo(nil), s.breakpoints.data...) {
		s.deleteBreakpoint(info)
	}
	s.breakpoints.data = nil

	result := make([]protocol.Breakpoint, 0, len(args.Breakpoints))
	for _, req := range args.Breakpoints {
		addr, size, err := parseDataID(req.DataID)
		if err != nil {
			result = append(result, protocol.Breakpoint{Message: err.Error()})
			continue
		}
		read, write := false, true
		switch req.AccessType {
		case "read":
			read, write = true, false
		case "readWrite":
			read = true
		}
		wp, err := s.target.WatchAddress(addr, size, read, write)
		if err != nil {
			result = append(result, protocol.Breakpoint{Message: err.Error()})
			continue
		}
		info := &breakpointInfo{id: wp.ID() + dataBreakpointIDBase, kind: dataBreakpoint, watchID: wp.ID(), address: addr, size: size}
		s.breakpoints.add(info)
		s.breakpoints.data = append(s.breakpoints.data, info)
		msg := s.configure(info, breakpointRequest{condition: req.Condition, hitCondition: req.HitCondition})
		if msg == "" {
			msg = fmt.Sprintf("%d bytes at 0x%x", size, addr)
		}
		result = append(result, protocol.Breakpoint{ID: info.id, Verified: true, Message: msg})
	}
	return protocol.SetBreakpointsResponseBody{Breakpoints: result}, nil
}

func (s *Session) deleteBreakpoint(info *breakpointInfo) {
	var err error
	if info.kind == dataBreakpoint {
		err = s.target.DeleteWatchpoint(info.watchID)
	} else {
		err = s.target.DeleteBreakpoint(info.id)
	}
	if err != nil {
		s.log.Debugf("could not delete breakpoint %d: %v", info.id, err)
	}
	s.breakpoints.remove(info.id)
}

// dapBreakpoint describes a breakpoint to the client. It is verified when
// at least one of its locations is resolved.
func (s *Session) dapBreakpoint(info *breakpointInfo, bp engine.Breakpoint) protocol.Breakpoint {
	b := protocol.Breakpoint{ID: info.id}
	if info.kind == sourceBreakpoint {
		b.Line, b.Column = info.line, info.column
	}
	if bp == nil {
		return b
	}
	for _, loc := range bp.Locations() {
		if !loc.Resolved {
			continue
		}
		b.Verified = true
		b.InstructionReference = formatAddress(loc.Address)
		switch info.kind {
		case sourceBreakpoint, functionBreakpoint, exceptionBreakpoint:
			if !loc.LineEntry.IsValid() {
				break
			}
			if local, ok := s.sourceMap.toLocal(loc.LineEntry.File); ok {
				b.Source = &protocol.Source{Name: filepath.Base(local), Path: local}
				b.Line, b.Column = loc.LineEntry.Line, loc.LineEntry.Column
			}
		case instructionBreakpoint:
			if r, ok := s.rangeForAddress(loc.Address); ok {
				b.Source = s.disassemblySource(r)
				b.Line = r.LineByAddress(loc.Address)
			}
		}
		break
	}
	if !b.Verified {
		b.Message = "Breakpoint is not resolved yet."
	}
	return b
}

// shouldStopOnBreakpoint runs the hit processing of breakpoint id for a
// stop of thread: excluded callers, condition, hit count and log message.
func (s *Session) shouldStopOnBreakpoint(thread engine.Thread, id int) bool {
	info := s.breakpoints.get(id)
	if info == nil {
		// set from the console
		return true
	}
	if s.isExcludedCaller(thread, info) {
		return false
	}
	frame := thread.Frame(0)
	if info.condition != "" {
		ok, err := s.evalCondition(info.condition, frame)
		if err != nil {
			s.consoleError("Could not evaluate breakpoint condition '%s': %v", info.condition, err)
			return true
		}
		if !ok {
			return false
		}
	}
	info.hitCount++
	if info.hitCondition != nil && !info.hitCondition.Hit(info.hitCount) {
		return false
	}
	if info.logMessage != "" {
		s.output("console", s.interpolate(info.logMessage, frame)+"\n")
		return false
	}
	return true
}

// conditionKey is the cache key of a compiled condition.
type conditionKey struct {
	flavor expressions.Flavor
	text   string
}

// compileCondition prepares a breakpoint condition. Script conditions are
// compiled once and cached.
func (s *Session) compileCondition(cond string) (expressions.Prepared, *scripting.Code, error) {
	pp, err := expressions.Prepare(cond, s.exprFlavor, expressions.WithDialect(expressions.DialectStarlark))
	if err != nil {
		return pp, nil, err
	}
	if pp.Flavor == expressions.Native {
		return pp, nil, nil
	}
	key := conditionKey{pp.Flavor, pp.Text}
	if v, ok := s.conditions.Get(key); ok {
		return pp, v.(*scripting.Code), nil
	}
	code, err := s.scripting.Compile(pp.Text, scripting.ModeExpression)
	if err != nil {
		return pp, nil, err
	}
	s.conditions.Add(key, code)
	return pp, code, nil
}

func (s *Session) evalCondition(cond string, frame engine.Frame) (bool, error) {
	pp, code, err := s.compileCondition(cond)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.evaluationTimeout())
	defer cancel()
	if code != nil {
		return s.scripting.EvalBool(ctx, code, scripting.Context{Frame: frame, Target: s.target})
	}
	var v engine.Value
	if frame != nil {
		v, err = frame.Evaluate(ctx, pp.Text)
	} else {
		v, err = s.target.Evaluate(ctx, pp.Text)
	}
	if err != nil {
		return false, err
	}
	return truthy(v)
}

// truthy converts the result of a native condition to a boolean.
func truthy(v engine.Value) (bool, error) {
	if err := v.Error(); err != nil {
		return false, err
	}
	if v.BasicType() == engine.BasicFloat {
		f, err := v.Float64()
		return f != 0, err
	}
	if v.BasicType() == engine.BasicBool {
		return v.Value() == "true", nil
	}
	n, err := v.Uint64()
	if err != nil {
		return false, fmt.Errorf("condition is not a boolean: %s", v.Value())
	}
	return n != 0, nil
}

// interpolate expands the {expression} parts of a log message.
func (s *Session) interpolate(msg string, frame engine.Frame) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(msg, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(msg[open:], '}')
		if end < 0 {
			break
		}
		b.WriteString(msg[:open])
		expr := msg[open+1 : open+end]
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.evaluationTimeout())
		text, err := s.evaluateToString(ctx, expr, frame)
		cancel()
		if err != nil {
			fmt.Fprintf(&b, "<%v>", err)
		} else {
			b.WriteString(text)
		}
		msg = msg[open+end+1:]
	}
	b.WriteString(msg)
	return b.String()
}

func (s *Session) onExceptionInfoRequest(r *request) (interface{}, error) {
	var args protocol.ExceptionInfoArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	thread := proc.ThreadByID(args.ThreadID)
	if thread == nil {
		return nil, errInvalidThread
	}
	desc := thread.StopDescription()
	body := protocol.ExceptionInfoResponseBody{
		ExceptionID: thread.StopReason().String(),
		Description: desc,
		BreakMode:   "always",
		Details:     &protocol.ExceptionDetails{Message: desc},
	}
	if thread.StopReason() == engine.StopBreakpoint {
		if data := thread.StopReasonData(); len(data) > 0 {
			if info := s.breakpoints.get(int(data[0])); info != nil && info.kind == exceptionBreakpoint {
				body.ExceptionID = info.filter
				body.Description = info.label
				body.Details.TypeName = info.label
			}
		}
	}
	return body, nil
}

// excludedCaller skips stops of a breakpoint, or of the breakpoints of an
// exception filter, while symbol is on the stack.
type excludedCaller struct {
	breakpointID int
	filter       string
	symbol       string
}

func (s *Session) isExcludedCaller(thread engine.Thread, info *breakpointInfo) bool {
	if len(s.excludedCallers) == 0 {
		return false
	}
	var symbols []string
	for _, ec := range s.excludedCallers {
		if ec.breakpointID != info.id && (ec.filter == "" || ec.filter != info.filter) {
			continue
		}
		if symbols == nil {
			for i := 0; i < thread.NumFrames(); i++ {
				if f := thread.Frame(i); f != nil {
					symbols = append(symbols, frameSymbol(f))
				}
			}
		}
		for _, sym := range symbols {
			if sym == ec.symbol {
				return true
			}
		}
	}
	return false
}

// frameSymbol is the name used to identify the function of a frame in
// caller exclusions.
func frameSymbol(f engine.Frame) string {
	sc := f.SymbolContext()
	switch {
	case sc.Function != nil:
		return sc.Function.Name
	case sc.Symbol != nil:
		return sc.Symbol.Name
	}
	return f.FunctionName()
}

func (s *Session) onExcludeCallerRequest(r *request) (interface{}, error) {
	var args protocol.ExcludeCallerArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	thread := proc.ThreadByID(args.ThreadID)
	if thread == nil {
		return nil, errInvalidThread
	}
	frame := thread.Frame(args.FrameIndex)
	if frame == nil {
		return nil, errInvalidFrameID
	}
	data := thread.StopReasonData()
	if thread.StopReason() != engine.StopBreakpoint || len(data) == 0 {
		return nil, userErrorf("The thread is not stopped at a breakpoint.")
	}
	info := s.breakpoints.get(int(data[0]))
	if info == nil {
		return nil, userErrorf("The thread is not stopped at a breakpoint.")
	}
	ec := excludedCaller{symbol: frameSymbol(frame)}
	if ec.symbol == "" {
		return nil, userErrorf("The frame has no symbol.")
	}
	body := protocol.ExcludeCallerResponseBody{Symbol: ec.symbol}
	if info.kind == exceptionBreakpoint {
		ec.filter = info.filter
		body.BreakpointID = []string{info.filter, info.label}
	} else {
		ec.breakpointID = info.id
		body.BreakpointID = info.id
	}
	s.excludedCallers = append(s.excludedCallers, ec)
	return body, nil
}

func (s *Session) onSetExcludedCallersRequest(r *request) (interface{}, error) {
	var args protocol.SetExcludedCallersArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	callers := make([]excludedCaller, 0, len(args.Exclusions))
	for _, ex := range args.Exclusions {
		id, filter, err := ex.Breakpoint()
		if err != nil {
			return nil, protocolErrorf("Invalid breakpoint id in exclusion: %s", ex.BreakpointID)
		}
		callers = append(callers, excludedCaller{breakpointID: id, filter: filter, symbol: ex.Symbol})
	}
	s.excludedCallers = callers
	return nil, nil
}

// rangeBySourceRef returns the disassembled range a sourceReference refers
// to.
func (s *Session) rangeBySourceRef(ref int) (*disasm.Range, bool) {
	if s.ranges == nil || ref == 0 {
		return nil, false
	}
	h, err := handles.FromInt(ref)
	if err != nil {
		return nil, false
	}
	return s.ranges.ByHandle(h)
}

func (s *Session) rangeForAddress(addr uint64) (*disasm.Range, bool) {
	if s.ranges == nil {
		return nil, false
	}
	r, err := s.ranges.FromAddress(addr)
	if err != nil {
		return nil, false
	}
	return r, true
}

func formatAddress(addr uint64) string {
	return fmt.Sprintf("0x%x", addr)
}

// parseAddress parses a memory or instruction reference: a hex number with
// a 0x prefix, or a decimal number.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, userErrorf("Invalid address: %s", s)
	}
	return v, nil
}
