package dap

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/expressions"
	"github.com/go-delve/ndap/pkg/handles"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// maxSummaryLength bounds the summaries synthesized from the children of
// a container.
const maxSummaryLength = 32

type containerKind int

const (
	frameContainer containerKind = iota
	localsContainer
	staticsContainer
	globalsContainer
	registersContainer
	valueContainer
)

// container is what a frame id or a variablesReference refers to.
type container struct {
	kind  containerKind
	frame engine.Frame
	value engine.Value
}

func (s *Session) onThreadsRequest(r *request) (interface{}, error) {
	body := protocol.ThreadsResponseBody{Threads: []dap.Thread{}}
	proc := s.process()
	if proc == nil || !proc.State().IsAlive() {
		return body, nil
	}
	for _, t := range proc.Threads() {
		name := fmt.Sprintf("%d: tid=%d", t.IndexID(), t.ID())
		if n := t.Name(); n != "" {
			name += ` "` + n + `"`
		}
		body.Threads = append(body.Threads, dap.Thread{Id: t.ID(), Name: name})
	}
	return body, nil
}

func (s *Session) onStackTraceRequest(r *request) (interface{}, error) {
	var args protocol.StackTraceArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	proc, err := s.stoppedProcess()
	if err != nil {
		return nil, err
	}
	thread := proc.ThreadByID(args.ThreadID)
	if thread == nil {
		s.log.Errorf("stack trace requested for unknown thread %d", args.ThreadID)
		return nil, errInvalidThread
	}

	total := thread.NumFrames()
	start := args.StartFrame
	if start < 0 {
		start = 0
	}
	end := total
	if args.Levels > 0 && start+args.Levels < total {
		end = start + args.Levels
	}
	frames := []protocol.StackFrame{}
	for i := start; i < end; i++ {
		f := thread.Frame(i)
		if f == nil {
			break
		}
		frames = append(frames, s.stackFrame(thread, f))
	}
	return protocol.StackTraceResponseBody{StackFrames: frames, TotalFrames: total}, nil
}

func (s *Session) stackFrame(thread engine.Thread, f engine.Frame) protocol.StackFrame {
	key := fmt.Sprintf("[%d,%d]", thread.IndexID(), f.Index())
	h := s.varRefs.Create(0, key, container{kind: frameContainer, frame: f})

	pc := f.PC()
	sf := protocol.StackFrame{
		ID:                          handles.ToInt(h),
		Name:                        f.FunctionName(),
		InstructionPointerReference: formatAddress(pc),
	}
	if sf.Name == "" {
		sf.Name = fmt.Sprintf("%X", pc)
	}
	sc := f.SymbolContext()
	if sc.Module != nil {
		sf.ModuleID = sc.Module.ID()
	}

	if !s.inDisassembly(f) {
		le := sc.LineEntry
		if local, ok := s.sourceMap.toLocal(le.File); ok {
			sf.Line, sf.Column = le.Line, le.Column
			sf.Source = &protocol.Source{Name: filepath.Base(local), Path: local}
		}
		return sf
	}
	if rng, ok := s.rangeForAddress(pc); ok {
		sf.Line = rng.LineByAddress(pc)
		sf.Source = s.disassemblySource(rng)
	}
	sf.PresentationHint = "subtle"
	return sf
}

// inDisassembly reports whether f is shown as disassembly rather than
// source.
func (s *Session) inDisassembly(f engine.Frame) bool {
	switch s.settings.ShowDisassembly {
	case showDisassemblyAlways:
		return true
	case showDisassemblyNever:
		return false
	}
	le := f.SymbolContext().LineEntry
	if !le.IsValid() {
		return true
	}
	_, ok := s.sourceMap.toLocal(le.File)
	return !ok
}

func (s *Session) onScopesRequest(r *request) (interface{}, error) {
	var args protocol.ScopesArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	frame, err := s.frameByID(args.FrameID)
	if err != nil {
		return nil, err
	}
	parent := handles.Handle(args.FrameID)

	scopes := []protocol.Scope{{
		Name:               "Local",
		PresentationHint:   "locals",
		VariablesReference: handles.ToInt(s.varRefs.Create(parent, "[locs]", container{kind: localsContainer, frame: frame})),
	}}
	statics, globals := splitStatics(frame)
	if len(statics) > 0 {
		scopes = append(scopes, protocol.Scope{
			Name:               "Static",
			VariablesReference: handles.ToInt(s.varRefs.Create(parent, "[stat]", container{kind: staticsContainer, frame: frame})),
		})
	}
	if len(globals) > 0 {
		scopes = append(scopes, protocol.Scope{
			Name:               "Global",
			VariablesReference: handles.ToInt(s.varRefs.Create(parent, "[glob]", container{kind: globalsContainer, frame: frame})),
		})
	}
	if len(frame.Registers()) > 0 {
		scopes = append(scopes, protocol.Scope{
			Name:               "Registers",
			PresentationHint:   "registers",
			VariablesReference: handles.ToInt(s.varRefs.Create(parent, "[regs]", container{kind: registersContainer, frame: frame})),
		})
	}
	return protocol.ScopesResponseBody{Scopes: scopes}, nil
}

// splitStatics returns the statics and the globals visible from frame.
func splitStatics(frame engine.Frame) (statics, globals []engine.Value) {
	for _, v := range frame.Variables(engine.VariableOptions{Statics: true, InScopeOnly: true}) {
		switch v.ValueType() {
		case engine.VariableStatic:
			statics = append(statics, v)
		case engine.VariableGlobal:
			globals = append(globals, v)
		}
	}
	return statics, globals
}

func (s *Session) onVariablesRequest(r *request) (interface{}, error) {
	var args protocol.VariablesArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	h, err := handles.FromInt(args.VariablesReference)
	if err != nil {
		return nil, errInvalidHandle
	}
	c, ok := s.varRefs.Get(h)
	if !ok {
		return nil, errInvalidHandle
	}
	format := s.settings.format()
	if args.Format != nil && args.Format.Hex {
		format = engine.FormatHex
	}

	var (
		vars   []engine.Value
		dedup  bool
		prefix []protocol.Variable
	)
	switch c.kind {
	case localsContainer:
		vars = c.frame.Variables(engine.VariableOptions{Arguments: true, Locals: true, InScopeOnly: true})
		dedup = true
		if c.frame.Index() == 0 {
			if ret := c.frame.Thread().StopReturnValue(); ret != nil && ret.IsValid() {
				v := s.dapVariable(h, ret, format)
				v.Name = "[return value]"
				prefix = append(prefix, v)
			}
		}
	case staticsContainer:
		vars, _ = splitStatics(c.frame)
	case globalsContainer:
		_, vars = splitStatics(c.frame)
	case registersContainer:
		vars = c.frame.Registers()
	case valueContainer:
		n := c.value.NumChildren()
		vars = make([]engine.Value, 0, n)
		for i := 0; i < n; i++ {
			vars = append(vars, c.value.Child(i))
		}
	}

	if args.Start > 0 || args.Count > 0 {
		vars = page(vars, args.Start, args.Count)
		if args.Start > 0 {
			prefix = nil
		}
	}

	result, err := s.convertValues(r, h, vars, format, dedup)
	if err != nil {
		return nil, err
	}
	return protocol.VariablesResponseBody{Variables: append(prefix, result...)}, nil
}

// page returns the slice of vars the client asked for. A start past the
// end yields nothing.
func page(vars []engine.Value, start, count int) []engine.Value {
	if start >= len(vars) {
		return nil
	}
	vars = vars[start:]
	if count > 0 && count < len(vars) {
		vars = vars[:count]
	}
	return vars
}

// convertValues converts the values of one container. Shadowed variables
// are replaced by the innermost one when dedup is set. Expansion stops
// when the evaluation timeout expires.
func (s *Session) convertValues(r *request, parent handles.Handle, vars []engine.Value, format engine.Format, dedup bool) ([]protocol.Variable, error) {
	result := []protocol.Variable{}
	index := make(map[string]int)
	start := time.Now()
	for _, v := range vars {
		dv := s.dapVariable(parent, v, format)
		if i, ok := index[dv.Name]; ok && dedup {
			result[i] = dv
		} else {
			index[dv.Name] = len(result)
			result = append(result, dv)
		}
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		if time.Since(start) > s.settings.evaluationTimeout() {
			s.consoleError("Child list expansion has timed out.")
			result = append(result, protocol.Variable{
				Name:             "[timed out]",
				Type:             "Expansion of this list has timed out.",
				PresentationHint: presentationHint("readOnly", "virtual"),
			})
			break
		}
	}
	return result, nil
}

// dapVariable converts v, giving it a handle under parent when it has
// children.
func (s *Session) dapVariable(parent handles.Handle, v engine.Value, format engine.Format) protocol.Variable {
	if v.Format() == engine.FormatDefault {
		v.SetFormat(format)
	}
	dv := protocol.Variable{
		Name:               v.Name(),
		Type:               v.DisplayTypeName(),
		Value:              s.valueString(v, true),
		VariablesReference: handles.ToInt(s.valueHandle(parent, v.Name(), v)),
		EvaluateName:       s.evaluateName(v),
		MemoryReference:    s.memoryReference(v),
	}
	if !v.BasicType().IsScalar() {
		dv.PresentationHint = presentationHint("readOnly")
	}
	return dv
}

// evaluateName returns an expression that evaluates to v with the default
// expression flavor.
func (s *Session) evaluateName(v engine.Value) string {
	path := v.ExpressionPath()
	if path == "" || v.ValueType() == engine.RegisterSet {
		return ""
	}
	if s.exprFlavor != expressions.Native {
		return "/nat " + path
	}
	return path
}

// valueHandle returns the handle of v's children, or zero when v has none.
func (s *Session) valueHandle(parent handles.Handle, key string, v engine.Value) handles.Handle {
	if v.Error() != nil || v.NumChildren() == 0 {
		return 0
	}
	return s.varRefs.Create(parent, key, container{kind: valueContainer, value: v})
}

// valueString renders v for display. Pointers show what they point to
// rather than the address when dereferencing is on.
func (s *Session) valueString(v engine.Value, isContainer bool) string {
	if err := v.Error(); err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	if s.settings.DereferencePointers && v.Format() == engine.FormatDefault && isPointer(v) {
		summary, pointee := s.derefPointer(v)
		if summary != "" {
			return summary
		}
		if pointee != nil {
			v = pointee
		}
	}
	if summary := v.Summary(); summary != "" {
		return summary
	}
	if value := v.Value(); value != "" {
		return value
	}
	if isContainer && v.NumChildren() > 0 {
		if s.settings.ContainerSummary {
			return s.containerSummary(v)
		}
		return "{...}"
	}
	if v.TypeClass() == engine.TypeStruct || v.TypeClass() == engine.TypeArray {
		return "{}"
	}
	return "<not available>"
}

func isPointer(v engine.Value) bool {
	tc := v.TypeClass()
	return tc == engine.TypePointer || tc == engine.TypeReference
}

// derefPointer returns either a summary for ptr or the value it points
// to. Both are empty when ptr is best shown as an address.
func (s *Session) derefPointer(ptr engine.Value) (string, engine.Value) {
	if summary := ptr.Summary(); summary != "" {
		return summary, nil
	}
	addr, err := ptr.Uint64()
	if err != nil {
		return "", nil
	}
	if addr == 0 {
		return "<null>", nil
	}
	pointee := ptr.Dereference()
	if pointee == nil || !pointee.IsValid() || pointee.Error() != nil || pointee.ByteSize() == 0 {
		// void*, or an address outside the debuggee
		if s.readable(addr) {
			return "", nil
		}
		return "<invalid address>", nil
	}
	if isPointer(pointee) {
		if value := pointee.Value(); value != "" {
			return "{" + value + "}", nil
		}
	}
	return "", pointee
}

func (s *Session) readable(addr uint64) bool {
	proc := s.process()
	if proc == nil {
		return false
	}
	var b [1]byte
	n, err := proc.ReadMemory(addr, b[:])
	return err == nil && n == 1
}

// containerSummary renders the first children of v as "{a:1, b:2, ...}".
func (s *Session) containerSummary(v engine.Value) string {
	deadline := time.Now().Add(s.settings.summaryTimeout())
	var b strings.Builder
	b.WriteByte('{')
	sep := ""
	n := v.NumChildren()
	for i := 0; i < n; i++ {
		if b.Len() > maxSummaryLength || time.Now().After(deadline) {
			b.WriteString(sep + "...")
			break
		}
		child := v.Child(i)
		if child == nil || child.Error() != nil {
			continue
		}
		text := child.Summary()
		if text == "" {
			text = child.Value()
		}
		if text == "" {
			continue
		}
		name := child.Name()
		if strings.HasPrefix(name, "[") {
			b.WriteString(sep + text)
		} else {
			b.WriteString(sep + name + ":" + text)
		}
		sep = ", "
	}
	if b.Len() <= 1 {
		b.WriteString("...")
	}
	b.WriteByte('}')
	return b.String()
}

// memoryReference is the address a client may read memory from for v:
// the value itself for registers and pointers, its location otherwise.
func (s *Session) memoryReference(v engine.Value) string {
	if !s.clientCaps.SupportsMemoryReferences || v.Error() != nil {
		return ""
	}
	if v.ValueType() == engine.Register || isPointer(v) {
		if n, err := v.Uint64(); err == nil {
			return formatAddress(n)
		}
		return ""
	}
	if addr, ok := v.LoadAddress(); ok {
		return formatAddress(addr)
	}
	return ""
}

func presentationHint(attrs ...string) *protocol.VariablePresentationHint {
	return &protocol.VariablePresentationHint{Attributes: attrs}
}

func (s *Session) onSetVariableRequest(r *request) (interface{}, error) {
	var args protocol.SetVariableArguments
	if err := decodeArgs(r, &args); err != nil {
		return nil, err
	}
	h, err := handles.FromInt(args.VariablesReference)
	if err != nil {
		return nil, errInvalidHandle
	}
	child, err := s.childValue(args.VariablesReference, args.Name)
	if err != nil {
		return nil, err
	}
	if err := child.SetValueFromString(args.Value); err != nil {
		return nil, userError(err)
	}
	format := s.settings.format()
	if args.Format != nil && args.Format.Hex {
		format = engine.FormatHex
	}
	if child.Format() == engine.FormatDefault {
		child.SetFormat(format)
	}
	return protocol.SetVariableResponseBody{
		Value:              s.valueString(child, true),
		Type:               child.TypeName(),
		VariablesReference: handles.ToInt(s.valueHandle(h, child.Name(), child)),
	}, nil
}

// frameByID returns the frame a stack frame id refers to.
func (s *Session) frameByID(id int) (engine.Frame, error) {
	h, err := handles.FromInt(id)
	if err != nil {
		return nil, errInvalidFrameID
	}
	c, ok := s.varRefs.Get(h)
	if !ok || c.kind != frameContainer {
		return nil, errInvalidFrameID
	}
	return c.frame, nil
}

// childValue returns the variable called name in the container ref refers
// to.
func (s *Session) childValue(ref int, name string) (engine.Value, error) {
	h, err := handles.FromInt(ref)
	if err != nil {
		return nil, errInvalidHandle
	}
	c, ok := s.varRefs.Get(h)
	if !ok {
		return nil, errInvalidHandle
	}
	var v engine.Value
	switch c.kind {
	case valueContainer:
		v = c.value.ChildByName(name)
	case localsContainer, staticsContainer, globalsContainer:
		v = c.frame.FindVariable(name)
	case registersContainer:
		for _, set := range c.frame.Registers() {
			if v = set.ChildByName(name); v != nil && v.IsValid() {
				break
			}
		}
	}
	if v == nil || !v.IsValid() {
		return nil, userErrorf("Could not find variable '%s'.", name)
	}
	if err := v.Error(); err != nil {
		return nil, userError(err)
	}
	return v, nil
}
