// Package engine describes the native debugger engine the adapter drives.
// The adapter only talks to these interfaces; gdbserial provides the real
// implementation and enginetest a deterministic one for tests.
package engine

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotSupported is returned by backends for operations they cannot
// perform.
var ErrNotSupported = errors.New("operation not supported by the debugger engine")

// Debugger is the process-wide engine instance owned by one debug session.
type Debugger interface {
	// CreateTarget loads program. An empty program creates a target with no
	// executable, used for attaching by pid.
	CreateTarget(program string) (Target, error)
	// Target returns the selected target or nil.
	Target() Target

	// SetAsync switches between asynchronous execution control, where
	// Continue and the step operations return as soon as the process is
	// resumed, and synchronous control, where they return after the next
	// stop.
	SetAsync(async bool)
	Async() bool

	// WaitForEvent blocks for at most timeout waiting for the next engine
	// event.
	WaitForEvent(timeout time.Duration) (Event, bool)

	// HandleCommand executes one console command line, writing its output
	// to out.
	HandleCommand(ctx context.Context, line string, out io.Writer) error
	// CompleteCommand returns completions for line at cursor.
	CompleteCommand(line string, cursor int) []string

	SetSetting(name, value string) error
	Setting(name string) (string, error)

	Close() error
}

// Target is a loaded executable, possibly with a running process.
type Target interface {
	Executable() string
	// Triple is the architecture triple, for example x86_64-unknown-linux-gnu.
	Triple() string
	AddressSize() int
	Modules() []Module

	// ResolveLoadAddress returns the symbolic context of addr. Fields that
	// could not be resolved are left zero.
	ResolveLoadAddress(addr uint64) SymbolContext
	// LineEntries returns the line table of the named compile unit.
	LineEntries(compileUnit string) []LineEntry
	Symbols() []Symbol

	Launch(ctx context.Context, info LaunchInfo) (Process, error)
	Attach(ctx context.Context, info AttachInfo) (Process, error)
	// Process returns the process of this target or nil.
	Process() Process

	// ReadMemory reads from the process when one is alive and from the
	// executable's sections otherwise.
	ReadMemory(addr uint64, buf []byte) (int, error)

	BreakpointManipulation

	// Evaluate evaluates a native expression in the global scope.
	Evaluate(ctx context.Context, expr string) (Value, error)
}

// BreakpointManipulation is the breakpoint and watchpoint surface of a
// target.
type BreakpointManipulation interface {
	SetBreakpoint(spec BreakpointSpec) (Breakpoint, error)
	DeleteBreakpoint(id int) error
	Breakpoint(id int) Breakpoint
	Breakpoints() []Breakpoint

	WatchAddress(addr uint64, size int, read, write bool) (Watchpoint, error)
	DeleteWatchpoint(id int) error
}

// Process is a live debuggee.
type Process interface {
	PID() int
	State() ProcessState
	ExitStatus() int
	ExitDescription() string
	// StopID is incremented every time the process stops.
	StopID() uint32

	Threads() []Thread
	ThreadByID(tid int) Thread
	SelectedThread() Thread
	SetSelectedThread(tid int) bool

	Continue() error
	// Stop interrupts a running process.
	Stop() error
	Kill() error
	Detach() error

	ReadMemory(addr uint64, buf []byte) (int, error)
	WriteMemory(addr uint64, data []byte) (int, error)

	// SendPacket sends a raw packet to the remote stub and returns its
	// reply. Used for reverse execution.
	SendPacket(packet string) (string, error)
}

// Thread is a thread of a stopped process.
type Thread interface {
	ID() int
	IndexID() int
	Name() string

	StopReason() StopReason
	// StopReasonData is the payload of the stop reason: breakpoint id and
	// location id pairs, the watchpoint id or the signal number.
	StopReasonData() []uint64
	StopDescription() string
	// StopReturnValue is the value returned by the function the thread
	// just stepped out of, or nil.
	StopReturnValue() Value

	NumFrames() int
	Frame(i int) Frame
	SelectedFrame() Frame
	SetSelectedFrame(i int)

	StepOver() error
	StepInto() error
	StepOut() error
	StepInstruction(over bool) error
	JumpToLine(file string, line int) error
	ReturnFromFrame(f Frame) error
}

// VariableOptions selects the variables returned by Frame.Variables.
type VariableOptions struct {
	Arguments   bool
	Locals      bool
	Statics     bool
	InScopeOnly bool
}

// Frame is one stack frame of a thread.
type Frame interface {
	Index() int
	Thread() Thread
	PC() uint64
	CFA() uint64
	SymbolContext() SymbolContext
	FunctionName() string
	DisplayFunctionName() string

	Variables(opts VariableOptions) []Value
	// Registers returns one container value per register set.
	Registers() []Value
	FindVariable(name string) Value
	Evaluate(ctx context.Context, expr string) (Value, error)
	SetPC(addr uint64) error
	IsEqual(other Frame) bool
}

// Value is a variable, register or expression result.
type Value interface {
	IsValid() bool
	// Error is the reason the value could not be read, if any.
	Error() error
	Name() string
	TypeName() string
	DisplayTypeName() string
	TypeClass() TypeClass
	BasicType() BasicType
	ValueType() ValueType

	// Value renders the value under its current format. It is empty for
	// aggregates.
	Value() string
	// Summary is a one-line description provided by the engine, if any.
	Summary() string
	Format() Format
	SetFormat(f Format)

	NumChildren() int
	Child(i int) Value
	ChildByName(name string) Value
	Dereference() Value
	AddressOf() Value
	LoadAddress() (uint64, bool)
	ByteSize() int

	Int64() (int64, error)
	Uint64() (uint64, error)
	Float64() (float64, error)

	SetValueFromString(s string) error
	ExpressionPath() string
	// AsArray reinterprets a pointer or array value as an array of n
	// elements of its pointee or element type.
	AsArray(n int) (Value, error)
}

// Breakpoint is an engine breakpoint with one or more locations.
type Breakpoint interface {
	ID() int
	Locations() []BreakpointLocation
	Enabled() bool
	SetEnabled(enabled bool) error
	HitCount() int
}

// Watchpoint is a hardware data breakpoint.
type Watchpoint interface {
	ID() int
	Address() uint64
	Size() int
}

// BreakpointLocation is one resolved address of a breakpoint.
type BreakpointLocation struct {
	ID        int
	Address   uint64
	Resolved  bool
	LineEntry LineEntry
}

// BreakpointKind selects how a BreakpointSpec is interpreted.
type BreakpointKind int

const (
	BreakpointFileLine BreakpointKind = iota
	BreakpointAddress
	BreakpointFunction
	BreakpointFunctionRegex
	BreakpointException
)

// BreakpointSpec describes a breakpoint to create.
type BreakpointSpec struct {
	Kind    BreakpointKind
	File    string
	Line    int
	Column  int
	Address uint64
	Name    string
	// Language and the Catch/Throw flags qualify exception breakpoints.
	Language string
	Catch    bool
	Throw    bool
}

// Module is a loaded image.
type Module interface {
	ID() string
	Name() string
	Path() string
	SymbolsPath() string
	LoadAddress() (uint64, bool)
	HasSymbols() bool
}

// LineEntry maps an address range to a source position.
type LineEntry struct {
	File   string
	Line   int
	Column int
	Start  uint64
	End    uint64
}

// IsValid reports whether the entry refers to a source line.
func (le LineEntry) IsValid() bool {
	return le.File != "" && le.Line > 0
}

// Function is a function with debug information.
type Function struct {
	Name        string
	DisplayName string
	Start       uint64
	End         uint64
}

// Symbol is a symbol table entry.
type Symbol struct {
	Name        string
	DisplayName string
	// Type is the symbol's kind: code, data, ...
	Type   string
	Start  uint64
	End    uint64
	Module string
}

// SymbolContext is everything known about an address.
type SymbolContext struct {
	Module      Module
	CompileUnit string
	Function    *Function
	Symbol      *Symbol
	LineEntry   LineEntry
}

// LaunchInfo configures a process launch.
type LaunchInfo struct {
	Args       []string
	Env        []string
	WorkingDir string
	// Stdio holds paths for stdin, stdout and stderr; an empty entry keeps
	// the stub's default.
	Stdio       [3]string
	StopAtEntry bool
	DisableASLR bool
}

// AttachInfo configures an attach.
type AttachInfo struct {
	PID     int
	Program string
	WaitFor bool
}
