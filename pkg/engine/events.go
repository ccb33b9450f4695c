package engine

// Event is delivered by Debugger.WaitForEvent.
type Event interface {
	isEvent()
}

// ProcessStateEvent reports a process state transition. Restarted is set
// when the process stopped and was immediately resumed by the engine.
// StopID is the process's stop id when the transition happened.
type ProcessStateEvent struct {
	State     ProcessState
	Restarted bool
	StopID    uint32
}

// OutputEvent carries debuggee output read from the stub.
type OutputEvent struct {
	Stderr bool
	Data   string
}

// ModuleEventKind is the kind of a ModuleEvent.
type ModuleEventKind int

const (
	ModulesLoaded ModuleEventKind = iota
	ModulesUnloaded
	SymbolsLoaded
)

// ModuleEvent reports modules being loaded or unloaded.
type ModuleEvent struct {
	Kind    ModuleEventKind
	Modules []Module
}

// BreakpointEventKind is the kind of a BreakpointEvent.
type BreakpointEventKind int

const (
	BreakpointAdded BreakpointEventKind = iota
	BreakpointRemoved
	BreakpointLocationsResolved
)

// BreakpointEvent reports a change in a breakpoint's locations.
type BreakpointEvent struct {
	Kind       BreakpointEventKind
	Breakpoint Breakpoint
}

func (ProcessStateEvent) isEvent() {}
func (OutputEvent) isEvent()       {}
func (ModuleEvent) isEvent()       {}
func (BreakpointEvent) isEvent()   {}
