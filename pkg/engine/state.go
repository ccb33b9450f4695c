package engine

// ProcessState is the execution state of a debuggee as reported by the
// engine.
type ProcessState int

const (
	StateInvalid ProcessState = iota
	StateUnloaded
	StateConnected
	StateAttaching
	StateLaunching
	StateStopped
	StateRunning
	StateStepping
	StateCrashed
	StateDetached
	StateExited
	StateSuspended
)

var stateNames = [...]string{
	StateInvalid:   "invalid",
	StateUnloaded:  "unloaded",
	StateConnected: "connected",
	StateAttaching: "attaching",
	StateLaunching: "launching",
	StateStopped:   "stopped",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateCrashed:   "crashed",
	StateDetached:  "detached",
	StateExited:    "exited",
	StateSuspended: "suspended",
}

func (s ProcessState) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsAlive reports whether a process in this state still exists.
func (s ProcessState) IsAlive() bool {
	switch s {
	case StateInvalid, StateUnloaded, StateDetached, StateExited:
		return false
	}
	return true
}

// IsRunning reports whether a process in this state is executing code.
func (s ProcessState) IsRunning() bool {
	switch s {
	case StateAttaching, StateLaunching, StateRunning, StateStepping:
		return true
	}
	return false
}

// IsStopped reports whether a process in this state can be inspected.
func (s ProcessState) IsStopped() bool {
	switch s {
	case StateStopped, StateCrashed, StateSuspended:
		return true
	}
	return false
}

// StopReason classifies why a thread is paused.
type StopReason int

const (
	StopInvalid StopReason = iota
	StopNone
	StopTrace
	StopBreakpoint
	StopWatchpoint
	StopSignal
	StopException
	StopExec
	StopPlanComplete
	StopThreadExiting
	StopInstrumentation
)

var stopReasonNames = [...]string{
	StopInvalid:         "invalid",
	StopNone:            "none",
	StopTrace:           "trace",
	StopBreakpoint:      "breakpoint",
	StopWatchpoint:      "watchpoint",
	StopSignal:          "signal",
	StopException:       "exception",
	StopExec:            "exec",
	StopPlanComplete:    "plan complete",
	StopThreadExiting:   "thread exiting",
	StopInstrumentation: "instrumentation",
}

func (r StopReason) String() string {
	if int(r) >= 0 && int(r) < len(stopReasonNames) {
		return stopReasonNames[r]
	}
	return "unknown"
}

// Priority ranks stop reasons when several threads stop at once; the thread
// with the highest priority is the one reported to the user.
func (r StopReason) Priority() int {
	switch r {
	case StopBreakpoint:
		return 6
	case StopWatchpoint:
		return 5
	case StopException, StopInstrumentation:
		return 4
	case StopSignal:
		return 3
	case StopPlanComplete:
		return 2
	case StopTrace, StopExec:
		return 1
	}
	return 0
}
