package protocol

import (
	"encoding/json"

	"github.com/google/go-dap"
)

// Request arguments

type InitializeArguments struct {
	ClientID                     string `json:"clientID,omitempty"`
	ClientName                   string `json:"clientName,omitempty"`
	AdapterID                    string `json:"adapterID"`
	Locale                       string `json:"locale,omitempty"`
	LinesStartAt1                *bool  `json:"linesStartAt1,omitempty"`
	ColumnsStartAt1              *bool  `json:"columnsStartAt1,omitempty"`
	PathFormat                   string `json:"pathFormat,omitempty"`
	SupportsVariableType         bool   `json:"supportsVariableType,omitempty"`
	SupportsVariablePaging       bool   `json:"supportsVariablePaging,omitempty"`
	SupportsRunInTerminalRequest bool   `json:"supportsRunInTerminalRequest,omitempty"`
	SupportsMemoryReferences     bool   `json:"supportsMemoryReferences,omitempty"`
	SupportsProgressReporting    bool   `json:"supportsProgressReporting,omitempty"`
	SupportsInvalidatedEvent     bool   `json:"supportsInvalidatedEvent,omitempty"`
	SupportsMemoryEvent          bool   `json:"supportsMemoryEvent,omitempty"`
}

type CancelArguments struct {
	RequestID  *int   `json:"requestId,omitempty"`
	ProgressID string `json:"progressId,omitempty"`
}

type DisconnectArguments struct {
	Restart           bool  `json:"restart,omitempty"`
	TerminateDebuggee *bool `json:"terminateDebuggee,omitempty"`
	SuspendDebuggee   bool  `json:"suspendDebuggee,omitempty"`
}

type TerminateArguments struct {
	Restart bool `json:"restart,omitempty"`
}

type RestartArguments struct {
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type SetBreakpointsArguments struct {
	Source         Source                 `json:"source"`
	Breakpoints    []dap.SourceBreakpoint `json:"breakpoints,omitempty"`
	Lines          []int                  `json:"lines,omitempty"`
	SourceModified bool                   `json:"sourceModified,omitempty"`
}

type SetFunctionBreakpointsArguments struct {
	Breakpoints []dap.FunctionBreakpoint `json:"breakpoints"`
}

type ExceptionFilterOptions struct {
	FilterID  string `json:"filterId"`
	Condition string `json:"condition,omitempty"`
}

type SetExceptionBreakpointsArguments struct {
	Filters       []string                 `json:"filters"`
	FilterOptions []ExceptionFilterOptions `json:"filterOptions,omitempty"`
}

type InstructionBreakpoint struct {
	InstructionReference string `json:"instructionReference"`
	Offset               int    `json:"offset,omitempty"`
	Condition            string `json:"condition,omitempty"`
	HitCondition         string `json:"hitCondition,omitempty"`
}

type SetInstructionBreakpointsArguments struct {
	Breakpoints []InstructionBreakpoint `json:"breakpoints"`
}

type DataBreakpointInfoArguments struct {
	VariablesReference int    `json:"variablesReference,omitempty"`
	Name               string `json:"name"`
	FrameID            *int   `json:"frameId,omitempty"`
}

type DataBreakpoint struct {
	DataID       string `json:"dataId"`
	AccessType   string `json:"accessType,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
}

type SetDataBreakpointsArguments struct {
	Breakpoints []DataBreakpoint `json:"breakpoints"`
}

type ExceptionInfoArguments struct {
	ThreadID int `json:"threadId"`
}

type ThreadArguments struct {
	ThreadID     int    `json:"threadId"`
	SingleThread bool   `json:"singleThread,omitempty"`
	Granularity  string `json:"granularity,omitempty"`
}

type StepInArguments struct {
	ThreadID     int    `json:"threadId"`
	SingleThread bool   `json:"singleThread,omitempty"`
	TargetID     *int   `json:"targetId,omitempty"`
	Granularity  string `json:"granularity,omitempty"`
}

type StackTraceArguments struct {
	ThreadID   int `json:"threadId"`
	StartFrame int `json:"startFrame,omitempty"`
	Levels     int `json:"levels,omitempty"`
}

type ScopesArguments struct {
	FrameID int `json:"frameId"`
}

type ValueFormat struct {
	Hex bool `json:"hex,omitempty"`
}

type VariablesArguments struct {
	VariablesReference int          `json:"variablesReference"`
	Filter             string       `json:"filter,omitempty"`
	Start              int          `json:"start,omitempty"`
	Count              int          `json:"count,omitempty"`
	Format             *ValueFormat `json:"format,omitempty"`
}

type SetVariableArguments struct {
	VariablesReference int          `json:"variablesReference"`
	Name               string       `json:"name"`
	Value              string       `json:"value"`
	Format             *ValueFormat `json:"format,omitempty"`
}

type EvaluateArguments struct {
	Expression string       `json:"expression"`
	FrameID    *int         `json:"frameId,omitempty"`
	Context    string       `json:"context,omitempty"`
	Format     *ValueFormat `json:"format,omitempty"`
}

type CompletionsArguments struct {
	FrameID *int   `json:"frameId,omitempty"`
	Text    string `json:"text"`
	Column  int    `json:"column"`
	Line    int    `json:"line,omitempty"`
}

type StepInTargetsArguments struct {
	FrameID int `json:"frameId"`
}

type GotoTargetsArguments struct {
	Source Source `json:"source"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

type GotoArguments struct {
	ThreadID int `json:"threadId"`
	TargetID int `json:"targetId"`
}

type RestartFrameArguments struct {
	FrameID int `json:"frameId"`
}

type SourceArguments struct {
	Source          *Source `json:"source,omitempty"`
	SourceReference int     `json:"sourceReference"`
}

type ModulesArguments struct {
	StartModule int `json:"startModule,omitempty"`
	ModuleCount int `json:"moduleCount,omitempty"`
}

type ReadMemoryArguments struct {
	MemoryReference string `json:"memoryReference"`
	Offset          int    `json:"offset,omitempty"`
	Count           int    `json:"count"`
}

type WriteMemoryArguments struct {
	MemoryReference string `json:"memoryReference"`
	Offset          int    `json:"offset,omitempty"`
	AllowPartial    bool   `json:"allowPartial,omitempty"`
	Data            string `json:"data"`
}

type DisassembleArguments struct {
	MemoryReference   string `json:"memoryReference"`
	Offset            int    `json:"offset,omitempty"`
	InstructionOffset int    `json:"instructionOffset,omitempty"`
	InstructionCount  int    `json:"instructionCount"`
	ResolveSymbols    *bool  `json:"resolveSymbols,omitempty"`
}

// Reverse requests

type RunInTerminalArguments struct {
	Kind  string            `json:"kind,omitempty"`
	Title string            `json:"title,omitempty"`
	Cwd   string            `json:"cwd"`
	Args  []string          `json:"args"`
	Env   map[string]string `json:"env,omitempty"`
}

type RunInTerminalResponseBody struct {
	ProcessID      int `json:"processId,omitempty"`
	ShellProcessID int `json:"shellProcessId,omitempty"`
}

// Common types

type Source struct {
	Name             string          `json:"name,omitempty"`
	Path             string          `json:"path,omitempty"`
	SourceReference  int             `json:"sourceReference,omitempty"`
	PresentationHint string          `json:"presentationHint,omitempty"`
	Origin           string          `json:"origin,omitempty"`
	AdapterData      json.RawMessage `json:"adapterData,omitempty"`
}

type Breakpoint struct {
	ID                   int     `json:"id,omitempty"`
	Verified             bool    `json:"verified"`
	Message              string  `json:"message,omitempty"`
	Source               *Source `json:"source,omitempty"`
	Line                 int     `json:"line,omitempty"`
	Column               int     `json:"column,omitempty"`
	InstructionReference string  `json:"instructionReference,omitempty"`
}

type StackFrame struct {
	ID                          int     `json:"id"`
	Name                        string  `json:"name"`
	Source                      *Source `json:"source,omitempty"`
	Line                        int     `json:"line"`
	Column                      int     `json:"column"`
	CanRestart                  bool    `json:"canRestart,omitempty"`
	InstructionPointerReference string  `json:"instructionPointerReference,omitempty"`
	ModuleID                    string  `json:"moduleId,omitempty"`
	PresentationHint            string  `json:"presentationHint,omitempty"`
}

type Scope struct {
	Name               string `json:"name"`
	PresentationHint   string `json:"presentationHint,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive"`
}

type VariablePresentationHint struct {
	Kind       string   `json:"kind,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
	Lazy       bool     `json:"lazy,omitempty"`
}

type Variable struct {
	Name               string                    `json:"name"`
	Value              string                    `json:"value"`
	Type               string                    `json:"type,omitempty"`
	PresentationHint   *VariablePresentationHint `json:"presentationHint,omitempty"`
	EvaluateName       string                    `json:"evaluateName,omitempty"`
	VariablesReference int                       `json:"variablesReference"`
	MemoryReference    string                    `json:"memoryReference,omitempty"`
}

type Module struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Path           string `json:"path,omitempty"`
	SymbolStatus   string `json:"symbolStatus,omitempty"`
	SymbolFilePath string `json:"symbolFilePath,omitempty"`
	AddressRange   string `json:"addressRange,omitempty"`
}

type DisassembledInstruction struct {
	Address          string  `json:"address"`
	InstructionBytes string  `json:"instructionBytes,omitempty"`
	Instruction      string  `json:"instruction"`
	Symbol           string  `json:"symbol,omitempty"`
	Location         *Source `json:"location,omitempty"`
	Line             int     `json:"line,omitempty"`
	Column           int     `json:"column,omitempty"`
	EndLine          int     `json:"endLine,omitempty"`
	EndColumn        int     `json:"endColumn,omitempty"`
	PresentationHint string  `json:"presentationHint,omitempty"`
}

type StepInTarget struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

type GotoTarget struct {
	ID                          int    `json:"id"`
	Label                       string `json:"label"`
	Line                        int    `json:"line"`
	InstructionPointerReference string `json:"instructionPointerReference,omitempty"`
}

type CompletionItem struct {
	Label  string `json:"label"`
	Text   string `json:"text,omitempty"`
	Start  *int   `json:"start,omitempty"`
	Length int    `json:"length,omitempty"`
	Type   string `json:"type,omitempty"`
}

type ExceptionDetails struct {
	Message  string `json:"message,omitempty"`
	TypeName string `json:"typeName,omitempty"`
}

// Response bodies

type SetBreakpointsResponseBody struct {
	Breakpoints []Breakpoint `json:"breakpoints"`
}

type ThreadsResponseBody struct {
	Threads []dap.Thread `json:"threads"`
}

type StackTraceResponseBody struct {
	StackFrames []StackFrame `json:"stackFrames"`
	TotalFrames int          `json:"totalFrames,omitempty"`
}

type ScopesResponseBody struct {
	Scopes []Scope `json:"scopes"`
}

type VariablesResponseBody struct {
	Variables []Variable `json:"variables"`
}

type SetVariableResponseBody struct {
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference,omitempty"`
}

type EvaluateResponseBody struct {
	Result             string                    `json:"result"`
	Type               string                    `json:"type,omitempty"`
	PresentationHint   *VariablePresentationHint `json:"presentationHint,omitempty"`
	VariablesReference int                       `json:"variablesReference"`
	MemoryReference    string                    `json:"memoryReference,omitempty"`
}

type ContinueResponseBody struct {
	AllThreadsContinued bool `json:"allThreadsContinued"`
}

type StepInTargetsResponseBody struct {
	Targets []StepInTarget `json:"targets"`
}

type GotoTargetsResponseBody struct {
	Targets []GotoTarget `json:"targets"`
}

type CompletionsResponseBody struct {
	Targets []CompletionItem `json:"targets"`
}

type SourceResponseBody struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType,omitempty"`
}

type ModulesResponseBody struct {
	Modules      []Module `json:"modules"`
	TotalModules int      `json:"totalModules,omitempty"`
}

type ExceptionInfoResponseBody struct {
	ExceptionID string            `json:"exceptionId"`
	Description string            `json:"description,omitempty"`
	BreakMode   string            `json:"breakMode"`
	Details     *ExceptionDetails `json:"details,omitempty"`
}

type ReadMemoryResponseBody struct {
	Address         string `json:"address"`
	UnreadableBytes int    `json:"unreadableBytes,omitempty"`
	Data            string `json:"data,omitempty"`
}

type WriteMemoryResponseBody struct {
	Offset       int `json:"offset,omitempty"`
	BytesWritten int `json:"bytesWritten"`
}

type DisassembleResponseBody struct {
	Instructions []DisassembledInstruction `json:"instructions"`
}

type DataBreakpointInfoResponseBody struct {
	// DataID is null when no data breakpoint can be set.
	DataID      *string  `json:"dataId"`
	Description string   `json:"description"`
	AccessTypes []string `json:"accessTypes,omitempty"`
	CanPersist  bool     `json:"canPersist,omitempty"`
}

// Event bodies

type StoppedEventBody struct {
	Reason            string `json:"reason"`
	Description       string `json:"description,omitempty"`
	ThreadID          int    `json:"threadId,omitempty"`
	PreserveFocusHint bool   `json:"preserveFocusHint,omitempty"`
	Text              string `json:"text,omitempty"`
	AllThreadsStopped bool   `json:"allThreadsStopped"`
	HitBreakpointIDs  []int  `json:"hitBreakpointIds,omitempty"`
}

type ContinuedEventBody struct {
	ThreadID            int  `json:"threadId"`
	AllThreadsContinued bool `json:"allThreadsContinued"`
}

type ExitedEventBody struct {
	ExitCode int `json:"exitCode"`
}

type TerminatedEventBody struct {
	Restart interface{} `json:"restart,omitempty"`
}

type ThreadEventBody struct {
	Reason   string `json:"reason"`
	ThreadID int    `json:"threadId"`
}

type OutputEventBody struct {
	Category string `json:"category,omitempty"`
	Output   string `json:"output"`
}

type BreakpointEventBody struct {
	Reason     string     `json:"reason"`
	Breakpoint Breakpoint `json:"breakpoint"`
}

type ModuleEventBody struct {
	Reason string `json:"reason"`
	Module Module `json:"module"`
}

type InvalidatedEventBody struct {
	Areas    []string `json:"areas,omitempty"`
	ThreadID int      `json:"threadId,omitempty"`
}

type CapabilitiesEventBody struct {
	Capabilities Capabilities `json:"capabilities"`
}

// Adapter extensions

type SymbolsArguments struct {
	Filter     string `json:"filter"`
	MaxResults int    `json:"maxResults"`
}

type Symbol struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`
	// Location is a [source, line] pair.
	Location []interface{} `json:"location,omitempty"`
}

type SymbolsResponseBody struct {
	Symbols []Symbol `json:"symbols"`
}

type ExcludeCallerArguments struct {
	ThreadID   int `json:"threadId"`
	FrameIndex int `json:"frameIndex"`
}

type ExcludeCallerResponseBody struct {
	// BreakpointID is a breakpoint id, or an [exception filter, label]
	// pair for exception breakpoints.
	BreakpointID interface{} `json:"breakpointId"`
	Symbol       string      `json:"symbol"`
}

type ExcludedCaller struct {
	// BreakpointID is a number referring to a breakpoint, or a string
	// naming an exception filter.
	BreakpointID json.RawMessage `json:"breakpointId"`
	Symbol       string          `json:"symbol"`
}

// Breakpoint decodes BreakpointID. Exactly one of id and filter is set.
func (ec ExcludedCaller) Breakpoint() (id int, filter string, err error) {
	if err = json.Unmarshal(ec.BreakpointID, &id); err == nil {
		return id, "", nil
	}
	err = json.Unmarshal(ec.BreakpointID, &filter)
	return 0, filter, err
}

type SetExcludedCallersArguments struct {
	Exclusions []ExcludedCaller `json:"exclusions"`
}

// Capabilities extends the go-dap capabilities with the fields this adapter
// advertises beyond them.
type Capabilities struct {
	dap.Capabilities
	ExceptionBreakpointFilters     []ExceptionBreakpointsFilter `json:"exceptionBreakpointFilters,omitempty"`
	SupportsWriteMemoryRequest     bool                         `json:"supportsWriteMemoryRequest,omitempty"`
	SupportsInstructionBreakpoints bool                         `json:"supportsInstructionBreakpoints,omitempty"`
	SupportsExceptionFilterOptions bool                         `json:"supportsExceptionFilterOptions,omitempty"`
}

type ExceptionBreakpointsFilter struct {
	Filter               string `json:"filter"`
	Label                string `json:"label"`
	Description          string `json:"description,omitempty"`
	Default              bool   `json:"default,omitempty"`
	SupportsCondition    bool   `json:"supportsCondition,omitempty"`
	ConditionDescription string `json:"conditionDescription,omitempty"`
}
