package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cosiner/argv"
)

// CommonLaunchFields are the launch configuration fields shared by launch
// and attach.
type CommonLaunchFields struct {
	Name                 string           `json:"name,omitempty"`
	StopOnEntry          bool             `json:"stopOnEntry,omitempty"`
	SourceMap            SourceMap        `json:"sourceMap,omitempty"`
	Expressions          string           `json:"expressions,omitempty"`
	InitCommands         []string         `json:"initCommands,omitempty"`
	PreRunCommands       []string         `json:"preRunCommands,omitempty"`
	PostRunCommands      []string         `json:"postRunCommands,omitempty"`
	PreTerminateCommands []string         `json:"preTerminateCommands,omitempty"`
	ExitCommands         []string         `json:"exitCommands,omitempty"`
	SourceLanguages      []string         `json:"sourceLanguages,omitempty"`
	ReverseDebugging     bool             `json:"reverseDebugging,omitempty"`
	RelativePathBase     string           `json:"relativePathBase,omitempty"`
	BreakpointMode       string           `json:"breakpointMode,omitempty"`
	AdapterSettings      *AdapterSettings `json:"_adapterSettings,omitempty"`
}

// LaunchArguments is the launch request's configuration.
type LaunchArguments struct {
	CommonLaunchFields
	NoDebug               bool              `json:"noDebug,omitempty"`
	Program               string            `json:"program,omitempty"`
	Args                  Args              `json:"args,omitempty"`
	Cwd                   string            `json:"cwd,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	EnvFile               string            `json:"envFile,omitempty"`
	Stdio                 Stdio             `json:"stdio,omitempty"`
	Terminal              string            `json:"terminal,omitempty"`
	Console               string            `json:"console,omitempty"`
	TargetCreateCommands  []string          `json:"targetCreateCommands,omitempty"`
	ProcessCreateCommands []string          `json:"processCreateCommands,omitempty"`
}

// AttachArguments is the attach request's configuration.
type AttachArguments struct {
	CommonLaunchFields
	Program               string   `json:"program,omitempty"`
	Pid                   Pid      `json:"pid,omitempty"`
	WaitFor               bool     `json:"waitFor,omitempty"`
	TargetCreateCommands  []string `json:"targetCreateCommands,omitempty"`
	ProcessCreateCommands []string `json:"processCreateCommands,omitempty"`
}

// AdapterSettings are the runtime-tunable settings of the adapter. Nil
// fields are left unchanged.
type AdapterSettings struct {
	DisplayFormat              *string         `json:"displayFormat,omitempty"`
	ShowDisassembly            *string         `json:"showDisassembly,omitempty"`
	DereferencePointers        *bool           `json:"dereferencePointers,omitempty"`
	ContainerSummary           *bool           `json:"containerSummary,omitempty"`
	EvaluationTimeout          *float64        `json:"evaluationTimeout,omitempty"`
	SummaryTimeout             *float64        `json:"summaryTimeout,omitempty"`
	SuppressMissingSourceFiles *bool           `json:"suppressMissingSourceFiles,omitempty"`
	ConsoleMode                *string         `json:"consoleMode,omitempty"`
	SourceLanguages            []string        `json:"sourceLanguages,omitempty"`
	ScriptConfig               json.RawMessage `json:"scriptConfig,omitempty"`
	EvaluateForHovers          *bool           `json:"evaluateForHovers,omitempty"`
	CommandCompletions         *bool           `json:"commandCompletions,omitempty"`
}

// Args is a program argument list, given either as an array or as a single
// shell-like command line.
type Args []string

func (a *Args) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*a = list
		return nil
	}
	var line string
	if err := json.Unmarshal(data, &line); err != nil {
		return errors.New("\"args\" must be an array of strings or a string")
	}
	words, err := argv.Argv(line, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return err
	}
	*a = nil
	for _, w := range words {
		*a = append(*a, w...)
	}
	return nil
}

// Stdio holds the stdin, stdout and stderr redirections, padded to three
// entries. An empty entry keeps the default.
type Stdio []string

func (s *Stdio) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Stdio{one, "", ""}
		return nil
	}
	var list []*string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("\"stdio\" must be a string or an array of strings")
	}
	r := make(Stdio, 0, 3)
	for _, p := range list {
		if p == nil {
			r = append(r, "")
		} else {
			r = append(r, *p)
		}
	}
	for len(r) < 3 {
		r = append(r, "")
	}
	*s = r
	return nil
}

// Pid is a process id given as a number or a string.
type Pid int

func (p *Pid) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Pid(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("Process id must be a positive integer.")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return errors.New("Process id must be a positive integer.")
	}
	*p = Pid(n)
	return nil
}

// SourceMapEntry maps a path prefix found in debug info to a local path.
// A nil To suppresses the prefix.
type SourceMapEntry struct {
	From string
	To   *string
}

// SourceMap is an ordered set of source path substitutions.
type SourceMap []SourceMapEntry

// UnmarshalJSON decodes a JSON object keeping the order of its members.
func (m *SourceMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("\"sourceMap\" must be an object")
	}
	var r SourceMap
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		from, _ := tok.(string)
		var to *string
		if err := dec.Decode(&to); err != nil {
			return fmt.Errorf("\"sourceMap\" value for %q: %w", from, err)
		}
		r = append(r, SourceMapEntry{From: from, To: to})
	}
	*m = r
	return nil
}

func (m SourceMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(e.From)
		v, _ := json.Marshal(e.To)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
