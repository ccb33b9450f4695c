package dap

import (
	"time"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/service/dap/protocol"
)

const (
	showDisassemblyAuto   = "auto"
	showDisassemblyAlways = "always"
	showDisassemblyNever  = "never"

	consoleCommands = "commands"
	consoleSplit    = "split"
	consoleEvaluate = "evaluate"
)

// sessionSettings are the runtime-tunable settings of a debug session.
// They are listed and changed from the debug console with "ndap config".
type sessionSettings struct {
	// DisplayFormat is the default format of values: auto, hex, decimal or binary.
	DisplayFormat string `cfgName:"displayFormat"`
	// ShowDisassembly decides when stack frames are shown as disassembly:
	// always, never, or auto when there is no source.
	ShowDisassembly     string `cfgName:"showDisassembly"`
	DereferencePointers bool   `cfgName:"dereferencePointers"`
	ContainerSummary    bool   `cfgName:"containerSummary"`
	// EvaluationTimeout and SummaryTimeout are in seconds.
	EvaluationTimeout          float64  `cfgName:"evaluationTimeout"`
	SummaryTimeout             float64  `cfgName:"summaryTimeout"`
	SuppressMissingSourceFiles bool     `cfgName:"suppressMissingSourceFiles"`
	ConsoleMode                string   `cfgName:"consoleMode"`
	SourceLanguages            []string `cfgName:"sourceLanguages"`
	EvaluateForHovers          bool     `cfgName:"evaluateForHovers"`
	CommandCompletions         bool     `cfgName:"commandCompletions"`
}

func defaultSettings() sessionSettings {
	return sessionSettings{
		DisplayFormat:              "auto",
		ShowDisassembly:            showDisassemblyAuto,
		DereferencePointers:        true,
		ContainerSummary:           true,
		EvaluationTimeout:          5,
		SummaryTimeout:             0.01,
		SuppressMissingSourceFiles: true,
		ConsoleMode:                consoleCommands,
		SourceLanguages:            []string{"cpp"},
		EvaluateForHovers:          true,
		CommandCompletions:         true,
	}
}

// applyConfig overlays the defaults of the configuration file.
func (s *sessionSettings) applyConfig(c config.Settings) {
	if c.DisplayFormat != "" {
		s.DisplayFormat = c.DisplayFormat
	}
	if c.ShowDisassembly != "" {
		s.ShowDisassembly = c.ShowDisassembly
	}
	if c.DereferencePointers != nil {
		s.DereferencePointers = *c.DereferencePointers
	}
	if c.ContainerSummary != nil {
		s.ContainerSummary = *c.ContainerSummary
	}
	if c.EvaluationTimeout != nil {
		s.EvaluationTimeout = *c.EvaluationTimeout
	}
	if c.SummaryTimeout != nil {
		s.SummaryTimeout = *c.SummaryTimeout
	}
	if c.SuppressMissingSourceFiles != nil {
		s.SuppressMissingSourceFiles = *c.SuppressMissingSourceFiles
	}
	if c.ConsoleMode != "" {
		s.ConsoleMode = c.ConsoleMode
	}
	if c.SourceLanguages != nil {
		s.SourceLanguages = c.SourceLanguages
	}
	if c.EvaluateForHovers != nil {
		s.EvaluateForHovers = *c.EvaluateForHovers
	}
	if c.CommandCompletions != nil {
		s.CommandCompletions = *c.CommandCompletions
	}
}

// apply overlays the settings sent by the client. Nil fields are left
// unchanged. Nothing is changed when a value is invalid.
func (s *sessionSettings) apply(a *protocol.AdapterSettings) error {
	if a == nil {
		return nil
	}
	n := *s
	if a.DisplayFormat != nil {
		n.DisplayFormat = *a.DisplayFormat
	}
	if a.ShowDisassembly != nil {
		n.ShowDisassembly = *a.ShowDisassembly
	}
	if a.DereferencePointers != nil {
		n.DereferencePointers = *a.DereferencePointers
	}
	if a.ContainerSummary != nil {
		n.ContainerSummary = *a.ContainerSummary
	}
	if a.EvaluationTimeout != nil {
		n.EvaluationTimeout = *a.EvaluationTimeout
	}
	if a.SummaryTimeout != nil {
		n.SummaryTimeout = *a.SummaryTimeout
	}
	if a.SuppressMissingSourceFiles != nil {
		n.SuppressMissingSourceFiles = *a.SuppressMissingSourceFiles
	}
	if a.ConsoleMode != nil {
		n.ConsoleMode = *a.ConsoleMode
	}
	if a.SourceLanguages != nil {
		n.SourceLanguages = a.SourceLanguages
	}
	if a.EvaluateForHovers != nil {
		n.EvaluateForHovers = *a.EvaluateForHovers
	}
	if a.CommandCompletions != nil {
		n.CommandCompletions = *a.CommandCompletions
	}
	if err := n.validate(); err != nil {
		return err
	}
	*s = n
	return nil
}

func (s *sessionSettings) validate() error {
	switch s.DisplayFormat {
	case "auto", "hex", "decimal", "binary":
	default:
		return userErrorf("Invalid display format: %s", s.DisplayFormat)
	}
	switch s.ShowDisassembly {
	case showDisassemblyAuto, showDisassemblyAlways, showDisassemblyNever:
	default:
		return userErrorf("Invalid showDisassembly value: %s", s.ShowDisassembly)
	}
	switch s.ConsoleMode {
	case consoleCommands, consoleSplit, consoleEvaluate:
	default:
		return userErrorf("Invalid console mode: %s", s.ConsoleMode)
	}
	if s.EvaluationTimeout < 0 || s.SummaryTimeout < 0 {
		return userErrorf("Timeouts must not be negative.")
	}
	return nil
}

// format is the engine format selected by DisplayFormat.
func (s *sessionSettings) format() engine.Format {
	switch s.DisplayFormat {
	case "hex":
		return engine.FormatHex
	case "decimal":
		return engine.FormatDecimal
	case "binary":
		return engine.FormatBinary
	}
	return engine.FormatDefault
}

func (s *sessionSettings) evaluationTimeout() time.Duration {
	return time.Duration(s.EvaluationTimeout * float64(time.Second))
}

func (s *sessionSettings) summaryTimeout() time.Duration {
	return time.Duration(s.SummaryTimeout * float64(time.Second))
}

// evaluateMode reports whether console input is evaluated as an expression
// unless prefixed as a command.
func (s *sessionSettings) evaluateMode() bool {
	return s.ConsoleMode != consoleCommands
}

func (s *sessionSettings) hasLanguage(lang string) bool {
	for _, l := range s.SourceLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

func consoleModeMessage(s *sessionSettings) string {
	if s.evaluateMode() {
		return "Console is in 'evaluation' mode, prefix commands with '/cmd ' or '`'.\n"
	}
	return "Console is in 'commands' mode, prefix expressions with '?'.\n"
}
