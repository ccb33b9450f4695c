// Package gdbserial is an engine driving native processes through a stub
// speaking the GDB remote serial protocol: lldb-server, gdbserver or rr.
//
// Symbols and line tables are read from the ELF and DWARF sections of the
// executable and its shared libraries, the stub only provides execution
// control and access to memory and registers.
package gdbserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
	"github.com/go-delve/ndap/pkg/scripting"
)

const eventQueueSize = 256

// settings are the values of the settings command. The cfg tag is the
// setting name.
type settings struct {
	SourceMap              string `cfg:"target.source-map"`
	Language               string `cfg:"target.language"`
	MaxStringSummaryLength int    `cfg:"target.max-string-summary-length"`
	StopDisassemblyDisplay string `cfg:"stop-disassembly-display"`
	AutoConfirm            bool   `cfg:"auto-confirm"`
	RRTraceDir             string `cfg:"rr.trace-dir"`
}

func defaultSettings() settings {
	return settings{
		Language:               "c",
		MaxStringSummaryLength: 1024,
		StopDisassemblyDisplay: "no-debuginfo",
	}
}

// Debugger is an engine.Debugger for processes controlled by a gdbserial
// stub.
type Debugger struct {
	config Config
	events chan engine.Event

	mu       sync.Mutex
	async    bool
	settings settings
	target   *Target

	script    *scripting.Env
	scriptOut switchWriter
}

// switchWriter forwards to the output of the running script command.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return len(b), nil
	}
	return s.w.Write(b)
}

var _ engine.Debugger = (*Debugger)(nil)

// New returns a debugger starting the stub described by cfg for every
// process it launches or attaches to.
func New(cfg Config) *Debugger {
	return &Debugger{
		config:   cfg,
		events:   make(chan engine.Event, eventQueueSize),
		async:    true,
		settings: defaultSettings(),
	}
}

func (d *Debugger) CreateTarget(program string) (engine.Target, error) {
	t, err := newTarget(d, program)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	old := d.target
	d.target = t
	d.mu.Unlock()
	if old != nil {
		old.close()
	}
	return t, nil
}

func (d *Debugger) Target() engine.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.target == nil {
		return nil
	}
	return d.target
}

func (d *Debugger) currentTarget() *Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

func (d *Debugger) SetAsync(async bool) {
	d.mu.Lock()
	d.async = async
	d.mu.Unlock()
}

func (d *Debugger) Async() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.async
}

func (d *Debugger) WaitForEvent(timeout time.Duration) (engine.Event, bool) {
	select {
	case ev := <-d.events:
		return ev, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (d *Debugger) post(ev engine.Event) {
	select {
	case d.events <- ev:
	default:
		logflags.EngineLogger().Errorf("event queue full, dropped %T", ev)
	}
}

func (d *Debugger) HandleCommand(ctx context.Context, line string, out io.Writer) error {
	return d.handleCommand(ctx, line, out)
}

// CompleteCommand completes the command name, or the subcommand of the
// commands that have some.
func (d *Debugger) CompleteCommand(line string, cursor int) []string {
	cursor = min(max(cursor, 0), len(line))
	prefix := line[:cursor]
	words := strings.Fields(prefix)
	if strings.HasSuffix(prefix, " ") || len(words) == 0 {
		words = append(words, "")
	}
	var candidates []string
	switch len(words) {
	case 1:
		for name := range commands {
			candidates = append(candidates, name)
		}
	case 2:
		if cmd, ok := commands[words[0]]; ok {
			candidates = cmd.subcommands
		}
	}
	last := words[len(words)-1]
	var r []string
	for _, c := range candidates {
		if strings.HasPrefix(c, last) {
			r = append(r, c)
		}
	}
	sort.Strings(r)
	return r
}

func (d *Debugger) SetSetting(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	field := config.ConfigureFindFieldByName(&d.settings, name, "cfg")
	if !field.IsValid() {
		return fmt.Errorf("invalid value path '%s'", name)
	}
	return config.ConfigureSetSimple(value, name, field)
}

func (d *Debugger) Setting(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it := config.IterateConfiguration(&d.settings, "cfg")
	for it.Next() {
		if n, v := it.Field(); n == name {
			return fmt.Sprint(v.Interface()), nil
		}
	}
	return "", fmt.Errorf("invalid value path '%s'", name)
}

// Close ends the debugging of the process of the target, if any.
func (d *Debugger) Close() error {
	d.mu.Lock()
	t := d.target
	d.target = nil
	d.mu.Unlock()
	if t == nil {
		return nil
	}
	t.close()
	return nil
}

func (t *Target) close() {
	if p := t.process(); p != nil {
		p.close()
	}
	t.mu.Lock()
	images := t.images
	t.images = nil
	t.mu.Unlock()
	for _, img := range images {
		img.close()
	}
}

var errNoProcess = errors.New("invalid process")
