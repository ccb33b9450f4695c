package enginetest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
)

const eventQueueSize = 256

// Debugger is an engine.Debugger running a simulated Program.
type Debugger struct {
	prog   *Program
	events chan engine.Event

	mu       sync.Mutex
	async    bool
	settings map[string]string
	target   *Target
	closed   bool

	// Commands records every console command handled, in order.
	Commands []string
}

var _ engine.Debugger = (*Debugger)(nil)

// New returns a debugger for prog. A nil prog selects NewProgram().
func New(prog *Program) *Debugger {
	if prog == nil {
		prog = NewProgram()
	}
	return &Debugger{
		prog:     prog,
		events:   make(chan engine.Event, eventQueueSize),
		async:    true,
		settings: defaultSettings(),
	}
}

func defaultSettings() map[string]string {
	return map[string]string{
		"target.source-map":                "",
		"target.language":                  "c",
		"target.max-string-summary-length": "1024",
		"stop-disassembly-display":         "no-debuginfo",
		"auto-confirm":                     "false",
	}
}

func (d *Debugger) Program() *Program { return d.prog }

func (d *Debugger) CreateTarget(program string) (engine.Target, error) {
	if program != "" && program != d.prog.Path {
		return nil, fmt.Errorf("unable to find executable for '%s'", program)
	}
	t := newTarget(d, program)
	d.mu.Lock()
	d.target = t
	d.mu.Unlock()
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
		logflags.EngineLogger().Errorf("event queue full, dropped %#v", ev)
	}
}

func (d *Debugger) HandleCommand(ctx context.Context, line string, out io.Writer) error {
	d.mu.Lock()
	d.Commands = append(d.Commands, line)
	d.mu.Unlock()
	return d.handleCommand(ctx, line, out)
}

func (d *Debugger) CompleteCommand(line string, cursor int) []string {
	if cursor > len(line) {
		cursor = len(line)
	}
	prefix := line[:cursor]
	if strings.ContainsAny(prefix, " \t") {
		return nil
	}
	var r []string
	for name := range commands {
		if strings.HasPrefix(name, prefix) {
			r = append(r, name)
		}
	}
	sort.Strings(r)
	return r
}

func (d *Debugger) SetSetting(name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.settings[name]; !ok {
		return fmt.Errorf("invalid value path '%s'", name)
	}
	d.settings[name] = value
	return nil
}

func (d *Debugger) Setting(name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.settings[name]
	if !ok {
		return "", fmt.Errorf("invalid value path '%s'", name)
	}
	return v, nil
}

func (d *Debugger) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.target != nil && d.target.proc != nil && d.target.proc.state.IsAlive() {
		d.target.proc.terminate(engine.StateExited, 9, "killed")
	}
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Debugger) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
