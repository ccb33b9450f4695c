package enginetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cosiner/argv"

	"github.com/go-delve/ndap/pkg/engine"
)

// Version is printed by the version command.
const Version = "enginetest 1.0"

type command struct {
	help string
	fn   func(d *Debugger, ctx context.Context, args []string, out io.Writer) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":       {"Show the list of commands.", cmdHelp},
		"version":    {"Show the engine version.", cmdVersion},
		"settings":   {"settings set <name> <value> | settings show <name>", cmdSettings},
		"bt":         {"Show the stack of the selected thread.", cmdBacktrace},
		"expression": {"Evaluate an expression in the selected frame.", cmdExpression},
		"p":          {"Alias for expression.", cmdExpression},
		"register":   {"register read: show the registers of the selected frame.", cmdRegister},
		"thread":     {"thread list | thread select <index>", cmdThread},
		"process":    {"process status | process interrupt", cmdProcess},
		"breakpoint": {"breakpoint list", cmdBreakpoint},
		"image":      {"image list", cmdImage},
	}
}

func (d *Debugger) handleCommand(ctx context.Context, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	name, rest, _ := strings.Cut(line, " ")
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("'%s' is not a valid command.", name)
	}
	var args []string
	if name == "expression" || name == "p" {
		args = []string{strings.TrimSpace(rest)}
	} else if rest != "" {
		words, err := argv.Argv(rest, func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		}, nil)
		if err != nil {
			return err
		}
		if len(words) > 0 {
			args = words[0]
		}
	}
	return cmd.fn(d, ctx, args, out)
}

func (d *Debugger) stoppedProcess() (*Process, error) {
	d.mu.Lock()
	t := d.target
	d.mu.Unlock()
	if t == nil || t.proc == nil || !t.proc.state.IsAlive() {
		return nil, errors.New("invalid process")
	}
	if !t.proc.state.IsStopped() {
		return nil, errors.New("Process is running.")
	}
	return t.proc, nil
}

func cmdHelp(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-12s -- %s\n", name, commands[name].help)
	}
	return nil
}

func cmdVersion(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	fmt.Fprintln(out, Version)
	return nil
}

func cmdSettings(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	switch {
	case len(args) >= 3 && args[0] == "set":
		return d.SetSetting(args[1], strings.Join(args[2:], " "))
	case len(args) == 2 && args[0] == "show":
		v, err := d.Setting(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s = %s\n", args[1], v)
		return nil
	}
	return errors.New("usage: " + commands["settings"].help)
}

func cmdBacktrace(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	t := p.thread(p.selected)
	fmt.Fprintf(out, "* thread #%d, name = '%s', stop reason = %s\n", t.index, t.name, t.description)
	for i := 0; i < t.NumFrames(); i++ {
		f := t.Frame(i).(*Frame)
		mark := " "
		if i == t.selectedFrame {
			mark = "*"
		}
		fmt.Fprintf(out, "  %s frame #%d: 0x%016x main`%s", mark, i, f.PC(), f.FunctionName())
		if le := f.SymbolContext().LineEntry; le.IsValid() {
			fmt.Fprintf(out, " at %s:%d", le.File, le.Line)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func cmdExpression(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	if len(args) == 0 || args[0] == "" {
		return errors.New("expression: missing expression")
	}
	f := p.thread(p.selected).SelectedFrame()
	v, err := f.Evaluate(ctx, args[0])
	if err != nil {
		return err
	}
	s := v.Value()
	if s == "" {
		s = v.Summary()
	}
	fmt.Fprintf(out, "(%s) %s\n", v.TypeName(), s)
	return nil
}

func cmdRegister(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "read" {
		return errors.New("usage: " + commands["register"].help)
	}
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	f := p.thread(p.selected).SelectedFrame().(*Frame)
	fmt.Fprintln(out, "General Purpose Registers:")
	for _, r := range f.registers() {
		r.SetFormat(engine.FormatHex)
		if len(args) > 1 && r.Name() != args[1] {
			continue
		}
		fmt.Fprintf(out, "  %6s = 0x%016s\n", r.Name(), strings.TrimPrefix(r.Value(), "0x"))
	}
	return nil
}

func cmdThread(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	switch {
	case len(args) == 1 && args[0] == "list":
		fmt.Fprintf(out, "Process %d stopped\n", PID)
		for _, t := range p.threads {
			mark := " "
			if t.tid == p.selected {
				mark = "*"
			}
			fmt.Fprintf(out, "%s thread #%d: tid = %d, 0x%016x, name = '%s'", mark, t.index, t.tid, t.pc(), t.name)
			if t.description != "" {
				fmt.Fprintf(out, ", stop reason = %s", t.description)
			}
			fmt.Fprintln(out)
		}
		return nil
	case len(args) == 2 && args[0] == "select":
		for _, t := range p.threads {
			if fmt.Sprint(t.index) == args[1] {
				p.selected = t.tid
				return nil
			}
		}
		return fmt.Errorf("invalid thread #%s.", args[1])
	}
	return errors.New("usage: " + commands["thread"].help)
}

func cmdProcess(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 || (args[0] != "status" && args[0] != "interrupt") {
		return errors.New("usage: " + commands["process"].help)
	}
	d.mu.Lock()
	t := d.target
	d.mu.Unlock()
	if t == nil || t.proc == nil {
		return errors.New("invalid process")
	}
	p := t.proc
	if args[0] == "interrupt" {
		return p.Stop()
	}
	switch {
	case p.state == engine.StateExited:
		fmt.Fprintf(out, "Process %d exited with status = %d\n", PID, p.exitStatus)
	default:
		fmt.Fprintf(out, "Process %d %s\n", PID, p.state)
	}
	return nil
}

func cmdBreakpoint(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 || args[0] != "list" {
		return errors.New("usage: " + commands["breakpoint"].help)
	}
	d.mu.Lock()
	t := d.target
	d.mu.Unlock()
	if t == nil || len(t.breakpoints) == 0 {
		fmt.Fprintln(out, "No breakpoints currently set.")
		return nil
	}
	fmt.Fprintln(out, "Current breakpoints:")
	for _, bp := range t.breakpoints {
		fmt.Fprintf(out, "%d: locations = %d, hit count = %d\n", bp.id, len(bp.locs), bp.hits)
		for _, loc := range bp.locs {
			fmt.Fprintf(out, "  %d.%d: address = 0x%016x, resolved = %t\n", bp.id, loc.ID, loc.Address, loc.Resolved)
		}
	}
	return nil
}

func cmdImage(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 || args[0] != "list" {
		return errors.New("usage: " + commands["image"].help)
	}
	d.mu.Lock()
	t := d.target
	d.mu.Unlock()
	if t == nil || t.module == nil {
		return nil
	}
	fmt.Fprintf(out, "[  0] 0x%016x %s\n", ModuleBase, t.module.Path())
	return nil
}
