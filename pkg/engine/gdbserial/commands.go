package gdbserial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/disasm"
	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/scripting"
)

// Version is printed by the version command.
const Version = "ndap gdbserial engine 1.0"

type command struct {
	help        string
	subcommands []string
	// raw commands receive the rest of the line as their only argument.
	raw bool
	fn  func(d *Debugger, ctx context.Context, args []string, out io.Writer) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"help":        {help: "Show the list of commands.", fn: cmdHelp},
		"version":     {help: "Show the engine version.", fn: cmdVersion},
		"settings":    {help: "settings set <name> <value> | settings show [<name>]", subcommands: []string{"set", "show"}, fn: cmdSettings},
		"register":    {help: "register read [<name>]: show the registers of the selected frame.", subcommands: []string{"read"}, fn: cmdRegister},
		"memory":      {help: "memory read <address> [<count>]", subcommands: []string{"read"}, fn: cmdMemory},
		"frame":       {help: "frame select <index> | frame info", subcommands: []string{"select", "info"}, fn: cmdFrame},
		"thread":      {help: "thread list | thread select <index>", subcommands: []string{"list", "select"}, fn: cmdThread},
		"bt":          {help: "Show the stack of the selected thread.", fn: cmdBacktrace},
		"breakpoint":  {help: "breakpoint list | breakpoint delete <id>", subcommands: []string{"list", "delete"}, fn: cmdBreakpoint},
		"image":       {help: "image list", subcommands: []string{"list"}, fn: cmdImage},
		"disassemble": {help: "disassemble [<address> [<count>]]: disassemble at the pc of the selected frame or at address.", fn: cmdDisassemble},
		"expression":  {help: "Evaluate an expression in the selected frame.", raw: true, fn: cmdExpression},
		"p":           {help: "Alias for expression.", raw: true, fn: cmdExpression},
		"process":     {help: "process status | process kill | process detach", subcommands: []string{"status", "kill", "detach"}, fn: cmdProcess},
		"script":      {help: "Run Starlark statements with the selected frame in scope.", raw: true, fn: cmdScript},
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
	if cmd.raw {
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

func usage(name string) error {
	return errors.New("usage: " + commands[name].help)
}

func (d *Debugger) stoppedProcess() (*Process, error) {
	t := d.currentTarget()
	if t == nil {
		return nil, errNoProcess
	}
	p := t.process()
	if p == nil {
		return nil, errNoProcess
	}
	if err := p.checkStopped(); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Debugger) selectedFrame() (*Frame, error) {
	p, err := d.stoppedProcess()
	if err != nil {
		return nil, err
	}
	th := p.selectedThread()
	if th == nil {
		return nil, errors.New("no selected thread")
	}
	f, _ := th.SelectedFrame().(*Frame)
	if f == nil {
		return nil, errors.New("no selected frame")
	}
	return f, nil
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
	fmt.Fprintf(out, "backend: %s\n", d.config.Backend)
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
	case len(args) == 1 && args[0] == "show":
		d.mu.Lock()
		list := config.ConfigureList(&d.settings, "cfg")
		d.mu.Unlock()
		for _, l := range strings.Split(strings.TrimSuffix(list, "\n"), "\n") {
			name, value, _ := strings.Cut(l, "\t")
			fmt.Fprintf(out, "%s = %s\n", name, value)
		}
		return nil
	}
	return usage("settings")
}

func cmdRegister(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "read" {
		return usage("register")
	}
	f, err := d.selectedFrame()
	if err != nil {
		return err
	}
	found := false
	for _, set := range f.Registers() {
		header := false
		for i := 0; i < set.NumChildren(); i++ {
			r := set.Child(i)
			if len(args) > 1 && r.Name() != args[1] {
				continue
			}
			if !header {
				fmt.Fprintf(out, "%s:\n", set.Name())
				header = true
			}
			found = true
			r.SetFormat(engine.FormatHex)
			fmt.Fprintf(out, "  %6s = %s\n", r.Name(), r.Value())
		}
	}
	if len(args) > 1 && !found {
		return fmt.Errorf("Invalid register name '%s'.", args[1])
	}
	return nil
}

func parseAddress(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address expression \"%s\"", s)
	}
	return n, nil
}

func cmdMemory(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 2 || args[0] != "read" {
		return usage("memory")
	}
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}
	count := 32
	if len(args) > 2 {
		if count, err = strconv.Atoi(args[2]); err != nil || count <= 0 || count > 1<<20 {
			return fmt.Errorf("invalid count '%s'", args[2])
		}
	}
	buf := make([]byte, count)
	n, err := p.ReadMemory(addr, buf)
	if n == 0 && err != nil {
		return fmt.Errorf("memory read failed for 0x%x", addr)
	}
	for off := 0; off < n; off += 16 {
		line := buf[off:min(off+16, n)]
		fmt.Fprintf(out, "0x%x: %s\n", addr+uint64(off), disasm.FormatBytes(line, 0))
	}
	return nil
}

func cmdFrame(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	th := p.selectedThread()
	if th == nil {
		return errors.New("no selected thread")
	}
	switch {
	case len(args) == 2 && args[0] == "select":
		i, err := strconv.Atoi(args[1])
		if err != nil || i < 0 || i >= th.NumFrames() {
			return fmt.Errorf("Frame index (%s) out of range.", args[1])
		}
		th.SetSelectedFrame(i)
		fallthrough
	case len(args) == 1 && args[0] == "info":
		printFrame(out, th.SelectedFrame().(*Frame), true)
		return nil
	}
	return usage("frame")
}

func printFrame(out io.Writer, f *Frame, selected bool) {
	mark := " "
	if selected {
		mark = "*"
	}
	sc := f.SymbolContext()
	module := "???"
	if sc.Module != nil {
		module = sc.Module.Name()
	}
	fmt.Fprintf(out, "  %s frame #%d: 0x%016x %s`%s", mark, f.Index(), f.PC(), module, f.FunctionName())
	if le := sc.LineEntry; le.IsValid() {
		fmt.Fprintf(out, " at %s:%d", le.File, le.Line)
	}
	fmt.Fprintln(out)
}

func cmdThread(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	switch {
	case len(args) == 1 && args[0] == "list":
		fmt.Fprintf(out, "Process %d stopped\n", p.PID())
		selected := p.selectedThread()
		for _, t := range p.threadList() {
			mark := " "
			if t == selected {
				mark = "*"
			}
			pc, _ := t.lockedRegister(p.arch.pc)
			fmt.Fprintf(out, "%s thread #%d: tid = %d, 0x%016x, name = '%s'", mark, t.index, t.tid, pc, t.name)
			if t.description != "" {
				fmt.Fprintf(out, ", stop reason = %s", t.description)
			}
			fmt.Fprintln(out)
		}
		return nil
	case len(args) == 2 && args[0] == "select":
		for _, t := range p.threadList() {
			if strconv.Itoa(t.index) == args[1] {
				p.SetSelectedThread(t.tid)
				return nil
			}
		}
		return fmt.Errorf("invalid thread #%s.", args[1])
	}
	return usage("thread")
}

func cmdBacktrace(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	p, err := d.stoppedProcess()
	if err != nil {
		return err
	}
	t := p.selectedThread()
	if t == nil {
		return errors.New("no selected thread")
	}
	fmt.Fprintf(out, "* thread #%d, name = '%s', stop reason = %s\n", t.index, t.name, t.description)
	for i, f := range t.lockedStack() {
		printFrame(out, f, i == t.selectedFrame)
	}
	return nil
}

func cmdBreakpoint(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	t := d.currentTarget()
	switch {
	case len(args) == 1 && args[0] == "list":
		var bps []engine.Breakpoint
		if t != nil {
			bps = t.Breakpoints()
		}
		if len(bps) == 0 {
			fmt.Fprintln(out, "No breakpoints currently set.")
			return nil
		}
		fmt.Fprintln(out, "Current breakpoints:")
		for _, bp := range bps {
			locs := bp.Locations()
			fmt.Fprintf(out, "%d: locations = %d, hit count = %d", bp.ID(), len(locs), bp.HitCount())
			if !bp.Enabled() {
				fmt.Fprint(out, " Options: disabled")
			}
			fmt.Fprintln(out)
			for _, loc := range locs {
				fmt.Fprintf(out, "  %d.%d: address = 0x%016x, resolved = %t\n", bp.ID(), loc.ID, loc.Address, loc.Resolved)
			}
		}
		return nil
	case len(args) == 2 && args[0] == "delete":
		id, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid breakpoint id '%s'", args[1])
		}
		if t == nil {
			return fmt.Errorf("No breakpoints exist to be deleted.")
		}
		if err := t.DeleteBreakpoint(id); err != nil {
			return err
		}
		fmt.Fprintln(out, "1 breakpoints deleted; 0 breakpoint locations disabled.")
		return nil
	}
	return usage("breakpoint")
}

func cmdImage(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 || args[0] != "list" {
		return usage("image")
	}
	t := d.currentTarget()
	if t == nil {
		return nil
	}
	for i, img := range t.imageList() {
		addr, _ := img.LoadAddress()
		fmt.Fprintf(out, "[%3d] 0x%016x %s", i, addr, img.Path())
		if img.debugPath != "" {
			fmt.Fprintf(out, " (%s)", img.debugPath)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func cmdDisassemble(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	t := d.currentTarget()
	if t == nil {
		return errors.New("invalid target")
	}
	var addr uint64
	count := 16
	if len(args) > 0 {
		var err error
		if addr, err = parseAddress(args[0]); err != nil {
			return err
		}
	} else {
		f, err := d.selectedFrame()
		if err != nil {
			return err
		}
		addr = f.PC()
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count '%s'", args[1])
		}
		count = n
	}
	dis, err := disasm.New(t)
	if err != nil {
		return err
	}
	insts := dis.ReadInstructions(addr, count)
	if len(insts) == 0 {
		return disasm.ErrUndisassemblable
	}
	for _, inst := range insts {
		fmt.Fprintf(out, "0x%x: %-24s %s\n", inst.Address, disasm.FormatBytes(inst.Bytes, 8), inst.Text())
	}
	return nil
}

func cmdExpression(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("expression: missing expression")
	}
	var v engine.Value
	var err error
	if f, ferr := d.selectedFrame(); ferr == nil {
		v, err = f.Evaluate(ctx, args[0])
	} else if t := d.currentTarget(); t != nil {
		v, err = t.Evaluate(ctx, args[0])
	} else {
		return ferr
	}
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

func cmdProcess(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return usage("process")
	}
	t := d.currentTarget()
	if t == nil || t.process() == nil {
		return errNoProcess
	}
	p := t.process()
	switch args[0] {
	case "status":
		switch state := p.State(); state {
		case engine.StateExited:
			fmt.Fprintf(out, "Process %d exited with status = %d", p.PID(), p.ExitStatus())
			if desc := p.ExitDescription(); desc != "" {
				fmt.Fprintf(out, " (%s)", desc)
			}
			fmt.Fprintln(out)
		default:
			fmt.Fprintf(out, "Process %d %s\n", p.PID(), state)
			if state.IsStopped() {
				if th := p.selectedThread(); th != nil {
					fmt.Fprintf(out, "* thread #%d, stop reason = %s\n", th.index, th.description)
				}
			}
		}
		return nil
	case "kill":
		return p.Kill()
	case "detach":
		return p.Detach()
	}
	return usage("process")
}

func cmdScript(d *Debugger, ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "" {
		return errors.New("script: missing statements")
	}
	d.mu.Lock()
	if d.script == nil {
		d.script = scripting.New(&d.scriptOut, nil)
	}
	env := d.script
	d.mu.Unlock()

	sctx := scripting.Context{}
	if t := d.currentTarget(); t != nil {
		sctx.Target = t
	}
	if f, err := d.selectedFrame(); err == nil {
		sctx.Frame = f
	}
	d.scriptOut.set(out)
	defer d.scriptOut.set(nil)
	return env.Exec(ctx, args[0], sctx)
}
