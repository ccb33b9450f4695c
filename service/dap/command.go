package dap

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/derekparker/trie"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// adapterCommandPrefix introduces the console commands served by the
// adapter itself instead of the engine.
const adapterCommandPrefix = "ndap"

// cutCommandPrefix strips the adapter command prefix from line.
func cutCommandPrefix(line string) (string, bool) {
	line = strings.TrimLeft(line, " ")
	if line == adapterCommandPrefix {
		return "", true
	}
	if rest, ok := strings.CutPrefix(line, adapterCommandPrefix+" "); ok {
		return rest, true
	}
	return "", false
}

func (s *Session) ndapCmd(cmdstr string) (string, error) {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	if cmdname == "" {
		cmdname = "help"
	}
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	for _, cmd := range adapterCommands(s) {
		for _, alias := range cmd.aliases {
			if alias == cmdname {
				return cmd.cmdFn(args)
			}
		}
	}
	return "", errNoCmd
}

type cmdfunc func(args string) (string, error)

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

const (
	msgHelp = `Prints the help message.

ndap help [command]

Type "ndap help" followed by the name of a command for more information about it.`

	msgConfig = `Changes session settings.

	ndap config -list

	Show all settings.

	ndap config -list <setting>

	Show the value of a setting.

	ndap config <setting> <value>

	Changes the value of a setting.

	ndap config sourceMap <from> <to>
	ndap config sourceMap <from>

	Adds or removes a source map rule.`
)

// adapterCommands returns the console commands of the adapter.
func adapterCommands(s *Session) []command {
	return []command{
		{aliases: []string{"help", "h"}, cmdFn: s.helpMessage, helpMsg: msgHelp},
		{aliases: []string{"config"}, cmdFn: s.evaluateConfig, helpMsg: msgConfig},
	}
}

var errNoCmd = errors.New("command not available")

func (s *Session) helpMessage(args string) (string, error) {
	var buf bytes.Buffer
	if args != "" {
		for _, cmd := range adapterCommands(s) {
			for _, alias := range cmd.aliases {
				if alias == args {
					return cmd.helpMsg, nil
				}
			}
		}
		return "", errNoCmd
	}

	fmt.Fprintln(&buf, "The following commands are available:")

	for _, cmd := range adapterCommands(s) {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(&buf, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(&buf, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Type ndap help followed by a command for full documentation.")
	fmt.Fprintln(&buf, "Other console input is executed by the debugger engine.")
	return buf.String(), nil
}

func (s *Session) evaluateConfig(expr string) (string, error) {
	argv := config.Split2PartsBySpace(expr)
	name := argv[0]
	if name == "-list" || name == "" {
		if len(argv) > 1 {
			if argv[1] == sourceMapSetting {
				return listSourceMap(s.sourceMap), nil
			}
			return config.ConfigureListByName(&s.settings, argv[1], "cfgName"), nil
		}
		return listConfig(&s.settings) + listSourceMap(s.sourceMap), nil
	}

	if name == sourceMapSetting {
		rest := ""
		if len(argv) > 1 {
			rest = argv[1]
		}
		if err := configureSourceMap(s.sourceMap, rest); err != nil {
			return "", err
		}
		s.updateEngineSourceMap()
		s.sendInvalidated("stacks")
		return listSourceMap(s.sourceMap) + "Updated", nil
	}

	old := s.settings
	res, err := configureSet(&s.settings, expr)
	if err != nil {
		s.settings = old
		return "", err
	}
	if err := s.settings.validate(); err != nil {
		s.settings = old
		return "", err
	}
	s.settingsChanged(old)
	return res, nil
}

// sendInvalidated tells the client to refetch areas of a stopped
// debuggee.
func (s *Session) sendInvalidated(areas ...string) {
	proc := s.process()
	if proc == nil || !proc.State().IsStopped() || !s.clientCaps.SupportsInvalidatedEvent {
		return
	}
	s.sendEvent("invalidated", protocol.InvalidatedEventBody{Areas: areas})
}

// commandIndex returns the completion index of the adapter commands.
func (s *Session) commandIndex() *trie.Trie {
	if s.cmdIndex != nil {
		return s.cmdIndex
	}
	t := trie.New()
	for _, cmd := range adapterCommands(s) {
		for _, alias := range cmd.aliases {
			t.Add(adapterCommandPrefix+" "+alias, nil)
			t.Add(adapterCommandPrefix+" help "+alias, nil)
		}
	}
	it := config.IterateConfiguration(&s.settings, "cfgName")
	for it.Next() {
		name, _ := it.Field()
		t.Add(adapterCommandPrefix+" config "+name, nil)
		t.Add(adapterCommandPrefix+" config -list "+name, nil)
	}
	t.Add(adapterCommandPrefix+" config "+sourceMapSetting, nil)
	t.Add(adapterCommandPrefix+" config -list "+sourceMapSetting, nil)
	s.cmdIndex = t
	return t
}
