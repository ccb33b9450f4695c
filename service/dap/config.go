package dap

import (
	"fmt"
	"strings"

	"github.com/go-delve/ndap/pkg/config"
)

const sourceMapSetting = "sourceMap"

func listConfig(settings *sessionSettings) string {
	return config.ConfigureList(settings, "cfgName")
}

func listSourceMap(m *sourceMap) string {
	rules := make([]string, 0, len(m.rules))
	for _, r := range m.rules {
		if r.to == nil {
			rules = append(rules, fmt.Sprintf("%s -> <hidden>", r.from))
			continue
		}
		rules = append(rules, fmt.Sprintf("%s -> %s", r.from, *r.to))
	}
	return fmt.Sprintf("%s\t[%s]\n", sourceMapSetting, strings.Join(rules, ", "))
}

func configureSet(settings *sessionSettings, args string) (string, error) {
	v := config.Split2PartsBySpace(args)

	cfgname := v[0]
	var rest string
	if len(v) == 2 {
		rest = v[1]
	}

	field := config.ConfigureFindFieldByName(settings, cfgname, "cfgName")
	if !field.CanAddr() {
		return "", fmt.Errorf("%q is not a configuration parameter", cfgname)
	}

	// If there were no arguments provided, just list the value.
	if len(v) == 1 {
		return config.ConfigureListByName(settings, cfgname, "cfgName"), nil
	}

	err := config.ConfigureSetSimple(rest, cfgname, field)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\nUpdated", config.ConfigureListByName(settings, cfgname, "cfgName")), nil
}

// configureSourceMap adds ("<from> <to>") or removes ("<from>") a source
// map rule.
func configureSourceMap(m *sourceMap, rest string) error {
	argv := config.SplitQuotedFields(rest, '"')
	switch len(argv) {
	case 1:
		if !m.removeRule(argv[0]) {
			return fmt.Errorf("could not find rule for %q", argv[0])
		}
	case 2:
		to := argv[1]
		m.addRule(argv[0], &to)
	case 0:
		return fmt.Errorf("missing arguments to \"config %s\"", sourceMapSetting)
	default:
		return fmt.Errorf("too many arguments to \"config %s\"", sourceMapSetting)
	}
	return nil
}
