package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "ndap"
	configFile string = "config.yml"
)

// SourceMapRule rewrites a source path prefix found in debug information
// (From) to a local directory (To). An empty To suppresses the prefix.
type SourceMapRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// SourceMapRules is a list of source map rules, applied in order.
type SourceMapRules []SourceMapRule

// Settings are the adapter settings that may be given defaults in the
// configuration file. Unset fields keep the built-in defaults.
type Settings struct {
	DisplayFormat              string   `yaml:"display-format,omitempty"`
	ShowDisassembly            string   `yaml:"show-disassembly,omitempty"`
	DereferencePointers        *bool    `yaml:"dereference-pointers,omitempty"`
	ContainerSummary           *bool    `yaml:"container-summary,omitempty"`
	EvaluationTimeout          *float64 `yaml:"evaluation-timeout,omitempty"`
	SummaryTimeout             *float64 `yaml:"summary-timeout,omitempty"`
	SuppressMissingSourceFiles *bool    `yaml:"suppress-missing-source-files,omitempty"`
	ConsoleMode                string   `yaml:"console-mode,omitempty"`
	SourceLanguages            []string `yaml:"source-languages,omitempty"`
	EvaluateForHovers          *bool    `yaml:"evaluate-for-hovers,omitempty"`
	CommandCompletions         *bool    `yaml:"command-completions,omitempty"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Default adapter settings.
	Settings Settings `yaml:"settings"`
	// Source path substitution rules applied to every session.
	SourceMap SourceMapRules `yaml:"source-map"`

	// Backend selects the debug stub: lldb-server, gdbserver or rr.
	Backend string `yaml:"backend,omitempty"`
	// BackendPath overrides the executable used to start the stub.
	BackendPath string `yaml:"backend-path,omitempty"`

	// StartupCommands are console commands executed when the engine is created.
	StartupCommands []string `yaml:"startup-commands,omitempty"`

	// DebugInfoDirectories is the list of directories used
	// to resolve external debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// If path is empty the per-user default location is used and the file is
// created with commented defaults when missing.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		if err := createConfigPath(); err != nil {
			return &Config{}, fmt.Errorf("could not create config directory: %v", err)
		}
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
		}
		if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
			f, err := createDefaultConfig(fullConfigFile)
			if err != nil {
				return &Config{}, fmt.Errorf("error creating default config file: %v", err)
			}
			f.Close()
		}
		path = fullConfigFile
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(fullConfigFile, out, 0600)
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the ndap debug adapter.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Default adapter settings. Launch configurations and the _adapterSettings
# request override these.
settings:
  # display-format: auto        # auto, hex, decimal or binary
  # show-disassembly: auto      # always, never or auto
  # dereference-pointers: true
  # evaluation-timeout: 5       # seconds
  # summary-timeout: 0.01       # seconds
  # console-mode: commands      # commands, evaluate or split
  # source-languages: ["cpp"]

# Source path substitution rules, applied to paths found in debug information.
source-map:
  # - {from: /build/dir, to: /home/me/src}

# Debug stub used to start or attach to processes: lldb-server, gdbserver or rr.
# backend: lldb-server

# Console commands executed when the engine is created.
# startup-commands: []

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, ".config", configDir, file), nil
}
