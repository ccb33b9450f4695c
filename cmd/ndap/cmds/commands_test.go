package cmds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra/doc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine/gdbserial"
)

// launchServer answers one launch request with reply and returns the
// request it received.
func launchServer(t *testing.T, reply string) (string, <-chan launchEnvironment) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	ch := make(chan launchEnvironment, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, err := io.ReadAll(conn)
		if err != nil {
			return
		}
		var env launchEnvironment
		if json.Unmarshal(data, &env) == nil {
			ch <- env
		}
		io.WriteString(conn, reply)
	}()
	return ln.Addr().String(), ch
}

func TestLaunch(t *testing.T) {
	cfg := `{"stopOnEntry": true}`
	env := &launchEnvironment{
		Cmd:    []string{"./prog", "-v"},
		Cwd:    "/home/user",
		Env:    map[string]string{"HOME": "/home/user"},
		Config: &cfg,
	}

	addr, received := launchServer(t, `{"success": true}`)
	require.NoError(t, launch(addr, env, nil))
	got := <-received
	assert.Equal(t, *env, got)

	addr, _ = launchServer(t, `{"success": false, "message": "no such program"}`)
	assert.EqualError(t, launch(addr, env, nil), "no such program")

	addr, _ = launchServer(t, `{"success": false}`)
	assert.EqualError(t, launch(addr, env, nil), "Failed")

	addr, _ = launchServer(t, `garbage`)
	assert.Error(t, launch(addr, env, nil))

	assert.Equal(t, errNoAddress, launch("", env, nil))
}

func TestLaunchRequestFormat(t *testing.T) {
	data, err := json.Marshal(&launchEnvironment{Cmd: []string{}, Cwd: "/", Env: map[string]string{}, TerminalID: "/dev/pts/3"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd": [], "cwd": "/", "env": {}, "terminalId": "/dev/pts/3"}`, string(data))
}

func TestLaunchClearsScreen(t *testing.T) {
	addr, _ := launchServer(t, `{"success": true}`)
	var screen bytes.Buffer
	require.NoError(t, launch(addr, &launchEnvironment{Cmd: []string{"x"}}, &screen))
	assert.Equal(t, clearScreen, screen.String())
}

func TestLaunchCommandArgs(t *testing.T) {
	tests := []struct {
		args  []string
		clear bool
		cmd   []string
	}{
		{[]string{"command"}, false, []string{"command"}},
		{[]string{"--clear-screen", "command"}, true, []string{"command"}},
		{[]string{"command", "-arg", "val"}, false, []string{"command", "-arg", "val"}},
		{[]string{"--", "-command"}, false, []string{"-command"}},
		{[]string{"--connect=127.0.0.1:12345", "command", "--clear-screen"}, false, []string{"command", "--clear-screen"}},
	}
	for _, tt := range tests {
		cmd := newLaunchCommand()
		require.NoError(t, cmd.ParseFlags(tt.args), tt.args)
		clear, err := cmd.Flags().GetBool("clear-screen")
		require.NoError(t, err)
		assert.Equal(t, tt.clear, clear, tt.args)
		assert.Equal(t, tt.cmd, cmd.Flags().Args(), tt.args)
	}
}

func TestCurrentLaunchEnvironment(t *testing.T) {
	t.Setenv("NDAP_TEST_VAR", "a=b")
	env, err := currentLaunchEnvironment(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{}, env.Cmd)
	assert.Equal(t, "a=b", env.Env["NDAP_TEST_VAR"])
	wd, _ := os.Getwd()
	assert.Equal(t, wd, env.Cwd)
	assert.Nil(t, env.Config)
}

func TestTerminalAgent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() { done <- terminalAgent(ln.Addr().String(), "/dev/pts/7") }()

	conn, err := ln.Accept()
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "/dev/pts/7\n", line)

	select {
	case err := <-done:
		t.Fatalf("agent exited before the connection was closed: %v", err)
	default:
	}
	conn.Close()
	assert.NoError(t, <-done)

	assert.Equal(t, errNoAddress, terminalAgent("", "/dev/pts/7"))
}

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		configPath, backend, backendPath, settingsJSON = "", "", "", ""
	})
}

func TestAdapterConfig(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
backend: gdbserver
backend-path: /opt/gdbserver
startup-commands:
  - settings set target.language rust
debug-info-directories:
  - /usr/lib/debug
source-map:
  - {from: /build, to: /src}
`), 0o600))
	settingsJSON = `{"displayFormat": "hex", "dereferencePointers": false}`
	t.Setenv("CODELLDB_STARTUP", "settings set auto-confirm true")

	adapter, err := adapterConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"settings set target.language rust", "settings set auto-confirm true"}, adapter.StartupCommands)
	require.NotNil(t, adapter.Settings)
	assert.Equal(t, "hex", *adapter.Settings.DisplayFormat)
	assert.False(t, *adapter.Settings.DereferencePointers)
	assert.Equal(t, "/src", adapter.File.SourceMap[0].To)
	assert.NotEmpty(t, adapter.LauncherPath)

	dbg, err := adapter.NewDebugger()
	require.NoError(t, err)
	v, err := dbg.(*gdbserial.Debugger).Setting("target.language")
	require.NoError(t, err)
	assert.Equal(t, "c", v)
	assert.Equal(t, "gdbserver", backend)
	assert.Equal(t, "/opt/gdbserver", backendPath)
}

func TestAdapterConfigErrors(t *testing.T) {
	resetFlags(t)
	dir := t.TempDir()
	empty := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	configPath = filepath.Join(dir, "missing.yml")
	_, err := adapterConfig()
	assert.Error(t, err)

	configPath = empty
	backend = "windbg"
	_, err = adapterConfig()
	assert.EqualError(t, err, `unknown backend "windbg"`)

	backend = ""
	settingsJSON = `{"displayFormat": 1}`
	_, err = adapterConfig()
	assert.ErrorContains(t, err, "invalid --settings")
}

func TestBackendFlag(t *testing.T) {
	resetFlags(t)
	root := New()
	assert.EqualError(t, root.ParseFlags([]string{"--backend", "windbg"}), `invalid argument "windbg" for "--backend" flag: unknown backend "windbg"`)
	require.NoError(t, root.ParseFlags([]string{"--backend", "rr"}))
	assert.Equal(t, "rr", backend)
}

func TestCommandTree(t *testing.T) {
	root := New()
	for _, name := range []string{"port", "multi-session", "connect", "auth-token", "settings", "backend", "backend-path", "config", "log", "log-output", "log-dest"} {
		assert.NotNil(t, root.Flag(name), name)
	}
	for _, name := range []string{"version", "launch", "terminal-agent", "backend", "log"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestUsageDocs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, doc.GenMarkdownTree(New(), dir))

	data, err := os.ReadFile(filepath.Join(dir, "ndap.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "--backend backend")
	assert.Contains(t, string(data), "[ndap launch](ndap_launch.md)")
	// hidden commands are not documented
	assert.NotContains(t, string(data), "terminal-agent")
	_, err = os.Stat(filepath.Join(dir, "ndap_version.md"))
	assert.NoError(t, err)
}
