package gdbserial

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/pkg/engine"
)

func TestSettings(t *testing.T) {
	d := New(Config{Backend: LLDBServer})

	v, err := d.Setting("target.max-string-summary-length")
	require.NoError(t, err)
	assert.Equal(t, "1024", v)

	require.NoError(t, d.SetSetting("target.source-map", "/build /src"))
	v, err = d.Setting("target.source-map")
	require.NoError(t, err)
	assert.Equal(t, "/build /src", v)

	require.NoError(t, d.SetSetting("auto-confirm", "true"))
	assert.True(t, d.settings.AutoConfirm)
	assert.Error(t, d.SetSetting("auto-confirm", "maybe"))
	assert.Error(t, d.SetSetting("target.max-string-summary-length", "x"))

	_, err = d.Setting("no.such.setting")
	assert.EqualError(t, err, "invalid value path 'no.such.setting'")
	assert.Error(t, d.SetSetting("no.such.setting", "1"))
}

func TestCompleteCommand(t *testing.T) {
	d := New(Config{})
	assert.Equal(t, []string{"breakpoint", "bt"}, d.CompleteCommand("b", 1))
	assert.Equal(t, []string{"set", "show"}, d.CompleteCommand("settings s", 10))
	assert.Equal(t, []string{"read"}, d.CompleteCommand("register ", 9))
	assert.Empty(t, d.CompleteCommand("bt x", 4))
	// the cursor limits the completed text
	assert.Equal(t, []string{"thread"}, d.CompleteCommand("thread list", 3))
}

func TestCommandsWithoutProcess(t *testing.T) {
	d := New(Config{Backend: GDBServer})
	ctx := context.Background()
	run := func(line string) (string, error) {
		var out bytes.Buffer
		err := d.HandleCommand(ctx, line, &out)
		return out.String(), err
	}

	out, err := run("version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
	assert.Contains(t, out, "gdbserver")

	out, err = run("help")
	require.NoError(t, err)
	for name := range commands {
		assert.Contains(t, out, name)
	}

	_, err = run("frobnicate")
	assert.EqualError(t, err, "'frobnicate' is not a valid command.")

	for _, line := range []string{"bt", "thread list", "register read", "memory read 0x1000", "process status"} {
		_, err = run(line)
		assert.EqualError(t, err, "invalid process", line)
	}

	out, err = run("breakpoint list")
	require.NoError(t, err)
	assert.Equal(t, "No breakpoints currently set.\n", out)

	_, err = run("settings set target.language rust")
	require.NoError(t, err)
	out, err = run("settings show target.language")
	require.NoError(t, err)
	assert.Equal(t, "target.language = rust\n", out)

	_, err = run("settings")
	assert.Error(t, err)

	out, err = run("")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestScriptCommand(t *testing.T) {
	d := New(Config{})
	var out bytes.Buffer
	require.NoError(t, d.HandleCommand(context.Background(), "script x = 6 * 7", &out))
	require.NoError(t, d.HandleCommand(context.Background(), "script print(x)", &out))
	assert.Equal(t, "42\n", out.String())

	assert.Error(t, d.HandleCommand(context.Background(), "script", &out))
}

func TestCreateTargetMissingExecutable(t *testing.T) {
	d := New(Config{})
	_, err := d.CreateTarget("/no/such/program")
	assert.EqualError(t, err, "unable to find executable for '/no/such/program'")
	assert.Nil(t, d.Target())

	tgt, err := d.CreateTarget("")
	require.NoError(t, err)
	assert.Empty(t, tgt.Executable())
	assert.Nil(t, tgt.Process())
	assert.NoError(t, d.Close())
}

func TestEventQueue(t *testing.T) {
	d := New(Config{})
	d.post(engine.OutputEvent{Data: "hello"})
	ev, ok := d.WaitForEvent(time.Second)
	require.True(t, ok)
	assert.Equal(t, engine.OutputEvent{Data: "hello"}, ev)

	_, ok = d.WaitForEvent(10 * time.Millisecond)
	assert.False(t, ok)

	for i := 0; i < eventQueueSize+10; i++ {
		d.post(engine.OutputEvent{Data: "x"})
	}
	assert.Len(t, d.events, eventQueueSize)
}
