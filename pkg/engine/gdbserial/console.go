package gdbserial

import (
	"os"

	"github.com/creack/pty"

	"github.com/go-delve/ndap/pkg/engine"
	"github.com/go-delve/ndap/pkg/logflags"
)

// console is a pseudo terminal standing in for the stdio of a launched
// program when the client did not provide one. Its output is forwarded as
// output events.
type console struct {
	master, slave *os.File
}

// openConsole returns the paths the program's stdio should be opened at.
// When stdio names no file a console is allocated.
func openConsole(stdio [3]string, d *Debugger) (*console, [3]string) {
	for _, s := range stdio {
		if s != "" {
			return nil, stdio
		}
	}
	master, slave, err := pty.Open()
	if err != nil {
		logflags.EngineLogger().Warnf("could not allocate a console: %v", err)
		return nil, stdio
	}
	c := &console{master: master, slave: slave}
	go c.forward(d)
	name := slave.Name()
	return c, [3]string{name, name, name}
}

func (c *console) forward(d *Debugger) {
	buf := make([]byte, 4096)
	for {
		n, err := c.master.Read(buf)
		if n > 0 {
			d.post(engine.OutputEvent{Data: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

func (c *console) close() {
	if c == nil {
		return
	}
	c.slave.Close()
	c.master.Close()
}
