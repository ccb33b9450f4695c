package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-delve/ndap/service/dap/protocol"
)

// terminalConnectTimeout bounds the wait for the terminal agent.
const terminalConnectTimeout = 10 * time.Second

// terminal is a terminal window of the client hosting the debuggee's
// stdio. The terminal agent running in it reports its tty and stays alive
// until the connection is closed.
type terminal struct {
	ttyName string
	conn    net.Conn
}

func (t *terminal) Close() {
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

// createTerminal asks the client to run the terminal agent in a terminal of
// the given kind ("integrated" or "external") and waits for the agent to
// connect back.
func (s *Session) createTerminal(ctx context.Context, kind, title string) (*terminal, error) {
	if s.config.LauncherPath == "" {
		return nil, errors.New("the adapter executable is unknown")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	if title == "" {
		title = "Debug"
	}
	args := protocol.RunInTerminalArguments{
		Kind:  kind,
		Title: title,
		Args:  []string{s.config.LauncherPath, "terminal-agent", "--connect", ln.Addr().String()},
	}
	ctx, cancel := context.WithTimeout(ctx, terminalConnectTimeout)
	defer cancel()
	if _, err := s.mux.SendRequest(ctx, "runInTerminal", args); err != nil {
		return nil, fmt.Errorf("runInTerminal: %w", err)
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()
	var conn net.Conn
	select {
	case a := <-ch:
		if a.err != nil {
			return nil, a.err
		}
		conn = a.conn
	case <-ctx.Done():
		return nil, fmt.Errorf("terminal agent did not connect: %w", ctx.Err())
	}

	_ = conn.SetReadDeadline(time.Now().Add(terminalConnectTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading the terminal name: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	tty := strings.TrimSpace(line)
	s.log.Debugf("terminal agent connected, tty %s", tty)
	return &terminal{ttyName: tty, conn: conn}, nil
}
