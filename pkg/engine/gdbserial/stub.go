package gdbserial

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/pkg/logflags"
)

// Backend names the debug stub the engine drives.
type Backend string

const (
	LLDBServer Backend = "lldb-server"
	GDBServer  Backend = "gdbserver"
	RR         Backend = "rr"
)

// ParseBackend validates a backend name. The empty string selects
// lldb-server.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case "", "default", LLDBServer:
		return LLDBServer, nil
	case GDBServer, RR:
		return Backend(name), nil
	}
	return "", fmt.Errorf("unknown backend %q", name)
}

// Config configures the engine.
type Config struct {
	Backend Backend
	// Path is the stub executable, the backend name is looked up in PATH
	// when empty.
	Path string
	// DebugInfoDirectories are searched for separate debug info files.
	DebugInfoDirectories []string
}

func (c *Config) executable() string {
	if c.Path != "" {
		return c.Path
	}
	if c.Backend == "" {
		return string(LLDBServer)
	}
	return string(c.Backend)
}

// ErrBackendUnavailable is returned when the stub executable can not be
// found.
type ErrBackendUnavailable struct {
	Backend Backend
}

func (err *ErrBackendUnavailable) Error() string {
	return fmt.Sprintf("backend %s unavailable", err.Backend)
}

// stubConnectTimeout bounds the time spent waiting for a freshly started
// stub to accept connections.
const stubConnectTimeout = 10 * time.Second

// stub is a running debug stub process.
type stub struct {
	backend Backend
	cmd     *exec.Cmd
	addr    string
	// exe is the executable reported by rr.
	exe string
	// waited is closed when the stub exits.
	waited chan struct{}
	err    error
}

func unusedPort() string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return ":8081"
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return fmt.Sprintf(":%d", port)
}

// startStub starts the stub of cfg listening on a loopback port. Programs
// are launched and attached to later, over the protocol. stdio, when not
// nil, becomes the stub's standard input and output, which programs started
// by gdbserver inherit.
func startStub(cfg *Config, stdio *os.File) (*stub, error) {
	path, err := exec.LookPath(cfg.executable())
	if err != nil {
		return nil, &ErrBackendUnavailable{cfg.Backend}
	}
	port := unusedPort()
	addr := "127.0.0.1" + port

	var args []string
	switch cfg.Backend {
	case GDBServer:
		args = []string{"--once", "--multi", addr}
	default:
		args = []string{"gdbserver", addr}
	}
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = sysProcAttr()
	cmd.Stdin = stdio
	if stdio != nil {
		cmd.Stdout = stdio
		cmd.Stderr = stdio
	} else {
		out, err := stubOutput(cmd)
		if err != nil {
			return nil, err
		}
		go logStubOutput(out)
	}

	logflags.EngineLogger().Debugf("starting %s %s", path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return newStub(cfg.Backend, cmd, addr), nil
}

func newStub(backend Backend, cmd *exec.Cmd, addr string) *stub {
	s := &stub{backend: backend, cmd: cmd, addr: addr, waited: make(chan struct{})}
	go func() {
		s.err = cmd.Wait()
		logflags.EngineLogger().Debugf("%s exited: %v", backend, s.err)
		close(s.waited)
	}()
	return s
}

// stubOutput merges the stub's stdout and stderr into one reader.
func stubOutput(cmd *exec.Cmd) (io.Reader, error) {
	r, w := io.Pipe()
	cmd.Stdout = w
	cmd.Stderr = w
	return r, nil
}

func logStubOutput(r io.Reader) {
	log := logflags.LLDBServerOutputLogger()
	s := bufio.NewScanner(r)
	for s.Scan() {
		log.Debug(s.Text())
	}
}

// dial connects to the stub, retrying until it listens.
func (s *stub) dial(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = stubConnectTimeout
	var conn net.Conn
	op := func() error {
		select {
		case <-s.waited:
			return backoff.Permanent(fmt.Errorf("%s exited: %v", s.backend, s.err))
		default:
		}
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("could not connect to %s at %s: %w", s.backend, s.addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return conn, nil
}

// kill terminates the stub and waits for it.
func (s *stub) kill() {
	if s == nil || s.cmd == nil || s.cmd.Process == nil {
		return
	}
	select {
	case <-s.waited:
		return
	default:
	}
	s.cmd.Process.Kill()
	select {
	case <-s.waited:
	case <-time.After(time.Second):
	}
}

// wait waits at most timeout for the stub to exit on its own.
func (s *stub) wait(timeout time.Duration) {
	if s == nil {
		return
	}
	select {
	case <-s.waited:
	case <-time.After(timeout):
		s.kill()
	}
}

// startReplay starts rr replaying tracedir, the latest recording when
// empty, and waits for it to report the port gdb should connect to.
func startReplay(cfg *Config, tracedir string) (*stub, error) {
	path, err := exec.LookPath(cfg.executable())
	if err != nil {
		return nil, &ErrBackendUnavailable{RR}
	}
	args := []string{"replay", "--dbgport=0"}
	if tracedir != "" {
		args = append(args, tracedir)
	}
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = sysProcAttr()
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	go logStubOutput(stdout)

	initch := make(chan rrInit, 1)
	go rrStderrParser(stderr, initch)

	logflags.EngineLogger().Debugf("starting %s %s", path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := newStub(RR, cmd, "")
	select {
	case init := <-initch:
		if init.err != nil {
			s.kill()
			return nil, init.err
		}
		s.addr, s.exe = init.port, init.exe
		if strings.HasPrefix(s.addr, ":") {
			s.addr = "127.0.0.1" + s.addr
		}
	case <-time.After(stubConnectTimeout):
		s.kill()
		return nil, errors.New("timed out waiting for rr to start")
	}
	return s, nil
}

type rrInit struct {
	port string
	exe  string
	err  error
}

const (
	rrGdbCommandPrefix = "  gdb "
	rrGdbLaunchPrefix  = "Launch gdb with"
	targetCmd          = "target extended-remote "
)

func rrStderrParser(stderr io.ReadCloser, initch chan<- rrInit) {
	rd := bufio.NewReader(stderr)
	defer stderr.Close()
	log := logflags.LLDBServerOutputLogger()

	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			initch <- rrInit{err: fmt.Errorf("rr did not report a debug port: %w", err)}
			return
		}
		if strings.HasPrefix(line, rrGdbCommandPrefix) {
			initch <- rrParseGdbCommand(line[len(rrGdbCommandPrefix):])
			break
		}
		if strings.HasPrefix(line, rrGdbLaunchPrefix) {
			continue
		}
		log.Debug(strings.TrimRight(line, "\n"))
	}
	logStubOutput(rd)
}

// ErrMalformedRRGdbCommand is returned when the gdb command line printed
// by rr can not be understood.
type ErrMalformedRRGdbCommand struct {
	line, reason string
}

func (err *ErrMalformedRRGdbCommand) Error() string {
	return fmt.Sprintf("malformed gdb command %q: %s", err.line, err.reason)
}

func rrParseGdbCommand(line string) rrInit {
	port := ""
	fields := config.SplitQuotedFields(line, '\'')
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "-ex":
			if i+1 >= len(fields) {
				return rrInit{err: &ErrMalformedRRGdbCommand{line, "-ex not followed by an argument"}}
			}
			arg := fields[i+1]
			if !strings.HasPrefix(arg, targetCmd) {
				continue
			}
			port = arg[len(targetCmd):]
			i++
		case "-l":
			// skip argument
			i++
		}
	}

	if port == "" {
		return rrInit{err: &ErrMalformedRRGdbCommand{line, "could not find -ex argument"}}
	}
	exe := fields[len(fields)-1]
	return rrInit{port: port, exe: exe}
}
