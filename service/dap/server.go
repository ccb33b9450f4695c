// Package dap implements a debug adapter speaking the Debug Adapter
// Protocol (DAP) on top of an engine.Debugger. The adapter serves one
// client on stdio, clients accepted on a TCP listener, or one client it
// connects to itself.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/go-delve/ndap/pkg/logflags"
	"github.com/go-delve/ndap/service"
	"github.com/go-delve/ndap/service/dap/codec"
	"github.com/go-delve/ndap/service/internal/sameuser"
)

// Server accepts DAP clients on a listener and runs a debug session for
// each of them, one at a time. Unless config.AcceptMulti is set the server
// stops after the first session.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts client connections
// and serves their sessions.
type Server struct {
	// config is the transport configuration.
	config *service.Config
	// adapter is shared by the sessions.
	adapter *Config
	// listener is used to accept client connections.
	listener net.Listener
	// stopChan is closed when the server is Stop()-ed.
	stopChan chan struct{}
	log      logflags.Logger

	mu sync.Mutex
	// conn is the connection of the current session.
	conn   net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ service.Server = (*Server)(nil)

// NewServer creates a new DAP Server. It takes an opened Listener via
// config and assumes its ownership. Once config.DisconnectChan is closed,
// Stop must be called.
func NewServer(config *service.Config, adapter *Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config:   config,
		adapter:  adapter,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		log:      logger,
	}
}

// Stop closes the listener and the connection of the current session and
// waits for the session to end. It must not be called more than once.
func (s *Server) Stop() {
	close(s.stopChan)
	s.listener.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// signalDisconnect closes config.DisconnectChan if not nil. It is only
// called from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts client connections and
// serves their sessions. Use Stop() to close the listener.
func (s *Server) Run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.signalDisconnect()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if !s.stopped() {
					s.log.Errorf("Error accepting client connection: %s", err)
				}
				return
			}
			if s.config.CheckLocalConnUser && !sameuser.CanAccept(s.listener.Addr(), conn.LocalAddr(), conn.RemoteAddr()) {
				conn.Close()
				continue
			}
			s.serve(conn)
			if !s.config.AcceptMulti || s.stopped() {
				return
			}
		}
	}()
}

func (s *Server) serve(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn, s.cancel = conn, cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn, s.cancel = nil, nil
		s.mu.Unlock()
		cancel()
		conn.Close()
	}()

	s.log.Debugf("new debug session from %v", conn.RemoteAddr())
	if err := endOfSession(NewSession(s.adapter, codec.FromConn(conn)).Run(ctx)); err != nil && !s.stopped() {
		s.log.Errorf("debug session: %v", err)
	}
	s.log.Debug("end of the debug session")
}

// ServeStdio runs one debug session over the standard input and output of
// the adapter.
func ServeStdio(ctx context.Context, adapter *Config) error {
	logflags.DAPLogger().Debug("starting on stdio")
	return endOfSession(NewSession(adapter, codec.New(os.Stdin, os.Stdout, nil)).Run(ctx))
}

// endOfSession drops the errors of a session that ended normally: the
// client hung up or the adapter was asked to stop.
func endOfSession(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connectTimeout bounds the time spent retrying to reach the client.
const connectTimeout = 10 * time.Second

// ConnectAndServe connects to a client listening on addr and runs one debug
// session over the connection. When authToken is not empty it is sent as
// an Auth-Token header before the first message.
func ConnectAndServe(ctx context.Context, addr, authToken string, adapter *Config) error {
	log := logflags.DAPLogger()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = connectTimeout
	var conn net.Conn
	dial := func() error {
		log.Debugf("connecting to %s", addr)
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if authToken != "" {
		if _, err := fmt.Fprintf(conn, "Auth-Token: %s\r\n", authToken); err != nil {
			return err
		}
	}
	return endOfSession(NewSession(adapter, codec.FromConn(conn)).Run(ctx))
}
