package mux

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/service/dap/codec"
	"github.com/go-delve/ndap/service/dap/protocol"
)

type readResult struct {
	msg protocol.Message
	err error
}

// pipe is an in-memory Channel. Messages pushed to in are read by the
// session; messages written by the session appear on out.
type pipe struct {
	in  chan readResult
	out chan interface{}
}

func newPipe() *pipe {
	return &pipe{in: make(chan readResult, 16), out: make(chan interface{}, 256)}
}

func (p *pipe) ReadMessage() (protocol.Message, error) {
	r, ok := <-p.in
	if !ok {
		return protocol.Message{}, io.EOF
	}
	return r.msg, r.err
}

func (p *pipe) WriteMessage(v interface{}) error {
	p.out <- v
	return nil
}

func (p *pipe) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case v := <-p.out:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound message")
		return nil
	}
}

func clientRequest(seq int, command string) protocol.Message {
	return protocol.Message{Request: &protocol.Request{Request: dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
		Command:         command,
	}}}
}

func start(t *testing.T) (*Session, *pipe, chan error) {
	p := newPipe()
	s := New(p)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		select {
		case <-s.Done():
		default:
			close(p.in)
			<-s.Done()
		}
	})
	return s, p, errc
}

func TestSeqMonotonic(t *testing.T) {
	s, p, _ := start(t)

	require.NoError(t, s.SendEvent(protocol.NewEvent("initialized", nil)))
	require.NoError(t, s.SendEvent(protocol.NewEvent("output", protocol.OutputEventBody{Category: "console", Output: "hi"})))
	require.NoError(t, s.SendResponse(&protocol.Response{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		RequestSeq:      3, Success: true, Command: "threads",
	}}))

	last := 0
	for i := 0; i < 3; i++ {
		var seq int
		switch m := p.next(t).(type) {
		case *protocol.Event:
			seq = m.Seq
		case *protocol.Response:
			seq = m.Seq
			assert.Equal(t, 3, m.RequestSeq)
		}
		assert.Greater(t, seq, last)
		last = seq
	}
	assert.Equal(t, 3, last)
}

func TestRequestsFanOut(t *testing.T) {
	s, p, _ := start(t)
	a, err := s.SubscribeRequests()
	require.NoError(t, err)
	b, err := s.SubscribeRequests()
	require.NoError(t, err)

	p.in <- readResult{msg: clientRequest(1, "initialize")}
	for _, ch := range []<-chan *protocol.Request{a, b} {
		select {
		case req := <-ch:
			assert.Equal(t, "initialize", req.Command)
		case <-time.After(5 * time.Second):
			t.Fatal("request not delivered")
		}
	}
}

func TestReverseRequest(t *testing.T) {
	s, p, _ := start(t)

	type result struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.SendRequest(context.Background(), "runInTerminal", protocol.RunInTerminalArguments{Kind: "integrated", Args: []string{"x"}})
		done <- result{resp, err}
	}()

	req, ok := p.next(t).(*protocol.Request)
	require.True(t, ok)
	assert.Equal(t, "runInTerminal", req.Command)

	// An unrelated response is dropped.
	p.in <- readResult{msg: protocol.Message{Response: &protocol.Response{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"},
		RequestSeq:      req.Seq + 100, Success: true, Command: "runInTerminal",
	}}}}
	p.in <- readResult{msg: protocol.Message{Response: &protocol.Response{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: 2, Type: "response"},
		RequestSeq:      req.Seq, Success: true, Command: "runInTerminal",
	}}}}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, req.Seq, r.resp.RequestSeq)
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
	}
}

func TestReverseRequestFailed(t *testing.T) {
	s, p, _ := start(t)
	done := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "runInTerminal", nil)
		done <- err
	}()
	req := p.next(t).(*protocol.Request)
	p.in <- readResult{msg: protocol.Message{Response: &protocol.Response{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"},
		RequestSeq:      req.Seq, Command: "runInTerminal", Message: "no terminal",
	}}}}
	err := <-done
	var re *ResponseError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "no terminal", re.Message)
}

func TestMalformedMessage(t *testing.T) {
	_, p, _ := start(t)
	p.in <- readResult{err: &codec.DeserializeError{Err: errors.New("bad"), RequestSeq: 12, Command: "launch"}}

	resp, ok := p.next(t).(*protocol.Response)
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, 12, resp.RequestSeq)
	assert.Equal(t, "Malformed message", resp.Message)
	assert.Equal(t, 1, resp.Seq)

	// The session keeps serving.
	p.in <- readResult{msg: clientRequest(13, "threads")}
}

func TestSessionGone(t *testing.T) {
	s, p, errc := start(t)
	reqs, err := s.SubscribeRequests()
	require.NoError(t, err)

	pendingErr := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "runInTerminal", nil)
		pendingErr <- err
	}()
	p.next(t)

	close(p.in)
	require.NoError(t, <-errc)

	_, open := <-reqs
	assert.False(t, open)
	assert.Equal(t, ErrSessionGone, <-pendingErr)
	assert.Equal(t, ErrSessionGone, s.SendEvent(protocol.NewEvent("terminated", nil)))
	_, err = s.SubscribeEvents()
	assert.Equal(t, ErrSessionGone, err)
}

func TestFatalReadError(t *testing.T) {
	_, p, errc := start(t)
	p.in <- readResult{err: errors.New("reading body: unexpected EOF")}
	assert.Error(t, <-errc)
}

func TestLaggingSubscriber(t *testing.T) {
	s, p, _ := start(t)
	evs, err := s.SubscribeEvents()
	require.NoError(t, err)
	fast, err := s.SubscribeEvents()
	require.NoError(t, err)

	n := SubscriberCapacity + 5
	for i := 1; i <= n; i++ {
		p.in <- readResult{msg: protocol.Message{Event: &protocol.Event{Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: i, Type: "event"},
			Event:           "custom",
		}}}}
		ev := <-fast
		assert.Equal(t, i, ev.Seq)
	}

	// The slow subscriber lost the oldest events but kept the newest.
	first := <-evs
	assert.Equal(t, n-SubscriberCapacity+1, first.Seq)
	for i := 1; i < SubscriberCapacity; i++ {
		<-evs
	}
	assert.Len(t, evs, 0)
}

func TestReverseRequestCancelled(t *testing.T) {
	s, p, _ := start(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(ctx, "runInTerminal", nil)
		done <- err
	}()
	req := p.next(t).(*protocol.Request)
	require.Eventually(t, func() bool { return s.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	// a late answer finds nobody waiting
	p.in <- readResult{msg: protocol.Message{Response: &protocol.Response{Response: dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "response"},
		RequestSeq:      req.Seq, Success: true, Command: "runInTerminal",
	}}}}
	assert.Equal(t, 0, s.Pending())
}
