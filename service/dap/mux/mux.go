// Package mux multiplexes one DAP channel between the debug session and
// the client. It fans inbound requests and events out to subscribers,
// stamps outbound messages with increasing sequence numbers and matches
// responses to the reverse requests the adapter sent.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/smallnest/chanx"

	"github.com/go-delve/ndap/pkg/logflags"
	"github.com/go-delve/ndap/service/dap/codec"
	"github.com/go-delve/ndap/service/dap/protocol"
)

// SubscriberCapacity is the number of messages a subscriber may lag behind
// before the oldest are dropped.
const SubscriberCapacity = 100

// ErrSessionGone is returned once the dispatcher has exited.
var ErrSessionGone = errors.New("DAP session is gone")

// Channel is a framed DAP connection, see codec.Codec.
type Channel interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(v interface{}) error
}

// ResponseError is returned by SendRequest when the client answered with a
// failed response.
type ResponseError struct {
	Command string
	Message string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return e.Command + " failed"
	}
	return e.Message
}

type outbound struct {
	msg interface{}
	// reply receives the response to a request.
	reply chan *protocol.Response
	// abandoned is set when the sender stopped waiting for reply.
	abandoned *atomic.Bool
}

type inbound struct {
	msg protocol.Message
	err error
}

// Session is the sending side of a multiplexed channel. It is safe for
// concurrent use. Run must be called exactly once to drive the dispatcher.
type Session struct {
	ch  Channel
	out *chanx.UnboundedChan[outbound]

	stopOut context.CancelFunc
	done    chan struct{}

	// forget carries the reply channels of abandoned reverse requests to
	// the dispatcher.
	forget   chan chan *protocol.Response
	nPending atomic.Int32

	mu          sync.Mutex
	gone        bool
	requestSubs []chan *protocol.Request
	eventSubs   []chan *protocol.Event

	log logflags.Logger
}

// New returns a session over ch. Outbound messages are queued until Run is
// called.
func New(ch Channel) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ch:      ch,
		out:     chanx.NewUnboundedChan[outbound](ctx, 64),
		stopOut: cancel,
		done:    make(chan struct{}),
		forget:  make(chan chan *protocol.Response),
		log:     logflags.DAPLogger(),
	}
}

// SubscribeRequests returns a channel receiving every inbound request. It
// is closed when the dispatcher exits.
func (s *Session) SubscribeRequests() (<-chan *protocol.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return nil, ErrSessionGone
	}
	ch := make(chan *protocol.Request, SubscriberCapacity)
	s.requestSubs = append(s.requestSubs, ch)
	return ch, nil
}

// SubscribeEvents returns a channel receiving every inbound event. It is
// closed when the dispatcher exits.
func (s *Session) SubscribeEvents() (<-chan *protocol.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return nil, ErrSessionGone
	}
	ch := make(chan *protocol.Event, SubscriberCapacity)
	s.eventSubs = append(s.eventSubs, ch)
	return ch, nil
}

// Done is closed when the dispatcher has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) enqueue(o outbound) error {
	select {
	case <-s.done:
		return ErrSessionGone
	default:
	}
	select {
	case s.out.In <- o:
		return nil
	case <-s.done:
		return ErrSessionGone
	}
}

// SendResponse queues resp. Its seq is assigned on egress.
func (s *Session) SendResponse(resp *protocol.Response) error {
	return s.enqueue(outbound{msg: resp})
}

// SendEvent queues ev. Its seq is assigned on egress.
func (s *Session) SendEvent(ev *protocol.Event) error {
	return s.enqueue(outbound{msg: ev})
}

// SendRequest sends a reverse request and waits for the client's response.
// A failed response is returned as a *ResponseError.
func (s *Session) SendRequest(ctx context.Context, command string, args interface{}) (*protocol.Response, error) {
	req, err := protocol.NewRequest(command, args)
	if err != nil {
		return nil, err
	}
	reply := make(chan *protocol.Response, 1)
	abandoned := new(atomic.Bool)
	if err := s.enqueue(outbound{msg: req, reply: reply, abandoned: abandoned}); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrSessionGone
		}
		if !resp.Success {
			return resp, &ResponseError{Command: command, Message: resp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		abandoned.Store(true)
		select {
		case s.forget <- reply:
		case <-s.done:
		}
		return nil, ctx.Err()
	}
}

// Pending returns the number of reverse requests waiting for a response.
func (s *Session) Pending() int { return int(s.nPending.Load()) }

// Run dispatches messages until the client closes the channel, a write
// fails or ctx is done. Waiters on pending reverse requests are released
// with ErrSessionGone and subscriber channels are closed.
func (s *Session) Run(ctx context.Context) error {
	in := make(chan inbound)
	stopRead := make(chan struct{})
	go func() {
		for {
			msg, err := s.ch.ReadMessage()
			var de *codec.DeserializeError
			select {
			case in <- inbound{msg, err}:
			case <-stopRead:
				return
			}
			if err != nil && !errors.As(err, &de) {
				return
			}
		}
	}()

	pending := make(map[int]chan *protocol.Response)
	seq := 0
	defer func() {
		close(stopRead)
		s.mu.Lock()
		s.gone = true
		for _, ch := range s.requestSubs {
			close(ch)
		}
		for _, ch := range s.eventSubs {
			close(ch)
		}
		s.requestSubs, s.eventSubs = nil, nil
		s.mu.Unlock()
		for _, reply := range pending {
			close(reply)
		}
		close(s.done)
		s.stopOut()
	}()

	write := func(msg interface{}) error {
		seq++
		switch m := msg.(type) {
		case *protocol.Request:
			m.Seq = seq
		case *protocol.Response:
			m.Seq = seq
		case *protocol.Event:
			m.Seq = seq
		}
		if logflags.DAP() {
			data, _ := json.Marshal(msg)
			s.log.Debug("[-> to client]", string(data))
		}
		return s.ch.WriteMessage(msg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case o, ok := <-s.out.Out:
			if !ok {
				return ErrSessionGone
			}
			if o.abandoned != nil && o.abandoned.Load() {
				// cancelled before it was sent
				continue
			}
			if err := write(o.msg); err != nil {
				s.log.Errorf("write failed: %v", err)
				return err
			}
			if req, isReq := o.msg.(*protocol.Request); isReq && o.reply != nil {
				pending[req.Seq] = o.reply
				s.nPending.Store(int32(len(pending)))
			}

		case reply := <-s.forget:
			for seq, ch := range pending {
				if ch == reply {
					delete(pending, seq)
				}
			}
			s.nPending.Store(int32(len(pending)))

		case r := <-in:
			if r.err != nil {
				var de *codec.DeserializeError
				if errors.As(r.err, &de) {
					s.log.Errorf("Deserialization error: %v", de.Err)
					resp := protocol.NewErrorResponse(de.RequestSeq, de.Command, 0, "Malformed message", false)
					resp.Body = nil
					if err := write(resp); err != nil {
						return err
					}
					continue
				}
				if r.err == io.EOF {
					s.log.Debug("The client has disconnected")
					return nil
				}
				s.log.Errorf("Frame decoder error: %v", r.err)
				return r.err
			}
			s.dispatch(r.msg, pending)
		}
	}
}

func (s *Session) dispatch(msg protocol.Message, pending map[int]chan *protocol.Response) {
	if logflags.DAP() {
		var v interface{} = msg.Request
		if msg.Response != nil {
			v = msg.Response
		} else if msg.Event != nil {
			v = msg.Event
		}
		data, _ := json.Marshal(v)
		s.log.Debug("[<- from client]", string(data))
	}
	switch {
	case msg.Request != nil:
		s.mu.Lock()
		for _, ch := range s.requestSubs {
			broadcast(ch, msg.Request, s.log)
		}
		s.mu.Unlock()
	case msg.Event != nil:
		s.mu.Lock()
		for _, ch := range s.eventSubs {
			broadcast(ch, msg.Event, s.log)
		}
		s.mu.Unlock()
	case msg.Response != nil:
		reply, ok := pending[msg.Response.RequestSeq]
		if !ok {
			s.log.Errorf("Received response without a pending request (request_seq=%d)", msg.Response.RequestSeq)
			return
		}
		delete(pending, msg.Response.RequestSeq)
		s.nPending.Store(int32(len(pending)))
		reply <- msg.Response
	}
}

// broadcast delivers v to ch, dropping the oldest queued message if the
// subscriber has fallen behind.
func broadcast[T any](ch chan T, v T, log logflags.Logger) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case old := <-ch:
			log.Warnf("subscriber lagging, dropped %T", old)
		default:
		}
	}
}
