// Package protocol holds the DAP message envelope and the request, response
// and event bodies spoken by the adapter, including its "_" prefixed
// extensions. The envelope embeds the go-dap base types; bodies are kept as
// raw JSON until a handler asks for them, so that unknown commands and
// custom requests travel through the same path as standard ones.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-dap"
)

// Request is an inbound or reverse request.
type Request struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response answers a Request. Body is json.RawMessage for decoded
// responses and any marshalable value for outbound ones.
type Response struct {
	dap.Response
	Body interface{} `json:"body,omitempty"`
}

// Event is an event in either direction.
type Event struct {
	dap.Event
	Body interface{} `json:"body,omitempty"`
}

// Name returns the event type, such as "stopped".
func (e *Event) Name() string { return e.Event.Event }

// Message is one decoded protocol message; exactly one field is set.
type Message struct {
	Request  *Request
	Response *Response
	Event    *Event
}

// Seq returns the sequence number of the message.
func (m Message) Seq() int {
	switch {
	case m.Request != nil:
		return m.Request.Seq
	case m.Response != nil:
		return m.Response.Seq
	case m.Event != nil:
		return m.Event.Seq
	}
	return 0
}

type rawMessage struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Command    string          `json:"command"`
	Arguments  json.RawMessage `json:"arguments"`
	RequestSeq int             `json:"request_seq"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
}

// Decode parses one message body.
func Decode(data []byte) (Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, err
	}
	pm := dap.ProtocolMessage{Seq: raw.Seq, Type: raw.Type}
	switch raw.Type {
	case "request":
		if raw.Command == "" {
			return Message{}, fmt.Errorf("request %d has no command", raw.Seq)
		}
		return Message{Request: &Request{
			Request:   dap.Request{ProtocolMessage: pm, Command: raw.Command},
			Arguments: raw.Arguments,
		}}, nil
	case "response":
		r := &Response{Response: dap.Response{
			ProtocolMessage: pm,
			RequestSeq:      raw.RequestSeq,
			Success:         raw.Success,
			Command:         raw.Command,
			Message:         raw.Message,
		}}
		if len(raw.Body) > 0 {
			r.Body = raw.Body
		}
		return Message{Response: r}, nil
	case "event":
		e := &Event{Event: dap.Event{ProtocolMessage: pm, Event: raw.Event}}
		if len(raw.Body) > 0 {
			e.Body = raw.Body
		}
		return Message{Event: e}, nil
	}
	return Message{}, fmt.Errorf("unknown message type %q", raw.Type)
}

// DecodeArguments unmarshals the request's arguments into v. Missing or
// null arguments leave v untouched.
func DecodeArguments(req *Request, v interface{}) error {
	if isNull(req.Arguments) {
		return nil
	}
	if err := json.Unmarshal(req.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments for '%s': %w", req.Command, err)
	}
	return nil
}

// DecodeBody unmarshals the body of a decoded response into v.
func DecodeBody(resp *Response, v interface{}) error {
	raw, _ := resp.Body.(json.RawMessage)
	if isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// NewRequest returns a request for command. Seq is assigned when sent.
func NewRequest(command string, args interface{}) (*Request, error) {
	req := &Request{Request: dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req.Arguments = data
	}
	return req, nil
}

// NewResponse returns a successful response to req.
func NewResponse(req *Request, body interface{}) *Response {
	return &Response{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      req.Seq,
			Success:         true,
			Command:         req.Command,
		},
		Body: body,
	}
}

// ErrorResponseBody is the body of a failed response.
type ErrorResponseBody struct {
	Error *dap.ErrorMessage `json:"error,omitempty"`
}

// NewErrorResponse returns a failed response to the request with the given
// seq and command.
func NewErrorResponse(requestSeq int, command string, id int, message string, showUser bool) *Response {
	return &Response{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			RequestSeq:      requestSeq,
			Success:         false,
			Command:         command,
			Message:         message,
		},
		Body: ErrorResponseBody{Error: &dap.ErrorMessage{
			Id:       id,
			Format:   message,
			ShowUser: showUser,
		}},
	}
}

// NewEvent returns an event. Seq is assigned when sent.
func NewEvent(event string, body interface{}) *Event {
	return &Event{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           event,
		},
		Body: body,
	}
}
