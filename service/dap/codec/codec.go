// Package codec reads and writes DAP frames: a header block terminated by
// an empty line, of which only Content-Length is used, followed by a JSON
// body of that many bytes.
package codec

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-dap"

	"github.com/go-delve/ndap/service/dap/protocol"
)

// ErrOriginHeader is returned when a frame carries an Origin header. Such
// a frame comes from a browser, not from a DAP client.
var ErrOriginHeader = errors.New("Origin header is not allowed")

// DeserializeError is returned by ReadMessage for a complete frame whose
// body could not be decoded, but which carries the seq of the request it
// was meant to be. The stream is still usable.
type DeserializeError struct {
	Err        error
	RequestSeq int
	Command    string
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("could not decode message %d: %v", e.RequestSeq, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

// Codec is a framed DAP channel. ReadMessage must be called from one
// goroutine at a time; WriteMessage is safe for concurrent use.
type Codec struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	closer io.Closer
}

// New returns a codec reading from r and writing to w. Close closes c, if
// not nil.
func New(r io.Reader, w io.Writer, c io.Closer) *Codec {
	return &Codec{r: bufio.NewReader(r), w: bufio.NewWriter(w), closer: c}
}

// FromConn returns a codec over a bidirectional connection.
func FromConn(rwc io.ReadWriteCloser) *Codec {
	return New(rwc, rwc, rwc)
}

// ReadFrame returns the body of the next frame.
func (c *Codec) ReadFrame() ([]byte, error) {
	length := -1
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && length < 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("reading header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-length":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid Content-Length %q", value)
			}
			length = n
		case "origin":
			return nil, ErrOriginHeader
		}
	}
	if length < 0 {
		return nil, errors.New("missing Content-Length header")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

// ReadMessage reads and decodes the next message. A *DeserializeError
// leaves the stream usable; any other error ends it.
func (c *Codec) ReadMessage() (protocol.Message, error) {
	body, err := c.ReadFrame()
	if err != nil {
		return protocol.Message{}, err
	}
	msg, err := protocol.Decode(body)
	if err == nil {
		return msg, nil
	}
	var head struct {
		Seq     *int   `json:"seq"`
		Command string `json:"command"`
	}
	if json.Unmarshal(body, &head) == nil && head.Seq != nil {
		return protocol.Message{}, &DeserializeError{Err: err, RequestSeq: *head.Seq, Command: head.Command}
	}
	return protocol.Message{}, fmt.Errorf("could not decode message: %w", err)
}

// WriteMessage encodes v, one of the protocol message types, as a frame.
func (c *Codec) WriteMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := dap.WriteBaseMessage(c.w, data); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Codec) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
