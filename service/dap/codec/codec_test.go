package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/ndap/service/dap/protocol"
)

func reader(s string) *Codec {
	return New(strings.NewReader(s), io.Discard, nil)
}

func frame(body string) string {
	return "Content-Length: " + itoa(len(body)) + "\r\n\r\n" + body
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf, &buf, nil)

	req, err := protocol.NewRequest("evaluate", protocol.EvaluateArguments{Expression: "x,x", Context: "repl"})
	require.NoError(t, err)
	req.Seq = 7
	resp := protocol.NewResponse(req, protocol.EvaluateResponseBody{Result: "0xff"})
	resp.Seq = 8
	ev := protocol.NewEvent("stopped", protocol.StoppedEventBody{Reason: "entry", ThreadID: 1, AllThreadsStopped: true})
	ev.Seq = 9

	for _, m := range []interface{}{req, resp, ev} {
		require.NoError(t, c.WriteMessage(m))
	}
	assert.True(t, strings.HasPrefix(buf.String(), "Content-Length: "))

	m, err := c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, m.Request)
	assert.Equal(t, 7, m.Seq())
	assert.Equal(t, "evaluate", m.Request.Command)
	var args protocol.EvaluateArguments
	require.NoError(t, protocol.DecodeArguments(m.Request, &args))
	assert.Equal(t, "x,x", args.Expression)

	m, err = c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, m.Response)
	assert.Equal(t, 7, m.Response.RequestSeq)
	assert.True(t, m.Response.Success)
	var body protocol.EvaluateResponseBody
	require.NoError(t, protocol.DecodeBody(m.Response, &body))
	assert.Equal(t, "0xff", body.Result)

	m, err = c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, m.Event)
	assert.Equal(t, "stopped", m.Event.Event.Event)
	assert.Equal(t, "stopped", m.Event.Name())
	assert.JSONEq(t, `{"reason":"entry","threadId":1,"allThreadsStopped":true}`, string(m.Event.Body.(json.RawMessage)))

	_, err = c.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestHeaderWhitespace(t *testing.T) {
	body := `{"seq":1,"type":"request","command":"initialize","arguments":{}}`
	for _, hdr := range []string{
		"Content-Length: %d\r\n\r\n",
		"content-length:%d\r\n\r\n",
		"CONTENT-LENGTH:    %d   \r\n\r\n",
		"Content-Type: application/vscode-jsonrpc\r\nContent-Length:\t%d\r\n\r\n",
		"Content-Length: %d\n\n",
	} {
		c := reader(strings.Replace(hdr, "%d", itoa(len(body)), 1) + body)
		m, err := c.ReadMessage()
		require.NoError(t, err, hdr)
		require.NotNil(t, m.Request, hdr)
		assert.Equal(t, "initialize", m.Request.Command, hdr)
	}
}

func TestOriginRejected(t *testing.T) {
	body := `{"seq":1,"type":"request","command":"initialize"}`
	c := reader("Origin: http://evil.example\r\n" + frame(body))
	_, err := c.ReadMessage()
	assert.True(t, errors.Is(err, ErrOriginHeader))
}

func TestDeserializeError(t *testing.T) {
	c := reader(frame(`{"seq":5,"type":"bogus","command":"launch"}`) + frame(`{"seq":6,"type":"request","command":"threads"}`))

	_, err := c.ReadMessage()
	var de *DeserializeError
	require.True(t, errors.As(err, &de), "%v", err)
	assert.Equal(t, 5, de.RequestSeq)
	assert.Equal(t, "launch", de.Command)

	m, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, 6, m.Seq())
}

func TestUndecodableWithoutSeq(t *testing.T) {
	for _, body := range []string{`[1,2,3]`, `{"type":"request"`, `{"seq":"one","type":"request","command":"x"}`} {
		_, err := reader(frame(body)).ReadMessage()
		require.Error(t, err, body)
		var de *DeserializeError
		assert.False(t, errors.As(err, &de), body)
	}
}

func TestMalformedHeaders(t *testing.T) {
	for _, s := range []string{
		"\r\n{}",
		"Content-Length: abc\r\n\r\n{}",
		"Content-Length: 10\r\n\r\n{}",
		"no colon here\r\n\r\n",
		"Content-Length: 2\r\n",
	} {
		_, err := reader(s).ReadMessage()
		assert.Error(t, err, "%q", s)
		assert.NotEqual(t, io.EOF, err, "%q", s)
	}
}
