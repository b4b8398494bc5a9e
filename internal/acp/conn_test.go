package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer simulates the agent side of the pipe: it reads the lines the Conn
// writes and can push lines back.
type testPeer struct {
	t       *testing.T
	conn    *Conn
	toConn  io.WriteCloser
	scanner *bufio.Scanner
}

func newTestPeer(t *testing.T, handler Handler) *testPeer {
	t.Helper()

	connIn, peerOut := io.Pipe()
	peerIn, connOut := io.Pipe()

	conn := NewConn(nil, connIn, connOut, handler)
	t.Cleanup(func() {
		peerOut.Close()
		connOut.Close()
	})

	return &testPeer{
		t:       t,
		conn:    conn,
		toConn:  peerOut,
		scanner: bufio.NewScanner(peerIn),
	}
}

func (p *testPeer) readLine() map[string]json.RawMessage {
	p.t.Helper()
	require.True(p.t, p.scanner.Scan(), "expected a line from the connection")
	var msg map[string]json.RawMessage
	require.NoError(p.t, json.Unmarshal(p.scanner.Bytes(), &msg))
	return msg
}

func (p *testPeer) writeLine(v any) {
	p.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(p.t, err)
	data = append(data, '\n')
	_, err = p.toConn.Write(data)
	require.NoError(p.t, err)
}

type recordingHandler struct {
	requests      chan string
	notifications chan string
	result        any
	err           *Error
}

func (h *recordingHandler) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, *Error) {
	if h.requests != nil {
		h.requests <- method
	}
	return h.result, h.err
}

func (h *recordingHandler) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	if h.notifications != nil {
		h.notifications <- method
	}
}

func TestCall_RoundTrip(t *testing.T) {
	t.Parallel()

	peer := newTestPeer(t, nil)

	type result struct {
		Greeting string `json:"greeting"`
	}
	done := make(chan error, 1)
	var got result
	go func() {
		done <- peer.conn.Call(context.Background(), "session/new", map[string]any{"cwd": "/tmp"}, &got)
	}()

	msg := peer.readLine()
	var method string
	require.NoError(t, json.Unmarshal(msg["method"], &method))
	assert.Equal(t, "session/new", method)
	var id int64
	require.NoError(t, json.Unmarshal(msg["id"], &id))

	peer.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]string{"greeting": "hello"},
	})

	require.NoError(t, <-done)
	assert.Equal(t, "hello", got.Greeting)
}

func TestCall_ErrorResponse(t *testing.T) {
	t.Parallel()

	peer := newTestPeer(t, nil)

	done := make(chan error, 1)
	go func() {
		done <- peer.conn.Call(context.Background(), "session/prompt", nil, nil)
	}()

	msg := peer.readLine()
	var id int64
	require.NoError(t, json.Unmarshal(msg["id"], &id))

	peer.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": CodeInvalidParams, "message": "bad params"},
	})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad params")
}

func TestCall_ContextCancellation(t *testing.T) {
	t.Parallel()

	peer := newTestPeer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- peer.conn.Call(ctx, "session/prompt", nil, nil)
	}()

	peer.readLine() // request goes out, no response comes back
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCall_ConnClosed(t *testing.T) {
	t.Parallel()

	peer := newTestPeer(t, nil)

	done := make(chan error, 1)
	go func() {
		done <- peer.conn.Call(context.Background(), "session/prompt", nil, nil)
	}()
	peer.readLine()

	require.NoError(t, peer.toConn.Close())
	assert.ErrorIs(t, <-done, ErrConnClosed)

	select {
	case <-peer.conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done must close after EOF")
	}

	// Calls after close fail immediately.
	assert.ErrorIs(t, peer.conn.Call(context.Background(), "session/prompt", nil, nil), ErrConnClosed)
}

func TestServeIncomingRequest(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{
		requests: make(chan string, 1),
		result:   map[string]string{"content": "file body"},
	}
	peer := newTestPeer(t, handler)

	peer.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"id":      7,
		"method":  "fs/read_text_file",
		"params":  map[string]any{"path": "notes.txt"},
	})

	assert.Equal(t, "fs/read_text_file", <-handler.requests)

	resp := peer.readLine()
	var id int64
	require.NoError(t, json.Unmarshal(resp["id"], &id))
	assert.Equal(t, int64(7), id)
	assert.Contains(t, string(resp["result"]), "file body")
	assert.NotContains(t, resp, "error")
}

func TestServeIncomingRequest_Error(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{err: NewError(CodeAccessDenied, "access denied")}
	peer := newTestPeer(t, handler)

	peer.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"id":      8,
		"method":  "fs/write_text_file",
	})

	resp := peer.readLine()
	assert.Contains(t, string(resp["error"]), "access denied")
}

func TestNotificationDispatch(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{notifications: make(chan string, 1)}
	peer := newTestPeer(t, handler)

	peer.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"method":  "session/update",
		"params":  map[string]any{"sessionId": "x"},
	})

	select {
	case method := <-handler.notifications:
		assert.Equal(t, "session/update", method)
	case <-time.After(time.Second):
		t.Fatal("notification was not dispatched")
	}
}

func TestReadLoop_SkipsGarbageLines(t *testing.T) {
	t.Parallel()

	handler := &recordingHandler{notifications: make(chan string, 1)}
	peer := newTestPeer(t, handler)

	_, err := peer.toConn.Write([]byte("this is not json\n\n"))
	require.NoError(t, err)
	peer.writeLine(map[string]any{"jsonrpc": "2.0", "method": "session/update"})

	select {
	case method := <-handler.notifications:
		assert.Equal(t, "session/update", method)
	case <-time.After(time.Second):
		t.Fatal("valid message after garbage must still dispatch")
	}
}
