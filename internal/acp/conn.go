package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// maxLineBytes bounds a single JSON-RPC line. Agents can stream large tool
// output in one message.
const maxLineBytes = 16 << 20

// ErrConnClosed is returned for calls on a connection whose read loop ended.
var ErrConnClosed = errors.New("acp: connection closed")

// Handler serves the agent's callbacks. HandleRequest returns either a result
// or a protocol error; HandleNotification has no reply channel.
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *Error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Conn is one duplex JSON-RPC connection. Writes are serialized by a mutex;
// one goroutine reads lines and dispatches them.
type Conn struct {
	logger  *slog.Logger
	handler Handler

	writeMu sync.Mutex
	writer  *bufio.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan envelope
	closed  bool

	done chan struct{}
}

// NewConn wraps the given pipes and starts the read loop. The handler serves
// incoming requests and notifications until EOF.
func NewConn(log *slog.Logger, r io.Reader, w io.Writer, handler Handler) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		logger:  log.With(slog.String("component", "acp")),
		handler: handler,
		writer:  bufio.NewWriter(w),
		pending: map[int64]chan envelope{},
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Done is closed when the read loop exits (EOF or broken pipe).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and blocks until the response, ctx cancellation or
// connection close. A non-nil result is unmarshaled from the response.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	ch := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(outgoingRequest{JSONRPC: Version, ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Conn) Notify(method string, params any) error {
	return c.writeJSON(outgoingNotification{JSONRPC: Version, Method: method, Params: params})
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Conn) readLoop(r io.Reader) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.logger.Warn("discarding unparseable message", slog.Any("error", err))
			continue
		}
		c.dispatch(env)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop ended", slog.Any("error", err))
	}
}

func (c *Conn) dispatch(env envelope) {
	switch {
	case env.Method != "" && env.ID != nil:
		c.serveRequest(env)
	case env.Method != "":
		if c.handler != nil {
			c.handler.HandleNotification(context.Background(), env.Method, env.Params)
		}
	case env.ID != nil:
		c.deliverResponse(env)
	default:
		c.logger.Warn("dropping message with neither method nor id")
	}
}

func (c *Conn) serveRequest(env envelope) {
	var result any
	var rpcErr *Error
	if c.handler == nil {
		rpcErr = NewError(CodeMethodNotFound, "no handler")
	} else {
		result, rpcErr = c.handler.HandleRequest(context.Background(), env.Method, env.Params)
	}

	resp := outgoingResponse{JSONRPC: Version, ID: *env.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	if err := c.writeJSON(resp); err != nil {
		c.logger.Warn("write response failed",
			slog.String("method", env.Method),
			slog.Any("error", err),
		)
	}
}

func (c *Conn) deliverResponse(env envelope) {
	var id int64
	if err := json.Unmarshal(*env.ID, &id); err != nil {
		c.logger.Warn("response with non-numeric id", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown call", slog.Int64("id", id))
		return
	}
	ch <- env
}
