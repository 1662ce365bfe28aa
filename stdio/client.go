package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-client-go/internal/logctx"
	"github.com/google/uuid"
)

var (
	// ErrClientClosed indicates the client has been closed or its stream torn down.
	ErrClientClosed = errors.New("stdio client closed")
	// ErrNoResponse indicates the stream ended before a matching response
	// arrived. It is connection loss, not a valid empty result.
	ErrNoResponse = errors.New("stream ended before a matching response arrived")
	// ErrRequestIDInFlight indicates a caller-chosen request id collides with
	// an outstanding call on the same connection.
	ErrRequestIDInFlight = errors.New("request id already in flight")
)

// DiscardReason classifies why an incoming line was dropped.
type DiscardReason string

const (
	// DiscardMalformed marks a line that did not parse as a JSON-RPC message.
	DiscardMalformed DiscardReason = "malformed"
	// DiscardUnmatched marks a response whose id matched no outstanding call.
	DiscardUnmatched DiscardReason = "unmatched"
)

// RequestHandler answers a server-initiated request. A nil *jsonrpc.Error
// return means result is marshaled into a success response.
type RequestHandler func(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error)

// Client correlates JSON-RPC calls over a newline-delimited stream pair. A
// background read loop routes each incoming response to the call that is
// waiting on its id, so concurrent outstanding calls never lose interleaved
// responses. Request ids are drawn from a per-client counter; they must stay
// unique for the lifetime of the connection.
type Client struct {
	t    *Transport
	proc *process

	log     *slog.Logger
	baseCtx context.Context
	connID  string

	discard      func(line []byte, reason DiscardReason)
	grace        time.Duration
	maxLineBytes int

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Response
	closed  bool

	notifMu   sync.RWMutex
	notifSubs []func(method string, params json.RawMessage)

	reqMu     sync.RWMutex
	reqRoutes map[string]RequestHandler

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewClient attaches a client to an already-open stream pair: r is the peer's
// output (responses), w is the peer's input (requests). Use StartCommand to
// spawn and own a child process instead.
func NewClient(r io.Reader, w io.Writer, opts ...Option) *Client {
	return newClient(r, w, nil, "", opts...)
}

func newClient(r io.Reader, w io.Writer, proc *process, label string, opts ...Option) *Client {
	c := &Client{
		proc:         proc,
		log:          slog.Default(),
		connID:       uuid.NewString(),
		grace:        5 * time.Second,
		maxLineBytes: DefaultMaxLineBytes,
		pending:      make(map[string]chan *jsonrpc.Response),
		reqRoutes:    make(map[string]RequestHandler),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = slog.New(logctx.Handler{Handler: c.log.Handler()})
	c.baseCtx = logctx.WithConnData(context.Background(), &logctx.ConnData{
		ConnID:  c.connID,
		Command: label,
	})

	c.t = NewTransport(r, w)
	c.t.setMaxLineBytes(c.maxLineBytes)

	go c.readLoop()
	return c
}

// Call sends a request with the next id from the client's counter and blocks
// until the matching response arrives, the stream ends (ErrNoResponse), or
// ctx is done. A response whose error member is set is returned as-is: a
// JSON-RPC error is a normal negative outcome, not a transport fault.
func (c *Client) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := jsonrpc.NewRequestID(c.nextID.Add(1))
	return c.CallWithID(ctx, id, method, params)
}

// CallWithID is Call with a caller-chosen request id. The id must not collide
// with an outstanding call; keeping ids unique across the connection's
// lifetime is the caller's responsibility.
func (c *Client) CallWithID(ctx context.Context, id *jsonrpc.RequestID, method string, params any) (*jsonrpc.Response, error) {
	if id.IsNil() {
		return nil, errors.New("request id must not be empty")
	}

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	key := id.String()
	ch := make(chan *jsonrpc.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestIDInFlight, key)
	}
	c.pending[key] = ch
	c.mu.Unlock()

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, ID: key, Type: "request"})
	if err := c.t.Send(req); err != nil {
		c.unregister(key)
		return nil, fmt.Errorf("send request: %w", err)
	}
	c.log.DebugContext(ctx, "request sent")

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNoResponse
		}
		return resp, nil
	case <-ctx.Done():
		c.unregister(key)
		return nil, ctx.Err()
	}
}

// Notify sends a message carrying no id and returns as soon as it is written.
// No response is ever expected or awaited.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClientClosed
	}

	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, Type: "notification"})
	if err := c.t.Send(n); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	c.log.DebugContext(ctx, "notification sent")
	return nil
}

// OnNotification registers a handler for peer notifications. Handlers run on
// the read loop in arrival order and should not block.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) {
	if fn == nil {
		return
	}
	c.notifMu.Lock()
	c.notifSubs = append(c.notifSubs, fn)
	c.notifMu.Unlock()
}

// HandleRequest routes server-initiated requests for the given method to fn.
// Requests with no registered handler are answered with a method-not-found
// error so well-behaved peers can move on.
func (c *Client) HandleRequest(method string, fn RequestHandler) {
	if method == "" || fn == nil {
		return
	}
	c.reqMu.Lock()
	c.reqRoutes[method] = fn
	c.reqMu.Unlock()
}

// Close tears down the connection: outstanding calls fail with ErrNoResponse
// and, when the client owns a child process, the child is shut down with a
// graceful-then-forceful escalation. Close is idempotent.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

// Done is closed once the connection has fully shut down (stream ended or
// Close was called, and any owned child process has been reaped).
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for key, ch := range c.pending {
			delete(c.pending, key)
			close(ch)
		}
		c.mu.Unlock()

		if c.proc != nil {
			c.proc.shutdown(c.grace, c.log)
		}
		close(c.done)
	})
}

func (c *Client) unregister(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		line, err := c.t.ReceiveLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.LogAttrs(c.baseCtx, slog.LevelWarn, "stream read failed", slog.String("err", err.Error()))
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.discardLine(line, DiscardMalformed)
			continue
		}

		switch msg.Type() {
		case "response":
			c.routeResponse(msg.AsResponse(), line)
		case "notification":
			c.dispatchNotification(msg.Method, msg.Params)
		case "request":
			go c.handlePeerRequest(msg.AsRequest())
		}
	}
}

func (c *Client) routeResponse(resp *jsonrpc.Response, line []byte) {
	key := resp.ID.String()

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.discardLine(line, DiscardUnmatched)
		return
	}
	ch <- resp
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.notifMu.RLock()
	subs := append([]func(string, json.RawMessage){}, c.notifSubs...)
	c.notifMu.RUnlock()

	ctx := logctx.WithRPCMessage(c.baseCtx, &logctx.RPCMessage{Method: method, Type: "notification"})
	c.log.DebugContext(ctx, "notification received")
	for _, fn := range subs {
		fn(method, params)
	}
}

func (c *Client) handlePeerRequest(req *jsonrpc.Request) {
	c.reqMu.RLock()
	handler := c.reqRoutes[req.Method]
	c.reqMu.RUnlock()

	ctx := logctx.WithRPCMessage(c.baseCtx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	if handler == nil {
		c.log.DebugContext(ctx, "no handler for server request")
		resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
		if err := c.t.Send(resp); err != nil {
			c.log.WarnContext(ctx, "send error response failed", slog.String("err", err.Error()))
		}
		return
	}

	result, rpcErr := handler(ctx, req)
	var resp *jsonrpc.Response
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		var err error
		resp, err = jsonrpc.NewResultResponse(req.ID, result)
		if err != nil {
			c.log.WarnContext(ctx, "marshal handler result failed", slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}
	if err := c.t.Send(resp); err != nil {
		c.log.WarnContext(ctx, "send response failed", slog.String("err", err.Error()))
	}
}

func (c *Client) discardLine(line []byte, reason DiscardReason) {
	c.log.LogAttrs(c.baseCtx, slog.LevelDebug, "discarding line",
		slog.String("reason", string(reason)),
		slog.Int("len", len(line)),
	)
	if c.discard != nil {
		c.discard(line, reason)
	}
}
