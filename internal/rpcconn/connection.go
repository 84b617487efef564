package rpcconn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// envelope is the wire shape of every JSON-RPC 2.0 message this package
// sends or receives. Decoding classifies a message by which fields are
// present.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// wireEnvelope mirrors envelope but leaves the error member undecoded, so
// a non-object error value can be normalized rather than failing the
// whole message's unmarshal.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// NotificationHandler is invoked for every server notification.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a server-initiated request. Returning a non-nil
// *RPCError sends an error response; otherwise result is marshaled as the
// success response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (result any, rpcErr *RPCError)

type pendingCall struct {
	ch     chan envelope
	method string
}

// Conn drives one duplex JSON-RPC connection: request/response correlation,
// notification dispatch, server-initiated requests, and disposal. It is
// built on top of Codec's framing.
type Conn struct {
	logger *zap.Logger

	r      *bufio.Reader
	w      io.Writer
	closer io.Closer

	writeMu sync.Mutex

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	notifier NotificationHandler
	reqHndlr RequestHandler

	closed   atomic.Bool
	closeErr error
	done     chan struct{}
	closeMu  sync.Mutex
	onClose  func(error)
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger attaches a logger; omitted, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithOnClose registers a callback fired exactly once when the connection
// closes, carrying the error returned by closing the underlying stream (nil
// when that succeeds). The read error that ended the read loop, if any, is
// not passed.
func WithOnClose(fn func(error)) Option {
	return func(c *Conn) { c.onClose = fn }
}

// NewConn wraps a readable and writable stream (typically a child process's
// stdout/stdin) plus its closer into a Conn. Call Start to begin reading.
func NewConn(r io.Reader, w io.Writer, closer io.Closer, opts ...Option) *Conn {
	c := &Conn{
		logger:  zap.NewNop(),
		r:       bufio.NewReaderSize(r, 64*1024),
		w:       w,
		closer:  closer,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnNotification sets the handler invoked for every incoming notification.
func (c *Conn) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.notifier = h
	c.mu.Unlock()
}

// OnRequest sets the handler invoked for every server-initiated request.
func (c *Conn) OnRequest(h RequestHandler) {
	c.mu.Lock()
	c.reqHndlr = h
	c.mu.Unlock()
}

// Start begins the read loop in a background goroutine.
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// SendNotification frames and writes a notification. Fails with
// ErrConnectionClosed if the connection is disposed.
func (c *Conn) SendNotification(method string, params any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(envelope{JSONRPC: "2.0", Method: method, Params: raw})
}

// SendRequest allocates a fresh monotonically increasing id, writes the
// request, and blocks until the matching response arrives, the timeout
// elapses, or the connection closes.
func (c *Conn) SendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	id := c.nextID.Add(1) - 1
	ch := make(chan envelope, 1)

	c.mu.Lock()
	c.pending[id] = &pendingCall{ch: ch, method: method}
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	raw, err := marshalParams(params)
	if err != nil {
		cleanup()
		return nil, err
	}

	rid := NumberID(id)
	if err := c.write(envelope{JSONRPC: "2.0", ID: &rid, Method: method, Params: raw}); err != nil {
		cleanup()
		return nil, err
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timeoutCh:
		cleanup()
		return nil, &TimeoutError{Method: method}
	case <-c.done:
		return nil, ErrConnectionClosed
	case resp := <-ch:
		if resp.ID == nil {
			return nil, ErrConnectionClosed // failed by Close, not a server response
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// SendResponse replies to a server-initiated request with a success result.
func (c *Conn) SendResponse(id ID, result any) error {
	raw, err := marshalParams(result)
	if err != nil {
		return err
	}
	return c.write(envelope{JSONRPC: "2.0", ID: &id, Result: raw})
}

// SendErrorResponse replies to a server-initiated request with an error.
func (c *Conn) SendErrorResponse(id ID, rpcErr *RPCError) error {
	return c.write(envelope{JSONRPC: "2.0", ID: &id, Error: rpcErr})
}

// Close disposes the connection. Idempotent: subsequent calls are no-ops.
// Every pending request is failed with ErrConnectionClosed before the
// registered onClose callback fires exactly once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	close(c.done)

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- envelope{Error: &RPCError{Code: CodeInternalError, Message: ErrConnectionClosed.Error()}}
	}

	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}

	if c.onClose != nil {
		c.onClose(err)
	}
	return err
}

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) write(msg envelope) error {
	msg.JSONRPC = "2.0"
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpcconn: marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(Encode(data))
	return err
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcconn: marshal params: %w", err)
	}
	return data, nil
}

func (c *Conn) readLoop(ctx context.Context) {
	codec := NewCodec()
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-c.done:
			return
		default:
		}

		n, err := c.r.Read(buf)
		if n > 0 {
			codec.Feed(buf[:n])
			for {
				payload, ok := codec.Next()
				if !ok {
					break
				}
				c.dispatch(ctx, payload)
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("rpcconn: read loop error", zap.Error(err))
			}
			_ = c.Close()
			return
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, payload []byte) {
	var raw wireEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		c.logger.Warn("rpcconn: dropping unparsable message", zap.Error(err))
		return
	}

	msg := envelope{
		JSONRPC: raw.JSONRPC,
		ID:      raw.ID,
		Method:  raw.Method,
		Params:  raw.Params,
		Result:  raw.Result,
		Error:   decodeRPCError(raw.Error),
	}

	switch {
	case msg.ID != nil && (msg.Result != nil || msg.Error != nil) && msg.Method == "":
		c.handleResponse(msg)
	case msg.ID != nil && msg.Method != "":
		c.handleRequest(ctx, msg)
	case msg.ID == nil && msg.Method != "":
		c.handleNotification(msg)
	default:
		c.logger.Warn("rpcconn: dropping unclassifiable message")
	}
}

func (c *Conn) handleResponse(msg envelope) {
	if msg.ID.isString {
		c.logger.Warn("rpcconn: dropping response with string id (client ids are always numeric)")
		return
	}

	c.mu.Lock()
	p, ok := c.pending[msg.ID.num]
	if ok {
		delete(c.pending, msg.ID.num)
	}
	c.mu.Unlock()

	if !ok {
		return // late response to a request that already timed out
	}
	select {
	case p.ch <- msg:
	default:
	}
}

func (c *Conn) handleNotification(msg envelope) {
	c.mu.Lock()
	h := c.notifier
	c.mu.Unlock()
	if h != nil {
		h(msg.Method, msg.Params)
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg envelope) {
	c.mu.Lock()
	h := c.reqHndlr
	c.mu.Unlock()

	id := *msg.ID
	if h == nil {
		_ = c.SendErrorResponse(id, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)})
		return
	}

	result, rpcErr := h(ctx, msg.Method, msg.Params)
	if rpcErr != nil {
		_ = c.SendErrorResponse(id, rpcErr)
		return
	}
	if err := c.SendResponse(id, result); err != nil {
		c.logger.Warn("rpcconn: failed to send response", zap.String("method", msg.Method), zap.Error(err))
	}
}
