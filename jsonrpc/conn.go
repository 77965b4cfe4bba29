// Package jsonrpc implements newline-delimited JSON-RPC 2.0 in both
// directions over a single byte stream.
package jsonrpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/rs/zerolog"
)

// DefaultRequestTimeout bounds how long an outbound request waits for its
// response.
const DefaultRequestTimeout = 30 * time.Second

// ErrConnClosed is returned for sends after Close and for calls still pending
// when the connection closes.
var ErrConnClosed = errors.Sentinel("jsonrpc: connection closed")

// Handler serves inbound requests and notifications. The result of a
// notification is discarded.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

type Option func(*Conn)

// WithRequestTimeout sets the per-request response deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDebug includes diagnostic detail in outbound error data.
func WithDebug(debug bool) Option {
	return func(c *Conn) { c.debug = debug }
}

// WithRetryableTimeouts marks timeouts of the given outbound methods as
// retryable.
func WithRetryableTimeouts(methods ...string) Option {
	return func(c *Conn) {
		for _, m := range methods {
			c.retryable[m] = true
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// Conn is one end of a JSON-RPC connection. All methods are safe for
// concurrent use.
type Conn struct {
	r         *bufio.Reader
	rc        io.Closer
	w         io.Writer
	timeout   time.Duration
	debug     bool
	retryable map[string]bool
	log       zerolog.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *Response
	cancel  context.CancelFunc

	handlers  sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps a reader and writer. If r is also an io.Closer it is closed
// by Close to unblock a pending read.
func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		r:         bufio.NewReader(r),
		w:         w,
		timeout:   DefaultRequestTimeout,
		retryable: make(map[string]bool),
		log:       logging.Component("jsonrpc"),
		pending:   make(map[int64]chan *Response),
		done:      make(chan struct{}),
	}
	if rc, ok := r.(io.Closer); ok {
		c.rc = rc
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SendRequest sends a request and waits for its response, decoding the
// result into result when it is non-nil. It fails with a timeout record
// after the request timeout, with ctx's error when ctx is done, and with
// ErrConnClosed when the connection closes first.
func (c *Conn) SendRequest(ctx context.Context, method string, params, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Internal("failed to encode %s params", method).WithCause(err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.isClosed() {
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

	c.log.Debug().Int64("id", id).Str("method", method).Msg("sending request")
	if err := c.write(outRequest{JSONRPC: Version, ID: id, Method: method, Params: raw}); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error.Record()
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return errors.Internal("malformed %s result", method).WithCause(err)
			}
		}
		return nil
	case <-timer.C:
		c.log.Warn().Int64("id", id).Str("method", method).Dur("timeout", c.timeout).Msg("request timed out")
		return errors.Timeout(c.retryable[method], "%s timed out after %s", method, c.timeout)
	case <-ctx.Done():
		return errors.Classify(ctx.Err())
	case <-c.done:
		return ErrConnClosed
	}
}

// SendNotification sends a message that expects no response.
func (c *Conn) SendNotification(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return errors.Classify(err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Internal("failed to encode %s params", method).WithCause(err)
	}
	return c.write(outNotification{JSONRPC: Version, Method: method, Params: raw})
}

// Serve reads frames until the input ends, ctx is cancelled or the
// connection is closed. Requests are handled concurrently; notifications are
// handled in arrival order. Serve closes the connection before returning.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		c.Close()
		c.handlers.Wait()
	}()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	for {
		line, err := c.r.ReadBytes('\n')
		if frame := bytes.TrimSpace(line); len(frame) > 0 {
			c.dispatch(ctx, h, frame)
		}
		if err != nil {
			if err == io.EOF || c.isClosed() {
				c.log.Debug().Msg("input closed")
				return nil
			}
			return errors.Wrapf(err, "read failed")
		}
	}
}

// Close rejects pending calls and stops Serve. It is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if c.rc != nil {
			c.rc.Close()
		}
	})
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) dispatch(ctx context.Context, h Handler, frame []byte) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.log.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping unparseable frame")
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && env.ID != nil {
			c.writeError(env.ID, errors.InvalidRequest("Invalid Request"))
			return
		}
		if id := recoverID(frame); id != nil {
			c.writeError(id, errors.ParseError("Parse error"))
		}
		return
	}

	switch {
	case env.Method != nil:
		req := &Request{JSONRPC: env.JSONRPC, ID: env.ID, Method: *env.Method, Params: env.Params}
		if env.JSONRPC != Version || req.Method == "" {
			c.log.Warn().Str("method", req.Method).Msg("dropping invalid request")
			if !req.IsNotification() {
				c.writeError(req.ID, errors.InvalidRequest("Invalid Request"))
			}
			return
		}
		if req.IsNotification() {
			c.handleNotification(ctx, h, req)
			return
		}
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			c.handleRequest(ctx, h, req)
		}()
	case env.ID != nil && (env.Result != nil || env.Error != nil):
		c.resolve(&Response{JSONRPC: env.JSONRPC, ID: env.ID, Result: env.Result, Error: env.Error})
	default:
		c.log.Warn().Msg("dropping frame that is neither request nor response")
		if env.ID != nil {
			c.writeError(env.ID, errors.InvalidRequest("Invalid Request"))
		}
	}
}

func (c *Conn) handleRequest(ctx context.Context, h Handler, req *Request) {
	result, err := c.invoke(ctx, h, req)
	if err != nil {
		rec := errors.Classify(err)
		c.log.Debug().Str("method", req.Method).Str("kind", rec.Kind.String()).Err(err).Msg("request failed")
		c.writeError(req.ID, rec)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		c.writeError(req.ID, errors.Internal("Internal error").WithCause(err))
		return
	}
	if err := c.write(Response{JSONRPC: Version, ID: req.ID, Result: raw}); err != nil {
		c.log.Warn().Err(err).Str("method", req.Method).Msg("failed to write response")
	}
}

func (c *Conn) handleNotification(ctx context.Context, h Handler, req *Request) {
	if _, err := c.invoke(ctx, h, req); err != nil {
		c.log.Warn().Err(err).Str("method", req.Method).Msg("notification handler failed")
	}
}

func (c *Conn) invoke(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Str("method", req.Method).Msg("handler panicked")
			err = errors.Internal("Internal error").WithCause(fmt.Errorf("panic: %v", p))
		}
	}()
	return h.Handle(ctx, req)
}

func (c *Conn) resolve(resp *Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		c.log.Warn().RawJSON("id", resp.ID).Msg("dropping response with foreign id")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Warn().Int64("id", id).Msg("dropping response for unknown request")
		return
	}
	ch <- resp
}

func (c *Conn) writeError(id json.RawMessage, rec *errors.Record) {
	if err := c.write(Response{JSONRPC: Version, ID: id, Error: NewError(rec, c.debug)}); err != nil {
		c.log.Warn().Err(err).Msg("failed to write error response")
	}
}

// write serializes one frame. Frames are written whole under writeMu so
// concurrent senders never interleave.
func (c *Conn) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Internal("failed to encode message").WithCause(err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrConnClosed
	}
	if _, err := c.w.Write(data); err != nil {
		return errors.Wrapf(err, "write failed")
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return errors.Wrapf(err, "flush failed")
		}
	}
	return nil
}
