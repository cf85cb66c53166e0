package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/transport"
)

// DefaultMaxInFlight bounds concurrently handled incoming requests.
const DefaultMaxInFlight = 32

// Handler serves requests received from the peer. The returned value is
// marshalled as the reply body; an error becomes an error reply. Replies
// to notifications are dropped.
type Handler interface {
	ServeMessage(ctx context.Context, conn *Conn, m *Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Conn, m *Message) (any, error)

func (f HandlerFunc) ServeMessage(ctx context.Context, conn *Conn, m *Message) (any, error) {
	return f(ctx, conn, m)
}

type connOptions struct {
	codec       Codec
	handler     Handler
	logger      *slog.Logger
	maxInFlight int
}

// Option configures NewConn.
type Option func(*connOptions)

func WithCodec(c Codec) Option { return func(o *connOptions) { o.codec = c } }

func WithHandler(h Handler) Option { return func(o *connOptions) { o.handler = h } }

func WithLogger(l *slog.Logger) Option { return func(o *connOptions) { o.logger = l } }

func WithMaxInFlight(n int) Option {
	return func(o *connOptions) {
		if n > 0 {
			o.maxInFlight = n
		}
	}
}

// Conn is a symmetric request/response session over a transport
// connection: either side may issue requests, and replies are matched to
// requests by ID.
type Conn struct {
	tc      transport.Conn
	codec   Codec
	handler Handler
	logger  *slog.Logger
	sem     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Message
	err     error
	done    chan struct{}
}

// NewConn starts reading from tc.
func NewConn(tc transport.Conn, opts ...Option) *Conn {
	o := connOptions{maxInFlight: DefaultMaxInFlight}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Conn{
		tc:      tc,
		codec:   o.codec,
		handler: o.handler,
		logger:  logging.Or(o.logger, "protocol"),
		sem:     make(chan struct{}, o.maxInFlight),
		pending: make(map[uint64]chan *Message),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.readLoop()
	return c
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. Outstanding calls fail with a
// transport error.
func (c *Conn) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	_ = c.tc.Close()
	close(c.done)
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.tc.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		m, err := c.codec.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping connection after undecodable frame", slog.String("error", err.Error()))
			c.shutdown(err)
			return
		}
		logging.Trace(c.ctx, c.logger, "frame received",
			slog.String("type", string(m.Type)), slog.Uint64("id", m.ID), slog.Uint64("reply_to", m.ReplyTo), slog.Int("bytes", len(frame)))
		if m.IsReply() {
			c.deliver(m)
			continue
		}
		select {
		case c.sem <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		go func() {
			defer func() { <-c.sem }()
			c.serve(m)
		}()
	}
}

func (c *Conn) deliver(m *Message) {
	c.mu.Lock()
	ch, ok := c.pending[m.ReplyTo]
	delete(c.pending, m.ReplyTo)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply to unknown request", slog.Uint64("reply_to", m.ReplyTo))
		return
	}
	ch <- m
}

func (c *Conn) serve(m *Message) {
	body, err := c.dispatch(m)
	if m.ID == 0 {
		if err != nil {
			c.logger.Debug("notification handler failed", slog.String("type", string(m.Type)), slog.String("error", err.Error()))
		}
		return
	}
	reply := &Message{ReplyTo: m.ID}
	if err == nil && body != nil {
		raw, merr := json.Marshal(body)
		if merr != nil {
			err = merr
		} else {
			reply.Body = raw
		}
	}
	if err != nil {
		reply.Error = ToRemoteError(err)
	}
	if werr := c.write(c.ctx, reply); werr != nil {
		c.logger.Debug("could not send reply", slog.String("type", string(m.Type)), slog.String("error", werr.Error()))
	}
}

func (c *Conn) dispatch(m *Message) (body any, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("message handler panicked", slog.String("type", string(m.Type)), slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler for %s panicked", m.Type)
		}
	}()
	if c.handler == nil {
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.KindUnsupported, "peer does not serve requests")
	}
	return c.handler.ServeMessage(c.ctx, c, m)
}

func (c *Conn) write(ctx context.Context, m *Message) error {
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	logging.Trace(ctx, c.logger, "frame sent",
		slog.String("type", string(m.Type)), slog.Uint64("id", m.ID), slog.Uint64("reply_to", m.ReplyTo), slog.Int("bytes", len(frame)))
	return c.tc.WriteFrame(ctx, frame)
}

func (c *Conn) transportError(err error) error {
	return syncErrors.E(syncErrors.OpTransport, syncErrors.Component("protocol"), syncErrors.KindTransport, err)
}

// Call sends a request and decodes the reply body into resp (which may be
// nil). Error replies are returned as *errors.Error carrying the peer's
// kind; a lost connection is a KindTransport error.
func (c *Conn) Call(ctx context.Context, typ Type, req, resp any) error {
	m, err := newRequest(typ, req)
	if err != nil {
		return err
	}
	m.ID = c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	if c.err != nil {
		cause := c.err
		c.mu.Unlock()
		return c.transportError(cause)
	}
	c.pending[m.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, m.ID)
		}
		c.mu.Unlock()
	}

	if err := c.write(ctx, m); err != nil {
		forget()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.transportError(err)
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error.Err(syncErrors.Op(string(typ)))
		}
		if resp == nil {
			return nil
		}
		return reply.Decode(resp)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-c.done:
		return c.transportError(c.Err())
	}
}

// Notify sends a request that expects no reply.
func (c *Conn) Notify(ctx context.Context, typ Type, body any) error {
	m, err := newRequest(typ, body)
	if err != nil {
		return err
	}
	if err := c.write(ctx, m); err != nil {
		return c.transportError(err)
	}
	return nil
}

func newRequest(typ Type, body any) (*Message, error) {
	m := &Message{Type: typ}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
		m.Body = raw
	}
	return m, nil
}
