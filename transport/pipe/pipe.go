// Package pipe is an in-process transport. It connects a replicator to a
// responder in the same process and lets tests cut the link.
package pipe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/c0deZ3R0/docsync/transport"
)

// DefaultBuffer is the number of frames each direction buffers.
const DefaultBuffer = 64

var (
	// ErrBroken is the error reported after Break.
	ErrBroken = errors.New("pipe: connection broken")
	// ErrUnreachable is returned by Dial while the endpoint is offline.
	ErrUnreachable = errors.New("pipe: endpoint unreachable")
)

type link struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (l *link) close(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Conn is one end of a pipe.
type Conn struct {
	in   <-chan []byte
	out  chan<- []byte
	link *link
}

var _ transport.Conn = (*Conn)(nil)

// New returns the two connected ends of a pipe.
func New() (*Conn, *Conn) {
	ab := make(chan []byte, DefaultBuffer)
	ba := make(chan []byte, DefaultBuffer)
	l := &link{done: make(chan struct{})}
	return &Conn{in: ba, out: ab, link: l}, &Conn{in: ab, out: ba, link: l}
}

// ReadFrame returns frames that were written before the pipe closed, then
// the close error.
func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.link.done:
		if errors.Is(c.link.err, ErrBroken) {
			return nil, c.link.err
		}
		select {
		case f := <-c.in:
			return f, nil
		default:
			return nil, c.link.err
		}
	}
}

func (c *Conn) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-c.link.done:
		return c.link.err
	default:
	}
	f := append([]byte(nil), frame...)
	select {
	case c.out <- f:
		return nil
	case <-c.link.done:
		return c.link.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends.
func (c *Conn) Close() error {
	c.link.close(transport.ErrClosed)
	return nil
}

// Break simulates a network failure: both ends fail immediately and
// buffered frames are lost.
func (c *Conn) Break() {
	c.link.close(ErrBroken)
}

// Closed reports whether either end closed the pipe.
func (c *Conn) Closed() bool {
	select {
	case <-c.link.done:
		return true
	default:
		return false
	}
}

// Acceptor serves the passive end of a freshly dialled pipe.
type Acceptor func(conn transport.Conn)

// Endpoint dials in-process pipes and hands the far end to an Acceptor.
type Endpoint struct {
	name   string
	accept Acceptor

	offline atomic.Bool
	dials   atomic.Int64

	mu    sync.Mutex
	conns []*Conn
}

var _ transport.Endpoint = (*Endpoint)(nil)

// NewEndpoint returns an endpoint that calls accept for every dial.
func NewEndpoint(name string, accept Acceptor) *Endpoint {
	return &Endpoint{name: name, accept: accept}
}

func (e *Endpoint) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.dials.Add(1)
	if e.offline.Load() {
		return nil, ErrUnreachable
	}
	client, server := New()
	e.mu.Lock()
	live := e.conns[:0]
	for _, c := range e.conns {
		if !c.Closed() {
			live = append(live, c)
		}
	}
	e.conns = append(live, client)
	e.mu.Unlock()
	go e.accept(server)
	return client, nil
}

func (e *Endpoint) String() string { return "pipe://" + e.name }

// SetOffline makes subsequent dials fail until called with false.
func (e *Endpoint) SetOffline(offline bool) { e.offline.Store(offline) }

// Break breaks every live connection and returns how many there were.
func (e *Endpoint) Break() int {
	e.mu.Lock()
	conns := e.conns
	e.conns = nil
	e.mu.Unlock()
	n := 0
	for _, c := range conns {
		if !c.Closed() {
			c.Break()
			n++
		}
	}
	return n
}

// Dials counts Dial calls, including failed ones.
func (e *Endpoint) Dials() int { return int(e.dials.Load()) }
