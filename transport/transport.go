// Package transport defines the framed, ordered, bidirectional channel the
// replication protocol runs over.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by a Conn after Close or after the peer went away.
var ErrClosed = errors.New("transport: connection closed")

// Conn carries whole frames in order. ReadFrame blocks until a frame
// arrives or the connection closes; Close unblocks it. A Conn supports one
// concurrent reader and any number of concurrent writers.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Endpoint is the address of a passive peer.
type Endpoint interface {
	// Dial opens a new connection to the peer.
	Dial(ctx context.Context) (Conn, error)
	// String identifies the endpoint in logs.
	String() string
}
