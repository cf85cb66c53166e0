// Package websocket carries replication frames over gorilla/websocket.
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/docsync/transport"
)

const (
	// DefaultHeartbeat matches the replicator's default heartbeat.
	DefaultHeartbeat = 300 * time.Second
	// DefaultWriteTimeout applies when a write's context has no deadline.
	DefaultWriteTimeout = 15 * time.Second
)

// Conn adapts a websocket connection to transport.Conn. Every frame is one
// binary message. An empty binary message is a keepalive and is never
// surfaced to the reader.
type Conn struct {
	ws        *websocket.Conn
	heartbeat time.Duration

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, heartbeat time.Duration) *Conn {
	c := &Conn{ws: ws, heartbeat: heartbeat, done: make(chan struct{})}
	if heartbeat > 0 {
		go c.keepalive()
	}
	return c
}

func (c *Conn) keepalive() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(context.Background(), nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		if c.heartbeat > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.heartbeat))
		}
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, transport.ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		return msg, nil
	}
}

func (c *Conn) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("websocket: empty frames are reserved for keepalive")
	}
	return c.write(ctx, frame)
}

func (c *Conn) write(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close message and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
