package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/storage"
)

// DefaultChannel is the NOTIFY channel commits are announced on.
const DefaultChannel = "docsync_changes"

// NotificationPayload is the JSON body of a change notification.
type NotificationPayload struct {
	Origin     string `json:"origin"`
	Collection string `json:"collection"`
	DocID      string `json:"doc_id"`
	Sequence   uint64 `json:"seq"`
}

// notifyHook announces committed changes. pg_notify is transactional, so
// listeners only hear about writes that commit.
func notifyHook(channel, origin string) func(ctx context.Context, tx *sql.Tx, notices []storage.ChangeNotice) error {
	return func(ctx context.Context, tx *sql.Tx, notices []storage.ChangeNotice) error {
		for _, n := range notices {
			payload, err := json.Marshal(NotificationPayload{
				Origin:     origin,
				Collection: n.Collection,
				DocID:      n.DocID,
				Sequence:   n.Sequence,
			})
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
				return err
			}
		}
		return nil
	}
}

// ChangeListener turns NOTIFY messages from other processes into
// storage.ChangeNotice values.
type ChangeListener struct {
	channel string
	origin  string
	logger  *slog.Logger

	listener *pq.Listener
	out      chan storage.ChangeNotice
	closed   int32 // atomic
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewChangeListener connects a pq.Listener on channel. Notifications
// carrying origin are this process's own and are dropped.
func NewChangeListener(connectionString, channel, origin string, reconnect, timeout time.Duration, logger *slog.Logger) (*ChangeListener, error) {
	if connectionString == "" {
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInvalid, "connection string cannot be empty")
	}
	cl := newChangeListener(channel, origin, logger)
	cl.listener = pq.NewListener(connectionString, reconnect, timeout, cl.eventCallback)
	if err := cl.listener.Listen(channel); err != nil {
		cl.listener.Close()
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInternal, "listen "+channel, err)
	}
	return cl, nil
}

func newChangeListener(channel, origin string, logger *slog.Logger) *ChangeListener {
	return &ChangeListener{
		channel: channel,
		origin:  origin,
		logger:  logger,
		out:     make(chan storage.ChangeNotice, 256),
		done:    make(chan struct{}),
	}
}

// Start runs the listen loop until ctx ends or Close is called.
func (cl *ChangeListener) Start(ctx context.Context) {
	cl.wg.Add(1)
	go cl.listenLoop(ctx)
}

// Changes returns the notice stream. It is closed by Close.
func (cl *ChangeListener) Changes() <-chan storage.ChangeNotice { return cl.out }

func (cl *ChangeListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		cl.logger.Info("connected for LISTEN/NOTIFY", slog.String("channel", cl.channel))
	case pq.ListenerEventDisconnected:
		cl.logger.Warn("LISTEN connection lost", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN itself; anything sent while down is gone.
		cl.logger.Warn("LISTEN connection re-established, notifications may have been missed")
	case pq.ListenerEventConnectionAttemptFailed:
		cl.logger.Warn("LISTEN connection attempt failed", slog.Any("error", err))
	}
}

func (cl *ChangeListener) listenLoop(ctx context.Context) {
	defer cl.wg.Done()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case n := <-cl.listener.Notify:
			// A nil notification follows a reconnect.
			if n != nil {
				cl.dispatch(ctx, n.Extra)
			}
		case <-ping.C:
			go func() {
				if err := cl.listener.Ping(); err != nil {
					cl.logger.Debug("listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// dispatch decodes one payload and forwards it unless it is our own.
func (cl *ChangeListener) dispatch(ctx context.Context, payload string) {
	var p NotificationPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		cl.logger.Warn("malformed change notification", slog.String("payload", payload), slog.String("error", err.Error()))
		return
	}
	if p.Origin == cl.origin || p.Collection == "" {
		return
	}
	select {
	case cl.out <- storage.ChangeNotice{Collection: p.Collection, DocID: p.DocID, Sequence: p.Sequence}:
	case <-ctx.Done():
	case <-cl.done:
	}
}

// Close stops the loop, closes the pq.Listener and then the Changes
// channel. Calling Close twice is a no-op.
func (cl *ChangeListener) Close() error {
	if !atomic.CompareAndSwapInt32(&cl.closed, 0, 1) {
		return nil
	}
	close(cl.done)
	cl.wg.Wait()
	var err error
	if cl.listener != nil {
		err = cl.listener.Close()
	}
	close(cl.out)
	return err
}
