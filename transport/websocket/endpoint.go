package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/transport"
)

const component = "transport/websocket"

// Endpoint dials a websocket listener.
type Endpoint struct {
	url       string
	auth      Authenticator
	header    http.Header
	dialer    *websocket.Dialer
	heartbeat time.Duration
}

var _ transport.Endpoint = (*Endpoint)(nil)

// EndpointOption configures NewEndpoint.
type EndpointOption func(*Endpoint)

func WithAuthenticator(a Authenticator) EndpointOption {
	return func(e *Endpoint) { e.auth = a }
}

// WithHeader adds a header to every handshake.
func WithHeader(key, value string) EndpointOption {
	return func(e *Endpoint) { e.header.Add(key, value) }
}

// WithHeartbeat sets the keepalive interval; zero disables keepalives.
func WithHeartbeat(d time.Duration) EndpointOption {
	return func(e *Endpoint) { e.heartbeat = d }
}

func WithDialer(d *websocket.Dialer) EndpointOption {
	return func(e *Endpoint) { e.dialer = d }
}

// NewEndpoint validates a ws:// or wss:// URL.
func NewEndpoint(rawURL string, opts ...EndpointOption) (*Endpoint, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, syncErrors.E(syncErrors.OpConfigure, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("endpoint %q must be a ws:// or wss:// URL", rawURL))
	}
	e := &Endpoint{
		url:       u.String(),
		header:    http.Header{},
		dialer:    websocket.DefaultDialer,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Endpoint) String() string { return e.url }

// Dial performs the handshake. A 401 or 403 is a permission error, which
// the replicator treats as fatal; anything else is a transport error.
func (e *Endpoint) Dial(ctx context.Context) (transport.Conn, error) {
	h := e.header.Clone()
	if e.auth != nil {
		e.auth.Apply(h)
	}
	ws, resp, err := e.dialer.DialContext(ctx, e.url, h)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, syncErrors.NewRemoteError(syncErrors.OpTransport, syncErrors.KindPermission,
				fmt.Errorf("%s refused credentials: %s", e.url, resp.Status))
		}
		return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindTransport, err)
	}
	return newConn(ws, e.heartbeat), nil
}

// AcceptFunc serves one authenticated connection. It returns when the
// session ends; the listener closes conn afterwards.
type AcceptFunc func(ctx context.Context, conn transport.Conn, user string)

// Listener upgrades authenticated HTTP requests to replication sessions.
type Listener struct {
	accept    AcceptFunc
	verifier  *Verifier
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// ListenerOption configures NewListener.
type ListenerOption func(*Listener)

func WithVerifier(v *Verifier) ListenerOption { return func(l *Listener) { l.verifier = v } }

func WithListenerHeartbeat(d time.Duration) ListenerOption {
	return func(l *Listener) { l.heartbeat = d }
}

func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(f func(r *http.Request) bool) ListenerOption {
	return func(l *Listener) { l.upgrader.CheckOrigin = f }
}

func NewListener(accept AcceptFunc, opts ...ListenerOption) *Listener {
	l := &Listener{
		accept:    accept,
		heartbeat: DefaultHeartbeat,
		conns:     make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.Or(l.logger, component)
	return l
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := l.verifier.Verify(r)
	if err != nil {
		l.logger.Info("handshake rejected", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		w.Header().Set("WWW-Authenticate", `Basic realm="docsync"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := newConn(ws, l.heartbeat)
	if !l.track(conn) {
		_ = conn.Close()
		return
	}
	defer l.untrack(conn)

	l.logger.Debug("session accepted", slog.String("remote", r.RemoteAddr), slog.String("user", user))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.accept(ctx, conn, user)
}

func (l *Listener) track(c *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	return true
}

func (l *Listener) untrack(c *Conn) {
	_ = c.Close()
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

// Close closes every live connection and refuses new ones.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
