package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/c0deZ3R0/docsync/database"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/notify"
	"github.com/c0deZ3R0/docsync/protocol"
)

// Authorizer authenticates a feed request and returns the user name.
type Authorizer func(r *http.Request) (string, error)

type Server struct {
	DB        *database.Database
	Authorize Authorizer
	Logger    *slog.Logger
	BatchSize int
	// Heartbeat is the interval of comment lines that keep idle
	// connections open through proxies.
	Heartbeat time.Duration
}

// NewServer creates a feed server with default settings.
func NewServer(db *database.Database, logger *slog.Logger) *Server {
	return &Server{
		DB:        db,
		Logger:    logging.Or(logger, component),
		BatchSize: 100,
		Heartbeat: 30 * time.Second,
	}
}

// Handler serves GET ?collection=scope.name&since=N. Without since the
// Last-Event-ID header is used, then 0.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := ""
	if s.Authorize != nil {
		var err error
		if user, err = s.Authorize(r); err != nil {
			s.Logger.Info("feed request rejected", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	id, err := database.ParseCollectionID(q.Get("collection"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	coll, err := s.DB.Collection(id.Scope, id.Name)
	if err != nil {
		http.Error(w, "no such collection", http.StatusNotFound)
		return
	}
	since, err := parseSince(q.Get("since"), r.Header.Get("Last-Event-ID"))
	if err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}

	// Registered before the first read so no commit slips between the
	// read and the wait.
	wake := make(chan struct{}, 1)
	tok := coll.AddChangeListener(notify.ListenerFunc[database.CollectionChange](func(database.CollectionChange) {
		select {
		case wake <- struct{}{}:
		default:
		}
	}))
	defer tok.Remove()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.Logger.With(slog.String("collection", id.String()), slog.String("user", user))
	log.Debug("feed opened", slog.Uint64("since", since))
	defer log.Debug("feed closed", slog.Uint64("since", since))

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		changes, err := coll.ChangesSince(ctx, since, s.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("feed read failed", slog.Any("error", syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), err)))
			}
			return
		}
		if len(changes) > 0 {
			batch := Batch{Collection: id.String(), Changes: make([]protocol.Change, len(changes))}
			for i, ch := range changes {
				batch.Changes[i] = protocol.Change{Seq: ch.Sequence, ID: ch.DocID, Rev: ch.Rev, Deleted: ch.Deleted}
			}
			batch.LastSeq = changes[len(changes)-1].Sequence
			if err := writeEvent(w, batch); err != nil {
				return
			}
			flusher.Flush()
			since = batch.LastSeq
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, b Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: changes\ndata: %s\n\n", b.LastSeq, data)
	return err
}

func parseSince(query, lastEventID string) (uint64, error) {
	v := query
	if v == "" {
		v = lastEventID
	}
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
