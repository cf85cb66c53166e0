// Package protocol defines the replication message exchange and a
// symmetric request/response connection that carries it over a framed
// transport.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

// Version is sent in hello; peers with a different major version refuse
// the session.
const Version = 1

// DefaultMaxHistory is how many ancestor stubs travel with a revision.
const DefaultMaxHistory = 20

// Type names a message.
type Type string

const (
	TypeHello            Type = "hello"
	TypeGetChanges       Type = "getChanges"
	TypeChangesAvailable Type = "changesAvailable"
	TypeGetRev           Type = "getRev"
	TypeProposeChanges   Type = "proposeChanges"
	TypePutRev           Type = "putRev"
	TypeGetBlob          Type = "getBlob"
	TypePing             Type = "ping"
)

// Message is the envelope of every frame. Requests have an ID and a Type;
// replies have ReplyTo and either Body or Error. A request with ID zero is
// a notification and gets no reply.
type Message struct {
	ID      uint64          `json:"id,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
	Type    Type            `json:"type,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// IsReply reports whether m answers an earlier request.
func (m *Message) IsReply() bool { return m.ReplyTo != 0 }

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s body: %w", m.Type, err)
	}
	return nil
}

// RemoteError is an error reply. Kind carries the errors.Kind of the
// failure so the caller can tell transient from permanent.
type RemoteError struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string { return e.Message }

// Err converts the reply into a structured error.
func (e *RemoteError) Err(op syncErrors.Operation) error {
	kind := syncErrors.Kind(e.Kind)
	if kind == syncErrors.KindOther {
		kind = syncErrors.KindInternal
	}
	return syncErrors.NewRemoteError(op, kind, e)
}

// ToRemoteError flattens err for the wire.
func ToRemoteError(err error) *RemoteError {
	return &RemoteError{Kind: string(syncErrors.KindOf(err)), Message: err.Error()}
}

type Hello struct {
	Version      int      `json:"version"`
	Session      string   `json:"session"`
	DatabaseUUID string   `json:"database_uuid"`
	Collections  []string `json:"collections,omitempty"`
}

type HelloReply struct {
	Version      int    `json:"version"`
	DatabaseUUID string `json:"database_uuid"`
}

// Change is one entry of a changes feed.
type Change struct {
	Seq     uint64         `json:"seq"`
	ID      string         `json:"id"`
	Rev     document.RevID `json:"rev"`
	Deleted bool           `json:"deleted,omitempty"`
}

type GetChanges struct {
	Collection string   `json:"collection"`
	Since      uint64   `json:"since"`
	Limit      int      `json:"limit,omitempty"`
	DocIDs     []string `json:"doc_ids,omitempty"`
	Channels   []string `json:"channels,omitempty"`
	// Continuous asks the peer to send changesAvailable when the
	// collection changes after this request.
	Continuous bool `json:"continuous,omitempty"`
}

type ChangesReply struct {
	Changes []Change `json:"changes"`
	LastSeq uint64   `json:"last_seq"`
}

// ChangesAvailable is a notification; the receiver pulls again.
type ChangesAvailable struct {
	Collection string `json:"collection"`
}

type GetRev struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Rev        document.RevID `json:"rev"`
	MaxHistory int            `json:"max_history,omitempty"`
}

// Revision is a revision body together with its ancestor stubs.
type Revision struct {
	Collection string                  `json:"collection"`
	ID         string                  `json:"id"`
	Rev        document.RevID          `json:"rev"`
	Parents    []document.RevID        `json:"parents,omitempty"`
	Deleted    bool                    `json:"deleted,omitempty"`
	Body       *document.Properties    `json:"body,omitempty"`
	History    []database.RevisionInfo `json:"history,omitempty"`
}

// RevisionFrom packs an exported revision for the wire.
func RevisionFrom(collection string, in *database.IncomingRevision) *Revision {
	return &Revision{
		Collection: collection,
		ID:         in.DocID,
		Rev:        in.Rev,
		Parents:    in.Parents,
		Deleted:    in.Deleted,
		Body:       in.Properties,
		History:    in.History,
	}
}

// Incoming unpacks r for database.Collection.Reconcile.
func (r *Revision) Incoming() *database.IncomingRevision {
	props := r.Body
	if props == nil && !r.Deleted {
		props = document.NewProperties()
	}
	return &database.IncomingRevision{
		DocID:      r.ID,
		Rev:        r.Rev,
		Parents:    r.Parents,
		Deleted:    r.Deleted,
		Properties: props,
		History:    r.History,
	}
}

// Document returns the body as a document, for filters.
func (r *Revision) Document() *document.Document {
	return &document.Document{ID: r.ID, Rev: r.Rev, Deleted: r.Deleted, Properties: r.Body}
}

type ProposeChanges struct {
	Collection string   `json:"collection"`
	Changes    []Change `json:"changes"`
}

// ProposeReply has one entry per proposed change, in order.
type ProposeReply struct {
	Needed []bool `json:"needed"`
}

// PutStatus is the receiver's verdict on a pushed revision.
type PutStatus string

const (
	StatusOK        PutStatus = "ok"
	StatusForbidden PutStatus = "forbidden"
	StatusNotFound  PutStatus = "not_found"
	StatusDeferred  PutStatus = "deferred"
	StatusError     PutStatus = "error"
)

type PutReply struct {
	Status  PutStatus      `json:"status"`
	Rev     document.RevID `json:"rev,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Err maps a non-ok status to a per-document error.
func (r PutReply) Err() error {
	var kind syncErrors.Kind
	switch r.Status {
	case StatusOK:
		return nil
	case StatusForbidden:
		kind = syncErrors.KindPermission
	case StatusNotFound:
		kind = syncErrors.KindNotFound
	case StatusDeferred:
		kind = syncErrors.KindResolution
	default:
		kind = syncErrors.KindInternal
	}
	msg := r.Message
	if msg == "" {
		msg = string(r.Status)
	}
	return syncErrors.NewRemoteError(syncErrors.OpPush, kind, fmt.Errorf("peer rejected revision: %s", msg))
}

type GetBlob struct {
	Digest string `json:"digest"`
}

type BlobReply struct {
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type Pong struct {
	Time int64 `json:"time"`
}
