// Package sse streams a collection's change feed to HTTP clients as
// server-sent events. It is a read-only view for dashboards and tools;
// replication itself runs over the websocket transport.
package sse

import "github.com/c0deZ3R0/docsync/protocol"

const component = "transport/sse"

// Batch is the payload of one "changes" event. LastSeq is also sent as the
// event ID so a reconnecting client resumes with Last-Event-ID.
type Batch struct {
	Collection string            `json:"collection"`
	Changes    []protocol.Change `json:"changes"`
	LastSeq    uint64            `json:"last_seq"`
}
