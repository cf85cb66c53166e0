package replication

import (
	"strconv"

	"github.com/c0deZ3R0/docsync/document"
	"github.com/c0deZ3R0/docsync/notify"
)

// Activity is the replicator's state.
type Activity int

const (
	Stopped Activity = iota
	Offline
	Connecting
	Idle
	Busy
	Stopping
)

func (a Activity) String() string {
	switch a {
	case Stopped:
		return "stopped"
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Stopping:
		return "stopping"
	}
	return "activity(" + strconv.Itoa(int(a)) + ")"
}

// Progress counts documents examined in the current session. Total grows
// as changes are discovered.
type Progress struct {
	Completed uint64
	Total     uint64
}

// Status is a snapshot of the replicator. Err holds the error that made
// the replicator go offline or stop, if any.
type Status struct {
	Activity Activity
	Progress Progress
	Err      error
}

// ReplicatedDocument is the outcome for one revision. Err is nil on
// success.
type ReplicatedDocument struct {
	Scope      string
	Collection string
	ID         string
	Rev        document.RevID
	Flags      document.Flags
	Err        error
}

// DocumentReplication reports a batch of revisions sent (Push) or
// received.
type DocumentReplication struct {
	Push      bool
	Documents []ReplicatedDocument
}

type (
	StatusListener              = notify.Listener[Status]
	StatusListenerFunc          = notify.ListenerFunc[Status]
	DocumentReplicationListener = notify.Listener[DocumentReplication]
	DocumentListenerFunc        = notify.ListenerFunc[DocumentReplication]
)
