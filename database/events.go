package database

import (
	"github.com/c0deZ3R0/docsync/document"
	"github.com/c0deZ3R0/docsync/notify"
)

// CollectionChange is posted once per commit and lists every document the
// commit touched in one collection.
type CollectionChange struct {
	Collection *Collection
	DocIDs     []string
}

// DocumentChange is posted once per committed mutation of one document.
type DocumentChange struct {
	Collection *Collection
	DocID      string
	Rev        document.RevID
	Sequence   uint64
	Deleted    bool
	// External marks changes committed by another process sharing the store.
	External bool
}

// CollectionChangeListener receives collection-level change events.
type CollectionChangeListener = notify.Listener[CollectionChange]

// DocumentChangeListener receives change events for one document.
type DocumentChangeListener = notify.Listener[DocumentChange]

// AddChangeListener registers l for every change in the collection.
func (c *Collection) AddChangeListener(l CollectionChangeListener) *notify.Token {
	return c.db.changes.Add(c.fullName, l)
}

// AddDocumentChangeListener registers l for changes to one document.
func (c *Collection) AddDocumentChangeListener(docID string, l DocumentChangeListener) *notify.Token {
	return c.db.docChanges.Add(c.docKey(docID), l)
}

// postChanges coalesces a commit into one collection event plus one event
// per document.
func (c *Collection) postChanges(changes []DocumentChange) {
	if len(changes) == 0 {
		return
	}
	ids := make([]string, 0, len(changes))
	seen := make(map[string]bool, len(changes))
	for _, ch := range changes {
		c.db.docChanges.Post(c.docKey(ch.DocID), ch)
		if !seen[ch.DocID] {
			seen[ch.DocID] = true
			ids = append(ids, ch.DocID)
		}
	}
	c.db.changes.Post(c.fullName, CollectionChange{Collection: c, DocIDs: ids})
}
