package document

import "strings"

// blobType tags a nested object as a blob reference.
const blobType = "blob"

// BlobRef points at binary content held in the blob store.
type BlobRef struct {
	Digest      string `json:"digest"`
	ContentType string `json:"content_type,omitempty"`
	Length      int64  `json:"length"`
}

// MarshalJSON adds the "@type" marker so the reference survives decoding
// into a Properties tree.
func (b BlobRef) MarshalJSON() ([]byte, error) {
	p := NewProperties().
		Set("@type", blobType).
		Set("digest", b.Digest).
		Set("length", b.Length)
	if b.ContentType != "" {
		p.Set("content_type", b.ContentType)
	}
	return p.MarshalJSON()
}

func blobFromProperties(p *Properties) (BlobRef, bool) {
	if p.String("@type") != blobType {
		return BlobRef{}, false
	}
	return BlobRef{
		Digest:      p.String("digest"),
		ContentType: p.String("content_type"),
		Length:      p.Int("length"),
	}, true
}

// Flags describe a revision handed to a replication filter.
type Flags uint8

const (
	FlagDeleted Flags = 1 << iota
	FlagAccessRemoved
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagDeleted) {
		parts = append(parts, "deleted")
	}
	if f.Has(FlagAccessRemoved) {
		parts = append(parts, "access_removed")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Document is a read snapshot of one revision of a document. Origin names
// the database and collection the snapshot was read from; documents built
// by application code leave it empty.
type Document struct {
	ID         string
	Rev        RevID
	Sequence   uint64
	Deleted    bool
	Properties *Properties
	Origin     string
}

// New returns an unsaved document with the given body.
func New(id string, props *Properties) *Document {
	if props == nil {
		props = NewProperties()
	}
	return &Document{ID: id, Properties: props}
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Properties = d.Properties.Clone()
	return &c
}

// Flags returns the filter flags for this snapshot.
func (d *Document) Flags() Flags {
	if d != nil && d.Deleted {
		return FlagDeleted
	}
	return 0
}
