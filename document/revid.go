// Package document holds the value types shared by the database and the
// replicator: document bodies, blob references and revision identifiers.
package document

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// DigestSize is the number of bytes of the blake3 sum kept in a revision ID.
const DigestSize = 16

// Digest identifies a revision's content and ancestry.
type Digest [DigestSize]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// RevID identifies a revision: a generation number and a content digest.
// The zero RevID means "no revision".
type RevID struct {
	Generation uint64
	Digest     Digest
}

// IsZero reports whether r is the zero RevID.
func (r RevID) IsZero() bool { return r.Generation == 0 }

// String renders r as "<generation>-<hex digest>".
func (r RevID) String() string {
	if r.IsZero() {
		return ""
	}
	return strconv.FormatUint(r.Generation, 10) + "-" + r.Digest.String()
}

// MarshalText implements encoding.TextMarshaler so RevIDs travel as strings.
func (r RevID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RevID) UnmarshalText(b []byte) error {
	parsed, err := ParseRevID(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRevID parses the String form. The empty string yields the zero RevID.
func ParseRevID(s string) (RevID, error) {
	if s == "" {
		return RevID{}, nil
	}
	genStr, digestStr, ok := strings.Cut(s, "-")
	if !ok {
		return RevID{}, fmt.Errorf("invalid revision ID %q: missing separator", s)
	}
	gen, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil || gen == 0 {
		return RevID{}, fmt.Errorf("invalid revision ID %q: bad generation", s)
	}
	raw, err := hex.DecodeString(digestStr)
	if err != nil || len(raw) != DigestSize {
		return RevID{}, fmt.Errorf("invalid revision ID %q: bad digest", s)
	}
	var r RevID
	r.Generation = gen
	copy(r.Digest[:], raw)
	return r, nil
}

// MustParseRevID is ParseRevID for literals in tests and fixtures.
func MustParseRevID(s string) RevID {
	r, err := ParseRevID(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Compare orders revisions for the deterministic winner rule: higher
// generation first, then the lexicographically greater digest.
// It returns -1, 0 or +1.
func Compare(a, b RevID) int {
	switch {
	case a.Generation > b.Generation:
		return 1
	case a.Generation < b.Generation:
		return -1
	}
	return bytes.Compare(a.Digest[:], b.Digest[:])
}

// Winner returns whichever of a and b wins the deterministic tie-break.
func Winner(a, b RevID) RevID {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// NewRevID derives the ID of a revision created on top of parents. The
// generation is one more than the highest parent's; the digest covers the
// parents, the deletion flag and the canonical body, so two stores making
// the same edit to the same parent agree on the ID.
func NewRevID(parents []RevID, deleted bool, body *Properties) (RevID, error) {
	var gen uint64
	for _, p := range parents {
		if p.Generation > gen {
			gen = p.Generation
		}
	}
	d, err := ComputeDigest(parents, deleted, body)
	if err != nil {
		return RevID{}, err
	}
	return RevID{Generation: gen + 1, Digest: d}, nil
}

// ComputeDigest hashes the revision inputs with blake3.
func ComputeDigest(parents []RevID, deleted bool, body *Properties) (Digest, error) {
	h := blake3.New()
	for _, p := range parents {
		if p.IsZero() {
			continue
		}
		h.Write([]byte(p.String()))
		h.Write([]byte{0})
	}
	if deleted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	if body != nil {
		raw, err := body.MarshalJSON()
		if err != nil {
			return Digest{}, fmt.Errorf("canonicalise body: %w", err)
		}
		h.Write(raw)
	}
	var d Digest
	sum := h.Sum(nil)
	copy(d[:], sum[:DigestSize])
	return d, nil
}
