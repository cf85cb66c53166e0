package database

import (
	"github.com/c0deZ3R0/docsync/document"
	"github.com/c0deZ3R0/docsync/storage"
)

// revTree is an index over one document's revision records. Nodes refer to
// their parents by RevID only.
type revTree struct {
	nodes map[document.RevID]storage.RevisionRecord
}

func newRevTree(recs []storage.RevisionRecord) *revTree {
	t := &revTree{nodes: make(map[document.RevID]storage.RevisionRecord, len(recs))}
	for _, r := range recs {
		t.nodes[r.Rev] = r
	}
	return t
}

// withStubs returns a copy of t that also knows the given revisions.
func (t *revTree) withStubs(docID string, infos ...RevisionInfo) *revTree {
	c := &revTree{nodes: make(map[document.RevID]storage.RevisionRecord, len(t.nodes)+len(infos))}
	for k, v := range t.nodes {
		c.nodes[k] = v
	}
	for _, in := range infos {
		if _, ok := c.nodes[in.Rev]; ok {
			continue
		}
		c.nodes[in.Rev] = storage.RevisionRecord{DocID: docID, Rev: in.Rev, Parents: in.Parents, Deleted: in.Deleted}
	}
	return c
}

// primaryParent is the parent one generation below rev that wins the
// tie-break.
func (t *revTree) primaryParent(rev document.RevID) (document.RevID, bool) {
	n, ok := t.nodes[rev]
	if !ok || len(n.Parents) == 0 {
		return document.RevID{}, false
	}
	best := n.Parents[0]
	for _, p := range n.Parents[1:] {
		best = document.Winner(best, p)
	}
	return best, true
}

// path walks primary parents from rev to the root, or until max nodes
// (0 means unbounded) or an unknown revision.
func (t *revTree) path(rev document.RevID, max int) []RevisionInfo {
	var out []RevisionInfo
	for !rev.IsZero() {
		n, ok := t.nodes[rev]
		if !ok {
			break
		}
		out = append(out, infoOf(n))
		if max > 0 && len(out) >= max {
			break
		}
		next, ok := t.primaryParent(rev)
		if !ok {
			break
		}
		rev = next
	}
	return out
}

// ancestors lists known strict ancestors of rev breadth-first, nearest
// first, capped at max (0 means unbounded).
func (t *revTree) ancestors(rev document.RevID, max int) []RevisionInfo {
	var out []RevisionInfo
	seen := map[document.RevID]bool{rev: true}
	queue := append([]document.RevID(nil), t.nodes[rev].Parents...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		n, ok := t.nodes[cur]
		if !ok {
			continue
		}
		out = append(out, infoOf(n))
		if max > 0 && len(out) >= max {
			break
		}
		queue = append(queue, n.Parents...)
	}
	return out
}

// ancestorSet returns rev and everything reachable through parents.
func (t *revTree) ancestorSet(rev document.RevID) map[document.RevID]bool {
	set := map[document.RevID]bool{}
	stack := []document.RevID{rev}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if set[cur] {
			continue
		}
		set[cur] = true
		stack = append(stack, t.nodes[cur].Parents...)
	}
	return set
}

// isAncestor reports whether anc is a strict ancestor of rev.
func (t *revTree) isAncestor(anc, rev document.RevID) bool {
	if anc == rev || anc.Generation >= rev.Generation {
		return false
	}
	return t.ancestorSet(rev)[anc]
}

// commonAncestor finds the nearest common ancestor of a and b: among
// revisions reachable from both, the one that wins the tie-break (highest
// generation first).
func (t *revTree) commonAncestor(a, b document.RevID) (document.RevID, bool) {
	fromA := t.ancestorSet(a)
	var best document.RevID
	found := false
	for rev := range t.ancestorSet(b) {
		if !fromA[rev] {
			continue
		}
		if !found || document.Compare(rev, best) > 0 {
			best, found = rev, true
		}
	}
	return best, found
}
