package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	seen   chan string
}

func newRecorder() *recorder { return &recorder{seen: make(chan string, 64)} }

func (r *recorder) Notify(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.seen <- e
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestHub_OrderedDelivery(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	r := newRecorder()
	h.Add("", r)
	for _, e := range []string{"a", "b", "c"} {
		h.Post("k", e)
	}
	waitFor(t, r.seen, "a")
	waitFor(t, r.seen, "b")
	waitFor(t, r.seen, "c")
}

func TestHub_KeyScoping(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	docA := newRecorder()
	h.Add("doc-a", docA)
	h.Post("doc-b", "for b")
	h.Post("doc-a", "for a")

	waitFor(t, docA.seen, "for a")
	assert.Equal(t, []string{"for a"}, docA.snapshot())
}

func TestHub_DuplicateRegistrationIsIdempotent(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	r := newRecorder()
	t1 := h.Add("k", r)
	t2 := h.Add("k", r)
	assert.Equal(t, 1, h.Len())

	h.Post("k", "once")
	h.Post("k", "marker")
	waitFor(t, r.seen, "once")
	waitFor(t, r.seen, "marker")
	assert.Equal(t, []string{"once", "marker"}, r.snapshot())

	t1.Remove()
	t2.Remove()
	t1.Remove()
	assert.Equal(t, 0, h.Len())
}

func TestHub_FuncListenersAreDistinct(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	ch := make(chan string, 4)
	f := ListenerFunc[string](func(e string) { ch <- e })
	h.Add("k", f)
	h.Add("k", f)
	assert.Equal(t, 2, h.Len())
}

// tagged is a comparable type whose interface field may hold a value that
// is not.
type tagged struct {
	tag any
}

func (tagged) Notify(string) {}

func TestHub_ValueListenerWithUncomparableField(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	l := tagged{tag: []string{"a"}}
	require.NotPanics(t, func() {
		h.Add("k", l)
		h.Add("k", l)
	})
	assert.Equal(t, 2, h.Len())

	same := tagged{tag: "a"}
	h.Add("k", same)
	h.Add("k", same)
	assert.Equal(t, 3, h.Len(), "comparable values still deduplicate")
}

func TestHub_RemovalStopsLaterDelivery(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	removed := newRecorder()
	kept := newRecorder()
	tok := h.Add("k", removed)
	h.Add("k", kept)

	h.Post("k", "before")
	waitFor(t, removed.seen, "before")
	waitFor(t, kept.seen, "before")

	tok.Remove()
	h.Post("k", "after")
	waitFor(t, kept.seen, "after")
	assert.Equal(t, []string{"before"}, removed.snapshot())

	var never *Token
	never.Remove()
}

func TestHub_PanickingListenerDoesNotStopDispatch(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	defer h.Close()

	h.Add("k", ListenerFunc[string](func(string) { panic("boom") }))
	r := newRecorder()
	h.Add("k", r)

	h.Post("k", "x")
	waitFor(t, r.seen, "x")
}

func TestHub_CloseDrainsQueue(t *testing.T) {
	h := NewHub[string](logging.Discard().Logger)
	r := newRecorder()
	h.Add("", r)
	h.Post("k", "1")
	h.Post("k", "2")
	h.Close()
	h.Close()

	assert.Equal(t, []string{"1", "2"}, r.snapshot())
	h.Post("k", "dropped")
	assert.Len(t, r.snapshot(), 2)
}
