package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/transport/pipe"
)

func TestCodec_CompressesLargeFrames(t *testing.T) {
	codec := Codec{CompressThreshold: 64}
	body, err := json.Marshal(ChangesAvailable{Collection: strings.Repeat("x", 1000)})
	require.NoError(t, err)

	small, err := codec.Encode(&Message{ID: 1, Type: TypePing})
	require.NoError(t, err)
	assert.Equal(t, framePlain, small[0])

	big, err := codec.Encode(&Message{ID: 2, Type: TypeChangesAvailable, Body: body})
	require.NoError(t, err)
	assert.Equal(t, frameZstd, big[0])
	assert.Less(t, len(big), len(body))

	m, err := codec.Decode(big)
	require.NoError(t, err)
	var got ChangesAvailable
	require.NoError(t, m.Decode(&got))
	assert.Len(t, got.Collection, 1000)
}

func TestCodec_RejectsBadFrames(t *testing.T) {
	codec := Codec{}
	_, err := codec.Decode(nil)
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = codec.Decode([]byte{9, '{', '}'})
	assert.ErrorIs(t, err, ErrBadFrame)
	_, err = codec.Decode([]byte{frameZstd, 1, 2, 3})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestCodec_DecompressionBomb(t *testing.T) {
	zw, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	frame := zw.EncodeAll(bytes.Repeat([]byte(" "), 1<<20), []byte{frameZstd})
	require.NoError(t, zw.Close())
	require.Less(t, len(frame), 64*1024)

	_, err = Codec{MaxFrameSize: 64 * 1024}.Decode(frame)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func connPair(t *testing.T, server Handler) (*Conn, *Conn) {
	t.Helper()
	a, b := pipe.New()
	log := WithLogger(logging.Discard().Logger)
	client := NewConn(a, log)
	srv := NewConn(b, log, WithHandler(server))
	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Close()
	})
	return client, srv
}

func TestConn_CallAndReply(t *testing.T) {
	client, _ := connPair(t, HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) {
		switch m.Type {
		case TypeGetChanges:
			var req GetChanges
			if err := m.Decode(&req); err != nil {
				return nil, err
			}
			return ChangesReply{LastSeq: req.Since + 10, Changes: []Change{{Seq: req.Since + 1, ID: "doc"}}}, nil
		case TypePing:
			return Pong{Time: 1}, nil
		}
		return nil, syncErrors.E(syncErrors.KindUnsupported, "unknown")
	}))

	var reply ChangesReply
	err := client.Call(context.Background(), TypeGetChanges, GetChanges{Collection: "_default._default", Since: 5}, &reply)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), reply.LastSeq)
	require.Len(t, reply.Changes, 1)
	assert.Equal(t, "doc", reply.Changes[0].ID)

	var pong Pong
	require.NoError(t, client.Call(context.Background(), TypePing, nil, &pong))
	assert.Equal(t, int64(1), pong.Time)
}

func TestConn_ErrorReplyKeepsKind(t *testing.T) {
	client, _ := connPair(t, HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.KindNotFound, "no such document")
	}))
	err := client.Call(context.Background(), TypeGetRev, GetRev{ID: "missing"}, nil)
	require.Error(t, err)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
	assert.False(t, syncErrors.IsRetryable(err))
}

func TestConn_BothSidesCanCall(t *testing.T) {
	a, b := pipe.New()
	echo := HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) { return Pong{Time: 7}, nil })
	left := NewConn(a, WithHandler(echo))
	right := NewConn(b, WithHandler(echo))
	defer left.Close()
	defer right.Close()

	var p Pong
	require.NoError(t, left.Call(context.Background(), TypePing, nil, &p))
	require.NoError(t, right.Call(context.Background(), TypePing, nil, &p))
	assert.Equal(t, int64(7), p.Time)
}

func TestConn_Notification(t *testing.T) {
	got := make(chan string, 1)
	client, _ := connPair(t, HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) {
		var n ChangesAvailable
		_ = m.Decode(&n)
		got <- n.Collection
		return "ignored", nil
	}))
	require.NoError(t, client.Notify(context.Background(), TypeChangesAvailable, ChangesAvailable{Collection: "app.items"}))
	select {
	case c := <-got:
		assert.Equal(t, "app.items", c)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_HandlerPanicBecomesErrorReply(t *testing.T) {
	client, _ := connPair(t, HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) {
		panic("boom")
	}))
	err := client.Call(context.Background(), TypePing, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The connection survives.
	select {
	case <-client.Done():
		t.Fatal("connection closed after handler panic")
	default:
	}
}

func TestConn_LostConnectionFailsPendingCalls(t *testing.T) {
	a, b := pipe.New()
	block := make(chan struct{})
	defer close(block)
	client := NewConn(a)
	_ = NewConn(b, WithHandler(HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) {
		<-block
		return nil, nil
	})))

	errCh := make(chan error, 1)
	go func() { errCh <- client.Call(context.Background(), TypePing, nil, nil) }()
	time.Sleep(20 * time.Millisecond)
	a.Break()

	select {
	case err := <-errCh:
		assert.True(t, syncErrors.IsKind(err, syncErrors.KindTransport))
		assert.True(t, syncErrors.IsRetryable(err))
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}
	<-client.Done()
	assert.ErrorIs(t, client.Err(), pipe.ErrBroken)

	err := client.Call(context.Background(), TypePing, nil, nil)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindTransport))
}

func TestConn_CallHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	client, _ := connPair(t, HandlerFunc(func(ctx context.Context, c *Conn, m *Message) (any, error) {
		<-block
		return nil, nil
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, TypePing, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRevision_IncomingCarriesHistory(t *testing.T) {
	rev := document.MustParseRevID("2-0000000000000000000000000000000b")
	parent := document.MustParseRevID("1-0000000000000000000000000000000a")
	in := &database.IncomingRevision{
		DocID:      "doc",
		Rev:        rev,
		Parents:    []document.RevID{parent},
		Properties: document.NewProperties().Set("k", "v"),
		History:    []database.RevisionInfo{{Rev: parent}},
	}
	raw, err := json.Marshal(RevisionFrom("_default._default", in))
	require.NoError(t, err)

	var r Revision
	require.NoError(t, json.Unmarshal(raw, &r))
	out := r.Incoming()
	assert.Equal(t, rev, out.Rev)
	assert.Equal(t, []document.RevID{parent}, out.Parents)
	assert.Equal(t, "v", out.Properties.String("k"))
	require.Len(t, out.History, 1)
	assert.Equal(t, parent, out.History[0].Rev)
}

func TestPutReply_Err(t *testing.T) {
	assert.NoError(t, PutReply{Status: StatusOK}.Err())
	assert.True(t, syncErrors.IsKind(PutReply{Status: StatusForbidden}.Err(), syncErrors.KindPermission))
	assert.False(t, syncErrors.IsRetryable(PutReply{Status: StatusNotFound}.Err()))
	assert.True(t, syncErrors.IsRetryable(PutReply{Status: StatusDeferred}.Err()))
}
