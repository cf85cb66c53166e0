package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

type Client struct {
	URL    string
	Client *http.Client
	// Header is sent with every request; use it for credentials.
	Header http.Header
}

// NewClient creates a client for the feed served at feedURL.
func NewClient(feedURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{URL: feedURL, Client: httpClient, Header: make(http.Header)}
}

// Subscribe streams batches of collection changes after since to handler
// until ctx is done, the server closes the stream, or handler fails.
func (c *Client) Subscribe(ctx context.Context, collection string, since uint64, handler func(Batch) error) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid, err, "feed url")
	}
	q := u.Query()
	q.Set("collection", collection)
	q.Set("since", strconv.FormatUint(since, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	for k, v := range c.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindTransport, err, "http request")
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return err
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		var b Batch
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &b); err != nil {
			return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid, err, "decode payload")
		}
		if err := handler(b); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindTransport, err, "read stream")
	}
	return nil
}

func statusError(code int) error {
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindPermission, fmt.Sprintf("feed returned %d", code))
	case http.StatusNotFound:
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindNotFound, "no such collection")
	case http.StatusBadRequest:
		return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindInvalid, "feed rejected the request")
	}
	return syncErrors.E(syncErrors.OpPull, syncErrors.Component(component), syncErrors.KindTransport, fmt.Sprintf("feed returned %d", code))
}
