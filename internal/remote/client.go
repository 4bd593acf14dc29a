// Package remote provides the HTTP client for the remote document database
// (a CouchDB-style API with a _changes feed and a revision model).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Reserved document fields of the remote revision model.
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

var (
	// ErrConflict is returned when a write carries a stale revision token
	ErrConflict = errors.New("document revision conflict")
	// ErrNotFound is returned when the remote document does not exist
	ErrNotFound = errors.New("document not found")
)

// Document is the remote JSON representation of a record
type Document map[string]any

// ID returns the remote document id, empty when unset
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Rev returns the revision token, empty when unset
func (d Document) Rev() string {
	s, _ := d[FieldRev].(string)
	return s
}

// IsDeleted reports whether the document carries a tombstone flag
func (d Document) IsDeleted() bool {
	b, _ := d[FieldDeleted].(bool)
	return b
}

// WriteResult is the remote store's answer to push/update/delete calls
type WriteResult struct {
	OK  bool   `json:"ok"`
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

// Change is one entry of the change feed: a document id, its feed sequence,
// a deletion marker and, with include_docs, the document itself
type Change struct {
	ID      string   `json:"id"`
	Seq     Sequence `json:"seq"`
	Deleted bool     `json:"deleted"`
	Doc     Document `json:"doc"`
}

// ChangesFeed is the response of a _changes request
type ChangesFeed struct {
	Results []Change `json:"results"`
	LastSeq Sequence `json:"last_seq"`
}

// Sequence is an opaque feed cursor. CouchDB emits integers, Sync Gateway
// emits strings, so both wire forms are accepted.
type Sequence string

// UnmarshalJSON accepts both string and numeric sequence tokens
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = Sequence(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid sequence token %s", data)
	}
	*s = Sequence(num.String())
	return nil
}

// API is the remote surface consumed by the sync engine
type API interface {
	Changes(ctx context.Context, since string) (*ChangesFeed, error)
	Push(ctx context.Context, doc Document) (*WriteResult, error)
	Update(ctx context.Context, doc Document) (*WriteResult, error)
	Delete(ctx context.Context, id, rev string) (*WriteResult, error)
}

// Client is a thin HTTP client for the remote document database
type Client struct {
	baseURL string
	secret  string
	httpC   *http.Client
}

// NewClient creates a client for the given base URL (scheme://host:port/dbname).
// The shared secret, when set, is sent as a bearer token on every request.
func NewClient(baseURL, secret string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote URL must use http or https, got %q", u.Scheme)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpC:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// errorBody is the remote store's JSON error shape
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	endpoint := c.baseURL
	if path != "" {
		endpoint += "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpC.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	var remoteErr errorBody
	_ = json.Unmarshal(data, &remoteErr)

	switch resp.StatusCode {
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrConflict, remoteErr.Reason)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, remoteErr.Reason)
	default:
		return nil, fmt.Errorf("remote returned %d: %s %s", resp.StatusCode, remoteErr.Error, remoteErr.Reason)
	}
}

// Get performs a plain GET against the database, returning the raw body
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, query, nil)
}

// Changes requests all changes since the given cursor with documents inlined.
// An empty cursor means "from the beginning".
func (c *Client) Changes(ctx context.Context, since string) (*ChangesFeed, error) {
	query := url.Values{"include_docs": {"true"}}
	if since != "" {
		query.Set("since", since)
	}

	data, err := c.Get(ctx, "_changes", query)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch change feed: %w", err)
	}

	var feed ChangesFeed
	if err := json.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("failed to decode change feed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"since":    since,
		"count":    len(feed.Results),
		"last_seq": feed.LastSeq,
	}).Debug("Fetched remote change feed")

	return &feed, nil
}

// Push creates a new document. The server assigns the id unless the document
// carries its own _id.
func (c *Client) Push(ctx context.Context, doc Document) (*WriteResult, error) {
	data, err := c.do(ctx, http.MethodPost, "", nil, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to push document: %w", err)
	}
	return decodeWriteResult(data)
}

// Update writes an existing document. The document must carry _id and the
// current _rev; a stale revision yields ErrConflict.
func (c *Client) Update(ctx context.Context, doc Document) (*WriteResult, error) {
	id := doc.ID()
	if id == "" {
		return nil, fmt.Errorf("document update requires %s", FieldID)
	}

	data, err := c.do(ctx, http.MethodPut, url.PathEscape(id), nil, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to update document %s: %w", id, err)
	}
	return decodeWriteResult(data)
}

// Delete removes a document at its current revision
func (c *Client) Delete(ctx context.Context, id, rev string) (*WriteResult, error) {
	if id == "" {
		return nil, fmt.Errorf("document delete requires an id")
	}

	query := url.Values{"rev": {rev}}
	data, err := c.do(ctx, http.MethodDelete, url.PathEscape(id), query, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return decodeWriteResult(data)
}

func decodeWriteResult(data []byte) (*WriteResult, error) {
	var result WriteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode write result: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("remote write not acknowledged")
	}
	return &result, nil
}
