package gitsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/google/uuid"
)

// HTTPError is a non-2xx answer from the relaygraph API.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relaygraph api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relaygraph api: %d", e.StatusCode)
}

// transientError wraps a failure worth retrying. after carries the server's
// Retry-After hint.
type transientError struct {
	cause error
	after time.Duration
}

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// RemoteClient is the part of the relaygraph API the sync worker uses.
type RemoteClient interface {
	ListUnsynced(ctx context.Context, graphID string, limit int) ([]relaygraph.Node, error)
	MarkSynced(ctx context.Context, node relaygraph.Node, gitHash string, syncedAt time.Time) (relaygraph.SyncState, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListUnsynced(ctx context.Context, graphID string, limit int) ([]relaygraph.Node, error) {
	q := url.Values{"graphId": {graphID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Nodes []relaygraph.Node `json:"nodes"`
	}
	if err := c.call(ctx, http.MethodGet, "/nodes/unsynced?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

// MarkSynced reports the commit for node. The node's content hash goes along
// so the server can refuse a snapshot that was edited in the meantime.
func (c *HTTPClient) MarkSynced(ctx context.Context, node relaygraph.Node, gitHash string, syncedAt time.Time) (relaygraph.SyncState, error) {
	q := url.Values{"graphId": {node.GraphID}}
	if node.Type != "" {
		q.Set("type", node.Type)
	}
	body := struct {
		GitHash     string `json:"gitHash"`
		SyncedAt    string `json:"syncedAt,omitempty"`
		ContentHash string `json:"contentHash,omitempty"`
	}{GitHash: gitHash, ContentHash: node.Sync.ContentHash}
	if !syncedAt.IsZero() {
		body.SyncedAt = syncedAt.UTC().Format(time.RFC3339Nano)
	}
	var out relaygraph.SyncState
	err := c.call(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node.ID)+"/sync?"+q.Encode(), body, &out)
	return out, err
}

// call performs one API request, retrying throttled and transient failures
// with capped exponential backoff.
func (c *HTTPClient) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		err := c.send(ctx, method, path, payload, out)
		var transient *transientError
		if !errors.As(err, &transient) || attempt >= c.maxRetries {
			return err
		}
		timer := time.NewTimer(c.backoff(attempt, transient.after))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *HTTPClient) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", "sync_"+uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &transientError{cause: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transientError{cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}
	apiErr := &HTTPError{StatusCode: resp.StatusCode}
	_ = json.Unmarshal(data, apiErr)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		seconds, _ := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
		return &transientError{cause: apiErr, after: time.Duration(seconds) * time.Second}
	}
	return apiErr
}

// backoff prefers the server's hint and otherwise doubles from baseDelay.
// Both are capped at maxDelay.
func (c *HTTPClient) backoff(attempt int, hint time.Duration) time.Duration {
	delay := hint
	if delay <= 0 {
		delay = c.baseDelay << attempt
	}
	if delay <= 0 || delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}
