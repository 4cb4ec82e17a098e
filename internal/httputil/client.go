// Package httputil provides the HTTP plumbing for the engine's document
// endpoints: a mockable client and a bounded JSON fetch.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// MaxDocumentSize bounds any document fetched from the engine (track
// geometries are the largest, a few hundred KB).
const MaxDocumentSize = 8 * 1024 * 1024

// HTTPClient abstracts HTTP operations for testability.
// Use StandardClient in production; MockHTTPClient for testing.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// StandardClient wraps *http.Client to implement HTTPClient.
type StandardClient struct {
	*http.Client
}

// NewStandardClient creates a new StandardClient wrapping the given http.Client.
func NewStandardClient(c *http.Client) *StandardClient {
	if c == nil {
		c = http.DefaultClient
	}
	return &StandardClient{Client: c}
}

// Do sends an HTTP request.
func (c *StandardClient) Do(req *http.Request) (*http.Response, error) {
	return c.Client.Do(req)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// FetchJSON issues a GET for url and decodes the JSON body into v.
// Bodies larger than MaxDocumentSize are rejected.
func FetchJSON(ctx context.Context, c HTTPClient, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentSize+1))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > MaxDocumentSize {
		return fmt.Errorf("document too large: more than %d bytes", MaxDocumentSize)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse JSON from %s: %w", url, err)
	}
	return nil
}

// MockHTTPClient serves canned responses keyed by request path.
type MockHTTPClient struct {
	mu           sync.Mutex
	Requests     []*http.Request
	routes       map[string][]*MockResponse
	DefaultError error
}

// MockResponse defines a canned HTTP response for testing.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// NewMockHTTPClient creates a new mock HTTP client.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{routes: make(map[string][]*MockResponse)}
}

// AddResponse queues a response for path. The last response queued for a
// path is repeated once the queue drains.
func (m *MockHTTPClient) AddResponse(path string, statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[path] = append(m.routes[path], &MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error for path.
func (m *MockHTTPClient) AddErrorResponse(path string, err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[path] = append(m.routes[path], &MockResponse{Error: err})
	return m
}

// Do records the request and returns the next response queued for its path.
// Unknown paths get a 404.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.DefaultError != nil {
		return nil, m.DefaultError
	}

	queue := m.routes[req.URL.Path]
	if len(queue) == 0 {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewBufferString(`{"error":"not found"}`)),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.routes[req.URL.Path] = queue[1:]
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Request:    req,
	}, nil
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// RequestCountFor returns how many recorded requests targeted path.
func (m *MockHTTPClient) RequestCountFor(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.Requests {
		if r.URL.Path == path {
			n++
		}
	}
	return n
}
