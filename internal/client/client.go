// Package client talks to a running engram server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/memory"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
)

// EnvServerURL overrides DefaultServerURL.
const EnvServerURL = "ENGRAM_URL"

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, bytes.TrimSpace(e.Body))
}

// Client talks to the engram server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. Empty means ENGRAM_URL, then
// DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv(EnvServerURL)
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: data}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// Insert sends an ingestion batch and returns the inserted ids.
func (c *Client) Insert(ctx context.Context, b engine.Batch) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/fragments", b, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Query runs a query on the server.
func (c *Client) Query(ctx context.Context, cv memory.ContextVector, reinforce bool) (*engine.Response, error) {
	req := struct {
		Context   memory.ContextVector `json:"context"`
		Reinforce bool                 `json:"reinforce"`
	}{cv, reinforce}
	var resp engine.Response
	if err := c.do(ctx, http.MethodPost, "/api/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fossilize promotes the server's current candidates.
func (c *Client) Fossilize(ctx context.Context) ([]memory.CompiledModule, error) {
	var resp struct {
		Modules []memory.CompiledModule `json:"modules"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/fossilize", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Modules, nil
}

// Decay asks the server to decay its graph and returns the fragments changed.
func (c *Client) Decay(ctx context.Context) (int, error) {
	var resp struct {
		Decayed int `json:"decayed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/decay", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Decayed, nil
}

// Reinforce applies one signal to each id on the server.
func (c *Client) Reinforce(ctx context.Context, ids []string, signal float64) error {
	req := struct {
		IDs    []string `json:"ids"`
		Signal float64  `json:"signal"`
	}{ids, signal}
	return c.do(ctx, http.MethodPost, "/api/reinforce", req, nil)
}

// Stats returns the server's engine summary.
func (c *Client) Stats(ctx context.Context) (engine.Stats, error) {
	var st engine.Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &st)
	return st, err
}

// Snapshot asks the server to persist its graph.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	var resp struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/snapshot", nil, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}
