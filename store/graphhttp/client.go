// Package graphhttp talks to the knowledge-graph backend over its JSON
// query endpoint.
package graphhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/store"
)

// Client implements store.GraphStore against an HTTP backend.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a graph client. connectTimeout bounds dialing only; reads
// stay unbounded because graph queries can be slow on large graphs.
func New(baseURL string, connectTimeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
	}
}

type queryRequest struct {
	Query       string `json:"query"`
	Mode        string `json:"mode"`
	TopK        int    `json:"top_k"`
	ContextOnly bool   `json:"context_only"`
}

type queryResponse struct {
	Context string `json:"context"`
}

// Query asks the backend for a context block assembled from the graph.
func (c *Client) Query(ctx context.Context, text string, mode store.GraphMode, topK int) (string, error) {
	body, err := json.Marshal(queryRequest{
		Query:       text,
		Mode:        string(mode),
		TopK:        topK,
		ContextOnly: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal graph query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.ErrServiceUnavailable, err, "graph backend unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errs.New(errs.ErrRateLimited, "graph backend throttled the query")
	case resp.StatusCode >= 500:
		return "", errs.New(errs.ErrServiceUnavailable, "graph backend returned %d", resp.StatusCode)
	default:
		return "", fmt.Errorf("graph backend returned %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode graph response: %w", err)
	}
	return out.Context, nil
}
