package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a thin HTTP client for the daemon's unix-socket API, used by
// the CLI. It is deliberately minimal: one request/response round trip
// per call, no retry policy of its own (the daemon already retries
// transient network steps internally).
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a Client that dials socketPath for every request.
func NewClient(socketPath string) *Client {
	dial := func(_ context.Context, _, _ string) (net.Conn, error) {
		return net.Dial("unix", socketPath)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           dial,
				DisableKeepAlives:     true,
				ExpectContinueTimeout: 30 * time.Second,
				ResponseHeaderTimeout: 3600 * time.Second,
			},
		},
		baseURL: "http://unix",
	}
}

// Envelope mirrors the daemon's JSON response shape.
type Envelope struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	Metadata   any    `json:"metadata,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Do issues method against path, optionally sending body as a JSON
// request payload, and returns the decoded envelope.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Envelope, error) {
	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to system-imaged: %w", err)
	}

	defer resp.Body.Close()

	var env Envelope

	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if env.Type == "error" {
		return &env, fmt.Errorf("%s", env.Error)
	}

	return &env, nil
}
