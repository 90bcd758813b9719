// Package decompile talks to an external decompilation service: raw
// bytecode goes out in a POST body and source text comes back.
package decompile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	requestTimeout = 10 * time.Second
	maxResponse    = 8 << 20
)

// ErrNoService is returned when no service URL is configured.
var ErrNoService = errors.New("decompile: no service url configured")

// ServiceError carries the text a service returned with a failure status.
type ServiceError struct {
	Status int
	Body   string
}

func (e *ServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("decompile: service returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("decompile: service returned HTTP %d: %s", e.Status, e.Body)
}

// Client posts bytecode to one service URL. Each request is a single
// attempt.
type Client struct {
	url  string
	http *http.Client
}

// New returns a client for url.
func New(url string) *Client {
	return &Client{url: url, http: &http.Client{Timeout: requestTimeout}}
}

// Decompile sends bytecode and returns the decompiled source.
func (c *Client) Decompile(ctx context.Context, bytecode []byte) (string, error) {
	if c.url == "" {
		return "", ErrNoService
	}
	if len(bytecode) == 0 {
		return "", fmt.Errorf("decompile: empty bytecode")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bytecode))
	if err != nil {
		return "", fmt.Errorf("decompile: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("decompile: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return "", fmt.Errorf("decompile: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ServiceError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}
