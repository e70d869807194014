package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the orchestrator API and unwraps its response envelope.
type Client struct {
	baseURL string
	http    *http.Client
}

type envelope struct {
	Ok        bool            `json:"ok"`
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"errorCode"`
	Message   string          `json:"message"`
	Reasons   []string        `json:"reasons"`
}

// APIError is a failed call as reported by the server.
type APIError struct {
	Status  int
	Code    string
	Message string
	Reasons []string
}

func (e *APIError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (HTTP %d): %s", e.Code, e.Status, e.Message)
	for _, reason := range e.Reasons {
		fmt.Fprintf(&b, "\n  - %s", reason)
	}

	return b.String()
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Do sends body as JSON and decodes the envelope data into out.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope

	err = json.NewDecoder(resp.Body).Decode(&env)
	if err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if !env.Ok {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    env.ErrorCode,
			Message: env.Message,
			Reasons: env.Reasons,
		}
	}

	if out == nil {
		return nil
	}

	return json.Unmarshal(env.Data, out)
}
