// Package backend is the HTTP client for the GraphRAG query API. It supports both
// streamed (server-sent events) and single request/response exchanges.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/avandelay-labs/graphrag-webui/internal/stream"
)

// Credentials carries the bearer token and user identity obtained from the identity
// provider. It is injected explicitly; nothing in this package reads ambient state.
type Credentials struct {
	Token  string
	UserID string
}

// Valid reports whether the credentials are usable for an authenticated call.
func (c Credentials) Valid() bool {
	return c.Token != "" && c.UserID != ""
}

// QueryRequest is the body of a chat query against the backend.
type QueryRequest struct {
	Query           string `json:"query"`
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id,omitempty"`
	Stream          bool   `json:"stream"`
	ResponseMode    string `json:"response_mode,omitempty"`
	IncludeSources  bool   `json:"include_sources"`
	MaintainContext bool   `json:"maintain_context"`
}

// QueryResponse is the body of a non-streaming chat exchange.
type QueryResponse struct {
	SessionID   string          `json:"session_id"`
	Answer      string          `json:"answer"`
	Summary     string          `json:"summary"`
	Sources     []models.Source `json:"sources"`
	TotalFacts  int             `json:"total_facts"`
	TotalChunks int             `json:"total_chunks"`
	SearchTime  float64         `json:"search_time"`
	Model       string          `json:"model"`
}

// Text returns the answer body, falling back to the summary field older deployments
// use.
func (r *QueryResponse) Text() string {
	if r.Answer != "" {
		return r.Answer
	}
	return r.Summary
}

// UsageMetadata maps the response's usage fields into message metadata.
func (r *QueryResponse) UsageMetadata() models.Metadata {
	md := models.Metadata{}
	if r.TotalFacts > 0 {
		md["total_facts"] = r.TotalFacts
	}
	if r.TotalChunks > 0 {
		md["total_chunks"] = r.TotalChunks
	}
	if r.SearchTime > 0 {
		md["search_time"] = r.SearchTime
	}
	if r.Model != "" {
		md["model"] = r.Model
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// Client talks to a GraphRAG backend instance.
type Client struct {
	baseURL string
	creds   Credentials

	client *http.Client
	logger *slog.Logger
}

// NewClient creates a backend client for the given base URL. The credentials are
// fixed for the client's lifetime; construct a new client on login and discard it on
// logout.
func NewClient(baseURL string, creds Credentials, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "backend")),
	}
}

// Credentials returns the credentials the client was built with.
func (c *Client) Credentials() Credentials {
	return c.creds
}

func (c *Client) newChatRequest(ctx context.Context, reqBody QueryRequest, streaming bool) (*http.Request, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	return req, nil
}

func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil || len(body) == 0 {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(body))
}

// QueryStream sends a streaming chat query and yields decoded events as they arrive.
// The iterator ends after the first terminal event or when the stream is exhausted.
// Cancelling the context stops delivery without yielding an error; cancellation is an
// intentional outcome, not a failure.
func (c *Client) QueryStream(ctx context.Context, reqBody QueryRequest) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		reqBody.Stream = true

		req, err := c.newChatRequest(ctx, reqBody, true)
		if err != nil {
			yield(stream.Event{}, err)
			return
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(stream.Event{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(stream.Event{}, responseError(resp))
			return
		}

		for ev, err := range stream.Events(c.logger, resp.Body) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(stream.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Query sends a single request/response chat query.
func (c *Client) Query(ctx context.Context, reqBody QueryRequest) (*QueryResponse, error) {
	reqBody.Stream = false

	req, err := c.newChatRequest(ctx, reqBody, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var queryResp QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	return &queryResp, nil
}
