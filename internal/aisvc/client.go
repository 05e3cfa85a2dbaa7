// Package aisvc calls the warehouse's hosted AI services: semantic search
// and natural-language-to-SQL analysis. Each call is a single request/response
// round trip with a bounded timeout; transient failures are retried with
// exponential backoff since these are read-only operations.
package aisvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3
)

type Config struct {
	Logger  *slog.Logger
	BaseURL string
	// Token authenticates against the AI service endpoints.
	Token string

	Timeout    time.Duration
	MaxRetries uint
	HTTPClient *http.Client
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultRetries
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return nil
}

// StatusError is a non-2xx response from an AI service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai service returned status %d: %s", e.Code, e.Body)
}

type Client struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ai service config: %w", err)
	}
	return &Client{
		log:  cfg.Logger,
		cfg:  cfg,
		http: cfg.HTTPClient,
	}, nil
}

// SearchRequest is one semantic search call against a configured search
// service.
type SearchRequest struct {
	Service  string
	Database string
	Schema   string

	Query   string
	Columns []string
	Filter  map[string]any
	Limit   int
}

// Search queries a search service and returns its raw JSON response.
func (c *Client) Search(ctx context.Context, req SearchRequest) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/v2/databases/%s/schemas/%s/search-services/%s:query",
		req.Database, req.Schema, req.Service)

	filter := req.Filter
	if filter == nil {
		filter = map[string]any{}
	}
	payload := map[string]any{
		"query":  req.Query,
		"filter": filter,
		"limit":  req.Limit,
	}
	if len(req.Columns) > 0 {
		payload["columns"] = req.Columns
	}

	return c.post(ctx, path, payload)
}

// AnalystRequest is one natural-language-to-SQL call.
type AnalystRequest struct {
	// SemanticModel is a staged model file ("@db.schema.stage/model.yaml")
	// or a semantic view's fully qualified name.
	SemanticModel string
	Query         string
}

// Analyst sends a natural language query to the analyst service and returns
// its raw JSON response, which includes generated SQL and explanations.
func (c *Client) Analyst(ctx context.Context, req AnalystRequest) (json.RawMessage, error) {
	modelKey := "semantic_view"
	if strings.HasPrefix(req.SemanticModel, "@") && strings.HasSuffix(req.SemanticModel, ".yaml") {
		modelKey = "semantic_model_file"
	}

	payload := map[string]any{
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": req.Query},
				},
			},
		},
		modelKey: req.SemanticModel,
		"stream": false,
	}

	return c.post(ctx, "/api/v2/analyst/message", payload)
}

func (c *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	operation := func() (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.RawMessage(respBody), nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			// Transient; retried with backoff.
			c.log.Debug("aisvc: transient failure", "path", path, "status", resp.StatusCode)
			return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
		default:
			return nil, backoff.Permanent(error(&StatusError{Code: resp.StatusCode, Body: string(respBody)}))
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxRetries),
	)
}
