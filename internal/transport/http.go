package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clawinfra/satchel/internal/security"
	"github.com/clawinfra/satchel/internal/types"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	BaseURL  string
	DeviceID string
	Timeout  time.Duration // per-request, default 30s
}

// HTTPTransport talks JSON to the school server. Requests carry a
// bearer token minted by the token source and the device id header.
type HTTPTransport struct {
	cfg    HTTPConfig
	tokens *security.TokenSource
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates the HTTP transport. tokens may be nil for servers
// that do not require authentication.
func NewHTTP(cfg HTTPConfig, tokens *security.TokenSource, logger *slog.Logger) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		cfg:    cfg,
		tokens: tokens,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "transport"),
	}
}

type upsertRequest struct {
	DeviceID string          `json:"device_id,omitempty"`
	Entities []*types.Entity `json:"entities"`
}

// UpsertBatch uploads entities and returns the per-entity verdicts.
func (t *HTTPTransport) UpsertBatch(ctx context.Context, entities []*types.Entity) (*BatchResult, error) {
	if len(entities) == 0 {
		return &BatchResult{}, nil
	}
	body, err := json.Marshal(upsertRequest{DeviceID: t.cfg.DeviceID, Entities: entities})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal batch: %w", err)
	}

	data, err := t.do(ctx, http.MethodPost, "/v1/sync/batch", body)
	if err != nil {
		return nil, err
	}
	var result BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("transport: parse batch response: %w", err)
	}
	t.logger.Debug("batch uploaded",
		"entities", len(entities), "accepted", len(result.Accepted), "rejected", len(result.Rejected))
	return &result, nil
}

// FetchChangesSince downloads entities modified after since.
func (t *HTTPTransport) FetchChangesSince(ctx context.Context, since time.Time, resourceTypes []string) (*ChangeSet, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if len(resourceTypes) > 0 {
		q.Set("types", strings.Join(resourceTypes, ","))
	}
	path := "/v1/sync/changes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	data, err := t.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var set ChangeSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("transport: parse changes response: %w", err)
	}
	t.logger.Debug("changes fetched", "since", since, "entities", len(set.Entities))
	return &set, nil
}

// do performs one request. Network failures, 5xx and 429 responses come
// back as TransientError so the queue retries them; other statuses are
// permanent.
func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.cfg.DeviceID != "" {
		req.Header.Set("X-Device-ID", t.cfg.DeviceID)
	}
	if t.tokens != nil {
		tok, err := t.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &types.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.TransientError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &types.TransientError{
			Op:  method + " " + path,
			Err: fmt.Errorf("http %d: %s", resp.StatusCode, snippet(data)),
		}
	default:
		return nil, fmt.Errorf("transport: http %d: %s", resp.StatusCode, snippet(data))
	}
}

// snippet bounds response bodies quoted in errors.
func snippet(data []byte) string {
	const max = 256
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
