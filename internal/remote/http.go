package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/edgesync/edgesync/internal/logging"
	"github.com/edgesync/edgesync/internal/model"
)

// HTTPBackend talks JSON over HTTP to the remote store. Entity routes are
// "<base>/<entityType>/<entityID>"; PUT pushes, GET pulls, DELETE removes.
// Every call carries its own timeout so a hung request cannot stall the
// orchestrator.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// HTTPOptions configures the HTTP backend.
type HTTPOptions struct {
	// BaseURL is the remote service root, e.g. "https://hq.example.com/api/v1".
	BaseURL string
	// RequestTimeout bounds each individual call. Defaults to 15s.
	RequestTimeout time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// NewHTTPBackend creates an HTTP backend.
func NewHTTPBackend(opts HTTPOptions) (*HTTPBackend, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		baseURL: opts.BaseURL,
		client:  client,
		timeout: opts.RequestTimeout,
	}, nil
}

// Push writes a record and returns the authoritative version.
func (b *HTTPBackend) Push(ctx context.Context, rec model.Record) (model.Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return model.Record{}, NewError(KindPermanent, "push", "failed to encode record", err)
	}

	var authoritative model.Record
	err = b.do(ctx, http.MethodPut, b.entityURL(rec.EntityType, rec.EntityID), body, &authoritative, "push")
	if err != nil {
		return model.Record{}, err
	}

	logging.Debug("pushed record",
		logging.Entity(string(rec.EntityType), rec.EntityID),
		logging.Operation("push"),
	)
	return authoritative, nil
}

// Pull reads the authoritative version of an entity.
func (b *HTTPBackend) Pull(ctx context.Context, entityType model.EntityType, entityID string) (model.Record, error) {
	var rec model.Record
	err := b.do(ctx, http.MethodGet, b.entityURL(entityType, entityID), nil, &rec, "pull")
	if err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Delete removes an entity remotely.
func (b *HTTPBackend) Delete(ctx context.Context, entityType model.EntityType, entityID string) error {
	return b.do(ctx, http.MethodDelete, b.entityURL(entityType, entityID), nil, nil, "delete")
}

// Ping probes the service health endpoint.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	return b.do(ctx, http.MethodGet, b.baseURL+"/health", nil, nil, "ping")
}

func (b *HTTPBackend) entityURL(entityType model.EntityType, entityID string) string {
	return fmt.Sprintf("%s/%s/%s", b.baseURL, url.PathEscape(string(entityType)), url.PathEscape(entityID))
}

// do executes one HTTP call with the per-call timeout and maps the response
// status onto the error taxonomy.
func (b *HTTPBackend) do(ctx context.Context, method, u string, body []byte, out any, op string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return NewError(KindPermanent, op, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are retryable.
		if errors.Is(err, context.DeadlineExceeded) {
			return NewError(KindTransient, op, "request timed out", err)
		}
		return NewError(KindTransient, op, "request failed", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return NewError(KindConflict, op, "remote version diverged", nil)
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return NewError(KindPermanent, op, fmt.Sprintf("remote rejected payload (%d)", resp.StatusCode), nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindTransient, op, fmt.Sprintf("remote unavailable (%d)", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return NewError(KindPermanent, op, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(KindTransient, op, "failed to decode response", err)
		}
	}
	return nil
}
