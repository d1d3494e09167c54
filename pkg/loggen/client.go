package loggen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/splax/logprocessor/internal/domain"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrInvalidArgument indicates the processor rejected the payload with validation errors.
var ErrInvalidArgument = errors.New("log processor invalid argument")

// ErrRateLimited indicates the processor asked the client to slow down.
var ErrRateLimited = errors.New("log processor rate limited")

// ErrUnavailable indicates the processor or its store could not take the request.
var ErrUnavailable = errors.New("log processor unavailable")

// Client ships log records to a processor over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the processor at baseURL.
func NewClient(baseURL string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("log processor base url required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{baseURL: trimmed, client: client}, nil
}

// Send posts a single record to /logs.
func (c *Client) Send(ctx context.Context, rec domain.LogRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	return c.post(ctx, "/logs", body, "")
}

// SendBatch posts records to /logs/batch as a gzip-compressed JSON array.
func (c *Client) SendBatch(ctx context.Context, recs []domain.LogRecord) error {
	raw, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal log batch: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("compress log batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress log batch: %w", err)
	}
	return c.post(ctx, "/logs/batch", buf.Bytes(), "gzip")
}

// Health reports whether the processor answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errorForStatus(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, encoding string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build log request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send log request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, summary)
	default:
		return fmt.Errorf("log request failed: %s", summary)
	}
}
