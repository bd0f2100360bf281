package entitlements

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultEndpoint = "http://localhost:8000/api/v1/billing/entitlements"

	maxResponseBytes = 1_000_000
)

// UserAgent is sent with every entitlements request.
var UserAgent = "entitlements-monitor/0.1"

var ErrUnexpectedStatus = errors.New("unexpected status")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("entitlements endpoint returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("entitlements endpoint returned HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

type HTTPSource struct {
	httpClient *http.Client
	endpoint   string
}

func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		// Per-request deadlines come from the caller's context.
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{
		httpClient: client,
		endpoint:   strings.TrimSpace(endpoint),
	}
}

func (s *HTTPSource) Name() string {
	return "http"
}

func (s *HTTPSource) Endpoint() string {
	return s.endpoint
}

func (s *HTTPSource) Fetch(ctx context.Context, token string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build entitlements request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("entitlements request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read entitlements response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Code: res.StatusCode, Body: summarizeBody(body)}
	}

	return DecodeSnapshot(body)
}

func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func summarizeBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 180 {
		return s[:180] + "..."
	}
	return s
}
