package entitlements

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const professionalBody = `{"tier":"professional","features":{"deep_research":true},"usage":{"ai_query":{"display_name":"AI Queries","current":10,"limit":500}},"period_start":"2026-10-01T00:00:00Z","period_end":"2026-11-01T00:00:00Z"}`

func TestHTTPSourceSendsHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		got = r.Header.Clone()
		_, _ = w.Write([]byte(professionalBody))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, server.Client())
	defer src.Close()

	snap, err := src.Fetch(context.Background(), " tok ")
	require.NoError(t, err)
	assert.Equal(t, TierProfessional, snap.Tier)

	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, UserAgent, got.Get("User-Agent"))
	_, err = uuid.Parse(got.Get("X-Request-ID"))
	assert.NoError(t, err, "request id should be a uuid")
}

func TestHTTPSourceOmitsAuthorizationWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["Authorization"]; ok {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"tier":"free"}`))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, server.Client())
	defer src.Close()

	snap, err := src.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, TierFree, snap.Tier)
}

func TestHTTPSourceReportsStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 400)))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, server.Client())
	defer src.Close()

	_, err := src.Fetch(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Len(t, statusErr.Body, 183, "long bodies are truncated")
	assert.True(t, strings.HasSuffix(statusErr.Body, "..."))
}

func TestHTTPSourceAcceptsAnySuccessStatus(t *testing.T) {
	for _, code := range []int{http.StatusCreated, http.StatusNonAuthoritativeInfo} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(professionalBody))
		}))

		src := NewHTTPSource(server.URL, server.Client())
		snap, err := src.Fetch(context.Background(), "tok")
		_ = src.Close()
		server.Close()

		require.NoError(t, err, "HTTP %d", code)
		assert.Equal(t, TierProfessional, snap.Tier, "HTTP %d", code)
	}
}

func TestHTTPSourceRejectsMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, server.Client())
	defer src.Close()

	_, err := src.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHTTPSourceHonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	src := NewHTTPSource(server.URL, server.Client())
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := src.Fetch(ctx, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHTTPSourceDefaults(t *testing.T) {
	src := NewHTTPSource("  ", nil)
	assert.Equal(t, DefaultEndpoint, src.Endpoint())
	assert.Equal(t, "http", src.Name())
	assert.NoError(t, src.Close())
}
