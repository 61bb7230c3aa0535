package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/breaker"
	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func TestClient_StartCrawl(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/crawl", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://example.com/docs", body["url"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "id": "remote-123", "creditsUsed": 5})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret"}, nil, zap.NewNop())
	resp, err := c.StartCrawl(context.Background(), crawl.StartRequest{URL: "https://example.com/docs", Limit: 50})
	require.NoError(t, err)
	require.Equal(t, "remote-123", resp.ID)
	require.Equal(t, 5, resp.CreditsUsed)
	require.Equal(t, "Bearer secret", gotAuth)
}

func TestClient_StartCrawl_MissingID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "quota exceeded"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := c.StartCrawl(context.Background(), crawl.StartRequest{URL: "https://example.com"})
	require.ErrorContains(t, err, "quota exceeded")
}

func TestClient_JobStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/crawl/remote-123", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "scraping",
			"completed":   3,
			"total":       10,
			"creditsUsed": 3,
			"next":        "",
			"data": []map[string]any{
				{"markdown": "# Page A", "metadata": map[string]any{"sourceURL": "https://example.com/a"}},
				{"markdown": "# Page B", "metadata": map[string]any{"url": "https://example.com/b"}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	resp, err := c.JobStatus(context.Background(), crawl.StatusRequest{JobID: "remote-123"})
	require.NoError(t, err)
	require.Equal(t, "scraping", resp.Status)
	require.Equal(t, 3, resp.Completed)
	require.Equal(t, 10, resp.Total)
	require.Len(t, resp.Data, 2)
	require.Equal(t, "https://example.com/a", resp.Data[0].SourceURL)
	// metadata.url is the fallback when sourceURL is absent.
	require.Equal(t, "https://example.com/b", resp.Data[1].SourceURL)
}

func TestClient_JobStatus_FollowsNextCursor(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"status": "scraping"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := c.JobStatus(context.Background(), crawl.StatusRequest{
		JobID: "remote-123",
		Next:  srv.URL + "/v1/crawl/remote-123?skip=10",
	})
	require.NoError(t, err)
	require.Equal(t, "/v1/crawl/remote-123", gotPath)
}

func TestStatusError_GatewayClassification(t *testing.T) {
	t.Parallel()

	for _, code := range []int{502, 503, 504, 522, 524} {
		require.True(t, (&StatusError{Code: code}).Gateway(), "code %d", code)
	}
	for _, code := range []int{400, 404, 429, 500} {
		require.False(t, (&StatusError{Code: code}).Gateway(), "code %d", code)
	}
}

func TestClient_NonOKStatusBecomesStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, zap.NewNop())
	_, err := c.JobStatus(context.Background(), crawl.StatusRequest{JobID: "remote-123"})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.Code)
	require.True(t, statusErr.Gateway())
}

func TestClient_BreakerOpensAndShortCircuits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := breaker.New("provider-test", breaker.Config{FailureThreshold: 2}, nil, clock.NewManual(time.Unix(1000, 0)), zap.NewNop())
	c := New(Config{BaseURL: srv.URL}, br, zap.NewNop())
	ctx := context.Background()

	_, err := c.JobStatus(ctx, crawl.StatusRequest{JobID: "x"})
	require.Error(t, err)
	_, err = c.JobStatus(ctx, crawl.StatusRequest{JobID: "x"})
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, br.State())

	// Circuit is open; the request never reaches the server.
	_, err = c.JobStatus(ctx, crawl.StatusRequest{JobID: "x"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_ClientErrorDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	br := breaker.New("provider-test-404", breaker.Config{FailureThreshold: 2}, nil, clock.NewManual(time.Unix(1000, 0)), zap.NewNop())
	c := New(Config{BaseURL: srv.URL}, br, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.JobStatus(ctx, crawl.StatusRequest{JobID: "x"})
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateClosed, br.State())
}
