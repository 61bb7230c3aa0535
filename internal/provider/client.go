// Package provider implements the HTTP client for the remote crawl API. All
// calls are gated by a circuit breaker; repeated transport or server failures
// open it and callers see ErrUnavailable without touching the network.
package provider

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

	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/breaker"
	"github.com/zoras/llm-codes/internal/crawl"
	"github.com/zoras/llm-codes/internal/metrics"
)

// ErrUnavailable signals the breaker is open and no request was attempted.
var ErrUnavailable = errors.New("provider: circuit open, request not attempted")

const defaultTimeout = 30 * time.Second

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: unexpected status %d: %s", e.Code, e.Body)
}

// Gateway reports whether the status is an intermediary error that the
// reconciler tolerates silently up to its threshold.
func (e *StatusError) Gateway() bool {
	switch e.Code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 522, 524:
		return true
	default:
		return false
	}
}

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the remote crawl service.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *breaker.Breaker
	logger  *zap.Logger
}

// New constructs a Client. br may be nil to disable breaker gating.
func New(cfg Config, br *breaker.Breaker, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: br,
		logger:  logger,
	}
}

type startPayload struct {
	URL           string        `json:"url"`
	Limit         int           `json:"limit,omitempty"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
}

type startReply struct {
	Success     bool   `json:"success"`
	ID          string `json:"id"`
	CreditsUsed int    `json:"creditsUsed"`
	Error       string `json:"error,omitempty"`
}

type statusReply struct {
	Status      string       `json:"status"`
	Completed   int          `json:"completed"`
	Total       int          `json:"total"`
	CreditsUsed int          `json:"creditsUsed"`
	Next        string       `json:"next,omitempty"`
	Data        []statusPage `json:"data"`
}

type statusPage struct {
	Markdown string         `json:"markdown"`
	Metadata statusMetadata `json:"metadata"`
}

type statusMetadata struct {
	SourceURL string `json:"sourceURL"`
	URL       string `json:"url"`
}

// StartCrawl submits a new crawl for req.URL.
func (c *Client) StartCrawl(ctx context.Context, req crawl.StartRequest) (crawl.StartResponse, error) {
	payload := startPayload{
		URL:           req.URL,
		Limit:         req.Limit,
		ScrapeOptions: scrapeOptions{Formats: []string{"markdown"}},
	}
	var reply startReply
	if err := c.do(ctx, "start", http.MethodPost, c.baseURL+"/v1/crawl", payload, &reply); err != nil {
		return crawl.StartResponse{}, err
	}
	if reply.ID == "" {
		return crawl.StartResponse{}, fmt.Errorf("provider: start accepted without job id: %s", reply.Error)
	}
	return crawl.StartResponse{ID: reply.ID, CreditsUsed: reply.CreditsUsed}, nil
}

// JobStatus polls a remote job. A non-empty req.Next is a provider-supplied
// pagination URL and is followed verbatim.
func (c *Client) JobStatus(ctx context.Context, req crawl.StatusRequest) (crawl.StatusResponse, error) {
	target := req.Next
	if target == "" {
		target = c.baseURL + "/v1/crawl/" + req.JobID
	}
	var reply statusReply
	if err := c.do(ctx, "status", http.MethodGet, target, nil, &reply); err != nil {
		return crawl.StatusResponse{}, err
	}
	out := crawl.StatusResponse{
		Status:      reply.Status,
		Completed:   reply.Completed,
		Total:       reply.Total,
		CreditsUsed: reply.CreditsUsed,
		Next:        reply.Next,
	}
	for _, page := range reply.Data {
		src := page.Metadata.SourceURL
		if src == "" {
			src = page.Metadata.URL
		}
		out.Data = append(out.Data, crawl.Result{SourceURL: src, Markdown: page.Markdown})
	}
	return out, nil
}

// do runs one breaker-gated request and decodes the JSON reply into out.
func (c *Client) do(ctx context.Context, op, method, url string, payload, out any) error {
	if c.breaker != nil && !c.breaker.CanRequest() {
		metrics.ObserveProviderRequest(op, "rejected")
		return ErrUnavailable
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("provider: encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("provider: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		metrics.ObserveProviderRequest(op, "transport_error")
		return fmt.Errorf("provider: %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure()
		}
		metrics.ObserveProviderRequest(op, "error")
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.recordFailure()
		metrics.ObserveProviderRequest(op, "decode_error")
		return fmt.Errorf("provider: decode %s response: %w", op, err)
	}
	c.recordSuccess()
	metrics.ObserveProviderRequest(op, "success")
	return nil
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}
