// Package reporting is a small client for the Analytics Reporting API v4
// reports:batchGet endpoint. It paces calls to stay within quota and retries
// transient failures with exponential backoff.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the production batchGet URL.
const DefaultEndpoint = "https://analyticsreporting.googleapis.com/v4/reports:batchGet"

var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_api_requests_total",
		Help: "Reporting API calls by HTTP status",
	}, []string{"status"})

	apiRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analytics_api_request_duration_seconds",
		Help:    "Reporting API call latency",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	})

	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_api_retries_total",
		Help: "Reporting API retry attempts by error class",
	}, []string{"error_class"})
)

// Config holds client settings. Zero values are replaced by DefaultConfig's.
type Config struct {
	Endpoint string
	Timeout  time.Duration

	// MaxAttempts includes the initial request.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestsPerSecond paces calls; the API quota is per view and per project.
	RequestsPerSecond float64
	Burst             int

	Transport http.RoundTripper
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:          DefaultEndpoint,
		Timeout:           60 * time.Second,
		MaxAttempts:       5,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        60 * time.Second,
		RequestsPerSecond: 1,
		Burst:             1,
	}
}

// Client sends batchGet calls.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	cfg        Config
}

// NewClient creates a Client, applying defaults for unset fields.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
	}
}

// BatchGet sends one batchGet call with the caller's credential headers and
// returns the decoded response. Transient failures are retried; a response
// whose report count differs from the request is returned as-is for the
// caller to reject.
func (c *Client) BatchGet(ctx context.Context, headers http.Header, req *BatchGetRequest) (*BatchGetResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("BatchGet: encoding request: %w", err)
	}

	log := logger.FromContext(ctx)
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("BatchGet: waiting for rate limiter: %w", err)
		}

		resp, err := c.do(ctx, headers, body)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Reporting API call succeeded after retry")
			}
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.retryable() {
			return nil, fmt.Errorf("BatchGet: %w", err)
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		apiRetriesTotal.WithLabelValues(string(apiErr.Class)).Inc()
		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying reporting API call")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("BatchGet: cancelled during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("BatchGet: %w after %d attempts: %w", ErrRetryExhausted, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, headers http.Header, body []byte) (*BatchGetResponse, error) {
	start := time.Now()
	defer func() {
		apiRequestDuration.Observe(time.Since(start).Seconds())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		apiRequestsTotal.WithLabelValues("network_error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Class: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		const maxBody = 2000
		if len(payload) > maxBody {
			payload = payload[:maxBody]
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      classifyStatus(resp.StatusCode),
			Body:       string(payload),
		}
	}

	var out BatchGetResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

func (e *APIError) retryable() bool {
	if e.Class == ErrorClassNetwork {
		return true
	}
	return retryableStatus(e.StatusCode)
}
