// Package clients provides the HTTP client used by feed fetchers
package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/feedstream/pkg/compression"
	"github.com/ajitpratap0/feedstream/pkg/logger"
)

// HTTPClient wraps an http.Client with an HTTP/2 capable transport, an
// optional request rate limit and request statistics.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport
	limiter    *rate.Limiter

	totalRequests  int64
	failedRequests int64

	mu           sync.Mutex
	totalLatency time.Duration
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	MaxIdleConnsPerHost   int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `json:"idle_conn_timeout"`
	DialTimeout           time.Duration `json:"dial_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	EnableHTTP2           bool          `json:"enable_http2"`
	TLSMinVersion         uint16        `json:"tls_min_version"`
	UserAgent             string        `json:"user_agent"`

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
}

// DefaultHTTPConfig returns default client configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		EnableHTTP2:           true,
		TLSMinVersion:         tls.VersionTLS12,
		UserAgent:             "feedstream/1.0",
		RateBurst:             1,
	}
}

// NewHTTPClient creates a new HTTP client
func NewHTTPClient(config *HTTPConfig, log *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	l := logger.OrNop(log).With(zap.String("component", "http_client"))

	client := &HTTPClient{
		config: config,
		logger: l,
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		// Content-Encoding is decoded by the caller for every supported
		// algorithm, not only gzip.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion: config.TLSMinVersion,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			l.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return client
}

// Get performs an HTTP GET request advertising every supported content encoding
func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", compression.AcceptEncoding())
	}
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	return c.Do(req)
}

// Do performs an HTTP request after waiting on the rate limiter
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()

	resp, err := c.httpClient.Do(req)

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		atomic.AddInt64(&c.failedRequests, 1)
	}
	return resp, nil
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() HTTPStats {
	total := atomic.LoadInt64(&c.totalRequests)
	failed := atomic.LoadInt64(&c.failedRequests)

	stats := HTTPStats{
		TotalRequests:  total,
		FailedRequests: failed,
	}
	if total > 0 {
		stats.SuccessRate = float64(total-failed) / float64(total) * 100
		c.mu.Lock()
		stats.AverageLatency = c.totalLatency / time.Duration(total)
		c.mu.Unlock()
	}
	return stats
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.logger.Debug("closing HTTP client")
	c.transport.CloseIdleConnections()
	return nil
}

// HTTPStats represents HTTP client statistics
type HTTPStats struct {
	TotalRequests  int64         `json:"total_requests"`
	FailedRequests int64         `json:"failed_requests"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
}
