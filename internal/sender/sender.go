// Package sender delivers reports to the ingestion endpoint over HTTP and
// classifies the result as delivered, retryable or permanent.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/report"
	tlspkg "github.com/szibis/crash-relay/internal/tls"
)

const (
	// EntriesPath is appended to the endpoint base URL.
	EntriesPath = "/entries"
	// APIKeyHeader carries the ingestion key.
	APIKeyHeader = "X-ApiKey"

	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 10 * time.Second
	// DefaultCircuitResetTimeout is how long an open circuit waits before probing.
	DefaultCircuitResetTimeout = 30 * time.Second

	maxErrorBody = 4096
)

// Config holds sender configuration.
type Config struct {
	// Endpoint is the ingestion base URL. A missing scheme defaults to https.
	Endpoint string
	// APIKey is used for reports that do not carry their own key.
	APIKey string
	// Timeout bounds each request (default: 10s).
	Timeout time.Duration
	// Compression is applied to request bodies and announced via Content-Encoding.
	Compression compression.Config
	// Headers are added to every request.
	Headers map[string]string
	// UserAgent overrides the default User-Agent.
	UserAgent string
	// TLS configures server verification and the optional client certificate.
	TLS tlspkg.ClientConfig
	// MaxIdleConnsPerHost bounds idle keep-alive connections (default: 16).
	MaxIdleConnsPerHost int
	// HTTP2ReadIdleTimeout enables HTTP/2 health-check pings after this idle period.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout bounds the wait for a ping response.
	HTTP2PingTimeout time.Duration
	// CircuitFailureThreshold opens the circuit after this many consecutive
	// transient failures. Zero disables the breaker.
	CircuitFailureThreshold int
	// CircuitResetTimeout is the wait before a probe request (default: 30s).
	CircuitResetTimeout time.Duration
}

// Sender posts reports to the ingestion endpoint.
type Sender struct {
	url         string
	apiKey      string
	compression compression.Config
	client      *http.Client
	breaker     *circuitBreaker
	logger      *logging.Logger
}

// New creates a sender.
func New(cfg Config, logger *logging.Logger) (*Sender, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sender: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crash-relay"
	}

	tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
	}

	http2Transport, err := http2.ConfigureTransports(transport)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
	}
	if cfg.HTTP2ReadIdleTimeout > 0 {
		http2Transport.ReadIdleTimeout = cfg.HTTP2ReadIdleTimeout
	}
	if cfg.HTTP2PingTimeout > 0 {
		http2Transport.PingTimeout = cfg.HTTP2PingTimeout
	}

	if cfg.CircuitResetTimeout <= 0 {
		cfg.CircuitResetTimeout = DefaultCircuitResetTimeout
	}
	breaker := newCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout)
	breaker.onTransition = func(from, to CircuitState) {
		logger.Warn("endpoint circuit breaker changed state", logging.F(
			"from", from.String(), "to", to.String(), "endpoint", cfg.Endpoint,
		))
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	headers["User-Agent"] = cfg.UserAgent

	return &Sender{
		url:         entriesURL(cfg.Endpoint),
		apiKey:      cfg.APIKey,
		compression: cfg.Compression,
		client: &http.Client{
			Transport: HeaderTransport(headers, transport),
			Timeout:   cfg.Timeout,
		},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// CircuitState returns the endpoint circuit breaker state.
func (s *Sender) CircuitState() CircuitState {
	return s.breaker.State()
}

// URL returns the full entries URL requests are posted to.
func (s *Sender) URL() string {
	return s.url
}

// entriesURL adds a default scheme and the entries path to endpoint.
func entriesURL(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.HasSuffix(endpoint, EntriesPath) {
		return endpoint
	}
	return endpoint + EntriesPath
}

// Send posts r and returns nil on a 2xx response. Failures are returned as
// *DeliveryError.
func (s *Sender) Send(ctx context.Context, r report.Report) error {
	start := time.Now()
	defer func() { sendDuration.Observe(time.Since(start).Seconds()) }()

	apiKey := r.APIKey
	if apiKey == "" {
		apiKey = s.apiKey
	}
	if apiKey == "" {
		recordError(ErrorTypeAuth)
		return &DeliveryError{Type: ErrorTypeAuth, Message: "no API key for report"}
	}

	body := []byte(r.Payload)
	compressionLabel := "none"
	if s.compression.Type != compression.TypeNone && s.compression.Type != "" {
		var err error
		body, err = compression.Compress(body, s.compression)
		if err != nil {
			recordError(ErrorTypeClientError)
			return &DeliveryError{Err: fmt.Errorf("failed to compress report: %w", err), Type: ErrorTypeClientError}
		}
		compressionLabel = string(s.compression.Type)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		recordError(ErrorTypeClientError)
		return &DeliveryError{Err: fmt.Errorf("failed to create request: %w", err), Type: ErrorTypeClientError}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, apiKey)
	if encoding := s.compression.Type.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	if !s.breaker.Allow() {
		recordError(ErrorTypeCircuitOpen)
		return &DeliveryError{Type: ErrorTypeCircuitOpen, Message: "endpoint circuit breaker is open"}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		errType := classifyError(err)
		if errType == ErrorTypeCanceled {
			s.breaker.RecordAbandoned()
		} else {
			s.breaker.RecordFailure()
		}
		recordError(errType)
		return &DeliveryError{Err: fmt.Errorf("failed to send request: %w", err), Type: errType}
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// Read and discard the rest to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errType := classifyHTTPStatusCode(resp.StatusCode)
		if errType == ErrorTypeServerError || errType == ErrorTypeTimeout || errType == ErrorTypeRateLimit {
			s.breaker.RecordFailure()
		} else {
			s.breaker.RecordSuccess()
		}
		recordError(errType)
		return &DeliveryError{
			Type:       errType,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	s.breaker.RecordSuccess()
	sendBytesTotal.WithLabelValues(compressionLabel).Add(float64(len(body)))
	return nil
}

// Deliver sends r and returns the classified outcome. Failures are logged.
func (s *Sender) Deliver(ctx context.Context, r report.Report) report.Outcome {
	err := s.Send(ctx, r)
	outcome := Classify(err)
	sendRequestsTotal.WithLabelValues(outcome.String()).Inc()

	if err != nil {
		fields := logging.F("outcome", outcome.String(), "error", err.Error())
		var de *DeliveryError
		if errors.As(err, &de) {
			fields["error_type"] = string(de.Type)
			if de.StatusCode != 0 {
				fields["status_code"] = de.StatusCode
			}
		}
		if outcome == report.Permanent {
			s.logger.Warn("report rejected by endpoint", fields)
		} else {
			s.logger.Debug("report delivery failed", fields)
		}
	}
	return outcome
}

// HeaderTransport returns an http.RoundTripper that sets the given headers
// on every request.
func HeaderTransport(headers map[string]string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &headerTransport{base: base, headers: headers}
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())
	for k, v := range t.headers {
		reqClone.Header.Set(k, v)
	}
	return t.base.RoundTrip(reqClone)
}
