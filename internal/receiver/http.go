// Package receiver accepts error reports over HTTP and hands them to the
// delivery client. It speaks the same POST /entries shape as the upstream
// ingestion API, so applications can point at the relay unchanged.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/szibis/crash-relay/internal/auth"
	"github.com/szibis/crash-relay/internal/client"
	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/report"
	"github.com/szibis/crash-relay/internal/sender"
	tlspkg "github.com/szibis/crash-relay/internal/tls"
)

// DefaultMaxRequestBodySize is the default limit on decoded report size (5MB).
const DefaultMaxRequestBodySize = 5 * 1024 * 1024

// Sink is where accepted reports go. *client.Client implements it.
type Sink interface {
	Send(ctx context.Context, r report.Report) client.SendResult
	Draining() bool
}

// Config holds the receiver configuration.
type Config struct {
	// Addr is the listen address.
	Addr string
	// MaxRequestBodySize limits the decoded body size (default: 5MB).
	MaxRequestBodySize int64
	// RequireAPIKey rejects requests without an X-ApiKey header. When false,
	// such reports use the client's default key.
	RequireAPIKey bool
	// ReadHeaderTimeout is the maximum duration for reading request headers (default: 10s).
	ReadHeaderTimeout time.Duration
	// WriteTimeout is the maximum duration before timing out writes of the
	// response (default: 30s).
	WriteTimeout time.Duration
	// IdleTimeout is the keep-alive idle timeout (default: 1m).
	IdleTimeout time.Duration
	// TLS enables HTTPS, optionally with client certificate verification.
	TLS tlspkg.ServerConfig
	// APIKeys restricts accepted X-ApiKey values. Empty accepts any key.
	APIKeys []string
}

// HTTPReceiver receives reports via HTTP.
type HTTPReceiver struct {
	server             *http.Server
	sink               Sink
	addr               string
	maxRequestBodySize int64
	auth               auth.ServerConfig
	tls                bool
	logger             *logging.Logger
}

// NewHTTP creates a new HTTP receiver.
func NewHTTP(cfg Config, sink Sink, logger *logging.Logger) (*HTTPReceiver, error) {
	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to configure receiver TLS: %w", err)
	}

	r := &HTTPReceiver{
		sink:               sink,
		addr:               cfg.Addr,
		maxRequestBodySize: cfg.MaxRequestBodySize,
		auth: auth.ServerConfig{
			Header:  sender.APIKeyHeader,
			Require: cfg.RequireAPIKey,
			Keys:    cfg.APIKeys,
		},
		tls:    tlsConfig != nil,
		logger: logger,
	}
	if r.maxRequestBodySize <= 0 {
		r.maxRequestBodySize = DefaultMaxRequestBodySize
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 1 * time.Minute
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		TLSConfig:         tlsConfig,
	}
	return r, nil
}

// Handler returns the receiver's HTTP handler.
func (r *HTTPReceiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(sender.EntriesPath, r.handleEntries)
	return auth.HTTPMiddleware(r.auth, mux)
}

func (r *HTTPReceiver) handleEntries(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.Inc()

	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Load shedding: reject while the queue is draining
	if r.sink.Draining() {
		receiverLoadSheddingTotal.Inc()
		w.Header().Set("Retry-After", "5")
		http.Error(w, "queue draining, retry later", http.StatusTooManyRequests)
		return
	}

	apiKey := req.Header.Get(sender.APIKeyHeader)

	typ, ok := compression.ParseContentEncoding(req.Header.Get("Content-Encoding"))
	if !ok {
		IncrementReceiverError("decompress")
		http.Error(w, "Unsupported content encoding", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxRequestBodySize+1))
	req.Body.Close()
	if err != nil {
		IncrementReceiverError("read")
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > r.maxRequestBodySize {
		IncrementReceiverError("too_large")
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	payload, err := compression.DecompressLimit(body, typ, r.maxRequestBodySize)
	if errors.Is(err, compression.ErrTooLarge) {
		IncrementReceiverError("too_large")
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		IncrementReceiverError("decompress")
		r.logger.Warn("failed to decompress report body", logging.F(
			"encoding", string(typ),
			"error", err.Error(),
		))
		http.Error(w, "Failed to decompress body", http.StatusBadRequest)
		return
	}

	if !json.Valid(payload) {
		IncrementReceiverError("decode")
		http.Error(w, "Body is not valid JSON", http.StatusBadRequest)
		return
	}
	receiverBytesTotal.Add(float64(len(payload)))

	result := r.sink.Send(req.Context(), report.Report{APIKey: apiKey, Payload: payload})
	switch result {
	case client.ResultDropped:
		IncrementReceiverError("dropped")
		w.Header().Set("Retry-After", "5")
		http.Error(w, "report dropped, retry later", http.StatusTooManyRequests)
	case client.ResultRejected:
		IncrementReceiverError("rejected")
		http.Error(w, "report rejected by upstream", http.StatusBadRequest)
	default:
		w.Header().Set("X-Crash-Relay-Result", result.String())
		w.WriteHeader(http.StatusAccepted)
	}
}

// Start starts the HTTP server. It blocks until the server stops.
func (r *HTTPReceiver) Start() error {
	r.logger.Info("HTTP receiver started", logging.F("addr", r.addr, "tls", r.tls))
	var err error
	if r.tls {
		// Certificates come from server.TLSConfig.
		err = r.server.ListenAndServeTLS("", "")
	} else {
		err = r.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// HealthCheck returns nil if the receiver port is accepting connections.
func (r *HTTPReceiver) HealthCheck() error {
	conn, err := net.DialTimeout("tcp", r.addr, 1*time.Second)
	if err != nil {
		return fmt.Errorf("receiver not reachable on %s: %w", r.addr, err)
	}
	conn.Close()
	return nil
}
