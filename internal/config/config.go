// Package config resolves the relay configuration from defaults, an
// optional YAML file and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/crash-relay/internal/cardinality"
	"github.com/szibis/crash-relay/internal/client"
	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/offline"
	"github.com/szibis/crash-relay/internal/queue"
	"github.com/szibis/crash-relay/internal/receiver"
	"github.com/szibis/crash-relay/internal/sender"
	"github.com/szibis/crash-relay/internal/stats"
	"github.com/szibis/crash-relay/internal/telemetry"
	tlspkg "github.com/szibis/crash-relay/internal/tls"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string {
	return version
}

// Config holds the application configuration.
type Config struct {
	ConfigFile string

	// Upstream ingestion
	APIKey                  string
	Endpoint                string
	SendTimeout             time.Duration
	SendCompression         string
	InsecureSkipTLS         bool
	CircuitFailureThreshold int
	CircuitResetTimeout     time.Duration

	// Upstream TLS
	EndpointCAFile     string
	EndpointCertFile   string
	EndpointKeyFile    string
	EndpointServerName string

	// Relay receiver
	ListenAddr         string
	RequireAPIKey      bool
	AllowedAPIKeys     string // comma-separated
	MaxRequestBodySize int64

	// Receiver TLS
	ReceiverTLSCertFile string
	ReceiverTLSKeyFile  string
	ReceiverTLSClientCA string

	// Metrics and health
	StatsAddr string

	LogLevel string

	// Background queue
	UseBackgroundQueue      bool
	QueueMaxSize            int
	QueueWorkers            int
	QueueWorkerBreakpoint   int
	QueueShutdownTimeout    time.Duration
	QueueSkipShutdownWait   bool
	SyncFallback            bool
	SyncFallbackConcurrency int

	// Offline store
	UseOfflineStore      bool
	OfflineDir           string
	OfflineAppID         string
	OfflineMaxFiles      int
	OfflineRetryInterval time.Duration
	OfflineCompression   string

	// Duplicate suppression
	DedupWindow        time.Duration
	DedupExpectedItems uint

	// GOMEMLIMIT ratio of the container memory limit (0 disables)
	MemoryLimitRatio float64

	// Delivery SLIs
	SLIEnabled        bool
	SLIDeliveryTarget float64
	SLISendTarget     float64

	// Self-telemetry
	TelemetryEndpoint     string
	TelemetryProtocol     string
	TelemetryInsecure     bool
	TelemetryPushInterval time.Duration

	ShowVersion  bool
	ValidateOnly bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:                "https://api.raygun.com",
		SendTimeout:             sender.DefaultTimeout,
		SendCompression:         string(compression.TypeNone),
		CircuitFailureThreshold: 10,
		CircuitResetTimeout:     sender.DefaultCircuitResetTimeout,
		ListenAddr:              ":8080",
		MaxRequestBodySize:      receiver.DefaultMaxRequestBodySize,
		StatsAddr:               ":9090",
		LogLevel:                string(logging.LevelInfo),
		UseBackgroundQueue:      true,
		QueueMaxSize:            queue.DefaultMaxQueueSize,
		QueueWorkers:            queue.DefaultMaxWorkers(),
		QueueWorkerBreakpoint:   queue.DefaultWorkerBreakpoint,
		QueueShutdownTimeout:    queue.DefaultShutdownTimeout,
		SyncFallbackConcurrency: client.DefaultSyncFallbackConcurrency(),
		UseOfflineStore:         true,
		OfflineAppID:            "crash-relay",
		OfflineMaxFiles:         offline.DefaultMaxEntries,
		OfflineRetryInterval:    offline.DefaultRetryInterval,
		OfflineCompression:      string(compression.TypeGzip),
		DedupExpectedItems:      cardinality.DefaultConfig().ExpectedItems,
		MemoryLimitRatio:        0.9,
		SLIEnabled:              true,
		SLIDeliveryTarget:       stats.DefaultDeliveryTarget,
		SLISendTarget:           stats.DefaultSendTarget,
		TelemetryProtocol:       string(telemetry.ProtocolGRPC),
		TelemetryInsecure:       true,
		TelemetryPushInterval:   30 * time.Second,
	}
}

// ParseFlags parses the process arguments. It exits on -help.
func ParseFlags() (*Config, error) {
	cfg, err := Parse(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	return cfg, err
}

// Parse builds the configuration from args. Precedence is defaults, then
// the YAML file named by -config, then flags set explicitly in args.
func Parse(args []string, output io.Writer) (*Config, error) {
	// First pass only locates the config file.
	probe := flag.NewFlagSet("crash-relay", flag.ContinueOnError)
	probe.SetOutput(io.Discard)
	bind(probe, DefaultConfig())
	_ = probe.Parse(args)

	cfg := DefaultConfig()
	if f := probe.Lookup("config"); f != nil && f.Value.String() != "" {
		y, err := LoadYAML(f.Value.String())
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		y.Apply(cfg)
	}

	// Flags default to the current values, so only explicit flags override the file.
	fs := flag.NewFlagSet("crash-relay", flag.ContinueOnError)
	fs.SetOutput(output)
	bind(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bind(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to YAML configuration file")

	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Default ingestion API key for reports without one")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Ingestion base URL (reports are posted to <endpoint>/entries)")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Per-request delivery timeout")
	fs.StringVar(&cfg.SendCompression, "send-compression", cfg.SendCompression, "Request body compression: none, gzip, zstd, snappy, zlib, deflate")
	fs.BoolVar(&cfg.InsecureSkipTLS, "insecure-skip-verify", cfg.InsecureSkipTLS, "Skip TLS certificate verification for the endpoint")
	fs.IntVar(&cfg.CircuitFailureThreshold, "circuit-failure-threshold", cfg.CircuitFailureThreshold, "Consecutive transient failures before the endpoint circuit opens (0 = disabled)")
	fs.DurationVar(&cfg.CircuitResetTimeout, "circuit-reset-timeout", cfg.CircuitResetTimeout, "Time an open circuit waits before a probe request")
	fs.StringVar(&cfg.EndpointCAFile, "endpoint-ca-file", cfg.EndpointCAFile, "CA certificate used to verify the endpoint")
	fs.StringVar(&cfg.EndpointCertFile, "endpoint-cert-file", cfg.EndpointCertFile, "Client certificate presented to the endpoint (mTLS)")
	fs.StringVar(&cfg.EndpointKeyFile, "endpoint-key-file", cfg.EndpointKeyFile, "Client private key presented to the endpoint (mTLS)")
	fs.StringVar(&cfg.EndpointServerName, "endpoint-server-name", cfg.EndpointServerName, "Server name override for endpoint certificate verification")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Relay receiver listen address (empty disables the receiver)")
	fs.BoolVar(&cfg.RequireAPIKey, "require-api-key", cfg.RequireAPIKey, "Reject relay requests without an X-ApiKey header")
	fs.StringVar(&cfg.AllowedAPIKeys, "allowed-api-keys", cfg.AllowedAPIKeys, "Comma-separated X-ApiKey values accepted by the receiver (empty accepts any)")
	fs.StringVar(&cfg.ReceiverTLSCertFile, "receiver-tls-cert", cfg.ReceiverTLSCertFile, "Receiver TLS certificate file (enables HTTPS)")
	fs.StringVar(&cfg.ReceiverTLSKeyFile, "receiver-tls-key", cfg.ReceiverTLSKeyFile, "Receiver TLS private key file")
	fs.StringVar(&cfg.ReceiverTLSClientCA, "receiver-tls-client-ca", cfg.ReceiverTLSClientCA, "CA for verifying receiver client certificates (enables mTLS)")
	fs.Int64Var(&cfg.MaxRequestBodySize, "max-request-body-size", cfg.MaxRequestBodySize, "Maximum decoded report size in bytes")

	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Metrics and health listen address (empty disables it)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: error, warn, info, debug, verbose, none")

	fs.BoolVar(&cfg.UseBackgroundQueue, "use-background-queue", cfg.UseBackgroundQueue, "Deliver reports from a background worker queue")
	fs.IntVar(&cfg.QueueMaxSize, "queue-max-size", cfg.QueueMaxSize, "Queue depth at which new reports are rejected")
	fs.IntVar(&cfg.QueueWorkers, "queue-workers", cfg.QueueWorkers, "Maximum concurrent delivery workers")
	fs.IntVar(&cfg.QueueWorkerBreakpoint, "queue-worker-breakpoint", cfg.QueueWorkerBreakpoint, "Queue depth per additional worker")
	fs.DurationVar(&cfg.QueueShutdownTimeout, "queue-shutdown-timeout", cfg.QueueShutdownTimeout, "Maximum wait for workers on shutdown")
	fs.BoolVar(&cfg.QueueSkipShutdownWait, "queue-skip-shutdown-wait", cfg.QueueSkipShutdownWait, "Do not wait for workers on shutdown")
	fs.BoolVar(&cfg.SyncFallback, "sync-fallback", cfg.SyncFallback, "Send synchronously when the queue rejects a report")
	fs.IntVar(&cfg.SyncFallbackConcurrency, "sync-fallback-concurrency", cfg.SyncFallbackConcurrency, "Maximum concurrent synchronous fallback sends")

	fs.BoolVar(&cfg.UseOfflineStore, "use-offline-store", cfg.UseOfflineStore, "Persist transiently failed reports to disk for replay")
	fs.StringVar(&cfg.OfflineDir, "offline-dir", cfg.OfflineDir, "Offline store directory (default: user cache dir keyed by -offline-app-id)")
	fs.StringVar(&cfg.OfflineAppID, "offline-app-id", cfg.OfflineAppID, "Application id used to derive the default offline directory")
	fs.IntVar(&cfg.OfflineMaxFiles, "offline-max-files", cfg.OfflineMaxFiles, "Maximum stored reports")
	fs.DurationVar(&cfg.OfflineRetryInterval, "offline-retry-interval", cfg.OfflineRetryInterval, "Interval between replays of stored reports")
	fs.StringVar(&cfg.OfflineCompression, "offline-compression", cfg.OfflineCompression, "Stored file compression: none, gzip, zstd, snappy, zlib, deflate")

	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "Suppress identical reports within this window (0 disables)")
	fs.UintVar(&cfg.DedupExpectedItems, "dedup-expected-items", cfg.DedupExpectedItems, "Expected distinct reports per dedup window")

	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "GOMEMLIMIT as a ratio of the container memory limit (0 disables)")

	fs.BoolVar(&cfg.SLIEnabled, "sli-enabled", cfg.SLIEnabled, "Export delivery SLI ratios, burn rates and error budgets")
	fs.Float64Var(&cfg.SLIDeliveryTarget, "sli-delivery-target", cfg.SLIDeliveryTarget, "SLO target for delivered/eligible reports")
	fs.Float64Var(&cfg.SLISendTarget, "sli-send-target", cfg.SLISendTarget, "SLO target for accepted/attempted sends")

	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self-telemetry (empty disables it)")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "Self-telemetry protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use a plaintext connection for self-telemetry")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "Self-telemetry metric push interval")

	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")
	fs.BoolVar(&cfg.ValidateOnly, "validate", cfg.ValidateOnly, "Validate the configuration, print the result as JSON and exit")
}

// PrintVersion prints the version.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "crash-relay version %s\n", version)
}

// Level returns the parsed log level.
func (c *Config) Level() logging.Level {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}

// SenderConfig returns the upstream sender configuration.
func (c *Config) SenderConfig() sender.Config {
	typ, _ := compression.ParseType(c.SendCompression)
	return sender.Config{
		Endpoint:                c.Endpoint,
		APIKey:                  c.APIKey,
		Timeout:                 c.SendTimeout,
		Compression:             compression.Config{Type: typ},
		UserAgent:               "crash-relay/" + version,
		CircuitFailureThreshold: c.CircuitFailureThreshold,
		CircuitResetTimeout:     c.CircuitResetTimeout,
		TLS: tlspkg.ClientConfig{
			CAFile:             c.EndpointCAFile,
			CertFile:           c.EndpointCertFile,
			KeyFile:            c.EndpointKeyFile,
			ServerName:         c.EndpointServerName,
			InsecureSkipVerify: c.InsecureSkipTLS,
		},
	}
}

// QueueConfig returns the background queue configuration.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		MaxQueueSize:     c.QueueMaxSize,
		MaxWorkers:       c.QueueWorkers,
		WorkerBreakpoint: c.QueueWorkerBreakpoint,
		ShutdownTimeout:  c.QueueShutdownTimeout,
		SkipShutdownWait: c.QueueSkipShutdownWait,
	}
}

// ClientConfig returns the delivery client configuration.
func (c *Config) ClientConfig() client.Config {
	dedup := cardinality.DefaultConfig()
	if c.DedupExpectedItems > 0 {
		dedup.ExpectedItems = c.DedupExpectedItems
	}
	return client.Config{
		APIKey:                  c.APIKey,
		UseBackgroundQueue:      c.UseBackgroundQueue,
		Queue:                   c.QueueConfig(),
		SyncFallback:            c.SyncFallback,
		SyncFallbackConcurrency: c.SyncFallbackConcurrency,
		DedupWindow:             c.DedupWindow,
		Dedup:                   dedup,
	}
}

// FileStoreConfig returns the offline store configuration, resolving the
// default directory from the application id.
func (c *Config) FileStoreConfig() (offline.FileStoreConfig, error) {
	dir := c.OfflineDir
	if dir == "" {
		var err error
		if dir, err = offline.DefaultDir(c.OfflineAppID); err != nil {
			return offline.FileStoreConfig{}, err
		}
	}
	typ, _ := compression.ParseType(c.OfflineCompression)
	return offline.FileStoreConfig{
		Dir:         dir,
		MaxEntries:  c.OfflineMaxFiles,
		Compression: typ,
	}, nil
}

// ReceiverConfig returns the relay receiver configuration.
func (c *Config) ReceiverConfig() receiver.Config {
	return receiver.Config{
		Addr:               c.ListenAddr,
		MaxRequestBodySize: c.MaxRequestBodySize,
		RequireAPIKey:      c.RequireAPIKey,
		APIKeys:            splitList(c.AllowedAPIKeys),
		TLS: tlspkg.ServerConfig{
			CertFile:     c.ReceiverTLSCertFile,
			KeyFile:      c.ReceiverTLSKeyFile,
			ClientCAFile: c.ReceiverTLSClientCA,
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SLIConfig returns the delivery SLI tracker configuration.
func (c *Config) SLIConfig() stats.SLIConfig {
	return stats.SLIConfig{
		DeliveryTarget: c.SLIDeliveryTarget,
		SendTarget:     c.SLISendTarget,
	}
}

// TelemetryConfig returns the self-telemetry configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	protocol, _ := telemetry.ParseProtocol(c.TelemetryProtocol)
	return telemetry.Config{
		Endpoint:     c.TelemetryEndpoint,
		Protocol:     protocol,
		Insecure:     c.TelemetryInsecure,
		PushInterval: c.TelemetryPushInterval,
	}
}
