package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/telemetry"
)

const validationPrefix = "configuration validation failed:\n  - "

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.APIKey == "" {
		add("api-key is required")
	}
	if c.Endpoint == "" {
		add("endpoint is required")
	}
	if c.SendTimeout <= 0 {
		add("send-timeout must be positive, got %s", c.SendTimeout)
	}
	if _, err := compression.ParseType(c.SendCompression); err != nil {
		add("send-compression is invalid: %v", err)
	}
	if c.CircuitFailureThreshold < 0 {
		add("circuit-failure-threshold must not be negative, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitFailureThreshold > 0 && c.CircuitResetTimeout <= 0 {
		add("circuit-reset-timeout must be positive when the circuit breaker is enabled, got %s", c.CircuitResetTimeout)
	}
	if c.MaxRequestBodySize <= 0 {
		add("max-request-body-size must be positive, got %d", c.MaxRequestBodySize)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log-level is invalid: %v", err)
	}

	if c.UseBackgroundQueue {
		if c.QueueMaxSize <= 0 {
			add("queue-max-size must be positive, got %d", c.QueueMaxSize)
		}
		if c.QueueWorkers < 0 {
			add("queue-workers must not be negative, got %d", c.QueueWorkers)
		}
		if c.QueueWorkerBreakpoint <= 0 {
			add("queue-worker-breakpoint must be positive, got %d", c.QueueWorkerBreakpoint)
		}
		if c.QueueShutdownTimeout < 0 {
			add("queue-shutdown-timeout must not be negative, got %s", c.QueueShutdownTimeout)
		}
		if c.SyncFallback && c.SyncFallbackConcurrency <= 0 {
			add("sync-fallback-concurrency must be positive, got %d", c.SyncFallbackConcurrency)
		}
	}

	if c.UseOfflineStore {
		if c.OfflineDir == "" && c.OfflineAppID == "" {
			add("offline-app-id is required when offline-dir is not set")
		}
		if c.OfflineMaxFiles <= 0 {
			add("offline-max-files must be positive, got %d", c.OfflineMaxFiles)
		}
		if c.OfflineRetryInterval <= 0 {
			add("offline-retry-interval must be positive, got %s", c.OfflineRetryInterval)
		}
		if _, err := compression.ParseType(c.OfflineCompression); err != nil {
			add("offline-compression is invalid: %v", err)
		}
	}

	if (c.EndpointCertFile == "") != (c.EndpointKeyFile == "") {
		add("endpoint-cert-file and endpoint-key-file must be set together")
	}
	if (c.ReceiverTLSCertFile == "") != (c.ReceiverTLSKeyFile == "") {
		add("receiver-tls-cert and receiver-tls-key must be set together")
	}
	if c.ReceiverTLSClientCA != "" && c.ReceiverTLSCertFile == "" {
		add("receiver-tls-client-ca requires receiver-tls-cert")
	}

	if c.DedupWindow < 0 {
		add("dedup-window must not be negative, got %s", c.DedupWindow)
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("memory-limit-ratio must be between 0.0 and 1.0, got %.2f", c.MemoryLimitRatio)
	}
	if c.SLIEnabled {
		if c.SLIDeliveryTarget <= 0 || c.SLIDeliveryTarget >= 1 {
			add("sli-delivery-target must be between 0 and 1 exclusive, got %g", c.SLIDeliveryTarget)
		}
		if c.SLISendTarget <= 0 || c.SLISendTarget >= 1 {
			add("sli-send-target must be between 0 and 1 exclusive, got %g", c.SLISendTarget)
		}
	}
	if _, err := telemetry.ParseProtocol(c.TelemetryProtocol); err != nil {
		add("telemetry-protocol is invalid: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s%s", validationPrefix, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// Check validates c and adds non-fatal warnings.
func (c *Config) Check() *ValidationResult {
	result := &ValidationResult{Valid: true}

	if err := c.Validate(); err != nil {
		result.Valid = false
		for _, item := range strings.Split(strings.TrimPrefix(err.Error(), validationPrefix), "\n  - ") {
			result.Issues = append(result.Issues, ValidationIssue{
				Severity: SeverityError,
				Field:    fieldOf(item),
				Message:  item,
			})
		}
	}

	addWarnings(c, result)
	return result
}

// fieldOf extracts the leading flag name from a validation message.
func fieldOf(s string) string {
	for _, sep := range []string{" must ", " is "} {
		if idx := strings.Index(s, sep); idx > 0 && !strings.Contains(s[:idx], " ") {
			return s[:idx]
		}
	}
	return "config"
}

func addWarnings(c *Config, result *ValidationResult) {
	warn := func(field, format string, args ...interface{}) {
		result.Issues = append(result.Issues, ValidationIssue{
			Severity: SeverityWarning,
			Field:    field,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if strings.HasPrefix(c.Endpoint, "http://") && !isLocalhost(strings.TrimPrefix(c.Endpoint, "http://")) {
		warn("endpoint", "plaintext connection to non-localhost endpoint %q", c.Endpoint)
	}
	for _, f := range []struct{ field, path string }{
		{"endpoint-ca-file", c.EndpointCAFile},
		{"endpoint-cert-file", c.EndpointCertFile},
		{"endpoint-key-file", c.EndpointKeyFile},
		{"receiver-tls-cert", c.ReceiverTLSCertFile},
		{"receiver-tls-key", c.ReceiverTLSKeyFile},
		{"receiver-tls-client-ca", c.ReceiverTLSClientCA},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			warn(f.field, "file not found: %s", f.path)
		}
	}
	if c.InsecureSkipTLS {
		warn("insecure-skip-verify", "TLS certificate verification is disabled")
	}
	if c.UseBackgroundQueue && c.QueueWorkers == 0 {
		warn("queue-workers", "queue-workers is 0, queued reports are never delivered")
	}
	if !c.UseBackgroundQueue && !c.UseOfflineStore {
		warn("use-offline-store", "reports that fail transiently are dropped")
	}
	if c.UseOfflineStore && c.OfflineDir != "" {
		if info, err := os.Stat(c.OfflineDir); err == nil && !info.IsDir() {
			warn("offline-dir", "%s exists and is not a directory", c.OfflineDir)
		}
	}
}

func isLocalhost(host string) bool {
	return strings.HasPrefix(host, "localhost") ||
		strings.HasPrefix(host, "127.0.0.1") ||
		strings.HasPrefix(host, "[::1]")
}
