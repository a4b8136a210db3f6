package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure. Pointer and
// zero-valued fields left out of the file keep the current value.
type YAMLConfig struct {
	LogLevel         string   `yaml:"log_level"`
	StatsAddr        *string  `yaml:"stats_addr"`
	MemoryLimitRatio *float64 `yaml:"memory_limit_ratio"`

	Sender    SenderYAMLConfig    `yaml:"sender"`
	Receiver  ReceiverYAMLConfig  `yaml:"receiver"`
	Queue     QueueYAMLConfig     `yaml:"queue"`
	Offline   OfflineYAMLConfig   `yaml:"offline"`
	Dedup     DedupYAMLConfig     `yaml:"dedup"`
	SLI       SLIYAMLConfig       `yaml:"sli"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// SenderYAMLConfig holds upstream delivery settings.
type SenderYAMLConfig struct {
	APIKey             string              `yaml:"api_key"`
	Endpoint           string              `yaml:"endpoint"`
	Timeout            Duration            `yaml:"timeout"`
	Compression        string              `yaml:"compression"`
	InsecureSkipVerify *bool               `yaml:"insecure_skip_verify"`
	TLS                TLSClientYAMLConfig `yaml:"tls"`
	Circuit            CircuitYAMLConfig   `yaml:"circuit"`
}

// CircuitYAMLConfig holds the endpoint circuit breaker settings.
type CircuitYAMLConfig struct {
	FailureThreshold *int     `yaml:"failure_threshold"`
	ResetTimeout     Duration `yaml:"reset_timeout"`
}

// TLSClientYAMLConfig holds upstream TLS settings.
type TLSClientYAMLConfig struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// TLSServerYAMLConfig holds receiver TLS settings.
type TLSServerYAMLConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// ReceiverYAMLConfig holds relay receiver settings.
type ReceiverYAMLConfig struct {
	Address            *string             `yaml:"address"`
	RequireAPIKey      *bool               `yaml:"require_api_key"`
	MaxRequestBodySize int64               `yaml:"max_request_body_size"`
	AllowedAPIKeys     []string            `yaml:"allowed_api_keys"`
	TLS                TLSServerYAMLConfig `yaml:"tls"`
}

// QueueYAMLConfig holds background queue settings.
type QueueYAMLConfig struct {
	Enabled                 *bool    `yaml:"enabled"`
	MaxSize                 int      `yaml:"max_size"`
	Workers                 *int     `yaml:"workers"`
	WorkerBreakpoint        int      `yaml:"worker_breakpoint"`
	ShutdownTimeout         Duration `yaml:"shutdown_timeout"`
	SkipShutdownWait        *bool    `yaml:"skip_shutdown_wait"`
	SyncFallback            *bool    `yaml:"sync_fallback"`
	SyncFallbackConcurrency int      `yaml:"sync_fallback_concurrency"`
}

// OfflineYAMLConfig holds offline store settings.
type OfflineYAMLConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	Dir           string   `yaml:"dir"`
	AppID         string   `yaml:"app_id"`
	MaxFiles      int      `yaml:"max_files"`
	RetryInterval Duration `yaml:"retry_interval"`
	Compression   string   `yaml:"compression"`
}

// DedupYAMLConfig holds duplicate suppression settings.
type DedupYAMLConfig struct {
	Window        Duration `yaml:"window"`
	ExpectedItems uint     `yaml:"expected_items"`
}

// SLIYAMLConfig holds delivery SLI settings.
type SLIYAMLConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	DeliveryTarget *float64 `yaml:"delivery_target"`
	SendTarget     *float64 `yaml:"send_target"`
}

// TelemetryYAMLConfig holds OTLP self-telemetry settings.
type TelemetryYAMLConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Protocol     string   `yaml:"protocol"`
	Insecure     *bool    `yaml:"insecure"`
	PushInterval Duration `yaml:"push_interval"`
}

// Duration is a wrapper for time.Duration that supports YAML string values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// Apply overlays the values present in y onto cfg.
func (y *YAMLConfig) Apply(cfg *Config) {
	setString(&cfg.LogLevel, y.LogLevel)
	setPtr(&cfg.StatsAddr, y.StatsAddr)
	setPtr(&cfg.MemoryLimitRatio, y.MemoryLimitRatio)

	setString(&cfg.APIKey, y.Sender.APIKey)
	setString(&cfg.Endpoint, y.Sender.Endpoint)
	setDuration(&cfg.SendTimeout, y.Sender.Timeout)
	setString(&cfg.SendCompression, y.Sender.Compression)
	setPtr(&cfg.InsecureSkipTLS, y.Sender.InsecureSkipVerify)
	setString(&cfg.EndpointCAFile, y.Sender.TLS.CAFile)
	setString(&cfg.EndpointCertFile, y.Sender.TLS.CertFile)
	setString(&cfg.EndpointKeyFile, y.Sender.TLS.KeyFile)
	setString(&cfg.EndpointServerName, y.Sender.TLS.ServerName)
	setPtr(&cfg.CircuitFailureThreshold, y.Sender.Circuit.FailureThreshold)
	setDuration(&cfg.CircuitResetTimeout, y.Sender.Circuit.ResetTimeout)

	setPtr(&cfg.ListenAddr, y.Receiver.Address)
	setPtr(&cfg.RequireAPIKey, y.Receiver.RequireAPIKey)
	if y.Receiver.MaxRequestBodySize > 0 {
		cfg.MaxRequestBodySize = y.Receiver.MaxRequestBodySize
	}
	if len(y.Receiver.AllowedAPIKeys) > 0 {
		cfg.AllowedAPIKeys = strings.Join(y.Receiver.AllowedAPIKeys, ",")
	}
	setString(&cfg.ReceiverTLSCertFile, y.Receiver.TLS.CertFile)
	setString(&cfg.ReceiverTLSKeyFile, y.Receiver.TLS.KeyFile)
	setString(&cfg.ReceiverTLSClientCA, y.Receiver.TLS.ClientCAFile)

	setPtr(&cfg.UseBackgroundQueue, y.Queue.Enabled)
	setInt(&cfg.QueueMaxSize, y.Queue.MaxSize)
	setPtr(&cfg.QueueWorkers, y.Queue.Workers)
	setInt(&cfg.QueueWorkerBreakpoint, y.Queue.WorkerBreakpoint)
	setDuration(&cfg.QueueShutdownTimeout, y.Queue.ShutdownTimeout)
	setPtr(&cfg.QueueSkipShutdownWait, y.Queue.SkipShutdownWait)
	setPtr(&cfg.SyncFallback, y.Queue.SyncFallback)
	setInt(&cfg.SyncFallbackConcurrency, y.Queue.SyncFallbackConcurrency)

	setPtr(&cfg.UseOfflineStore, y.Offline.Enabled)
	setString(&cfg.OfflineDir, y.Offline.Dir)
	setString(&cfg.OfflineAppID, y.Offline.AppID)
	setInt(&cfg.OfflineMaxFiles, y.Offline.MaxFiles)
	setDuration(&cfg.OfflineRetryInterval, y.Offline.RetryInterval)
	setString(&cfg.OfflineCompression, y.Offline.Compression)

	setDuration(&cfg.DedupWindow, y.Dedup.Window)
	if y.Dedup.ExpectedItems > 0 {
		cfg.DedupExpectedItems = y.Dedup.ExpectedItems
	}

	setPtr(&cfg.SLIEnabled, y.SLI.Enabled)
	setPtr(&cfg.SLIDeliveryTarget, y.SLI.DeliveryTarget)
	setPtr(&cfg.SLISendTarget, y.SLI.SendTarget)

	setString(&cfg.TelemetryEndpoint, y.Telemetry.Endpoint)
	setString(&cfg.TelemetryProtocol, y.Telemetry.Protocol)
	setPtr(&cfg.TelemetryInsecure, y.Telemetry.Insecure)
	setDuration(&cfg.TelemetryPushInterval, y.Telemetry.PushInterval)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
