package config

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/queue"
	"github.com/szibis/crash-relay/internal/telemetry"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.QueueMaxSize != 65535 {
		t.Errorf("QueueMaxSize = %d, want 65535", cfg.QueueMaxSize)
	}
	if cfg.QueueWorkers != queue.DefaultMaxWorkers() {
		t.Errorf("QueueWorkers = %d", cfg.QueueWorkers)
	}
	if cfg.QueueWorkerBreakpoint != 25 {
		t.Errorf("QueueWorkerBreakpoint = %d, want 25", cfg.QueueWorkerBreakpoint)
	}
	if cfg.OfflineMaxFiles != 50 {
		t.Errorf("OfflineMaxFiles = %d, want 50", cfg.OfflineMaxFiles)
	}
	if cfg.OfflineRetryInterval != 30*time.Second {
		t.Errorf("OfflineRetryInterval = %v, want 30s", cfg.OfflineRetryInterval)
	}
	if !cfg.UseBackgroundQueue || !cfg.UseOfflineStore {
		t.Error("queue and offline store should be enabled by default")
	}
	if cfg.Level() != logging.LevelInfo {
		t.Errorf("Level = %s", cfg.Level())
	}
}

func TestFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"-api-key", "k",
		"-endpoint", "http://localhost:9000",
		"-queue-workers", "0",
		"-sync-fallback",
		"-offline-dir", "/tmp/crashes",
		"-dedup-window", "1m",
		"-log-level", "debug",
	}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.APIKey != "k" || cfg.Endpoint != "http://localhost:9000" {
		t.Errorf("api key/endpoint = %q %q", cfg.APIKey, cfg.Endpoint)
	}
	if cfg.QueueWorkers != 0 || !cfg.SyncFallback {
		t.Errorf("queue workers/sync fallback = %d %v", cfg.QueueWorkers, cfg.SyncFallback)
	}
	if cfg.DedupWindow != time.Minute {
		t.Errorf("DedupWindow = %v", cfg.DedupWindow)
	}
	if cfg.Level() != logging.LevelDebug {
		t.Errorf("Level = %s", cfg.Level())
	}
}

func TestFlagsOverrideYAML(t *testing.T) {
	path := writeFile(t, `
log_level: warn
sender:
  api_key: from-file
  endpoint: https://ingest.example.com
  timeout: 3s
  compression: zstd
queue:
  max_size: 100
  workers: 0
  sync_fallback: true
receiver:
  allowed_api_keys: [k1, k2]
  tls:
    cert_file: /etc/relay.crt
    key_file: /etc/relay.key
offline:
  enabled: false
  retry_interval: 1m
  compression: snappy
dedup:
  window: 10s
telemetry:
  endpoint: otel:4317
  protocol: http
`)

	cfg, err := Parse([]string{"-config", path, "-api-key", "from-flag", "-queue-max-size", "200"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.APIKey != "from-flag" {
		t.Errorf("APIKey = %q, flag should win", cfg.APIKey)
	}
	if cfg.QueueMaxSize != 200 {
		t.Errorf("QueueMaxSize = %d, flag should win", cfg.QueueMaxSize)
	}
	if cfg.Endpoint != "https://ingest.example.com" || cfg.SendTimeout != 3*time.Second {
		t.Errorf("endpoint/timeout = %q %v", cfg.Endpoint, cfg.SendTimeout)
	}
	if cfg.QueueWorkers != 0 {
		t.Errorf("QueueWorkers = %d, explicit zero in file should apply", cfg.QueueWorkers)
	}
	if !cfg.SyncFallback || cfg.UseOfflineStore {
		t.Errorf("sync fallback/offline = %v %v", cfg.SyncFallback, cfg.UseOfflineStore)
	}
	if cfg.OfflineRetryInterval != time.Minute || cfg.DedupWindow != 10*time.Second {
		t.Errorf("retry/dedup = %v %v", cfg.OfflineRetryInterval, cfg.DedupWindow)
	}
	if cfg.Level() != logging.LevelWarn {
		t.Errorf("Level = %s", cfg.Level())
	}

	if got := cfg.SenderConfig().Compression.Type; got != compression.TypeZstd {
		t.Errorf("sender compression = %s", got)
	}
	if got := cfg.TelemetryConfig(); got.Endpoint != "otel:4317" || got.Protocol != telemetry.ProtocolHTTP {
		t.Errorf("telemetry = %+v", got)
	}
	if cfg.AllowedAPIKeys != "k1,k2" || cfg.ReceiverTLSKeyFile != "/etc/relay.key" {
		t.Errorf("receiver settings = %q %q", cfg.AllowedAPIKeys, cfg.ReceiverTLSKeyFile)
	}
	if cfg.OfflineCompression != "snappy" {
		t.Errorf("OfflineCompression = %q", cfg.OfflineCompression)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		args func(t *testing.T) []string
	}{
		{"unknown flag", func(*testing.T) []string { return []string{"-bogus"} }},
		{"missing file", func(*testing.T) []string { return []string{"-config", "/nonexistent/config.yaml"} }},
		{"unknown yaml key", func(t *testing.T) []string { return []string{"-config", writeFile(t, "bogus: 1\n")} }},
		{"bad duration", func(t *testing.T) []string {
			return []string{"-config", writeFile(t, "offline:\n  retry_interval: soon\n")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.args(t), &bytes.Buffer{}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseHelp(t *testing.T) {
	var out bytes.Buffer
	_, err := Parse([]string{"-help"}, &out)
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err = %v, want flag.ErrHelp", err)
	}
	if !strings.Contains(out.String(), "-queue-worker-breakpoint") {
		t.Error("usage should list flags")
	}
}

func TestParseYAMLEmpty(t *testing.T) {
	y, err := ParseYAML([]byte("# nothing here\n"))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	cfg := DefaultConfig()
	y.Apply(cfg)
	if *cfg != *DefaultConfig() {
		t.Error("empty file should not change the defaults")
	}
}

func TestDurationMarshal(t *testing.T) {
	v, err := Duration(90 * time.Second).MarshalYAML()
	if err != nil || v != "1m30s" {
		t.Errorf("MarshalYAML = %v, %v", v, err)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "k"
	cfg.QueueMaxSize = 10
	cfg.QueueSkipShutdownWait = true
	cfg.DedupExpectedItems = 500
	cfg.OfflineDir = t.TempDir()
	cfg.OfflineCompression = "zlib"
	cfg.RequireAPIKey = true
	cfg.AllowedAPIKeys = " a, b ,,"
	cfg.EndpointCAFile = "/etc/ca.pem"
	cfg.ReceiverTLSCertFile = "/etc/relay.crt"

	cc := cfg.ClientConfig()
	if cc.APIKey != "k" || cc.Queue.MaxQueueSize != 10 || !cc.Queue.SkipShutdownWait {
		t.Errorf("client config = %+v", cc)
	}
	if cc.Dedup.ExpectedItems != 500 {
		t.Errorf("dedup items = %d", cc.Dedup.ExpectedItems)
	}

	fs, err := cfg.FileStoreConfig()
	if err != nil {
		t.Fatalf("FileStoreConfig: %v", err)
	}
	if fs.Dir != cfg.OfflineDir || fs.Compression != compression.TypeZlib || fs.MaxEntries != 50 {
		t.Errorf("file store config = %+v", fs)
	}

	rc := cfg.ReceiverConfig()
	if !rc.RequireAPIKey || rc.Addr != ":8080" || rc.TLS.CertFile != "/etc/relay.crt" {
		t.Errorf("receiver config = %+v", rc)
	}
	if len(rc.APIKeys) != 2 || rc.APIKeys[0] != "a" || rc.APIKeys[1] != "b" {
		t.Errorf("APIKeys = %q", rc.APIKeys)
	}
	if cfg.SenderConfig().TLS.CAFile != "/etc/ca.pem" {
		t.Errorf("sender TLS = %+v", cfg.SenderConfig().TLS)
	}
	if !strings.HasPrefix(cfg.SenderConfig().UserAgent, "crash-relay/") {
		t.Errorf("user agent = %q", cfg.SenderConfig().UserAgent)
	}
	if sc := cfg.SenderConfig(); sc.CircuitFailureThreshold != 10 || sc.CircuitResetTimeout != 30*time.Second {
		t.Errorf("circuit = %d %v", sc.CircuitFailureThreshold, sc.CircuitResetTimeout)
	}
}

func TestSLISettings(t *testing.T) {
	path := writeFile(t, `
sender:
  api_key: k
sli:
  delivery_target: 0.99
`)
	cfg, err := Parse([]string{"-config", path, "-sli-send-target", "0.9"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sc := cfg.SLIConfig()
	if !cfg.SLIEnabled || sc.DeliveryTarget != 0.99 || sc.SendTarget != 0.9 {
		t.Errorf("SLI = %v %+v", cfg.SLIEnabled, sc)
	}
}

func TestCircuitSettings(t *testing.T) {
	path := writeFile(t, `
sender:
  api_key: k
  circuit:
    failure_threshold: 0
    reset_timeout: 5s
`)
	cfg, err := Parse([]string{"-config", path}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CircuitFailureThreshold != 0 || cfg.CircuitResetTimeout != 5*time.Second {
		t.Errorf("from file: %d %v", cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout)
	}

	cfg, err = Parse([]string{"-config", path, "-circuit-failure-threshold", "3", "-circuit-reset-timeout", "1m"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CircuitFailureThreshold != 3 || cfg.CircuitResetTimeout != time.Minute {
		t.Errorf("from flags: %d %v", cfg.CircuitFailureThreshold, cfg.CircuitResetTimeout)
	}
}

func TestFileStoreConfigDefaultDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OfflineAppID = "my-app"
	fs, err := cfg.FileStoreConfig()
	if err != nil {
		t.Skipf("no user cache dir: %v", err)
	}
	if !strings.Contains(fs.Dir, "crash-relay") {
		t.Errorf("Dir = %q", fs.Dir)
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	PrintVersion(&buf)
	if buf.String() != "crash-relay version "+Version()+"\n" {
		t.Errorf("PrintVersion = %q", buf.String())
	}
}
