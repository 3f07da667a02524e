package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable the tests touch so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG", "LISTEN_ADDR", "API_KEYS", "CONCURRENCY", "QUEUE_SIZE", "DB_PATH",
		"DOCUMENT_BACKEND", "BLOB_BACKEND", "ENGINE", "ENGINE_URL", "JOB_TIMEOUT",
		"STALE_AFTER", "AMQP_URL", "S3_ENDPOINT", "LOG_LEVEL", "REDIS_ADDR",
	} {
		t.Setenv(envPrefix+k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("default ListenAddr = %q, want %q", cfg.ListenAddr, ":8000")
	}
	if len(cfg.APIKeys) != 0 {
		t.Errorf("default APIKeys = %v, want none", cfg.APIKeys)
	}
	if cfg.DocumentBackend != "sqlite" || cfg.BlobBackend != "fs" || cfg.Engine != "whisper-cli" {
		t.Errorf("default backends = %s/%s/%s", cfg.DocumentBackend, cfg.BlobBackend, cfg.Engine)
	}
	if cfg.Concurrency != 1 {
		t.Errorf("default Concurrency = %d, want 1", cfg.Concurrency)
	}
	if cfg.QueueSize != 100 {
		t.Errorf("default QueueSize = %d, want 100", cfg.QueueSize)
	}
	if cfg.JobTimeout != 30*time.Minute {
		t.Errorf("default JobTimeout = %s, want 30m", cfg.JobTimeout)
	}
	if cfg.StaleAfter != 35*time.Minute {
		t.Errorf("default StaleAfter = %s, want JobTimeout+5m", cfg.StaleAfter)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSCRIBEGATE_API_KEYS", "key1, key2,")
	t.Setenv("TRANSCRIBEGATE_LISTEN_ADDR", ":9090")
	t.Setenv("TRANSCRIBEGATE_CONCURRENCY", "4")
	t.Setenv("TRANSCRIBEGATE_DB_PATH", "/tmp/test.db")
	t.Setenv("TRANSCRIBEGATE_QUEUE_SIZE", "500")
	t.Setenv("TRANSCRIBEGATE_JOB_TIMEOUT", "10m")
	t.Setenv("TRANSCRIBEGATE_LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "key1" || cfg.APIKeys[1] != "key2" {
		t.Errorf("APIKeys = %v, want [key1 key2]", cfg.APIKeys)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.QueueSize != 500 {
		t.Errorf("QueueSize = %d, want 500", cfg.QueueSize)
	}
	if cfg.StaleAfter != 15*time.Minute {
		t.Errorf("StaleAfter = %s, want 15m", cfg.StaleAfter)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
listen_addr: ":7000"
engine: http
engine_url: http://whisper:8000
concurrency: 2
job_timeout: 90s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TRANSCRIBEGATE_CONFIG", path)
	t.Setenv("TRANSCRIBEGATE_CONCURRENCY", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want :7000 from file", cfg.ListenAddr)
	}
	if cfg.Engine != "http" || cfg.EngineURL != "http://whisper:8000" {
		t.Errorf("engine = %q %q", cfg.Engine, cfg.EngineURL)
	}
	if cfg.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want env value 3", cfg.Concurrency)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %s, want 90s", cfg.JobTimeout)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{"zero concurrency", map[string]string{"CONCURRENCY": "0"}, "Concurrency"},
		{"bad integer", map[string]string{"QUEUE_SIZE": "lots"}, "QUEUE_SIZE"},
		{"bad duration", map[string]string{"JOB_TIMEOUT": "soon"}, "JOB_TIMEOUT"},
		{"stale before timeout", map[string]string{"JOB_TIMEOUT": "10m", "STALE_AFTER": "5m"}, "StaleAfter"},
		{"unknown backend", map[string]string{"DOCUMENT_BACKEND": "mongo"}, "DocumentBackend"},
		{"http engine without url", map[string]string{"ENGINE": "http"}, "EngineURL"},
		{"s3 without endpoint", map[string]string{"BLOB_BACKEND": "s3"}, "S3Endpoint"},
		{"redis without address", map[string]string{"DOCUMENT_BACKEND": "redis"}, "RedisAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(envPrefix+k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TRANSCRIBEGATE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}
