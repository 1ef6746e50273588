package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// envVars lists every env var Load reads; each test starts with all cleared.
var envVars = []string{
	"RIVER_CONFIG", "RIVER_DATABASE_URL", "RIVER_GRPC_ADDR", "RIVER_HTTP_ADDR",
	"RIVER_NATS_URL", "RIVER_AUTH_TOKEN", "RIVER_NODE_KEY", "RIVER_GRAFFITI",
	"RIVER_DEBUG_ENDPOINTS", "RIVER_MINIBLOCK_MAX_EVENTS", "RIVER_MINIBLOCK_INTERVAL",
	"RIVER_SYNC_QUEUE_SIZE", "RIVER_SYNC_DEFAULT_TIMEOUT", "RIVER_ARCHIVE_INTERVAL",
	"RIVER_ARCHIVE_S3_BUCKET", "RIVER_ARCHIVE_S3_KEY", "RIVER_ARCHIVE_S3_REGION",
	"RIVER_ARCHIVE_S3_ENDPOINT",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range envVars {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "river.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantGRPCAddr string
		wantHTTPAddr string
		wantNATSURL  string
	}{
		{
			name:         "DefaultAddresses",
			env:          map[string]string{},
			wantGRPCAddr: ":9090",
			wantHTTPAddr: ":8080",
		},
		{
			name: "CustomAddresses",
			env: map[string]string{
				"RIVER_DATABASE_URL": "postgres://db:5432/river",
				"RIVER_GRPC_ADDR":    ":5050",
				"RIVER_HTTP_ADDR":    ":3000",
				"RIVER_NATS_URL":     "nats://localhost:4222",
			},
			wantGRPCAddr: ":5050",
			wantHTTPAddr: ":3000",
			wantNATSURL:  "nats://localhost:4222",
		},
		{
			name:    "BadMaxEvents",
			env:     map[string]string{"RIVER_MINIBLOCK_MAX_EVENTS": "many"},
			wantErr: true,
		},
		{
			name:    "ZeroMaxEvents",
			env:     map[string]string{"RIVER_MINIBLOCK_MAX_EVENTS": "0"},
			wantErr: true,
		},
		{
			name:    "BadInterval",
			env:     map[string]string{"RIVER_MINIBLOCK_INTERVAL": "soon"},
			wantErr: true,
		},
		{
			name:    "BadDebugFlag",
			env:     map[string]string{"RIVER_DEBUG_ENDPOINTS": "perhaps"},
			wantErr: true,
		},
		{
			name:    "MissingConfigFile",
			env:     map[string]string{"RIVER_CONFIG": "/nonexistent/river.toml"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.DatabaseURL != tc.env["RIVER_DATABASE_URL"] {
				t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, tc.env["RIVER_DATABASE_URL"])
			}
			if cfg.GRPCAddr != tc.wantGRPCAddr {
				t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tc.wantGRPCAddr)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.NATSURL != tc.wantNATSURL {
				t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, tc.wantNATSURL)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MiniblockMaxEvents != 100 {
		t.Errorf("MiniblockMaxEvents = %d, want 100", cfg.MiniblockMaxEvents)
	}
	if cfg.MiniblockInterval != 2*time.Second {
		t.Errorf("MiniblockInterval = %v, want 2s", cfg.MiniblockInterval)
	}
	if cfg.SyncQueueSize != 256 {
		t.Errorf("SyncQueueSize = %d, want 256", cfg.SyncQueueSize)
	}
	if cfg.SyncDefaultTimeout != -1 {
		t.Errorf("SyncDefaultTimeout = %v, want no timeout", cfg.SyncDefaultTimeout)
	}
	if cfg.ArchiveInterval != 0 {
		t.Errorf("ArchiveInterval = %v, want 0 (disabled)", cfg.ArchiveInterval)
	}
	if cfg.ArchiveS3Region != "us-east-1" {
		t.Errorf("ArchiveS3Region = %q", cfg.ArchiveS3Region)
	}
	if cfg.ArchiveS3Key != "river/streams.jsonl" {
		t.Errorf("ArchiveS3Key = %q", cfg.ArchiveS3Key)
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints should default to false")
	}
}

func TestLoadCustom(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("RIVER_GRAFFITI", "hello from the river")
	t.Setenv("RIVER_DEBUG_ENDPOINTS", "true")
	t.Setenv("RIVER_MINIBLOCK_MAX_EVENTS", "10")
	t.Setenv("RIVER_MINIBLOCK_INTERVAL", "500ms")
	t.Setenv("RIVER_SYNC_QUEUE_SIZE", "32")
	t.Setenv("RIVER_SYNC_DEFAULT_TIMEOUT", "30s")
	t.Setenv("RIVER_ARCHIVE_INTERVAL", "10m")
	t.Setenv("RIVER_ARCHIVE_S3_BUCKET", "my-bucket")
	t.Setenv("RIVER_ARCHIVE_S3_ENDPOINT", "http://minio:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Graffiti != "hello from the river" {
		t.Errorf("Graffiti = %q", cfg.Graffiti)
	}
	if !cfg.DebugEndpoints {
		t.Error("DebugEndpoints = false")
	}
	if cfg.MiniblockMaxEvents != 10 {
		t.Errorf("MiniblockMaxEvents = %d", cfg.MiniblockMaxEvents)
	}
	if cfg.MiniblockInterval != 500*time.Millisecond {
		t.Errorf("MiniblockInterval = %v", cfg.MiniblockInterval)
	}
	if cfg.SyncQueueSize != 32 {
		t.Errorf("SyncQueueSize = %d", cfg.SyncQueueSize)
	}
	if cfg.SyncDefaultTimeout != 30*time.Second {
		t.Errorf("SyncDefaultTimeout = %v", cfg.SyncDefaultTimeout)
	}
	if cfg.ArchiveInterval != 10*time.Minute {
		t.Errorf("ArchiveInterval = %v", cfg.ArchiveInterval)
	}
	if cfg.ArchiveS3Bucket != "my-bucket" || cfg.ArchiveS3Endpoint != "http://minio:9000" {
		t.Errorf("archive bucket/endpoint = %q %q", cfg.ArchiveS3Bucket, cfg.ArchiveS3Endpoint)
	}
}

func TestLoadFile(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("RIVER_CONFIG", writeFile(t, `
grpc_addr = ":7000"
graffiti = "from file"
miniblock_max_events = 5
sync_default_timeout = "0s"

[archive]
interval = "1h"
s3_bucket = "file-bucket"
`))
	t.Setenv("RIVER_GRAFFITI", "from env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GRPCAddr != ":7000" {
		t.Errorf("GRPCAddr = %q, want the file value", cfg.GRPCAddr)
	}
	if cfg.Graffiti != "from env" {
		t.Errorf("Graffiti = %q, env should override the file", cfg.Graffiti)
	}
	if cfg.MiniblockMaxEvents != 5 {
		t.Errorf("MiniblockMaxEvents = %d", cfg.MiniblockMaxEvents)
	}
	if cfg.SyncDefaultTimeout != 0 {
		t.Errorf("SyncDefaultTimeout = %v, want 0", cfg.SyncDefaultTimeout)
	}
	if cfg.ArchiveInterval != time.Hour || cfg.ArchiveS3Bucket != "file-bucket" {
		t.Errorf("archive = %v %q", cfg.ArchiveInterval, cfg.ArchiveS3Bucket)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want the default", cfg.HTTPAddr)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("RIVER_CONFIG", writeFile(t, "grpc_addr = \n"))
	if _, err := Load(); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestEnvOrDefault(t *testing.T) {
	for _, tc := range []struct {
		name     string
		key      string
		envVal   string
		fallback string
		want     string
	}{
		{"EmptyUsesDefault", "TEST_ENVDEFAULT_EMPTY", "", "default-val", "default-val"},
		{"SetUsesEnv", "TEST_ENVDEFAULT_SET", "custom", "default-val", "custom"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.envVal)
			got := envOrDefault(tc.key, tc.fallback)
			if got != tc.want {
				t.Errorf("envOrDefault(%q, %q) = %q, want %q", tc.key, tc.fallback, got, tc.want)
			}
		})
	}
}
