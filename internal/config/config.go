package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DatabaseURL string // RIVER_DATABASE_URL (optional, empty = in-memory store)
	GRPCAddr    string // RIVER_GRPC_ADDR (default ":9090")
	HTTPAddr    string // RIVER_HTTP_ADDR (default ":8080")
	NATSURL     string // RIVER_NATS_URL (optional, empty = no commit notices)
	AuthToken   string // RIVER_AUTH_TOKEN (optional, empty = auth disabled)

	NodeKey        string // RIVER_NODE_KEY (hex ed25519 seed; generated when empty)
	Graffiti       string // RIVER_GRAFFITI
	DebugEndpoints bool   // RIVER_DEBUG_ENDPOINTS

	MiniblockMaxEvents int           // RIVER_MINIBLOCK_MAX_EVENTS (default 100)
	MiniblockInterval  time.Duration // RIVER_MINIBLOCK_INTERVAL (default 2s)

	SyncQueueSize      int           // RIVER_SYNC_QUEUE_SIZE (default 256)
	SyncDefaultTimeout time.Duration // RIVER_SYNC_DEFAULT_TIMEOUT (default -1 = no timeout)

	// Archive settings
	ArchiveInterval   time.Duration // RIVER_ARCHIVE_INTERVAL (default 0 = disabled)
	ArchiveS3Bucket   string        // RIVER_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Key      string        // RIVER_ARCHIVE_S3_KEY (default "river/streams.jsonl")
	ArchiveS3Region   string        // RIVER_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Endpoint string        // RIVER_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
}

// File is the TOML form of Config, read from the path in RIVER_CONFIG.
// Durations are Go duration strings.
type File struct {
	DatabaseURL        string `toml:"database_url"`
	GRPCAddr           string `toml:"grpc_addr"`
	HTTPAddr           string `toml:"http_addr"`
	NATSURL            string `toml:"nats_url"`
	AuthToken          string `toml:"auth_token"`
	NodeKey            string `toml:"node_key"`
	Graffiti           string `toml:"graffiti"`
	DebugEndpoints     bool   `toml:"debug_endpoints"`
	MiniblockMaxEvents int    `toml:"miniblock_max_events"`
	MiniblockInterval  string `toml:"miniblock_interval"`
	SyncQueueSize      int    `toml:"sync_queue_size"`
	SyncDefaultTimeout string `toml:"sync_default_timeout"`

	Archive struct {
		Interval   string `toml:"interval"`
		S3Bucket   string `toml:"s3_bucket"`
		S3Key      string `toml:"s3_key"`
		S3Region   string `toml:"s3_region"`
		S3Endpoint string `toml:"s3_endpoint"`
	} `toml:"archive"`
}

// Load builds the node configuration. Values come from the optional TOML
// file named by RIVER_CONFIG; environment variables override the file.
func Load() (*Config, error) {
	var f File
	if path := os.Getenv("RIVER_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("RIVER_CONFIG %s: %w", path, err)
		}
	}

	c := &Config{
		DatabaseURL:       envOrDefault("RIVER_DATABASE_URL", f.DatabaseURL),
		GRPCAddr:          envOrDefault("RIVER_GRPC_ADDR", or(f.GRPCAddr, ":9090")),
		HTTPAddr:          envOrDefault("RIVER_HTTP_ADDR", or(f.HTTPAddr, ":8080")),
		NATSURL:           envOrDefault("RIVER_NATS_URL", f.NATSURL),
		AuthToken:         envOrDefault("RIVER_AUTH_TOKEN", f.AuthToken),
		NodeKey:           envOrDefault("RIVER_NODE_KEY", f.NodeKey),
		Graffiti:          envOrDefault("RIVER_GRAFFITI", f.Graffiti),
		ArchiveS3Bucket:   envOrDefault("RIVER_ARCHIVE_S3_BUCKET", f.Archive.S3Bucket),
		ArchiveS3Key:      envOrDefault("RIVER_ARCHIVE_S3_KEY", or(f.Archive.S3Key, "river/streams.jsonl")),
		ArchiveS3Region:   envOrDefault("RIVER_ARCHIVE_S3_REGION", or(f.Archive.S3Region, "us-east-1")),
		ArchiveS3Endpoint: envOrDefault("RIVER_ARCHIVE_S3_ENDPOINT", f.Archive.S3Endpoint),
	}

	var err error
	if c.DebugEndpoints, err = envBool("RIVER_DEBUG_ENDPOINTS", f.DebugEndpoints); err != nil {
		return nil, err
	}
	if c.MiniblockMaxEvents, err = envInt("RIVER_MINIBLOCK_MAX_EVENTS", f.MiniblockMaxEvents, 100); err != nil {
		return nil, err
	}
	if c.SyncQueueSize, err = envInt("RIVER_SYNC_QUEUE_SIZE", f.SyncQueueSize, 256); err != nil {
		return nil, err
	}
	if c.MiniblockInterval, err = envDuration("RIVER_MINIBLOCK_INTERVAL", or(f.MiniblockInterval, "2s")); err != nil {
		return nil, err
	}
	if c.SyncDefaultTimeout, err = envDuration("RIVER_SYNC_DEFAULT_TIMEOUT", or(f.SyncDefaultTimeout, "-1ns")); err != nil {
		return nil, err
	}
	if c.SyncDefaultTimeout < 0 {
		c.SyncDefaultTimeout = -1
	}
	if c.ArchiveInterval, err = envDuration("RIVER_ARCHIVE_INTERVAL", or(f.Archive.Interval, "0")); err != nil {
		return nil, err
	}

	if c.MiniblockMaxEvents <= 0 {
		return nil, fmt.Errorf("RIVER_MINIBLOCK_MAX_EVENTS must be positive, got %d", c.MiniblockMaxEvents)
	}
	if c.SyncQueueSize <= 0 {
		return nil, fmt.Errorf("RIVER_SYNC_QUEUE_SIZE must be positive, got %d", c.SyncQueueSize)
	}
	if c.MiniblockInterval <= 0 {
		return nil, fmt.Errorf("RIVER_MINIBLOCK_INTERVAL must be positive, got %s", c.MiniblockInterval)
	}
	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fromFile, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		if fromFile != 0 {
			return fromFile, nil
		}
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
