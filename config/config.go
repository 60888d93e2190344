// Package config holds the server configuration. A Config is built once at
// startup from flags, with environment variables (and a .env file) as
// defaults, and is never mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/policy"
)

const (
	StorageDisk = "disk"
	StorageS3   = "s3"

	SessionsMemory   = "memory"
	SessionsDynamoDB = "dynamodb"
)

type AWSConfig struct {
	Region      string
	Endpoint    string // non-empty for localstack
	S3Bucket    string
	S3Prefix    string
	DynamoTable string
	QueueURL    string
}

type Config struct {
	Env         string
	ServiceName string
	Port        int
	BaseDir     string
	StaticDir   string

	MaxFileSize  int64
	MaxChunks    int
	Extensions   []string
	SessionTTL   time.Duration
	ReapInterval time.Duration
	Collision    string

	Storage  string
	Sessions string
	AWS      AWSConfig

	RedisAddr string

	Tracing     bool
	TracingAddr string
	HealthAddr  string

	CORSOrigins    []string
	TrustedProxies []string
}

// Default returns the built-in defaults overridden by environment variables.
func Default() Config {
	return Config{
		Env:         getenv("ENV", "dev"),
		ServiceName: getenv("SERVICE_NAME", "uploads"),
		Port:        getenvInt("PORT", 8000),
		BaseDir:     getenv("BASE_DIR", "data"),
		StaticDir:   getenv("STATIC_DIR", ""),

		MaxFileSize:  int64(getenvInt("MAX_FILE_SIZE", int(policy.DefaultMaxFileSize))),
		MaxChunks:    getenvInt("MAX_CHUNKS", policy.DefaultMaxChunks),
		Extensions:   splitList(getenv("ALLOWED_EXTENSIONS", "")),
		SessionTTL:   getenvDuration("SESSION_TTL", 2*time.Hour),
		ReapInterval: getenvDuration("REAP_INTERVAL", 10*time.Minute),
		Collision:    getenv("COLLISION_POLICY", "overwrite"),

		Storage:  getenv("STORAGE", StorageDisk),
		Sessions: getenv("SESSIONS", SessionsMemory),
		AWS: AWSConfig{
			Region:      getenv("AWS_REGION", "us-east-1"),
			Endpoint:    getenv("AWS_ENDPOINT", ""),
			S3Bucket:    getenv("S3_BUCKET", ""),
			S3Prefix:    getenv("S3_PREFIX", "uploads"),
			DynamoTable: getenv("DYNAMODB_SESSIONS_TABLE", "upload-sessions"),
			QueueURL:    getenv("UPLOADS_QUEUE_URL", ""),
		},

		RedisAddr: getenv("REDIS_ADDR", ""),

		Tracing:     getenv("TRACING", "") == "true",
		TracingAddr: getenv("TRACING_ADDR", "localhost:4317"),
		HealthAddr:  getenv("HEALTH_ADDR", ""),

		CORSOrigins:    splitList(getenv("CORS_ORIGINS", "")),
		TrustedProxies: splitList(getenv("TRUSTED_PROXIES", "")),
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.BaseDir == "" {
		errs = append(errs, errors.New("base dir is required"))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, errors.New("max file size must be positive"))
	}
	if c.MaxChunks <= 0 {
		errs = append(errs, errors.New("max chunks must be positive"))
	}
	if c.SessionTTL <= 0 || c.ReapInterval <= 0 {
		errs = append(errs, errors.New("session ttl and reap interval must be positive"))
	}
	switch c.Collision {
	case "overwrite", "version":
	default:
		errs = append(errs, fmt.Errorf("unknown collision policy %q", c.Collision))
	}

	switch c.Storage {
	case StorageDisk:
	case StorageS3:
		if c.AWS.S3Bucket == "" {
			errs = append(errs, errors.New("s3 storage needs a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}

	switch c.Sessions {
	case SessionsMemory:
	case SessionsDynamoDB:
		if c.AWS.DynamoTable == "" {
			errs = append(errs, errors.New("dynamodb sessions need a table"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session store %q", c.Sessions))
	}

	if c.NeedsAWS() && c.AWS.Region == "" {
		errs = append(errs, errors.New("aws region is required"))
	}

	return errors.Join(errs...)
}

// NeedsAWS reports whether any AWS backed component is enabled.
func (c Config) NeedsAWS() bool {
	return c.Storage == StorageS3 || c.Sessions == SessionsDynamoDB || c.AWS.QueueURL != ""
}

func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func (c Config) ChunksDir() string {
	return filepath.Join(c.BaseDir, "chunks")
}

func (c Config) UploadsDir() string {
	return filepath.Join(c.BaseDir, "uploads")
}

func (c Config) SecurityLogPath() string {
	return filepath.Join(c.BaseDir, "security.log")
}

func (c Config) Policy() policy.Policy {
	return policy.New(c.Extensions, c.MaxFileSize, c.MaxChunks)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getenv(key, ""))
	if err != nil {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
