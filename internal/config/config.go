package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Credential secrets
	CredentialMasterKey string

	// Session
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Job engine
	JobWorkers           int
	JobQueueSize         int
	JobSweepInterval     time.Duration
	JobSweepAge          time.Duration
	JobStaleAfter        time.Duration
	JobCheckpointRetries int

	// Portal fetch
	PortalClient           string // simulated | http
	PortalFetchTimeout     time.Duration
	PortalFetchMaxSize     int64
	PortalSimulatedLatency time.Duration

	// Artifact
	ArtifactBackend string // local | s3
	ArtifactDir     string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string

	// Rate Limit
	RateLimitGeneral int
	RateLimitSubmit  int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.CredentialMasterKey = os.Getenv("CREDENTIAL_MASTER_KEY")
	if cfg.CredentialMasterKey == "" {
		missing = append(missing, "CREDENTIAL_MASTER_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.CredentialMasterKey) < 32 {
		return nil, fmt.Errorf("CREDENTIAL_MASTER_KEY must be at least 32 characters")
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.JobWorkers = getEnvInt("JOB_WORKERS", 4)
	cfg.JobQueueSize = getEnvInt("JOB_QUEUE_SIZE", 64)
	cfg.JobSweepInterval = getEnvDuration("JOB_SWEEP_INTERVAL", 30*time.Second)
	cfg.JobSweepAge = getEnvDuration("JOB_SWEEP_AGE", 10*time.Second)
	cfg.JobStaleAfter = getEnvDuration("JOB_STALE_AFTER", 15*time.Minute)
	cfg.JobCheckpointRetries = getEnvInt("JOB_CHECKPOINT_RETRIES", 3)
	cfg.PortalClient = getEnvString("PORTAL_CLIENT", "simulated")
	cfg.PortalFetchTimeout = getEnvDuration("PORTAL_FETCH_TIMEOUT", 30*time.Second)
	cfg.PortalFetchMaxSize = getEnvInt64("PORTAL_FETCH_MAX_SIZE", 10485760)
	cfg.PortalSimulatedLatency = getEnvDuration("PORTAL_SIMULATED_LATENCY", 2*time.Second)
	cfg.ArtifactBackend = getEnvString("ARTIFACT_BACKEND", "local")
	cfg.ArtifactDir = getEnvString("ARTIFACT_DIR", "./data/downloads")
	cfg.S3Bucket = getEnvString("S3_BUCKET", "")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnvString("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvString("S3_SECRET_KEY", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSubmit = getEnvInt("RATE_LIMIT_SUBMIT", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate は列挙値や依存関係のある設定値の整合性を検証する。
func (c *Config) validate() error {
	switch c.PortalClient {
	case "simulated", "http":
	default:
		return fmt.Errorf("PORTAL_CLIENT must be one of simulated, http: %q", c.PortalClient)
	}

	switch c.ArtifactBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when ARTIFACT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("ARTIFACT_BACKEND must be one of local, s3: %q", c.ArtifactBackend)
	}

	if c.JobWorkers < 0 {
		return fmt.Errorf("JOB_WORKERS must not be negative: %d", c.JobWorkers)
	}
	if c.JobQueueSize < 1 {
		c.JobQueueSize = 1
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
