package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Valkey   ValkeyConfig
	MinIO    MinIOConfig
	Store    StoreConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// StoreConfig locates the on-disk artifact store and manifest directory.
type StoreConfig struct {
	ArtifactRoot string
	ManifestDir  string
	WorkDir      string
	RecordCache  int // entries in the in-process artifact record cache
}

// PipelineConfig carries orchestration defaults. Per-stage settings come
// from the run configuration; these bound the whole worker process.
type PipelineConfig struct {
	Workers      int
	ToolTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	DatasetURL   string
}

func Load() (*Config, error) {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  time.Duration(getEnvInt("SERVER_READ_TIMEOUT_SECS", 30)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("SERVER_WRITE_TIMEOUT_SECS", 60)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "glycotree"),
			Password: getEnv("DB_PASSWORD", "glycotree"),
			Name:     getEnv("DB_NAME", "glycotree"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		Valkey: ValkeyConfig{
			Addr:     getEnv("VALKEY_ADDR", "localhost:6379"),
			Password: getEnv("VALKEY_PASSWORD", ""),
			DB:       getEnvInt("VALKEY_DB", 0),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", "glycotree"),
			SecretKey: getEnv("MINIO_SECRET_KEY", "glycotree123"),
			Bucket:    getEnv("MINIO_BUCKET", "glycotree"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		Store: StoreConfig{
			ArtifactRoot: getEnv("ARTIFACT_ROOT", "/var/lib/glycotree/artifacts"),
			ManifestDir:  getEnv("MANIFEST_DIR", "/var/lib/glycotree/manifests"),
			WorkDir:      getEnv("WORK_DIR", os.TempDir()),
			RecordCache:  getEnvInt("ARTIFACT_RECORD_CACHE", 4096),
		},
		Pipeline: PipelineConfig{
			Workers:      getEnvInt("PIPELINE_WORKERS", 4),
			ToolTimeout:  time.Duration(getEnvInt("TOOL_TIMEOUT_SECS", 3600)) * time.Second,
			MaxRetries:   getEnvInt("TOOL_MAX_RETRIES", 3),
			RetryBackoff: time.Duration(getEnvInt("TOOL_RETRY_BACKOFF_SECS", 5)) * time.Second,
			DatasetURL:   getEnv("DATASET_URL", "https://data.glycotree.dev"),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
