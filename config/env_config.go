package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type EnvConfig struct {
	Postgres struct {
		HOST     string
		Database string
		Username string
		Password string
		Port     string
	}
	JWT struct {
		SecretKey string
		Algorithm string
	}
	CORS struct {
		AllowDomains string
	}
	Redis struct {
		Password  string
		Database  int
		RedisHost string
		RedisPort string
	}
	RabbitMQ struct {
		Host     string
		Port     string
		Username string
		Password string
	}
	Minio struct {
		Endpoint      string
		AccessKey     string
		SecretKey     string
		UseSSL        bool
		ArchiveBucket string
	}
	Blob struct {
		AccountName string
		AccountKey  string // base64, as issued by the storage account
		ServiceHost string // e.g. blob.core.windows.net
		Container   string
		Endpoint    string // optional emulator endpoint, e.g. http://127.0.0.1:10000
	}
	Admin struct {
		Secret    string
		Allowlist []string
	}
	Pipeline struct {
		APIKey string
	}
	Delivery struct {
		PublicBaseURL    string
		PreviewWindow    time.Duration
		DownloadWindow   time.Duration
		ResultsWindow    time.Duration
		EmailWindow      time.Duration
		ArchiveWindow    time.Duration
		FetchConcurrency int
		UploadTimeout    time.Duration
		FetchTimeout     time.Duration
		SendLease        time.Duration
	}
	Grafana struct {
		OTLPEndpoint string
		ServiceName  string
	}

	Environment struct {
		Mode  string
		Group string
	}
	HTTPPort string
}

func LoadEnvConfig() *EnvConfig {
	var config EnvConfig

	// Postgres
	config.Postgres.HOST = os.Getenv("PGPOOL_HOST")
	config.Postgres.Database = os.Getenv("PGPOOL_DB")
	config.Postgres.Username = os.Getenv("PGPOOL_USER")
	config.Postgres.Password = os.Getenv("PGPOOL_PASSWORD")
	config.Postgres.Port = os.Getenv("PGPOOL_PORT")

	// JWT
	config.JWT.SecretKey = os.Getenv("JWT_SECRET_KEY")
	config.JWT.Algorithm = envOrDefault("JWT_ALGORITHM", "HS256")

	config.CORS.AllowDomains = os.Getenv("ALLOWED_DOMAINS")

	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Redis.Database, _ = strconv.Atoi(os.Getenv("REDIS_DB"))
	config.Redis.RedisHost = os.Getenv("REDIS_HOST")
	config.Redis.RedisPort = os.Getenv("REDIS_PORT")

	// RabbitMQ
	config.RabbitMQ.Host = envOrDefault("RABBITMQ_HOST", "localhost")
	config.RabbitMQ.Port = envOrDefault("RABBITMQ_PORT", "5672")
	config.RabbitMQ.Username = envOrDefault("RABBITMQ_USER", "guest")
	config.RabbitMQ.Password = envOrDefault("RABBITMQ_PASSWORD", "guest")

	// Archive store
	config.Minio.Endpoint = os.Getenv("MINIO_ENDPOINT")
	config.Minio.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	config.Minio.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	config.Minio.UseSSL = os.Getenv("MINIO_USE_SSL") == "true"
	config.Minio.ArchiveBucket = envOrDefault("MINIO_ARCHIVE_BUCKET", "delivery-archives")

	// Blob storage (signed access)
	config.Blob.AccountName = os.Getenv("BLOB_ACCOUNT_NAME")
	config.Blob.AccountKey = os.Getenv("BLOB_ACCOUNT_KEY")
	config.Blob.ServiceHost = envOrDefault("BLOB_SERVICE_HOST", "blob.core.windows.net")
	config.Blob.Container = envOrDefault("BLOB_CONTAINER", "jewelry-uploads")
	config.Blob.Endpoint = os.Getenv("BLOB_ENDPOINT")

	config.Admin.Secret = os.Getenv("ADMIN_SECRET")
	config.Admin.Allowlist = splitList(os.Getenv("ADMIN_EMAILS"))

	config.Pipeline.APIKey = os.Getenv("PIPELINE_API_KEY")

	// Every call site that mints a read grant has its own window.
	config.Delivery.PublicBaseURL = strings.TrimSuffix(envOrDefault("PUBLIC_BASE_URL", "http://localhost:3000"), "/")
	config.Delivery.PreviewWindow = minutesOrDefault("PREVIEW_WINDOW_MINUTES", 30)
	config.Delivery.DownloadWindow = minutesOrDefault("DOWNLOAD_WINDOW_MINUTES", 120)
	config.Delivery.ResultsWindow = minutesOrDefault("RESULTS_WINDOW_MINUTES", 60)
	config.Delivery.EmailWindow = minutesOrDefault("EMAIL_WINDOW_MINUTES", 48*60)
	config.Delivery.ArchiveWindow = minutesOrDefault("ARCHIVE_FETCH_WINDOW_MINUTES", 60)
	config.Delivery.FetchConcurrency = intOrDefault("FETCH_CONCURRENCY", 8)
	config.Delivery.UploadTimeout = secondsOrDefault("UPLOAD_TIMEOUT_SECONDS", 60)
	config.Delivery.FetchTimeout = secondsOrDefault("FETCH_TIMEOUT_SECONDS", 30)
	config.Delivery.SendLease = minutesOrDefault("SEND_LEASE_MINUTES", 5)

	// Grafana/OpenTelemetry
	grafanaEndpoint := os.Getenv("GRAFANA_OTLP_ENDPOINT")
	// Remove protocol for OpenTelemetry client to avoid duplicate protocols
	grafanaEndpoint = strings.TrimPrefix(grafanaEndpoint, "https://")
	grafanaEndpoint = strings.TrimPrefix(grafanaEndpoint, "http://")
	config.Grafana.OTLPEndpoint = grafanaEndpoint
	config.Grafana.ServiceName = envOrDefault("SERVICE_NAME", "studio-core")

	config.Environment.Mode = envOrDefault("DEPLOY_ENV", "development")
	config.Environment.Group = envOrDefault("GROUP_NAME", "local")

	config.HTTPPort = envOrDefault("HTTP_PORT", "8080")

	return &config
}

// IsDevelopment reports whether verbose, unredacted logging is allowed.
func (c *EnvConfig) IsDevelopment() bool {
	return c.Environment.Mode == "development"
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intOrDefault(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func minutesOrDefault(key string, fallback int) time.Duration {
	return time.Duration(intOrDefault(key, fallback)) * time.Minute
}

func secondsOrDefault(key string, fallback int) time.Duration {
	return time.Duration(intOrDefault(key, fallback)) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
