package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	TorrentDataDir         string
	TorrentListenPort      int
	TorrentNoUpload        bool
	TorrentSeed            bool
	TorrentMetadataTimeout time.Duration

	SyncInterval          time.Duration
	SyncIntervalPowerSave time.Duration
	PowerSave             bool
	DownloadLimitBytes    int64 // 0 = unlimited
	UploadLimitBytes      int64 // 0 = unlimited

	BlobDir string
	BlobTTL time.Duration

	CORSAllowedOrigins []string
	APIRateLimitRPS    float64
	APIRateLimitBurst  int

	NotifyWebhookURL string

	OTelEndpoint   string
	OTelSampleRate float64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),

		TorrentDataDir:         getEnv("TORRENT_DATA_DIR", "data"),
		TorrentListenPort:      int(getEnvInt64("TORRENT_LISTEN_PORT", 42069)),
		TorrentNoUpload:        getEnvBool("TORRENT_NO_UPLOAD", false),
		TorrentSeed:            getEnvBool("TORRENT_SEED", true),
		TorrentMetadataTimeout: getEnvDuration("TORRENT_METADATA_TIMEOUT", 10*time.Minute),

		SyncInterval:          getEnvDuration("SYNC_INTERVAL", time.Second),
		SyncIntervalPowerSave: getEnvDuration("SYNC_INTERVAL_POWER_SAVE", 2*time.Second),
		PowerSave:             getEnvBool("POWER_SAVE", false),
		DownloadLimitBytes:    getEnvInt64("DOWNLOAD_LIMIT_BYTES", 0),
		UploadLimitBytes:      getEnvInt64("UPLOAD_LIMIT_BYTES", 0),

		BlobDir: getEnv("BLOB_DIR", filepath.Join(os.TempDir(), "torrentdeck-blobs")),
		BlobTTL: getEnvDuration("BLOB_TTL", 30*time.Second),

		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		APIRateLimitRPS:    getEnvFloat("API_RATE_LIMIT_RPS", 100),
		APIRateLimitBurst:  int(getEnvInt64("API_RATE_LIMIT_BURST", 200)),

		NotifyWebhookURL: strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL")),

		OTelEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTelSampleRate: sampleRate(getEnvFloat("OTEL_TRACE_SAMPLE_RATE", 0.1)),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration strings ("1500ms", "2s") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func sampleRate(v float64) float64 {
	if v > 1 {
		return 0.1
	}
	return v
}
