package config

import (
	"os"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendGCS    = "gcs"
)

type Config struct {
	// Service configuration
	ServiceName string
	LogLevel    string
	LogFormat   string

	// NATS configuration
	NatsURL     string
	NatsSubject string
	NatsQueue   string
	NatsTimeout time.Duration

	// Store configuration
	StoreBackend      string
	StoreKey          string
	StoreQuota        int
	MaxMessages       int
	ConversationTTL   time.Duration
	ReconcileInterval time.Duration

	BoltPath    string
	RedisURL    string
	RedisPrefix string
	RedisTTL    time.Duration
	GCSBucket   string
	GCSPrefix   string

	// Capture configuration
	Debounce         time.Duration
	Backstop         time.Duration
	DedupWindow      time.Duration
	DedupMaxEntries  int
	BatchSize        int
	BatchInterval    time.Duration
	MinContentLength int
	ProfilesPath     string
	RelayBuffer      int
}

func Load() *Config {
	return &Config{
		// Service settings
		ServiceName: getEnv("SERVICE_NAME", "chatcapture"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),

		// NATS settings
		NatsURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		NatsSubject: getEnv("NATS_SUBJECT", "chatcapture.history"),
		NatsQueue:   getEnv("NATS_QUEUE", "chatcapture-store"),
		NatsTimeout: getDurationEnv("NATS_TIMEOUT", 30*time.Second),

		// Store settings
		StoreBackend:      getEnv("STORE_BACKEND", BackendBolt),
		StoreKey:          getEnv("STORE_KEY", "chat_history"),
		StoreQuota:        getIntEnv("STORE_QUOTA", 100*1024),
		MaxMessages:       getIntEnv("STORE_MAX_MESSAGES", 50),
		ConversationTTL:   getDurationEnv("STORE_CONVERSATION_TTL", 24*time.Hour),
		ReconcileInterval: getDurationEnv("STORE_RECONCILE_INTERVAL", time.Minute),

		BoltPath:    getEnv("BOLT_PATH", "data/chatcapture.bolt"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix: getEnv("REDIS_PREFIX", "chatcapture:"),
		RedisTTL:    getDurationEnv("REDIS_TTL", 0),
		GCSBucket:   getEnv("GCS_BUCKET", ""),
		GCSPrefix:   getEnv("GCS_PREFIX", "chatcapture"),

		// Capture settings
		Debounce:         getDurationEnv("CAPTURE_DEBOUNCE", 300*time.Millisecond),
		Backstop:         getDurationEnv("CAPTURE_BACKSTOP", 5*time.Second),
		DedupWindow:      getDurationEnv("CAPTURE_DEDUP_WINDOW", 5*time.Second),
		DedupMaxEntries:  getIntEnv("CAPTURE_DEDUP_MAX_ENTRIES", 1000),
		BatchSize:        getIntEnv("CAPTURE_BATCH_SIZE", 10),
		BatchInterval:    getDurationEnv("CAPTURE_BATCH_INTERVAL", 2*time.Second),
		MinContentLength: getIntEnv("CAPTURE_MIN_CONTENT_LENGTH", 2),
		ProfilesPath:     getEnv("CAPTURE_PROFILES", ""),
		RelayBuffer:      getIntEnv("CAPTURE_RELAY_BUFFER", 64),
	}
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendBolt, BackendRedis, BackendGCS:
	default:
		return goerr.New("unknown store backend", goerr.V("backend", c.StoreBackend))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return goerr.New("unknown log format", goerr.V("format", c.LogFormat))
	}
	if c.StoreBackend == BackendGCS && c.GCSBucket == "" {
		return goerr.New("GCS_BUCKET is required for the gcs backend")
	}
	if c.StoreBackend == BackendBolt && c.BoltPath == "" {
		return goerr.New("BOLT_PATH is required for the bolt backend")
	}
	if c.StoreKey == "" {
		return goerr.New("STORE_KEY is empty")
	}

	positive := map[string]int{
		"STORE_QUOTA":                c.StoreQuota,
		"STORE_MAX_MESSAGES":         c.MaxMessages,
		"CAPTURE_DEDUP_MAX_ENTRIES":  c.DedupMaxEntries,
		"CAPTURE_BATCH_SIZE":         c.BatchSize,
		"CAPTURE_MIN_CONTENT_LENGTH": c.MinContentLength,
		"CAPTURE_RELAY_BUFFER":       c.RelayBuffer,
	}
	for name, v := range positive {
		if v <= 0 {
			return goerr.New("value must be positive", goerr.V("name", name), goerr.V("value", v))
		}
	}

	durations := map[string]time.Duration{
		"CAPTURE_DEBOUNCE":         c.Debounce,
		"CAPTURE_BACKSTOP":         c.Backstop,
		"CAPTURE_DEDUP_WINDOW":     c.DedupWindow,
		"CAPTURE_BATCH_INTERVAL":   c.BatchInterval,
		"STORE_RECONCILE_INTERVAL": c.ReconcileInterval,
		"NATS_TIMEOUT":             c.NatsTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return goerr.New("duration must be positive", goerr.V("name", name), goerr.V("value", d))
		}
	}
	if c.DedupWindow < time.Millisecond {
		return goerr.New("dedup window below one millisecond", goerr.V("value", c.DedupWindow))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
