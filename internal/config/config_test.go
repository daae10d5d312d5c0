package config_test

import (
	"testing"
	"time"

	"github.com/avvvet/chatcapture/internal/config"
	"github.com/m-mizutani/gt"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	gt.Equal(t, cfg.StoreBackend, config.BackendBolt)
	gt.Equal(t, cfg.StoreQuota, 100*1024)
	gt.Equal(t, cfg.MaxMessages, 50)
	gt.Equal(t, cfg.Debounce, 300*time.Millisecond)
	gt.Equal(t, cfg.Backstop, 5*time.Second)
	gt.Equal(t, cfg.BatchSize, 10)
	gt.Equal(t, cfg.LogFormat, "console")
	gt.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("STORE_QUOTA", "8192")
	t.Setenv("CAPTURE_BATCH_INTERVAL", "750ms")
	t.Setenv("CAPTURE_BATCH_SIZE", "not-a-number")

	cfg := config.Load()
	gt.Equal(t, cfg.StoreBackend, config.BackendRedis)
	gt.Equal(t, cfg.StoreQuota, 8192)
	gt.Equal(t, cfg.BatchInterval, 750*time.Millisecond)
	// unparsable values fall back to the default
	gt.Equal(t, cfg.BatchSize, 10)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"unknown backend":    func(c *config.Config) { c.StoreBackend = "s3" },
		"gcs without bucket": func(c *config.Config) { c.StoreBackend = config.BackendGCS; c.GCSBucket = "" },
		"zero quota":         func(c *config.Config) { c.StoreQuota = 0 },
		"negative debounce":  func(c *config.Config) { c.Debounce = -time.Second },
		"empty key":          func(c *config.Config) { c.StoreKey = "" },
		"unknown log format": func(c *config.Config) { c.LogFormat = "xml" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Load()
			mutate(cfg)
			gt.Error(t, cfg.Validate())
		})
	}
}
