package cli

import (
	"context"
	"os"

	"github.com/avvvet/chatcapture/internal/config"
	"github.com/avvvet/chatcapture/internal/extractor"
	"github.com/avvvet/chatcapture/internal/logging"
	"github.com/avvvet/chatcapture/internal/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// cliConfig is the environment configuration plus flag overrides
type cliConfig struct {
	*config.Config
	quota int64
}

func newConfig(base *config.Config) *cliConfig {
	return &cliConfig{
		Config: base,
		quota:  int64(base.StoreQuota),
	}
}

// globalFlags returns flags shared by every command. Defaults come from the
// environment, so flags only override.
func globalFlags(cfg *cliConfig) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       cfg.LogLevel,
			Destination: &cfg.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log output format (console, json)",
			Value:       cfg.LogFormat,
			Destination: &cfg.LogFormat,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Store backend (memory, bolt, redis, gcs)",
			Value:       cfg.StoreBackend,
			Destination: &cfg.StoreBackend,
		},
		&cli.StringFlag{
			Name:        "store-key",
			Usage:       "Key the captured state is stored under",
			Value:       cfg.StoreKey,
			Destination: &cfg.StoreKey,
		},
		&cli.IntFlag{
			Name:        "quota",
			Usage:       "Maximum serialized state size in bytes",
			Value:       cfg.quota,
			Destination: &cfg.quota,
		},
		&cli.StringFlag{
			Name:        "bolt-path",
			Usage:       "bbolt database file",
			Value:       cfg.BoltPath,
			Destination: &cfg.BoltPath,
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Usage:       "Redis URL",
			Value:       cfg.RedisURL,
			Destination: &cfg.RedisURL,
		},
		&cli.StringFlag{
			Name:        "gcs-bucket",
			Usage:       "Cloud Storage bucket",
			Value:       cfg.GCSBucket,
			Destination: &cfg.GCSBucket,
		},
		&cli.StringFlag{
			Name:        "profiles",
			Usage:       "YAML file with additional platform profiles",
			Value:       cfg.ProfilesPath,
			Destination: &cfg.ProfilesPath,
		},
	}
}

// setup validates the configuration and attaches a logger to ctx
func (cfg *cliConfig) setup(ctx context.Context) (context.Context, error) {
	cfg.StoreQuota = int(cfg.quota)

	logger := logging.New(cfg.LogLevel, os.Stderr, logging.WithFormat(cfg.LogFormat))
	logging.SetDefault(logger)
	ctx = logging.With(ctx, logger)

	if err := cfg.Validate(); err != nil {
		return ctx, goerr.Wrap(err, "invalid configuration")
	}
	return ctx, nil
}

// newBackend creates the configured store backend wrapped in the quota check
func (cfg *cliConfig) newBackend(ctx context.Context) (memory.Backend, error) {
	var (
		backend memory.Backend
		err     error
	)

	switch cfg.StoreBackend {
	case config.BackendMemory:
		backend = memory.NewMemoryStore()
	case config.BackendBolt:
		backend, err = memory.NewBoltStore(cfg.BoltPath)
	case config.BackendRedis:
		backend, err = memory.NewRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.RedisTTL)
	case config.BackendGCS:
		backend, err = memory.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, goerr.New("unknown store backend", goerr.V("backend", cfg.StoreBackend))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create store backend", goerr.V("backend", cfg.StoreBackend))
	}

	logging.From(ctx).Debug("store backend ready", "backend", cfg.StoreBackend, "quota", cfg.StoreQuota)
	return memory.WithQuota(backend, cfg.StoreQuota), nil
}

// newManager creates the store manager
func (cfg *cliConfig) newManager(ctx context.Context) (*memory.Manager, error) {
	backend, err := cfg.newBackend(ctx)
	if err != nil {
		return nil, err
	}

	limits := memory.DefaultLimits()
	limits.Quota = cfg.StoreQuota
	limits.MaxAge = cfg.ConversationTTL

	return memory.NewManager(backend,
		memory.WithKey(cfg.StoreKey),
		memory.WithLimits(limits),
		memory.WithMaxMessages(cfg.MaxMessages),
		memory.WithMergeWindow(2*cfg.DedupWindow),
	), nil
}

// newRegistry returns built-in profiles plus those from the profiles file
func (cfg *cliConfig) newRegistry() (*extractor.Registry, error) {
	profiles := extractor.Builtin()
	if cfg.ProfilesPath != "" {
		extra, err := extractor.LoadProfiles(cfg.ProfilesPath)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, extra...)
	}
	return extractor.NewRegistry(profiles...), nil
}
