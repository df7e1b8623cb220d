// Package config loads memoryd's configuration from an optional YAML file,
// environment variables, and a .env file, with yaml.v3 as the module-wide
// YAML format (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"koopmem/internal/consolidation"
)

// Config is memoryd's full runtime configuration.
type Config struct {
	VaultDir            string `yaml:"vault_dir"`
	SegmentSizeBytes    int64  `yaml:"segment_size_bytes"`
	MaxEpisodes         int    `yaml:"max_episodes"`
	IndexRebuildOnStart bool   `yaml:"index_rebuild_on_start"`

	ConceptWidth   int     `yaml:"concept_width"`
	PruneThreshold float64 `yaml:"prune_threshold"`

	Replay consolidation.ReplayParameters `yaml:"-"`

	SpectralRank           int `yaml:"spectral_rank"`
	SpectralRefitThreshold int `yaml:"spectral_refit_threshold"`

	HTTPAddr string `yaml:"http_addr"`

	RedisURL string `yaml:"redis_url"`
	NatsURL  string `yaml:"nats_url"`

	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	ConsolidationCron string `yaml:"consolidation_cron"`
}

// Default returns the built-in defaults, overridden by file and
// environment in Load.
func Default() *Config {
	return &Config{
		VaultDir:               "./data/vault",
		SegmentSizeBytes:       64 << 20,
		MaxEpisodes:            0,
		IndexRebuildOnStart:    false,
		ConceptWidth:           4096,
		PruneThreshold:         0.05,
		Replay:                 consolidation.DefaultReplayParameters(),
		SpectralRank:           0,
		SpectralRefitThreshold: 64,
		HTTPAddr:               ":8070",
		RedisURL:               "redis://127.0.0.1:6379",
		NatsURL:                "nats://127.0.0.1:4222",
		MaxConcurrentJobs:      4,
		ConsolidationCron:      "0 */1 * * *",
	}
}

// Load reads configPath (if non-empty and present), then applies
// KOOPMEM_*-prefixed environment variable overrides plus the unprefixed
// REDIS_URL and NATS_URL, and rewrites "localhost" in the Redis URL to
// 127.0.0.1.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KOOPMEM_VAULT_DIR"); v != "" {
		cfg.VaultDir = v
	}
	if v := os.Getenv("KOOPMEM_MAX_EPISODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxEpisodes = n
		}
	}
	if v := os.Getenv("KOOPMEM_CONCEPT_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ConceptWidth = n
		}
	}
	if v := os.Getenv("KOOPMEM_PRUNE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PruneThreshold = f
			cfg.Replay.PruneThreshold = f
		}
	}
	if v := os.Getenv("KOOPMEM_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NatsURL = v
	}
	if v := os.Getenv("KOOPMEM_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("KOOPMEM_CONSOLIDATION_CRON"); v != "" {
		cfg.ConsolidationCron = v
	}

	if strings.Contains(cfg.RedisURL, "localhost") {
		cfg.RedisURL = strings.ReplaceAll(cfg.RedisURL, "localhost", "127.0.0.1")
	}
}

// LoadDotEnv walks up from the working directory looking for a .env file
// and loads it if found. Missing .env is not an error.
func LoadDotEnv() {
	if wd, err := os.Getwd(); err == nil {
		dir := wd
		for dir != filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".env")
			if _, err := os.Stat(candidate); err == nil {
				_ = godotenv.Load(candidate)
				return
			}
			dir = filepath.Dir(dir)
		}
	}
	_ = godotenv.Load()
}
