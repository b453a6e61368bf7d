package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. ${VAR} references
// are expanded from the environment before parsing. Absent fields keep
// their defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", configPath, err)
	}

	expanded := envVarPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envVarPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", configPath, err)
	}

	sum := blake3.Sum256(data)
	cfg.Digest = hex.EncodeToString(sum[:])

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Pool.NumWorkers <= 0 {
		return fmt.Errorf("pool.num_workers must be positive, got %d", cfg.Pool.NumWorkers)
	}
	if cfg.Pool.MaxConcurrentPerWorker <= 0 {
		return fmt.Errorf("pool.max_concurrent_per_worker must be positive, got %d", cfg.Pool.MaxConcurrentPerWorker)
	}
	if cfg.Pool.WorkerEntrypoint == "" {
		return fmt.Errorf("pool.worker_entrypoint is required")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	return nil
}
