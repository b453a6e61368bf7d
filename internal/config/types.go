package config

import "time"

// Config is the complete coordinator configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Pool    PoolConfig    `yaml:"pool"`
	API     APIConfig     `yaml:"api,omitempty"`
	History HistoryConfig `yaml:"history,omitempty"`

	// Digest is the blake3 hash of the loaded file, surfaced for drift
	// visibility. Not part of the YAML schema.
	Digest string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	PIDFile         string        `yaml:"pid_file"`
}

// PoolConfig defines the worker pool.
type PoolConfig struct {
	NumWorkers             int           `yaml:"num_workers"`
	MaxConcurrentPerWorker int           `yaml:"max_concurrent_per_worker"`
	WorkerEntrypoint       string        `yaml:"worker_entrypoint"`
	WorkerArgs             []string      `yaml:"worker_args,omitempty"`
	StartTimeout           time.Duration `yaml:"start_timeout"`
}

// APIConfig defines the HTTP API server.
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	AuthToken     string        `yaml:"auth_token"`
}

// HistoryConfig defines the invocation outcome store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "automationd",
			LogLevel:        "INFO",
			MetricsInterval: time.Second,
			PIDFile:         "automationd.pid",
		},
		Pool: PoolConfig{
			NumWorkers:             2,
			MaxConcurrentPerWorker: 4,
			StartTimeout:           30 * time.Second,
		},
		API: APIConfig{
			Enabled:       true,
			Listen:        "127.0.0.1:7180",
			SubmitTimeout: 60 * time.Second,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "automation.db",
		},
	}
}
