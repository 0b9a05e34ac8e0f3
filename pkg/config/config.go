package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every recognized, process-wide option from SPEC_FULL.md §6.
// Zero values are filled in by Defaults before validation.
type Config struct {
	APIKey   string `yaml:"api_key"`
	StorageRoot string `yaml:"storage_root"`
	DataDir     string `yaml:"data_dir"`
	HTTPBind    string `yaml:"http_bind"`
	NodeID      string `yaml:"node_id"`
	RaftBindAddr string `yaml:"raft_bind_addr"`

	WorkerTokenTTLSeconds        int `yaml:"worker_token_ttl_seconds"`
	WorkerPollIntervalSeconds    int `yaml:"worker_poll_interval_seconds"`
	BuildHeartbeatTimeoutSeconds int `yaml:"build_heartbeat_timeout_seconds"`
	WorkerOfflineTimeoutSeconds  int `yaml:"worker_offline_timeout_seconds"`
	LivenessScanIntervalSeconds  int `yaml:"liveness_scan_interval_seconds"`
	OTPTTLSeconds                int `yaml:"otp_ttl_seconds"`
	VMTokenTTLSeconds            int `yaml:"vm_token_ttl_seconds"`
	BuildSubmitterTTLSeconds     int `yaml:"build_submitter_ttl_seconds"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Defaults returns a Config with every documented default applied,
// before any file or environment override.
func Defaults() Config {
	return Config{
		StorageRoot:                  "./data/blobs",
		DataDir:                      "./data/raft",
		HTTPBind:                     "0.0.0.0:8080",
		NodeID:                       "controller-1",
		RaftBindAddr:                 "127.0.0.1:7420",
		WorkerTokenTTLSeconds:        90,
		WorkerPollIntervalSeconds:    30,
		BuildHeartbeatTimeoutSeconds: 300,
		WorkerOfflineTimeoutSeconds:  300,
		LivenessScanIntervalSeconds:  60,
		OTPTTLSeconds:                30,
		VMTokenTTLSeconds:            2 * 60 * 60,
		BuildSubmitterTTLSeconds:     24 * 60 * 60,
		MaxUploadBytes:               2 << 30, // 2 GiB
		LogLevel:                     "info",
		LogJSON:                      false,
	}
}

// Load reads path (if non-empty) as YAML over the defaults, then applies
// the WARREN_CONTROLLER_* environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WARREN_CONTROLLER_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("WARREN_CONTROLLER_HTTP_BIND"); v != "" {
		cfg.HTTPBind = v
	}
	if v := os.Getenv("WARREN_CONTROLLER_STORAGE_ROOT"); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv("WARREN_CONTROLLER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WARREN_CONTROLLER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate enforces the startup invariants named in SPEC_FULL.md §6: a
// short API key or an unwritable data dir must fail the process before
// it ever binds a socket.
func (c Config) Validate() error {
	if len(c.APIKey) < 32 {
		return fmt.Errorf("api_key must be at least 32 characters, got %d", len(c.APIKey))
	}
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	for _, dir := range []string{c.StorageRoot, c.DataDir} {
		if err := ensureWritable(dir); err != nil {
			return fmt.Errorf("%s: %w", dir, err)
		}
	}
	if c.HTTPBind == "" {
		return fmt.Errorf("http_bind must not be empty")
	}
	return nil
}

func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(probe)
}

func (c Config) WorkerTokenTTL() time.Duration {
	return time.Duration(c.WorkerTokenTTLSeconds) * time.Second
}

func (c Config) BuildHeartbeatTimeout() time.Duration {
	return time.Duration(c.BuildHeartbeatTimeoutSeconds) * time.Second
}

func (c Config) WorkerOfflineTimeout() time.Duration {
	return time.Duration(c.WorkerOfflineTimeoutSeconds) * time.Second
}

func (c Config) LivenessScanInterval() time.Duration {
	return time.Duration(c.LivenessScanIntervalSeconds) * time.Second
}

func (c Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLSeconds) * time.Second
}

func (c Config) VMTokenTTL() time.Duration {
	return time.Duration(c.VMTokenTTLSeconds) * time.Second
}

func (c Config) BuildSubmitterTTL() time.Duration {
	return time.Duration(c.BuildSubmitterTTLSeconds) * time.Second
}
