package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Coordinator struct {
		StartupDelay      time.Duration `yaml:"startup_delay"`       // between engine starts
		SettleDelay       time.Duration `yaml:"settle_delay"`        // starting -> operational
		ShutdownDelay     time.Duration `yaml:"shutdown_delay"`      // between engine stops
		HealthInterval    time.Duration `yaml:"health_interval"`
		BroadcastInterval time.Duration `yaml:"broadcast_interval"`
		RecoveryCooldown  time.Duration `yaml:"recovery_cooldown"`
		AutoRecovery      bool          `yaml:"auto_recovery"`
		ThreatRetention   time.Duration `yaml:"threat_retention"`
		CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	} `yaml:"coordinator"`

	Detection struct {
		HistorySize        int     `yaml:"history_size"`
		DetectionThreshold float64 `yaml:"detection_threshold"`
		BaselineMinQuality float64 `yaml:"baseline_min_quality"`
	} `yaml:"detection"`

	Agility struct {
		DefaultBand     string        `yaml:"default_band"`
		SequenceLength  int           `yaml:"sequence_length"`
		DefaultDwell    time.Duration `yaml:"default_dwell"`
		SwitchDelay     time.Duration `yaml:"switch_delay"`
		ResyncPerMinute float64       `yaml:"resync_per_minute"`
	} `yaml:"agility"`

	Fallback struct {
		EvaluationInterval time.Duration `yaml:"evaluation_interval"`
		TestTimeout        time.Duration `yaml:"test_timeout"`
	} `yaml:"fallback"`

	HTTP struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns a configuration suitable for a bare deployment.
func Default() *Config {
	cfg := &Config{}
	cfg.Coordinator.StartupDelay = 500 * time.Millisecond
	cfg.Coordinator.SettleDelay = 200 * time.Millisecond
	cfg.Coordinator.ShutdownDelay = 200 * time.Millisecond
	cfg.Coordinator.HealthInterval = 5 * time.Second
	cfg.Coordinator.BroadcastInterval = 10 * time.Second
	cfg.Coordinator.RecoveryCooldown = 30 * time.Second
	cfg.Coordinator.AutoRecovery = true
	cfg.Coordinator.ThreatRetention = 30 * time.Minute
	cfg.Coordinator.CleanupInterval = time.Minute

	cfg.Detection.HistorySize = 50
	cfg.Detection.DetectionThreshold = 0.3
	cfg.Detection.BaselineMinQuality = 85

	cfg.Agility.DefaultBand = "ism2400"
	cfg.Agility.SequenceLength = 64
	cfg.Agility.DefaultDwell = 2 * time.Second
	cfg.Agility.SwitchDelay = 5 * time.Second
	cfg.Agility.ResyncPerMinute = 12

	cfg.Fallback.EvaluationInterval = 2 * time.Second
	cfg.Fallback.TestTimeout = 5 * time.Second

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ReadTimeout = 10 * time.Second
	cfg.HTTP.WriteTimeout = 10 * time.Second
	cfg.HTTP.ShutdownTimeout = 5 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

// Load reads configuration from a YAML file on top of defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Coordinator.HealthInterval <= 0 {
		return fmt.Errorf("coordinator.health_interval must be > 0")
	}
	if c.Coordinator.BroadcastInterval <= 0 {
		return fmt.Errorf("coordinator.broadcast_interval must be > 0")
	}
	if c.Coordinator.RecoveryCooldown <= 0 {
		return fmt.Errorf("coordinator.recovery_cooldown must be > 0")
	}
	if c.Coordinator.ThreatRetention <= 0 {
		return fmt.Errorf("coordinator.threat_retention must be > 0")
	}

	if c.Detection.HistorySize <= 0 {
		return fmt.Errorf("detection.history_size must be > 0")
	}
	if c.Detection.DetectionThreshold <= 0 || c.Detection.DetectionThreshold >= 1 {
		return fmt.Errorf("detection.detection_threshold must be in (0, 1)")
	}
	if c.Detection.BaselineMinQuality <= 0 || c.Detection.BaselineMinQuality > 100 {
		return fmt.Errorf("detection.baseline_min_quality must be in (0, 100]")
	}

	if c.Agility.SequenceLength <= 0 {
		return fmt.Errorf("agility.sequence_length must be > 0")
	}
	if c.Agility.DefaultDwell <= 0 {
		return fmt.Errorf("agility.default_dwell must be > 0")
	}
	if c.Agility.SwitchDelay <= 0 {
		return fmt.Errorf("agility.switch_delay must be > 0")
	}

	if c.Fallback.EvaluationInterval <= 0 {
		return fmt.Errorf("fallback.evaluation_interval must be > 0")
	}
	if c.Fallback.TestTimeout <= 0 {
		return fmt.Errorf("fallback.test_timeout must be > 0")
	}

	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty")
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty when redis is enabled")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0")
		}
	}

	return nil
}
