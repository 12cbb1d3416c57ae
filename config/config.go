package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Database. Empty means the in-memory job store.
	DatabaseURL string `yaml:"database_url"`

	// Server
	ServerPort string `yaml:"server_port"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Estimator EstimatorConfig `yaml:"estimator"`
}

// SchedulerConfig controls admission limits and loop timing.
type SchedulerConfig struct {
	TotalGPUMemoryGB  float64       `yaml:"total_gpu_memory_gb"`
	TotalDiskGB       float64       `yaml:"total_disk_gb"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	Retention         time.Duration `yaml:"retention"`
}

// EstimatorConfig parameterizes the linear-with-ceiling resource model.
type EstimatorConfig struct {
	BaseGPUMemoryGB    float64       `yaml:"base_gpu_memory_gb"`
	GPUMemoryPerItemGB float64       `yaml:"gpu_memory_per_item_gb"`
	BaseDiskGB         float64       `yaml:"base_disk_gb"`
	DiskPerItemGB      float64       `yaml:"disk_per_item_gb"`
	BaseDuration       time.Duration `yaml:"base_duration"`
	DurationPerItem    time.Duration `yaml:"duration_per_item"`
	MaxDuration        time.Duration `yaml:"max_duration"`
	GPUHourlyRateUSD   float64       `yaml:"gpu_hourly_rate_usd"`
}

// Load loads configuration from the optional YAML file named by
// SCHEDULER_CONFIG, with environment variables taking precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("SCHEDULER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(err, "parsing MAX_CONCURRENT_JOBS")
		}
		cfg.Scheduler.MaxConcurrentJobs = n
	}
	if v := os.Getenv("TOTAL_GPU_MEMORY_GB"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parsing TOTAL_GPU_MEMORY_GB")
		}
		cfg.Scheduler.TotalGPUMemoryGB = f
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DatabaseURL: "",
		ServerPort:  "8080",
		Scheduler: SchedulerConfig{
			TotalGPUMemoryGB:  80,
			TotalDiskGB:       500,
			MaxConcurrentJobs: 4,
			TickInterval:      5 * time.Second,
			DefaultMaxRetries: 3,
			Retention:         7 * 24 * time.Hour,
		},
		Estimator: EstimatorConfig{
			BaseGPUMemoryGB:    2,
			GPUMemoryPerItemGB: 0.05,
			BaseDiskGB:         5,
			DiskPerItemGB:      0.1,
			BaseDuration:       5 * time.Minute,
			DurationPerItem:    200 * time.Millisecond,
			MaxDuration:        4 * time.Hour,
			GPUHourlyRateUSD:   2.5,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
