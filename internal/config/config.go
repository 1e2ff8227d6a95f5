package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPassword string `yaml:"redis_password"`
	Queue         string `yaml:"queue"`
	APIKey        string `yaml:"api_key"`
	Port          string `yaml:"port"`

	// IdleTimeout reaps the connections of a consuming queue.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// StoreIdleTimeout reaps the connections held by the API host.
	StoreIdleTimeout time.Duration `yaml:"store_idle_timeout"`

	PollInterval time.Duration `yaml:"poll_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`

	Job JobDefaults `yaml:"job"`

	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// MetricsPort serves /metrics from the worker.
	MetricsPort string `yaml:"metrics_port"`
}

// JobDefaults apply to every enqueued job unless overridden per call.
type JobDefaults struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Delay       time.Duration `yaml:"delay"`
	TTL         time.Duration `yaml:"ttl"`
}

func Default() Config {
	return Config{
		RedisAddr:        "localhost:6379",
		Queue:            "jobs",
		APIKey:           "devkey",
		Port:             "8080",
		IdleTimeout:      30 * time.Second,
		StoreIdleTimeout: 5 * time.Minute,
		PollInterval:     time.Second,
		WaitTimeout:      30 * time.Second,
		Job: JobDefaults{
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
			TTL:         5 * time.Minute,
		},
		LogLevel:       "info",
		LogFormat:      "json",
		MetricsEnabled: true,
		MetricsPort:    "9090",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (if any), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	FromEnv(&cfg)
	return cfg, cfg.Validate()
}

// FromEnv overrides cfg with any variables present in the environment.
func FromEnv(cfg *Config) {
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.Queue = getEnv("QUEUE", cfg.Queue)
	cfg.APIKey = getEnv("API_KEY", cfg.APIKey)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.StoreIdleTimeout = getEnvDuration("STORE_IDLE_TIMEOUT", cfg.StoreIdleTimeout)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.WaitTimeout = getEnvDuration("WAIT_TIMEOUT", cfg.WaitTimeout)
	cfg.Job.MaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", cfg.Job.MaxAttempts)
	cfg.Job.Backoff = getEnvDuration("JOB_BACKOFF", cfg.Job.Backoff)
	cfg.Job.Delay = getEnvDuration("JOB_DELAY", cfg.Job.Delay)
	cfg.Job.TTL = getEnvDuration("JOB_TTL", cfg.Job.TTL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
}

func (c Config) Validate() error {
	switch {
	case c.RedisAddr == "":
		return fmt.Errorf("config: redis_addr must not be empty")
	case c.Queue == "":
		return fmt.Errorf("config: queue must not be empty")
	case c.PollInterval <= 0:
		return fmt.Errorf("config: poll_interval must be > 0")
	case c.Job.MaxAttempts < 1:
		return fmt.Errorf("config: job.max_attempts must be >= 1")
	case c.Job.Backoff < 0 || c.Job.Delay < 0 || c.Job.TTL < 0:
		return fmt.Errorf("config: job durations must be >= 0")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, err := fmt.Sscanf(v, "%d", &n)
		if err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
