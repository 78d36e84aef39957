package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// StageConfig holds per-stage worker tuning.
type StageConfig struct {
	// MaxRetries bounds the processor's internal retry policy.
	MaxRetries int
	// SleepMin/SleepMax bound the uniform inter-record jitter.
	SleepMin time.Duration
	SleepMax time.Duration
}

// Config holds all runtime configuration. Values come from the environment,
// optionally overridden by a YAML config file.
type Config struct {
	Host    string
	Port    int
	DataDir string

	Headless bool

	LogLevel string
	LogJSON  bool

	MaxGlobalWorkers   int
	SessionIdleTimeout time.Duration
	WorkerPollInterval time.Duration
	RetryExtraSleep    time.Duration

	Sunedu StageConfig
	Minedu StageConfig
}

// setDefaults registers the documented defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("HEADLESS", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)
	v.SetDefault("MAX_GLOBAL_WORKERS", 10)
	v.SetDefault("SESSION_IDLE_TIMEOUT", 1800)
	v.SetDefault("WORKER_POLL_INTERVAL", 2.0)
	v.SetDefault("RETRY_EXTRA_SLEEP", 1.2)
	v.SetDefault("SUNEDU_MAX_RETRIES", 5)
	v.SetDefault("SUNEDU_SLEEP_MIN", 3.0)
	v.SetDefault("SUNEDU_SLEEP_MAX", 4.2)
	v.SetDefault("MINEDU_MAX_RETRIES", 8)
	v.SetDefault("MINEDU_SLEEP_MIN", 1.0)
	v.SetDefault("MINEDU_SLEEP_MAX", 2.0)
}

// Load reads configuration from the environment and, when configFile is
// non-empty, from a YAML file whose keys override environment values.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Host:               v.GetString("HOST"),
		Port:               v.GetInt("PORT"),
		DataDir:            v.GetString("DATA_DIR"),
		Headless:           v.GetBool("HEADLESS"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogJSON:            v.GetBool("LOG_JSON"),
		MaxGlobalWorkers:   v.GetInt("MAX_GLOBAL_WORKERS"),
		SessionIdleTimeout: seconds(v.GetFloat64("SESSION_IDLE_TIMEOUT")),
		WorkerPollInterval: seconds(v.GetFloat64("WORKER_POLL_INTERVAL")),
		RetryExtraSleep:    seconds(v.GetFloat64("RETRY_EXTRA_SLEEP")),
		Sunedu: StageConfig{
			MaxRetries: v.GetInt("SUNEDU_MAX_RETRIES"),
			SleepMin:   seconds(v.GetFloat64("SUNEDU_SLEEP_MIN")),
			SleepMax:   seconds(v.GetFloat64("SUNEDU_SLEEP_MAX")),
		},
		Minedu: StageConfig{
			MaxRetries: v.GetInt("MINEDU_MAX_RETRIES"),
			SleepMin:   seconds(v.GetFloat64("MINEDU_SLEEP_MIN")),
			SleepMax:   seconds(v.GetFloat64("MINEDU_SLEEP_MAX")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxGlobalWorkers < 2 {
		return fmt.Errorf("MAX_GLOBAL_WORKERS must be at least 2, got %d", c.MaxGlobalWorkers)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	for _, sc := range []struct {
		name string
		cfg  StageConfig
	}{{"SUNEDU", c.Sunedu}, {"MINEDU", c.Minedu}} {
		if sc.cfg.SleepMax < sc.cfg.SleepMin {
			return fmt.Errorf("%s_SLEEP_MAX must be >= %s_SLEEP_MIN", sc.name, sc.name)
		}
		if sc.cfg.MaxRetries < 1 {
			return fmt.Errorf("%s_MAX_RETRIES must be at least 1", sc.name)
		}
	}
	return nil
}

// ListenAddr returns the host:port pair the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// seconds converts a fractional-seconds knob to a duration, rounded to the
// millisecond so values like 1.2 stay exact.
func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}
