package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Addr       string
	WSOrigins  []string
	SendBuffer int

	Grace         time.Duration
	Retention     time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	PingInterval  time.Duration
	QueueSize     int

	RedisURL    string
	DatabaseURL string

	DailySQLitePath string
	DailyHTTPURL    string
	DailyHTTPRetry  int

	TokenSecret string
	TokenTTL    time.Duration

	MessagesDir    string
	PersistTimeout time.Duration
}

// fileConfig is the YAML overlay. Unset keys leave the env value alone.
type fileConfig struct {
	Addr       string   `yaml:"addr"`
	WSOrigins  []string `yaml:"ws_origins"`
	SendBuffer int      `yaml:"send_buffer"`

	Grace         string `yaml:"grace"`
	Retention     string `yaml:"retention"`
	IdleTimeout   string `yaml:"idle_timeout"`
	SweepInterval string `yaml:"sweep_interval"`
	PingInterval  string `yaml:"ping_interval"`
	QueueSize     int    `yaml:"queue_size"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	Daily struct {
		SQLitePath string `yaml:"sqlite_path"`
		HTTPURL    string `yaml:"http_url"`
		HTTPRetry  int    `yaml:"http_retry"`
	} `yaml:"daily"`

	TokenSecret string `yaml:"token_secret"`
	TokenTTL    string `yaml:"token_ttl"`

	MessagesDir    string `yaml:"messages_dir"`
	PersistTimeout string `yaml:"persist_timeout"`
}

// LoadDotenv copies .env (or the given files) into the process environment without
// overriding variables that are already set. Missing files are not an error.
func LoadDotenv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load dotenv: %w", err)
	}
	return nil
}

// Load reads .env (if present), the environment, and then the YAML file named by
// OTHELLO_CONFIG_FILE.
func Load() (*AppConfig, error) {
	if err := LoadDotenv(); err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Addr:           ":8080",
		SendBuffer:     64,
		Grace:          30 * time.Second,
		Retention:      10 * time.Minute,
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  time.Minute,
		PingInterval:   30 * time.Second,
		QueueSize:      64,
		DailyHTTPRetry: 3,
		TokenTTL:       24 * time.Hour,
		PersistTimeout: 5 * time.Second,
	}

	if v := env("OTHELLO_ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.WSOrigins = splitList(env("WS_ORIGINS"))
	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.DailySQLitePath = env("DAILY_SQLITE_PATH")
	cfg.DailyHTTPURL = env("DAILY_HTTP_URL")
	cfg.TokenSecret = env("TOKEN_SECRET")
	cfg.MessagesDir = env("MESSAGES_DIR")

	ints := []struct {
		key string
		dst *int
	}{
		{"WS_SEND_BUFFER", &cfg.SendBuffer},
		{"SESSION_QUEUE_SIZE", &cfg.QueueSize},
		{"DAILY_HTTP_RETRY", &cfg.DailyHTTPRetry},
	}
	for _, it := range ints {
		if v := env(it.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s: invalid integer %q", it.key, v)
			}
			*it.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"GRACE_PERIOD", &cfg.Grace},
		{"SESSION_RETENTION", &cfg.Retention},
		{"SESSION_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"WS_PING_INTERVAL", &cfg.PingInterval},
		{"TOKEN_TTL", &cfg.TokenTTL},
		{"PERSIST_TIMEOUT", &cfg.PersistTimeout},
	}
	for _, it := range durations {
		if v := env(it.key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = d
		}
	}

	if path := env("OTHELLO_CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	setString(&cfg.Addr, fc.Addr)
	if len(fc.WSOrigins) > 0 {
		cfg.WSOrigins = fc.WSOrigins
	}
	setInt(&cfg.SendBuffer, fc.SendBuffer)
	setInt(&cfg.QueueSize, fc.QueueSize)
	setInt(&cfg.DailyHTTPRetry, fc.Daily.HTTPRetry)
	setString(&cfg.RedisURL, fc.RedisURL)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.DailySQLitePath, fc.Daily.SQLitePath)
	setString(&cfg.DailyHTTPURL, fc.Daily.HTTPURL)
	setString(&cfg.TokenSecret, fc.TokenSecret)
	setString(&cfg.MessagesDir, fc.MessagesDir)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"grace", fc.Grace, &cfg.Grace},
		{"retention", fc.Retention, &cfg.Retention},
		{"idle_timeout", fc.IdleTimeout, &cfg.IdleTimeout},
		{"sweep_interval", fc.SweepInterval, &cfg.SweepInterval},
		{"ping_interval", fc.PingInterval, &cfg.PingInterval},
		{"token_ttl", fc.TokenTTL, &cfg.TokenTTL},
		{"persist_timeout", fc.PersistTimeout, &cfg.PersistTimeout},
	}
	for _, it := range durations {
		if strings.TrimSpace(it.raw) == "" {
			continue
		}
		d, err := parseDuration(it.raw)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", path, it.key, err)
		}
		*it.dst = d
	}
	return nil
}

func (cfg *AppConfig) validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return errors.New("OTHELLO_ADDR must not be empty")
	}
	if cfg.Grace <= 0 {
		return errors.New("GRACE_PERIOD must be positive")
	}
	if cfg.Retention <= 0 || cfg.IdleTimeout <= 0 || cfg.SweepInterval <= 0 {
		return errors.New("session retention, idle timeout and sweep interval must be positive")
	}
	if cfg.TokenSecret != "" && len(cfg.TokenSecret) < 16 {
		return errors.New("TOKEN_SECRET must be at least 16 bytes")
	}
	return nil
}

// parseDuration accepts Go duration syntax or a plain number of seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", v)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return d, nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
