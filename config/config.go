package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds file and environment driven configuration values.
// Credentials never get defaults in code and must come from the config file or the environment.
type AppConfig struct {
	Timezone      string
	SnowflakeNode int64
	// Database
	DBDriver    string
	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	// Redis for cache and locks
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	// Cache
	CacheNamespace string
	CacheCodec     string
	UserTTL        time.Duration
	RewardTTL      time.Duration
	WindowTTL      time.Duration
	QueryTTL       time.Duration
	CheckedFlagTTL time.Duration
	// Distributed lock
	LockWait          time.Duration
	LockHold          time.Duration
	LockRetryInterval time.Duration
	ContentionRetries int
	ContentionBackoff time.Duration
	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
	// Seeding
	SeedAdminUsername string
	SeedAdminPassword string
	SeedUsers         []string
}

var (
	cfg    AppConfig
	loaded bool
	mu     sync.Mutex
)

// Load reads configuration once. Precedence: defaults -> config file -> environment.
// path may be empty, in which case config/config.{yaml,json} is tried and a missing file is not an error.
func Load(path string) (AppConfig, error) {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return cfg, nil
	}
	out, err := read(path)
	if err != nil {
		return AppConfig{}, err
	}
	cfg = out
	loaded = true
	return cfg, nil
}

func read(path string) (AppConfig, error) {
	v := viper.New()
	applyDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	// REDIS_HOST overrides redis.host, LOG_LEVEL overrides log.level, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

// Get returns the cached configuration, loading defaults if Load was never called.
func Get() AppConfig {
	mu.Lock()
	ok := loaded
	mu.Unlock()
	if !ok {
		c, err := Load("")
		if err != nil {
			panic(err)
		}
		return c
	}
	return cfg
}

// Location resolves the configured timezone, falling back to local time.
func (c AppConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("app.timezone", "Local")
	v.SetDefault("app.snowflake_node", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.name", "checkin")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.namespace", "checkin")
	v.SetDefault("cache.codec", "json")
	v.SetDefault("cache.user_ttl", 10*time.Minute)
	v.SetDefault("cache.reward_ttl", 24*time.Hour)
	v.SetDefault("cache.window_ttl", 10*time.Minute)
	v.SetDefault("cache.query_ttl", 24*time.Hour)
	v.SetDefault("cache.checked_flag_ttl", 24*time.Hour)

	v.SetDefault("lock.wait", 5*time.Second)
	v.SetDefault("lock.hold", 10*time.Second)
	v.SetDefault("lock.retry_interval", 50*time.Millisecond)
	v.SetDefault("lock.contention_retries", 1)
	v.SetDefault("lock.contention_backoff", 100*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "logs/checkin.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("seed.admin_username", "admin")
	v.SetDefault("seed.admin_password", "admin")
}

func fromViper(v *viper.Viper) (AppConfig, error) {
	out := AppConfig{
		Timezone:      v.GetString("app.timezone"),
		SnowflakeNode: v.GetInt64("app.snowflake_node"),

		DBDriver:    strings.ToLower(v.GetString("database.driver")),
		DatabaseURI: v.GetString("database.uri"),
		DBHost:      v.GetString("database.host"),
		DBPort:      v.GetString("database.port"),
		DBUser:      v.GetString("database.user"),
		DBPassword:  v.GetString("database.password"),
		DBName:      v.GetString("database.name"),

		RedisHost:     v.GetString("redis.host"),
		RedisPort:     v.GetInt("redis.port"),
		RedisDB:       v.GetInt("redis.db"),
		RedisPassword: v.GetString("redis.password"),

		CacheNamespace: v.GetString("cache.namespace"),
		CacheCodec:     strings.ToLower(v.GetString("cache.codec")),
		UserTTL:        v.GetDuration("cache.user_ttl"),
		RewardTTL:      v.GetDuration("cache.reward_ttl"),
		WindowTTL:      v.GetDuration("cache.window_ttl"),
		QueryTTL:       v.GetDuration("cache.query_ttl"),
		CheckedFlagTTL: v.GetDuration("cache.checked_flag_ttl"),

		LockWait:          v.GetDuration("lock.wait"),
		LockHold:          v.GetDuration("lock.hold"),
		LockRetryInterval: v.GetDuration("lock.retry_interval"),
		ContentionRetries: v.GetInt("lock.contention_retries"),
		ContentionBackoff: v.GetDuration("lock.contention_backoff"),

		LogLevel:      strings.ToLower(v.GetString("log.level")),
		LogPath:       v.GetString("log.path"),
		LogMaxSizeMB:  v.GetInt("log.max_size_mb"),
		LogMaxBackups: v.GetInt("log.max_backups"),
		LogMaxAgeDays: v.GetInt("log.max_age_days"),
		LogCompress:   v.GetBool("log.compress"),

		SeedAdminUsername: v.GetString("seed.admin_username"),
		SeedAdminPassword: v.GetString("seed.admin_password"),
		SeedUsers:         v.GetStringSlice("seed.users"),
	}
	if out.Timezone == "Local" {
		out.Timezone = ""
	}

	switch out.DBDriver {
	case "mysql", "sqlite":
	default:
		return AppConfig{}, fmt.Errorf("unsupported database.driver %q", out.DBDriver)
	}
	switch out.CacheCodec {
	case "json", "msgpack":
	default:
		return AppConfig{}, fmt.Errorf("unsupported cache.codec %q", out.CacheCodec)
	}
	if out.LockHold <= 0 || out.LockWait < 0 {
		return AppConfig{}, errors.New("lock.hold must be positive and lock.wait non-negative")
	}
	if out.ContentionRetries < 0 {
		out.ContentionRetries = 0
	}
	return out, nil
}
