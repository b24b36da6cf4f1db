package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config captures all runtime configuration.
type Config struct {
	Port              string  `koanf:"port"`
	DBURL             string  `koanf:"db_url"`
	ReadTimeoutSecs   int     `koanf:"server_read_timeout"`
	WriteTimeoutSecs  int     `koanf:"server_write_timeout"`
	IdleTimeoutSecs   int     `koanf:"server_idle_timeout"`
	DBMaxConns        int     `koanf:"db_max_conns"`
	DBMinConns        int     `koanf:"db_min_conns"`
	DBMaxIdleSecs     int     `koanf:"db_max_conn_idle_secs"`
	DBMaxLifeSecs     int     `koanf:"db_max_conn_lifetime_secs"`
	DBConnTimeoutSecs int     `koanf:"db_conn_timeout_secs"`
	DBStatementCache  int     `koanf:"db_statement_cache_capacity"`
	TxMaxAttempts     int     `koanf:"tx_max_attempts"`
	RedisAddr         string  `koanf:"redis_addr"`
	RedisPassword     string  `koanf:"redis_password"`
	RedisDB           int     `koanf:"redis_db"`
	CacheTTLSecs      int     `koanf:"cache_ttl_secs"`
	RatingRateLimit   float64 `koanf:"rating_rate_limit"`
	RatingRateBurst   int     `koanf:"rating_rate_burst"`
	LogLevel          string  `koanf:"log_level"`
	LogFormat         string  `koanf:"log_format"`
}

// Defaults returns the configuration used when nothing overrides a key.
func Defaults() Config {
	return Config{
		Port:              "8080",
		ReadTimeoutSecs:   15,
		WriteTimeoutSecs:  15,
		IdleTimeoutSecs:   60,
		DBMaxConns:        20,
		DBMinConns:        2,
		DBMaxIdleSecs:     300,
		DBMaxLifeSecs:     3600,
		DBConnTimeoutSecs: 10,
		DBStatementCache:  256,
		TxMaxAttempts:     5,
		RedisDB:           0,
		CacheTTLSecs:      60,
		RatingRateLimit:   50,
		RatingRateBurst:   100,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load builds a Config by layering defaults, an optional YAML file named by
// CONFIG_FILE, an optional .env file and finally the process environment.
func Load() (Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	k := koanf.New(".")

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load CONFIG_FILE %s: %w", path, err)
		}
	}

	// DB_URL -> db_url. Empty variables are skipped so they never mask a default.
	envProvider := env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if strings.TrimSpace(value) == "" {
			return "", nil
		}
		return strings.ToLower(key), value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting, naming its environment key.
func (c Config) Validate() error {
	if c.DBURL == "" {
		return fmt.Errorf("DB_URL is required")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if c.DBStatementCache < 0 {
		return fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	if c.TxMaxAttempts <= 0 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be positive")
	}
	if c.CacheTTLSecs <= 0 {
		return fmt.Errorf("CACHE_TTL_SECS must be positive")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must be non-negative")
	}
	if c.RatingRateLimit < 0 {
		return fmt.Errorf("RATING_RATE_LIMIT must be non-negative")
	}
	if c.RatingRateLimit > 0 && c.RatingRateBurst <= 0 {
		return fmt.Errorf("RATING_RATE_BURST must be positive when RATING_RATE_LIMIT is set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	return nil
}
