package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "OCRDROP_CONFIG"

// Config represents runtime configuration for the service.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Extraction ExtractionConfig          `mapstructure:"extraction"`
	Worker     WorkerConfig              `mapstructure:"worker"`
	Preview    PreviewConfig             `mapstructure:"preview"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Database   DatabaseSelect            `mapstructure:"database"`
	Databases  map[string]DatabaseConfig `mapstructure:"databases"`
	Log        LogConfig                 `mapstructure:"log"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// ExtractionConfig selects and configures the hosted model.
type ExtractionConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Instruction    string        `mapstructure:"instruction"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WorkerConfig tunes the sequential processor.
type WorkerConfig struct {
	Pacing        string        `mapstructure:"pacing"`
	Delay         time.Duration `mapstructure:"delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

type PreviewConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseSelect struct {
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.session_ttl", 12*time.Hour)
	v.SetDefault("server.janitor_interval", 10*time.Minute)
	v.SetDefault("server.max_upload_bytes", int64(10<<20))

	v.SetDefault("extraction.provider", "gemini")
	v.SetDefault("extraction.model", "gemini-2.0-flash")
	v.SetDefault("extraction.api_key", "")
	v.SetDefault("extraction.base_url", "")
	v.SetDefault("extraction.instruction", "")
	v.SetDefault("extraction.max_tokens", 4096)
	v.SetDefault("extraction.request_timeout", 2*time.Minute)

	v.SetDefault("worker.pacing", "fixed")
	v.SetDefault("worker.delay", time.Second)
	v.SetDefault("worker.max_delay", 30*time.Second)
	v.SetDefault("worker.max_concurrent", 4)
	v.SetDefault("worker.idle_timeout", 5*time.Minute)

	v.SetDefault("preview.backend", "memory")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("databases.sqlite3.dsn", "ocrdrop.db")
	v.SetDefault("databases.sqlite3.params", "")
	v.SetDefault("databases.mysql.dsn", "")
	v.SetDefault("databases.mysql.host", "127.0.0.1")
	v.SetDefault("databases.mysql.port", 3306)
	v.SetDefault("databases.mysql.username", "")
	v.SetDefault("databases.mysql.password", "")
	v.SetDefault("databases.mysql.db_name", "ocrdrop")
	v.SetDefault("databases.mysql.params", "")

	v.SetDefault("log.level", "info")
}

// Load reads configuration from the provided path (falls back to OCRDROP_CONFIG,
// then ./config.{json,yaml}); environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OCRDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("extraction.api_key", "OCRDROP_EXTRACTION_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	explicit := path != ""
	if explicit {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		path = absPath
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(v.ConfigFileUsed()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(file string) error {
	c.Extraction.Provider = strings.ToLower(strings.TrimSpace(c.Extraction.Provider))
	c.Worker.Pacing = strings.ToLower(strings.TrimSpace(c.Worker.Pacing))
	c.Preview.Backend = strings.ToLower(strings.TrimSpace(c.Preview.Backend))
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))

	switch c.Worker.Pacing {
	case "fixed", "backoff":
	default:
		return fmt.Errorf("worker.pacing must be fixed or backoff, got %q", c.Worker.Pacing)
	}
	switch c.Preview.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("preview.backend must be memory or redis, got %q", c.Preview.Backend)
	}
	if c.Worker.Delay < 0 {
		return fmt.Errorf("worker.delay cannot be negative")
	}
	if c.Worker.MaxConcurrent <= 0 {
		c.Worker.MaxConcurrent = 1
	}

	// relative sqlite paths are resolved against the config file
	if db, ok := c.Databases["sqlite3"]; ok && file != "" && db.DSN != "" &&
		db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(file), db.DSN)
		c.Databases["sqlite3"] = db
	}
	return nil
}
