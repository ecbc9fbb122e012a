package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Config is the top-level service configuration.
type Config struct {
	ServiceName string         `mapstructure:"service_name"`
	Log         LogConfig      `mapstructure:"log"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Database    DatabaseConfig `mapstructure:"database"`
	Crypto      CryptoConfig   `mapstructure:"crypto"`
	Google      GoogleConfig   `mapstructure:"google"`
	NATS        NATSConfig     `mapstructure:"nats"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Sync        SyncConfig     `mapstructure:"sync"`
	Provider    ProviderConfig `mapstructure:"provider"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// DatabaseConfig selects the store driver: "sqlite" (modernc) or "pgx".
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// CryptoConfig holds the credential encryption key. When Key is empty the key is
// read from the OS keyring under KeyringService/KeyringItem.
type CryptoConfig struct {
	Key            string `mapstructure:"key"`
	KeyringService string `mapstructure:"keyring_service"`
	KeyringItem    string `mapstructure:"keyring_item"`
	KeyringDir     string `mapstructure:"keyring_dir"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type AuthConfig struct {
	JWKSURL string `mapstructure:"jwks_url"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
	ChunkSize   int           `mapstructure:"chunk_size"`
	// RunTimeout bounds one account's cycle, shared by every caller joined to it.
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	// Ceilings maps a plan name to the per-cycle fetch ceiling.
	Ceilings map[string]int `mapstructure:"ceilings"`
}

type ProviderConfig struct {
	// CallTimeout bounds a single remote request.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// ListTimeout bounds a whole listing, which issues many requests.
	ListTimeout time.Duration `mapstructure:"list_timeout"`
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryMax    uint64        `mapstructure:"retry_max"`
	RetryCap    time.Duration `mapstructure:"retry_cap"`
}

// Ceiling returns the fetch ceiling for a plan, falling back to the free tier.
func (c SyncConfig) Ceiling(plan model.Plan) int {
	if n, ok := c.Ceilings[strings.ToLower(string(plan))]; ok && n > 0 {
		return n
	}
	if n, ok := c.Ceilings[strings.ToLower(string(model.PlanFree))]; ok && n > 0 {
		return n
	}
	return 50
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "mailsync")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/mailsync.db")
	v.SetDefault("crypto.keyring_service", "mailsync")
	v.SetDefault("crypto.keyring_item", "credential-key")
	v.SetDefault("crypto.keyring_dir", "data/keyring")
	v.SetDefault("nats.stream", "USER_EVENTS")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.chunk_size", 100)
	v.SetDefault("sync.run_timeout", 15*time.Minute)
	v.SetDefault("sync.ceilings", map[string]int{"free": 50, "pro": 500, "business": 1000})
	v.SetDefault("provider.call_timeout", 30*time.Second)
	v.SetDefault("provider.list_timeout", 10*time.Minute)
	v.SetDefault("provider.retry_base", 500*time.Millisecond)
	v.SetDefault("provider.retry_max", 4)
	v.SetDefault("provider.retry_cap", 30*time.Second)
}

// Load reads configuration from the optional YAML file at path, then applies
// MAILSYNC_* environment overrides (e.g. MAILSYNC_DATABASE_DSN).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return errors.New("sync.concurrency must be positive")
	}
	return nil
}
