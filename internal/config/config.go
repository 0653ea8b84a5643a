package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ARCHIVER_MAILBOX_ID for mailbox.id.
const EnvPrefix = "ARCHIVER"

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// MailboxConfig selects the mailbox being archived and how it is driven.
type MailboxConfig struct {
	ID           string        `mapstructure:"id" validate:"required"`
	Provider     string        `mapstructure:"provider" validate:"oneof=gmail imap"`
	User         string        `mapstructure:"user"`
	PageSize     int           `mapstructure:"page_size" validate:"min=1,max=500"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=1s"`
	RPS          float64       `mapstructure:"rps" validate:"gte=0"`
}

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

type IMAPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Folder   string `mapstructure:"folder"`
}

// BlobConfig chooses where attachment bytes go. Container is the Drive
// folder id for the drive backend and a subdirectory for the dir backend.
type BlobConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=drive dir"`
	Container string `mapstructure:"container"`
	Dir       string `mapstructure:"dir"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"min=1s"`
}

type AuthConfig struct {
	ServerURL string `mapstructure:"server_url"`
	UserJWT   string `mapstructure:"user_jwt"`
	JWKSURL   string `mapstructure:"jwks_url"`
}

type KeyringConfig struct {
	Service  string `mapstructure:"service" validate:"required"`
	FileDir  string `mapstructure:"file_dir"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox"`
	Google   GoogleConfig   `mapstructure:"google"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Blob     BlobConfig     `mapstructure:"blob"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Keyring  KeyringConfig  `mapstructure:"keyring"`
	Log      LogConfig      `mapstructure:"log"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "data/archive.db")

	v.SetDefault("mailbox.id", "default")
	v.SetDefault("mailbox.provider", "gmail")
	v.SetDefault("mailbox.user", "me")
	v.SetDefault("mailbox.page_size", 100)
	v.SetDefault("mailbox.poll_interval", "30s")
	v.SetDefault("mailbox.rps", 10)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "")

	v.SetDefault("imap.host", "")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.folder", "INBOX")

	v.SetDefault("blob.backend", "dir")
	v.SetDefault("blob.container", "attachments")
	v.SetDefault("blob.dir", "data/blobs")

	v.SetDefault("nats.url", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30m")

	v.SetDefault("auth.server_url", "")
	v.SetDefault("auth.user_jwt", "")
	v.SetDefault("auth.jwks_url", "")

	v.SetDefault("keyring.service", "mail-archiver")
	v.SetDefault("keyring.file_dir", "data/keyring")
	v.SetDefault("keyring.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "development")
}

// Load reads .env (if present), then the optional YAML file at path, then
// ARCHIVER_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and the settings each provider and
// blob backend needs.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Mailbox.Provider == "imap" && (c.IMAP.Host == "" || c.IMAP.Username == "") {
		return errors.New("invalid config: imap.host and imap.username are required for the imap provider")
	}
	if c.Blob.Backend == "dir" && c.Blob.Dir == "" {
		return errors.New("invalid config: blob.dir is required for the dir backend")
	}
	if c.Blob.Backend == "drive" && c.Mailbox.Provider != "gmail" {
		return errors.New("invalid config: the drive backend needs google credentials from the gmail provider")
	}
	return nil
}
