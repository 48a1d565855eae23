package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stepsync/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. STEPSYNC_STORE_DSN.
const EnvPrefix = "STEPSYNC"

// Config represents the top-level TOML structure.
type Config struct {
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Client  ClientConfig  `toml:"client" mapstructure:"client"`
	Cache   CacheConfig   `toml:"cache" mapstructure:"cache"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Notify  NotifyConfig  `toml:"notify" mapstructure:"notify"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the API over TLS, from explicit files or from Dir.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	// ClientCA, when set, requires clients to present a certificate it signed.
	ClientCA string `toml:"client_ca" mapstructure:"client_ca"`
}

type ClientConfig struct {
	APIURL   string        `toml:"api_url" mapstructure:"api_url"`
	Timeout  time.Duration `toml:"timeout" mapstructure:"timeout"`
	CACert   string        `toml:"ca_cert" mapstructure:"ca_cert"`
	Insecure bool          `toml:"insecure" mapstructure:"insecure"`
	// CertFile and KeyFile are presented when the server asks for a client certificate.
	CertFile   string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile    string `toml:"key_file" mapstructure:"key_file"`
	ServerName string `toml:"server_name" mapstructure:"server_name"`
}

// TLSEnabled reports whether any client TLS setting is present.
func (c ClientConfig) TLSEnabled() bool {
	return c.CACert != "" || c.CertFile != "" || c.ServerName != ""
}

type CacheConfig struct {
	// GCTime keeps unobserved data; negative keeps it forever.
	GCTime time.Duration `toml:"gc_time" mapstructure:"gc_time"`
	// RefetchInterval is the watch-mode refresh tick.
	RefetchInterval time.Duration `toml:"refetch_interval" mapstructure:"refetch_interval"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
	Buffer  int    `toml:"buffer" mapstructure:"buffer"`
}

type NotifyConfig struct {
	TelegramToken  string `toml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID int64  `toml:"telegram_chat_id" mapstructure:"telegram_chat_id"`
}

// Default returns a configuration that works without a file.
func Default() Config {
	return Config{
		Store:  StoreConfig{DSN: "sqlite://stepsync.db"},
		Server: ServerConfig{Listen: ":8080", BasePath: "/api"},
		Client: ClientConfig{APIURL: "http://localhost:8080/api", Timeout: 10 * time.Second},
		Cache:  CacheConfig{GCTime: 5 * time.Minute, RefetchInterval: 30 * time.Second},
		Log: logger.Config{
			Slog: logger.SlogConfig{
				Level:      logger.LevelInfo,
				Format:     logger.FormatText,
				Color:      true,
				TimeStamps: true,
			},
		},
		Metrics: MetricsConfig{Listen: ":9090"},
		History: HistoryConfig{Buffer: 64},
	}
}

// LoadConfig reads the TOML file at path over Default and applies STEPSYNC_*
// environment overrides. An empty path only applies defaults and env.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.tls.enabled", d.Server.TLS.Enabled)
	v.SetDefault("server.tls.cert_file", d.Server.TLS.CertFile)
	v.SetDefault("server.tls.key_file", d.Server.TLS.KeyFile)
	v.SetDefault("server.tls.dir", d.Server.TLS.Dir)
	v.SetDefault("server.tls.auto_generate", d.Server.TLS.AutoGenerate)
	v.SetDefault("server.tls.min_version", d.Server.TLS.MinVersion)
	v.SetDefault("server.tls.client_ca", d.Server.TLS.ClientCA)
	v.SetDefault("client.api_url", d.Client.APIURL)
	v.SetDefault("client.timeout", d.Client.Timeout)
	v.SetDefault("client.ca_cert", d.Client.CACert)
	v.SetDefault("client.insecure", d.Client.Insecure)
	v.SetDefault("client.cert_file", d.Client.CertFile)
	v.SetDefault("client.key_file", d.Client.KeyFile)
	v.SetDefault("client.server_name", d.Client.ServerName)
	v.SetDefault("cache.gc_time", d.Cache.GCTime)
	v.SetDefault("cache.refetch_interval", d.Cache.RefetchInterval)
	v.SetDefault("log.level", string(d.Log.Slog.Level))
	v.SetDefault("log.format", string(d.Log.Slog.Format))
	v.SetDefault("log.color", d.Log.Slog.Color)
	v.SetDefault("log.timestamps", d.Log.Slog.TimeStamps)
	v.SetDefault("log.source", d.Log.Slog.Source)
	v.SetDefault("log.file.dir", d.Log.File.Dir)
	v.SetDefault("log.file.filename", d.Log.File.Filename)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.compress", d.Log.File.Compress)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.dsn", d.History.DSN)
	v.SetDefault("history.buffer", d.History.Buffer)
	v.SetDefault("notify.telegram_token", d.Notify.TelegramToken)
	v.SetDefault("notify.telegram_chat_id", d.Notify.TelegramChatID)
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Store.DSN) == "":
		return errors.New("store.dsn is required")
	case (c.Client.CertFile == "") != (c.Client.KeyFile == ""):
		return errors.New("client.cert_file and client.key_file go together")
	case c.Client.Timeout < 0:
		return errors.New("client.timeout must not be negative")
	case c.Cache.RefetchInterval <= 0:
		return errors.New("cache.refetch_interval must be positive")
	case c.History.Enabled && strings.TrimSpace(c.History.DSN) == "":
		return errors.New("history.dsn is required when history is enabled")
	case c.Metrics.Enabled && c.Metrics.Listen == "":
		return errors.New("metrics.listen is required when metrics are enabled")
	case c.Server.TLS.Enabled && c.Server.TLS.Dir == "" &&
		(c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == ""):
		return errors.New("server.tls needs cert_file and key_file, or dir")
	case c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == 0:
		return errors.New("notify.telegram_chat_id is required with a telegram token")
	}
	switch c.Log.Slog.Format {
	case logger.FormatText, logger.FormatJSON, "":
	default:
		return fmt.Errorf("log.format %q is not text or json", c.Log.Slog.Format)
	}
	return nil
}
