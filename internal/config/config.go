package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COURIER"
	defaultDatabasePath        = "courier.db"
	defaultLogLevel            = "info"
	defaultRemoteBaseURL       = "http://127.0.0.1:8080"
	defaultRemoteTimeout       = 15
	defaultAuthIssuer          = "courier-auth"
	defaultAuthAudience        = "courier-api"
	defaultAuthSubject         = "courier-device"
	defaultTokenTTLMinutes     = 30
	defaultPollIntervalSeconds = 10
	defaultSyncIntervalSeconds = 30
	defaultBatchSize           = 50
	defaultBackoffBaseSeconds  = 30
	defaultBackoffMaxSeconds   = 3600
	defaultMaxAutoRetries      = 5
	defaultServerAddress       = "0.0.0.0:8080"
	defaultServerDatabasePath  = "courier-remote.db"
)

// AuthConfig describes how bearer credentials are minted and validated.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	Subject       string
	TokenTTL      time.Duration
}

// ClientConfig captures runtime configuration for the offline-first client.
type ClientConfig struct {
	DatabasePath   string
	LogLevel       string
	RemoteBaseURL  string
	RemoteTimeout  time.Duration
	RemoteToken    string
	Auth           AuthConfig
	ProbeURL       string
	PollInterval   time.Duration
	SyncInterval   time.Duration
	BatchSize      int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxAutoRetries int
}

// ServerConfig captures runtime configuration for the reference remote store.
type ServerConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Auth         AuthConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.subject", defaultAuthSubject)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("connectivity.probe_url", "")
	configViper.SetDefault("connectivity.poll_interval_seconds", defaultPollIntervalSeconds)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.backoff_base_seconds", defaultBackoffBaseSeconds)
	configViper.SetDefault("sync.backoff_max_seconds", defaultBackoffMaxSeconds)
	configViper.SetDefault("sync.max_auto_retries", defaultMaxAutoRetries)
	configViper.SetDefault("server.http_address", defaultServerAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		RemoteBaseURL:  strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteTimeout:  seconds(configViper.GetInt("remote.timeout_seconds")),
		RemoteToken:    strings.TrimSpace(configViper.GetString("remote.token")),
		Auth:           loadAuth(configViper),
		ProbeURL:       strings.TrimSpace(configViper.GetString("connectivity.probe_url")),
		PollInterval:   seconds(configViper.GetInt("connectivity.poll_interval_seconds")),
		SyncInterval:   seconds(configViper.GetInt("sync.interval_seconds")),
		BatchSize:      configViper.GetInt("sync.batch_size"),
		BackoffBase:    seconds(configViper.GetInt("sync.backoff_base_seconds")),
		BackoffMax:     seconds(configViper.GetInt("sync.backoff_max_seconds")),
		MaxAutoRetries: configViper.GetInt("sync.max_auto_retries"),
	}
	if cfg.ProbeURL == "" && cfg.RemoteBaseURL != "" {
		cfg.ProbeURL = cfg.RemoteBaseURL + "/healthz"
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadServer parses reference server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:  configViper.GetString("server.http_address"),
		DatabasePath: configViper.GetString("server.database_path"),
		LogLevel:     configViper.GetString("log.level"),
		Auth:         loadAuth(configViper),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func loadAuth(configViper *viper.Viper) AuthConfig {
	return AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		Audience:      strings.TrimSpace(configViper.GetString("auth.audience")),
		Subject:       strings.TrimSpace(configViper.GetString("auth.subject")),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.RemoteBaseURL); err != nil {
		return fmt.Errorf("remote.base_url is invalid: %w", err)
	}
	if c.RemoteToken == "" && strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("remote.token or auth.signing_secret is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("connectivity.poll_interval_seconds must be positive")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync.interval_seconds must not be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync.backoff_base_seconds must be positive and not exceed sync.backoff_max_seconds")
	}
	if c.MaxAutoRetries < 0 {
		return fmt.Errorf("sync.max_auto_retries must not be negative")
	}
	return nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("server.http_address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}
