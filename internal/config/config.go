package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "PROMPTLOOM"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "promptloom.db"
	defaultLogLevel     = "info"

	defaultGuestDailyLimit = 2
	defaultGuestTimezone   = "UTC"

	defaultFingerprintLimit  = 20
	defaultFingerprintWindow = 24 * time.Hour
	defaultAddressLimit      = 10
	defaultAddressWindow     = time.Hour

	defaultFreeCredits       = 50
	defaultProCredits        = 1000
	defaultSessionTTLMinutes = 24 * 60
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabasePath string
	RedisURL     string

	AuthSigningSecret     string
	AuthIssuer            string
	AuthAudience          string
	IdentitySigningSecret string
	IdentityIssuer        string
	SessionTTL            time.Duration

	GuestDailyLimit int64
	GuestTimezone   string

	FingerprintLimit  int64
	FingerprintWindow time.Duration
	AddressLimit      int64
	AddressWindow     time.Duration

	FreeTierCredits int64
	ProTierCredits  int64

	LogLevel string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.issuer", "promptloom-api")
	configViper.SetDefault("auth.audience", "promptloom-clients")
	configViper.SetDefault("auth.session_ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("identity.issuer", "promptloom-identity")

	configViper.SetDefault("guest.daily_limit", defaultGuestDailyLimit)
	configViper.SetDefault("guest.timezone", defaultGuestTimezone)

	configViper.SetDefault("ratelimit.fingerprint.limit", defaultFingerprintLimit)
	configViper.SetDefault("ratelimit.fingerprint.window", defaultFingerprintWindow)
	configViper.SetDefault("ratelimit.address.limit", defaultAddressLimit)
	configViper.SetDefault("ratelimit.address.window", defaultAddressWindow)

	configViper.SetDefault("credits.free_total", defaultFreeCredits)
	configViper.SetDefault("credits.pro_total", defaultProCredits)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),

		DatabasePath: configViper.GetString("database.path"),
		RedisURL:     configViper.GetString("redis.url"),

		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		AuthAudience:          configViper.GetString("auth.audience"),
		IdentitySigningSecret: configViper.GetString("identity.signing_secret"),
		IdentityIssuer:        configViper.GetString("identity.issuer"),
		SessionTTL:            time.Duration(configViper.GetInt64("auth.session_ttl_minutes")) * time.Minute,

		GuestDailyLimit: configViper.GetInt64("guest.daily_limit"),
		GuestTimezone:   configViper.GetString("guest.timezone"),

		FingerprintLimit:  configViper.GetInt64("ratelimit.fingerprint.limit"),
		FingerprintWindow: configViper.GetDuration("ratelimit.fingerprint.window"),
		AddressLimit:      configViper.GetInt64("ratelimit.address.limit"),
		AddressWindow:     configViper.GetDuration("ratelimit.address.window"),

		FreeTierCredits: configViper.GetInt64("credits.free_total"),
		ProTierCredits:  configViper.GetInt64("credits.pro_total"),

		LogLevel: configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.IdentitySigningSecret) == "" {
		return fmt.Errorf("identity.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.GuestDailyLimit <= 0 {
		return fmt.Errorf("guest.daily_limit must be positive")
	}
	if c.FingerprintLimit <= 0 || c.AddressLimit <= 0 {
		return fmt.Errorf("ratelimit limits must be positive")
	}
	if c.FingerprintWindow <= 0 || c.AddressWindow <= 0 {
		return fmt.Errorf("ratelimit windows must be positive")
	}
	if c.FreeTierCredits <= 0 || c.ProTierCredits <= 0 {
		return fmt.Errorf("credits totals must be positive")
	}
	return nil
}
