package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Widget  WidgetConfig
	Twilio  TwilioConfig
	Tenants TenantsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int
	AllowedOrigins []string // "*" means any origin (widget is embedded on third-party pages)
}

// WidgetConfig holds widget-level settings shared by every tenant.
type WidgetConfig struct {
	// TelephonyTokenSecret is the shared AES passphrase used by the embed
	// loader to encrypt phone_sid|sip_trunk_id|phone_number.
	TelephonyTokenSecret string
}

// TwilioConfig holds the legacy telephony provider credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

// TenantConfig holds the backend credential set for one tenant.
type TenantConfig struct {
	AgentAPIBaseURL  string
	TelephonyCallURL string
	LeadIntakeURL    string
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
}

// TenantsConfig holds the credential sets the gateway can select between.
// Live doubles as the fallback for unrecognized domain names.
type TenantsConfig struct {
	Live    TenantConfig
	Dev     TenantConfig
	Convoso TenantConfig
}

// Load reads and validates all required environment variables.
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	var err error
	if cfg.Widget.TelephonyTokenSecret, err = requireEnv("TELEPHONY_TOKEN_SECRET"); err != nil {
		return nil, err
	}

	// Twilio is a single shared account across tenants.
	cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	// The live tenant is the fallback credential set, so its agent API is
	// the one address the widget cannot run without.
	cfg.Tenants.Live = loadTenant("LIVE")
	cfg.Tenants.Dev = loadTenant("DEV")
	cfg.Tenants.Convoso = loadTenant("CONVOSO")
	if cfg.Tenants.Live.AgentAPIBaseURL == "" {
		return nil, fmt.Errorf("AGENT_API_URL_LIVE: %w", ErrEmptyEnvironmentVariable)
	}

	cfg.Server.Port = 8080
	if port := os.Getenv("PORT"); port != "" {
		if cfg.Server.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("invalid PORT value %q: %w", port, err)
		}
	}

	cfg.Server.AllowedOrigins = []string{"*"}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	return cfg, nil
}

// loadTenant reads one tenant credential block by env suffix. Missing values
// are tolerated here; they surface as ConfigError only when an operation
// actually needs them.
func loadTenant(suffix string) TenantConfig {
	return TenantConfig{
		AgentAPIBaseURL:  os.Getenv("AGENT_API_URL_" + suffix),
		TelephonyCallURL: os.Getenv("TELEPHONY_URL_" + suffix),
		LeadIntakeURL:    os.Getenv("FORM_LEAD_URL_" + suffix),
		LiveKitURL:       os.Getenv("LIVEKIT_URL_" + suffix),
		LiveKitAPIKey:    os.Getenv("LIVEKIT_API_KEY_" + suffix),
		LiveKitAPISecret: os.Getenv("LIVEKIT_API_SECRET_" + suffix),
	}
}

func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}
