package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/authbroker/internal/envutil"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/urlutil"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, "v0.0.1-DEV_EDITION") {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	config.ApplyDefaults()

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig checks, before env resolution, that secrets are env references
func validateRawConfig(rawConfig map[string]any) error {
	secrets := []struct {
		section string
		name    string
	}{
		{"broker", "clientSecret"},
		{"storage", "encryptionKey"},
	}

	for _, secret := range secrets {
		section, ok := rawConfig[secret.section].(map[string]any)
		if !ok {
			continue
		}
		value, exists := section[secret.name]
		if !exists {
			continue
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s.%s must use environment variable reference for security", secret.section, secret.name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s.%s must use {\"$env\": \"VAR_NAME\"} format", secret.section, secret.name)
			}
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if err := validateBrokerConfig(&config.Broker); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func validateBrokerConfig(b *BrokerConfig) error {
	if b.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if b.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}

	switch b.Environment {
	case EnvironmentSandbox, EnvironmentProduction:
	case EnvironmentCustom:
		if b.AuthorizationURL == "" || b.TokenURL == "" {
			return fmt.Errorf("custom environment requires authorizationUrl and tokenUrl")
		}
	default:
		return fmt.Errorf("invalid environment %q (sandbox, production, or custom)", b.Environment)
	}

	endpoints := []struct {
		name     string
		value    string
		optional bool
	}{
		{"authorizationUrl", b.AuthorizationURL, false},
		{"tokenUrl", b.TokenURL, false},
		{"userInfoUrl", b.UserInfoURL, true},
	}
	for _, endpoint := range endpoints {
		if endpoint.value == "" && endpoint.optional {
			continue
		}
		if err := validateEndpointURL(endpoint.value); err != nil {
			return fmt.Errorf("%s: %w", endpoint.name, err)
		}
	}

	if err := ValidateRedirectURI(b.RedirectURI); err != nil {
		return fmt.Errorf("redirectUri: %w", err)
	}

	switch b.AuthStyle {
	case TokenAuthStyleParams, TokenAuthStyleHeader:
	default:
		return fmt.Errorf("invalid tokenAuthStyle %q (params or header)", b.AuthStyle)
	}

	if b.CallbackTimeout < 0 {
		return fmt.Errorf("callbackTimeout cannot be negative")
	}
	if b.CallbackGrace < 0 {
		return fmt.Errorf("callbackGrace cannot be negative")
	}
	if b.CallbackTimeout > 0 && b.CallbackGrace > b.CallbackTimeout {
		log.LogWarn("Callback grace period is greater than callback timeout")
	}

	return nil
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	if u.Scheme != "https" && !envutil.IsDev() {
		return fmt.Errorf("must use https (set AUTHBROKER_ENV=dev to allow %s)", u.Scheme)
	}
	return nil
}

// ValidateRedirectURI checks that the redirect URI points at a local http
// listener the broker can bind.
func ValidateRedirectURI(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" {
		return fmt.Errorf("must use http: the callback receiver is a local plain-HTTP listener")
	}
	if !urlutil.IsLoopbackHost(u.Hostname()) {
		return fmt.Errorf("host %q is not a loopback address", u.Hostname())
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	return nil
}

func validateStorageConfig(s *StorageConfig) error {
	switch s.Kind {
	case StorageKindMemory:
		return nil
	case StorageKindSQLite:
		if s.Path == "" {
			return fmt.Errorf("path is required for sqlite storage")
		}
	case StorageKindFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("invalid kind %q (memory, sqlite, or firestore)", s.Kind)
	}

	if s.EncryptionKey == "" {
		return fmt.Errorf("encryptionKey is required when using %s storage", s.Kind)
	}
	if len(s.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(s.EncryptionKey))
	}
	return nil
}
