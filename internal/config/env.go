package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// brokerEnv holds raw env values for running without a config file.
type brokerEnv struct {
	Name             string            `env:"AUTHBROKER_NAME"`
	Environment      string            `env:"AUTHBROKER_ENVIRONMENT"`
	AuthorizationURL string            `env:"AUTHBROKER_AUTHORIZATION_URL"`
	TokenURL         string            `env:"AUTHBROKER_TOKEN_URL"`
	UserInfoURL      string            `env:"AUTHBROKER_USERINFO_URL"`
	ClientID         string            `env:"AUTHBROKER_CLIENT_ID"`
	ClientSecret     string            `env:"AUTHBROKER_CLIENT_SECRET"`
	RedirectURI      string            `env:"AUTHBROKER_REDIRECT_URI"   envDefault:"http://localhost:3000/auth/callback"`
	Scopes           []string          `env:"AUTHBROKER_SCOPES"         envSeparator:","`
	AuthStyle        string            `env:"AUTHBROKER_TOKEN_AUTH_STYLE"`
	PKCE             bool              `env:"AUTHBROKER_PKCE"`
	CallbackTimeout  time.Duration     `env:"AUTHBROKER_CALLBACK_TIMEOUT" envDefault:"60s"`
	CallbackGrace    time.Duration     `env:"AUTHBROKER_CALLBACK_GRACE"   envDefault:"1s"`
	ExtraParams      map[string]string `env:"AUTHBROKER_EXTRA_PARAMS"`

	StorageKind         string `env:"AUTHBROKER_STORAGE"`
	StoragePath         string `env:"AUTHBROKER_STORAGE_PATH"`
	GCPProject          string `env:"AUTHBROKER_GCP_PROJECT"`
	FirestoreDatabase   string `env:"AUTHBROKER_FIRESTORE_DATABASE"`
	FirestoreCollection string `env:"AUTHBROKER_FIRESTORE_COLLECTION"`
	EncryptionKey       string `env:"AUTHBROKER_ENCRYPTION_KEY"`
}

// HasEnvConfig reports whether the environment carries enough to skip a config file.
func HasEnvConfig() bool {
	var raw brokerEnv
	if err := env.Parse(&raw); err != nil {
		return false
	}
	return raw.ClientID != ""
}

// LoadFromEnv builds and validates a Config from AUTHBROKER_* variables.
func LoadFromEnv() (Config, error) {
	var raw brokerEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	cfg := Config{
		Broker: BrokerConfig{
			Name:        strings.TrimSpace(raw.Name),
			Environment: Environment(strings.ToLower(raw.Environment)),
			Endpoints: Endpoints{
				AuthorizationURL: raw.AuthorizationURL,
				TokenURL:         raw.TokenURL,
				UserInfoURL:      raw.UserInfoURL,
			},
			ClientID:        raw.ClientID,
			ClientSecret:    Secret(raw.ClientSecret),
			RedirectURI:     raw.RedirectURI,
			Scopes:          trimCSV(raw.Scopes),
			AuthStyle:       TokenAuthStyle(strings.ToLower(raw.AuthStyle)),
			PKCE:            raw.PKCE,
			CallbackTimeout: raw.CallbackTimeout,
			CallbackGrace:   raw.CallbackGrace,
			ExtraParams:     raw.ExtraParams,
		},
		Storage: StorageConfig{
			Kind:                StorageKind(strings.ToLower(raw.StorageKind)),
			Path:                raw.StoragePath,
			GCPProject:          raw.GCPProject,
			FirestoreDatabase:   raw.FirestoreDatabase,
			FirestoreCollection: raw.FirestoreCollection,
			EncryptionKey:       Secret(raw.EncryptionKey),
		},
	}

	cfg.ApplyDefaults()

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
