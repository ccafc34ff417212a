package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// GoString keeps %#v from printing the raw value
func (s Secret) GoString() string {
	return s.String()
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// Environment selects the authorization server endpoints.
type Environment string

const (
	// EnvironmentSandbox is the DocuSign developer (demo) account server.
	EnvironmentSandbox Environment = "sandbox"
	// EnvironmentProduction is the DocuSign production account server.
	EnvironmentProduction Environment = "production"
	// EnvironmentCustom requires authorizationUrl, tokenUrl and userInfoUrl.
	EnvironmentCustom Environment = "custom"
)

// Endpoints groups the authorization server URLs used by a flow.
type Endpoints struct {
	AuthorizationURL string `json:"authorizationUrl"`
	TokenURL         string `json:"tokenUrl"`
	UserInfoURL      string `json:"userInfoUrl"`
}

const (
	sandboxAccountServer    = "https://account-d.docusign.com"
	productionAccountServer = "https://account.docusign.com"
)

// PresetEndpoints returns the account server endpoints for a known environment.
func PresetEndpoints(env Environment) (Endpoints, bool) {
	var base string
	switch env {
	case EnvironmentSandbox, "":
		base = sandboxAccountServer
	case EnvironmentProduction:
		base = productionAccountServer
	default:
		return Endpoints{}, false
	}
	return Endpoints{
		AuthorizationURL: base + "/oauth/auth",
		TokenURL:         base + "/oauth/token",
		UserInfoURL:      base + "/oauth/userinfo",
	}, true
}

// TokenAuthStyle selects how client credentials reach the token endpoint
type TokenAuthStyle string

const (
	// TokenAuthStyleParams sends client_id and client_secret in the form body.
	TokenAuthStyleParams TokenAuthStyle = "params"
	// TokenAuthStyleHeader sends them as HTTP Basic credentials.
	TokenAuthStyleHeader TokenAuthStyle = "header"
)

// StorageKind names a credential store backend
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindSQLite    StorageKind = "sqlite"
	StorageKindFirestore StorageKind = "firestore"
)

const (
	DefaultCredentialName      = "default"
	DefaultCallbackTimeout     = 60 * time.Second
	DefaultCallbackGrace       = time.Second
	DefaultFirestoreCollection = "authbroker_credentials"
	DefaultFirestoreDatabase   = "(default)"
)

// DefaultScopes is requested when the config names none
var DefaultScopes = []string{"signature"}

// BrokerConfig holds the resolved authorization settings.
//
// Environment variable references using {"$env": "VAR_NAME"} syntax are resolved
// at config load time. Secrets must use that syntax so they never live in the file.
type BrokerConfig struct {
	Name        string      `json:"name"`
	Environment Environment `json:"environment"`
	Endpoints

	ClientID     string         `json:"clientId"`
	ClientSecret Secret         `json:"clientSecret"`
	RedirectURI  string         `json:"redirectUri"`
	Scopes       []string       `json:"scopes,omitempty"`
	AuthStyle    TokenAuthStyle `json:"tokenAuthStyle,omitempty"`
	PKCE         bool           `json:"pkce,omitempty"`

	CallbackTimeout time.Duration     `json:"callbackTimeout"`
	CallbackGrace   time.Duration     `json:"callbackGrace"`
	ExtraParams     map[string]string `json:"extraParams,omitempty"`
}

// StorageConfig selects where credentials are persisted
type StorageConfig struct {
	Kind                StorageKind `json:"kind"`
	Path                string      `json:"path,omitempty"`
	GCPProject          string      `json:"gcpProject,omitempty"`
	FirestoreDatabase   string      `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string      `json:"firestoreCollection,omitempty"`
	EncryptionKey       Secret      `json:"encryptionKey,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Broker  BrokerConfig  `json:"broker"`
	Storage StorageConfig `json:"storage"`
}

// ApplyDefaults fills unset fields and resolves preset endpoints.
// Explicit endpoint URLs override the preset ones.
func (c *Config) ApplyDefaults() {
	b := &c.Broker
	if b.Name == "" {
		b.Name = DefaultCredentialName
	}
	if b.Environment == "" {
		b.Environment = EnvironmentSandbox
	}
	if preset, ok := PresetEndpoints(b.Environment); ok {
		if b.AuthorizationURL == "" {
			b.AuthorizationURL = preset.AuthorizationURL
		}
		if b.TokenURL == "" {
			b.TokenURL = preset.TokenURL
		}
		if b.UserInfoURL == "" {
			b.UserInfoURL = preset.UserInfoURL
		}
	}
	if len(b.Scopes) == 0 {
		b.Scopes = append([]string(nil), DefaultScopes...)
	}
	if b.AuthStyle == "" {
		b.AuthStyle = TokenAuthStyleParams
	}
	if b.CallbackTimeout == 0 {
		b.CallbackTimeout = DefaultCallbackTimeout
	}
	if b.CallbackGrace == 0 {
		b.CallbackGrace = DefaultCallbackGrace
	}

	s := &c.Storage
	if s.Kind == "" {
		s.Kind = StorageKindSQLite
	}
	switch s.Kind {
	case StorageKindSQLite:
		if s.Path == "" {
			s.Path = defaultSQLitePath()
		}
	case StorageKindFirestore:
		if s.FirestoreDatabase == "" {
			s.FirestoreDatabase = DefaultFirestoreDatabase
		}
		if s.FirestoreCollection == "" {
			s.FirestoreCollection = DefaultFirestoreCollection
		}
	}
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "authbroker.db"
	}
	return fmt.Sprintf("%s/authbroker/credentials.db", dir)
}

// RawConfigValue represents a value that could be a string or an env reference
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}

// ParseConfigValueMap parses a map that may contain references
func ParseConfigValueMap(raw map[string]json.RawMessage) (map[string]string, error) {
	values := make(map[string]string, len(raw))
	for key, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing key %s: %w", key, err)
		}
		values[key] = parsed.value
	}
	return values, nil
}
