package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnmarshalJSON implements custom unmarshaling for BrokerConfig
func (b *BrokerConfig) UnmarshalJSON(data []byte) error {
	// Use a raw type to parse references
	type rawBroker struct {
		Name             string                     `json:"name"`
		Environment      Environment                `json:"environment"`
		AuthorizationURL json.RawMessage            `json:"authorizationUrl"`
		TokenURL         json.RawMessage            `json:"tokenUrl"`
		UserInfoURL      json.RawMessage            `json:"userInfoUrl"`
		ClientID         json.RawMessage            `json:"clientId"`
		ClientSecret     json.RawMessage            `json:"clientSecret"`
		RedirectURI      json.RawMessage            `json:"redirectUri"`
		Scopes           []string                   `json:"scopes"`
		AuthStyle        TokenAuthStyle             `json:"tokenAuthStyle"`
		PKCE             bool                       `json:"pkce"`
		CallbackTimeout  string                     `json:"callbackTimeout"`
		CallbackGrace    string                     `json:"callbackGrace"`
		ExtraParams      map[string]json.RawMessage `json:"extraParams"`
	}

	var raw rawBroker
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.Name = strings.TrimSpace(raw.Name)
	b.Environment = Environment(strings.ToLower(string(raw.Environment)))
	b.Scopes = raw.Scopes
	b.AuthStyle = TokenAuthStyle(strings.ToLower(string(raw.AuthStyle)))
	b.PKCE = raw.PKCE

	stringFields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"authorizationUrl", raw.AuthorizationURL, &b.AuthorizationURL},
		{"tokenUrl", raw.TokenURL, &b.TokenURL},
		{"userInfoUrl", raw.UserInfoURL, &b.UserInfoURL},
		{"clientId", raw.ClientID, &b.ClientID},
		{"redirectUri", raw.RedirectURI, &b.RedirectURI},
	}
	for _, field := range stringFields {
		if field.raw == nil {
			continue
		}
		parsed, err := ParseConfigValue(field.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", field.name, err)
		}
		*field.dst = parsed.value
	}

	if raw.ClientSecret != nil {
		parsed, err := ParseConfigValue(raw.ClientSecret)
		if err != nil {
			return fmt.Errorf("parsing clientSecret: %w", err)
		}
		b.ClientSecret = Secret(parsed.value)
	}

	if raw.CallbackTimeout != "" {
		timeout, err := time.ParseDuration(raw.CallbackTimeout)
		if err != nil {
			return fmt.Errorf("parsing callbackTimeout: %w", err)
		}
		b.CallbackTimeout = timeout
	}

	if raw.CallbackGrace != "" {
		grace, err := time.ParseDuration(raw.CallbackGrace)
		if err != nil {
			return fmt.Errorf("parsing callbackGrace: %w", err)
		}
		b.CallbackGrace = grace
	}

	if len(raw.ExtraParams) > 0 {
		values, err := ParseConfigValueMap(raw.ExtraParams)
		if err != nil {
			return fmt.Errorf("parsing extraParams: %w", err)
		}
		b.ExtraParams = values
	}

	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind                StorageKind     `json:"kind"`
		Path                json.RawMessage `json:"path"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = StorageKind(strings.ToLower(string(raw.Kind)))
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	if raw.Path != nil {
		parsed, err := ParseConfigValue(raw.Path)
		if err != nil {
			return fmt.Errorf("parsing path: %w", err)
		}
		s.Path = parsed.value
	}

	if raw.GCPProject != nil {
		parsed, err := ParseConfigValue(raw.GCPProject)
		if err != nil {
			return fmt.Errorf("parsing gcpProject: %w", err)
		}
		s.GCPProject = parsed.value
	}

	if raw.EncryptionKey != nil {
		parsed, err := ParseConfigValue(raw.EncryptionKey)
		if err != nil {
			return fmt.Errorf("parsing encryptionKey: %w", err)
		}
		s.EncryptionKey = Secret(parsed.value)
	}

	return nil
}
