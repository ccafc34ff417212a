package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes runs the structural checks of ValidateFile on raw JSON
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"v0.0.1-DEV_EDITION\"")
	} else if !strings.HasPrefix(version, "v0.0.1-DEV_EDITION") {
		result.addError("version", "unsupported version '%s' - use 'v0.0.1-DEV_EDITION' or 'v0.0.1-DEV_EDITION-<variant>'", version)
	}

	validateBrokerStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)

	return result
}

func validateBrokerStructure(rawConfig map[string]any, result *ValidationResult) {
	broker, ok := rawConfig["broker"].(map[string]any)
	if !ok {
		result.addError("broker", "broker field is required and must be an object")
		return
	}

	if _, ok := broker["clientId"]; !ok {
		result.addError("broker.clientId", "clientId is required. Example: {\"$env\": \"DOCUSIGN_CLIENT_ID\"}")
	}

	if secret, ok := broker["clientSecret"]; !ok {
		result.addError("broker.clientSecret", "clientSecret is required. Example: {\"$env\": \"DOCUSIGN_CLIENT_SECRET\"}")
	} else if verr := validateEnvVarReference(secret, "clientSecret", "broker.clientSecret"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}

	env := string(EnvironmentSandbox)
	if value, ok := broker["environment"]; ok {
		s, isString := value.(string)
		if !isString {
			result.addError("broker.environment", "environment must be a string")
		} else {
			env = strings.ToLower(s)
		}
	}
	switch Environment(env) {
	case EnvironmentSandbox, EnvironmentProduction:
	case EnvironmentCustom:
		for _, field := range []string{"authorizationUrl", "tokenUrl"} {
			if _, ok := broker[field]; !ok {
				result.addError("broker."+field, "%s is required when environment is custom", field)
			}
		}
		if _, ok := broker["userInfoUrl"]; !ok {
			result.addWarning("broker.userInfoUrl", "userInfoUrl not set - account discovery will be skipped")
		}
	default:
		result.addError("broker.environment", "invalid environment '%s' - use sandbox, production, or custom", env)
	}

	redirect, ok := broker["redirectUri"]
	if !ok {
		result.addError("broker.redirectUri", "redirectUri is required. Example: \"http://localhost:3000/auth/callback\"")
	} else if s, isString := redirect.(string); isString {
		if err := ValidateRedirectURI(s); err != nil {
			result.addError("broker.redirectUri", "redirectUri %v", err)
		}
	}

	for _, field := range []string{"authorizationUrl", "tokenUrl", "userInfoUrl"} {
		s, isString := broker[field].(string)
		if !isString {
			continue
		}
		u, err := url.Parse(s)
		if err != nil || !u.IsAbs() {
			result.addError("broker."+field, "%s must be an absolute URL", field)
		} else if u.Scheme != "https" {
			result.addWarning("broker."+field, "%s uses %s - only accepted when AUTHBROKER_ENV=dev", field, u.Scheme)
		}
	}

	if style, ok := broker["tokenAuthStyle"].(string); ok {
		switch TokenAuthStyle(strings.ToLower(style)) {
		case TokenAuthStyleParams, TokenAuthStyleHeader:
		default:
			result.addError("broker.tokenAuthStyle", "invalid tokenAuthStyle '%s' - use params or header", style)
		}
	}

	if scopes, ok := broker["scopes"]; ok {
		list, isList := scopes.([]any)
		if !isList {
			result.addError("broker.scopes", "scopes must be an array of strings")
		} else if len(list) == 0 {
			result.addWarning("broker.scopes", "scopes is empty - the default [\"signature\"] will be requested")
		}
	}

	for _, field := range []string{"callbackTimeout", "callbackGrace"} {
		value, ok := broker[field]
		if !ok {
			continue
		}
		s, isString := value.(string)
		if !isString {
			result.addError("broker."+field, "%s must be a duration string like \"60s\"", field)
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			result.addError("broker."+field, "invalid duration '%s': %v", s, err)
		} else if d < 0 {
			result.addError("broker."+field, "%s cannot be negative", field)
		}
	}

	if pkce, ok := broker["pkce"]; ok {
		if _, isBool := pkce.(bool); !isBool {
			result.addError("broker.pkce", "pkce must be a boolean")
		}
	} else {
		result.addWarning("broker.pkce", "pkce is disabled - enable it when the authorization server supports RFC 7636")
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		if _, present := rawConfig["storage"]; present {
			result.addError("storage", "storage must be an object")
			return
		}
		result.addWarning("storage", "storage not configured - defaults to sqlite, which requires storage.encryptionKey")
		return
	}

	kind := string(StorageKindSQLite)
	if value, ok := storage["kind"].(string); ok {
		kind = strings.ToLower(value)
	}

	switch StorageKind(kind) {
	case StorageKindMemory:
		result.addWarning("storage.kind", "memory storage loses credentials when the process exits")
		return
	case StorageKindSQLite:
	case StorageKindFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.addError("storage.kind", "invalid storage kind '%s' - use memory, sqlite, or firestore", kind)
		return
	}

	key, ok := storage["encryptionKey"]
	if !ok {
		result.addError("storage.encryptionKey", "encryptionKey is required when using %s storage", kind)
		return
	}
	if verr := validateEnvVarReference(key, "encryptionKey", "storage.encryptionKey"); verr != nil {
		result.Errors = append(result.Errors, *verr)
	}
}

// validateEnvVarReference requires a secret to be an {"$env": "VAR"} object
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference for security. Hint: {\"$env\": \"VAR_NAME\"}", fieldName),
		}
	case map[string]any:
		name, ok := v["$env"]
		if !ok {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"VAR_NAME\"} format", fieldName),
			}
		}
		if s, isString := name.(string); !isString || s == "" {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s $env reference must name a variable", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference", fieldName),
		}
	}
}

func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
