package envutil

import (
	"os"
	"strings"
)

// EnvVar selects the runtime mode
const EnvVar = "AUTHBROKER_ENV"

// IsDev checks if we're running in development mode, where plain-http
// authorization servers (local fakes, mock IdPs) are accepted.
func IsDev() bool {
	env := strings.ToLower(os.Getenv(EnvVar))
	return env == "development" || env == "dev"
}
