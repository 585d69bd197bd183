// Package secrets resolves the relay's shared secret from a flag, the
// environment, or a file mounted by the deployment.
package secrets

import (
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/codeGROOVE-dev/gitnotify/pkg/logger"
)

// EnvVar is the environment variable holding the shared secret.
const EnvVar = "GIT_NOTIFY_PASSWORD"

// Source describes where a secret came from.
type Source string

// Secret sources, in precedence order.
const (
	SourceFlag        Source = "flag"
	SourceEnvironment Source = "environment"
	SourceFile        Source = "file"
	SourceNone        Source = "none"
)

// Resolve returns the first non-empty secret among flagValue, the envVar
// environment variable, and the contents of filePath. Trailing whitespace is
// trimmed from file contents. An empty result is not an error: the relay then
// runs with an empty shared secret.
func Resolve(flagValue, envVar, filePath string) (string, Source, error) {
	if flagValue != "" {
		return flagValue, SourceFlag, nil
	}

	if envVar != "" {
		if value := os.Getenv(envVar); value != "" {
			logger.Debug("using secret from environment", logger.Fields{"env_var": envVar})
			return value, SourceEnvironment, nil
		}
	}

	if filePath != "" {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return "", SourceNone, goerr.Wrap(err, "failed to read secret file", goerr.V("path", filePath))
		}
		value := strings.TrimRight(string(b), "\r\n\t ")
		logger.Debug("using secret from file", logger.Fields{"path": filePath, "has_value": value != ""})
		if value != "" {
			return value, SourceFile, nil
		}
	}

	return "", SourceNone, nil
}
