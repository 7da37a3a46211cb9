// Package credentials resolves the operator credential the rotation run
// starts from.
package credentials

import (
	"os"
	"strings"

	dserrors "github.com/systmms/keyrotate/internal/errors"
)

// Credential is a username and API key pair used for basic auth
type Credential struct {
	Username string
	Key      string
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(string) (string, bool)

// EnvSource reads the credential from two environment variables
type EnvSource struct {
	UsernameVar string
	KeyVar      string
	Lookup      LookupFunc
}

// NewEnvSource creates a source backed by the process environment
func NewEnvSource(usernameVar, keyVar string) *EnvSource {
	return &EnvSource{
		UsernameVar: usernameVar,
		KeyVar:      keyVar,
		Lookup:      os.LookupEnv,
	}
}

// Resolve returns the trimmed credential. Both values must be non-empty.
func (s *EnvSource) Resolve() (Credential, error) {
	username, err := s.value(s.UsernameVar)
	if err != nil {
		return Credential{}, err
	}
	key, err := s.value(s.KeyVar)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Username: username, Key: key}, nil
}

func (s *EnvSource) value(name string) (string, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	raw, ok := lookup(name)
	value := strings.TrimSpace(raw)
	if !ok || value == "" {
		return "", dserrors.ConfigError{
			Field:      name,
			Message:    "environment variable is missing or empty",
			Suggestion: "Mount the current credential secret into the job environment as " + name,
		}
	}
	return value, nil
}
