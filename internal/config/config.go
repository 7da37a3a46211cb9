package config

import (
	"fmt"
	"os"
	"strings"

	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/systmms/keyrotate/internal/logging"
	"gopkg.in/yaml.v3"
)

// DomainEnvVar overrides api.domain when set
const DomainEnvVar = "KEYROTATE_API_DOMAIN"

// Config holds the runtime configuration
type Config struct {
	Path       string
	Required   bool // fail when Path does not exist
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the keyrotate.yaml structure
type Definition struct {
	Version       int                 `yaml:"version"`
	API           APIConfig           `yaml:"api"`
	Account       AccountConfig       `yaml:"account"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Key           KeyConfig           `yaml:"key"`
	Aging         AgingConfig         `yaml:"aging"`
	Targets       TargetsConfig       `yaml:"targets"`
	History       HistoryConfig       `yaml:"history"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// APIConfig locates the remote service
type APIConfig struct {
	Domain         string `yaml:"domain"`
	Scheme         string `yaml:"scheme"`
	BasePath       string `yaml:"basePath"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// AccountConfig names the service account whose key is rotated
type AccountConfig struct {
	Username string `yaml:"username"`
}

// CredentialsConfig names the environment variables holding the current credential
type CredentialsConfig struct {
	UsernameEnv string `yaml:"usernameEnv"`
	KeyEnv      string `yaml:"keyEnv"`
}

// KeyConfig controls how new keys are minted
type KeyConfig struct {
	ExpiryMonths int  `yaml:"expiryMonths"`
	ProbeVersion bool `yaml:"probeVersion"`
}

// AgingConfig controls retirement of old keys
type AgingConfig struct {
	RetentionDays int `yaml:"retentionDays"`
}

// TargetConfig is one namespaced secret field that mirrors the active key
type TargetConfig struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Field     string `yaml:"field"`
}

func (t TargetConfig) String() string {
	return fmt.Sprintf("%s/%s[%s]", t.Namespace, t.Name, t.Field)
}

// TargetsConfig holds the platform secret and the dependent consumer secret
type TargetsConfig struct {
	Primary   TargetConfig `yaml:"primary"`
	Secondary TargetConfig `yaml:"secondary"`
}

// HistoryConfig controls the local run history
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// NotificationsConfig lists the endpoints told about finished runs
type NotificationsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one HTTP endpoint receiving run events
type WebhookConfig struct {
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"`
	Headers         map[string]string `yaml:"headers"`
	Events          []string          `yaml:"events"`
	PayloadTemplate string            `yaml:"payloadTemplate"`
	TimeoutSeconds  int               `yaml:"timeoutSeconds"`
}

// Default returns the built-in configuration
func Default() *Definition {
	return &Definition{
		Version: 0,
		API: APIConfig{
			Scheme:         "https",
			BasePath:       "/mtk-connect/api/v1",
			TimeoutSeconds: 30,
		},
		Account: AccountConfig{
			Username: "mtk-connect-admin",
		},
		Credentials: CredentialsConfig{
			UsernameEnv: "MTK_KEY_UPD_USERNAME",
			KeyEnv:      "MTK_KEY_UPD_PASSWORD",
		},
		Key: KeyConfig{
			ExpiryMonths: 1,
			ProbeVersion: true,
		},
		Aging: AgingConfig{
			RetentionDays: 2,
		},
		Targets: TargetsConfig{
			Primary: TargetConfig{
				Namespace: "mtk-connect",
				Name:      "mtk-connect-apikey",
				Field:     "password",
			},
			Secondary: TargetConfig{
				Namespace: "jenkins",
				Name:      "jenkins-mtk-connect-apikey",
				Field:     "password",
			},
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Load reads keyrotate.yaml on top of the defaults.
// A missing file yields the defaults unless Required is set.
func (c *Config) Load() error {
	def := Default()

	data, err := os.ReadFile(c.Path)
	switch {
	case err == nil:
		if err := validateSchema(data); err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, def); err != nil {
			return dserrors.ConfigError{
				Message:    "invalid YAML syntax in configuration file",
				Suggestion: "Check for indentation errors, missing quotes, or invalid characters",
			}
		}
	case os.IsNotExist(err):
		if c.Required {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Remove --config to run with built-in defaults",
			}
		}
		if c.Logger != nil {
			c.Logger.Debug("No configuration file at %s, using defaults", c.Path)
		}
	default:
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	if domain := strings.TrimSpace(os.Getenv(DomainEnvVar)); domain != "" {
		def.API.Domain = domain
	}

	if def.Version != 0 {
		return dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your keyrotate.yaml file",
		}
	}

	c.Definition = def
	return nil
}

// Validate checks the semantic constraints the schema cannot express
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.API.Domain) == "" {
		return dserrors.ConfigError{
			Field:      "api.domain",
			Message:    "API domain is required",
			Suggestion: "Pass --api-domain <host> or set " + DomainEnvVar,
		}
	}
	if strings.Contains(d.API.Domain, "/") {
		return dserrors.ConfigError{
			Field:      "api.domain",
			Value:      d.API.Domain,
			Message:    "API domain must be a host name without scheme or path",
			Suggestion: "Use e.g. --api-domain dev.horizon-sdv.com",
		}
	}
	if d.Aging.RetentionDays < 0 {
		return dserrors.ConfigError{
			Field:   "aging.retentionDays",
			Value:   d.Aging.RetentionDays,
			Message: "retention window must not be negative",
		}
	}
	if d.Key.ExpiryMonths < 1 {
		return dserrors.ConfigError{
			Field:   "key.expiryMonths",
			Value:   d.Key.ExpiryMonths,
			Message: "new keys must expire at least one month after creation",
		}
	}
	if d.Account.Username == "" {
		return dserrors.ConfigError{
			Field:   "account.username",
			Message: "service account username is required",
		}
	}

	for _, t := range []struct {
		field  string
		target TargetConfig
	}{
		{"targets.primary", d.Targets.Primary},
		{"targets.secondary", d.Targets.Secondary},
	} {
		if t.target.Namespace == "" || t.target.Name == "" || t.target.Field == "" {
			return dserrors.ConfigError{
				Field:      t.field,
				Value:      t.target.String(),
				Message:    "secret target needs namespace, name and field",
				Suggestion: "Remove the target block to fall back to the default secret",
			}
		}
	}
	if d.Targets.Primary == d.Targets.Secondary {
		return dserrors.ConfigError{
			Field:   "targets.secondary",
			Value:   d.Targets.Secondary.String(),
			Message: "secondary target must differ from the primary target",
		}
	}

	for i, hook := range d.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return dserrors.ConfigError{
				Field:   fmt.Sprintf("notifications.webhooks[%d].url", i),
				Message: "webhook URL is required",
			}
		}
	}

	return nil
}

// BaseURL returns the versioned API root, e.g. https://host/mtk-connect/api/v1
func (a APIConfig) BaseURL() string {
	scheme := a.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, strings.TrimSpace(a.Domain), strings.Trim(a.BasePath, "/"))
}
