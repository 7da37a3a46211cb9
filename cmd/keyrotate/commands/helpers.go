package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/keyrotate/internal/config"
	"github.com/systmms/keyrotate/internal/connect"
	"github.com/systmms/keyrotate/internal/secretstore"
)

// newKubeClient builds the clientset used for secret targets. Replaced in tests.
var newKubeClient = secretstore.NewClientset

// loadDefinition loads the config file and applies the --api-domain flag,
// which wins over both file and environment.
func loadDefinition(cmd *cobra.Command, cfg *config.Config, apiDomain string) (*config.Definition, error) {
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	def := cfg.Definition
	if cmd.Flags().Changed("api-domain") {
		def.API.Domain = apiDomain
	}
	return def, nil
}

func newAPIClient(cfg *config.Config, def *config.Definition) *connect.Client {
	return connect.NewClient(
		def.API.BaseURL(),
		connect.WithTimeout(time.Duration(def.API.TimeoutSeconds)*time.Second),
		connect.WithLogger(cfg.Logger),
	)
}

func toTarget(t config.TargetConfig) secretstore.Target {
	return secretstore.Target{Namespace: t.Namespace, Name: t.Name, Field: t.Field}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}

	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

func formatStatus(status string) string {
	switch status {
	case "success", "completed":
		return "✅ " + status
	case "failed", "halted":
		return "❌ " + status
	case "partial", "warning":
		return "🟡 " + status
	case "skipped":
		return "⏭️ " + status
	default:
		return status
	}
}
