package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/keyrotate/internal/config"
	"github.com/systmms/keyrotate/internal/credentials"
)

// NewProbeCommand creates the probe command
func NewProbeCommand(cfg *config.Config) *cobra.Command {
	var apiDomain string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the API is reachable with the current key",
		Long: `Call the version endpoint of MTK Connect with the credential from the
environment. Nothing is created, written or deleted.`,
		Example: `  keyrotate probe --api-domain dev.horizon-sdv.com`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(cmd, cfg, apiDomain)
			if err != nil {
				return err
			}
			if err := def.Validate(); err != nil {
				return err
			}

			cred, err := credentials.NewEnvSource(def.Credentials.UsernameEnv, def.Credentials.KeyEnv).Resolve()
			if err != nil {
				return err
			}
			cfg.Logger.AddSecret(cred.Key)

			client := newAPIClient(cfg, def).WithCredentials(cred.Username, cred.Key)
			version, res := client.GetVersion(cmd.Context())
			if err := res.Error(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "MTK Connect %s at %s\n", version, client.BaseURL())
			return nil
		},
	}

	cmd.Flags().StringVar(&apiDomain, "api-domain", "", "MTK Connect host (or $"+config.DomainEnvVar+")")

	return cmd
}
