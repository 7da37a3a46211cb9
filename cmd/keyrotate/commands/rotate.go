package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/systmms/keyrotate/internal/config"
	"github.com/systmms/keyrotate/internal/credentials"
	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/systmms/keyrotate/internal/rotation"
	"github.com/systmms/keyrotate/internal/rotation/metrics"
	"github.com/systmms/keyrotate/internal/rotation/notifications"
	"github.com/systmms/keyrotate/internal/rotation/storage"
	"github.com/systmms/keyrotate/internal/secretstore"
)

// NewRotateCommand creates the rotate command
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		apiDomain     string
		retentionDays int
		kubeconfig    string
		metricsFile   string
		historyDir    string
		noHistory     bool
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the service account's API key",
		Long: `Rotate the MTK Connect API key of the service account.

The run authenticates with the key in $MTK_KEY_UPD_PASSWORD, creates a new key,
writes it to the MTK Connect and Jenkins secrets, deletes keys created at least
--retention-days before the new one, and finally checks the new key works.

Stages run strictly in order and the run stops at the first failure. Nothing
is rolled back; the summary shows which stage halted the run.`,
		Example: `  # Rotate against the dev environment
  keyrotate rotate --api-domain dev.horizon-sdv.com

  # Keep a week of keys and export metrics for node_exporter
  keyrotate rotate --api-domain dev.horizon-sdv.com --retention-days 7 \
    --metrics-file /var/lib/node_exporter/keyrotate.prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(cmd, cfg, apiDomain)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("retention-days") {
				def.Aging.RetentionDays = retentionDays
			}
			if cmd.Flags().Changed("history-dir") {
				def.History.Dir = historyDir
			}
			if noHistory {
				def.History.Enabled = false
			}
			if err := def.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runRotate(ctx, cmd.OutOrStdout(), cfg, def, kubeconfig, metricsFile)
		},
	}

	cmd.Flags().StringVar(&apiDomain, "api-domain", "", "MTK Connect host, e.g. dev.horizon-sdv.com (or $"+config.DomainEnvVar+")")
	cmd.Flags().IntVar(&retentionDays, "retention-days", 2, "Delete keys created this many days or more before the new key")
	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "Kubeconfig path (default: in-cluster, then $KUBECONFIG or ~/.kube/config)")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	cmd.Flags().StringVar(&historyDir, "history-dir", "", "Run history directory (default: $KEYROTATE_HISTORY_DIR or XDG data dir)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Do not record the run")

	return cmd
}

func runRotate(ctx context.Context, out io.Writer, cfg *config.Config, def *config.Definition, kubeconfig, metricsFile string) error {
	logger := cfg.Logger

	kube, err := newKubeClient(kubeconfig, logger)
	if err != nil {
		return err
	}
	store := secretstore.NewKubernetesStore(kube, logger)

	client := newAPIClient(cfg, def)
	dial := func(cred credentials.Credential) rotation.API {
		return client.WithCredentials(cred.Username, cred.Key)
	}
	creds := credentials.NewEnvSource(def.Credentials.UsernameEnv, def.Credentials.KeyEnv)

	runMetrics := metrics.New()
	opts := []rotation.Option{rotation.WithRecorder(runMetrics)}
	if def.History.Enabled {
		dir := def.History.Dir
		if dir == "" {
			dir = storage.DefaultStorageDir()
		}
		logger.Debug("Recording run history in %s", dir)
		opts = append(opts, rotation.WithRecorder(rotation.NewHistoryRecorder(storage.NewFileStorage(dir))))
	}

	webhooks, err := newWebhooks(def.Notifications)
	if err != nil {
		return err
	}
	for _, hook := range webhooks {
		logger.Debug("Notifying %s after the run", hook.Name())
		opts = append(opts, rotation.WithRecorder(hook))
	}

	orchestrator := rotation.New(rotation.Config{
		AccountUsername: def.Account.Username,
		RetentionDays:   def.Aging.RetentionDays,
		ExpiryMonths:    def.Key.ExpiryMonths,
		ProbeVersion:    def.Key.ProbeVersion,
		Primary:         toTarget(def.Targets.Primary),
		Secondary:       toTarget(def.Targets.Secondary),
	}, creds, dial, store, logger, opts...)

	logger.Info("Rotating key of %s on %s", def.Account.Username, client.BaseURL())
	result := orchestrator.Run(ctx)

	printSummary(out, result)

	if metricsFile != "" {
		if err := runMetrics.WriteTextfile(metricsFile); err != nil {
			logger.Warn("%v", err)
		}
	}

	if !result.Completed() {
		return result.Err
	}
	return nil
}

func newWebhooks(cfg config.NotificationsConfig) ([]*notifications.WebhookProvider, error) {
	hooks := make([]*notifications.WebhookProvider, 0, len(cfg.Webhooks))
	for i, hook := range cfg.Webhooks {
		provider, err := notifications.NewWebhookProvider(notifications.WebhookConfig{
			Name:            hook.Name,
			URL:             hook.URL,
			Method:          hook.Method,
			Headers:         hook.Headers,
			Events:          hook.Events,
			PayloadTemplate: hook.PayloadTemplate,
			Timeout:         time.Duration(hook.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, dserrors.ConfigError{
				Field:   fmt.Sprintf("notifications.webhooks[%d]", i),
				Value:   hook.URL,
				Message: err.Error(),
			}
		}
		hooks = append(hooks, provider)
	}
	return hooks, nil
}

func printSummary(out io.Writer, result *rotation.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "STAGE\tSTATUS\tDURATION\tDETAIL")
	fmt.Fprintln(w, "-----\t------\t--------\t------")
	for _, s := range result.Steps {
		detail := s.Message
		if s.Err != nil {
			detail = s.Err.Error()
		}
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Stage, formatStatus(string(s.Status)), formatDuration(s.Duration()), detail)
	}
	fmt.Fprintf(w, "\nResult: %s", formatStatus(string(result.Status)))
	if !result.Completed() {
		fmt.Fprintf(w, " at %s", result.HaltedAt)
	}
	fmt.Fprintln(w)
	if len(result.Deleted) > 0 || len(result.DeleteFailed) > 0 {
		fmt.Fprintf(w, "Retired keys: %d deleted, %d failed\n", len(result.Deleted), len(result.DeleteFailed))
	}
}
