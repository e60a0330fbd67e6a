package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/replico/internal/dhis"
	"github.com/ternarybob/replico/internal/models"
)

var (
	syncMetadataOnly bool
	syncDryRun       bool
)

var syncCmd = &cobra.Command{
	Use:   "sync [config-id]",
	Short: "Run one synchronization",
	Long: `Executes one sync job for the named configuration, or for every
active configuration when the id is omitted. With --dry-run only the
configuration and instance reachability are verified.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncMetadataOnly, "metadata-only", false, "Run only the metadata phase")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Validate and probe without importing")
}

func runSync(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	var configs []*models.SyncConfiguration
	if len(args) == 1 {
		config, err := application.storage.GetConfig(args[0])
		if err != nil {
			return err
		}
		configs = append(configs, config)
	} else {
		configs, err = application.storage.GetActiveConfigs()
		if err != nil {
			return err
		}
		if len(configs) == 0 {
			return fmt.Errorf("no active configurations")
		}
	}

	failures := 0
	for _, syncConfig := range configs {
		if syncDryRun {
			if err := dryRun(application, syncConfig); err != nil {
				fmt.Printf("✗ %s: %v\n", syncConfig.Name, err)
				failures++
				continue
			}
			fmt.Printf("✓ %s: configuration valid, both instances reachable\n", syncConfig.Name)
			continue
		}

		var phases []models.Phase
		if syncMetadataOnly {
			phases = []models.Phase{models.PhaseMetadata}
		}

		job, err := application.orchestrator.Execute(context.Background(), syncConfig, phases)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", syncConfig.Name, err)
			failures++
			continue
		}

		fmt.Printf("%s: job %s finished with status %s (imported=%d, processed=%d, errors=%d)\n",
			syncConfig.Name, job.ID, job.Status, job.SuccessCount, job.ProcessedItems, job.ErrorCount)
		if job.Status == models.JobStatusFailed || job.Status == models.JobStatusFailedPermanently {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d synchronizations failed", failures, len(configs))
	}
	return nil
}

// dryRun validates the pairing and probes both instances without
// creating a job.
func dryRun(application *app, syncConfig *models.SyncConfiguration) error {
	source, err := application.storage.GetInstance(syncConfig.SourceID)
	if err != nil {
		return err
	}
	destination, err := application.storage.GetInstance(syncConfig.DestinationID)
	if err != nil {
		return err
	}
	if err := syncConfig.ValidateWith(source, destination); err != nil {
		return err
	}

	opts := dhis.Options{Timeout: config.Sync.RequestTimeout, RateLimit: config.Sync.RateLimit}
	for _, instance := range []*models.Instance{source, destination} {
		client := dhis.NewClient(instance, opts, logger)
		info, err := client.SystemInfo(context.Background())
		if err != nil {
			return fmt.Errorf("instance %s unreachable: %w", instance.Name, err)
		}
		fmt.Printf("  %s: version %s\n", instance.Name, info.Version)
	}
	return nil
}
