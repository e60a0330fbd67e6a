package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/replico/internal/models"
)

var cleanupDryRun bool

var cleanupURLsCmd = &cobra.Command{
	Use:   "cleanup-urls",
	Short: "Canonicalize every stored instance base URL",
	Long: `Rewrites stored instance base URLs to the canonical form with exactly
one trailing separator. With --dry-run the changes are printed but not
saved.`,
	RunE: runCleanupURLs,
}

func init() {
	cleanupURLsCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show changes without saving")
}

func runCleanupURLs(cmd *cobra.Command, args []string) error {
	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	instances, err := application.storage.GetAllInstances()
	if err != nil {
		return err
	}

	changed := 0
	for _, instance := range instances {
		canonical := models.CanonicalBaseURL(instance.BaseURL)
		if canonical == instance.BaseURL {
			continue
		}
		changed++
		fmt.Printf("%s: %q -> %q\n", instance.Name, instance.BaseURL, canonical)

		if cleanupDryRun {
			continue
		}
		instance.BaseURL = canonical
		if err := application.storage.SaveInstance(instance); err != nil {
			return fmt.Errorf("failed to save instance %s: %w", instance.Name, err)
		}
	}

	if cleanupDryRun {
		fmt.Printf("%d of %d instances would change (dry run)\n", changed, len(instances))
	} else {
		fmt.Printf("%d of %d instances updated\n", changed, len(instances))
	}
	return nil
}
