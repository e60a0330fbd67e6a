package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/replico/internal/models"
)

var (
	setupInterval int
	setupDelay    int
	setupMaxHour  int
	setupCooldown int
	setupEnable   bool
	setupDisable  bool
	setupMetadata bool
	setupData     bool
)

var autosyncCmd = &cobra.Command{
	Use:   "autosync",
	Short: "Manage continuous replication monitors",
}

// setEnabled flips the enabled flag for one or every automatic
// configuration. The serving process picks the change up on its next
// cleanup pass.
func setEnabled(application *app, configID string, enabled bool) (int, error) {
	var configs []*models.SyncConfiguration
	if configID != "" {
		config, err := application.storage.GetConfig(configID)
		if err != nil {
			return 0, err
		}
		configs = append(configs, config)
	} else {
		all, err := application.storage.GetAllConfigs()
		if err != nil {
			return 0, err
		}
		for _, config := range all {
			if config.ExecutionMode == models.ExecutionModeAutomatic {
				configs = append(configs, config)
			}
		}
	}

	changed := 0
	for _, config := range configs {
		settings, err := application.storage.GetSettings(config.ID)
		if err != nil {
			return changed, err
		}
		if settings == nil {
			settings = models.NewAutoSyncSettings(config.ID)
		}
		if settings.IsEnabled == enabled {
			continue
		}
		settings.IsEnabled = enabled
		if err := application.storage.SaveSettings(settings); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

var autosyncStartCmd = &cobra.Command{
	Use:   "start [config-id]",
	Short: "Enable auto-sync for one configuration, or all automatic ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := bootstrap()
		if err != nil {
			return err
		}
		defer application.close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		changed, err := setEnabled(application, id, true)
		if err != nil {
			return err
		}
		fmt.Printf("%d configurations enabled; the serving process applies the change on its next cleanup pass\n", changed)
		return nil
	},
}

var autosyncStopCmd = &cobra.Command{
	Use:   "stop [config-id]",
	Short: "Disable auto-sync for one configuration, or all automatic ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := bootstrap()
		if err != nil {
			return err
		}
		defer application.close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		changed, err := setEnabled(application, id, false)
		if err != nil {
			return err
		}
		fmt.Printf("%d configurations disabled\n", changed)
		return nil
	},
}

var autosyncSetupCmd = &cobra.Command{
	Use:   "setup <config-id>",
	Short: "Create or update the auto-sync settings of a configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if setupEnable && setupDisable {
			return fmt.Errorf("--enable and --disable are mutually exclusive")
		}

		application, err := bootstrap()
		if err != nil {
			return err
		}
		defer application.close()

		configID := args[0]
		if _, err := application.storage.GetConfig(configID); err != nil {
			return err
		}

		settings, err := application.storage.GetSettings(configID)
		if err != nil {
			return err
		}
		if settings == nil {
			settings = models.NewAutoSyncSettings(configID)
		}

		if cmd.Flags().Changed("interval") {
			settings.CheckInterval = setupInterval
		}
		if cmd.Flags().Changed("delay") {
			settings.DelayBeforeSync = setupDelay
		}
		if cmd.Flags().Changed("max-per-hour") {
			settings.MaxSyncsPerHour = setupMaxHour
		}
		if cmd.Flags().Changed("cooldown") {
			settings.CooldownAfterError = setupCooldown
		}
		if cmd.Flags().Changed("monitor-metadata") {
			settings.MonitorMetadata = setupMetadata
		}
		if cmd.Flags().Changed("monitor-data") {
			settings.MonitorData = setupData
		}
		if setupEnable {
			settings.IsEnabled = true
		}
		if setupDisable {
			settings.IsEnabled = false
		}

		if err := application.storage.SaveSettings(settings); err != nil {
			return err
		}

		fmt.Printf("Auto-sync settings saved for %s (enabled=%t, interval=%ds, max=%d/h, cooldown=%ds)\n",
			configID, settings.IsEnabled, settings.CheckInterval, settings.MaxSyncsPerHour, settings.CooldownAfterError)
		return nil
	},
}

var autosyncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the auto-sync settings and monitor state per configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := bootstrap()
		if err != nil {
			return err
		}
		defer application.close()

		configs, err := application.storage.GetAllConfigs()
		if err != nil {
			return err
		}

		for _, syncConfig := range configs {
			settings, err := application.manager.Settings(syncConfig.ID)
			if err != nil {
				fmt.Printf("%s: settings unavailable (%v)\n", syncConfig.Name, err)
				continue
			}
			state := "stopped"
			if application.scheduler.IsRunning(syncConfig.ID) {
				state = "running"
			}
			fmt.Printf("%s [%s]: enabled=%t, monitor=%s, interval=%ds, max=%d/h\n",
				syncConfig.Name, syncConfig.ID, settings.IsEnabled, state,
				settings.CheckInterval, settings.MaxSyncsPerHour)
		}
		return nil
	},
}

func init() {
	autosyncSetupCmd.Flags().IntVar(&setupInterval, "interval", 300, "Seconds between change checks")
	autosyncSetupCmd.Flags().IntVar(&setupDelay, "delay", 30, "Seconds before the first check")
	autosyncSetupCmd.Flags().IntVar(&setupMaxHour, "max-per-hour", 10, "Maximum syncs per hour")
	autosyncSetupCmd.Flags().IntVar(&setupCooldown, "cooldown", 1800, "Seconds to pause after a failure")
	autosyncSetupCmd.Flags().BoolVar(&setupMetadata, "monitor-metadata", true, "Monitor metadata changes")
	autosyncSetupCmd.Flags().BoolVar(&setupData, "monitor-data", true, "Monitor data changes")
	autosyncSetupCmd.Flags().BoolVar(&setupEnable, "enable", false, "Enable auto-sync")
	autosyncSetupCmd.Flags().BoolVar(&setupDisable, "disable", false, "Disable auto-sync")

	autosyncCmd.AddCommand(autosyncStartCmd)
	autosyncCmd.AddCommand(autosyncStopCmd)
	autosyncCmd.AddCommand(autosyncSetupCmd)
	autosyncCmd.AddCommand(autosyncStatusCmd)
}
