package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replication service",
	Long: `Starts the operator API, the auto-sync monitors for every enabled
configuration, and the periodic cleanup schedule.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	common.PrintBanner(common.GetVersion())

	application, err := bootstrap()
	if err != nil {
		return err
	}
	defer application.close()

	started, err := application.scheduler.StartAll()
	if err != nil {
		logger.Warn().Err(err).Msg("Auto-sync startup incomplete")
	}
	logger.Info().Int("monitors", started).Msg("Auto-sync monitors started")

	if err := application.scheduler.StartCron(config.AutoSync.CleanupSchedule); err != nil {
		return err
	}

	srv := server.New(config, application.storage, application.orchestrator, application.scheduler, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")
	application.scheduler.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return nil
}
