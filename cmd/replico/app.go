package main

import (
	"fmt"

	"github.com/ternarybob/replico/internal/autosync"
	"github.com/ternarybob/replico/internal/interfaces"
	"github.com/ternarybob/replico/internal/storage/badger"
	syncengine "github.com/ternarybob/replico/internal/sync"
)

// app bundles the wired services every subcommand needs
type app struct {
	storage      interfaces.Storage
	orchestrator *syncengine.Orchestrator
	manager      *autosync.Manager
	scheduler    *autosync.Scheduler
}

// bootstrap opens the store, seeds definitions and wires the engine
func bootstrap() (*app, error) {
	db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	storage := badger.NewService(db, logger)
	if err := storage.LoadDefinitions(config.Definitions.Dir); err != nil {
		logger.Warn().Err(err).Str("dir", config.Definitions.Dir).Msg("Definition load failed")
	}

	orchestrator := syncengine.NewOrchestrator(storage, config.Sync, logger)
	cache := autosync.NewReplicationCache()
	manager := autosync.NewManager(storage, cache, orchestrator, config.Sync, config.AutoSync, logger)
	scheduler := autosync.Initialize(storage, manager, logger)

	return &app{
		storage:      storage,
		orchestrator: orchestrator,
		manager:      manager,
		scheduler:    scheduler,
	}, nil
}

// close releases the store
func (a *app) close() {
	if err := a.storage.Close(); err != nil {
		logger.Warn().Err(err).Msg("Storage close failed")
	}
}
