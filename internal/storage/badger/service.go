package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/interfaces"
)

// Service implements every store contract on one Badger connection
type Service struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewService creates the storage service backed by the given connection
func NewService(db *BadgerDB, logger arbor.ILogger) interfaces.Storage {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// Close closes the underlying connection
func (s *Service) Close() error {
	return s.db.Close()
}
