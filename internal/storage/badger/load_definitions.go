package badger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/replico/internal/models"
)

// DefinitionFile is the on-disk format for seeding instances,
// configurations and auto-sync settings at startup. TOML and YAML are
// both accepted; the extension decides the decoder.
type DefinitionFile struct {
	Instances      []models.Instance          `toml:"instances" yaml:"instances"`
	Configurations []models.SyncConfiguration `toml:"configurations" yaml:"configurations"`
	AutoSync       []models.AutoSyncSettings  `toml:"autosync" yaml:"autosync"`
}

// LoadDefinitions reads every definition file in a directory and
// upserts its contents. Instances load before configurations so the
// cross-reference validation in SaveConfig can resolve them. A missing
// directory is not an error; a malformed file is skipped with a log.
func (s *Service) LoadDefinitions(dirPath string) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		s.logger.Debug().Str("path", dirPath).Msg("No definitions directory, skipping seed")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read definitions directory: %w", err)
	}

	var files []DefinitionFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".toml" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dirPath, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Failed to read definition file")
			continue
		}

		var file DefinitionFile
		if ext == ".toml" {
			err = toml.Unmarshal(data, &file)
		} else {
			err = yaml.Unmarshal(data, &file)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Failed to parse definition file")
			continue
		}
		files = append(files, file)
	}

	loaded := 0
	for _, file := range files {
		for i := range file.Instances {
			instance := file.Instances[i]
			if err := s.SaveInstance(&instance); err != nil {
				s.logger.Warn().Err(err).Str("instance", instance.Name).Msg("Definition rejected")
				continue
			}
			loaded++
		}
	}
	for _, file := range files {
		for i := range file.Configurations {
			config := file.Configurations[i]
			if err := s.SaveConfig(&config); err != nil {
				s.logger.Warn().Err(err).Str("config", config.Name).Msg("Definition rejected")
				continue
			}
			loaded++
		}
		for i := range file.AutoSync {
			settings := file.AutoSync[i]
			if err := s.SaveSettings(&settings); err != nil {
				s.logger.Warn().Err(err).Str("config", settings.ConfigID).Msg("Definition rejected")
				continue
			}
			loaded++
		}
	}

	s.logger.Info().Str("path", dirPath).Int("records", loaded).Msg("Definitions loaded")
	return nil
}
