package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BartekS5/pagesync/pkg/models"
)

// LoadMapping reads and validates the mapping file at filePath.
func LoadMapping(filePath string) (*models.MappingSchema, error) {
	bytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file '%s': %w", filePath, err)
	}

	m, err := models.LoadMapping(bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mapping file '%s': %w", filePath, err)
	}
	return m, nil
}

// MappingPath returns the mapping file of a source: <mappings_dir>/<source>.json.
func (c *Config) MappingPath(source string) string {
	return filepath.Join(c.MappingsDir, filepath.Base(source)+".json")
}
