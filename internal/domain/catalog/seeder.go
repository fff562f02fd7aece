package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/harborline/stevedore/internal/infrastructure/logging"
)

// Seeder loads catalog templates from disk into the registry.
type Seeder struct {
	registry *Registry
	dir      string
	logger   *logging.Logger
}

// NewSeeder creates a template seeder over the given directory.
func NewSeeder(registry *Registry, dir string, logger *logging.Logger) *Seeder {
	return &Seeder{
		registry: registry,
		dir:      dir,
		logger:   logger,
	}
}

// Seed loads all *.yaml / *.yml template files from the catalog
// directory. Files that fail to parse are skipped with a warning so one
// bad template cannot block startup.
func (s *Seeder) Seed() error {
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		s.logger.Warn("Catalog directory not found, using built-in templates",
			zap.String("dir", s.dir))
		return nil
	}

	var loaded, failed int
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			return nil
		}

		if err := s.loadTemplate(path); err != nil {
			s.logger.Warn("Failed to load template",
				zap.String("file", name),
				zap.Error(err))
			failed++
		} else {
			loaded++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk catalog dir: %w", err)
	}

	s.logger.Info("Catalog seeding complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))
	return nil
}

// loadTemplate parses one template file and registers it.
func (s *Seeder) loadTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if tpl.ID == "" {
		return fmt.Errorf("template missing id")
	}
	if tpl.Image == "" {
		return fmt.Errorf("template %s missing image", tpl.ID)
	}

	s.registry.Register(tpl)
	return nil
}

// SeedDefaults registers a small built-in template set so a fresh
// deployment works without a catalog directory.
func (s *Seeder) SeedDefaults() {
	defaults := []Template{
		{
			ID:           "nginx",
			Name:         "Nginx",
			Description:  "Nginx web server",
			Image:        "nginx:latest",
			Cores:        1,
			MemoryMB:     512,
			DiskGB:       4,
			ServicePorts: map[string]int{"http": 80},
			Unprivileged: true,
		},
		{
			ID:           "redis",
			Name:         "Redis",
			Description:  "Redis in-memory data store",
			Image:        "redis:7",
			Cores:        1,
			MemoryMB:     1024,
			DiskGB:       4,
			ServicePorts: map[string]int{"redis": 6379},
			Unprivileged: true,
		},
		{
			ID:          "postgres",
			Name:        "PostgreSQL",
			Description: "PostgreSQL relational database",
			Image:       "postgres:16",
			Cores:       2,
			MemoryMB:    2048,
			DiskGB:      16,
			Env: map[string]string{
				"POSTGRES_USER": "app",
				"POSTGRES_DB":   "app",
			},
			ServicePorts: map[string]int{"postgres": 5432},
			Unprivileged: true,
		},
	}

	for _, tpl := range defaults {
		if _, exists := s.registry.Get(tpl.ID); !exists {
			s.registry.Register(tpl)
		}
	}
}
