// Package projects loads project catalogs from YAML and syncs them into the
// store.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"messageagent/internal/domain"
	"messageagent/internal/storage/sqlite"

	"gopkg.in/yaml.v3"
)

type Catalog struct {
	Projects []Entry `yaml:"projects"`
}

type Entry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Color       string   `yaml:"color"`
	Keywords    []string `yaml:"keywords"`
	Rules       string   `yaml:"rules"`
}

type Store interface {
	GetProjectByName(ctx context.Context, name string) (domain.Project, error)
	CreateProject(ctx context.Context, p domain.Project) (domain.Project, error)
	UpdateProject(ctx context.Context, p domain.Project) error
}

type ImportResult struct {
	Created int
	Updated int
}

func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read project catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse project catalog yaml: %w", err)
	}
	seen := make(map[string]bool, len(c.Projects))
	for i, e := range c.Projects {
		key := normalizeName(e.Name)
		if key == "" {
			return Catalog{}, fmt.Errorf("project catalog entry %d: name is required", i+1)
		}
		if seen[key] {
			return Catalog{}, fmt.Errorf("project catalog: duplicate name %q", e.Name)
		}
		seen[key] = true
	}
	return c, nil
}

// Import creates projects that do not exist yet and updates the ones that
// do, matching by case-insensitive name. Archived state is left alone.
func Import(ctx context.Context, store Store, c Catalog) (ImportResult, error) {
	var res ImportResult
	for _, e := range c.Projects {
		p := domain.Project{
			Name:        strings.TrimSpace(e.Name),
			Description: strings.TrimSpace(e.Description),
			Color:       strings.TrimSpace(e.Color),
			Keywords:    e.Keywords,
			Rules:       strings.TrimSpace(e.Rules),
		}

		existing, err := store.GetProjectByName(ctx, p.Name)
		switch {
		case errors.Is(err, sqlite.ErrNotFound):
			if _, err := store.CreateProject(ctx, p); err != nil {
				return res, err
			}
			res.Created++
		case err != nil:
			return res, err
		default:
			p.ID = existing.ID
			if err := store.UpdateProject(ctx, p); err != nil {
				return res, err
			}
			res.Updated++
		}
	}
	log.Printf("projects import created=%d updated=%d", res.Created, res.Updated)
	return res, nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
