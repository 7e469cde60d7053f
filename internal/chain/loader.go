// Package chain loads and validates pipeline definitions. A chain may be
// declared in YAML, in a sandboxed Lua script, or ship as a built-in.
package chain

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/forge/internal/models"
)

func Parse(path string) (*models.Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}

	var c models.Chain
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse chain YAML: %w", err)
	}

	if c.Name == "" {
		c.Name = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".yaml"), ".yml")
	}

	return &c, nil
}

// LoadAll loads every chain definition found in dirs, YAML and Lua alike.
// Later directories win on name collisions. Missing directories are
// skipped so a fresh install works without any chain dir.
func LoadAll(dirs []string) (map[string]*models.Chain, error) {
	chains := make(map[string]*models.Chain)

	for _, dir := range dirs {
		if err := loadFromDir(dir, chains); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return chains, nil
}

func loadFromDir(dir string, chains map[string]*models.Chain) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		var c *models.Chain
		switch {
		case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
			c, err = Parse(path)
		case IsLuaChain(path):
			c, err = ParseLua(path)
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := Validate(c); err != nil {
			return fmt.Errorf("invalid chain %s: %w", path, err)
		}

		chains[c.Name] = c
	}

	return nil
}

func Validate(c *models.Chain) error {
	if c.Name == "" {
		return fmt.Errorf("chain must have a name")
	}

	if len(c.Steps) == 0 {
		return fmt.Errorf("chain must define at least one step")
	}

	seen := make(map[string]bool)
	for i, s := range c.Steps {
		if s.Kind == "" {
			return fmt.Errorf("step %d must have a kind", i+1)
		}
		if s.Name == "" {
			return fmt.Errorf("step %d (%s) must have a name", i+1, s.Kind)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}
