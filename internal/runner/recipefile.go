package runner

import (
	"fmt"
	"os"

	"github.com/ashureev/agentdeck/internal/domain"
	"gopkg.in/yaml.v3"
)

// writeRecipeFile serializes a recipe descriptor to a temporary YAML file.
// The agent's interface accepts recipe files by path, not inline structures,
// so each session gets its own ephemeral copy, removed at cleanup.
func writeRecipeFile(r *domain.Recipe) (string, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal recipe: %w", err)
	}

	f, err := os.CreateTemp("", "agentdeck-recipe-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create recipe file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write recipe file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close recipe file: %w", err)
	}
	return f.Name(), nil
}
