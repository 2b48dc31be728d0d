package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/persistence"
)

// ModelsPath returns the model catalog seed file path.
func ModelsPath(homeDir string) string {
	return filepath.Join(homeDir, "models.yaml")
}

type modelsFile struct {
	Models []persistence.ModelRecord `yaml:"models"`
}

// LoadModels reads the catalog seed file. A missing file yields the
// starter catalog.
func LoadModels(path string) ([]persistence.ModelRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StarterModels(), nil
		}
		return nil, fmt.Errorf("read models.yaml: %w", err)
	}
	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse models.yaml: %w", err)
	}
	seen := make(map[string]bool, len(f.Models))
	for i := range f.Models {
		m := &f.Models[i]
		m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
		if m.ModelID == "" || m.Provider == "" {
			return nil, fmt.Errorf("models.yaml: entry %d needs provider and model_id", i)
		}
		if m.ID == "" {
			m.ID = m.Provider + "/" + m.ModelID
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("models.yaml: duplicate id %q", m.ID)
		}
		seen[m.ID] = true
		if m.DisplayName == "" {
			m.DisplayName = m.ModelID
		}
		if m.ContextWindow <= 0 {
			return nil, fmt.Errorf("models.yaml: %s: context_window must be positive", m.ID)
		}
		if m.SortOrder == 0 {
			m.SortOrder = (i + 1) * 10
		}
	}
	sort.SliceStable(f.Models, func(i, j int) bool { return f.Models[i].SortOrder < f.Models[j].SortOrder })
	return f.Models, nil
}

// WriteModels writes models as a catalog seed file.
func WriteModels(path string, models []persistence.ModelRecord) error {
	out, err := yaml.Marshal(modelsFile{Models: models})
	if err != nil {
		return fmt.Errorf("marshal models.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
