package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/dmctl/internal/domain"
)

// modelsDocument is the on-disk shape of the model descriptor file.
type modelsDocument struct {
	Models []domain.ModelDescriptor `yaml:"models"`
}

// LoadModels reads and validates the declarative model descriptor
// document named by ModelsConfigPath (§3).
func LoadModels(path string) ([]domain.ModelDescriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadModels: %w", err)
	}
	var doc modelsDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("op=config.LoadModels: parse %s: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Models))
	for i := range doc.Models {
		m := &doc.Models[i]
		if m.ID == "" || m.Command == "" {
			return nil, fmt.Errorf("op=config.LoadModels: %w: model at index %d missing id or command", domain.ErrInvalidArgument, i)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("op=config.LoadModels: %w: duplicate model id %q", domain.ErrInvalidArgument, m.ID)
		}
		seen[m.ID] = true
		if m.ExecMode == "" {
			m.ExecMode = domain.ExecModeCLI
		}
		if m.LoadMode == "" {
			m.LoadMode = domain.LoadModeOnDemand
		}
		if m.ExecMode == domain.ExecModeServer && m.APIURL == "" && m.Port == 0 {
			return nil, fmt.Errorf("op=config.LoadModels: %w: model %q is server mode but declares neither api_url nor port", domain.ErrInvalidArgument, m.ID)
		}
	}
	return doc.Models, nil
}
