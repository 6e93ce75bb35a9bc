package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/secflow/engine/internal/domain"
)

// catalogEntry is the on-disk shape for a seed YAML catalog file; it omits
// Execute/ResolvePorts, which a runner binds at process-construction time
// by matching catalogEntry.ID against a Go-native implementation table
// (components cannot be fully data-driven, since Execute is code).
type catalogEntry struct {
	ID           string              `yaml:"id"`
	Version      string              `yaml:"version"`
	Inputs       []domain.PortSpec   `yaml:"inputs"`
	Outputs      []domain.PortSpec   `yaml:"outputs"`
	Parameters   []domain.ParamSpec  `yaml:"parameters"`
	Runner       domain.RunnerKind   `yaml:"runner"`
	Container    *domain.ContainerSpec `yaml:"container"`
	RetryPolicy  domain.RetryPolicy  `yaml:"retryPolicy"`
	Capabilities domain.Capabilities `yaml:"capabilities"`
}

// LoadCatalogFile parses a YAML component catalog (a list of catalogEntry)
// from path, used to seed the registry at startup the way the teacher loads
// its plain Config struct from the environment, generalized to a richer,
// file-based definition source (spec §4.A, SPEC_FULL.md §12).
func LoadCatalogFile(path string) ([]*domain.ComponentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var entries []catalogEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	defs := make([]*domain.ComponentDefinition, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, &domain.ComponentDefinition{
			ID:           e.ID,
			Version:      e.Version,
			Inputs:       e.Inputs,
			Outputs:      e.Outputs,
			Parameters:   e.Parameters,
			Runner:       e.Runner,
			Container:    e.Container,
			RetryPolicy:  e.RetryPolicy,
			Capabilities: e.Capabilities,
		})
	}
	return defs, nil
}

// BindExecutor attaches a Go-native Execute function to an already-loaded
// definition by id, mutating the slice in place before Registry.Register is
// called (registry forbids mutation after that point).
func BindExecutor(defs []*domain.ComponentDefinition, id string, exec domain.Executor) error {
	for _, d := range defs {
		if d.ID == id {
			d.Execute = exec
			return nil
		}
	}
	return fmt.Errorf("no catalog entry for component %q to bind executor to", id)
}
