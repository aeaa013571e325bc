package expert

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Built-in expert keys. Task experts appear in plans; the remaining keys
// configure the orchestration nodes themselves.
const (
	Search        = "search"
	Coder         = "coder"
	Researcher    = "researcher"
	Writer        = "writer"
	Analyzer      = "analyzer"
	ImageAnalyzer = "image_analyzer"

	RouterKey     = "router"
	CommanderKey  = "commander"
	AggregatorKey = "aggregator"
	ChatKey       = "chat"
)

// ErrUnconfigured is returned for a key that is neither stored nor built in.
var ErrUnconfigured = fmt.Errorf("expert not configured")

// Config describes one expert role.
type Config struct {
	Key                string  `json:"key" yaml:"key"`
	Name               string  `json:"name" yaml:"name"`
	Description        string  `json:"description" yaml:"description"`
	SystemInstructions string  `json:"system_instructions" yaml:"system_instructions"`
	Model              string  `json:"model" yaml:"model"`
	Temperature        float64 `json:"temperature" yaml:"temperature"`
	Provider           string  `json:"provider,omitempty" yaml:"provider"`
	// Planable marks experts the commander may assign tasks to.
	Planable bool `json:"planable" yaml:"planable"`
}

// RouteKey is the generator route for this expert: its provider override, or
// the expert key itself.
func (c Config) RouteKey() string {
	if c.Provider != "" {
		return c.Provider
	}
	return c.Key
}

// Source is the live configuration store.
type Source interface {
	ListExperts(ctx context.Context) ([]Config, error)
}

// CatalogEntry is what the planner is told about an expert.
type CatalogEntry struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

//go:embed defaults.yaml
var defaultsYAML []byte

// Defaults returns the compiled-in expert table keyed by expert key.
func Defaults() (map[string]Config, error) {
	var doc struct {
		Experts []Config `yaml:"experts"`
	}
	if err := yaml.Unmarshal(defaultsYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse built-in experts: %w", err)
	}
	out := make(map[string]Config, len(doc.Experts))
	for _, c := range doc.Experts {
		out[c.Key] = c
	}
	return out, nil
}

func mustDefaults() map[string]Config {
	d, err := Defaults()
	if err != nil {
		panic(err)
	}
	return d
}
