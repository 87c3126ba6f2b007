package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/commutepulse/commutepulse/internal/model"
)

// file is the on-disk shape of the catalog YAML.
type file struct {
	Routes []model.Route `yaml:"routes"`
}

// Load reads the route catalog at path and validates it.
func Load(path string) ([]model.Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %q: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse yaml: %w", err)
	}
	if err := validate(f.Routes); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return f.Routes, nil
}

// validate checks structural constraints on the loaded routes.
func validate(routes []model.Route) error {
	if len(routes) == 0 {
		return fmt.Errorf("no routes defined")
	}
	seen := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if r.ID == "" {
			return fmt.Errorf("route %q has empty id", r.Name)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = struct{}{}

		if r.Name == "" {
			return fmt.Errorf("route %q has empty name", r.ID)
		}
		switch r.Category {
		case model.CategoryShuttle, model.CategoryCityBus:
		default:
			return fmt.Errorf("route %q category %q unknown: want shuttle|city-bus", r.ID, r.Category)
		}
		if len(r.Stops) == 0 {
			return fmt.Errorf("route %q has no stops", r.ID)
		}
		stops := make(map[string]struct{}, len(r.Stops))
		for _, s := range r.Stops {
			if s == "" {
				return fmt.Errorf("route %q has an empty stop name", r.ID)
			}
			if _, dup := stops[s]; dup {
				return fmt.Errorf("route %q lists stop %q twice", r.ID, s)
			}
			stops[s] = struct{}{}
		}
	}
	return nil
}
