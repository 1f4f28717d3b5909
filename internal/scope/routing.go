package scope

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route maps a resource-path prefix to a worker class. Routes are advisory:
// delegation suggests a class, nothing enforces it.
type Route struct {
	PathPrefix string `yaml:"path_prefix"`
	OwnerClass string `yaml:"owner_class"`
}

// RoutingTable is an ordered list of routes. Lookup picks the longest
// matching prefix; ties keep the earlier declared route.
type RoutingTable struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutingTable reads a routing table from a YAML file. A missing path
// yields an empty table, which disables class suggestions.
func LoadRoutingTable(path string) (*RoutingTable, error) {
	if path == "" {
		return &RoutingTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing table %s: %w", path, err)
	}
	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse routing table %s: %w", path, err)
	}
	return &table, nil
}

// Lookup returns the owner class for a resource path, or "" when no prefix
// matches.
func (rt *RoutingTable) Lookup(path string) string {
	best := -1
	class := ""
	for _, r := range rt.Routes {
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if len(r.PathPrefix) > best {
			best = len(r.PathPrefix)
			class = r.OwnerClass
		}
	}
	return class
}
