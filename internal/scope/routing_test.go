package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingTableLookup(t *testing.T) {
	table := &RoutingTable{Routes: []Route{
		{PathPrefix: "services/", OwnerClass: "backend"},
		{PathPrefix: "services/fm/migrations/", OwnerClass: "dba"},
		{PathPrefix: "web/", OwnerClass: "frontend"},
	}}

	tests := []struct {
		path string
		want string
	}{
		{"services/fm/handlers.go", "backend"},
		{"services/fm/migrations/0001_init.sql", "dba"}, // longest prefix wins
		{"web/src/App.tsx", "frontend"},
		{"docs/runbook.md", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Lookup(tt.path))
		})
	}
}

func TestRoutingTableTieKeepsEarlierRoute(t *testing.T) {
	table := &RoutingTable{Routes: []Route{
		{PathPrefix: "services/", OwnerClass: "first"},
		{PathPrefix: "services/", OwnerClass: "second"},
	}}
	assert.Equal(t, "first", table.Lookup("services/fm/handlers.go"))
}

func TestLoadRoutingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	content := `routes:
  - path_prefix: services/
    owner_class: backend
  - path_prefix: web/
    owner_class: frontend
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	table, err := LoadRoutingTable(path)
	require.NoError(t, err)
	require.Len(t, table.Routes, 2)
	assert.Equal(t, "backend", table.Lookup("services/fm/x.go"))
}

func TestLoadRoutingTableEmptyPath(t *testing.T) {
	table, err := LoadRoutingTable("")
	require.NoError(t, err)
	assert.Empty(t, table.Routes)
	assert.Equal(t, "", table.Lookup("anything"))
}

func TestLoadRoutingTableMissingFile(t *testing.T) {
	_, err := LoadRoutingTable("/nonexistent/routes.yaml")
	assert.Error(t, err)
}
