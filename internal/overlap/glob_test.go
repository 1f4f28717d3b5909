package overlap

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		// Exact match
		{"services/fm", "services/fm", true},
		{"services/fm", "services/souq", false},
		{"services/fm", "services/fm/handlers", false},
		{"services/fm", "", false},

		// Wildcard only
		{"*", "anything", true},
		{"*", "", true},

		// Trailing wildcard (prefix match)
		{"services/fm/*", "services/fm/handlers.go", true},
		{"services/fm/*", "services/fm/internal/db.go", true},
		{"services/fm/*", "services/fm", false}, // no slash-terminated prefix
		{"services/fm/*", "services/souq/handlers.go", false},

		// Leading wildcard (suffix match)
		{"*.go", "main.go", true},
		{"*.go", "main.py", false},

		// Middle wildcard
		{"services/*/handlers", "services/fm/handlers", true},
		{"services/*/handlers", "services/fm/models", false},

		// Multiple wildcards
		{"services/*/migrations/*", "services/fm/migrations/0001_init.sql", true},
		{"services/*/migrations/*", "services/fm/handlers/tasks.go", false},

		// Empty pattern
		{"", "", true},
		{"", "services", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.value, func(t *testing.T) {
			got := matchGlob(tt.pattern, tt.value)
			if got != tt.want {
				t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
			}
		})
	}
}

func TestPathsOverlap(t *testing.T) {
	tests := []struct {
		a    string
		b    string
		want bool
	}{
		// Identical patterns always overlap.
		{"services/fm/handlers.go", "services/fm/handlers.go", true},
		{"services/fm/*", "services/fm/*", true},

		// Glob containment in either direction.
		{"services/fm/*", "services/fm/handlers.go", true},
		{"services/fm/handlers.go", "services/fm/*", true},

		// Prefix containment of glob-free bases.
		{"services/fm/*", "services/fm/handlers/*", true},
		{"services/fm/handlers/*", "services/fm/*", true},
		{"services/fm", "services/fm/handlers.go", true},

		// Disjoint areas.
		{"services/fm/*", "services/souq/*", false},
		{"services/fm/handlers.go", "services/fm/models.go", false},
		{"docs/runbook.md", "services/fm/*", false},

		// A bare wildcard overlaps everything.
		{"*", "services/fm/handlers.go", true},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got := PathsOverlap(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("PathsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
