package apishim

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScope_AddRule(t *testing.T) {
	t.Run("should reject unknown match types", func(t *testing.T) {
		scope := NewScope(true)
		err := scope.AddRule("example", "path", false)
		if !errors.Is(err, ErrInvalidMatchType) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", ErrInvalidMatchType, err)
		}
	})

	t.Run("should reject invalid patterns", func(t *testing.T) {
		scope := NewScope(true)
		if err := scope.AddRule("(", "host", false); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})

	t.Run("should reject duplicate rules", func(t *testing.T) {
		scope := NewScope(true)
		if err := scope.AddRule(`example\.com`, "host", false); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if err := scope.AddRule(`example\.com`, "HOST", false); err == nil {
			t.Fatal("wanted an error but got nil")
		}
	})

	t.Run("same pattern can be included and excluded", func(t *testing.T) {
		scope := NewScope(true)
		if err := scope.AddRule(`example\.com`, "host", false); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
		if err := scope.AddRule(`example\.com`, "host", true); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})
}

func TestScope_Matches(t *testing.T) {
	tests := []struct {
		name         string
		defaultAllow bool
		include      []string
		exclude      []string
		urlRules     bool
		target       string
		want         bool
	}{
		{
			name:         "no rules falls back to allow",
			defaultAllow: true,
			target:       "https://api.example.com/api/users",
			want:         true,
		},
		{
			name:         "no rules falls back to deny",
			defaultAllow: false,
			target:       "https://api.example.com/api/users",
			want:         false,
		},
		{
			name:         "included host",
			defaultAllow: false,
			include:      []string{`^api\.example\.com$`},
			target:       "https://api.example.com/api/users",
			want:         true,
		},
		{
			name:         "excluded host",
			defaultAllow: true,
			exclude:      []string{`analytics`},
			target:       "https://analytics.example.com/collect",
			want:         false,
		},
		{
			name:         "exclusion wins over inclusion",
			defaultAllow: true,
			include:      []string{`example\.com`},
			exclude:      []string{`^cdn\.`},
			target:       "https://cdn.example.com/logo.png",
			want:         false,
		},
		{
			name:         "leading dash is ignored",
			defaultAllow: true,
			exclude:      []string{`-^cdn\.`},
			target:       "https://cdn.example.com/logo.png",
			want:         false,
		},
		{
			name:         "host rules see the port",
			defaultAllow: false,
			include:      []string{`:3001$`},
			target:       "http://localhost:3001/users",
			want:         true,
		},
		{
			name:         "url rules see the path",
			defaultAllow: true,
			exclude:      []string{`/health$`},
			urlRules:     true,
			target:       "https://api.example.com/api/health",
			want:         false,
		},
		{
			name:         "url rules do not apply to other paths",
			defaultAllow: true,
			exclude:      []string{`/health$`},
			urlRules:     true,
			target:       "https://api.example.com/api/users",
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := NewScope(tt.defaultAllow)
			matchType := "host"
			if tt.urlRules {
				matchType = "url"
			}
			for _, pattern := range tt.include {
				if err := scope.AddRule(pattern, matchType, false); err != nil {
					t.Fatalf("adding include rule : %v", err)
				}
			}
			for _, pattern := range tt.exclude {
				if err := scope.AddRule(pattern, matchType, true); err != nil {
					t.Fatalf("adding exclude rule : %v", err)
				}
			}

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if got := scope.Matches(req); got != tt.want {
				t.Fatalf("\nwanted:\n%t\ngot:\n%t", tt.want, got)
			}
		})
	}

	t.Run("nil request falls back to the default", func(t *testing.T) {
		if got := NewScope(false).Matches(nil); got {
			t.Fatalf("\nwanted:\n%t\ngot:\n%t", false, got)
		}
	})

	t.Run("origin form requests match on req.Host", func(t *testing.T) {
		scope := NewScope(false)
		if err := scope.AddRule(`^localhost:3001$`, "host", false); err != nil {
			t.Fatalf("adding rule : %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/users", nil)
		req.Host = "localhost:3001"
		if !scope.Matches(req) {
			t.Fatalf("\nwanted:\n%t\ngot:\n%t", true, false)
		}
	})
}

func TestScope_RemoveRule(t *testing.T) {
	scope := NewScope(true)
	if err := scope.AddRule(`analytics`, "host", true); err != nil {
		t.Fatalf("adding rule : %v", err)
	}
	if scope.MatchesString("analytics.example.com", "host") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", false, true)
	}

	if err := scope.RemoveRule(`analytics`, "host", true); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	if !scope.MatchesString("analytics.example.com", "host") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", true, false)
	}

	if err := scope.RemoveRule(`analytics`, "host", true); err == nil {
		t.Fatal("wanted an error but got nil")
	}
}

func TestScope_ClearRules(t *testing.T) {
	scope := NewScope(true)
	scope.AddRule(`analytics`, "host", true)
	scope.AddRule(`/health`, "url", true)

	scope.ClearRules()

	if !scope.MatchesString("analytics.example.com", "host") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", true, false)
	}
	if !scope.MatchesString("https://api.example.com/health", "url") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", true, false)
	}
}

func TestScope_MatchesString(t *testing.T) {
	scope := NewScope(false)
	scope.AddRule(`example\.com`, "host", false)

	if !scope.MatchesString("api.example.com", "HOST") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", true, false)
	}
	if scope.MatchesString("api.example.com", "url") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", false, true)
	}
	if scope.MatchesString("api.example.com", "path") {
		t.Fatalf("\nwanted:\n%t\ngot:\n%t", false, true)
	}
}
