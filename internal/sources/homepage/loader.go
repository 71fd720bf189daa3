// Package homepage imports bookmarks from a Homepage dashboard configuration
// (https://gethomepage.dev): bookmarks.yaml entries and services.yaml links.
package homepage

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

var templateVariable = regexp.MustCompile(`\{\{[^}]+\}\}`)

// Loader reads the configured Homepage files. An empty path skips that file.
type Loader struct {
	bookmarkFile string
	serviceFile  string
	mapper       *Mapper
}

// NewLoader creates a loader for bookmarks.yaml and services.yaml.
func NewLoader(bookmarkFile, serviceFile string) *Loader {
	return &Loader{
		bookmarkFile: bookmarkFile,
		serviceFile:  serviceFile,
		mapper:       NewMapper(),
	}
}

// Enabled reports whether at least one file is configured.
func (l *Loader) Enabled() bool {
	return l.bookmarkFile != "" || l.serviceFile != ""
}

// Load parses every configured file and returns the normalized payloads,
// bookmarks first, without duplicate URLs.
func (l *Loader) Load() ([]domain.Payload, error) {
	var out []domain.Payload

	if l.bookmarkFile != "" {
		var config BookmarksConfig
		if err := readYAML(l.bookmarkFile, &config); err != nil {
			return nil, fmt.Errorf("failed to load bookmarks: %w", err)
		}
		out = append(out, l.mapper.MapBookmarks(config)...)
	}

	if l.serviceFile != "" {
		var config ServicesConfig
		if err := readYAML(l.serviceFile, &config); err != nil {
			return nil, fmt.Errorf("failed to load services: %w", err)
		}
		out = append(out, l.mapper.MapServices(config)...)
	}

	out = dedupByURL(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid entries found in homepage config")
	}

	return out, nil
}

func readYAML(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Homepage substitutes {{HOMEPAGE_VAR_...}} at runtime; we cannot.
	data = stripTemplateVariables(data)

	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// stripTemplateVariables removes Homepage template variables from YAML
// Example: {{HOMEPAGE_VAR_ADGUARD_USER}} -> ""
func stripTemplateVariables(data []byte) []byte {
	return templateVariable.ReplaceAll(data, []byte(`""`))
}

func dedupByURL(in []domain.Payload) []domain.Payload {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, p := range in {
		if _, dup := seen[p.URL]; dup {
			continue
		}
		seen[p.URL] = struct{}{}
		out = append(out, p)
	}
	return out
}
