package skills

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes one skill as declared by its SKILL.md file: YAML
// frontmatter (name, description, metadata) followed by a markdown body with
// usage instructions for the agent.
type Manifest struct {
	Name        string
	Description string
	Content     string
	Metadata    map[string]any
}

// ParseManifest parses SKILL.md content. Missing or broken frontmatter is not
// an error; the fallback name and the raw body are used instead.
func ParseManifest(raw, fallbackName string) Manifest {
	text := strings.TrimSpace(raw)
	m := Manifest{
		Name:    strings.TrimSpace(fallbackName),
		Content: text,
	}
	if !strings.HasPrefix(text, "---") {
		return m.normalized()
	}

	rest := strings.TrimLeft(text[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	}
	closing := strings.Index(rest, "\n---")
	if closing < 0 {
		return m.normalized()
	}

	m.Content = strings.TrimLeft(rest[closing+4:], "\r\n")

	var fm struct {
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		Metadata    map[string]any `yaml:"metadata"`
	}
	if err := yaml.Unmarshal([]byte(rest[:closing]), &fm); err != nil {
		return m.normalized()
	}
	if strings.TrimSpace(fm.Name) != "" {
		m.Name = strings.TrimSpace(fm.Name)
	}
	m.Description = strings.TrimSpace(fm.Description)
	m.Metadata = fm.Metadata
	return m.normalized()
}

func (m Manifest) normalized() Manifest {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		m.Name = "default"
	}
	m.Description = strings.TrimSpace(m.Description)
	m.Content = strings.TrimSpace(m.Content)
	if m.Description == "" {
		m.Description = m.Name
	}
	if m.Content == "" {
		m.Content = m.Description
	}
	return m
}

// LoadManifests reads every <dir>/<name>/SKILL.md under the skills directory.
// A missing directory yields no manifests and no error.
func LoadManifests(log *slog.Logger, dir string) ([]Manifest, error) {
	if log == nil {
		log = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "SKILL.md")
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warn("read skill manifest failed",
					slog.String("path", path),
					slog.Any("error", err),
				)
			}
			continue
		}
		manifests = append(manifests, ParseManifest(string(raw), entry.Name()))
	}
	return manifests, nil
}
