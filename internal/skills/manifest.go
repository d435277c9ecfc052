package skills

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the declarative descriptor for a skill, loaded from YAML.
// Handlers are bound separately; manifests only shape the prompt surface.
type Manifest struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Usage       string   `yaml:"usage"`
	Flags       []Flag   `yaml:"flags,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Flag documents one argument a skill accepts.
type Flag struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required,omitempty"`
}

// LoadManifest reads a single YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s: missing name", filepath.Base(path))
	}
	return &m, nil
}

// LoadManifestDir loads every *.yaml/*.yml manifest in a directory.
// A missing directory yields no manifests.
func LoadManifestDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var manifests []*Manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// ApplyManifests overlays descriptions and usage onto already-registered
// skills. Manifests without a matching handler are skipped.
func (r *Registry) ApplyManifests(manifests []*Manifest) {
	for _, m := range manifests {
		s, err := r.Get(m.Name)
		if err != nil {
			r.logger.Debug("skills: manifest without handler skipped", "name", m.Name)
			continue
		}
		if m.Description != "" {
			s.Description = m.Description
		}
		if m.Usage != "" {
			s.Usage = m.Usage
		}
	}
}
