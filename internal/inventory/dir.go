package inventory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Dir reads the inventory from a directory of YAML manifests, one file
// per entity. The file name is not authoritative; the manifest's id
// field is.
type Dir struct {
	path string
}

type manifest struct {
	ID          string   `yaml:"id"`
	Label       string   `yaml:"label"`
	Version     int64    `yaml:"version"`
	VersionName string   `yaml:"version_name"`
	Origin      string   `yaml:"origin"`
	Icon        string   `yaml:"icon"`
	Launch      []string `yaml:"launch"`
}

func NewDir(path string) *Dir {
	return &Dir{path: path}
}

func (d *Dir) Path() string { return d.path }

func (d *Dir) List(ctx context.Context) ([]Entity, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("inventory dir: %w", err)
	}

	var out []Entity
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.IsDir() || !isManifest(e.Name()) {
			continue
		}
		ent, err := d.readManifest(filepath.Join(d.path, e.Name()))
		if err != nil {
			// A half-written or malformed manifest must not take the
			// whole listing down; the watcher will pick it up again.
			continue
		}
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Dir) Resolve(ctx context.Context, id string) (Entity, error) {
	// Fast path: manifests are conventionally named <id>.yaml.
	for _, ext := range []string{".yaml", ".yml"} {
		ent, err := d.readManifest(filepath.Join(d.path, id+ext))
		if err == nil && ent.ID == id {
			return ent, nil
		}
	}

	// Slow path: scan for a manifest whose id field matches.
	all, err := d.List(ctx)
	if err != nil {
		return Entity{}, err
	}
	for _, ent := range all {
		if ent.ID == id {
			return ent, nil
		}
	}
	return Entity{}, ErrNotFound
}

func (d *Dir) readManifest(path string) (Entity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Entity{}, err
	}

	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Entity{}, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(m.ID) == "" {
		return Entity{}, fmt.Errorf("manifest %s: missing id", filepath.Base(path))
	}

	label := m.Label
	if label == "" {
		label = m.ID
	}
	prov := ProvenanceOther
	if strings.EqualFold(strings.TrimSpace(m.Origin), string(ProvenanceChannel)) {
		prov = ProvenanceChannel
	}

	return Entity{
		ID:          m.ID,
		Label:       label,
		Version:     m.Version,
		VersionName: m.VersionName,
		Provenance:  prov,
		IconPath:    m.Icon,
		Launch:      m.Launch,
	}, nil
}

func isManifest(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
