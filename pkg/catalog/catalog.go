// Package catalog lists the runtime images a deployment builds. Each entry is
// independently addressable, so languages/java and runners/java are built and
// published separately.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one buildable runtime image.
type Entry struct {
	// Name addresses the entry, for example languages/java.
	Name string `yaml:"name"`
	// Spec is the directive file, relative to the catalog file.
	Spec string `yaml:"spec"`
	// Tag is the published artifact name. It defaults to Name with slashes
	// replaced by dashes.
	Tag string `yaml:"tag"`
	// Base overrides the spec's FROM reference.
	Base string `yaml:"base"`
}

// Catalog is the parsed catalog file.
type Catalog struct {
	// Base applies to every entry without its own Base.
	Base    string  `yaml:"base"`
	Entries []Entry `yaml:"entries"`

	dir string
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c.dir = filepath.Dir(path)
	if err := c.normalize(); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return &c, nil
}

func (c *Catalog) normalize() error {
	if len(c.Entries) == 0 {
		return fmt.Errorf("no entries")
	}
	names := map[string]bool{}
	tags := map[string]string{}
	for i := range c.Entries {
		e := &c.Entries[i]
		e.Name = strings.Trim(strings.TrimSpace(e.Name), "/")
		if e.Name == "" {
			return fmt.Errorf("entry %d has no name", i)
		}
		if e.Spec == "" {
			return fmt.Errorf("entry %s has no spec", e.Name)
		}
		if names[e.Name] {
			return fmt.Errorf("duplicate entry %s", e.Name)
		}
		names[e.Name] = true
		if e.Tag == "" {
			e.Tag = strings.ReplaceAll(e.Name, "/", "-")
		}
		if other, ok := tags[e.Tag]; ok {
			return fmt.Errorf("entries %s and %s share tag %s", other, e.Name, e.Tag)
		}
		tags[e.Tag] = e.Name
		if e.Base == "" {
			e.Base = c.Base
		}
	}
	return nil
}

// SpecPath returns the directive file of e, resolved against the catalog.
func (c *Catalog) SpecPath(e Entry) string {
	if filepath.IsAbs(e.Spec) {
		return e.Spec
	}
	return filepath.Join(c.dir, e.Spec)
}

// Lookup finds an entry by name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	name = strings.Trim(name, "/")
	for _, e := range c.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
