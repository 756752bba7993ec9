// Package pkgrepo resolves runtime packages and installs them into a layer.
package pkgrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v3"
)

// ErrPackageNotFound is returned when a source has no package by that name.
var ErrPackageNotFound = errors.New("package not found")

// Package is one installable unit. Files is rooted at the image root.
type Package struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Depends []string `yaml:"depends"`
	Files   afero.Fs `yaml:"-"`
}

// Source resolves package names.
type Source interface {
	Resolve(ctx context.Context, name string) (*Package, error)
}

// StaticSource serves packages from memory.
type StaticSource map[string]*Package

func (s StaticSource) Resolve(_ context.Context, name string) (*Package, error) {
	pkg, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return pkg, nil
}

// LocalRepository serves packages from a directory laid out as
//
//	<root>/<name>/package.yaml
//	<root>/<name>/files/...
type LocalRepository struct {
	root string
}

func NewLocalRepository(root string) *LocalRepository {
	return &LocalRepository{root: root}
}

func (r *LocalRepository) Resolve(ctx context.Context, name string) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: %q", ErrPackageNotFound, name)
	}
	dir := filepath.Join(r.root, name)
	data, err := os.ReadFile(filepath.Join(dir, "package.yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
		}
		return nil, fmt.Errorf("read package manifest: %w", err)
	}
	var pkg Package
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse package manifest %s: %w", name, err)
	}
	if pkg.Name == "" {
		pkg.Name = name
	}
	if pkg.Name != name {
		return nil, fmt.Errorf("package manifest %s declares name %q", name, pkg.Name)
	}
	pkg.Files = afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(dir, "files")))
	return &pkg, nil
}
