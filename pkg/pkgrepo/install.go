package pkgrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v3"
)

// DBPath is where the installed-package database lives inside the image.
const DBPath = "/var/lib/rootfs/packages.yaml"

// Record is one entry of the installed-package database.
type Record struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Files   []string `yaml:"files"`
}

// Result reports what an Install call did.
type Result struct {
	Installed []string
	// Verified lists packages that were already installed with every
	// recorded file present, and so were left untouched.
	Verified []string
}

// Installer applies packages from a source onto a filesystem.
type Installer struct {
	source Source
}

func NewInstaller(source Source) *Installer {
	return &Installer{source: source}
}

// Install resolves names and their dependencies and installs them into fs.
// Installing a package that is already present is a verified no-op.
func (i *Installer) Install(ctx context.Context, fs afero.Fs, names []string) (Result, error) {
	order, err := i.resolve(ctx, names)
	if err != nil {
		return Result{}, err
	}
	db, err := ReadDB(fs)
	if err != nil {
		return Result{}, err
	}
	index := make(map[string]int, len(db))
	for idx, rec := range db {
		index[rec.Name] = idx
	}

	var res Result
	for _, pkg := range order {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if idx, ok := index[pkg.Name]; ok && db[idx].Version == pkg.Version && filesPresent(fs, db[idx].Files) {
			res.Verified = append(res.Verified, pkg.Name)
			continue
		}
		files, err := copyPackage(fs, pkg)
		if err != nil {
			return Result{}, fmt.Errorf("install %s: %w", pkg.Name, err)
		}
		rec := Record{Name: pkg.Name, Version: pkg.Version, Files: files}
		if idx, ok := index[pkg.Name]; ok {
			db[idx] = rec
		} else {
			index[pkg.Name] = len(db)
			db = append(db, rec)
		}
		res.Installed = append(res.Installed, pkg.Name)
	}

	if len(res.Installed) > 0 {
		if err := writeDB(fs, db); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// resolve returns the dependency closure of names, dependencies first, in a
// deterministic order.
func (i *Installer) resolve(ctx context.Context, names []string) ([]*Package, error) {
	var (
		order []*Package
		state = map[string]int{}
	)
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("dependency cycle at package %s", name)
		}
		state[name] = 1
		pkg, err := i.source.Resolve(ctx, name)
		if err != nil {
			return err
		}
		deps := append([]string(nil), pkg.Depends...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = 2
		order = append(order, pkg)
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func copyPackage(dst afero.Fs, pkg *Package) ([]string, error) {
	if pkg.Files == nil {
		return nil, nil
	}
	var files []string
	err := afero.Walk(pkg.Files, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = path.Clean("/" + p)
		switch {
		case info.IsDir():
			return dst.MkdirAll(p, info.Mode().Perm())
		case info.Mode().IsRegular():
			data, err := afero.ReadFile(pkg.Files, p)
			if err != nil {
				return err
			}
			if err := afero.WriteFile(dst, p, data, info.Mode().Perm()); err != nil {
				return err
			}
			if err := dst.Chmod(p, info.Mode().Perm()); err != nil {
				return err
			}
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func filesPresent(fs afero.Fs, files []string) bool {
	for _, f := range files {
		if ok, err := afero.Exists(fs, f); err != nil || !ok {
			return false
		}
	}
	return true
}

// ReadDB loads the installed-package database; a missing file is empty.
func ReadDB(fs afero.Fs) ([]Record, error) {
	data, err := afero.ReadFile(fs, DBPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read package db: %w", err)
	}
	var db []Record
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parse package db: %w", err)
	}
	return db, nil
}

// Installed returns installed package names in sorted order.
func Installed(fs afero.Fs) ([]string, error) {
	db, err := ReadDB(fs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(db))
	for _, rec := range db {
		names = append(names, rec.Name)
	}
	sort.Strings(names)
	return names, nil
}

func writeDB(fs afero.Fs, db []Record) error {
	sorted := append([]Record(nil), db...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Name < sorted[b].Name })
	data, err := yaml.Marshal(sorted)
	if err != nil {
		return fmt.Errorf("encode package db: %w", err)
	}
	if err := fs.MkdirAll(path.Dir(DBPath), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, DBPath, data, 0o644)
}
