// Package baseimage resolves the read-only parent images builds start from.
package baseimage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	yaml "gopkg.in/yaml.v3"

	"github.com/vyvo/compute/rootfs/pkg/layer"
)

// ErrImageNotFound is returned when a reference cannot be resolved.
var ErrImageNotFound = errors.New("base image not found")

// Image is a resolved base image. FS must be treated as read-only.
type Image struct {
	Ref    string
	Digest string
	Env    map[string]string
	Links  map[string]string
	FS     afero.Fs
}

// Resolver turns an image reference into an Image.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*Image, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref string) (*Image, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (*Image, error) {
	return f(ctx, ref)
}

type imageConfig struct {
	Env   map[string]string `yaml:"env"`
	Links map[string]string `yaml:"links"`
}

// LocalRegistry serves base images from a directory laid out as
//
//	<root>/<ref>/image.yaml
//	<root>/<ref>/rootfs/...
//
// where ':' and '/' in the reference are replaced by '_'. Symlinks inside
// rootfs become image links; image.yaml links are applied on top.
type LocalRegistry struct {
	root string
}

func NewLocalRegistry(root string) *LocalRegistry {
	return &LocalRegistry{root: root}
}

func (r *LocalRegistry) Resolve(ctx context.Context, ref string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := dirName(ref)
	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrImageNotFound, ref)
	}
	dir := filepath.Join(r.root, name)
	rootfs := filepath.Join(dir, "rootfs")
	if info, err := os.Stat(rootfs); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
	}

	var cfg imageConfig
	data, err := os.ReadFile(filepath.Join(dir, "image.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse image config for %s: %w", ref, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read image config for %s: %w", ref, err)
	}

	links, err := diskLinks(rootfs)
	if err != nil {
		return nil, fmt.Errorf("read links of %s: %w", ref, err)
	}
	for target, source := range cfg.Links {
		links[path.Clean("/"+target)] = source
	}

	fs := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), rootfs))
	return NewImage(ref, fs, cfg.Env, links)
}

// diskLinks collects the symlinks under rootfs, keyed by their path inside
// the image. Links are recorded as written and never followed on the host.
func diskLinks(rootfs string) (map[string]string, error) {
	links := map[string]string{}
	err := filepath.Walk(rootfs, func(hostPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(rootfs, hostPath)
		if err != nil {
			return err
		}
		source, err := os.Readlink(hostPath)
		if err != nil {
			return err
		}
		links[path.Clean("/"+filepath.ToSlash(rel))] = source
		return nil
	})
	return links, err
}

// NewImage computes the content digest of fs and returns the Image.
func NewImage(ref string, fs afero.Fs, env, links map[string]string) (*Image, error) {
	digest, _, err := layer.Digest(fs, links)
	if err != nil {
		return nil, fmt.Errorf("digest base image %s: %w", ref, err)
	}
	if env == nil {
		env = map[string]string{}
	}
	if links == nil {
		links = map[string]string{}
	}
	return &Image{Ref: ref, Digest: digest, Env: env, Links: links, FS: fs}, nil
}

func dirName(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == "." || ref == ".." || strings.Contains(ref, "..") {
		return ""
	}
	return strings.NewReplacer(":", "_", "/", "_").Replace(ref)
}
