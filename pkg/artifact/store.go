package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Store keeps published artifacts. Artifacts are immutable: putting a digest
// that already exists is a no-op. Names are mutable aliases.
type Store interface {
	Has(ctx context.Context, digest string) (bool, error)
	Put(ctx context.Context, art *ImageArtifact, rootfs io.Reader, size int64) error
	Get(ctx context.Context, digest string) (*ImageArtifact, error)
	Tag(ctx context.Context, name, digest string) error
	// Resolve accepts a digest or a name.
	Resolve(ctx context.Context, ref string) (*ImageArtifact, error)
}

// FSStore lays artifacts out on an afero filesystem:
//
//	blobs/sha256/<hex>/image.json
//	blobs/sha256/<hex>/rootfs.tar.zst
//	tags/<name>
type FSStore struct {
	fs afero.Fs
}

// NewFSStore uses fs as the store root.
func NewFSStore(fs afero.Fs) *FSStore {
	return &FSStore{fs: fs}
}

// NewLocalStore keeps artifacts under dir on the host.
func NewLocalStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return NewFSStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func blobDir(h string) string {
	return path.Join("/blobs/sha256", h)
}

func (s *FSStore) Has(_ context.Context, digest string) (bool, error) {
	h, err := Hex(digest)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, path.Join(blobDir(h), ConfigObject))
}

func (s *FSStore) Put(ctx context.Context, art *ImageArtifact, rootfs io.Reader, size int64) error {
	h, err := Hex(art.Digest)
	if err != nil {
		return err
	}
	if ok, err := s.Has(ctx, art.Digest); err != nil {
		return err
	} else if ok {
		return nil
	}

	tmp := path.Join("/tmp", uuid.NewString())
	if err := s.fs.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer s.fs.RemoveAll(tmp)

	if err := s.writeObject(path.Join(tmp, RootfsObject), rootfs, size); err != nil {
		return err
	}
	config, err := storedConfig(art)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, path.Join(tmp, ConfigObject), config, 0o644); err != nil {
		return fmt.Errorf("write artifact config: %w", err)
	}

	final := blobDir(h)
	if err := s.fs.MkdirAll(path.Dir(final), 0o755); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		// A concurrent build of identical content may have won the race.
		if ok, _ := s.Has(ctx, art.Digest); ok {
			return nil
		}
		return fmt.Errorf("publish artifact %s: %w", art.Digest, err)
	}
	return nil
}

func (s *FSStore) writeObject(p string, r io.Reader, size int64) error {
	f, err := s.fs.Create(p)
	if err != nil {
		return fmt.Errorf("create %s: %w", p, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("write %s: wrote %d of %d bytes", p, n, size)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, digest string) (*ImageArtifact, error) {
	h, err := Hex(digest)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path.Join(blobDir(h), ConfigObject))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, err
	}
	var art ImageArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact config: %w", err)
	}
	return &art, nil
}

// OpenRootfs opens the compressed rootfs of a stored artifact.
func (s *FSStore) OpenRootfs(digest string) (io.ReadCloser, error) {
	h, err := Hex(digest)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(path.Join(blobDir(h), RootfsObject))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, err
	}
	return f, nil
}

func (s *FSStore) Tag(ctx context.Context, name, digest string) error {
	if err := validTag(name); err != nil {
		return err
	}
	if ok, err := s.Has(ctx, digest); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err := s.fs.MkdirAll("/tags", 0o755); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, path.Join("/tags", name), []byte(digest+"\n"), 0o644)
}

func (s *FSStore) Resolve(ctx context.Context, ref string) (*ImageArtifact, error) {
	if strings.HasPrefix(ref, "sha256:") {
		return s.Get(ctx, ref)
	}
	if err := validTag(ref); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path.Join("/tags", ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}
	art, err := s.Get(ctx, strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	art.Name = ref
	return art, nil
}

func validTag(name string) error {
	if name == "" || strings.ContainsAny(name, `/\:`) || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}
