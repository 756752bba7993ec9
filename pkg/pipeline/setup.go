package pipeline

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
	"github.com/vyvo/compute/rootfs/pkg/baseimage"
	"github.com/vyvo/compute/rootfs/pkg/config"
	"github.com/vyvo/compute/rootfs/pkg/pkgrepo"
	"github.com/vyvo/compute/rootfs/pkg/runner"
)

// FromConfig wires a Pipeline to the local base image and package
// registries, the host runner and the configured artifact backend. The
// returned closer releases the artifact store.
func FromConfig(cfg config.BuilderConfig, logger *zap.Logger) (*Pipeline, io.Closer, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}
	store, closer, err := OpenStore(cfg.Artifacts)
	if err != nil {
		return nil, nil, err
	}
	p := &Pipeline{
		Images:   baseimage.NewLocalRegistry(cfg.BaseDir),
		Packages: pkgrepo.NewInstaller(pkgrepo.NewLocalRepository(cfg.PackageDir)),
		Runner: &runner.HostRunner{
			WorkDir:        cfg.WorkDir,
			Isolation:      runner.Isolation(cfg.Isolation),
			DefaultTimeout: cfg.CommandTimeout,
			Logger:         logger.Named("runner"),
		},
		Store:          store,
		Logger:         logger.Named("pipeline"),
		WorkDir:        cfg.WorkDir,
		CommandTimeout: cfg.CommandTimeout,
	}
	return p, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStore opens the artifact backend named by cfg.Backend.
func OpenStore(cfg config.ArtifactConfig) (artifact.Store, io.Closer, error) {
	switch cfg.Backend {
	case "", "local":
		s, err := artifact.NewLocalStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case "minio":
		s, err := artifact.NewMinIOStore(cfg.MinIO)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case "sftp":
		s, err := artifact.DialSFTPStore(cfg.SFTP)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}
