package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for the MinIO store.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// MinIOStore keeps artifacts in an S3-compatible bucket using the same
// layout as FSStore.
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *MinIOStore) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *MinIOStore) blobKey(digest, object string) (string, error) {
	h, err := Hex(digest)
	if err != nil {
		return "", err
	}
	return s.key("blobs", "sha256", h, object), nil
}

func (s *MinIOStore) Has(ctx context.Context, digest string) (bool, error) {
	key, err := s.blobKey(digest, ConfigObject)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("minio stat object failed: %w", err)
	}
	return true, nil
}

// Put uploads the rootfs before the config; Has keys off the config, so a
// half-written artifact is never visible.
func (s *MinIOStore) Put(ctx context.Context, art *ImageArtifact, rootfs io.Reader, size int64) error {
	if ok, err := s.Has(ctx, art.Digest); err != nil {
		return err
	} else if ok {
		return nil
	}
	rootfsKey, err := s.blobKey(art.Digest, RootfsObject)
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, s.bucket, rootfsKey, rootfs, size, minio.PutObjectOptions{ContentType: "application/zstd"}); err != nil {
		return fmt.Errorf("minio put rootfs failed: %w", err)
	}
	config, err := storedConfig(art)
	if err != nil {
		return err
	}
	configKey, _ := s.blobKey(art.Digest, ConfigObject)
	if _, err := s.client.PutObject(ctx, s.bucket, configKey, bytes.NewReader(config), int64(len(config)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("minio put config failed: %w", err)
	}
	return nil
}

func (s *MinIOStore) Get(ctx context.Context, digest string) (*ImageArtifact, error) {
	key, err := s.blobKey(digest, ConfigObject)
	if err != nil {
		return nil, err
	}
	data, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	var art ImageArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact config: %w", err)
	}
	return &art, nil
}

func (s *MinIOStore) Tag(ctx context.Context, name, digest string) error {
	if err := validTag(name); err != nil {
		return err
	}
	if ok, err := s.Has(ctx, digest); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	body := []byte(digest + "\n")
	if _, err := s.client.PutObject(ctx, s.bucket, s.key("tags", name), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{ContentType: "text/plain"}); err != nil {
		return fmt.Errorf("minio put tag failed: %w", err)
	}
	return nil
}

func (s *MinIOStore) Resolve(ctx context.Context, ref string) (*ImageArtifact, error) {
	if strings.HasPrefix(ref, "sha256:") {
		return s.Get(ctx, ref)
	}
	if err := validTag(ref); err != nil {
		return nil, err
	}
	data, err := s.read(ctx, s.key("tags", ref))
	if err != nil {
		return nil, err
	}
	art, err := s.Get(ctx, strings.TrimSpace(string(data)))
	if err != nil {
		return nil, err
	}
	art.Name = ref
	return art, nil
}

func (s *MinIOStore) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get object failed: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("minio read object failed: %w", err)
	}
	return data, nil
}
