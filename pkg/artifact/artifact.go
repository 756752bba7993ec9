// Package artifact renders finished layer stacks into content-addressed
// rootfs images and stores them.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vyvo/compute/rootfs/pkg/layer"
)

// ErrNotFound is returned by stores for unknown digests or names.
var ErrNotFound = errors.New("artifact not found")

const (
	RootfsObject = "rootfs.tar.zst"
	ConfigObject = "image.json"
)

// ImageArtifact is the published description of a rootfs image. Everything
// except Name and PublishedAt is derived from content.
type ImageArtifact struct {
	Digest          string            `json:"digest"`
	Name            string            `json:"name,omitempty"`
	Base            string            `json:"base"`
	BaseDigest      string            `json:"base_digest"`
	PlanFingerprint string            `json:"plan_fingerprint"`
	RootfsDigest    string            `json:"rootfs_digest"`
	Size            int64             `json:"size"`
	Env             map[string]string `json:"env"`
	Packages        []string          `json:"packages"`
	Layers          []layer.Layer     `json:"layers"`
	Cmd             []string          `json:"cmd,omitempty"`
	PublishedAt     time.Time         `json:"published_at,omitempty"`
}

// Seal computes the artifact digest from its content fields.
func (a *ImageArtifact) Seal() error {
	content := struct {
		BaseDigest      string            `json:"base_digest"`
		PlanFingerprint string            `json:"plan_fingerprint"`
		RootfsDigest    string            `json:"rootfs_digest"`
		Env             map[string]string `json:"env"`
		Packages        []string          `json:"packages"`
		Layers          []layer.Layer     `json:"layers"`
		Cmd             []string          `json:"cmd"`
	}{a.BaseDigest, a.PlanFingerprint, a.RootfsDigest, a.Env, a.Packages, a.Layers, a.Cmd}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode artifact content: %w", err)
	}
	sum := sha256.Sum256(data)
	a.Digest = "sha256:" + hex.EncodeToString(sum[:])
	return nil
}

// storedConfig encodes art for its content-addressed blob. Name is an alias
// held by tags and is left out; PublishedAt records the first publication of
// the content.
func storedConfig(art *ImageArtifact) ([]byte, error) {
	c := *art
	c.Name = ""
	data, err := json.MarshalIndent(&c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact config: %w", err)
	}
	return data, nil
}

// Hex returns the digest without its algorithm prefix.
func Hex(digest string) (string, error) {
	h := strings.TrimPrefix(digest, "sha256:")
	if len(h) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	return h, nil
}
