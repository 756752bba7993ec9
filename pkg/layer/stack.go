// Package layer maintains the copy-on-write layer stack a build applies its
// steps to. The base filesystem is never written; every step writes into its
// own in-memory delta that is committed with a content digest.
package layer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"sort"
	"syscall"

	"github.com/spf13/afero"
)

// Layer records one committed step delta.
type Layer struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Digest string `json:"digest"`
	Files  int    `json:"files"`
}

// Stack is a private working copy derived from a read-only base.
type Stack struct {
	view         afero.Fs
	delta        afero.Fs
	links        map[string]string
	pendingLinks map[string]string
	layers       []Layer
}

// New starts a stack over base. baseLinks lists symlinks (target -> source)
// already present in the base image.
func New(base afero.Fs, baseLinks map[string]string) *Stack {
	links := make(map[string]string, len(baseLinks))
	for k, v := range baseLinks {
		links[clean(k)] = v
	}
	s := &Stack{view: afero.NewReadOnlyFs(base), links: links}
	s.begin()
	return s
}

func (s *Stack) begin() {
	s.delta = afero.NewMemMapFs()
	s.view = afero.NewCopyOnWriteFs(s.view, s.delta)
	s.pendingLinks = map[string]string{}
}

// FS is the merged view. Writes land in the current uncommitted delta.
func (s *Stack) FS() afero.Fs {
	return s.view
}

// Layers returns the committed layers in order.
func (s *Stack) Layers() []Layer {
	return append([]Layer(nil), s.layers...)
}

// Links returns every symlink in the merged view, target -> source.
func (s *Stack) Links() map[string]string {
	out := make(map[string]string, len(s.links)+len(s.pendingLinks))
	for k, v := range s.links {
		out[k] = v
	}
	for k, v := range s.pendingLinks {
		out[k] = v
	}
	return out
}

// Symlink records target as a link to source in the current delta.
func (s *Stack) Symlink(source, target string) error {
	target = clean(target)
	if err := s.view.MkdirAll(path.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create link parent: %w", err)
	}
	if info, err := s.view.Stat(target); err == nil && info.IsDir() {
		return fmt.Errorf("link target %s is a directory", target)
	}
	// A file that exists only in a lower layer cannot be removed; the link
	// table takes precedence over it in Exists, Export and rendering.
	if err := s.view.Remove(target); err != nil && !os.IsNotExist(err) && !errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("replace link target %s: %w", target, err)
	}
	s.pendingLinks[target] = source
	return nil
}

// Exists reports whether p names a file, directory or link in the merged
// view. Links are followed to their source.
func (s *Stack) Exists(p string) bool {
	links := s.Links()
	p = clean(p)
	for hops := 0; hops < 16; hops++ {
		src, ok := links[p]
		if !ok {
			_, err := s.view.Stat(p)
			return err == nil
		}
		if !path.IsAbs(src) {
			src = path.Join(path.Dir(p), src)
		}
		p = clean(src)
	}
	return false
}

// Commit seals the current delta as a layer and opens the next one.
func (s *Stack) Commit(index int, kind string) (Layer, error) {
	digest, files, err := Digest(s.delta, s.pendingLinks)
	if err != nil {
		return Layer{}, fmt.Errorf("digest layer %d: %w", index, err)
	}
	for k, v := range s.pendingLinks {
		s.links[k] = v
	}
	l := Layer{Index: index, Kind: kind, Digest: digest, Files: files}
	s.layers = append(s.layers, l)
	s.begin()
	return l, nil
}

// Scratch returns a throw-away stack over the current merged view. Nothing
// written to it reaches s.
func (s *Stack) Scratch() *Stack {
	return New(s.view, s.Links())
}

// Digest hashes a filesystem tree and its links. Modification times and
// ownership do not contribute.
func Digest(fs afero.Fs, links map[string]string) (string, int, error) {
	h := sha256.New()
	files := 0
	err := afero.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		files++
		writeField(h, []byte(p))
		writeField(h, []byte(fmt.Sprintf("%o", info.Mode())))
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
		h.Write(size[:])
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	targets := make([]string, 0, len(links))
	for t := range links {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, t := range targets {
		files++
		writeField(h, []byte("link:"+t))
		writeField(h, []byte(links[t]))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), files, nil
}

// writeField writes a length-prefixed field so adjacent fields cannot alias.
func writeField(h hash.Hash, data []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(data)))
	h.Write(size[:])
	h.Write(data)
}

func clean(p string) string {
	return path.Clean("/" + p)
}
