package layer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// Export writes the merged view into dir on the host filesystem so a process
// can run against it.
func (s *Stack) Export(dir string) error {
	links := s.Links()
	err := afero.Walk(s.view, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if _, isLink := links[p]; isLink {
			return nil
		}
		dst := filepath.Join(dir, filepath.FromSlash(p))
		switch {
		case info.IsDir():
			return os.MkdirAll(dst, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyOut(s.view, p, dst, info.Mode().Perm())
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("export layer view: %w", err)
	}

	for _, target := range sortedKeys(links) {
		dst := filepath.Join(dir, filepath.FromSlash(target))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		_ = os.Remove(dst)
		if err := os.Symlink(links[target], dst); err != nil {
			return fmt.Errorf("export link %s: %w", target, err)
		}
	}
	return nil
}

// Import brings files created or changed under dir back into the current
// delta. Deletions made on the host are not propagated.
func (s *Stack) Import(dir string) error {
	known := s.Links()
	return filepath.Walk(dir, func(hostPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, hostPath)
		if err != nil {
			return err
		}
		p := clean(filepath.ToSlash(rel))

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			src, err := os.Readlink(hostPath)
			if err != nil {
				return err
			}
			if known[p] != src {
				s.pendingLinks[p] = src
			}
		case info.IsDir():
			if _, err := s.view.Stat(p); err != nil {
				return s.view.MkdirAll(p, info.Mode().Perm())
			}
		case info.Mode().IsRegular():
			data, err := os.ReadFile(hostPath)
			if err != nil {
				return err
			}
			if current, err := afero.ReadFile(s.view, p); err == nil && bytes.Equal(current, data) {
				if st, err := s.view.Stat(p); err == nil && st.Mode().Perm() == info.Mode().Perm() {
					return nil
				}
			}
			if err := afero.WriteFile(s.view, p, data, info.Mode().Perm()); err != nil {
				return err
			}
			return s.view.Chmod(p, info.Mode().Perm())
		}
		return nil
	})
}

func copyOut(fs afero.Fs, src, dst string, perm os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
