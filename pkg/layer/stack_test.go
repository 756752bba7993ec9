package layer

import (
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func baseFS(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/bin/busybox", []byte("busybox"), 0o755); err != nil {
		t.Fatalf("seed base: %v", err)
	}
	if err := fs.MkdirAll("/usr/lib", 0o755); err != nil {
		t.Fatalf("seed base: %v", err)
	}
	return fs
}

func TestStackWritesNeverReachBase(t *testing.T) {
	base := baseFS(t)
	s := New(base, nil)

	if err := s.FS().MkdirAll("/usr/lib/jvm", 0o755); err != nil {
		t.Fatalf("mkdir through view: %v", err)
	}
	if err := afero.WriteFile(s.FS(), "/usr/lib/jvm/release", []byte("17"), 0o644); err != nil {
		t.Fatalf("write through view: %v", err)
	}
	if _, err := s.Commit(0, "InstallPackages"); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if ok, _ := afero.Exists(base, "/usr/lib/jvm/release"); ok {
		t.Fatalf("base filesystem was modified")
	}
	if ok, _ := afero.Exists(s.FS(), "/usr/lib/jvm/release"); !ok {
		t.Fatalf("committed file should stay visible")
	}
}

func writeFile(t *testing.T, fs afero.Fs, p, content string) {
	t.Helper()
	if err := fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path.Dir(p), err)
	}
	if err := afero.WriteFile(fs, p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func TestCommitDigestIsDeterministic(t *testing.T) {
	build := func() Layer {
		s := New(baseFS(t), nil)
		writeFile(t, s.FS(), "/opt/a", "a")
		if err := s.Symlink("/opt/a", "/usr/lib/a"); err != nil {
			t.Fatalf("Symlink returned error: %v", err)
		}
		l, err := s.Commit(0, "LinkFile")
		if err != nil {
			t.Fatalf("Commit returned error: %v", err)
		}
		return l
	}
	a, b := build(), build()
	if a.Digest != b.Digest {
		t.Fatalf("digest differs: %s vs %s", a.Digest, b.Digest)
	}

	s := New(baseFS(t), nil)
	writeFile(t, s.FS(), "/opt/a", "different")
	if err := s.Symlink("/opt/a", "/usr/lib/a"); err != nil {
		t.Fatalf("Symlink returned error: %v", err)
	}
	c, err := s.Commit(0, "LinkFile")
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if c.Digest == a.Digest {
		t.Fatalf("digest should depend on content")
	}
}

func TestSymlinkShadowsBaseFile(t *testing.T) {
	base := baseFS(t)
	if err := afero.WriteFile(base, "/usr/lib/libjli.so", []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed base: %v", err)
	}
	s := New(base, nil)
	if err := s.Symlink("/opt/jdk/libjli.so", "/usr/lib/libjli.so"); err != nil {
		t.Fatalf("Symlink over a base file returned error: %v", err)
	}
	if s.Exists("/usr/lib/libjli.so") {
		t.Fatalf("dangling link must hide the base file it replaced")
	}
	writeFile(t, s.FS(), "/opt/jdk/libjli.so", "elf")
	if !s.Exists("/usr/lib/libjli.so") {
		t.Fatalf("link should resolve once its source exists")
	}
	if _, err := s.Commit(0, "LinkFile"); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	dir := t.TempDir()
	if err := s.Export(dir); err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if target, err := os.Readlink(filepath.Join(dir, "usr", "lib", "libjli.so")); err != nil || target != "/opt/jdk/libjli.so" {
		t.Fatalf("expected exported link, got %q %v", target, err)
	}
}

func TestExistsFollowsLinks(t *testing.T) {
	s := New(baseFS(t), nil)
	if err := s.Symlink("/bin/busybox", "/bin/sh"); err != nil {
		t.Fatalf("Symlink returned error: %v", err)
	}
	if !s.Exists("/bin/sh") {
		t.Fatalf("link to existing file should exist")
	}
	if err := s.Symlink("/missing", "/bin/dangling"); err != nil {
		t.Fatalf("Symlink returned error: %v", err)
	}
	if s.Exists("/bin/dangling") {
		t.Fatalf("dangling link should not exist")
	}
}

func TestScratchIsIsolated(t *testing.T) {
	s := New(baseFS(t), nil)
	scratch := s.Scratch()
	writeFile(t, scratch.FS(), "/tmp/marker", "x")
	if ok, _ := afero.Exists(scratch.FS(), "/tmp/marker"); !ok {
		t.Fatalf("scratch write not visible in scratch")
	}
	if ok, _ := afero.Exists(s.FS(), "/tmp/marker"); ok {
		t.Fatalf("scratch writes leaked into the stack")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New(baseFS(t), nil)
	if err := s.Symlink("busybox", "/bin/sh"); err != nil {
		t.Fatalf("Symlink returned error: %v", err)
	}
	dir := t.TempDir()
	if err := s.Export(dir); err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if target, err := os.Readlink(filepath.Join(dir, "bin", "sh")); err != nil || target != "busybox" {
		t.Fatalf("expected exported link, got %q %v", target, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "usr", "lib", "generated"), []byte("new"), 0o644); err != nil {
		t.Fatalf("write host file: %v", err)
	}
	if err := s.Import(dir); err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	data, err := afero.ReadFile(s.FS(), "/usr/lib/generated")
	if err != nil || string(data) != "new" {
		t.Fatalf("imported file missing: %q %v", data, err)
	}
	l, err := s.Commit(0, "RunCommand")
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if l.Files == 0 {
		t.Fatalf("expected imported changes in the layer")
	}
}
