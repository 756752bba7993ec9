package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vyvo/compute/rootfs/pkg/buildspec"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadKeepsJavaEntriesSeparate(t *testing.T) {
	path := writeCatalog(t, `
base: firecracker-base:1
entries:
  - name: languages/java
    spec: languages/java.rootfs
  - name: runners/java
    spec: runners/java.rootfs
    tag: java-runner-17
    base: firecracker-base:2
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	lang, ok := c.Lookup("languages/java")
	if !ok || lang.Tag != "languages-java" || lang.Base != "firecracker-base:1" {
		t.Fatalf("unexpected entry %+v", lang)
	}
	runner, ok := c.Lookup("/runners/java")
	if !ok || runner.Tag != "java-runner-17" || runner.Base != "firecracker-base:2" {
		t.Fatalf("unexpected entry %+v", runner)
	}
	if got := c.SpecPath(runner); got != filepath.Join(filepath.Dir(path), "runners/java.rootfs") {
		t.Fatalf("unexpected spec path %q", got)
	}
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"empty":          "entries: []\n",
		"missing spec":   "entries:\n  - name: languages/go\n",
		"duplicate name": "entries:\n  - {name: a, spec: a.rootfs}\n  - {name: a, spec: b.rootfs}\n",
		"shared tag":     "entries:\n  - {name: a, spec: a.rootfs, tag: x}\n  - {name: b, spec: b.rootfs, tag: x}\n",
		"bad yaml":       "entries: [\n",
	}
	for name, body := range cases {
		if _, err := Load(writeCatalog(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestShippedCatalogCompiles(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "runtimes", "catalog.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	for _, name := range []string{"languages/java", "runners/java", "languages/go", "languages/c", "runners/cpp"} {
		e, ok := c.Lookup(name)
		if !ok {
			t.Fatalf("catalog is missing %s", name)
		}
		spec, err := buildspec.ParseFile(c.SpecPath(e))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := buildspec.Compile(spec, map[string]string{"PATH": "/usr/bin:/bin"}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
}
