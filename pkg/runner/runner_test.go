package runner

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/vyvo/compute/rootfs/pkg/layer"
)

// helperMode makes the test binary act as a command inside the image.
const helperMode = "RUNNER_HELPER_MODE"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperMode); mode != "" {
		os.Exit(helperMain(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

func helperMain(mode string, args []string) int {
	switch mode {
	case "greet":
		fmt.Printf("hello %s secret=%s\n", os.Getenv("GREETING"), os.Getenv("ROOTFS_HOST_SECRET"))
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		code, _ := strconv.Atoi(args[0])
		return code
	case "spin":
		for {
			time.Sleep(time.Second)
		}
	case "gen":
		if err := os.WriteFile("marker", []byte("generated\n"), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	case "mkdir":
		if err := os.MkdirAll(filepath.Join(args[0], "src"), 0o755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := os.WriteFile(filepath.Join(args[0], "src", "marker"), []byte("x"), 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %s\n", mode)
		return 2
	}
	return 0
}

// helperStack returns a stack holding this test binary at /bin/helper plus
// the loader and shared libraries it links against, and the environment
// needed to run it from the image root.
func helperStack(t *testing.T) (*layer.Stack, map[string]string) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("command isolation is linux only")
	}
	self, err := os.Executable()
	if err != nil {
		t.Skipf("locate test binary: %v", err)
	}
	libs, err := sharedObjects(self)
	if err != nil {
		t.Skipf("resolve shared objects: %v", err)
	}

	fs := afero.NewMemMapFs()
	copyIn(t, fs, self, "/bin/helper")
	env := map[string]string{"PATH": "/bin"}
	var dirs []string
	seen := map[string]bool{}
	for _, lib := range libs {
		copyIn(t, fs, lib, lib)
		if dir := path.Dir(lib); !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	if len(dirs) > 0 {
		env["LD_LIBRARY_PATH"] = strings.Join(dirs, ":")
	}
	return layer.New(fs, nil), env
}

func copyIn(t *testing.T, fs afero.Fs, hostPath, imagePath string) {
	t.Helper()
	data, err := os.ReadFile(hostPath)
	if err != nil {
		t.Skipf("read %s: %v", hostPath, err)
	}
	if err := fs.MkdirAll(path.Dir(imagePath), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path.Dir(imagePath), err)
	}
	if err := afero.WriteFile(fs, imagePath, data, 0o755); err != nil {
		t.Fatalf("write %s: %v", imagePath, err)
	}
}

var libraryDirs = []string{
	"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu", "/usr/lib/aarch64-linux-gnu",
	"/lib64", "/usr/lib64", "/lib", "/usr/lib",
}

// sharedObjects lists the ELF interpreter and the transitive DT_NEEDED
// libraries of bin. A static binary has none.
func sharedObjects(bin string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(p string) bool {
		if seen[p] {
			return false
		}
		seen[p] = true
		out = append(out, p)
		return true
	}
	var visit func(string) error
	visit = func(p string) error {
		f, err := elf.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		for _, prog := range f.Progs {
			if prog.Type != elf.PT_INTERP {
				continue
			}
			data := make([]byte, prog.Filesz)
			if _, err := prog.ReadAt(data, 0); err != nil {
				return err
			}
			add(strings.TrimRight(string(data), "\x00"))
		}
		names, err := f.ImportedLibraries()
		if err != nil {
			return err
		}
		for _, name := range names {
			lib := ""
			for _, dir := range libraryDirs {
				if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
					lib = path.Join(dir, name)
					break
				}
			}
			if lib == "" {
				return fmt.Errorf("library %s not found", name)
			}
			if add(lib) {
				if err := visit(lib); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return out, visit(bin)
}

func newRunner(t *testing.T) *HostRunner {
	return &HostRunner{WorkDir: t.TempDir(), DefaultTimeout: 10 * time.Second}
}

// run executes req and skips the test when the host cannot isolate commands.
func run(t *testing.T, stack *layer.Stack, req Request) Result {
	t.Helper()
	res, err := newRunner(t).Run(context.Background(), stack, req)
	if errors.Is(err, ErrIsolationUnavailable) {
		t.Skipf("isolation unavailable on this host: %v", err)
	}
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return res
}

func withMode(env map[string]string, mode string, extra map[string]string) map[string]string {
	out := map[string]string{helperMode: mode}
	for k, v := range env {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestHostRunnerInjectsImageEnvOnly(t *testing.T) {
	t.Setenv("ROOTFS_HOST_SECRET", "leak")
	stack, env := helperStack(t)
	res := run(t, stack, Request{
		Argv: []string{"helper"},
		Env:  withMode(env, "greet", map[string]string{"GREETING": "world"}),
	})
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d: %s", res.ExitCode, res.Output)
	}
	if got := strings.TrimSpace(string(res.Output)); got != "hello world secret=" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestHostRunnerReportsExitCode(t *testing.T) {
	stack, env := helperStack(t)
	res := run(t, stack, Request{Argv: []string{"/bin/helper", "3"}, Env: withMode(env, "fail", nil)})
	if res.ExitCode != 3 || !strings.Contains(string(res.Output), "boom") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHostRunnerMissingCommand(t *testing.T) {
	stack := layer.New(afero.NewMemMapFs(), nil)
	res, err := newRunner(t).Run(context.Background(), stack, Request{
		Argv: []string{"javac", "-version"},
		Env:  map[string]string{"PATH": "/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.ExitCode != ExitNotFound {
		t.Fatalf("expected exit %d, got %d", ExitNotFound, res.ExitCode)
	}
}

func TestHostRunnerTimeout(t *testing.T) {
	stack, env := helperStack(t)
	res := run(t, stack, Request{
		Argv:    []string{"/bin/helper"},
		Env:     withMode(env, "spin", nil),
		Timeout: 200 * time.Millisecond,
	})
	if !res.TimedOut || res.ExitCode == 0 {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestHostRunnerImportsChanges(t *testing.T) {
	stack, env := helperStack(t)
	res := run(t, stack, Request{Argv: []string{"/bin/helper"}, Env: withMode(env, "gen", nil)})
	if res.ExitCode != 0 {
		t.Fatalf("Run failed: %+v", res)
	}
	data, err := afero.ReadFile(stack.FS(), "/marker")
	if err != nil || strings.TrimSpace(string(data)) != "generated" {
		t.Fatalf("command output not imported: %q %v", data, err)
	}
}

func TestHostRunnerAbsoluteWritesStayInImage(t *testing.T) {
	stack, env := helperStack(t)
	hostDir := t.TempDir()
	res := run(t, stack, Request{Argv: []string{"/bin/helper", hostDir}, Env: withMode(env, "mkdir", nil)})
	if res.ExitCode != 0 {
		t.Fatalf("Run failed: %d %s", res.ExitCode, res.Output)
	}
	if _, err := os.Stat(filepath.Join(hostDir, "src")); !os.IsNotExist(err) {
		t.Fatalf("command wrote to the host filesystem: %v", err)
	}
	if ok, _ := afero.Exists(stack.FS(), path.Join(filepath.ToSlash(hostDir), "src", "marker")); !ok {
		t.Fatalf("absolute write missing from the image")
	}
}

func TestHostRunnerFollowsLinksInsideRoot(t *testing.T) {
	stack, env := helperStack(t)
	if err := stack.Symlink("/bin/helper", "/usr/bin/java"); err != nil {
		t.Fatalf("Symlink returned error: %v", err)
	}
	env["PATH"] = "/usr/bin"
	res := run(t, stack, Request{Argv: []string{"java", "-version"}, Env: withMode(env, "greet", nil)})
	if res.ExitCode != 0 {
		t.Fatalf("Run failed: %+v", res)
	}
}

func TestIsolationValidate(t *testing.T) {
	for _, mode := range []Isolation{"", IsolationUserNS, IsolationChroot} {
		if err := mode.Validate(); err != nil {
			t.Fatalf("%q rejected: %v", mode, err)
		}
	}
	if err := Isolation("host").Validate(); err == nil {
		t.Fatalf("unknown isolation accepted")
	}
}
