// Package runner executes build commands against a layer view.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/layer"
)

// ExitNotFound is reported when the command cannot be located in the image.
const ExitNotFound = 127

const maxOutput = 64 << 10

// Request describes one command invocation inside an image.
type Request struct {
	Argv    []string
	Env     map[string]string
	Timeout time.Duration
}

// Result is the observed outcome of a command.
type Result struct {
	ExitCode int
	Output   []byte
	TimedOut bool
}

// Runner executes a request with the stack as its root filesystem. Files the
// command creates or changes are written back into the stack's current delta.
type Runner interface {
	Run(ctx context.Context, stack *layer.Stack, req Request) (Result, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, stack *layer.Stack, req Request) (Result, error)

func (f Func) Run(ctx context.Context, stack *layer.Stack, req Request) (Result, error) {
	return f(ctx, stack, req)
}

// Isolation selects how a command is confined to the exported image root.
type Isolation string

const (
	// IsolationUserNS chroots into the root from a new user and mount
	// namespace in which the builder's uid is mapped to root. It needs no
	// privileges on the host.
	IsolationUserNS Isolation = "userns"
	// IsolationChroot chroots without a namespace and needs CAP_SYS_CHROOT.
	IsolationChroot Isolation = "chroot"
)

// Validate rejects unknown isolation modes. The empty mode means userns.
func (i Isolation) Validate() error {
	switch i {
	case "", IsolationUserNS, IsolationChroot:
		return nil
	}
	return fmt.Errorf("unknown isolation %q (want userns or chroot)", string(i))
}

// ErrIsolationUnavailable is returned when the host cannot confine a command
// to the image root. Commands are never run against the host filesystem
// instead.
var ErrIsolationUnavailable = errors.New("command isolation unavailable")

// HostRunner materialises the view into a scratch directory and runs the
// command with that directory as its root, so absolute paths written by the
// command land in the image.
type HostRunner struct {
	WorkDir        string
	Isolation      Isolation
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

func (r *HostRunner) Run(ctx context.Context, stack *layer.Stack, req Request) (Result, error) {
	if len(req.Argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := os.MkdirTemp(r.WorkDir, "run-")
	if err != nil {
		return Result{}, fmt.Errorf("create run root: %w", err)
	}
	defer os.RemoveAll(root)

	if err := stack.Export(root); err != nil {
		return Result{}, err
	}

	imagePath, ok := lookPath(root, req.Argv[0], req.Env["PATH"])
	if !ok {
		msg := fmt.Sprintf("%s: command not found\n", req.Argv[0])
		return Result{ExitCode: ExitNotFound, Output: []byte(msg)}, nil
	}

	attr, err := sysProcAttr(r.Isolation, root)
	if err != nil {
		return Result{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, imagePath, req.Argv[1:]...)
	cmd.Dir = "/"
	cmd.Env = envList(req.Env)
	cmd.SysProcAttr = attr
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debug("running command",
		zap.Strings("argv", req.Argv),
		zap.String("isolation", string(r.Isolation)),
		zap.Duration("timeout", timeout))
	if err := cmd.Start(); err != nil {
		if isolationFailure(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
		}
		code := 126
		if errors.Is(err, syscall.ENOENT) {
			code = ExitNotFound
		}
		return Result{ExitCode: code, Output: []byte(err.Error() + "\n")}, nil
	}
	runErr := cmd.Wait()

	res := Result{Output: tail(out.Bytes())}
	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		res.Output = append(res.Output, []byte(fmt.Sprintf("\ncommand timed out after %s\n", timeout))...)
		return res, nil
	case ctx.Err() != nil:
		return Result{}, ctx.Err()
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("wait for command: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	if err := stack.Import(root); err != nil {
		return Result{}, fmt.Errorf("collect command changes: %w", err)
	}
	return res, nil
}

// isolationFailure reports start errors caused by the sandbox setup rather
// than by the command itself.
func isolationFailure(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL)
}

// lookPath finds name inside root using the image PATH and returns its path
// inside the image. Links are followed within root, never on the host.
func lookPath(root, name, imagePATH string) (string, bool) {
	if strings.Contains(name, "/") {
		p := path.Clean("/" + name)
		return p, resolveInRoot(root, p)
	}
	for _, dir := range filepath.SplitList(imagePATH) {
		if dir == "" {
			continue
		}
		p := path.Join("/", dir, name)
		if resolveInRoot(root, p) {
			return p, true
		}
	}
	return "", false
}

func resolveInRoot(root, p string) bool {
	for hops := 0; hops < 16; hops++ {
		host := filepath.Join(root, filepath.FromSlash(p))
		info, err := os.Lstat(host)
		if err != nil {
			return false
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
		}
		target, err := os.Readlink(host)
		if err != nil {
			return false
		}
		if path.IsAbs(target) {
			p = path.Clean(target)
		} else {
			p = path.Join(path.Dir(p), target)
		}
	}
	return false
}

// envList renders the image environment only; the builder's own process
// environment is never inherited.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

func tail(b []byte) []byte {
	if len(b) <= maxOutput {
		return append([]byte(nil), b...)
	}
	return append([]byte(nil), b[len(b)-maxOutput:]...)
}
