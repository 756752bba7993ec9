// Package pipeline turns a build spec into a published rootfs artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
	"github.com/vyvo/compute/rootfs/pkg/baseimage"
	"github.com/vyvo/compute/rootfs/pkg/buildspec"
	"github.com/vyvo/compute/rootfs/pkg/layer"
	"github.com/vyvo/compute/rootfs/pkg/pkgrepo"
	"github.com/vyvo/compute/rootfs/pkg/runner"
)

const DefaultCommandTimeout = 2 * time.Minute

var tracer = otel.Tracer("github.com/vyvo/compute/rootfs/pkg/pipeline")

// Pipeline holds the shared inputs of every build. A Pipeline is safe for
// concurrent Build calls; each build works on its own layer stack.
type Pipeline struct {
	Images   baseimage.Resolver
	Packages *pkgrepo.Installer
	Runner   runner.Runner
	Store    artifact.Store
	Logger   *zap.Logger
	// WorkDir holds the rendered rootfs until it is stored. Empty means the
	// system temp dir.
	WorkDir        string
	CommandTimeout time.Duration
}

// Options tune one build.
type Options struct {
	// Name tags the published artifact. Empty publishes by digest only.
	Name string
	// BaseOverride replaces the spec's FROM reference.
	BaseOverride string
	Observer     Observer
}

// Build executes spec and publishes the result. Errors are *buildspec.SpecError
// before execution starts, *StepError for a failing step and
// *VerificationError when the finished image does not verify.
func (p *Pipeline) Build(ctx context.Context, spec *buildspec.BuildSpec, opts Options) (art *artifact.ImageArtifact, err error) {
	logger := p.logger()
	obs := opts.Observer
	if spec == nil {
		return nil, &buildspec.SpecError{Reason: "nil build spec"}
	}

	ctx, span := tracer.Start(ctx, "rootfs.build", trace.WithAttributes(
		attribute.String("rootfs.spec", spec.Name),
		attribute.String("rootfs.name", opts.Name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			obs.emit(StateFailed, -1, err.Error())
			logger.Warn("rootfs build failed", zap.String("spec", spec.Name), zap.Error(err))
		}
		span.End()
	}()
	obs.emit(StateParsed, -1, fmt.Sprintf("spec %s parsed with %d steps", spec.Name, len(spec.Steps)))

	resolved := *spec
	if opts.BaseOverride != "" {
		resolved.BaseImage = opts.BaseOverride
	}
	if strings.TrimSpace(resolved.BaseImage) == "" {
		return nil, &buildspec.SpecError{Reason: "missing base image"}
	}
	img, err := p.Images.Resolve(ctx, resolved.BaseImage)
	if err != nil {
		if errors.Is(err, baseimage.ErrImageNotFound) {
			return nil, &buildspec.SpecError{Reason: fmt.Sprintf("unresolvable base image %q", resolved.BaseImage)}
		}
		return nil, fmt.Errorf("resolve base image: %w", err)
	}
	plan, err := buildspec.Compile(&resolved, img.Env)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("rootfs.base_digest", img.Digest))
	obs.emit(StateValidated, -1, fmt.Sprintf("base %s resolved to %s", img.Ref, img.Digest))

	stack := layer.New(img.FS, img.Links)
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, &StepError{Index: step.Index, Kind: step.Kind, Reason: "cancelled", Err: err}
		}
		obs.emit(StateExecuting, step.Index, step.Describe())
		if err := p.runStep(ctx, stack, step, obs); err != nil {
			return nil, err
		}
		l, err := stack.Commit(step.Index, string(step.Kind))
		if err != nil {
			return nil, &StepError{Index: step.Index, Kind: step.Kind, Reason: "commit layer", Err: err}
		}
		logger.Debug("layer committed", zap.Int("index", l.Index), zap.String("kind", l.Kind), zap.String("digest", l.Digest))
	}

	obs.emit(StateVerifying, plan.Verification.Index, plan.Verification.Describe())
	if err := p.verify(ctx, stack, plan.Verification, obs); err != nil {
		return nil, err
	}

	art, err = p.publish(ctx, stack, plan, img, opts.Name)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("rootfs.digest", art.Digest))
	obs.emit(StatePublished, -1, fmt.Sprintf("published %s", art.Digest))
	logger.Info("rootfs published",
		zap.String("spec", spec.Name),
		zap.String("name", opts.Name),
		zap.String("digest", art.Digest),
		zap.Int64("size", art.Size),
	)
	return art, nil
}

func (p *Pipeline) runStep(ctx context.Context, stack *layer.Stack, step buildspec.PlannedStep, obs Observer) error {
	ctx, span := tracer.Start(ctx, "rootfs.step", trace.WithAttributes(
		attribute.Int("rootfs.step.index", step.Index),
		attribute.String("rootfs.step.kind", string(step.Kind)),
	))
	defer span.End()

	fail := func(e *StepError) error {
		e.Index, e.Kind = step.Index, step.Kind
		span.SetStatus(codes.Error, e.Error())
		return e
	}

	switch step.Kind {
	case buildspec.KindInstallPackages:
		if p.Packages == nil {
			return fail(&StepError{Reason: "no package source configured"})
		}
		res, err := p.Packages.Install(ctx, stack.FS(), step.Packages)
		if err != nil {
			reason := "install failed"
			switch {
			case errors.Is(err, pkgrepo.ErrPackageNotFound):
				reason = "unknown package"
			case ctx.Err() != nil:
				reason = "cancelled"
			}
			return fail(&StepError{Reason: reason, Err: err})
		}
		if len(res.Verified) > 0 {
			obs.emit(StateExecuting, step.Index, "already installed: "+strings.Join(res.Verified, " "))
		}
		if len(res.Installed) > 0 {
			obs.emit(StateExecuting, step.Index, "installed: "+strings.Join(res.Installed, " "))
		}
	case buildspec.KindSetEnv:
		// The compiled plan already carries the value into later snapshots.
	case buildspec.KindRunCommand:
		res, err := p.run(ctx, stack, step)
		if err != nil {
			return fail(runError(ctx, step, err))
		}
		if len(res.Output) > 0 {
			obs.emit(StateExecuting, step.Index, string(res.Output))
		}
		switch {
		case res.TimedOut:
			return fail(&StepError{Command: step.Argv, ExitCode: res.ExitCode, Output: string(res.Output), Reason: "timed out"})
		case res.ExitCode != step.ExpectedExit:
			return fail(&StepError{
				Command:  step.Argv,
				ExitCode: res.ExitCode,
				Output:   string(res.Output),
				Reason:   fmt.Sprintf("exit code %d, expected %d", res.ExitCode, step.ExpectedExit),
			})
		}
	case buildspec.KindLinkFile:
		source := step.Source
		if !path.IsAbs(source) {
			source = path.Join(path.Dir(step.Target), source)
		}
		if !stack.Exists(source) {
			return fail(&StepError{Reason: "missing source", Err: fmt.Errorf("%s does not exist", step.Source)})
		}
		if err := stack.Symlink(step.Source, step.Target); err != nil {
			return fail(&StepError{Reason: "link failed", Err: err})
		}
	default:
		return fail(&StepError{Reason: fmt.Sprintf("unsupported step kind %q", step.Kind)})
	}
	return nil
}

// verify runs the verification command on a throw-away view, so the image
// is never mutated by it.
func (p *Pipeline) verify(ctx context.Context, stack *layer.Stack, step buildspec.PlannedStep, obs Observer) error {
	ctx, span := tracer.Start(ctx, "rootfs.verify")
	defer span.End()

	res, err := p.run(ctx, stack.Scratch(), step)
	if err != nil {
		return runError(ctx, step, err)
	}
	if len(res.Output) > 0 {
		obs.emit(StateVerifying, step.Index, string(res.Output))
	}
	if res.TimedOut || res.ExitCode != step.ExpectedExit {
		span.SetStatus(codes.Error, "verification failed")
		return &VerificationError{Command: step.Argv, ExitCode: res.ExitCode, Output: string(res.Output), TimedOut: res.TimedOut}
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, stack *layer.Stack, step buildspec.PlannedStep) (runner.Result, error) {
	if p.Runner == nil {
		return runner.Result{}, errors.New("no command runner configured")
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = p.CommandTimeout
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return p.Runner.Run(ctx, stack, runner.Request{Argv: step.Argv, Env: step.Env, Timeout: timeout})
}

func runError(ctx context.Context, step buildspec.PlannedStep, err error) *StepError {
	if cerr := ctx.Err(); cerr != nil {
		return &StepError{Index: step.Index, Kind: step.Kind, Command: step.Argv, Reason: "cancelled", Err: cerr}
	}
	return &StepError{Index: step.Index, Kind: step.Kind, Command: step.Argv, Reason: "command could not run", Err: err}
}

func (p *Pipeline) publish(ctx context.Context, stack *layer.Stack, plan *buildspec.BuildPlan, img *baseimage.Image, name string) (*artifact.ImageArtifact, error) {
	ctx, span := tracer.Start(ctx, "rootfs.publish")
	defer span.End()

	if p.Store == nil {
		return nil, errors.New("no artifact store configured")
	}
	packages, err := pkgrepo.Installed(stack.FS())
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(p.WorkDir, "rootfs-*.tar.zst")
	if err != nil {
		return nil, fmt.Errorf("create render file: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(f.Name())
	}()

	rootfsDigest, err := artifact.Render(stack, plan.Env, f)
	if err != nil {
		return nil, fmt.Errorf("render rootfs: %w", err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	art := &artifact.ImageArtifact{
		Name:            name,
		Base:            plan.BaseImage,
		BaseDigest:      img.Digest,
		PlanFingerprint: plan.Fingerprint(),
		RootfsDigest:    rootfsDigest,
		Size:            size,
		Env:             plan.Env,
		Packages:        packages,
		Layers:          stack.Layers(),
		Cmd:             plan.Cmd,
		PublishedAt:     time.Now().UTC(),
	}
	if err := art.Seal(); err != nil {
		return nil, err
	}
	if err := p.Store.Put(ctx, art, f, size); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	if name != "" {
		if err := p.Store.Tag(ctx, name, art.Digest); err != nil {
			return nil, fmt.Errorf("tag artifact: %w", err)
		}
	}
	return art, nil
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
