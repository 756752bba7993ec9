package buildspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Compile validates spec and flattens it into a BuildPlan. baseEnv is the
// environment table of the resolved base image; it seeds the closure. On
// failure a *SpecError is returned and no plan.
func Compile(spec *BuildSpec, baseEnv map[string]string) (*BuildPlan, error) {
	if spec == nil {
		return nil, specErrorf(0, "nil build spec")
	}
	if strings.TrimSpace(spec.BaseImage) == "" {
		return nil, specErrorf(0, "missing base image")
	}
	if len(spec.Steps) == 0 {
		return nil, specErrorf(0, "empty step list")
	}
	if spec.Verification == nil {
		return nil, specErrorf(0, "missing verification step")
	}
	if spec.Verification.Kind != KindRunCommand {
		return nil, specErrorf(spec.Verification.Line, "verification must be a command, got %s", spec.Verification.Kind)
	}

	seeded, err := resolveClosure(spec.Environment, baseEnv)
	if err != nil {
		return nil, specErrorf(0, "%v", err)
	}
	env := copyEnv(baseEnv)
	for k, v := range seeded {
		env[k] = v
	}

	plan := &BuildPlan{
		Name:      spec.Name,
		BaseImage: spec.BaseImage,
		Steps:     make([]PlannedStep, 0, len(spec.Steps)),
	}
	for i, step := range spec.Steps {
		if err := validateStep(step); err != nil {
			return nil, err
		}
		expanded, err := expandStep(step, env)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, PlannedStep{Index: i, Step: expanded, Env: copyEnv(env)})
		if step.Kind == KindSetEnv {
			env[expanded.Name] = expanded.Value
		}
	}

	if err := validateStep(*spec.Verification); err != nil {
		return nil, err
	}
	verify, err := expandStep(*spec.Verification, env)
	if err != nil {
		return nil, err
	}
	plan.Verification = PlannedStep{Index: len(spec.Steps), Step: verify, Env: copyEnv(env)}
	plan.Env = copyEnv(env)

	for _, arg := range spec.Cmd {
		value, err := Expand(arg, env)
		if err != nil {
			return nil, specErrorf(0, "CMD: %v", err)
		}
		plan.Cmd = append(plan.Cmd, value)
	}
	return plan, nil
}

func validateStep(step Step) error {
	switch step.Kind {
	case KindInstallPackages:
		if len(step.Packages) == 0 {
			return specErrorf(step.Line, "InstallPackages requires at least one package")
		}
		for _, name := range step.Packages {
			if strings.TrimSpace(name) == "" {
				return specErrorf(step.Line, "InstallPackages has an empty package name")
			}
		}
	case KindSetEnv:
		if !validName(step.Name) {
			return specErrorf(step.Line, "SetEnv has invalid variable name %q", step.Name)
		}
	case KindRunCommand:
		if len(step.Argv) == 0 || strings.TrimSpace(step.Argv[0]) == "" {
			return specErrorf(step.Line, "RunCommand requires a command")
		}
		if step.Timeout < 0 {
			return specErrorf(step.Line, "RunCommand timeout must not be negative")
		}
	case KindLinkFile:
		if strings.TrimSpace(step.Source) == "" || strings.TrimSpace(step.Target) == "" {
			return specErrorf(step.Line, "LinkFile requires source and target")
		}
	default:
		return specErrorf(step.Line, "unknown step kind %q", step.Kind)
	}
	return nil
}

func expandStep(step Step, env map[string]string) (Step, error) {
	wrap := func(err error) error {
		return specErrorf(step.Line, "%s: %v", step.Kind, err)
	}
	out := step
	switch step.Kind {
	case KindSetEnv:
		v, err := Expand(step.Value, env)
		if err != nil {
			return Step{}, wrap(err)
		}
		out.Value = v
	case KindRunCommand:
		out.Argv = make([]string, len(step.Argv))
		for i, arg := range step.Argv {
			v, err := Expand(arg, env)
			if err != nil {
				return Step{}, wrap(err)
			}
			out.Argv[i] = v
		}
	case KindLinkFile:
		src, err := Expand(step.Source, env)
		if err != nil {
			return Step{}, wrap(err)
		}
		dst, err := Expand(step.Target, env)
		if err != nil {
			return Step{}, wrap(err)
		}
		out.Source, out.Target = src, dst
	case KindInstallPackages:
		out.Packages = append([]string(nil), step.Packages...)
	}
	return out, nil
}

// Fingerprint is a stable digest of everything in the plan that influences
// the produced image.
func (p *BuildPlan) Fingerprint() string {
	type canonical struct {
		Base         string            `json:"base"`
		Steps        []Step            `json:"steps"`
		Verification Step              `json:"verification"`
		Env          map[string]string `json:"env"`
		Cmd          []string          `json:"cmd"`
	}
	c := canonical{Base: p.BaseImage, Verification: p.Verification.Step, Env: p.Env, Cmd: p.Cmd}
	for _, s := range p.Steps {
		c.Steps = append(c.Steps, s.Step)
	}
	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("buildspec: marshal plan: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
