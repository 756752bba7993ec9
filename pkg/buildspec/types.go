package buildspec

import (
	"strings"
	"time"
)

// StepKind identifies one of the closed set of build step variants.
type StepKind string

const (
	KindInstallPackages StepKind = "InstallPackages"
	KindSetEnv          StepKind = "SetEnv"
	KindRunCommand      StepKind = "RunCommand"
	KindLinkFile        StepKind = "LinkFile"
)

// Step is a tagged variant; only the fields belonging to Kind are meaningful.
type Step struct {
	Kind StepKind `json:"kind"`
	// Line is the source line of the directive, zero for programmatic specs.
	Line int `json:"-"`

	Packages []string `json:"packages,omitempty"`

	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`

	Argv         []string      `json:"argv,omitempty"`
	ExpectedExit int           `json:"expected_exit,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// InstallPackages returns a step installing the named packages.
func InstallPackages(names ...string) Step {
	return Step{Kind: KindInstallPackages, Packages: append([]string(nil), names...)}
}

// SetEnv returns a step assigning an image environment variable.
func SetEnv(name, value string) Step {
	return Step{Kind: KindSetEnv, Name: name, Value: value}
}

// RunCommand returns a step running argv, expecting exit code zero.
func RunCommand(argv ...string) Step {
	return Step{Kind: KindRunCommand, Argv: append([]string(nil), argv...)}
}

// LinkFile returns a step creating a symlink at target pointing to source.
func LinkFile(source, target string) Step {
	return Step{Kind: KindLinkFile, Source: source, Target: target}
}

// Describe renders the step the way it is reported in logs and errors.
func (s Step) Describe() string {
	switch s.Kind {
	case KindInstallPackages:
		return "INSTALL " + joinArgs(s.Packages)
	case KindSetEnv:
		return "ENV " + s.Name + "=" + s.Value
	case KindRunCommand:
		return "RUN " + joinArgs(s.Argv)
	case KindLinkFile:
		return "LINK " + s.Source + " " + s.Target
	default:
		return string(s.Kind)
	}
}

// BuildSpec is the declarative description of one runtime image.
type BuildSpec struct {
	Name        string            `json:"name"`
	BaseImage   string            `json:"base_image"`
	Steps       []Step            `json:"steps"`
	Environment map[string]string `json:"environment,omitempty"`
	// Verification must be a RunCommand; it gates publication.
	Verification *Step   `json:"verification"`
	Cmd          []string `json:"cmd,omitempty"`
}

// PlannedStep is a step with every variable reference expanded and the
// environment it observes when executed.
type PlannedStep struct {
	Index int `json:"index"`
	Step
	Env map[string]string `json:"env"`
}

// BuildPlan is the flattened, validated form of a BuildSpec.
type BuildPlan struct {
	Name         string            `json:"name"`
	BaseImage    string            `json:"base_image"`
	Steps        []PlannedStep     `json:"steps"`
	Verification PlannedStep       `json:"verification"`
	Env          map[string]string `json:"env"`
	Cmd          []string          `json:"cmd,omitempty"`
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
