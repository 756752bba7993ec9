package pipeline

import (
	"fmt"
	"strings"

	"github.com/vyvo/compute/rootfs/pkg/buildspec"
)

// StepError reports the step that stopped a build.
type StepError struct {
	Index    int
	Kind     buildspec.StepKind
	Command  []string
	ExitCode int
	Output   string
	Reason   string
	Err      error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d (%s)", e.Index, e.Kind)
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, " %q", strings.Join(e.Command, " "))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

// VerificationError means the finished image failed its verification command.
// Nothing is published.
type VerificationError struct {
	Command  []string
	ExitCode int
	Output   string
	TimedOut bool
}

func (e *VerificationError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("verification %q timed out", strings.Join(e.Command, " "))
	}
	return fmt.Sprintf("verification %q exited %d", strings.Join(e.Command, " "), e.ExitCode)
}
