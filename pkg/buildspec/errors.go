package buildspec

import "fmt"

// SpecError reports malformed or invalid declarative input. It is raised
// before anything executes.
type SpecError struct {
	Line   int
	Reason string
}

func (e *SpecError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("spec error: line %d: %s", e.Line, e.Reason)
	}
	return "spec error: " + e.Reason
}

func specErrorf(line int, format string, args ...any) *SpecError {
	return &SpecError{Line: line, Reason: fmt.Sprintf(format, args...)}
}
