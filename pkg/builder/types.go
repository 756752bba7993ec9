package builder

import "time"

// Status represents the lifecycle state of a rootfs build. Queued precedes
// the pipeline; the rest mirror pipeline states.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusParsed    Status = "parsed"
	StatusValidated Status = "validated"
	StatusExecuting Status = "executing"
	StatusVerifying Status = "verifying"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusPublished || s == StatusFailed
}

// Build describes a rootfs build tracked by the builder service.
type Build struct {
	ID        string `json:"id"`
	SpecName  string `json:"spec_name"`
	Name      string `json:"name,omitempty"`
	BaseImage string `json:"base_image,omitempty"`
	Status    Status `json:"status"`
	// Step is the index of the step being executed or that failed; -1
	// outside step execution.
	Step       int       `json:"step"`
	Digest     string    `json:"digest,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// CreateRequest captures the payload needed to request a new build.
type CreateRequest struct {
	// Spec is the directive text of the build.
	Spec     string `json:"spec"`
	SpecName string `json:"spec_name,omitempty"`
	// Base overrides the FROM reference of Spec.
	Base string `json:"base,omitempty"`
	// Name tags the published artifact.
	Name string `json:"name,omitempty"`
}
