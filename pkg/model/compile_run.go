// Package model defines the domain types shared between the driver, the
// run-record repository and external consumers.
package model

import "time"

// RunStatus is the lifecycle state of a compilation run record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// CompileRun is one recorded compilation run.
type CompileRun struct {
	ID             int64
	UUID           string
	InstructionSet string
	Image          bool
	Containers     int
	ThreadCount    int

	Status     RunStatus
	StatusInfo string

	ClassesResolved int64
	ClassesVerified int64
	MethodsCompiled int64
	PatchCount      int64

	OutputPath string
	DurationMS int64

	StartedAt  time.Time
	FinishedAt *time.Time
}

// Done reports whether the run reached a terminal status.
func (r *CompileRun) Done() bool {
	return r.Status == RunStatusSucceeded || r.Status == RunStatusFailed
}
