// Package repository persists compilation run records.
package repository

import (
	"context"

	"github.com/dex-aot/pkg/model"
)

// RunRepository defines the database operations on compilation run records.
type RunRepository interface {
	// CreateRun inserts a new record in the running state and fills in its
	// generated ID.
	CreateRun(ctx context.Context, run *model.CompileRun) error

	// CompleteRun marks the run succeeded and stores its final counters.
	CompleteRun(ctx context.Context, run *model.CompileRun) error

	// FailRun marks the run failed with a diagnostic message.
	FailRun(ctx context.Context, id int64, info string) error

	// GetRunByUUID retrieves a run record by its UUID.
	GetRunByUUID(ctx context.Context, uuid string) (*model.CompileRun, error)

	// ListRecentRuns returns the most recent runs, newest first.
	ListRecentRuns(ctx context.Context, limit int) ([]*model.CompileRun, error)
}
