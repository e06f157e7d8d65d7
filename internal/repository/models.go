package repository

import (
	"time"

	"github.com/dex-aot/pkg/model"
)

// CompileRunRecord is the database row for one compilation run.
type CompileRunRecord struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UUID           string `gorm:"column:uuid;size:64;uniqueIndex"`
	InstructionSet string `gorm:"column:instruction_set;size:16"`
	Image          bool   `gorm:"column:image"`
	Containers     int    `gorm:"column:containers"`
	ThreadCount    int    `gorm:"column:thread_count"`

	Status     string `gorm:"column:status;size:16;index"`
	StatusInfo string `gorm:"column:status_info;size:1024"`

	ClassesResolved int64 `gorm:"column:classes_resolved"`
	ClassesVerified int64 `gorm:"column:classes_verified"`
	MethodsCompiled int64 `gorm:"column:methods_compiled"`
	PatchCount      int64 `gorm:"column:patch_count"`

	OutputPath string `gorm:"column:output_path;size:512"`
	DurationMS int64  `gorm:"column:duration_ms"`

	StartedAt  time.Time  `gorm:"column:started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
}

// TableName implements the gorm table naming convention.
func (CompileRunRecord) TableName() string { return "compile_runs" }

// ToModel converts the row to the domain type.
func (r *CompileRunRecord) ToModel() *model.CompileRun {
	return &model.CompileRun{
		ID:              r.ID,
		UUID:            r.UUID,
		InstructionSet:  r.InstructionSet,
		Image:           r.Image,
		Containers:      r.Containers,
		ThreadCount:     r.ThreadCount,
		Status:          model.RunStatus(r.Status),
		StatusInfo:      r.StatusInfo,
		ClassesResolved: r.ClassesResolved,
		ClassesVerified: r.ClassesVerified,
		MethodsCompiled: r.MethodsCompiled,
		PatchCount:      r.PatchCount,
		OutputPath:      r.OutputPath,
		DurationMS:      r.DurationMS,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
}

func recordFromModel(run *model.CompileRun) *CompileRunRecord {
	return &CompileRunRecord{
		ID:              run.ID,
		UUID:            run.UUID,
		InstructionSet:  run.InstructionSet,
		Image:           run.Image,
		Containers:      run.Containers,
		ThreadCount:     run.ThreadCount,
		Status:          string(run.Status),
		StatusInfo:      run.StatusInfo,
		ClassesResolved: run.ClassesResolved,
		ClassesVerified: run.ClassesVerified,
		MethodsCompiled: run.MethodsCompiled,
		PatchCount:      run.PatchCount,
		OutputPath:      run.OutputPath,
		DurationMS:      run.DurationMS,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
}
