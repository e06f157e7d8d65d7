package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompileRun_Done(t *testing.T) {
	tests := []struct {
		name     string
		run      *CompileRun
		expected bool
	}{
		{
			name:     "running run",
			run:      &CompileRun{Status: RunStatusRunning},
			expected: false,
		},
		{
			name:     "succeeded run",
			run:      &CompileRun{Status: RunStatusSucceeded},
			expected: true,
		},
		{
			name:     "failed run",
			run:      &CompileRun{Status: RunStatusFailed},
			expected: true,
		},
		{
			name:     "zero value run",
			run:      &CompileRun{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.run.Done())
		})
	}
}

func TestCompileRun_FinishedAtStartsNil(t *testing.T) {
	run := &CompileRun{
		UUID:      "run-1",
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	assert.Nil(t, run.FinishedAt)
	assert.False(t, run.Done())
}
