package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer("test")
	assert.NotNil(t, timer)
	assert.Equal(t, "test", timer.name)
	assert.True(t, timer.enabled)
}

func TestTimerWithLogger(t *testing.T) {
	logger := NewDefaultLogger(LevelInfo, &bytes.Buffer{})
	timer := NewTimer("test", WithLogger(logger))

	assert.NotNil(t, timer.output)
	loggerOutput, ok := timer.output.(*LoggerOutput)
	assert.True(t, ok)
	assert.Equal(t, Logger(logger), loggerOutput.Logger)
}

func TestTimerDisabled(t *testing.T) {
	timer := NewTimer("test", WithEnabled(false))

	// All operations should be no-ops
	pt := timer.Start("phase1")
	assert.NotNil(t, pt)

	duration := pt.Stop()
	assert.Equal(t, time.Duration(0), duration)

	assert.Equal(t, "", timer.Summary())
}

func TestTimerPhases(t *testing.T) {
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("test", WithClock(mockClock))

	pt1 := timer.Start("resolve")
	mockClock.Advance(100 * time.Millisecond)
	pt1.Stop()

	pt2 := timer.Start("verify")
	mockClock.Advance(200 * time.Millisecond)
	pt2.Stop()

	assert.Equal(t, 100*time.Millisecond, timer.GetDuration("resolve"))
	assert.Equal(t, 200*time.Millisecond, timer.GetDuration("verify"))
}

func TestTimerDeferPattern(t *testing.T) {
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("test", WithClock(mockClock))

	func() {
		defer timer.Start("deferred").Stop()
		mockClock.Advance(150 * time.Millisecond)
	}()

	assert.Equal(t, 150*time.Millisecond, timer.GetDuration("deferred"))
}

func TestTimerGetPhasesOrder(t *testing.T) {
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("test", WithClock(mockClock))

	for _, name := range []string{"resolve", "verify", "compile"} {
		timer.Start(name)
		mockClock.Advance(10 * time.Millisecond)
		timer.StopPhase(name)
	}

	phases := timer.GetPhases()
	assert.Len(t, phases, 3)
	assert.Equal(t, "resolve", phases[0].Name)
	assert.Equal(t, "verify", phases[1].Name)
	assert.Equal(t, "compile", phases[2].Name)
}

func TestTimerSummary(t *testing.T) {
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("CompileAll", WithClock(mockClock))

	timer.Start("resolve")
	mockClock.Advance(100 * time.Millisecond)
	timer.StopPhase("resolve")

	timer.Start("verify")
	mockClock.Advance(200 * time.Millisecond)
	timer.StopPhase("verify")

	summary := timer.Summary()
	assert.Contains(t, summary, "CompileAll Timing Summary")
	assert.Contains(t, summary, "resolve")
	assert.Contains(t, summary, "verify")
	assert.Contains(t, summary, "Total:")
}

func TestTimerPrintSummary(t *testing.T) {
	buf := &bytes.Buffer{}
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("CompileAll",
		WithClock(mockClock),
		WithLogger(NewDefaultLogger(LevelInfo, buf)),
	)

	timer.Start("resolve")
	mockClock.Advance(100 * time.Millisecond)
	timer.StopPhase("resolve")

	timer.PrintSummary()

	output := buf.String()
	assert.Contains(t, output, "CompileAll Timing Summary")
	assert.Contains(t, output, "resolve")
}

func TestTimerTimeFuncWithError(t *testing.T) {
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("test", WithClock(mockClock))

	duration, err := timer.TimeFuncWithError("func_phase", func() error {
		mockClock.Advance(150 * time.Millisecond)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, duration)
}

func TestTimerConcurrency(t *testing.T) {
	timer := NewTimer("concurrent")
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(id int) {
			phaseName := strings.Repeat("x", id+1)
			pt := timer.Start(phaseName)
			time.Sleep(time.Millisecond)
			pt.Stop()
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	phases := timer.GetPhases()
	assert.Len(t, phases, 10)
}

func TestTimerStopIdempotent(t *testing.T) {
	mockClock := NewMockClock(time.Now())
	timer := NewTimer("test", WithClock(mockClock))

	pt := timer.Start("phase1")
	mockClock.Advance(100 * time.Millisecond)
	d1 := pt.Stop()

	mockClock.Advance(100 * time.Millisecond)
	d2 := pt.Stop() // Second stop should return same duration

	assert.Equal(t, d1, d2)
	assert.Equal(t, 100*time.Millisecond, d1)
}

func TestNullTimer(t *testing.T) {
	// NullTimer should be safe to use without panics
	pt := NullTimer.Start("phase")
	pt.Stop()

	NullTimer.StopPhase("phase")
	NullTimer.GetDuration("phase")
	NullTimer.TotalDuration()
	NullTimer.GetPhases()
	NullTimer.Summary()
	NullTimer.PrintSummary()
	_, _ = NullTimer.TimeFuncWithError("test", func() error { return nil })
}

func TestLoggerOutputNilLogger(t *testing.T) {
	output := &LoggerOutput{Logger: nil}
	// Should not panic
	output.Output("test %s", "message")
}
