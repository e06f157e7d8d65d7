// Package artifact holds the compiled-class and compiled-method records and
// the thread-safe tables that are the single source of truth for what has
// been compiled so far in a run.
package artifact

import (
	"github.com/dex-aot/internal/dedupe"
	"github.com/dex-aot/internal/dex"
)

// ClassStatus is the ordered per-class state machine:
// NotReady -> Resolved -> (VerifyError | Verified) -> Initialized.
// VerifyError is terminal for the run.
type ClassStatus int

const (
	StatusNotReady ClassStatus = iota
	StatusResolved
	StatusVerifyError
	StatusVerified
	StatusInitialized
)

// String returns the string representation of ClassStatus.
func (s ClassStatus) String() string {
	switch s {
	case StatusNotReady:
		return "not-ready"
	case StatusResolved:
		return "resolved"
	case StatusVerifyError:
		return "verify-error"
	case StatusVerified:
		return "verified"
	case StatusInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// CompiledClass records the terminal status the driver observed for one
// class. Created on first successful resolution, mutated only through the
// tables, never deleted during a run.
type CompiledClass struct {
	status ClassStatus
}

// NewCompiledClass creates a record with the given initial status.
func NewCompiledClass(status ClassStatus) *CompiledClass {
	return &CompiledClass{status: status}
}

// Status returns the recorded status.
func (c *CompiledClass) Status() ClassStatus { return c.status }

// DexToDexLevel selects the fallback treatment for methods of a class that
// failed verification.
type DexToDexLevel int

const (
	// DexToDexRequired applies only the transformations needed for
	// correctness. The zero value, so an unconfigured driver falls back
	// to the safe level.
	DexToDexRequired DexToDexLevel = iota
	// DexToDexSkip leaves the method untouched; it interprets at load time.
	DexToDexSkip
	// DexToDexOptimize additionally applies peephole optimizations.
	DexToDexOptimize
)

// CompiledMethod is the immutable result of compiling one method. The four
// blob fields are dedupe handles; N structurally identical methods share
// one backing allocation per blob.
type CompiledMethod struct {
	InstructionSet string

	Code         dedupe.Handle
	MappingTable dedupe.Handle
	VMapTable    dedupe.Handle
	GCMap        dedupe.Handle

	FrameSizeBytes uint32
	CoreSpillMask  uint32
	FPSpillMask    uint32
}

// CodeBytes returns the emitted native code.
func (m *CompiledMethod) CodeBytes() []byte { return dedupe.Bytes(m.Code) }

// ClassSnapshotEntry is one row of a read-only class-table view.
type ClassSnapshotEntry struct {
	Ref    dex.ClassRef
	Status ClassStatus
}

// MethodSnapshotEntry is one row of a read-only method-table view.
type MethodSnapshotEntry struct {
	Ref    dex.MethodRef
	Method *CompiledMethod
}
