// Package backend defines the contract between the driver and a code
// generation backend, plus the baseline backend used by default.
package backend

import (
	"context"
	"errors"

	"github.com/dex-aot/internal/artifact"
	"github.com/dex-aot/internal/dedupe"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/statistics"
	"github.com/dex-aot/internal/verifier"
	"github.com/dex-aot/pkg/arena"
)

// ErrNoCode signals that the backend declined to generate code for a
// method; the method falls back to interpretation at load time. This is a
// soft per-method outcome, not an error of the run.
var ErrNoCode = errors.New("backend generated no code")

// FieldAccess is the fast-path plan for a resolved field reference.
type FieldAccess struct {
	// Offset is the byte offset within the object for instance fields, or
	// the static-storage index for static fields.
	Offset           uint32
	Volatile         bool
	StorageIndex     int32
	IsReferrersClass bool
	IsInitialized    bool
}

// InvokeInfo is the fast-path plan for a resolved call site. A zero
// DirectCode/DirectMethod means no direct pointer could be embedded.
type InvokeInfo struct {
	SharpType    dex.InvokeType
	Target       dex.MethodRef
	VTableIdx    int32
	DirectCode   uintptr
	DirectMethod uintptr
}

// TypeEmbedInfo answers whether a type literal may be baked into code.
type TypeEmbedInfo struct {
	CanEmbed         bool
	IsInitialized    bool
	UseDirectPointer bool
	DirectPointer    uintptr
}

// TypeAccess answers the access-check queries for a type reference.
type TypeAccess struct {
	NoChecksNeeded bool
	KnownFinal     bool
	KnownAbstract  bool
	EqualsReferrer bool
}

// Driver is the capability surface the phase pipeline exposes to a backend
// while it generates code for one method. Query methods are read-only and
// safe from any number of workers; recording methods append to guarded
// driver structures.
type Driver interface {
	// Queries.
	CanAssumeTypeIsPresentInCache(file *dex.File, typeIdx uint32) bool
	CanAssumeStringIsPresentInCache(file *dex.File, stringIdx uint32) bool
	CanAccessTypeWithoutChecks(referrer dex.ClassRef, file *dex.File, typeIdx uint32) TypeAccess
	CanAccessInstantiableTypeWithoutChecks(referrer dex.ClassRef, file *dex.File, typeIdx uint32) bool
	CanEmbedTypeInCode(file *dex.File, typeIdx uint32) TypeEmbedInfo
	ComputeInstanceFieldInfo(fieldIdx uint32, unit *CompilationUnit, isPut bool) (FieldAccess, bool)
	ComputeStaticFieldInfo(fieldIdx uint32, unit *CompilationUnit, isPut bool) (FieldAccess, bool)
	ComputeInvokeInfo(unit *CompilationUnit, pc int, insn dex.Instruction) (InvokeInfo, bool)
	IsSafeCast(unit *CompilationUnit, pc int) bool
	RequiresConstructorBarrier(ref dex.ClassRef) bool

	// Patch recording.
	AddCodePatch(unit *CompilationUnit, referrerType, targetType dex.InvokeType, targetMethodIdx uint32, literalOffset uint32) error
	AddRelativeCodePatch(unit *CompilationUnit, referrerType, targetType dex.InvokeType, targetMethodIdx uint32, literalOffset uint32, pcRelativeOffset int32) error
	AddMethodPatch(unit *CompilationUnit, referrerType, targetType dex.InvokeType, targetMethodIdx uint32, literalOffset uint32) error
	AddClassPatch(unit *CompilationUnit, targetTypeIdx uint32, literalOffset uint32) error

	// Blob interning.
	DeduplicateCode(code []byte) dedupe.Handle
	DeduplicateMappingTable(table []byte) dedupe.Handle
	DeduplicateVMapTable(table []byte) dedupe.Handle
	DeduplicateGCMap(gcMap []byte) dedupe.Handle

	InstructionSet() string
}

// CompilationUnit bundles everything a backend needs for one method.
type CompilationUnit struct {
	MethodRef dex.MethodRef
	ClassRef  dex.ClassRef
	Def       *dex.MethodDef
	Verified  *verifier.VerifiedMethod

	// Arena is the unit's scratch memory, returned to the pool when the
	// unit completes.
	Arena *arena.Arena

	// Stats is the owning worker's private counter set. Backends and
	// driver queries may update it without synchronization.
	Stats *statistics.CompilationStats
}

// TrampolineKind names the fixed per-run code blobs handed to the image
// writer.
type TrampolineKind int

const (
	TrampolineInterpreterBridge TrampolineKind = iota
	TrampolineJNIDlsymLookup
	TrampolineResolution
	TrampolineIMTConflict
)

// String returns the trampoline's name as used in the image output.
func (k TrampolineKind) String() string {
	switch k {
	case TrampolineInterpreterBridge:
		return "interpreter-bridge"
	case TrampolineJNIDlsymLookup:
		return "jni-dlsym-lookup"
	case TrampolineResolution:
		return "resolution-trampoline"
	case TrampolineIMTConflict:
		return "imt-conflict-trampoline"
	default:
		return "unknown"
	}
}

// AllTrampolines lists every trampoline kind, in emission order.
var AllTrampolines = []TrampolineKind{
	TrampolineInterpreterBridge,
	TrampolineJNIDlsymLookup,
	TrampolineResolution,
	TrampolineIMTConflict,
}

// Backend turns one method body into an emitted-artifact bundle.
// Implementations are selected at configuration time and must be safe for
// concurrent CompileMethod calls.
type Backend interface {
	// CompileMethod returns the compiled method, ErrNoCode when it
	// declines, or an error for a backend fault (soft, recorded as "no
	// artifact").
	CompileMethod(ctx context.Context, driver Driver, unit *CompilationUnit) (*artifact.CompiledMethod, error)

	// CreateTrampoline emits one of the fixed per-run code blobs.
	CreateTrampoline(kind TrampolineKind) []byte

	// Name identifies the backend in logs and run records.
	Name() string
}
