// Package patch records deferred relocations: instruction literals that
// cannot be resolved until the image writer knows final addresses.
package patch

import (
	"sync"

	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/pkg/errors"
)

// Kind discriminates the record variants. Consumers switch on the tag; the
// set is closed.
type Kind int

const (
	// KindCall patches an absolute pointer at a call site.
	KindCall Kind = iota
	// KindRelativeCall patches a PC-relative branch displacement.
	KindRelativeCall
	// KindMethod patches a literal method-object pointer.
	KindMethod
	// KindType patches a literal class-object pointer.
	KindType
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindRelativeCall:
		return "relative-call"
	case KindMethod:
		return "method"
	case KindType:
		return "type"
	default:
		return "unknown"
	}
}

// Record is one deferred relocation. The common header locates the literal:
// the container, the referring class and method, and the byte offset within
// that method's emitted code. Kind-specific payload fields are only
// meaningful for their kind. Records own copies of their scalars and are
// immutable once appended.
type Record struct {
	Kind Kind

	ContainerLocation   string
	ReferrerClassDefIdx uint16
	ReferrerMethodIdx   uint32
	LiteralOffset       uint32

	// Call payload (KindCall, KindRelativeCall, KindMethod).
	ReferrerInvokeType dex.InvokeType
	TargetMethodIdx    uint32
	TargetInvokeType   dex.InvokeType

	// Relative-call payload.
	PCRelativeOffset int32

	// Type payload (KindType).
	TargetTypeIdx uint32
}

// Ledger is the append-only collection of patch records. Appends are safe
// from any worker during the compile phase; Snapshot is only valid after
// the ledger has been sealed at the compile-phase join.
type Ledger struct {
	mu     sync.Mutex
	sealed bool

	calls         []Record
	relativeCalls []Record
	types         []Record
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) append(list *[]Record, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return errors.Wrap(errors.CodeInvariantViolation,
			"patch appended after ledger was sealed", errors.ErrInvariantViolation)
	}
	*list = append(*list, r)
	return nil
}

// AddCall records an absolute call-site patch.
func (l *Ledger) AddCall(r Record) error {
	r.Kind = KindCall
	return l.append(&l.calls, r)
}

// AddRelativeCall records a PC-relative call-site patch. Relative calls are
// kept apart from absolute ones because their consumption differs.
func (l *Ledger) AddRelativeCall(r Record) error {
	r.Kind = KindRelativeCall
	return l.append(&l.relativeCalls, r)
}

// AddMethod records a literal method-pointer patch. Method patches share
// the absolute-call collection, matching how the writer consumes them.
func (l *Ledger) AddMethod(r Record) error {
	r.Kind = KindMethod
	return l.append(&l.calls, r)
}

// AddType records a literal class-pointer patch.
func (l *Ledger) AddType(r Record) error {
	r.Kind = KindType
	return l.append(&l.types, r)
}

// Seal freezes the ledger. The driver calls this at the compile-phase join;
// any append after that is an invariant violation.
func (l *Ledger) Seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
}

// Snapshot is a read-only view of the three record collections.
type Snapshot struct {
	Calls         []Record
	RelativeCalls []Record
	Types         []Record
}

// Snapshot returns a stable copy of the recorded patches. Calling it before
// Seal is an invariant violation: which records would be visible is
// undefined while workers still append.
func (l *Ledger) Snapshot() (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sealed {
		return Snapshot{}, errors.Wrap(errors.CodeInvariantViolation,
			"ledger snapshot requested before compile phase joined", errors.ErrInvariantViolation)
	}
	return Snapshot{
		Calls:         append([]Record(nil), l.calls...),
		RelativeCalls: append([]Record(nil), l.relativeCalls...),
		Types:         append([]Record(nil), l.types...),
	}, nil
}

// Counts returns the number of records per collection.
func (l *Ledger) Counts() (calls, relativeCalls, types int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls), len(l.relativeCalls), len(l.types)
}
