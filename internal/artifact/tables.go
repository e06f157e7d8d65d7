package artifact

import (
	"sort"
	"sync"

	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/pkg/errors"
)

// Tables are the two concurrent artifact maps. Each map has its own lock so
// class lookups never block on method lookups and vice versa.
//
// Lock ordering: neither lock is ever taken while holding the other. Every
// method acquires at most one of the two.
type Tables struct {
	classMu sync.Mutex
	classes map[dex.ClassRef]*CompiledClass

	methodMu sync.Mutex
	methods  map[dex.MethodRef]*CompiledMethod
}

// NewTables creates empty tables.
func NewTables() *Tables {
	return &Tables{
		classes: make(map[dex.ClassRef]*CompiledClass),
		methods: make(map[dex.MethodRef]*CompiledMethod),
	}
}

// Class returns the record for the given class, or nil.
func (t *Tables) Class(ref dex.ClassRef) *CompiledClass {
	t.classMu.Lock()
	defer t.classMu.Unlock()
	return t.classes[ref]
}

// ClassStatus returns the recorded status, or StatusNotReady when the class
// has no record yet.
func (t *Tables) ClassStatus(ref dex.ClassRef) ClassStatus {
	if c := t.Class(ref); c != nil {
		return c.Status()
	}
	return StatusNotReady
}

// SetClassStatus upserts the class record. Status only ever advances;
// re-recording a lower status is a no-op, except that VerifyError always
// sticks once recorded.
func (t *Tables) SetClassStatus(ref dex.ClassRef, status ClassStatus) {
	t.classMu.Lock()
	defer t.classMu.Unlock()
	prior, ok := t.classes[ref]
	if !ok {
		t.classes[ref] = NewCompiledClass(status)
		return
	}
	if prior.status == StatusVerifyError {
		return
	}
	if status > prior.status || status == StatusVerifyError {
		prior.status = status
	}
}

// Method returns the compiled method record, or nil.
func (t *Tables) Method(ref dex.MethodRef) *CompiledMethod {
	t.methodMu.Lock()
	defer t.methodMu.Unlock()
	return t.methods[ref]
}

// PutMethod records a compiled method. A method is compiled at most once
// per run; a second insert for the same reference is a driver bug and
// returns a fatal invariant violation.
func (t *Tables) PutMethod(ref dex.MethodRef, m *CompiledMethod) error {
	t.methodMu.Lock()
	defer t.methodMu.Unlock()
	if _, ok := t.methods[ref]; ok {
		return errors.Wrap(errors.CodeInvariantViolation,
			"method compiled twice", errors.ErrInvariantViolation)
	}
	t.methods[ref] = m
	return nil
}

// ClassCount returns the number of class records.
func (t *Tables) ClassCount() int {
	t.classMu.Lock()
	defer t.classMu.Unlock()
	return len(t.classes)
}

// MethodCount returns the number of method records.
func (t *Tables) MethodCount() int {
	t.methodMu.Lock()
	defer t.methodMu.Unlock()
	return len(t.methods)
}

// ClassSnapshot returns a stable, sorted read-only view of the class table.
// Intended for the image writer after the run completes.
func (t *Tables) ClassSnapshot() []ClassSnapshotEntry {
	t.classMu.Lock()
	entries := make([]ClassSnapshotEntry, 0, len(t.classes))
	for ref, c := range t.classes {
		entries = append(entries, ClassSnapshotEntry{Ref: ref, Status: c.Status()})
	}
	t.classMu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref.Compare(entries[j].Ref) < 0
	})
	return entries
}

// MethodSnapshot returns a stable, sorted read-only view of the method
// table.
func (t *Tables) MethodSnapshot() []MethodSnapshotEntry {
	t.methodMu.Lock()
	entries := make([]MethodSnapshotEntry, 0, len(t.methods))
	for ref, m := range t.methods {
		entries = append(entries, MethodSnapshotEntry{Ref: ref, Method: m})
	}
	t.methodMu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref.Compare(entries[j].Ref) < 0
	})
	return entries
}
