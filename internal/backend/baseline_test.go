package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dex-aot/internal/dedupe"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/statistics"
	"github.com/dex-aot/internal/verifier"
	"github.com/dex-aot/pkg/arena"
)

// fakeDriver answers every query with configurable canned results and
// records the patches the backend requests.
type fakeDriver struct {
	typeInCache   bool
	stringInCache bool
	typeAccess    TypeAccess
	embed         TypeEmbedInfo
	instanceField FieldAccess
	instanceOK    bool
	staticField   FieldAccess
	staticOK      bool
	invoke        InvokeInfo
	invokeOK      bool
	safeCasts     map[int]bool
	ctorBarrier   bool

	codePatches     int
	relativePatches []int32
	classPatches    int

	store *dedupe.Store
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{store: dedupe.NewStore("test")}
}

func (d *fakeDriver) CanAssumeTypeIsPresentInCache(*dex.File, uint32) bool   { return d.typeInCache }
func (d *fakeDriver) CanAssumeStringIsPresentInCache(*dex.File, uint32) bool { return d.stringInCache }
func (d *fakeDriver) CanAccessTypeWithoutChecks(dex.ClassRef, *dex.File, uint32) TypeAccess {
	return d.typeAccess
}
func (d *fakeDriver) CanAccessInstantiableTypeWithoutChecks(dex.ClassRef, *dex.File, uint32) bool {
	return d.typeAccess.NoChecksNeeded
}
func (d *fakeDriver) CanEmbedTypeInCode(*dex.File, uint32) TypeEmbedInfo { return d.embed }
func (d *fakeDriver) ComputeInstanceFieldInfo(uint32, *CompilationUnit, bool) (FieldAccess, bool) {
	return d.instanceField, d.instanceOK
}
func (d *fakeDriver) ComputeStaticFieldInfo(uint32, *CompilationUnit, bool) (FieldAccess, bool) {
	return d.staticField, d.staticOK
}
func (d *fakeDriver) ComputeInvokeInfo(*CompilationUnit, int, dex.Instruction) (InvokeInfo, bool) {
	return d.invoke, d.invokeOK
}
func (d *fakeDriver) IsSafeCast(unit *CompilationUnit, pc int) bool { return d.safeCasts[pc] }
func (d *fakeDriver) RequiresConstructorBarrier(dex.ClassRef) bool  { return d.ctorBarrier }

func (d *fakeDriver) AddCodePatch(*CompilationUnit, dex.InvokeType, dex.InvokeType, uint32, uint32) error {
	d.codePatches++
	return nil
}
func (d *fakeDriver) AddRelativeCodePatch(_ *CompilationUnit, _, _ dex.InvokeType, _ uint32, _ uint32, pcRel int32) error {
	d.relativePatches = append(d.relativePatches, pcRel)
	return nil
}
func (d *fakeDriver) AddMethodPatch(*CompilationUnit, dex.InvokeType, dex.InvokeType, uint32, uint32) error {
	return nil
}
func (d *fakeDriver) AddClassPatch(*CompilationUnit, uint32, uint32) error {
	d.classPatches++
	return nil
}

func (d *fakeDriver) DeduplicateCode(code []byte) dedupe.Handle          { return d.store.Intern(code) }
func (d *fakeDriver) DeduplicateMappingTable(table []byte) dedupe.Handle { return d.store.Intern(table) }
func (d *fakeDriver) DeduplicateVMapTable(table []byte) dedupe.Handle    { return d.store.Intern(table) }
func (d *fakeDriver) DeduplicateGCMap(gcMap []byte) dedupe.Handle        { return d.store.Intern(gcMap) }

func (d *fakeDriver) InstructionSet() string { return "arm64" }

var _ Driver = (*fakeDriver)(nil)

func testUnit(insns []dex.Instruction, accessFlags uint32) *CompilationUnit {
	f := &dex.File{
		Location:  "u.dex",
		TypeIDs:   []string{"LU;"},
		ClassDefs: []dex.ClassDef{{TypeIdx: 0, SuperTypeIdx: -1}},
	}
	return &CompilationUnit{
		MethodRef: dex.MethodRef{File: f, MethodIdx: 0},
		ClassRef:  dex.ClassRef{File: f, ClassDefIdx: 0},
		Def: &dex.MethodDef{
			MethodIdx:   0,
			AccessFlags: accessFlags,
			Code:        &dex.CodeItem{Insns: insns},
		},
		Verified: &verifier.VerifiedMethod{SafeCasts: map[int]bool{}},
		Arena:    arena.NewArena(),
		Stats:    &statistics.CompilationStats{},
	}
}

func TestBaseline_EmptyAndOversizedBodies(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()

	_, err := b.CompileMethod(context.Background(), d, testUnit(nil, dex.AccPublic))
	assert.ErrorIs(t, err, ErrNoCode)

	huge := make([]dex.Instruction, maxInsns+1)
	_, err = b.CompileMethod(context.Background(), d, testUnit(huge, dex.AccPublic))
	assert.ErrorIs(t, err, ErrNoCode)
}

func TestBaseline_Deterministic(t *testing.T) {
	b := NewBaseline("arm64")
	insns := []dex.Instruction{
		{Opcode: dex.OpConstString, Index: 0},
		{Opcode: dex.OpCheckCast, Index: 0},
		{Opcode: dex.OpReturn},
	}

	d1 := newFakeDriver()
	m1, err := b.CompileMethod(context.Background(), d1, testUnit(insns, dex.AccPublic))
	require.NoError(t, err)

	d2 := newFakeDriver()
	m2, err := b.CompileMethod(context.Background(), d2, testUnit(insns, dex.AccPublic))
	require.NoError(t, err)

	assert.Equal(t, m1.CodeBytes(), m2.CodeBytes())
	assert.Equal(t, m1.FrameSizeBytes, m2.FrameSizeBytes)
}

func TestBaseline_DirectCodeEmbedsPointer(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()
	d.invokeOK = true
	d.invoke = InvokeInfo{
		SharpType:  dex.InvokeStatic,
		Target:     dex.MethodRef{File: &dex.File{Location: "boot.dex"}, MethodIdx: 7},
		DirectCode: 0x1001,
	}

	unit := testUnit([]dex.Instruction{
		{Opcode: dex.OpInvoke, Index: 0, Invoke: dex.InvokeStatic},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic)

	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)

	assert.Contains(t, m.CodeBytes(), byte(emitDirectCall))
	assert.Zero(t, d.codePatches)
	assert.Empty(t, d.relativePatches)
	assert.Equal(t, int64(1), unit.Stats.DirectCallsToBoot)
}

func TestBaseline_SameContainerDirectCallIsRelative(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()

	unit := testUnit([]dex.Instruction{
		{Opcode: dex.OpInvoke, Index: 0, Invoke: dex.InvokeStatic},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic)

	d.invokeOK = true
	d.invoke = InvokeInfo{
		SharpType: dex.InvokeStatic,
		Target:    dex.MethodRef{File: unit.MethodRef.File, MethodIdx: 3},
	}

	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)

	assert.Contains(t, m.CodeBytes(), byte(emitRelativeCall))
	require.Len(t, d.relativePatches, 1)
	// The provisional displacement points from the literal back to entry.
	assert.Negative(t, d.relativePatches[0])
	assert.Equal(t, int64(1), unit.Stats.RelativeCalls)
}

func TestBaseline_CrossContainerDirectCallIsPatched(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()
	d.invokeOK = true
	d.invoke = InvokeInfo{
		SharpType: dex.InvokeDirect,
		Target:    dex.MethodRef{File: &dex.File{Location: "other.dex"}, MethodIdx: 3},
	}

	unit := testUnit([]dex.Instruction{
		{Opcode: dex.OpInvoke, Index: 0, Invoke: dex.InvokeDirect},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic)

	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)

	assert.Contains(t, m.CodeBytes(), byte(emitIndirectCall))
	assert.Equal(t, 1, d.codePatches)
}

func TestBaseline_VirtualDispatch(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()
	d.invokeOK = true
	d.invoke = InvokeInfo{
		SharpType: dex.InvokeVirtual,
		Target:    dex.MethodRef{File: &dex.File{Location: "other.dex"}, MethodIdx: 3},
		VTableIdx: 5,
	}

	unit := testUnit([]dex.Instruction{
		{Opcode: dex.OpInvoke, Index: 0, Invoke: dex.InvokeVirtual},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic)

	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)

	assert.Contains(t, m.CodeBytes(), byte(emitVirtualCall))
	assert.Equal(t, int64(1), unit.Stats.VirtualDispatches)
}

func TestBaseline_SafeCastElided(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()
	d.safeCasts = map[int]bool{0: true}

	unit := testUnit([]dex.Instruction{
		{Opcode: dex.OpCheckCast, Index: 0},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic)

	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)

	assert.NotContains(t, m.CodeBytes(), byte(emitCastChecked))
	assert.NotContains(t, m.CodeBytes(), byte(emitCastFast))
	assert.Equal(t, int64(1), unit.Stats.SafeCasts)
	assert.Zero(t, unit.Stats.CheckedCasts)
}

func TestBaseline_TypeLiteralPatchedWhenNotEmbeddable(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()

	unit := testUnit([]dex.Instruction{
		{Opcode: dex.OpNewInstance, Index: 0},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic)

	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)

	assert.Contains(t, m.CodeBytes(), byte(emitTypePatched))
	assert.Equal(t, 1, d.classPatches)

	// With an embeddable pointer no patch is recorded.
	d2 := newFakeDriver()
	d2.embed = TypeEmbedInfo{CanEmbed: true, UseDirectPointer: true, DirectPointer: 0x2000}
	m2, err := b.CompileMethod(context.Background(), d2, testUnit([]dex.Instruction{
		{Opcode: dex.OpNewInstance, Index: 0},
		{Opcode: dex.OpReturn},
	}, dex.AccPublic))
	require.NoError(t, err)
	assert.Contains(t, m2.CodeBytes(), byte(emitTypeDirect))
	assert.Zero(t, d2.classPatches)
}

func TestBaseline_ConstructorBarrier(t *testing.T) {
	b := NewBaseline("arm64")

	insns := []dex.Instruction{{Opcode: dex.OpReturn}}

	d := newFakeDriver()
	d.ctorBarrier = true
	unit := testUnit(insns, dex.AccPublic|dex.AccConstructor)
	m, err := b.CompileMethod(context.Background(), d, unit)
	require.NoError(t, err)
	assert.Contains(t, m.CodeBytes(), byte(emitBarrier))
	assert.Equal(t, int64(1), unit.Stats.ConstructorBarriers)

	// Plain methods never get the barrier, even when the class needs one.
	plain := testUnit(insns, dex.AccPublic)
	m2, err := b.CompileMethod(context.Background(), d, plain)
	require.NoError(t, err)
	assert.NotContains(t, m2.CodeBytes(), byte(emitBarrier))
}

func TestBaseline_DedupeSharesEqualBodies(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()
	insns := []dex.Instruction{{Opcode: dex.OpReturn}}

	m1, err := b.CompileMethod(context.Background(), d, testUnit(insns, dex.AccPublic))
	require.NoError(t, err)
	m2, err := b.CompileMethod(context.Background(), d, testUnit(insns, dex.AccPublic))
	require.NoError(t, err)

	assert.Same(t, (*[]byte)(m1.Code), (*[]byte)(m2.Code))
}

func TestBaseline_CanceledContext(t *testing.T) {
	b := NewBaseline("arm64")
	d := newFakeDriver()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.CompileMethod(ctx, d, testUnit([]dex.Instruction{{Opcode: dex.OpReturn}}, dex.AccPublic))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBaseline_Trampolines(t *testing.T) {
	b := NewBaseline("arm64")

	for _, kind := range AllTrampolines {
		blob := b.CreateTrampoline(kind)
		require.NotEmpty(t, blob)
		assert.Equal(t, byte(0xEE), blob[0])
		assert.Equal(t, byte(kind), blob[1])
		assert.Equal(t, byte(0xEE), blob[len(blob)-1])
		assert.Contains(t, string(blob), "arm64")
	}
}
