package backend

import (
	"context"
	"encoding/binary"

	"github.com/dex-aot/internal/artifact"
	"github.com/dex-aot/internal/dex"
)

// Synthetic opcode bytes emitted by the baseline backend. The exact values
// only matter for determinism: equal inputs must produce equal bytes so the
// dedupe store can share them.
const (
	emitPrologue     = 0xE5
	emitDirectCall   = 0xD0
	emitRelativeCall = 0xD1
	emitIndirectCall = 0xD2
	emitVirtualCall  = 0xD3
	emitTypeDirect   = 0xC0
	emitTypePatched  = 0xC1
	emitCastFast     = 0xB0
	emitCastChecked  = 0xB1
	emitStringFast   = 0xA0
	emitStringSlow   = 0xA1
	emitIFieldFast   = 0x90
	emitSFieldFast   = 0x92
	emitFieldSlow    = 0x9F
	emitBarrier      = 0xFB
	emitReturn       = 0x0F
)

// Methods above this size are left to the interpreter.
const maxInsns = 1 << 14

// Baseline is a deterministic reference backend. It lowers each instruction
// to a fixed synthetic encoding, consults the driver's queries for every
// fast-path decision, and records patch-ledger entries for targets whose
// addresses are not yet known.
type Baseline struct {
	instructionSet string
}

// NewBaseline creates a baseline backend for the given instruction set.
func NewBaseline(instructionSet string) *Baseline {
	return &Baseline{instructionSet: instructionSet}
}

// Name implements Backend.
func (b *Baseline) Name() string { return "baseline" }

// CompileMethod implements Backend.
func (b *Baseline) CompileMethod(ctx context.Context, driver Driver, unit *CompilationUnit) (*artifact.CompiledMethod, error) {
	insns := unit.Def.Code.Insns
	if len(insns) == 0 || len(insns) > maxInsns {
		return nil, ErrNoCode
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Scratch space for the emission buffers comes from the unit's arena.
	scratch := unit.Arena.Alloc(len(insns) * 12)
	code := scratch[:0]
	var mapping, gcRefs []byte

	frameSize := uint32(16 + 8*len(insns)%256)
	code = append(code, emitPrologue, byte(frameSize))

	isConstructor := unit.Def.AccessFlags&dex.AccConstructor != 0

	for pc, insn := range insns {
		mapping = appendUint32(mapping, uint32(pc))
		mapping = appendUint32(mapping, uint32(len(code)))

		switch insn.Opcode {
		case dex.OpNop:
			// nothing emitted

		case dex.OpInvoke:
			var err error
			code, err = b.emitInvoke(driver, unit, pc, insn, code)
			if err != nil {
				return nil, err
			}
			gcRefs = append(gcRefs, byte(len(code)))

		case dex.OpConstClass, dex.OpNewInstance:
			embed := driver.CanEmbedTypeInCode(unit.MethodRef.File, insn.Index)
			if embed.UseDirectPointer {
				code = append(code, emitTypeDirect)
				code = appendUintptr(code, embed.DirectPointer)
			} else {
				code = append(code, emitTypePatched)
				literalOffset := uint32(len(code))
				code = appendUint32(code, 0)
				if err := driver.AddClassPatch(unit, insn.Index, literalOffset); err != nil {
					return nil, err
				}
			}

		case dex.OpCheckCast:
			if driver.IsSafeCast(unit, pc) {
				unit.Stats.SafeCasts++
				break // check elided
			}
			unit.Stats.CheckedCasts++
			access := driver.CanAccessTypeWithoutChecks(unit.ClassRef, unit.MethodRef.File, insn.Index)
			op := byte(emitCastChecked)
			if access.NoChecksNeeded {
				op = emitCastFast
			}
			code = append(code, op)
			code = appendUint32(code, insn.Index)

		case dex.OpConstString:
			op := byte(emitStringSlow)
			if driver.CanAssumeStringIsPresentInCache(unit.MethodRef.File, insn.Index) {
				op = emitStringFast
			}
			code = append(code, op)
			code = appendUint32(code, insn.Index)

		case dex.OpInstanceGet, dex.OpInstancePut:
			isPut := insn.Opcode == dex.OpInstancePut
			if fa, ok := driver.ComputeInstanceFieldInfo(insn.Index, unit, isPut); ok {
				code = append(code, emitIFieldFast, boolByte(fa.Volatile))
				code = appendUint32(code, fa.Offset)
			} else {
				code = append(code, emitFieldSlow)
				code = appendUint32(code, insn.Index)
			}

		case dex.OpStaticGet, dex.OpStaticPut:
			isPut := insn.Opcode == dex.OpStaticPut
			if fa, ok := driver.ComputeStaticFieldInfo(insn.Index, unit, isPut); ok {
				code = append(code, emitSFieldFast, boolByte(fa.IsInitialized))
				code = appendUint32(code, fa.Offset)
			} else {
				code = append(code, emitFieldSlow)
				code = appendUint32(code, insn.Index)
			}

		case dex.OpReturn:
			if isConstructor && driver.RequiresConstructorBarrier(unit.ClassRef) {
				unit.Stats.ConstructorBarriers++
				code = append(code, emitBarrier)
			}
			code = append(code, emitReturn)
		}
	}

	vmap := appendUint32(nil, frameSize)
	vmap = appendUint32(vmap, uint32(len(insns)))

	return &artifact.CompiledMethod{
		InstructionSet: b.instructionSet,
		Code:           driver.DeduplicateCode(code),
		MappingTable:   driver.DeduplicateMappingTable(mapping),
		VMapTable:      driver.DeduplicateVMapTable(vmap),
		GCMap:          driver.DeduplicateGCMap(gcRefs),
		FrameSizeBytes: frameSize,
		CoreSpillMask:  0x4ff0,
		FPSpillMask:    0,
	}, nil
}

// emitInvoke lowers one call site. Devirtualized targets with a known code
// address are embedded directly; everything else leaves a literal for the
// patch ledger.
func (b *Baseline) emitInvoke(driver Driver, unit *CompilationUnit, pc int, insn dex.Instruction, code []byte) ([]byte, error) {
	info, ok := driver.ComputeInvokeInfo(unit, pc, insn)
	if !ok {
		// No fast path: dispatch through the runtime.
		code = append(code, emitVirtualCall)
		return appendUint32(code, insn.Index), nil
	}

	if info.DirectCode != 0 {
		unit.Stats.DirectCallsToBoot++
		code = append(code, emitDirectCall)
		return appendUintptr(code, info.DirectCode), nil
	}

	sameContainer := info.Target.File == unit.MethodRef.File
	direct := info.SharpType == dex.InvokeStatic || info.SharpType == dex.InvokeDirect

	if direct && sameContainer {
		unit.Stats.RelativeCalls++
		code = append(code, emitRelativeCall)
		literalOffset := uint32(len(code))
		code = appendUint32(code, 0)
		// The displacement is measured from the literal back to the
		// method entry; the writer rewrites it once layout is final.
		err := driver.AddRelativeCodePatch(unit, insn.Invoke, info.SharpType,
			info.Target.MethodIdx, literalOffset, -int32(literalOffset))
		return code, err
	}

	if direct {
		code = append(code, emitIndirectCall)
		literalOffset := uint32(len(code))
		code = appendUintptr(code, 0)
		err := driver.AddCodePatch(unit, insn.Invoke, info.SharpType,
			info.Target.MethodIdx, literalOffset)
		return code, err
	}

	// Virtual or interface dispatch through the vtable slot.
	unit.Stats.VirtualDispatches++
	code = append(code, emitVirtualCall)
	return appendUint32(code, uint32(info.VTableIdx)), nil
}

// CreateTrampoline implements Backend. Trampolines are fixed per-run blobs:
// the content encodes only the kind and the instruction set.
func (b *Baseline) CreateTrampoline(kind TrampolineKind) []byte {
	blob := []byte{0xEE, byte(kind)}
	blob = append(blob, b.instructionSet...)
	blob = append(blob, 0xEE)
	return blob
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUintptr(buf []byte, v uintptr) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
