// Package verifier defines the contract the driver holds with the bytecode
// verifier, plus a basic reference implementation used when no external
// verifier is configured.
package verifier

import (
	"fmt"

	"github.com/dex-aot/internal/dex"
)

// VerifiedMethod carries the per-method facts the verifier proved: which
// checked casts can never fail, and whether the method body referenced
// anything that failed resolution.
type VerifiedMethod struct {
	MethodIdx uint32

	// SafeCasts holds the instruction offsets of checked casts proven to
	// always succeed.
	SafeCasts map[int]bool

	// HasRuntimeThrow reports that some instruction can only throw at
	// runtime (e.g. an unresolvable reference survived into the body).
	HasRuntimeThrow bool
}

// IsSafeCast reports whether the cast at the given instruction offset was
// proven safe.
func (v *VerifiedMethod) IsSafeCast(insnOffset int) bool {
	if v == nil {
		return false
	}
	return v.SafeCasts[insnOffset]
}

// ClassResult is the verification outcome for one class.
type ClassResult struct {
	Ref     dex.ClassRef
	Methods map[uint32]*VerifiedMethod
}

// Method returns the verified facts for the given method index, or nil.
func (r *ClassResult) Method(methodIdx uint32) *VerifiedMethod {
	if r == nil {
		return nil
	}
	return r.Methods[methodIdx]
}

// Verifier is the boundary interface. VerifyClass assumes the class's
// dependencies are already resolved; a returned error is a soft per-class
// failure, recorded as a terminal verify-error status, never a run abort.
type Verifier interface {
	VerifyClass(loader *dex.Loader, ref dex.ClassRef) (*ClassResult, error)
}

// Basic is a reference verifier. It confirms that the class links, that
// every type referenced from method bodies resolves through the loader
// context, and derives safe-cast facts from local instruction patterns.
type Basic struct{}

// NewBasic creates a Basic verifier.
func NewBasic() *Basic {
	return &Basic{}
}

// VerifyClass implements Verifier.
func (b *Basic) VerifyClass(loader *dex.Loader, ref dex.ClassRef) (*ClassResult, error) {
	class := loader.Lookup(ref.Descriptor())
	if class == nil {
		return nil, fmt.Errorf("class %s was never resolved", ref.Descriptor())
	}

	def := ref.Def()
	result := &ClassResult{
		Ref:     ref,
		Methods: make(map[uint32]*VerifiedMethod),
	}

	for i := range def.Methods {
		m := &def.Methods[i]
		if m.Code == nil {
			continue
		}
		vm, err := b.verifyBody(loader, ref, m)
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", m.MethodIdx, err)
		}
		result.Methods[m.MethodIdx] = vm
	}

	return result, nil
}

// verifyBody walks one method body. Unresolvable references inside a body
// are not hard failures: the runtime throws there instead, and the driver's
// queries answer conservatively for them. A malformed index is a hard
// failure.
func (b *Basic) verifyBody(loader *dex.Loader, ref dex.ClassRef, m *dex.MethodDef) (*VerifiedMethod, error) {
	file := ref.File
	vm := &VerifiedMethod{
		MethodIdx: m.MethodIdx,
		SafeCasts: make(map[int]bool),
	}

	var lastNewInstance *dex.Class
	for pc, insn := range m.Code.Insns {
		switch insn.Opcode {
		case dex.OpInvoke:
			if _, ok := file.MethodID(insn.Index); !ok {
				return nil, fmt.Errorf("invoke with bad method index %d", insn.Index)
			}
			lastNewInstance = nil
		case dex.OpConstClass, dex.OpNewInstance, dex.OpCheckCast:
			desc := file.Type(insn.Index)
			if desc == "" {
				return nil, fmt.Errorf("bad type index %d at pc %d", insn.Index, pc)
			}
			target, err := loader.Resolve(desc)
			if err != nil {
				vm.HasRuntimeThrow = true
				lastNewInstance = nil
				continue
			}
			switch insn.Opcode {
			case dex.OpNewInstance:
				lastNewInstance = target
			case dex.OpCheckCast:
				// A cast directly following an allocation of a
				// compatible type can never fail.
				if lastNewInstance != nil && lastNewInstance.IsSubclassOf(target) {
					vm.SafeCasts[pc] = true
				}
				lastNewInstance = nil
			default:
				lastNewInstance = nil
			}
		case dex.OpInstanceGet, dex.OpInstancePut, dex.OpStaticGet, dex.OpStaticPut:
			if _, ok := file.FieldID(insn.Index); !ok {
				return nil, fmt.Errorf("field access with bad field index %d", insn.Index)
			}
			lastNewInstance = nil
		case dex.OpConstString:
			if _, ok := file.String(insn.Index); !ok {
				return nil, fmt.Errorf("bad string index %d at pc %d", insn.Index, pc)
			}
			lastNewInstance = nil
		default:
			lastNewInstance = nil
		}
	}

	return vm, nil
}
