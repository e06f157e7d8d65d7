// Package dex models bytecode containers: class definitions, method bodies,
// and the type/method/field/string reference tables addressed by small
// integer indices scoped to one container.
package dex

import "strings"

// InvokeType describes how a call site dispatches to its target.
type InvokeType int

const (
	InvokeStatic InvokeType = iota
	InvokeDirect
	InvokeVirtual
	InvokeSuper
	InvokeInterface
)

// String returns the string representation of InvokeType.
func (t InvokeType) String() string {
	switch t {
	case InvokeStatic:
		return "static"
	case InvokeDirect:
		return "direct"
	case InvokeVirtual:
		return "virtual"
	case InvokeSuper:
		return "super"
	case InvokeInterface:
		return "interface"
	default:
		return "unknown"
	}
}

// Access flags for classes, methods and fields.
const (
	AccPublic      = 0x0001
	AccPrivate     = 0x0002
	AccStatic      = 0x0008
	AccFinal       = 0x0010
	AccVolatile    = 0x0040
	AccInterface   = 0x0200
	AccAbstract    = 0x0400
	AccConstructor = 0x10000
)

// Opcode identifies an instruction kind in a method body. The set is the
// minimum the driver needs to observe: calls, type literals, checked casts
// and field accesses.
type Opcode int

const (
	OpNop Opcode = iota
	OpInvoke
	OpConstClass
	OpCheckCast
	OpConstString
	OpInstanceGet
	OpInstancePut
	OpStaticGet
	OpStaticPut
	OpNewInstance
	OpReturn
)

// Instruction is one decoded instruction. Index is interpreted per opcode:
// a method index for OpInvoke, a type index for OpConstClass / OpCheckCast /
// OpNewInstance, a string index for OpConstString, a field index for the
// field opcodes.
type Instruction struct {
	Opcode Opcode
	Index  uint32
	Invoke InvokeType // valid for OpInvoke only
}

// CodeItem is a method body.
type CodeItem struct {
	Insns []Instruction
}

// MethodID is one entry of a container's method reference table.
type MethodID struct {
	ClassTypeIdx uint32 // declaring class, index into TypeIDs
	Name         string
	Signature    string
}

// FieldID is one entry of a container's field reference table.
type FieldID struct {
	ClassTypeIdx uint32
	Name         string
	TypeIdx      uint32
	AccessFlags  uint32
}

// MethodDef is a method declared by a class definition.
type MethodDef struct {
	MethodIdx   uint32 // index into File.MethodIDs
	AccessFlags uint32
	Code        *CodeItem // nil for abstract and native methods
}

// InvokeType derives the declared dispatch kind from the access flags.
func (m *MethodDef) InvokeType(classFlags uint32) InvokeType {
	switch {
	case m.AccessFlags&AccStatic != 0:
		return InvokeStatic
	case m.AccessFlags&AccPrivate != 0, m.AccessFlags&AccConstructor != 0:
		return InvokeDirect
	case classFlags&AccInterface != 0:
		return InvokeInterface
	default:
		return InvokeVirtual
	}
}

// ClassDef is one class definition inside a container.
type ClassDef struct {
	TypeIdx      uint32 // index into TypeIDs, the class's own descriptor
	SuperTypeIdx int32  // -1 when the class has no superclass
	AccessFlags  uint32
	Methods      []MethodDef
	Fields       []uint32 // indices into File.FieldIDs, declaration order

	// FinalInstanceFieldSet reports that some constructor assigns a final
	// instance field, which obliges the compiled constructor to emit a
	// memory barrier.
	FinalInstanceFieldSet bool
}

// File is an in-memory bytecode container.
type File struct {
	Location  string
	TypeIDs   []string // type index -> descriptor, e.g. "LBase;"
	StringIDs []string
	MethodIDs []MethodID
	FieldIDs  []FieldID
	ClassDefs []ClassDef
}

// Type returns the descriptor at the given type index, or "" when the index
// is out of range.
func (f *File) Type(idx uint32) string {
	if int(idx) >= len(f.TypeIDs) {
		return ""
	}
	return f.TypeIDs[idx]
}

// String returns the string at the given string index.
func (f *File) String(idx uint32) (string, bool) {
	if int(idx) >= len(f.StringIDs) {
		return "", false
	}
	return f.StringIDs[idx], true
}

// MethodID returns the method reference at the given index.
func (f *File) MethodID(idx uint32) (MethodID, bool) {
	if int(idx) >= len(f.MethodIDs) {
		return MethodID{}, false
	}
	return f.MethodIDs[idx], true
}

// FieldID returns the field reference at the given index.
func (f *File) FieldID(idx uint32) (FieldID, bool) {
	if int(idx) >= len(f.FieldIDs) {
		return FieldID{}, false
	}
	return f.FieldIDs[idx], true
}

// FindClassDef returns the index of the class definition with the given
// descriptor, or -1.
func (f *File) FindClassDef(descriptor string) int {
	for i := range f.ClassDefs {
		if f.Type(f.ClassDefs[i].TypeIdx) == descriptor {
			return i
		}
	}
	return -1
}

// ClassRef identifies a class definition within a container.
type ClassRef struct {
	File        *File
	ClassDefIdx uint16
}

// Descriptor returns the descriptor of the referenced class.
func (r ClassRef) Descriptor() string {
	def := &r.File.ClassDefs[r.ClassDefIdx]
	return r.File.Type(def.TypeIdx)
}

// Def returns the referenced class definition.
func (r ClassRef) Def() *ClassDef {
	return &r.File.ClassDefs[r.ClassDefIdx]
}

// Compare imposes a total order: container location first, then index.
func (r ClassRef) Compare(o ClassRef) int {
	if c := strings.Compare(r.File.Location, o.File.Location); c != 0 {
		return c
	}
	switch {
	case r.ClassDefIdx < o.ClassDefIdx:
		return -1
	case r.ClassDefIdx > o.ClassDefIdx:
		return 1
	}
	return 0
}

// MethodRef identifies a method within a container.
type MethodRef struct {
	File      *File
	MethodIdx uint32
}

// Compare imposes a total order: container location first, then index.
func (r MethodRef) Compare(o MethodRef) int {
	if c := strings.Compare(r.File.Location, o.File.Location); c != 0 {
		return c
	}
	switch {
	case r.MethodIdx < o.MethodIdx:
		return -1
	case r.MethodIdx > o.MethodIdx:
		return 1
	}
	return 0
}
