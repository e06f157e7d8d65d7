package dex

import (
	"fmt"
	"sync"
)

// Class is a resolved runtime class: the linked view of a ClassDef with its
// superclass chain, vtable and field layout computed.
type Class struct {
	Descriptor  string
	Ref         ClassRef
	Super       *Class
	AccessFlags uint32

	// VTable holds the virtual methods in dispatch order: inherited slots
	// first, overridden in place, newly introduced appended.
	VTable []VTableEntry

	// InstanceFields maps field name to its byte offset within an object.
	InstanceFields map[string]FieldSlot
	// StaticFields maps field name to its index in the class's static
	// storage.
	StaticFields map[string]FieldSlot

	objectSize uint32

	initOnce    sync.Once
	initialized bool
}

// VTableEntry is one virtual dispatch slot.
type VTableEntry struct {
	Name      string
	Signature string
	Owner     ClassRef
	MethodIdx uint32 // index into Owner.File.MethodIDs
	Final     bool
}

// FieldSlot describes the resolved location of a field.
type FieldSlot struct {
	Offset   uint32 // byte offset (instance) or storage index (static)
	Volatile bool
	Final    bool
}

// IsFinal reports whether the class is declared final.
func (c *Class) IsFinal() bool { return c.AccessFlags&AccFinal != 0 }

// IsAbstract reports whether the class is abstract or an interface.
func (c *Class) IsAbstract() bool {
	return c.AccessFlags&(AccAbstract|AccInterface) != 0
}

// IsPublic reports whether the class is publicly accessible.
func (c *Class) IsPublic() bool { return c.AccessFlags&AccPublic != 0 }

// IsInitialized reports whether the class's static initializer has run.
func (c *Class) IsInitialized() bool { return c.initialized }

// IsSubclassOf walks the superclass chain.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// FindVirtual returns the vtable index for the (name, signature) pair, or -1.
func (c *Class) FindVirtual(name, signature string) int {
	for i := range c.VTable {
		if c.VTable[i].Name == name && c.VTable[i].Signature == signature {
			return i
		}
	}
	return -1
}

// FindDirect returns the method index of a declared static/direct method,
// or -1.
func (c *Class) FindDirect(name, signature string) int32 {
	def := c.Ref.Def()
	for i := range def.Methods {
		m := &def.Methods[i]
		id, ok := c.Ref.File.MethodID(m.MethodIdx)
		if !ok {
			continue
		}
		if id.Name != name || id.Signature != signature {
			continue
		}
		if m.InvokeType(def.AccessFlags) == InvokeVirtual {
			continue
		}
		return int32(m.MethodIdx)
	}
	return -1
}

const objectHeaderSize = 8
const fieldSlotSize = 4

// Loader is a class loader context: an ordered search path of containers
// plus the cache of classes resolved through it. Resolution is safe for
// concurrent callers; when two containers define clashing descriptors the
// earlier container in the search path wins.
type Loader struct {
	files []*File

	mu      sync.RWMutex
	classes map[string]*Class
	failed  map[string]error
}

// NewLoader creates a loader over the given containers in search order.
func NewLoader(files []*File) *Loader {
	return &Loader{
		files:   files,
		classes: make(map[string]*Class),
		failed:  make(map[string]error),
	}
}

// Files returns the search path.
func (l *Loader) Files() []*File { return l.files }

// Lookup returns an already-resolved class without triggering resolution.
func (l *Loader) Lookup(descriptor string) *Class {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classes[descriptor]
}

// Resolve links the class with the given descriptor, resolving its
// superclass chain first. A failure is cached: re-resolving a broken class
// reports the original error.
func (l *Loader) Resolve(descriptor string) (*Class, error) {
	return l.resolve(descriptor, make(map[string]bool))
}

func (l *Loader) resolve(descriptor string, inFlight map[string]bool) (*Class, error) {
	l.mu.RLock()
	if c, ok := l.classes[descriptor]; ok {
		l.mu.RUnlock()
		return c, nil
	}
	if err, ok := l.failed[descriptor]; ok {
		l.mu.RUnlock()
		return nil, err
	}
	l.mu.RUnlock()

	if inFlight[descriptor] {
		return nil, fmt.Errorf("superclass cycle at %s", descriptor)
	}
	inFlight[descriptor] = true

	ref, ok := l.findDef(descriptor)
	if !ok {
		err := fmt.Errorf("class %s not found in loader context", descriptor)
		l.recordFailure(descriptor, err)
		return nil, err
	}
	def := ref.Def()

	var super *Class
	if def.SuperTypeIdx >= 0 {
		superDesc := ref.File.Type(uint32(def.SuperTypeIdx))
		s, err := l.resolve(superDesc, inFlight)
		if err != nil {
			err = fmt.Errorf("resolving superclass of %s: %w", descriptor, err)
			l.recordFailure(descriptor, err)
			return nil, err
		}
		super = s
	}

	c := l.link(ref, def, super)

	l.mu.Lock()
	defer l.mu.Unlock()
	// A racing resolver may have won; keep the first linked instance so
	// pointer identity stays stable.
	if prior, ok := l.classes[descriptor]; ok {
		return prior, nil
	}
	l.classes[descriptor] = c
	return c, nil
}

// findDef scans the containers in search order.
func (l *Loader) findDef(descriptor string) (ClassRef, bool) {
	for _, f := range l.files {
		if i := f.FindClassDef(descriptor); i >= 0 {
			return ClassRef{File: f, ClassDefIdx: uint16(i)}, true
		}
	}
	return ClassRef{}, false
}

func (l *Loader) recordFailure(descriptor string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.failed[descriptor]; !ok {
		l.failed[descriptor] = err
	}
}

// link computes the vtable and field layout for a freshly resolved class.
func (l *Loader) link(ref ClassRef, def *ClassDef, super *Class) *Class {
	c := &Class{
		Descriptor:     ref.Descriptor(),
		Ref:            ref,
		Super:          super,
		AccessFlags:    def.AccessFlags,
		InstanceFields: make(map[string]FieldSlot),
		StaticFields:   make(map[string]FieldSlot),
	}

	instanceOffset := uint32(objectHeaderSize)
	if super != nil {
		c.VTable = append(c.VTable, super.VTable...)
		for name, slot := range super.InstanceFields {
			c.InstanceFields[name] = slot
		}
		instanceOffset = super.objectSize
	}

	for _, fi := range def.Fields {
		id, ok := ref.File.FieldID(fi)
		if !ok {
			continue
		}
		slot := FieldSlot{
			Volatile: id.AccessFlags&AccVolatile != 0,
			Final:    id.AccessFlags&AccFinal != 0,
		}
		if id.AccessFlags&AccStatic != 0 {
			slot.Offset = uint32(len(c.StaticFields))
			c.StaticFields[id.Name] = slot
		} else {
			slot.Offset = instanceOffset
			instanceOffset += fieldSlotSize
			c.InstanceFields[id.Name] = slot
		}
	}
	c.objectSize = instanceOffset

	for i := range def.Methods {
		m := &def.Methods[i]
		if m.InvokeType(def.AccessFlags) != InvokeVirtual {
			continue
		}
		id, ok := ref.File.MethodID(m.MethodIdx)
		if !ok {
			continue
		}
		entry := VTableEntry{
			Name:      id.Name,
			Signature: id.Signature,
			Owner:     ref,
			MethodIdx: m.MethodIdx,
			Final:     m.AccessFlags&AccFinal != 0,
		}
		if slot := c.FindVirtual(id.Name, id.Signature); slot >= 0 {
			c.VTable[slot] = entry
		} else {
			c.VTable = append(c.VTable, entry)
		}
	}

	return c
}

// Initialize runs the class's static initializer exactly once. The loader
// has no interpreter; initialization here is the status transition the
// driver observes.
func (l *Loader) Initialize(c *Class) {
	c.initOnce.Do(func() {
		if c.Super != nil {
			l.Initialize(c.Super)
		}
		c.initialized = true
	})
}

// ResolvedCount returns the number of classes resolved so far.
func (l *Loader) ResolvedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.classes)
}
