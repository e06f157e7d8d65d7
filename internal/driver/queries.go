package driver

import (
	"hash/fnv"

	"github.com/dex-aot/internal/backend"
	"github.com/dex-aot/internal/dedupe"
	"github.com/dex-aot/internal/dex"
	"github.com/dex-aot/internal/patch"
)

// The methods in this file implement backend.Driver. Queries answer from
// state the phase pipeline already established and fall back to the
// conservative answer whenever something is unresolved; they never trigger
// resolution themselves.

// directPointer derives the stable synthetic address a direct call or type
// literal embeds for an image-resident entity.
func directPointer(key string) uintptr {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return uintptr(h.Sum64() | 1)
}

// CanAssumeTypeIsPresentInCache reports whether the type is guaranteed to
// be in the type cache at execution time. Only image classes of an image
// build qualify.
func (d *Driver) CanAssumeTypeIsPresentInCache(file *dex.File, typeIdx uint32) bool {
	desc := file.Type(typeIdx)
	if desc == "" {
		return false
	}
	if !d.opts.Image || d.loader.Lookup(desc) == nil || !d.isImageClass(desc) {
		d.typesNotInCache.Add(1)
		return false
	}
	d.typesInCache.Add(1)
	return true
}

// CanAssumeStringIsPresentInCache reports whether the string literal is
// guaranteed resident. Image builds intern every string of their
// containers.
func (d *Driver) CanAssumeStringIsPresentInCache(file *dex.File, stringIdx uint32) bool {
	if !d.opts.Image {
		return false
	}
	_, ok := file.String(stringIdx)
	return ok
}

// CanAccessTypeWithoutChecks answers the access-check query for a type
// reference. An unresolved target yields the zero answer, which keeps all
// runtime checks in place.
func (d *Driver) CanAccessTypeWithoutChecks(referrer dex.ClassRef, file *dex.File, typeIdx uint32) backend.TypeAccess {
	desc := file.Type(typeIdx)
	if desc == "" {
		return backend.TypeAccess{}
	}
	cls := d.loader.Lookup(desc)
	if cls == nil {
		return backend.TypeAccess{}
	}
	return backend.TypeAccess{
		NoChecksNeeded: cls.IsPublic() || cls.Ref.File == referrer.File,
		KnownFinal:     cls.IsFinal(),
		KnownAbstract:  cls.IsAbstract(),
		EqualsReferrer: desc == referrer.Descriptor(),
	}
}

// CanAccessInstantiableTypeWithoutChecks additionally requires that the
// type can actually be instantiated.
func (d *Driver) CanAccessInstantiableTypeWithoutChecks(referrer dex.ClassRef, file *dex.File, typeIdx uint32) bool {
	desc := file.Type(typeIdx)
	if desc == "" {
		return false
	}
	cls := d.loader.Lookup(desc)
	if cls == nil || cls.IsAbstract() {
		return false
	}
	return cls.IsPublic() || cls.Ref.File == referrer.File
}

// CanEmbedTypeInCode reports whether a type literal may be baked directly
// into generated code instead of going through a patched literal.
func (d *Driver) CanEmbedTypeInCode(file *dex.File, typeIdx uint32) backend.TypeEmbedInfo {
	desc := file.Type(typeIdx)
	if desc == "" {
		return backend.TypeEmbedInfo{}
	}
	cls := d.loader.Lookup(desc)
	if cls == nil {
		return backend.TypeEmbedInfo{}
	}
	info := backend.TypeEmbedInfo{
		CanEmbed:      d.opts.Image && d.isImageClass(desc),
		IsInitialized: cls.IsInitialized(),
	}
	if info.CanEmbed {
		info.UseDirectPointer = true
		info.DirectPointer = directPointer(desc)
	}
	return info
}

func (d *Driver) resolveField(fieldIdx uint32, unit *backend.CompilationUnit) (*dex.Class, dex.FieldID, bool) {
	fid, ok := unit.MethodRef.File.FieldID(fieldIdx)
	if !ok {
		return nil, dex.FieldID{}, false
	}
	desc := unit.MethodRef.File.Type(fid.ClassTypeIdx)
	cls := d.loader.Lookup(desc)
	if cls == nil {
		return nil, dex.FieldID{}, false
	}
	return cls, fid, true
}

func (d *Driver) canAccessMember(declaring *dex.Class, unit *backend.CompilationUnit) bool {
	if declaring.IsPublic() || declaring.Ref.File == unit.ClassRef.File {
		return true
	}
	refCls := d.loader.Lookup(unit.ClassRef.Descriptor())
	return refCls != nil && refCls.IsSubclassOf(declaring)
}

// ComputeInstanceFieldInfo resolves the fast path for an instance field
// access. The second result is false when the access must stay on the slow
// path.
func (d *Driver) ComputeInstanceFieldInfo(fieldIdx uint32, unit *backend.CompilationUnit, isPut bool) (backend.FieldAccess, bool) {
	cls, fid, ok := d.resolveField(fieldIdx, unit)
	if !ok {
		return backend.FieldAccess{}, false
	}
	slot, ok := cls.InstanceFields[fid.Name]
	if !ok || !d.canAccessMember(cls, unit) {
		return backend.FieldAccess{}, false
	}
	// Writes to final fields from outside the declaring class stay slow so
	// the runtime can reject them.
	if isPut && slot.Final && cls.Ref != unit.ClassRef {
		return backend.FieldAccess{}, false
	}
	return backend.FieldAccess{
		Offset:       slot.Offset,
		Volatile:     slot.Volatile,
		StorageIndex: -1,
	}, true
}

// ComputeStaticFieldInfo resolves the fast path for a static field access.
func (d *Driver) ComputeStaticFieldInfo(fieldIdx uint32, unit *backend.CompilationUnit, isPut bool) (backend.FieldAccess, bool) {
	cls, fid, ok := d.resolveField(fieldIdx, unit)
	if !ok {
		return backend.FieldAccess{}, false
	}
	slot, ok := cls.StaticFields[fid.Name]
	if !ok || !d.canAccessMember(cls, unit) {
		return backend.FieldAccess{}, false
	}
	isReferrers := cls.Ref == unit.ClassRef
	if isPut && slot.Final && !isReferrers {
		return backend.FieldAccess{}, false
	}
	return backend.FieldAccess{
		Offset:           slot.Offset,
		Volatile:         slot.Volatile,
		StorageIndex:     int32(slot.Offset),
		IsReferrersClass: isReferrers,
		IsInitialized:    isReferrers || cls.IsInitialized(),
	}, true
}

// ComputeInvokeInfo resolves the fast path for a call site: the sharpened
// dispatch kind, the exact target when devirtualization applies, and a
// direct code address when the target's code is already pinned in the
// image.
func (d *Driver) ComputeInvokeInfo(unit *backend.CompilationUnit, pc int, insn dex.Instruction) (backend.InvokeInfo, bool) {
	file := unit.MethodRef.File
	mid, ok := file.MethodID(insn.Index)
	if !ok {
		return backend.InvokeInfo{}, false
	}
	cls := d.loader.Lookup(file.Type(mid.ClassTypeIdx))
	if cls == nil {
		return backend.InvokeInfo{}, false
	}

	switch insn.Invoke {
	case dex.InvokeStatic, dex.InvokeDirect:
		idx := cls.FindDirect(mid.Name, mid.Signature)
		if idx < 0 {
			return backend.InvokeInfo{}, false
		}
		info := backend.InvokeInfo{
			SharpType: insn.Invoke,
			Target:    dex.MethodRef{File: cls.Ref.File, MethodIdx: uint32(idx)},
			VTableIdx: -1,
		}
		d.fillDirectCode(&info, cls.Descriptor, mid.Name)
		return info, true

	case dex.InvokeVirtual, dex.InvokeInterface:
		vidx := cls.FindVirtual(mid.Name, mid.Signature)
		if vidx < 0 {
			return backend.InvokeInfo{}, false
		}
		entry := cls.VTable[vidx]
		target := dex.MethodRef{File: entry.Owner.File, MethodIdx: entry.MethodIdx}
		if entry.Final || cls.IsFinal() {
			// The slot cannot be overridden: dispatch straight to the
			// implementation.
			unit.Stats.DevirtualizedCalls++
			info := backend.InvokeInfo{SharpType: dex.InvokeDirect, Target: target, VTableIdx: -1}
			d.fillDirectCode(&info, entry.Owner.Descriptor(), entry.Name)
			return info, true
		}
		return backend.InvokeInfo{SharpType: insn.Invoke, Target: target, VTableIdx: int32(vidx)}, true

	case dex.InvokeSuper:
		refCls := d.loader.Lookup(unit.ClassRef.Descriptor())
		if refCls == nil || refCls.Super == nil {
			return backend.InvokeInfo{}, false
		}
		super := refCls.Super
		vidx := super.FindVirtual(mid.Name, mid.Signature)
		if vidx < 0 {
			return backend.InvokeInfo{}, false
		}
		entry := super.VTable[vidx]
		unit.Stats.DevirtualizedCalls++
		info := backend.InvokeInfo{
			SharpType: dex.InvokeDirect,
			Target:    dex.MethodRef{File: entry.Owner.File, MethodIdx: entry.MethodIdx},
			VTableIdx: -1,
		}
		d.fillDirectCode(&info, entry.Owner.Descriptor(), entry.Name)
		return info, true
	}
	return backend.InvokeInfo{}, false
}

// fillDirectCode embeds a direct code address when the target method's code
// already exists and will be pinned in the image.
func (d *Driver) fillDirectCode(info *backend.InvokeInfo, targetClassDesc, methodName string) {
	if !d.opts.Image || !d.isImageClass(targetClassDesc) {
		return
	}
	if d.tables.Method(info.Target) == nil {
		return
	}
	key := targetClassDesc + "->" + methodName
	info.DirectCode = directPointer(key)
	info.DirectMethod = directPointer(key + "#method")
}

// IsSafeCast reports whether the verifier proved the checked cast at the
// given instruction offset can never fail.
func (d *Driver) IsSafeCast(unit *backend.CompilationUnit, pc int) bool {
	return unit.Verified.IsSafeCast(pc)
}

// RequiresConstructorBarrier reports whether compiled constructors of the
// class must end with a store barrier. It only reads what verification
// recorded; an unverified class conservatively gets no barrier and no
// compiled constructors either.
func (d *Driver) RequiresConstructorBarrier(ref dex.ClassRef) bool {
	d.barrierMu.RLock()
	defer d.barrierMu.RUnlock()
	return d.barriers[ref]
}

func recordHeader(unit *backend.CompilationUnit, literalOffset uint32) patch.Record {
	return patch.Record{
		ContainerLocation:   unit.MethodRef.File.Location,
		ReferrerClassDefIdx: unit.ClassRef.ClassDefIdx,
		ReferrerMethodIdx:   unit.MethodRef.MethodIdx,
		LiteralOffset:       literalOffset,
	}
}

// AddCodePatch records an absolute call-site relocation.
func (d *Driver) AddCodePatch(unit *backend.CompilationUnit, referrerType, targetType dex.InvokeType, targetMethodIdx uint32, literalOffset uint32) error {
	r := recordHeader(unit, literalOffset)
	r.ReferrerInvokeType = referrerType
	r.TargetInvokeType = targetType
	r.TargetMethodIdx = targetMethodIdx
	return d.ledger.AddCall(r)
}

// AddRelativeCodePatch records a pc-relative call-site relocation.
func (d *Driver) AddRelativeCodePatch(unit *backend.CompilationUnit, referrerType, targetType dex.InvokeType, targetMethodIdx uint32, literalOffset uint32, pcRelativeOffset int32) error {
	r := recordHeader(unit, literalOffset)
	r.ReferrerInvokeType = referrerType
	r.TargetInvokeType = targetType
	r.TargetMethodIdx = targetMethodIdx
	r.PCRelativeOffset = pcRelativeOffset
	return d.ledger.AddRelativeCall(r)
}

// AddMethodPatch records a method-pointer relocation.
func (d *Driver) AddMethodPatch(unit *backend.CompilationUnit, referrerType, targetType dex.InvokeType, targetMethodIdx uint32, literalOffset uint32) error {
	r := recordHeader(unit, literalOffset)
	r.ReferrerInvokeType = referrerType
	r.TargetInvokeType = targetType
	r.TargetMethodIdx = targetMethodIdx
	return d.ledger.AddMethod(r)
}

// AddClassPatch records a type-literal relocation.
func (d *Driver) AddClassPatch(unit *backend.CompilationUnit, targetTypeIdx uint32, literalOffset uint32) error {
	r := recordHeader(unit, literalOffset)
	r.TargetTypeIdx = targetTypeIdx
	return d.ledger.AddType(r)
}

// DeduplicateCode interns a code blob.
func (d *Driver) DeduplicateCode(code []byte) dedupe.Handle {
	return d.codeStore.Intern(code)
}

// DeduplicateMappingTable interns a mapping table blob.
func (d *Driver) DeduplicateMappingTable(table []byte) dedupe.Handle {
	return d.mappingStore.Intern(table)
}

// DeduplicateVMapTable interns a vmap table blob.
func (d *Driver) DeduplicateVMapTable(table []byte) dedupe.Handle {
	return d.vmapStore.Intern(table)
}

// DeduplicateGCMap interns a gc map blob.
func (d *Driver) DeduplicateGCMap(gcMap []byte) dedupe.Handle {
	return d.gcMapStore.Intern(gcMap)
}

// InstructionSet returns the target instruction set of the run.
func (d *Driver) InstructionSet() string { return d.opts.InstructionSet }

var _ backend.Driver = (*Driver)(nil)
