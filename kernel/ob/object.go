// Package ob implements the object manager (spec §4.10): object types,
// reference-counted object headers, and the two-level handle table every
// process's handle namespace and the kernel-wide CID table are built on.
package ob

import (
	"sync/atomic"
	"unsafe"

	"ferrite/kernel"
	"ferrite/kernel/dpc"
	"ferrite/kernel/mem"
	"ferrite/kernel/mem/pool"
)

var (
	ErrInvalidParam  = &kernel.Error{Module: "ob", Message: "invalid parameter"}
	ErrNoMemory      = &kernel.Error{Module: "ob", Message: "insufficient pool memory to create object"}
	ErrTypeMismatch  = &kernel.Error{Module: "ob", Message: "object type mismatch"}
	ErrObjectDeleted = &kernel.Error{Module: "ob", Message: "object is deleted or being deleted"}
	ErrInvalidHandle = &kernel.Error{Module: "ob", Message: "invalid handle"}
	ErrAccessDenied  = &kernel.Error{Module: "ob", Message: "access denied"}
	ErrInvalidState  = &kernel.Error{Module: "ob", Message: "no handle table for current process"}
)

// Type describes one class of kernel object (spec §4.10). One Type exists
// per subsystem (process, thread, event, ...); every object created with
// it links back to it for accounting and deletion.
type Type struct {
	Name            string
	PoolTag         pool.Tag
	DeleteProcedure func(obj unsafe.Pointer)

	totalObjects uint32
}

// CreateType registers a new object type. deleteProcedure is invoked once
// an object's reference count reaches zero, before its memory is
// reclaimed; it may be nil for types with no teardown work.
func CreateType(name string, tag pool.Tag, deleteProcedure func(unsafe.Pointer)) *Type {
	return &Type{Name: name, PoolTag: tag, DeleteProcedure: deleteProcedure}
}

// TotalObjects returns the number of live objects of this type, for
// diagnostics.
func (t *Type) TotalObjects() uint32 { return atomic.LoadUint32(&t.totalObjects) }

// header immediately precedes every object body returned by Create. Its
// size is the fixed offset Create/headerFromBody use to move between a
// body pointer and its header.
type header struct {
	typ          *Type
	pointerCount uint64
	handleCount  uint64
	nextToFree   unsafe.Pointer
}

var headerSize = mem.Size(unsafe.Sizeof(header{}))

func bodyFromHeader(raw unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(raw) + uintptr(headerSize))
}

func headerFromBody(obj unsafe.Pointer) *header {
	return (*header)(unsafe.Pointer(uintptr(obj) - uintptr(headerSize)))
}

// allocateFn/freeFn are swapped out by tests so object creation can be
// exercised without the real pool allocator.
var (
	allocateFn = pool.Allocate
	freeFn     = pool.Free
)

// Create allocates an object of the given type with bodySize bytes of
// caller-defined storage after the header, initializes its reference
// count to one, and returns a pointer to the body (spec §4.10 "Object
// creation").
func Create(typ *Type, bodySize uint32) (unsafe.Pointer, *kernel.Error) {
	if typ == nil {
		return nil, ErrInvalidParam
	}

	raw, err := allocateFn(headerSize+mem.Size(bodySize), typ.PoolTag)
	if err != nil {
		return nil, ErrNoMemory
	}

	hdr := (*header)(raw)
	hdr.typ = typ
	hdr.pointerCount = 1
	hdr.handleCount = 0
	hdr.nextToFree = nil

	atomic.AddUint32(&typ.totalObjects, 1)
	return bodyFromHeader(raw), nil
}

// TypeOf returns the Type an object was created with.
func TypeOf(obj unsafe.Pointer) *Type { return headerFromBody(obj).typ }

// Reference CAS-increments obj's reference count, failing if it has
// already reached zero (the object is dying or dead).
func Reference(obj unsafe.Pointer) bool {
	if obj == nil {
		return false
	}
	h := headerFromBody(obj)
	for {
		old := atomic.LoadUint64(&h.pointerCount)
		if old == 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&h.pointerCount, old, old+1) {
			return true
		}
	}
}

// ReferenceByPointer references obj, additionally verifying it is of
// desiredType (pass nil to skip the check).
func ReferenceByPointer(obj unsafe.Pointer, desiredType *Type) *kernel.Error {
	if obj == nil {
		return ErrInvalidParam
	}
	h := headerFromBody(obj)
	if desiredType != nil && h.typ != desiredType {
		return ErrTypeMismatch
	}
	if !Reference(obj) {
		return ErrObjectDeleted
	}
	return nil
}

// reaperList is a lock-free LIFO of headers awaiting deletion, drained by
// reapRoutine rather than freeing pool memory inline from whatever
// context Dereference happened to run in.
var (
	reaperList unsafe.Pointer
	reaperDPC  *dpc.DPC

	enqueueFn = dpc.Enqueue
)

// Init wires the Medium-priority reaper DPC. Must be called once before
// any object's reference count can reach zero.
func Init() {
	reaperDPC = dpc.New(reapRoutine, nil, dpc.Medium, dpc.AnyCPU)
}

func deferDeletion(h *header) {
	for {
		old := atomic.LoadPointer(&reaperList)
		h.nextToFree = old
		if atomic.CompareAndSwapPointer(&reaperList, old, unsafe.Pointer(h)) {
			if old == nil {
				enqueueFn(reaperDPC, nil, nil)
			}
			return
		}
	}
}

func reapRoutine(_ *dpc.DPC, _, _, _ unsafe.Pointer) {
	list := atomic.SwapPointer(&reaperList, nil)
	for list != nil {
		h := (*header)(list)
		next := h.nextToFree
		h.nextToFree = nil
		freeFn(unsafe.Pointer(h))
		list = next
	}
}

// Dereference decrements obj's reference count; on reaching zero it runs
// the type's delete procedure, decrements the type's live-object count,
// and queues the header for the reaper DPC to free.
func Dereference(obj unsafe.Pointer) {
	if obj == nil {
		return
	}
	h := headerFromBody(obj)
	if atomic.AddUint64(&h.pointerCount, ^uint64(0)) != 0 {
		return
	}

	typ := h.typ
	if typ.DeleteProcedure != nil {
		typ.DeleteProcedure(obj)
	}
	atomic.AddUint32(&typ.totalObjects, ^uint32(0))
	deferDeletion(h)
}
