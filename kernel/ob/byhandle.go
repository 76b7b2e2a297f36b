package ob

import (
	"unsafe"

	"ferrite/kernel"
)

// currentHandleTableFn resolves the calling thread's process handle
// table. kernel/ps registers itself here via SetCurrentHandleTableSource
// during its own Init — ob must not import ps directly, since ps in turn
// creates objects and handles through this package.
var currentHandleTableFn = func() *Table { return nil }

// SetCurrentHandleTableSource installs the collaborator that resolves
// the current process's handle table. Called once by kernel/ps's Init.
func SetCurrentHandleTableSource(fn func() *Table) { currentHandleTableFn = fn }

// ReferenceObjectByHandle looks up handle in the current process's
// handle table, checks type and access, and references the object on
// success (spec §4.10 "Reference-by-handle").
func ReferenceObjectByHandle(handle Handle, desiredAccess uint32, desiredType *Type) (unsafe.Pointer, *kernel.Error) {
	table := currentHandleTableFn()
	if table == nil {
		return nil, ErrInvalidHandle
	}

	object, granted, ok := GetObject(table, handle)
	if !ok {
		return nil, ErrInvalidHandle
	}

	if desiredType != nil && TypeOf(object) != desiredType {
		return nil, ErrTypeMismatch
	}
	if granted&desiredAccess != desiredAccess {
		return nil, ErrAccessDenied
	}

	if !Reference(object) {
		return nil, ErrObjectDeleted
	}
	return object, nil
}

// CreateHandleForObject installs object into the current process's
// handle table (spec §4.10).
func CreateHandleForObject(object unsafe.Pointer, desiredAccess uint32) (Handle, *kernel.Error) {
	table := currentHandleTableFn()
	if table == nil {
		return InvalidHandle, ErrInvalidState
	}
	return CreateHandle(table, object, desiredAccess)
}
