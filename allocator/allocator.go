// Package allocator declares the contract every heap in this module
// implements: a mutable allocator callers can Alloc/Realloc/Free through
// without caring which concrete heap backs it.
package allocator

import "unsafe"

// TriState is the three-valued answer DidAlloc gives: an allocator may be
// unable to tell whether it owns a given pointer (for example, one backed
// by a hardware region it cannot introspect), so "no" and "don't know"
// are kept distinct from "yes".
type TriState int

const (
	Unknown TriState = iota - 1
	No
	Yes
)

// Allocator is the contract COMROGUE's IMalloc vtable describes
// (QueryInterface/AddRef/Release omitted: this module has no COM-style
// object headers). Every heap — the bootstrap allocator and the
// production heap alike — implements it the same way, so code that only
// needs to allocate never has to know which one it was handed.
type Allocator interface {
	Alloc(size uintptr) unsafe.Pointer
	Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
	Size(ptr unsafe.Pointer) uintptr
	DidAlloc(ptr unsafe.Pointer) TriState
	HeapMinimize()
}
