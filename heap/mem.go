package heap

import (
	"reflect"
	"unsafe"
)

// bytesAt views n bytes starting at addr as a slice, the same
// reflect.SliceHeader technique dma/alloc.go uses to turn a raw address
// into Go-visible memory.
func bytesAt(addr uintptr, n uintptr) []byte {
	var mem []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&mem))
	hdr.Data = addr
	hdr.Len = int(n)
	hdr.Cap = int(n)
	return mem
}

func ptrOf(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func addrOfPtr(p unsafe.Pointer) uintptr { return uintptr(p) }
