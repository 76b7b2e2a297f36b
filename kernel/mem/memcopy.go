package mem

import (
	"reflect"
	"unsafe"
)

// Memcopy copies size bytes from srcAddr to dstAddr. The regions must not
// overlap; callers that need overlap-safe semantics should go through the
// hyperspace mapping helpers which always copy into a freshly mapped frame.
func Memcopy(srcAddr, dstAddr uintptr, size Size) {
	if size == 0 {
		return
	}

	src := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: srcAddr,
	}))
	dst := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dstAddr,
	}))

	copy(dst, src)
}
