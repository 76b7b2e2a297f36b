package mem

// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer size
// for this architecture is defined as (1 << PointerShift).
const PointerShift = 3
