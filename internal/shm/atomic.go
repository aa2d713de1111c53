package shm

import (
	"sync/atomic"
	"unsafe"
)

// Word returns a pointer to the 4-byte aligned word at off in mem.
func Word(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(mem []byte, off int) uint32 {
	return atomic.LoadUint32(Word(mem, off))
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(mem []byte, off int, val uint32) {
	atomic.StoreUint32(Word(mem, off), val)
}

// AtomicAddInt32 adds delta to the int32 at off and returns the new value.
func AtomicAddInt32(mem []byte, off int, delta int32) int32 {
	return atomic.AddInt32((*int32)(unsafe.Pointer(&mem[off])), delta)
}

// AtomicLoadInt32 loads an int32 from shared memory atomically.
func AtomicLoadInt32(mem []byte, off int) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&mem[off])))
}
