package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Pointer accesses registers directly at a physical (or identity-mapped)
// address. It is the backend used when the hypervisor runs on bare metal.
//
// Atomic loads and stores stand in for volatile accesses: the compiler never
// elides or merges them and each one is a single aligned 32-bit access.
type Pointer uintptr

func (p Pointer) reg(off uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(p) + uintptr(off)))
}

func (p Pointer) Read32(off uint64) uint32 {
	return atomic.LoadUint32(p.reg(off))
}

func (p Pointer) Write32(off uint64, value uint32) {
	atomic.StoreUint32(p.reg(off), value)
}
