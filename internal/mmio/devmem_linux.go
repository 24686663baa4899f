//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapping is a register block mapped from a memory device such as /dev/mem.
type Mapping struct {
	mem  []byte
	base uint64
	pad  uint64
}

// OpenDevMem maps size bytes of physical memory starting at base from the
// device at path. base does not need to be page aligned.
func OpenDevMem(path string, base, size uint64) (*Mapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmio: mapping at 0x%x has zero size", base)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open %s: %w", path, err)
	}
	defer f.Close()

	pageSize := uint64(unix.Getpagesize())
	pad := base % pageSize
	length := (pad + size + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(int(f.Fd()), int64(base-pad), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap %s at 0x%x size 0x%x: %w", path, base-pad, length, err)
	}

	return &Mapping{mem: mem, base: base, pad: pad}, nil
}

// Base returns the physical address the mapping starts at.
func (m *Mapping) Base() uint64 { return m.base }

func (m *Mapping) reg(off uint64) *uint32 {
	idx := m.pad + off
	if idx+4 > uint64(len(m.mem)) {
		panic(fmt.Sprintf("mmio: register offset 0x%x outside mapping of 0x%x bytes", off, uint64(len(m.mem))-m.pad))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[idx]))
}

func (m *Mapping) Read32(off uint64) uint32 {
	return atomic.LoadUint32(m.reg(off))
}

func (m *Mapping) Write32(off uint64, value uint32) {
	atomic.StoreUint32(m.reg(off), value)
}

// Close unmaps the register block.
func (m *Mapping) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
