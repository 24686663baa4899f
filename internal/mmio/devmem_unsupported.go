//go:build !linux

package mmio

// Mapping is unavailable on this platform.
type Mapping struct{}

func OpenDevMem(path string, base, size uint64) (*Mapping, error) {
	return nil, ErrUnsupported
}

func (m *Mapping) Base() uint64 { return 0 }

func (m *Mapping) Read32(off uint64) uint32 { return 0 }

func (m *Mapping) Write32(off uint64, value uint32) {}

func (m *Mapping) Close() error { return nil }
