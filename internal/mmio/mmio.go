// Package mmio provides 32-bit register access to memory-mapped device blocks.
package mmio

import (
	"errors"
	"sync"
)

var ErrUnsupported = errors.New("mmio: register mapping unsupported on this platform")

// Region is a block of 32-bit device registers addressed by byte offset.
//
// Implementations must perform every access as a single 32-bit load or store.
// Accesses are not cached or combined.
type Region interface {
	Read32(off uint64) uint32
	Write32(off uint64, value uint32)
}

// Window returns a Region that adds base to every offset before forwarding
// the access to r. It is used to carve the distributor and CPU interface
// blocks out of one larger mapping.
func Window(r Region, base uint64) Region {
	if r == nil {
		return nil
	}
	if w, ok := r.(*window); ok {
		return &window{r: w.r, base: w.base + base}
	}
	return &window{r: r, base: base}
}

type window struct {
	r    Region
	base uint64
}

func (w *window) Read32(off uint64) uint32 { return w.r.Read32(w.base + off) }

func (w *window) Write32(off uint64, value uint32) { w.r.Write32(w.base+off, value) }

// AccessKind distinguishes loads from stores in a recorded access.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	if k == AccessWrite {
		return "write"
	}
	return "read"
}

// Access is one register access observed by a Recorder.
type Access struct {
	Kind   AccessKind
	Offset uint64
	Value  uint32
}

// Recorder wraps a Region and keeps a log of every access made through it.
type Recorder struct {
	r Region

	mu  sync.Mutex
	log []Access
}

// NewRecorder returns a Recorder forwarding to r.
func NewRecorder(r Region) *Recorder {
	return &Recorder{r: r}
}

func (rec *Recorder) Read32(off uint64) uint32 {
	v := rec.r.Read32(off)
	rec.mu.Lock()
	rec.log = append(rec.log, Access{Kind: AccessRead, Offset: off, Value: v})
	rec.mu.Unlock()
	return v
}

func (rec *Recorder) Write32(off uint64, value uint32) {
	rec.mu.Lock()
	rec.log = append(rec.log, Access{Kind: AccessWrite, Offset: off, Value: value})
	rec.mu.Unlock()
	rec.r.Write32(off, value)
}

// Accesses returns a copy of the access log.
func (rec *Recorder) Accesses() []Access {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Access(nil), rec.log...)
}

// Writes returns only the recorded stores.
func (rec *Recorder) Writes() []Access {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []Access
	for _, a := range rec.log {
		if a.Kind == AccessWrite {
			out = append(out, a)
		}
	}
	return out
}

// Reset clears the access log.
func (rec *Recorder) Reset() {
	rec.mu.Lock()
	rec.log = nil
	rec.mu.Unlock()
}
