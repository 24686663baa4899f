package mmio

import (
	"testing"
	"unsafe"
)

type wordFile map[uint64]uint32

func (w wordFile) Read32(off uint64) uint32 { return w[off] }

func (w wordFile) Write32(off uint64, value uint32) { w[off] = value }

func TestWindowAddsBase(t *testing.T) {
	backing := wordFile{}
	dist := Window(backing, 0x1000)
	cpu := Window(backing, 0x2000)

	dist.Write32(0x4, 0xdead)
	cpu.Write32(0x4, 0xbeef)

	if got := backing[0x1004]; got != 0xdead {
		t.Fatalf("dist word=%#x, want 0xdead", got)
	}
	if got := backing[0x2004]; got != 0xbeef {
		t.Fatalf("cpu word=%#x, want 0xbeef", got)
	}
	if got := dist.Read32(0x4); got != 0xdead {
		t.Fatalf("dist read=%#x, want 0xdead", got)
	}
}

func TestWindowOfWindowFlattens(t *testing.T) {
	backing := wordFile{}
	inner := Window(Window(backing, 0x100), 0x20)
	inner.Write32(0, 1)
	if backing[0x120] != 1 {
		t.Fatalf("nested window wrote to wrong offset: %v", backing)
	}
	if Window(nil, 0x10) != nil {
		t.Fatalf("Window(nil) should be nil")
	}
}

func TestRecorderLogsAccesses(t *testing.T) {
	rec := NewRecorder(wordFile{0x8: 7})

	if got := rec.Read32(0x8); got != 7 {
		t.Fatalf("Read32=%d, want 7", got)
	}
	rec.Write32(0xc, 9)

	log := rec.Accesses()
	if len(log) != 2 {
		t.Fatalf("len(log)=%d, want 2", len(log))
	}
	if log[0] != (Access{Kind: AccessRead, Offset: 0x8, Value: 7}) {
		t.Fatalf("log[0]=%+v", log[0])
	}
	if log[1] != (Access{Kind: AccessWrite, Offset: 0xc, Value: 9}) {
		t.Fatalf("log[1]=%+v", log[1])
	}

	writes := rec.Writes()
	if len(writes) != 1 || writes[0].Offset != 0xc {
		t.Fatalf("Writes()=%+v, want single write at 0xc", writes)
	}

	rec.Reset()
	if n := len(rec.Accesses()); n != 0 {
		t.Fatalf("after Reset len=%d, want 0", n)
	}
}

var pointerWords [4]uint32

func TestPointerAccessesBackingWords(t *testing.T) {
	words := &pointerWords
	p := Pointer(uintptr(unsafe.Pointer(&words[0])))

	p.Write32(8, 0x12345678)
	if words[2] != 0x12345678 {
		t.Fatalf("words[2]=%#x, want 0x12345678", words[2])
	}
	words[1] = 42
	if got := p.Read32(4); got != 42 {
		t.Fatalf("Read32(4)=%d, want 42", got)
	}
}
