package irq

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/pirq/internal/arch/armv7"
	"github.com/tinyrange/pirq/internal/irqchip"
)

// MaxIRQs is the size of the handler table.
const MaxIRQs = irqchip.MaxIRQs

var (
	ErrOutOfRange = errors.New("irq: interrupt id out of range")
	ErrSealed     = errors.New("irq: handler table sealed")
	ErrNilHandler = errors.New("irq: nil handler")
)

// Handler runs for one interrupt with a read/write view of the trapped
// register context. regs must not be retained after the handler returns.
// flags is reserved and always zero.
type Handler func(id uint32, regs *armv7.Regs, flags uint32)

// RegisterResult reports what a registration did to the table.
type RegisterResult uint8

const (
	ResultRegistered RegisterResult = iota
	ResultReplaced
	ResultOutOfRange
	ResultSealed
	ResultNilHandler
)

func (r RegisterResult) String() string {
	switch r {
	case ResultRegistered:
		return "registered"
	case ResultReplaced:
		return "replaced"
	case ResultOutOfRange:
		return "out of range"
	case ResultSealed:
		return "sealed"
	case ResultNilHandler:
		return "nil handler"
	default:
		return fmt.Sprintf("RegisterResult(%d)", uint8(r))
	}
}

// Err returns nil when the handler was installed and the matching sentinel
// error otherwise.
func (r RegisterResult) Err() error {
	switch r {
	case ResultRegistered, ResultReplaced:
		return nil
	case ResultOutOfRange:
		return ErrOutOfRange
	case ResultSealed:
		return ErrSealed
	case ResultNilHandler:
		return ErrNilHandler
	default:
		return fmt.Errorf("irq: unknown registration result %d", uint8(r))
	}
}

// Table maps interrupt ids to handlers. Lookups are lock-free so the table
// can be read from nested interrupt handlers and from several cores at once.
//
// Registration is meant for boot. Once Seal is called the table is frozen.
type Table struct {
	slots  [MaxIRQs]atomic.Pointer[Handler]
	sealed atomic.Bool
}

func NewTable() *Table {
	return &Table{}
}

// Register installs h for id. The last registration for an id wins.
func (t *Table) Register(id uint32, h Handler) RegisterResult {
	if id >= MaxIRQs {
		return ResultOutOfRange
	}
	if h == nil {
		return ResultNilHandler
	}
	if t.sealed.Load() {
		return ResultSealed
	}
	if old := t.slots[id].Swap(&h); old != nil {
		return ResultReplaced
	}
	return ResultRegistered
}

// Lookup returns the handler for id, or nil.
func (t *Table) Lookup(id uint32) Handler {
	if id >= MaxIRQs {
		return nil
	}
	if h := t.slots[id].Load(); h != nil {
		return *h
	}
	return nil
}

// Seal freezes the table.
func (t *Table) Seal() {
	t.sealed.Store(true)
}

func (t *Table) Sealed() bool {
	return t.sealed.Load()
}

// Registered returns the ids that currently have a handler, in order.
func (t *Table) Registered() []uint32 {
	var ids []uint32
	for id := range t.slots {
		if t.slots[id].Load() != nil {
			ids = append(ids, uint32(id))
		}
	}
	return ids
}
