// Package irq is the interrupt dispatch core. It acknowledges interrupts on
// the active chip, runs the registered handler and drives the chip through
// its two completion phases.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/pirq/internal/arch/armv7"
	"github.com/tinyrange/pirq/internal/irqchip"
)

// Factory opens the platform's interrupt controller.
type Factory func() (irqchip.Chip, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithTable makes the dispatcher use an existing handler table.
func WithTable(t *Table) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.table = t
		}
	}
}

// Stats are running counters kept by a Dispatcher.
type Stats struct {
	Dispatched  uint64
	Unhandled   uint64
	Spurious    uint64
	MaxInFlight int32
}

// Dispatcher handles interrupt traps for one chip. HandleIRQ is re-entrant:
// a handler may be interrupted by a higher priority line and the nested trap
// runs through the same dispatcher.
type Dispatcher struct {
	chip  irqchip.Chip
	table *Table
	log   *slog.Logger

	dispatched atomic.Uint64
	unhandled  atomic.Uint64
	spurious   atomic.Uint64
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
}

// New returns a dispatcher for an already initialized chip.
func New(chip irqchip.Chip, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		chip:  chip,
		table: NewTable(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init opens the chip through the platform factory, initializes it and
// returns a dispatcher for it. It must run before interrupts are unmasked at
// the CPU; lines that fire before their handler is registered are lost.
func Init(open Factory, opts ...Option) (*Dispatcher, error) {
	if open == nil {
		return nil, errors.New("irq: platform factory is nil")
	}
	chip, err := open()
	if err != nil {
		return nil, fmt.Errorf("irq: open interrupt chip: %w", err)
	}
	if chip == nil {
		return nil, errors.New("irq: platform factory returned no chip")
	}
	if err := chip.Init(); err != nil {
		return nil, fmt.Errorf("irq: init interrupt chip: %w", err)
	}
	return New(chip, opts...), nil
}

// Chip returns the chip so higher layers can drive completion themselves.
func (d *Dispatcher) Chip() irqchip.Chip { return d.chip }

// Table returns the handler table.
func (d *Dispatcher) Table() *Table { return d.table }

// RegisterHandler installs h for id. Failures are logged and reported in
// the result; they never affect other lines.
func (d *Dispatcher) RegisterHandler(id uint32, h Handler) RegisterResult {
	res := d.table.Register(id, h)
	switch res {
	case ResultRegistered:
	case ResultReplaced:
		d.log.Debug("irq: handler replaced", "line", id)
	default:
		d.log.Warn("irq: handler not registered", "line", id, "reason", res.String())
	}
	return res
}

// Seal freezes the handler table. Call it before secondary cores start.
func (d *Dispatcher) Seal() {
	d.table.Seal()
}

// HandleIRQ is the interrupt trap handler. The priority drop happens right
// after acknowledge and the deactivation right after the handler returns,
// whether or not a handler is registered.
func (d *Dispatcher) HandleIRQ(regs *armv7.Regs) armv7.Status {
	id := d.chip.Ack()
	if irqchip.IsSpurious(id) {
		d.spurious.Add(1)
		d.log.Debug("irq: spurious interrupt", "id", id)
		return armv7.StatusSuccess
	}

	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		peak := d.maxFlight.Load()
		if n <= peak || d.maxFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	d.chip.EOI(id)
	// Deactivate even if the handler panics, or the line never fires again.
	defer d.chip.Deactivate(id)

	if h := d.table.Lookup(id); h != nil {
		h(id, regs, 0)
		d.dispatched.Add(1)
	} else {
		d.unhandled.Add(1)
		d.log.Debug("irq: no handler", "line", id)
	}

	return armv7.StatusSuccess
}

// Stats returns a snapshot of the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:  d.dispatched.Load(),
		Unhandled:   d.unhandled.Load(),
		Spurious:    d.spurious.Load(),
		MaxInFlight: d.maxFlight.Load(),
	}
}
