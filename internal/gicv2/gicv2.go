// Package gicv2 drives the distributor and CPU interface of an ARM GICv2
// interrupt controller.
package gicv2

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pirq/internal/irqchip"
	"github.com/tinyrange/pirq/internal/mmio"
)

var (
	ErrAlreadyInitialized = errors.New("gicv2: controller already initialized")
	ErrNoRegisters        = errors.New("gicv2: distributor or cpu interface registers missing")
)

// Distributor register offsets
const (
	gicdCtlr       = 0x000 // Distributor Control Register
	gicdTyper      = 0x004 // Interrupt Controller Type Register
	gicdIsenabler  = 0x100 // Interrupt Set-Enable Registers
	gicdIcenabler  = 0x180 // Interrupt Clear-Enable Registers
	gicdIspendr    = 0x200 // Interrupt Set-Pending Registers
	gicdIsactiver  = 0x300 // Interrupt Set-Active Registers
	gicdIpriorityr = 0x400 // Interrupt Priority Registers
	gicdItargetsr  = 0x800 // Interrupt Processor Targets Registers
	gicdIcfgr      = 0xC00 // Interrupt Configuration Registers
	gicdSgir       = 0xF00 // Software Generated Interrupt Register

	gicdCtlrEnable     = 0x1
	gicdTyperLinesMask = 0x1f
	gicdTyperCPUsShift = 5
	gicdTyperCPUsMask  = 0x7
)

// CPU interface register offsets
const (
	giccCtlr  = 0x000 // CPU Interface Control Register
	giccPmr   = 0x004 // Interrupt Priority Mask Register
	giccIar   = 0x00C // Interrupt Acknowledge Register
	giccEoir  = 0x010 // End of Interrupt Register
	giccRpr   = 0x014 // Running Priority Register
	giccHppir = 0x018 // Highest Priority Pending Interrupt Register
	giccDir   = 0x1000

	giccCtlrEnableGrp0 = 1 << 0
	// Split completion: EOIR only drops priority, DIR deactivates.
	giccCtlrEOIMode = 1 << 9

	iarIDMask = 0x3ff
)

// SGIR fields
const (
	sgirTargetList  = 0 << 24
	sgirTargetShift = 16
	sgirIDMask      = 0xf
)

const (
	// DefaultPriority is assigned to every line at Init. Parts that implement
	// fewer than 8 priority bits read back a truncated value.
	DefaultPriority = 0xa0

	// PriorityMaskAll admits every priority. Parts with 5 implemented bits
	// read it back as 0xf8.
	PriorityMaskAll = 0xff

	defaultPriorityWord = DefaultPriority * 0x01010101
	cpu0TargetWord      = 0x01010101
)

// Registers holds the register blocks of one controller. Hypervisor is the
// virtual interface control block; it is kept with the instance but this
// driver never programs it.
type Registers struct {
	Distributor  mmio.Region
	CPUInterface mmio.Region
	Hypervisor   mmio.Region
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger used for diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// WithSMP marks the controller as serving more than one live core. The
// shared peripheral target registers are then left as the firmware set them.
func WithSMP(smp bool) Option {
	return func(d *Driver) { d.smp = smp }
}

// Driver is a GICv2 instance. It implements irqchip.Chip.
type Driver struct {
	dist mmio.Region
	cpu  mmio.Region
	hyp  mmio.Region

	smp bool
	log *slog.Logger

	// cfgMu serializes read-modify-write cycles on distributor words that
	// pack several lines (configuration, priority, target).
	cfgMu sync.Mutex

	initialized bool
	lines       uint32
	cpus        uint32
}

var _ irqchip.Chip = (*Driver)(nil)

// New returns an uninitialized driver for regs.
func New(regs Registers, opts ...Option) *Driver {
	d := &Driver{
		dist: regs.Distributor,
		cpu:  regs.CPUInterface,
		hyp:  regs.Hypervisor,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init discovers the controller geometry and programs the baseline state:
// interfaces enabled, no priority masking, shared lines level-triggered,
// every line disabled at the default priority and, on uniprocessor systems,
// shared lines routed to CPU 0.
func (d *Driver) Init() error {
	if d.dist == nil || d.cpu == nil {
		return ErrNoRegisters
	}
	if d.initialized {
		return ErrAlreadyInitialized
	}

	typer := d.dist.Read32(gicdTyper)
	// maximum number of irq lines: 32(N+1), less the reserved ids 1020-1023
	d.lines = min(32*((typer&gicdTyperLinesMask)+1), irqchip.MaxIRQs)
	d.cpus = 1 + (typer>>gicdTyperCPUsShift)&gicdTyperCPUsMask
	d.log.Info("gicv2: discovered controller", "lines", d.lines, "cpuInterfaces", d.cpus)

	d.cpu.Write32(giccCtlr, giccCtlrEnableGrp0|giccCtlrEOIMode)
	d.dist.Write32(gicdCtlr, gicdCtlrEnable)

	d.cpu.Write32(giccPmr, PriorityMaskAll)

	for id := uint32(irqchip.FirstSPI); id < d.lines; id += 16 {
		d.dist.Write32(icfgrOffset(id), 0)
	}

	// Enable everything, then clear whatever stuck. Bits that read back as
	// zero are lines this part does not implement.
	for id := uint32(0); id < d.lines; id += 32 {
		d.dist.Write32(enableOffset(gicdIsenabler, id), 0xffffffff)
		implemented := d.dist.Read32(enableOffset(gicdIsenabler, id))
		d.dist.Write32(enableOffset(gicdIcenabler, id), implemented)
	}

	for id := uint32(0); id < d.lines; id += 4 {
		d.dist.Write32(byteRegOffset(gicdIpriorityr, id), defaultPriorityWord)
	}

	// Target registers are read-only once more than one core is live.
	if !d.smp {
		for id := uint32(irqchip.FirstSPI); id < d.lines; id += 4 {
			d.dist.Write32(byteRegOffset(gicdItargetsr, id), cpu0TargetWord)
		}
	}

	d.initialized = true
	return nil
}

// Lines returns the number of interrupt lines reported by the distributor.
func (d *Driver) Lines() uint32 { return d.lines }

// CPUInterfaces returns the number of CPU interfaces reported by the
// distributor.
func (d *Driver) CPUInterfaces() uint32 { return d.cpus }

// SMP reports whether the driver was built for a multi-core configuration.
func (d *Driver) SMP() bool { return d.smp }

// Hypervisor returns the virtual interface control block, if one was mapped.
func (d *Driver) Hypervisor() mmio.Region { return d.hyp }

func (d *Driver) Ack() uint32 {
	return d.cpu.Read32(giccIar) & iarIDMask
}

func (d *Driver) EOI(id uint32) {
	d.cpu.Write32(giccEoir, id)
}

func (d *Driver) Deactivate(id uint32) {
	d.cpu.Write32(giccDir, id)
}

func (d *Driver) PendingID() uint32 {
	return d.cpu.Read32(giccHppir) & iarIDMask
}

// Enable and Disable ignore ids the controller does not implement; the
// enable word for such an id would land in a neighbouring register block.
func (d *Driver) Enable(id uint32) {
	if !d.validLine(id, "enable") {
		return
	}
	d.dist.Write32(enableOffset(gicdIsenabler, id), 1<<(id&0x1f))
}

func (d *Driver) Disable(id uint32) {
	if !d.validLine(id, "disable") {
		return
	}
	d.dist.Write32(enableOffset(gicdIcenabler, id), 1<<(id&0x1f))
}

func (d *Driver) validLine(id uint32, op string) bool {
	if id < d.lines {
		return true
	}
	d.log.Warn("gicv2: invalid or spurious irq", "op", op, "line", id, "lines", d.lines)
	return false
}

func (d *Driver) Configure(id uint32, p irqchip.Polarity) error {
	if id >= d.lines {
		d.log.Warn("gicv2: invalid or spurious irq", "line", id, "lines", d.lines)
		return fmt.Errorf("gicv2: configure line %d: %w", id, irqchip.ErrInvalidLine)
	}
	if id < irqchip.FirstSPI {
		d.log.Warn("gicv2: trigger mode of private line is fixed", "line", id, "class", irqchip.Class(id))
		return fmt.Errorf("gicv2: configure line %d: %w", id, irqchip.ErrNotConfigurable)
	}

	shift := 2 * (id % 16)

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	reg := d.dist.Read32(icfgrOffset(id))
	reg &^= 0x3 << shift
	reg |= uint32(p&0x3) << shift
	d.dist.Write32(icfgrOffset(id), reg)
	return nil
}

func (d *Driver) SendSGI(targets uint8, id uint32) error {
	if id >= irqchip.NumSGIs {
		d.log.Warn("gicv2: invalid sgi", "sgi", id)
		return fmt.Errorf("gicv2: send sgi %d: %w", id, irqchip.ErrInvalidSGI)
	}
	d.dist.Write32(gicdSgir, sgirTargetList|uint32(targets)<<sgirTargetShift|id&sgirIDMask)
	return nil
}

// SetPriority sets the priority byte of line id.
func (d *Driver) SetPriority(id uint32, prio uint8) error {
	if id >= d.lines {
		d.log.Warn("gicv2: invalid or spurious irq", "line", id, "lines", d.lines)
		return fmt.Errorf("gicv2: set priority of line %d: %w", id, irqchip.ErrInvalidLine)
	}

	shift := 8 * (id % 4)

	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	reg := d.dist.Read32(byteRegOffset(gicdIpriorityr, id))
	reg &^= 0xff << shift
	reg |= uint32(prio) << shift
	d.dist.Write32(byteRegOffset(gicdIpriorityr, id), reg)
	return nil
}

// Priority returns the priority byte of line id as the hardware reports it.
func (d *Driver) Priority(id uint32) (uint8, error) {
	if id >= d.lines {
		return 0, fmt.Errorf("gicv2: priority of line %d: %w", id, irqchip.ErrInvalidLine)
	}
	reg := d.dist.Read32(byteRegOffset(gicdIpriorityr, id))
	return uint8(reg >> (8 * (id % 4))), nil
}

// Polarity returns the trigger mode of line id.
func (d *Driver) Polarity(id uint32) (irqchip.Polarity, error) {
	if id >= d.lines {
		return 0, fmt.Errorf("gicv2: polarity of line %d: %w", id, irqchip.ErrInvalidLine)
	}
	reg := d.dist.Read32(icfgrOffset(id))
	return irqchip.Polarity((reg >> (2 * (id % 16))) & 0x3), nil
}

// Target returns the CPU interface mask line id is routed to.
func (d *Driver) Target(id uint32) (uint8, error) {
	if id >= d.lines {
		return 0, fmt.Errorf("gicv2: target of line %d: %w", id, irqchip.ErrInvalidLine)
	}
	reg := d.dist.Read32(byteRegOffset(gicdItargetsr, id))
	return uint8(reg >> (8 * (id % 4))), nil
}

func (d *Driver) IsEnabled(id uint32) bool {
	return d.testBit(gicdIsenabler, id)
}

func (d *Driver) IsPending(id uint32) bool {
	return d.testBit(gicdIspendr, id)
}

func (d *Driver) IsActive(id uint32) bool {
	return d.testBit(gicdIsactiver, id)
}

// RunningPriority returns the priority of the interrupt the CPU interface is
// currently handling, or the idle priority.
func (d *Driver) RunningPriority() uint8 {
	return uint8(d.cpu.Read32(giccRpr))
}

func (d *Driver) testBit(base uint64, id uint32) bool {
	if id >= d.lines {
		return false
	}
	return d.dist.Read32(enableOffset(base, id))&(1<<(id&0x1f)) != 0
}

// LineState is a point-in-time view of one line.
type LineState struct {
	ID       uint32
	Class    irqchip.LineClass
	Enabled  bool
	Pending  bool
	Active   bool
	Priority uint8
	Polarity irqchip.Polarity
	Target   uint8
}

// Snapshot reads back the state of every line.
func (d *Driver) Snapshot() []LineState {
	states := make([]LineState, 0, d.lines)
	for id := uint32(0); id < d.lines; id++ {
		prio, _ := d.Priority(id)
		pol, _ := d.Polarity(id)
		target, _ := d.Target(id)
		states = append(states, LineState{
			ID:       id,
			Class:    irqchip.Class(id),
			Enabled:  d.IsEnabled(id),
			Pending:  d.IsPending(id),
			Active:   d.IsActive(id),
			Priority: prio,
			Polarity: pol,
			Target:   target,
		})
	}
	return states
}

func enableOffset(base uint64, id uint32) uint64 {
	return base + 4*uint64(id>>5)
}

func byteRegOffset(base uint64, id uint32) uint64 {
	return base + 4*uint64(id>>2)
}

func icfgrOffset(id uint32) uint64 {
	return gicdIcfgr + 4*uint64(id>>4)
}
