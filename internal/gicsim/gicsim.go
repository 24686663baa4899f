// Package gicsim models a GICv2 distributor and CPU interface at register
// level. It backs the driver tests and the "sim" platform backend.
package gicsim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pirq/internal/mmio"
)

// GICv2 distributor register offsets
const (
	gicdCtlr       = 0x000 // Distributor Control Register
	gicdTyper      = 0x004 // Interrupt Controller Type Register
	gicdIidr       = 0x008 // Distributor Implementer Identification Register
	gicdIsenabler  = 0x100 // Interrupt Set-Enable Registers
	gicdIcenabler  = 0x180 // Interrupt Clear-Enable Registers
	gicdIspendr    = 0x200 // Interrupt Set-Pending Registers
	gicdIcpendr    = 0x280 // Interrupt Clear-Pending Registers
	gicdIsactiver  = 0x300 // Interrupt Set-Active Registers
	gicdIcactiver  = 0x380 // Interrupt Clear-Active Registers
	gicdIpriorityr = 0x400 // Interrupt Priority Registers
	gicdItargetsr  = 0x800 // Interrupt Processor Targets Registers
	gicdIcfgr      = 0xC00 // Interrupt Configuration Registers
	gicdSgir       = 0xF00 // Software Generated Interrupt Register
	gicdPidr2      = 0xFE8 // Peripheral ID 2

	bitmapSpan   = 0x80
	byteRegSpan  = 0x400
	configSpan   = 0x100
	gicArchRevV2 = 0x20
)

// GICv2 CPU interface register offsets
const (
	giccCtlr  = 0x000 // CPU Interface Control Register
	giccPmr   = 0x004 // Interrupt Priority Mask Register
	giccBpr   = 0x008 // Binary Point Register
	giccIar   = 0x00C // Interrupt Acknowledge Register
	giccEoir  = 0x010 // End of Interrupt Register
	giccRpr   = 0x014 // Running Priority Register
	giccHppir = 0x018 // Highest Priority Pending Interrupt Register
	giccIidr  = 0x0FC // CPU Interface Identification Register
	giccDir   = 0x1000

	giccCtlrEnable  = 1 << 0
	giccCtlrEOIMode = 1 << 9
)

const (
	spuriousID   = 1023
	maxLines     = 1024
	numSGIs      = 16
	firstSPI     = 32
	idlePriority = 0xff
	iarIDMask    = 0x3ff
)

// Config describes the simulated controller.
type Config struct {
	// Lines is rounded up to a multiple of 32. Defaults to 64.
	Lines int
	// CPUs is the number of CPU interfaces, 1 to 8. Defaults to 1.
	CPUs int
	// PriorityBits is the number of implemented priority bits, 4 to 8.
	// Defaults to 8.
	PriorityBits int
}

func (c *Config) normalize() error {
	if c.Lines == 0 {
		c.Lines = 64
	}
	if c.Lines < firstSPI || c.Lines > maxLines {
		return fmt.Errorf("gicsim: line count %d out of range [%d, %d]", c.Lines, firstSPI, maxLines)
	}
	c.Lines = (c.Lines + 31) &^ 31
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.CPUs < 1 || c.CPUs > 8 {
		return fmt.Errorf("gicsim: cpu count %d out of range [1, 8]", c.CPUs)
	}
	if c.PriorityBits == 0 {
		c.PriorityBits = 8
	}
	if c.PriorityBits < 4 || c.PriorityBits > 8 {
		return fmt.Errorf("gicsim: priority bits %d out of range [4, 8]", c.PriorityBits)
	}
	return nil
}

// Simulator is a software GICv2. The CPU interface it exposes is the one of
// CPU 0; software generated interrupts aimed only at other CPUs are recorded
// but never become pending here.
type Simulator struct {
	mu sync.Mutex

	lines    uint32
	cpus     uint32
	prioMask uint8

	distCtlr uint32

	enabled  []uint32
	latched  []uint32 // pending state set by edges, ISPENDR and SGIs
	asserted []uint32 // current level of each input
	active   []uint32
	config   []uint32 // ICFGR words, 16 lines each
	priority []uint8
	targets  []uint8

	sgiSource [numSGIs]uint8

	cpuCtlr uint32
	pmr     uint8
	bpr     uint32
	running []uint8 // active priority stack, top is last

	lastEOI uint32
	lastDIR uint32
	lastSGI uint32
	sgiSent bool
}

// New returns a simulator in its reset state: everything disabled and
// inactive, priorities zero, SPIs level-sensitive.
func New(cfg Config) (*Simulator, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	words := cfg.Lines / 32
	s := &Simulator{
		lines:    uint32(cfg.Lines),
		cpus:     uint32(cfg.CPUs),
		prioMask: uint8(0xff << (8 - cfg.PriorityBits)),
		enabled:  make([]uint32, words),
		latched:  make([]uint32, words),
		asserted: make([]uint32, words),
		active:   make([]uint32, words),
		config:   make([]uint32, cfg.Lines/16),
		priority: make([]uint8, cfg.Lines),
		targets:  make([]uint8, cfg.Lines),
		lastEOI:  spuriousID,
		lastDIR:  spuriousID,
	}
	s.config[0] = 0xaaaaaaaa
	for id := 0; id < firstSPI; id++ {
		s.targets[id] = 1
	}
	return s, nil
}

// Distributor returns the distributor register block.
func (s *Simulator) Distributor() mmio.Region { return distributor{s} }

// CPUInterface returns the CPU interface register block of CPU 0.
func (s *Simulator) CPUInterface() mmio.Region { return cpuInterface{s} }

// Lines returns the number of simulated interrupt lines.
func (s *Simulator) Lines() uint32 { return s.lines }

type distributor struct{ s *Simulator }

func (d distributor) Read32(off uint64) uint32 {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	return d.s.readDistributor(off)
}

func (d distributor) Write32(off uint64, value uint32) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.writeDistributor(off, value)
}

type cpuInterface struct{ s *Simulator }

func (c cpuInterface) Read32(off uint64) uint32 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.readCPU(off)
}

func (c cpuInterface) Write32(off uint64, value uint32) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.writeCPU(off, value)
}

func inRange(off, base, span uint64) bool {
	return off >= base && off < base+span
}

func (s *Simulator) readDistributor(off uint64) uint32 {
	switch {
	case off == gicdCtlr:
		return s.distCtlr
	case off == gicdTyper:
		return (s.lines/32 - 1) | (s.cpus-1)<<5
	case off == gicdIidr:
		return 0x0200043B
	case off == gicdPidr2:
		return gicArchRevV2
	case inRange(off, gicdIsenabler, bitmapSpan):
		return wordAt(s.enabled, (off-gicdIsenabler)/4)
	case inRange(off, gicdIcenabler, bitmapSpan):
		return wordAt(s.enabled, (off-gicdIcenabler)/4)
	case inRange(off, gicdIspendr, bitmapSpan):
		return s.pendingWord((off - gicdIspendr) / 4)
	case inRange(off, gicdIcpendr, bitmapSpan):
		return s.pendingWord((off - gicdIcpendr) / 4)
	case inRange(off, gicdIsactiver, bitmapSpan):
		return wordAt(s.active, (off-gicdIsactiver)/4)
	case inRange(off, gicdIcactiver, bitmapSpan):
		return wordAt(s.active, (off-gicdIcactiver)/4)
	case inRange(off, gicdIpriorityr, byteRegSpan):
		return packBytes(s.priority, (off-gicdIpriorityr)&^3)
	case inRange(off, gicdItargetsr, byteRegSpan):
		return packBytes(s.targets, (off-gicdItargetsr)&^3)
	case inRange(off, gicdIcfgr, configSpan):
		return wordAt(s.config, (off-gicdIcfgr)/4)
	default:
		return 0
	}
}

func (s *Simulator) writeDistributor(off uint64, value uint32) {
	switch {
	case off == gicdCtlr:
		s.distCtlr = value & 1
	case inRange(off, gicdIsenabler, bitmapSpan):
		setBits(s.enabled, (off-gicdIsenabler)/4, value)
	case inRange(off, gicdIcenabler, bitmapSpan):
		clearBits(s.enabled, (off-gicdIcenabler)/4, value)
	case inRange(off, gicdIspendr, bitmapSpan):
		setBits(s.latched, (off-gicdIspendr)/4, value)
	case inRange(off, gicdIcpendr, bitmapSpan):
		clearBits(s.latched, (off-gicdIcpendr)/4, value)
	case inRange(off, gicdIsactiver, bitmapSpan):
		setBits(s.active, (off-gicdIsactiver)/4, value)
	case inRange(off, gicdIcactiver, bitmapSpan):
		clearBits(s.active, (off-gicdIcactiver)/4, value)
	case inRange(off, gicdIpriorityr, byteRegSpan):
		unpackBytes(s.priority, (off-gicdIpriorityr)&^3, value, s.prioMask)
	case inRange(off, gicdItargetsr, byteRegSpan):
		first := (off - gicdItargetsr) &^ 3
		if first < firstSPI {
			return // SGI and PPI targets are read-only
		}
		unpackBytes(s.targets, first, value, uint8(1<<s.cpus-1))
	case inRange(off, gicdIcfgr, configSpan):
		idx := (off - gicdIcfgr) / 4
		if idx < firstSPI/16 || idx >= uint64(len(s.config)) {
			return // SGI and PPI configuration is fixed
		}
		s.config[idx] = value & 0xaaaaaaaa
	case off == gicdSgir:
		s.sendSGI(value)
	}
}

func (s *Simulator) sendSGI(value uint32) {
	s.lastSGI = value
	s.sgiSent = true

	id := value & 0xf
	var targets uint32
	switch (value >> 24) & 0x3 {
	case 0:
		targets = (value >> 16) & 0xff
	case 1:
		targets = (1<<s.cpus - 1) &^ 1
	case 2:
		targets = 1
	default:
		return
	}
	if targets&1 != 0 {
		s.sgiSource[id] = 0
		setBit(s.latched, id)
	}
}

func (s *Simulator) readCPU(off uint64) uint32 {
	switch off {
	case giccCtlr:
		return s.cpuCtlr
	case giccPmr:
		return uint32(s.pmr)
	case giccBpr:
		return s.bpr
	case giccIar:
		return s.acknowledge()
	case giccRpr:
		return uint32(s.runningPriority())
	case giccHppir:
		id, ok := s.highestPending(false)
		if !ok {
			return spuriousID
		}
		return s.iarValue(id)
	case giccIidr:
		return 0x0202043B
	default:
		return 0
	}
}

func (s *Simulator) writeCPU(off uint64, value uint32) {
	switch off {
	case giccCtlr:
		s.cpuCtlr = value
	case giccPmr:
		s.pmr = uint8(value) & s.prioMask
	case giccBpr:
		s.bpr = value & 0x7
	case giccEoir:
		s.endOfInterrupt(value & iarIDMask)
	case giccDir:
		s.deactivate(value & iarIDMask)
	}
}

func (s *Simulator) isLevel(id uint32) bool {
	word := s.config[id/16]
	return (word>>(2*(id%16)))&0x2 == 0
}

func (s *Simulator) isPending(id uint32) bool {
	if testBit(s.latched, id) {
		return true
	}
	return id >= firstSPI && s.isLevel(id) && testBit(s.asserted, id)
}

func (s *Simulator) pendingWord(idx uint64) uint32 {
	if idx >= uint64(len(s.latched)) {
		return 0
	}
	var word uint32
	for bit := uint32(0); bit < 32; bit++ {
		if s.isPending(uint32(idx)*32 + bit) {
			word |= 1 << bit
		}
	}
	return word
}

func (s *Simulator) runningPriority() uint8 {
	if len(s.running) == 0 {
		return idlePriority
	}
	return s.running[len(s.running)-1]
}

// highestPending returns the most urgent pending, enabled and inactive line.
// Ties go to the lowest id. When signalable is set the line must also beat
// the priority mask and the running priority.
func (s *Simulator) highestPending(signalable bool) (uint32, bool) {
	best := uint32(spuriousID)
	bestPrio := 0x100
	for id := uint32(0); id < s.lines && id < 1020; id++ {
		if !s.isPending(id) || !testBit(s.enabled, id) || testBit(s.active, id) {
			continue
		}
		prio := int(s.priority[id])
		if signalable && (prio >= int(s.pmr) || prio >= int(s.runningPriority())) {
			continue
		}
		if prio < bestPrio {
			best, bestPrio = id, prio
		}
	}
	return best, best != spuriousID
}

func (s *Simulator) iarValue(id uint32) uint32 {
	if id < numSGIs {
		return id | uint32(s.sgiSource[id])<<10
	}
	return id
}

func (s *Simulator) acknowledge() uint32 {
	if s.distCtlr&1 == 0 || s.cpuCtlr&giccCtlrEnable == 0 {
		return spuriousID
	}
	id, ok := s.highestPending(true)
	if !ok {
		return spuriousID
	}
	clearBit(s.latched, id)
	setBit(s.active, id)
	s.running = append(s.running, s.priority[id])
	return s.iarValue(id)
}

// Completion writes for ids the controller does not implement are ignored.
func (s *Simulator) endOfInterrupt(id uint32) {
	if id >= s.lines || id >= 1020 {
		return
	}
	s.lastEOI = id
	if len(s.running) > 0 {
		s.running = s.running[:len(s.running)-1]
	}
	if s.cpuCtlr&giccCtlrEOIMode == 0 {
		clearBit(s.active, id)
	}
}

func (s *Simulator) deactivate(id uint32) {
	if id >= s.lines || id >= 1020 {
		return
	}
	s.lastDIR = id
	clearBit(s.active, id)
}

// Raise drives the input of line id high. Edge-triggered lines latch a
// pending state; level-sensitive lines stay pending until Lower.
func (s *Simulator) Raise(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= s.lines {
		return
	}
	if !testBit(s.asserted, id) && (id < firstSPI || !s.isLevel(id)) {
		setBit(s.latched, id)
	}
	setBit(s.asserted, id)
}

// Lower drives the input of line id low.
func (s *Simulator) Lower(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id >= s.lines {
		return
	}
	clearBit(s.asserted, id)
}

// Pulse raises and lowers line id.
func (s *Simulator) Pulse(id uint32) {
	s.Raise(id)
	s.Lower(id)
}

// LastEOI returns the last id written to the end of interrupt register, or
// 1023 if none was written.
func (s *Simulator) LastEOI() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEOI
}

// LastDIR returns the last id written to the deactivate register, or 1023 if
// none was written.
func (s *Simulator) LastDIR() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDIR
}

// LastSGI returns the last value written to the SGI register.
func (s *Simulator) LastSGI() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSGI, s.sgiSent
}

// Active reports whether line id is active.
func (s *Simulator) Active(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id < s.lines && testBit(s.active, id)
}

// Pending reports whether line id is pending.
func (s *Simulator) Pending(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id < s.lines && s.isPending(id)
}

// RunningPriority returns the priority of the most recent interrupt that has
// not seen an end of interrupt, or 0xff when idle.
func (s *Simulator) RunningPriority() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningPriority()
}

func wordAt(words []uint32, idx uint64) uint32 {
	if idx >= uint64(len(words)) {
		return 0
	}
	return words[idx]
}

func setBits(words []uint32, idx uint64, mask uint32) {
	if idx < uint64(len(words)) {
		words[idx] |= mask
	}
}

func clearBits(words []uint32, idx uint64, mask uint32) {
	if idx < uint64(len(words)) {
		words[idx] &^= mask
	}
}

func setBit(words []uint32, id uint32)  { words[id/32] |= 1 << (id % 32) }
func clearBit(words []uint32, id uint32) { words[id/32] &^= 1 << (id % 32) }

func testBit(words []uint32, id uint32) bool {
	return words[id/32]&(1<<(id%32)) != 0
}

func packBytes(b []uint8, first uint64) uint32 {
	var v uint32
	for i := uint64(0); i < 4; i++ {
		if first+i < uint64(len(b)) {
			v |= uint32(b[first+i]) << (8 * i)
		}
	}
	return v
}

func unpackBytes(b []uint8, first uint64, value uint32, mask uint8) {
	for i := uint64(0); i < 4; i++ {
		if first+i < uint64(len(b)) {
			b[first+i] = uint8(value>>(8*i)) & mask
		}
	}
}
