package gicsim

import "testing"

func newSim(t *testing.T, cfg Config) *Simulator {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// enableAll turns on the distributor and the CPU interface in split EOI mode
// and admits every priority.
func enableAll(s *Simulator) {
	s.Distributor().Write32(gicdCtlr, 1)
	s.CPUInterface().Write32(giccCtlr, giccCtlrEnable|giccCtlrEOIMode)
	s.CPUInterface().Write32(giccPmr, 0xff)
}

func TestTyperEncodesLinesAndCPUs(t *testing.T) {
	s := newSim(t, Config{Lines: 64, CPUs: 2})
	typer := s.Distributor().Read32(gicdTyper)
	if got := 32 * ((typer & 0x1f) + 1); got != 64 {
		t.Fatalf("lines=%d, want 64", got)
	}
	if got := 1 + (typer>>5)&0x7; got != 2 {
		t.Fatalf("cpus=%d, want 2", got)
	}
}

func TestConfigRejectsBadValues(t *testing.T) {
	for _, cfg := range []Config{
		{Lines: 16},
		{Lines: 2048},
		{CPUs: 9},
		{PriorityBits: 3},
	} {
		if _, err := New(cfg); err == nil {
			t.Fatalf("New(%+v) succeeded, want error", cfg)
		}
	}
	s := newSim(t, Config{Lines: 40})
	if s.Lines() != 64 {
		t.Fatalf("Lines()=%d, want rounded 64", s.Lines())
	}
}

func TestAcknowledgeSplitCompletion(t *testing.T) {
	s := newSim(t, Config{})
	enableAll(s)
	dist, cpu := s.Distributor(), s.CPUInterface()
	dist.Write32(gicdIsenabler+4, 1<<1) // line 33
	dist.Write32(gicdIpriorityr+32, 0xa0a0a0a0)

	s.Pulse(33)
	// Level-sensitive by default, so a pulse leaves nothing behind.
	if got := cpu.Read32(giccIar); got != spuriousID {
		t.Fatalf("IAR=%d after level pulse, want spurious", got)
	}

	dist.Write32(gicdIcfgr+8, 0x2<<2) // line 33 edge
	s.Pulse(33)
	if got := cpu.Read32(giccHppir); got != 33 {
		t.Fatalf("HPPIR=%d, want 33", got)
	}
	if got := cpu.Read32(giccIar); got != 33 {
		t.Fatalf("IAR=%d, want 33", got)
	}
	if !s.Active(33) {
		t.Fatalf("line 33 not active after acknowledge")
	}
	if got := s.RunningPriority(); got != 0xa0 {
		t.Fatalf("running priority=%#x, want 0xa0", got)
	}

	cpu.Write32(giccEoir, 33)
	if got := s.RunningPriority(); got != idlePriority {
		t.Fatalf("running priority=%#x after EOI, want idle", got)
	}
	if !s.Active(33) {
		t.Fatalf("EOI deactivated line 33 with EOImode set")
	}

	cpu.Write32(giccDir, 33)
	if s.Active(33) {
		t.Fatalf("line 33 still active after DIR")
	}
	if s.LastEOI() != 33 || s.LastDIR() != 33 {
		t.Fatalf("LastEOI=%d LastDIR=%d, want 33/33", s.LastEOI(), s.LastDIR())
	}
}

func TestEOIDeactivatesWithoutSplitMode(t *testing.T) {
	s := newSim(t, Config{})
	s.Distributor().Write32(gicdCtlr, 1)
	s.CPUInterface().Write32(giccCtlr, giccCtlrEnable)
	s.CPUInterface().Write32(giccPmr, 0xff)
	s.Distributor().Write32(gicdIsenabler, 1<<3)
	s.Raise(3)

	if got := s.CPUInterface().Read32(giccIar); got != 3 {
		t.Fatalf("IAR=%d, want 3", got)
	}
	s.CPUInterface().Write32(giccEoir, 3)
	if s.Active(3) {
		t.Fatalf("line 3 still active after EOI in combined mode")
	}
}

func TestCompletionOfUnimplementedLineIsIgnored(t *testing.T) {
	s := newSim(t, Config{Lines: 64})
	s.CPUInterface().Write32(giccCtlr, giccCtlrEnable)
	for _, id := range []uint32{64, 100, 1019} {
		s.CPUInterface().Write32(giccDir, id)
		s.CPUInterface().Write32(giccEoir, id)
	}
	if s.LastEOI() != spuriousID || s.LastDIR() != spuriousID {
		t.Fatalf("LastEOI=%d LastDIR=%d, want both untouched", s.LastEOI(), s.LastDIR())
	}
}

func TestLevelLineRepeatsUntilLowered(t *testing.T) {
	s := newSim(t, Config{})
	enableAll(s)
	cpu := s.CPUInterface()
	s.Distributor().Write32(gicdIsenabler+4, 1<<8) // line 40

	s.Raise(40)
	if got := cpu.Read32(giccIar); got != 40 {
		t.Fatalf("IAR=%d, want 40", got)
	}
	cpu.Write32(giccEoir, 40)
	if got := cpu.Read32(giccIar); got != spuriousID {
		t.Fatalf("active line was acknowledged again: IAR=%d", got)
	}
	cpu.Write32(giccDir, 40)
	if !s.Pending(40) {
		t.Fatalf("asserted level line not pending after deactivation")
	}
	s.Lower(40)
	if s.Pending(40) {
		t.Fatalf("line 40 still pending after Lower")
	}
}

func TestPriorityOrderingAndMask(t *testing.T) {
	s := newSim(t, Config{})
	enableAll(s)
	dist, cpu := s.Distributor(), s.CPUInterface()
	dist.Write32(gicdIsenabler+4, 0xffffffff)
	dist.Write32(gicdIcfgr+8, 0xaaaaaaaa)
	// lines 32..35 get priorities 0xc0, 0x40, 0x80, 0x40
	dist.Write32(gicdIpriorityr+32, 0x408040c0)

	for _, id := range []uint32{32, 33, 34, 35} {
		s.Pulse(id)
	}
	cpu.Write32(giccPmr, 0x80)

	if got := cpu.Read32(giccIar); got != 33 {
		t.Fatalf("first IAR=%d, want 33 (lowest id among most urgent)", got)
	}
	// 35 has the same priority as the running one and must wait.
	if got := cpu.Read32(giccIar); got != spuriousID {
		t.Fatalf("IAR=%d while equal priority running, want spurious", got)
	}
	cpu.Write32(giccEoir, 33)
	if got := cpu.Read32(giccIar); got != 35 {
		t.Fatalf("IAR=%d after priority drop, want 35", got)
	}
	cpu.Write32(giccEoir, 35)
	// 34 (0x80) and 32 (0xc0) are masked by PMR 0x80.
	if got := cpu.Read32(giccIar); got != spuriousID {
		t.Fatalf("IAR=%d, want masked spurious", got)
	}
}

func TestPriorityBitsMaskWrites(t *testing.T) {
	s := newSim(t, Config{PriorityBits: 5})
	s.Distributor().Write32(gicdIpriorityr, 0xffffffff)
	if got := s.Distributor().Read32(gicdIpriorityr); got != 0xf8f8f8f8 {
		t.Fatalf("IPRIORITYR0=%#x, want 0xf8f8f8f8", got)
	}
	s.CPUInterface().Write32(giccPmr, 0xff)
	if got := s.CPUInterface().Read32(giccPmr); got != 0xf8 {
		t.Fatalf("PMR=%#x, want 0xf8", got)
	}
}

func TestFixedConfigurationWords(t *testing.T) {
	s := newSim(t, Config{})
	dist := s.Distributor()
	dist.Write32(gicdIcfgr, 0)
	if got := dist.Read32(gicdIcfgr); got != 0xaaaaaaaa {
		t.Fatalf("ICFGR0=%#x, want 0xaaaaaaaa", got)
	}
	dist.Write32(gicdItargetsr, 0x02020202)
	if got := dist.Read32(gicdItargetsr); got != 0x01010101 {
		t.Fatalf("ITARGETSR0=%#x, want read-only 0x01010101", got)
	}
	dist.Write32(gicdIcfgr+8, 0xffffffff)
	if got := dist.Read32(gicdIcfgr + 8); got != 0xaaaaaaaa {
		t.Fatalf("ICFGR2=%#x, want reserved bits cleared", got)
	}
}

func TestSoftwareGeneratedInterrupt(t *testing.T) {
	s := newSim(t, Config{CPUs: 2})
	enableAll(s)
	dist, cpu := s.Distributor(), s.CPUInterface()
	dist.Write32(gicdIsenabler, 0xffff)

	dist.Write32(gicdSgir, 0x2<<16|5) // CPU 1 only
	if got := cpu.Read32(giccIar); got != spuriousID {
		t.Fatalf("SGI for CPU 1 reached CPU 0: IAR=%d", got)
	}
	dist.Write32(gicdSgir, 0x1<<16|5)
	if got := cpu.Read32(giccIar); got != 5 {
		t.Fatalf("IAR=%d, want SGI 5", got)
	}
	last, ok := s.LastSGI()
	if !ok || last != 0x1<<16|5 {
		t.Fatalf("LastSGI=%#x,%v", last, ok)
	}
}

func TestAcknowledgeRequiresEnabledInterfaces(t *testing.T) {
	s := newSim(t, Config{})
	s.Distributor().Write32(gicdIsenabler, 1)
	s.CPUInterface().Write32(giccPmr, 0xff)
	s.Raise(0)
	if got := s.CPUInterface().Read32(giccIar); got != spuriousID {
		t.Fatalf("IAR=%d with interfaces disabled, want spurious", got)
	}
}
