// Package platform wires a board description to a GICv2 driver and the
// interrupt dispatch core.
package platform

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownPlatform = errors.New("platform: unknown platform")

// Platform is the register layout of a board's interrupt controller relative
// to its peripheral base.
type Platform struct {
	Name string

	// ReferenceBase is the documented base of the reference board. It is
	// informational; the driver only uses a base that came from discovery
	// or the config.
	ReferenceBase uint64

	DistributorOffset  uint64
	CPUInterfaceOffset uint64
	HypervisorOffset   uint64

	// Span is the size of the region covering all three blocks.
	Span uint64
}

var platforms = map[string]Platform{
	// ARM RTSM / Versatile Express Cortex-A15: private peripheral region.
	"rtsm": {
		Name:               "rtsm",
		ReferenceBase:      0x2C000000,
		DistributorOffset:  0x1000,
		CPUInterfaceOffset: 0x2000,
		HypervisorOffset:   0x4000,
		Span:               0x8000,
	},
	// QEMU "virt" machine with a GICv2.
	"qemu-virt": {
		Name:               "qemu-virt",
		ReferenceBase:      0x08000000,
		DistributorOffset:  0x00000,
		CPUInterfaceOffset: 0x10000,
		HypervisorOffset:   0x30000,
		Span:               0x40000,
	},
}

// Lookup returns the preset called name.
func Lookup(name string) (Platform, error) {
	p, ok := platforms[name]
	if !ok {
		return Platform{}, fmt.Errorf("%w %q", ErrUnknownPlatform, name)
	}
	return p, nil
}

// Names lists the known presets.
func Names() []string {
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// withOverrides applies the offsets from cfg on top of p.
func (p Platform) withOverrides(cfg GICConfig) Platform {
	if cfg.DistributorOffset != nil {
		p.DistributorOffset = *cfg.DistributorOffset
	}
	if cfg.CPUInterfaceOffset != nil {
		p.CPUInterfaceOffset = *cfg.CPUInterfaceOffset
	}
	if cfg.HypervisorOffset != nil {
		p.HypervisorOffset = *cfg.HypervisorOffset
	}
	// The CPU interface needs 8KB for the deactivate register.
	end := max(p.DistributorOffset+0x1000, p.CPUInterfaceOffset+0x2000, p.HypervisorOffset+0x1000)
	if end > p.Span {
		p.Span = end
	}
	return p
}
