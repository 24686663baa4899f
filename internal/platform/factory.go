package platform

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/pirq/internal/gicsim"
	"github.com/tinyrange/pirq/internal/gicv2"
	"github.com/tinyrange/pirq/internal/mmio"
)

// Option configures Open and Boot.
type Option func(*options)

type options struct {
	log      *slog.Logger
	resolver Resolver
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithResolver sets the base address discovery mechanism.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Board is an opened interrupt controller: its layout, the driver (not yet
// initialized) and the simulator when the sim backend is in use.
type Board struct {
	Platform Platform
	Layout   Layout
	Chip     *gicv2.Driver
	Sim      *gicsim.Simulator

	closer io.Closer
}

// Close releases the register mapping.
func (b *Board) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Open resolves the controller layout and maps its registers on the
// configured backend.
func Open(cfg Config, opts ...Option) (*Board, error) {
	o := buildOptions(opts)

	p, err := Lookup(cfg.Platform)
	if err != nil {
		return nil, err
	}
	p = p.withOverrides(cfg.GIC)

	resolver := o.resolver
	if resolver == nil && cfg.GIC.DeviceTree != "" {
		resolver = deviceTreeFileResolver(cfg.GIC.DeviceTree, p)
	}

	layout, err := Discover(cfg.GIC, p, resolver, o.log)
	if err != nil {
		return nil, err
	}
	o.log.Info("platform: interrupt controller layout",
		"platform", p.Name,
		"backend", cfg.Backend,
		"source", layout.Source,
		"distributor", fmt.Sprintf("0x%x", layout.Distributor),
		"cpuInterface", fmt.Sprintf("0x%x", layout.CPUInterface))

	board := &Board{Platform: p, Layout: layout}

	var regs gicv2.Registers
	switch cfg.Backend {
	case BackendSim:
		sim, err := gicsim.New(gicsim.Config{
			Lines:        cfg.Sim.Lines,
			CPUs:         cfg.Sim.CPUs,
			PriorityBits: cfg.Sim.PriorityBits,
		})
		if err != nil {
			return nil, fmt.Errorf("platform: %w", err)
		}
		board.Sim = sim
		regs = gicv2.Registers{
			Distributor:  sim.Distributor(),
			CPUInterface: sim.CPUInterface(),
		}
	case BackendDevMem:
		m, err := mmio.OpenDevMem(cfg.DevMem.Path, layout.Base, p.Span)
		if err != nil {
			if errors.Is(err, mmio.ErrUnsupported) {
				return nil, fmt.Errorf("platform: backend %q: %w", cfg.Backend, err)
			}
			return nil, fmt.Errorf("platform: map gic registers: %w", err)
		}
		board.closer = m
		regs = gicv2.Registers{
			Distributor:  mmio.Window(m, p.DistributorOffset),
			CPUInterface: mmio.Window(m, p.CPUInterfaceOffset),
			Hypervisor:   mmio.Window(m, p.HypervisorOffset),
		}
	default:
		return nil, fmt.Errorf("platform: unknown backend %q", cfg.Backend)
	}

	board.Chip = gicv2.New(regs, gicv2.WithLogger(o.log), gicv2.WithSMP(cfg.SMP))
	return board, nil
}
