package platform

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrNoBaseAddress = errors.New("platform: interrupt controller base address not discovered")

// Resolver reports the controller's peripheral base, for example from the
// configuration base address register or a device tree. A zero base means
// the mechanism has no answer.
type Resolver interface {
	ResolveBase() (uint64, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func() (uint64, error)

func (f ResolverFunc) ResolveBase() (uint64, error) { return f() }

// StaticResolver always reports base.
func StaticResolver(base uint64) Resolver {
	return ResolverFunc(func() (uint64, error) { return base, nil })
}

// BaseSource records where a base address came from.
type BaseSource string

const (
	SourceConfig    BaseSource = "config"
	SourceDiscovery BaseSource = "discovery"
	SourceFallback  BaseSource = "fallback"
)

// Layout is the physical address of each register block.
type Layout struct {
	Base         uint64
	Distributor  uint64
	CPUInterface uint64
	Hypervisor   uint64
	Source       BaseSource
}

// Discover resolves the controller base: an explicit config base first, then
// the resolver, then the configured fallback. Without any of them it returns
// ErrNoBaseAddress.
func Discover(cfg GICConfig, p Platform, r Resolver, log *slog.Logger) (Layout, error) {
	if log == nil {
		log = slog.Default()
	}

	layout := func(base uint64, src BaseSource) Layout {
		p = p.withOverrides(cfg)
		return Layout{
			Base:         base,
			Distributor:  base + p.DistributorOffset,
			CPUInterface: base + p.CPUInterfaceOffset,
			Hypervisor:   base + p.HypervisorOffset,
			Source:       src,
		}
	}

	if cfg.Base != 0 {
		return layout(cfg.Base, SourceConfig), nil
	}

	var discoverErr error
	if r != nil {
		base, err := r.ResolveBase()
		switch {
		case err != nil:
			discoverErr = err
		case base == 0:
			discoverErr = ErrNoBaseAddress
		default:
			return layout(base, SourceDiscovery), nil
		}
	} else {
		discoverErr = ErrNoBaseAddress
	}

	if cfg.FallbackBase != 0 {
		log.Warn("platform: gic base not discovered, using configured fallback",
			"platform", p.Name, "fallback", fmt.Sprintf("0x%x", cfg.FallbackBase), "err", discoverErr)
		return layout(cfg.FallbackBase, SourceFallback), nil
	}

	if errors.Is(discoverErr, ErrNoBaseAddress) {
		return Layout{}, fmt.Errorf("platform %s: %w", p.Name, discoverErr)
	}
	return Layout{}, fmt.Errorf("platform %s: %w: %w", p.Name, ErrNoBaseAddress, discoverErr)
}
