package platform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pirq/internal/irqchip"
)

const (
	BackendSim    = "sim"
	BackendDevMem = "devmem"

	DefaultPlatform   = "rtsm"
	DefaultDevMemPath = "/dev/mem"
)

// Config describes the board the interrupt front end runs on.
type Config struct {
	Platform string `yaml:"platform"`
	Backend  string `yaml:"backend"`
	SMP      bool   `yaml:"smp,omitempty"`

	GIC    GICConfig    `yaml:"gic"`
	DevMem DevMemConfig `yaml:"devmem,omitempty"`
	Sim    SimConfig    `yaml:"sim,omitempty"`

	Lines []LineConfig `yaml:"lines,omitempty"`
}

// GICConfig locates the controller. Base, when set, wins over discovery.
// DeviceTree names a flattened device tree to discover the base from when no
// resolver is supplied. FallbackBase is used only when discovery fails. The
// offsets override the platform preset.
type GICConfig struct {
	Base         uint64 `yaml:"base,omitempty"`
	DeviceTree   string `yaml:"deviceTree,omitempty"`
	FallbackBase uint64 `yaml:"fallbackBase,omitempty"`

	DistributorOffset  *uint64 `yaml:"distributorOffset,omitempty"`
	CPUInterfaceOffset *uint64 `yaml:"cpuInterfaceOffset,omitempty"`
	HypervisorOffset   *uint64 `yaml:"hypervisorOffset,omitempty"`
}

type DevMemConfig struct {
	Path string `yaml:"path,omitempty"`
}

type SimConfig struct {
	Lines        int `yaml:"lines,omitempty"`
	CPUs         int `yaml:"cpus,omitempty"`
	PriorityBits int `yaml:"priorityBits,omitempty"`
}

// LineConfig is per-line setup applied once the controller is up.
type LineConfig struct {
	ID       uint32           `yaml:"id"`
	Polarity irqchip.Polarity `yaml:"polarity,omitempty"`
	Priority *uint8           `yaml:"priority,omitempty"`
	Enable   bool             `yaml:"enable,omitempty"`
}

func (c *Config) normalize() {
	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.Backend == "" {
		c.Backend = BackendSim
	}
	if c.DevMem.Path == "" {
		c.DevMem.Path = DefaultDevMemPath
	}
}

// Validate checks the config after defaults are applied.
func (c *Config) Validate() error {
	if _, err := Lookup(c.Platform); err != nil {
		return err
	}
	switch c.Backend {
	case BackendSim, BackendDevMem:
	default:
		return fmt.Errorf("platform: unknown backend %q", c.Backend)
	}
	for _, l := range c.Lines {
		if l.ID >= irqchip.MaxIRQs {
			return fmt.Errorf("platform: line %d: %w", l.ID, irqchip.ErrInvalidLine)
		}
	}
	return nil
}

// Parse decodes a YAML config and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("platform: parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("platform: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the config used when no file is given: the RTSM layout on
// the simulated backend.
func Default() Config {
	cfg := Config{}
	cfg.normalize()
	return cfg
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
