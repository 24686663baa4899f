// Package irqchip defines the capability set every physical interrupt
// controller driver provides to the dispatch core.
package irqchip

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidLine = errors.New("invalid or spurious interrupt line")
	ErrInvalidSGI  = errors.New("software generated interrupt id out of range")

	ErrNotConfigurable = errors.New("trigger mode of software generated and private lines is fixed")
)

const (
	// MaxIRQs bounds every interrupt id the dispatch core can hold a handler
	// for. Ids 1020-1023 are reserved by the architecture.
	MaxIRQs = 1020

	// SpuriousID is returned by Ack when no interrupt is pending.
	SpuriousID = 1023

	// NumSGIs is the number of software generated interrupt ids (0-15).
	NumSGIs = 16

	// FirstPPI and FirstSPI mark the start of the private and shared
	// peripheral ranges.
	FirstPPI = 16
	FirstSPI = 32
)

// Chip is implemented by every physical interrupt controller driver.
//
// EOI and Deactivate are the two separate completion phases. EOI drops the
// running priority so the CPU interface can take the next interrupt, and
// Deactivate retires the active state so the line can become pending again.
// Callers may run arbitrary work between the two.
type Chip interface {
	// Init programs the controller into a known-safe baseline. It must be
	// called exactly once per boot.
	Init() error

	// Ack returns the highest priority pending interrupt and marks it
	// active. It returns SpuriousID when nothing is pending.
	Ack() uint32
	EOI(id uint32)
	Deactivate(id uint32)

	Enable(id uint32)
	Disable(id uint32)

	// Configure sets the trigger mode of a shared peripheral line.
	Configure(id uint32, p Polarity) error

	// SendSGI raises software generated interrupt id on every CPU interface
	// set in targets.
	SendSGI(targets uint8, id uint32) error

	// PendingID returns the highest priority pending interrupt without
	// acknowledging it.
	PendingID() uint32

	// Lines returns the number of interrupt lines the controller reported.
	Lines() uint32
}

// Polarity is the trigger mode of an interrupt line, encoded as the 2-bit
// field of the GIC interrupt configuration registers.
type Polarity uint8

const (
	LevelTriggered Polarity = 0b00
	EdgeTriggered  Polarity = 0b10
)

func (p Polarity) String() string {
	switch p {
	case LevelTriggered:
		return "level"
	case EdgeTriggered:
		return "edge"
	default:
		return fmt.Sprintf("Polarity(%#b)", uint8(p))
	}
}

// ParsePolarity accepts "level" or "edge".
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "level", "":
		return LevelTriggered, nil
	case "edge":
		return EdgeTriggered, nil
	default:
		return 0, fmt.Errorf("irqchip: unknown polarity %q", s)
	}
}

// UnmarshalText lets Polarity appear in configuration files.
func (p *Polarity) UnmarshalText(text []byte) error {
	v, err := ParsePolarity(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Polarity) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// LineClass is the hardware category of an interrupt id.
type LineClass uint8

const (
	ClassSGI LineClass = iota
	ClassPPI
	ClassSPI
	ClassReserved
)

func (c LineClass) String() string {
	switch c {
	case ClassSGI:
		return "sgi"
	case ClassPPI:
		return "ppi"
	case ClassSPI:
		return "spi"
	default:
		return "reserved"
	}
}

// Class returns the category of id.
func Class(id uint32) LineClass {
	switch {
	case id < FirstPPI:
		return ClassSGI
	case id < FirstSPI:
		return ClassPPI
	case id < MaxIRQs:
		return ClassSPI
	default:
		return ClassReserved
	}
}

// IsSpurious reports whether id is one of the reserved ids the CPU interface
// returns instead of a real interrupt.
func IsSpurious(id uint32) bool {
	return id >= MaxIRQs && id <= SpuriousID
}
