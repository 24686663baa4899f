package platform

import (
	"fmt"

	"github.com/tinyrange/pirq/internal/irq"
	"github.com/tinyrange/pirq/internal/irqchip"
)

// System is a booted interrupt front end.
type System struct {
	Board      *Board
	Dispatcher *irq.Dispatcher
}

// Close releases the board.
func (s *System) Close() error {
	return s.Board.Close()
}

// Boot opens the board, brings up the dispatch core on its controller and
// applies the per-line setup from cfg. Invalid line settings are logged and
// skipped; they do not stop the boot.
func Boot(cfg Config, opts ...Option) (*System, error) {
	o := buildOptions(opts)

	board, err := Open(cfg, opts...)
	if err != nil {
		return nil, err
	}

	d, err := irq.Init(func() (irqchip.Chip, error) {
		return board.Chip, nil
	}, irq.WithLogger(o.log))
	if err != nil {
		board.Close()
		return nil, fmt.Errorf("platform: boot %s: %w", cfg.Platform, err)
	}

	for _, l := range cfg.Lines {
		if l.ID >= board.Chip.Lines() {
			o.log.Warn("platform: skip line setup", "line", l.ID, "err", irqchip.ErrInvalidLine)
			continue
		}
		if l.ID >= irqchip.FirstSPI {
			if err := board.Chip.Configure(l.ID, l.Polarity); err != nil {
				o.log.Warn("platform: skip line setup", "line", l.ID, "err", err)
				continue
			}
		}
		if l.Priority != nil {
			if err := board.Chip.SetPriority(l.ID, *l.Priority); err != nil {
				o.log.Warn("platform: skip line setup", "line", l.ID, "err", err)
				continue
			}
		}
		if l.Enable {
			board.Chip.Enable(l.ID)
		}
	}

	return &System{Board: board, Dispatcher: d}, nil
}
