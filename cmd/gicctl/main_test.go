package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/pirq/internal/gicv2"
	"github.com/tinyrange/pirq/internal/irqchip"
	"github.com/tinyrange/pirq/internal/platform"
)

func TestWriteDumpFiltersIdleLines(t *testing.T) {
	states := []gicv2.LineState{
		{ID: 32, Class: irqchip.ClassSPI, Priority: 0xa0, Target: 1},
		{ID: 33, Class: irqchip.ClassSPI, Enabled: true, Polarity: irqchip.EdgeTriggered, Priority: 0x80, Target: 1},
	}
	var buf bytes.Buffer
	writeDump(&buf, states, false, 0, false)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header plus one row:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "33 ") || !strings.Contains(lines[1], "0x80") {
		t.Fatalf("row=%q", lines[1])
	}

	buf.Reset()
	writeDump(&buf, states, true, 0, false)
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Fatalf("-all printed %d lines, want 3", n)
	}
}

func TestWriteDumpTruncatesToWidth(t *testing.T) {
	states := []gicv2.LineState{{ID: 40, Class: irqchip.ClassSPI, Enabled: true}}
	var buf bytes.Buffer
	writeDump(&buf, states, false, 12, true)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if w := ansi.StringWidth(line); w > 12 {
			t.Fatalf("line %q is %d cells wide, want at most 12", line, w)
		}
	}
}

func TestBootOptionsUseReferenceBaseForSim(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sys, err := boot(platform.Default(), log)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	defer sys.Close()
	if sys.Board.Layout.Base != 0x2C000000 || sys.Board.Layout.Source != platform.SourceDiscovery {
		t.Fatalf("layout=%+v", sys.Board.Layout)
	}

	cfg := platform.Default()
	cfg.Backend = platform.BackendDevMem
	opts, err := bootOptions(cfg, log)
	if err != nil {
		t.Fatalf("bootOptions: %v", err)
	}
	if len(opts) != 1 {
		t.Fatalf("devmem backend got %d options, want only the logger", len(opts))
	}
}
