package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/pirq/internal/arch/armv7"
	"github.com/tinyrange/pirq/internal/gicv2"
	"github.com/tinyrange/pirq/internal/irqchip"
	"github.com/tinyrange/pirq/internal/platform"
)

const usage = `gicctl - drive the GICv2 interrupt front end

USAGE:
  gicctl <command> [flags]

COMMANDS:
  sim     Boot a simulated board and dispatch a storm of interrupts
  dump    Boot the configured board and print the state of its lines
  config  Print the default board config as YAML
  dtb     Write a device tree describing the controller

Run "gicctl <command> -h" for the flags of a command.

EXAMPLES:
  gicctl sim -count 100000 -cpus 4
  gicctl sim -count 1000000 -cpuprofile sim.prof
  gicctl dump -config board.yaml -all
  gicctl dtb -config board.yaml -o gic.dtb
`

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (platform.Config, error) {
	if path == "" {
		return platform.Default(), nil
	}
	return platform.Load(path)
}

// bootOptions lets a simulated board without any configured address answer
// discovery with its preset's reference base.
func bootOptions(cfg platform.Config, log *slog.Logger) ([]platform.Option, error) {
	opts := []platform.Option{platform.WithLogger(log)}
	if cfg.Backend != platform.BackendSim {
		return opts, nil
	}
	if cfg.GIC.Base != 0 || cfg.GIC.DeviceTree != "" || cfg.GIC.FallbackBase != 0 {
		return opts, nil
	}
	p, err := platform.Lookup(cfg.Platform)
	if err != nil {
		return nil, err
	}
	return append(opts, platform.WithResolver(platform.StaticResolver(p.ReferenceBase))), nil
}

func boot(cfg platform.Config, log *slog.Logger) (*platform.System, error) {
	opts, err := bootOptions(cfg, log)
	if err != nil {
		return nil, err
	}
	return platform.Boot(cfg, opts...)
}

func runSim(args []string) error {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	configPath := fs.String("config", "", "board config (YAML); defaults to the simulated rtsm board")
	cpus := fs.Int("cpus", 1, "goroutines taking interrupts from the cpu interface")
	count := fs.Int("count", 1000, "number of interrupts to raise")
	verbose := fs.Bool("v", false, "enable debug logging")
	cpuprofile := fs.String("cpuprofile", "", "write CPU profile to file")
	fs.Parse(args)

	if *cpus < 1 {
		return fmt.Errorf("-cpus must be at least 1")
	}
	if *count < 0 {
		return fmt.Errorf("-count must not be negative")
	}

	log := newLogger(*verbose)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Backend != platform.BackendSim {
		return fmt.Errorf("backend %q is not simulated", cfg.Backend)
	}

	sys, err := boot(cfg, log)
	if err != nil {
		return err
	}
	defer sys.Close()

	chip := sys.Board.Chip
	var spis []uint32
	for id := uint32(irqchip.FirstSPI); id < chip.Lines(); id++ {
		if err := chip.Configure(id, irqchip.EdgeTriggered); err != nil {
			return err
		}
		chip.Enable(id)
		spis = append(spis, id)
	}
	if len(spis) == 0 {
		return fmt.Errorf("board has no shared peripheral interrupts")
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(*count), "dispatch")
		defer bar.Close()
	}

	var handled atomic.Uint64
	for _, id := range spis {
		sys.Dispatcher.RegisterHandler(id, func(uint32, *armv7.Regs, uint32) {
			handled.Add(1)
			if bar != nil {
				bar.Add(1)
			}
		})
	}
	sys.Dispatcher.Seal()

	vectors := armv7.Vectors{armv7.ExceptionIRQ: sys.Dispatcher.HandleIRQ}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("create CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	start := time.Now()
	for raised := 0; raised < *count; {
		batch := min(len(spis), *count-raised)
		for _, id := range spis[:batch] {
			sys.Board.Sim.Pulse(id)
		}
		raised += batch

		var g errgroup.Group
		for range *cpus {
			g.Go(func() error {
				for chip.PendingID() != irqchip.SpuriousID {
					if _, err := vectors.Trap(armv7.ExceptionIRQ, &armv7.Regs{}); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	s := sys.Dispatcher.Stats()
	fmt.Printf("raised=%d handled=%d dispatched=%d unhandled=%d spurious=%d max-in-flight=%d elapsed=%s\n",
		*count, handled.Load(), s.Dispatched, s.Unhandled, s.Spurious, s.MaxInFlight, elapsed)
	if handled.Load() != uint64(*count) {
		return fmt.Errorf("handled %d of %d interrupts", handled.Load(), *count)
	}
	return nil
}

var dumpColumns = []struct {
	title string
	width int
}{
	{"LINE", 5},
	{"CLASS", 6},
	{"EN", 3},
	{"PEND", 5},
	{"ACT", 4},
	{"TRIGGER", 8},
	{"PRIO", 5},
	{"TARGET", 7},
}

// pad left-aligns s in a cell of width w, measured in terminal cells.
func pad(s string, w int) string {
	if n := ansi.StringWidth(s); n < w {
		return s + strings.Repeat(" ", w-n)
	}
	return s
}

func flag01(b bool, color bool) string {
	if !b {
		return "-"
	}
	if color {
		return "\x1b[32m*\x1b[0m"
	}
	return "*"
}

func writeDump(w io.Writer, states []gicv2.LineState, all bool, width int, color bool) {
	var header strings.Builder
	for i, col := range dumpColumns {
		if i > 0 {
			header.WriteByte(' ')
		}
		header.WriteString(pad(col.title, col.width))
	}
	line := strings.TrimRight(header.String(), " ")
	if width > 0 {
		line = ansi.Truncate(line, width, "…")
	}
	fmt.Fprintln(w, line)

	for _, st := range states {
		if !all && !st.Enabled && !st.Pending && !st.Active {
			continue
		}
		cells := []string{
			fmt.Sprintf("%d", st.ID),
			st.Class.String(),
			flag01(st.Enabled, color),
			flag01(st.Pending, color),
			flag01(st.Active, color),
			st.Polarity.String(),
			fmt.Sprintf("0x%02x", st.Priority),
			fmt.Sprintf("0x%02x", st.Target),
		}
		var row strings.Builder
		for i, cell := range cells {
			if i > 0 {
				row.WriteByte(' ')
			}
			row.WriteString(pad(cell, dumpColumns[i].width))
		}
		line := strings.TrimRight(row.String(), " ")
		if width > 0 {
			line = ansi.Truncate(line, width, "…")
		}
		fmt.Fprintln(w, line)
	}
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	configPath := fs.String("config", "", "board config (YAML)")
	all := fs.Bool("all", false, "print every line, not only enabled, pending or active ones")
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	sys, err := boot(cfg, newLogger(*verbose))
	if err != nil {
		return err
	}
	defer sys.Close()

	chip := sys.Board.Chip
	layout := sys.Board.Layout
	fmt.Printf("%s: %d lines, %d cpu interfaces, distributor 0x%x, cpu interface 0x%x (%s)\n",
		sys.Board.Platform.Name, chip.Lines(), chip.CPUInterfaces(),
		layout.Distributor, layout.CPUInterface, layout.Source)

	width := 0
	color := false
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		color = true
		if w, _, err := term.GetSize(fd); err == nil {
			width = w
		}
	}
	writeDump(os.Stdout, chip.Snapshot(), *all, width, color)
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.Parse(args)

	data, err := platform.Marshal(platform.Default())
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runDTB(args []string) error {
	fs := flag.NewFlagSet("dtb", flag.ExitOnError)
	configPath := fs.String("config", "", "board config (YAML)")
	out := fs.String("o", "", "output file (required)")
	verbose := fs.Bool("v", false, "enable debug logging")
	fs.Parse(args)

	if *out == "" {
		return fmt.Errorf("-o is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := bootOptions(cfg, newLogger(*verbose))
	if err != nil {
		return err
	}
	board, err := platform.Open(cfg, opts...)
	if err != nil {
		return err
	}
	defer board.Close()

	blob, err := platform.DeviceTree(board.Layout)
	if err != nil {
		return err
	}
	return os.WriteFile(*out, blob, 0o644)
}

func run(args []string) error {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	switch args[0] {
	case "sim":
		return runSim(args[1:])
	case "dump":
		return runDump(args[1:])
	case "config":
		return runConfig(args[1:])
	case "dtb":
		return runDTB(args[1:])
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gicctl: %v\n", err)
		os.Exit(1)
	}
}
