// Package main provides the ignitiontimer CLI application.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hajimehoshi/ebiten/v2"
	"periph.io/x/conn/v3/physic"

	"github.com/richardwooding/ignitiontimer/internal/board"
	"github.com/richardwooding/ignitiontimer/internal/config"
	"github.com/richardwooding/ignitiontimer/internal/reading"
	"github.com/richardwooding/ignitiontimer/internal/render"
	"github.com/richardwooding/ignitiontimer/internal/scenario"
	"github.com/richardwooding/ignitiontimer/internal/segment"
	"github.com/richardwooding/ignitiontimer/internal/simulator"
)

var (
	// ErrTestFailed indicates an acceptance scenario failed.
	ErrTestFailed = errors.New("test failed")

	// ErrInvalidScale indicates the scale factor is out of valid range.
	ErrInvalidScale = errors.New("scale must be between 1 and 10")
)

// Globals are the flags shared by every command.
type Globals struct {
	Crystal string        `help:"Crystal preset (${crystals})." default:"${default_crystal}" enum:"${crystals}"`
	Layout  string        `help:"Display layout (${layouts})." default:"${default_layout}" enum:"${layouts}"`
	Offset  uint32        `help:"Flywheel sensor offset in degrees." default:"28"`
	Cadence time.Duration `help:"Main loop period." default:"250ms"`
}

// Timing builds the validated configuration from the flags.
func (g *Globals) Timing() (config.Timing, error) {
	t, err := config.New(g.Crystal, g.Layout)
	if err != nil {
		return config.Timing{}, err
	}
	t.FlywheelOffset = g.Offset
	t.Cadence = g.Cadence
	if err := t.Validate(); err != nil {
		return config.Timing{}, err
	}
	return t, nil
}

// EngineFlags set up the simulated engine.
type EngineFlags struct {
	RPM       uint32 `help:"Engine speed." default:"3000"`
	Advance   int32  `help:"Ignition advance in degrees." default:"10"`
	Cylinders uint32 `help:"Cylinder count (four-stroke)." default:"4"`
	NoCrank   bool   `help:"Disconnect the crank sensor."`
	Bounce    uint32 `help:"Extra crank edges per flywheel pulse."`
}

func (f *EngineFlags) apply(e *simulator.Engine) {
	e.SetRPM(f.RPM)
	e.SetAdvance(f.Advance)
	e.SetCylinders(f.Cylinders)
	e.SetCrank(!f.NoCrank)
	e.SetBounce(f.Bounce)
}

// CLI represents the command-line interface structure.
type CLI struct {
	Globals

	Info  InfoCmd  `cmd:"" help:"Display the timing constants."`
	Calc  CalcCmd  `cmd:"" help:"Compute a reading from raw counter values."`
	Run   RunCmd   `cmd:"" help:"Run the simulated instrument in a window."`
	Sim   SimCmd   `cmd:"" help:"Run the simulated instrument on the terminal."`
	Test  TestCmd  `cmd:"" help:"Run acceptance scenarios against the simulator."`
	Board BoardCmd `cmd:"" help:"Run the instrument on GPIO lines."`
}

// InfoCmd displays the constants derived from the crystal.
type InfoCmd struct{}

// Run executes the info command.
func (c *InfoCmd) Run(g *Globals) error {
	t, err := g.Timing()
	if err != nil {
		return err
	}

	machine := physic.Frequency(t.MachineHz()) * physic.Hertz
	fmt.Printf("Timing:\n")
	fmt.Printf("  Crystal:         %s (%s)\n", t.Crystal.Name, t.Crystal.Frequency)
	fmt.Printf("  Machine Cycle:   %s\n", machine)
	fmt.Printf("  Ignition Factor: %d (two events per revolution: %d)\n",
		t.Crystal.IgnitionFactor, config.DeriveIgnitionFactor(t.MachineHz(), 2))
	fmt.Printf("  Minimum Count:   %d (%d RPM)\n", t.Crystal.MinCount, t.Crystal.IgnitionFactor/t.Crystal.MinCount)
	fmt.Printf("  Flywheel Offset: %d degrees\n", t.FlywheelOffset)
	fmt.Printf("  Refresh:         %s (reload 0x%04X)\n", t.RefreshRate(), t.Crystal.RefreshReload)
	fmt.Printf("  Serial:          %d baud (reload 0x%02X, %v per character)\n", t.Baud(), t.Crystal.BaudReload, t.CharTime())
	fmt.Printf("  Cadence:         %v (%d ticks)\n", t.Cadence, t.CadenceTicks())
	fmt.Printf("Display:\n")
	fmt.Printf("  Layout:          %s\n", t.Layout.Name)
	fmt.Printf("  RPM Positions:   %v\n", t.Layout.Layout.RPM)
	fmt.Printf("  Advance:         %v\n", t.Layout.Layout.Advance)
	fmt.Printf("  Segment Bits:    %v\n", t.Layout.Bits)

	return nil
}

// CalcCmd computes a reading from raw counts.
type CalcCmd struct {
	Ignition uint32  `arg:"" help:"Ignition interval in counter ticks."`
	Crank    *uint32 `arg:"" optional:"" help:"Crank delay in counter ticks."`
}

// Run executes the calc command.
func (c *CalcCmd) Run(g *Globals) error {
	t, err := g.Timing()
	if err != nil {
		return err
	}
	calc := t.Calculator()

	var crank uint32
	if c.Crank != nil {
		crank = *c.Crank
	}
	r := calc.Compute(c.Ignition, crank, c.Crank != nil)

	fmt.Printf("Interval: %d ticks (0x%06X)\n", c.Ignition, c.Ignition)
	if r.Overflow {
		fmt.Printf("RPM:      %s (interval below %d)\n", digits(r.RPM[:]), t.Crystal.MinCount)
	} else {
		fmt.Printf("RPM:      %s\n", digits(r.RPM[:]))
	}
	if r.HasAdvance {
		adv, _ := calc.Advance(crank, c.Ignition)
		fmt.Printf("Advance:  %s (%d degrees)\n", digits(r.Advance[:]), reading.Signed(adv))
	} else {
		fmt.Printf("Advance:  ---\n")
	}
	return nil
}

func digits(d []uint8) string {
	var b strings.Builder
	for _, v := range d {
		b.WriteByte('0' + v)
	}
	return b.String()
}

// RunCmd runs the simulator in a window.
type RunCmd struct {
	EngineFlags

	Scale int  `help:"Display scale factor (1-10)." default:"3"`
	Click bool `help:"Click on every ignition edge."`
}

// Run executes the run command.
func (c *RunCmd) Run(g *Globals) error {
	// Validate scale factor
	if c.Scale < 1 || c.Scale > 10 {
		return fmt.Errorf("%w: got %d", ErrInvalidScale, c.Scale)
	}

	t, err := g.Timing()
	if err != nil {
		return err
	}

	sim, err := simulator.New(t)
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}
	c.apply(sim.Engine)

	display := NewDisplay(sim, c.Click)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	// Configure Ebiten window
	ebiten.SetWindowTitle("Ignition Timer")
	ebiten.SetWindowSize(render.ScreenWidth*c.Scale, screenHeight*c.Scale)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGame(display); err != nil {
		cancel()
		<-done
		return fmt.Errorf("display error: %w", err)
	}

	cancel()
	return <-done
}

// SimCmd runs the simulator headless. Serial output goes to stdout and
// bytes read from stdin are delivered to the serial receiver.
type SimCmd struct {
	EngineFlags

	Quiet    bool          `help:"Turn serial reporting off (switch 4 on)."`
	Raw      bool          `help:"Show raw counter values (switch 2 off)."`
	Duration time.Duration `help:"Stop after this long; 0 runs until interrupted."`
	Show     bool          `help:"Print the display to stderr once per second."`
}

// Run executes the sim command.
func (c *SimCmd) Run(g *Globals) error {
	t, err := g.Timing()
	if err != nil {
		return err
	}

	sim, err := simulator.New(t)
	if err != nil {
		return fmt.Errorf("failed to create simulator: %w", err)
	}
	c.apply(sim.Engine)
	sim.SetVerbose(!c.Quiet)
	sim.SetRawHex(c.Raw)
	sim.SetTransmitter(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	go receive(os.Stdin, sim.Receive)
	if c.Show {
		go show(ctx, sim.Text)
	}

	return sim.Run(ctx)
}

// receive delivers bytes from r until it fails.
func receive(r io.Reader, deliver func(byte)) {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		deliver(b)
	}
}

func show(ctx context.Context, text func() string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(os.Stderr, "[%s]\n", text())
		}
	}
}

// TestCmd runs acceptance scenarios and reports results.
type TestCmd struct {
	Verbose bool `short:"v" help:"Show serial output for every scenario."`
}

// Run executes the test command.
func (c *TestCmd) Run(g *Globals) error {
	t, err := g.Timing()
	if err != nil {
		return err
	}

	failed := 0
	for _, sc := range scenario.Defaults() {
		result := scenario.Run(t, sc)
		fmt.Printf("%-16s %5d rpm %4d deg: %s\n", sc.Name, sc.RPM, sc.Advance, result.String())

		if c.Verbose || !result.IsSuccess() {
			fmt.Printf("\nOutput:\n%s\n", result.Output)
		}
		if !result.IsSuccess() {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d scenarios", ErrTestFailed, failed)
	}
	return nil
}

// BoardCmd runs the instrument on real GPIO lines.
type BoardCmd struct {
	IgnitionPin string        `help:"Ignition input line." default:"GPIO4"`
	CrankPin    string        `help:"Crank input line." default:"GPIO17"`
	LatchPin    string        `help:"Crank latch output line." default:"GPIO27"`
	Probe       time.Duration `help:"Wait this long for an ignition edge before starting; 0 skips the check."`
}

// Run executes the board command.
func (c *BoardCmd) Run(g *Globals) error {
	t, err := g.Timing()
	if err != nil {
		return err
	}

	pins := board.DefaultPins()
	pins.Ignition = c.IgnitionPin
	pins.Crank = c.CrankPin
	pins.Latch = c.LatchPin

	b, err := board.Open(t, pins, os.Stdout)
	if err != nil {
		return err
	}

	if c.Probe > 0 {
		if err := b.Probe(c.Probe); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go receive(os.Stdin, b.Serial.Receive)
	return b.Run(ctx)
}

// vars fills the enum and default placeholders of the flags.
func vars() kong.Vars {
	return kong.Vars{
		"crystals":        strings.Join([]string{config.Crystal11.Name, config.Crystal22.Name}, ","),
		"default_crystal": config.DefaultCrystal,
		"layouts":         strings.Join(segment.Names(), ","),
		"default_layout":  config.DefaultLayout,
	}
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("ignitiontimer"),
		kong.Description("An ignition timing light with RPM and advance readout."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.ignitiontimer.json", "ignitiontimer.json"),
		vars(),
	)

	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
