package main

import (
	"fmt"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/richardwooding/ignitiontimer/internal/render"
	"github.com/richardwooding/ignitiontimer/internal/simulator"
	"github.com/richardwooding/ignitiontimer/internal/switches"
)

const (
	// statusHeight leaves room for two lines of debug text under the panel.
	statusHeight = 36
	screenHeight = render.ScreenHeight + statusHeight

	rpmStep = 100
	maxRPM  = 12000
)

// Display implements the Ebiten game interface for the simulated instrument.
type Display struct {
	sim    *simulator.Simulator
	screen *ebiten.Image
	pixels []byte // Pre-allocated pixel buffer to avoid GC pressure
	clicks *ClickPlayer
}

// NewDisplay creates a new display for the simulator. With click set every
// ignition edge is heard as a click, the way a timing light flashes.
func NewDisplay(sim *simulator.Simulator, click bool) *Display {
	d := &Display{
		sim:    sim,
		screen: ebiten.NewImage(render.ScreenWidth, render.ScreenHeight),
		pixels: make([]byte, render.ScreenWidth*render.ScreenHeight*4), // RGBA format
	}

	if click {
		player, err := NewClickPlayer(ClickOptions{EnableDither: true})
		if err == nil {
			// Audio is optional
			sim.SetIgnitionHook(player.Trigger)
			player.Start()
			d.clicks = player
		}
	}

	return d
}

// Update handles keyboard input and repaints the panel.
// This is called 60 times per second by Ebiten.
func (d *Display) Update() error {
	d.handleInput()
	d.sim.Panel.Render()
	return nil
}

var switchKeys = map[ebiten.Key]switches.Switch{
	ebiten.Key1: switches.Switch1,
	ebiten.Key2: switches.Switch2,
	ebiten.Key3: switches.Switch3,
	ebiten.Key4: switches.Switch4,
}

// handleInput maps keys to engine settings and the DIP switches.
func (d *Display) handleInput() {
	e := d.sim.Engine

	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeyArrowUp):
		e.SetRPM(min(e.RPM()+rpmStep, maxRPM))
	case inpututil.IsKeyJustPressed(ebiten.KeyArrowDown):
		if e.RPM() > rpmStep {
			e.SetRPM(e.RPM() - rpmStep)
		} else {
			e.SetRPM(0)
		}
	case inpututil.IsKeyJustPressed(ebiten.KeyArrowRight):
		e.SetAdvance(e.Advance() + 1)
	case inpututil.IsKeyJustPressed(ebiten.KeyArrowLeft):
		e.SetAdvance(e.Advance() - 1)
	case inpututil.IsKeyJustPressed(ebiten.KeyC):
		e.SetCrank(!e.Crank())
	case inpututil.IsKeyJustPressed(ebiten.KeyB):
		if e.Bounce() == 0 {
			e.SetBounce(4)
		} else {
			e.SetBounce(0)
		}
	case inpututil.IsKeyJustPressed(ebiten.KeyN):
		if e.Cylinders() >= 8 {
			e.SetCylinders(2)
		} else {
			e.SetCylinders(e.Cylinders() + 2)
		}
	}

	for key, sw := range switchKeys {
		if inpututil.IsKeyJustPressed(key) {
			d.sim.Switches.Toggle(sw)
		}
	}
}

// Draw draws the panel and a status line.
func (d *Display) Draw(screen *ebiten.Image) {
	d.sim.Panel.Pixels(d.pixels)
	d.screen.WritePixels(d.pixels)
	screen.DrawImage(d.screen, nil)

	e := d.sim.Engine
	crank := "on"
	if !e.Crank() {
		crank = "off"
	}
	status := fmt.Sprintf("%d rpm %d deg %d cyl crank %s\nmode %s sw %04b",
		e.RPM(), e.Advance(), e.Cylinders(), crank,
		d.sim.Instrument.Last().State, d.sim.Switches.Read()&0x0F)
	ebitenutil.DebugPrintAt(screen, status, 4, render.ScreenHeight)
}

// Layout returns the game screen size.
func (d *Display) Layout(_, _ int) (int, int) {
	return render.ScreenWidth, screenHeight
}
