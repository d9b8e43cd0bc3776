// Package scenario runs the instrument against a simulated engine and checks
// what it reports over serial.
package scenario

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/richardwooding/ignitiontimer/internal/config"
	"github.com/richardwooding/ignitiontimer/internal/reading"
	"github.com/richardwooding/ignitiontimer/internal/simulator"
)

var (
	// ErrNoReading indicates the instrument reported nothing over serial.
	ErrNoReading = errors.New("no reading on serial output")

	// ErrMalformed indicates a serial line that is not a reading.
	ErrMalformed = errors.New("malformed reading")
)

// DefaultFrames is the number of main loop iterations run per scenario.
const DefaultFrames = 4

// Scenario is one engine condition.
type Scenario struct {
	Name      string
	RPM       uint32
	Advance   int32
	Cylinders uint32 // 0 means four
	NoCrank   bool
	Bounce    uint32
	Frames    int // 0 means DefaultFrames
}

// Defaults lists the standard acceptance scenarios.
func Defaults() []Scenario {
	return []Scenario{
		{Name: "idle", RPM: 900, Advance: 8},
		{Name: "cruise", RPM: 3000, Advance: 10},
		{Name: "full advance", RPM: 6500, Advance: 32},
		{Name: "retarded", RPM: 1500, Advance: -5},
		{Name: "no crank sensor", RPM: 2000, Advance: 12, NoCrank: true},
		{Name: "noisy flywheel", RPM: 2500, Advance: 15, Bounce: 8},
		{Name: "twin cranking", RPM: 200, Advance: 5, Cylinders: 2},
		{Name: "over range", RPM: 12000, Advance: 20},
	}
}

// Result represents the result of running a scenario.
type Result struct {
	Scenario Scenario
	Output   string

	RPM        uint32
	Advance    uint32 // three displayed digits
	HasAdvance bool

	Passed bool
	Failed bool
	Error  error
}

// Run drives a fresh simulator in verbose mode and checks the last reading.
func Run(t config.Timing, sc Scenario) *Result {
	result := &Result{Scenario: sc}

	sim, err := simulator.New(t)
	if err != nil {
		result.Error = fmt.Errorf("failed to create simulator: %w", err)
		return result
	}

	sim.SetVerbose(true)
	sim.Engine.SetRPM(sc.RPM)
	sim.Engine.SetAdvance(sc.Advance)
	if sc.Cylinders != 0 {
		sim.Engine.SetCylinders(sc.Cylinders)
	}
	sim.Engine.SetCrank(!sc.NoCrank)
	sim.Engine.SetBounce(sc.Bounce)

	frames := sc.Frames
	if frames <= 0 {
		frames = DefaultFrames
	}
	sim.RunFrames(frames)

	result.Output = sim.SerialOutput()

	line, ok := lastLine(result.Output)
	if !ok {
		result.Error = ErrNoReading
		return result
	}
	if err := result.parse(line); err != nil {
		result.Error = err
		return result
	}

	result.Passed = result.rpmOK(t) && result.advanceOK()
	result.Failed = !result.Passed
	return result
}

func lastLine(output string) (string, bool) {
	lines := strings.Split(strings.TrimSuffix(output, "\r\n"), "\r\n")
	last := lines[len(lines)-1]
	return last, last != ""
}

// parse reads "RRRR AAA" or "RRRR ".
func (r *Result) parse(line string) error {
	rpm, adv, found := strings.Cut(line, " ")
	if !found || len(rpm) != reading.RPMDigits {
		return fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	v, err := strconv.ParseUint(rpm, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrMalformed, line, err)
	}
	r.RPM = uint32(v)

	if adv == "" {
		return nil
	}
	if len(adv) != reading.AdvanceDigits {
		return fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	v, err = strconv.ParseUint(adv, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrMalformed, line, err)
	}
	r.Advance = uint32(v)
	r.HasAdvance = true
	return nil
}

// rpmOK allows 1% error. Speeds beyond the display range must read 9999.
func (r *Result) rpmOK(t config.Timing) bool {
	want := r.Scenario.RPM
	if t.IntervalFor(float64(want)) < t.Crystal.MinCount {
		return r.RPM == 9999
	}
	diff := int64(r.RPM) - int64(want)
	if diff < 0 {
		diff = -diff
	}
	return diff*100 <= int64(want)
}

// advanceOK allows one degree of error on the three displayed digits, which
// wrap for advances below zero.
func (r *Result) advanceOK() bool {
	if r.Scenario.NoCrank {
		return !r.HasAdvance
	}
	if !r.HasAdvance {
		return false
	}
	want := uint32(r.Scenario.Advance) % 1000 //nolint:gosec // Negative advance wraps like the instrument
	diff := (r.Advance + 1000 - want) % 1000
	return diff <= 1 || diff >= 999
}

// String returns a human-readable representation of the result.
func (r *Result) String() string {
	if r.Error != nil {
		return fmt.Sprintf("ERROR: %v", r.Error)
	}

	if r.Passed {
		return "PASSED"
	}

	if r.Failed {
		return "FAILED"
	}

	return "UNKNOWN"
}

// IsSuccess returns true if the scenario passed.
func (r *Result) IsSuccess() bool {
	return r.Passed && !r.Failed && r.Error == nil
}
