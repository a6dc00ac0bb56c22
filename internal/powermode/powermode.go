package powermode

import (
	"math"

	"codeberg.org/mutker/aiovctl/internal/rail"
)

// NoiseFloor is the minimum current magnitude treated as a real
// charge or discharge signal rather than measurement noise.
const NoiseFloor = 0.05

type Direction string

const (
	DirectionCharging    Direction = "charging"
	DirectionDischarging Direction = "discharging"
	DirectionIdle        Direction = "idle"
)

type Source string

const (
	SourceAC  Source = "AC"
	SourceBAT Source = "BAT"
)

const (
	ModeACCharging = "AC powering system + battery"
	ModeAC         = "AC powering system"
	ModeBattery    = "Battery powering system"
)

// Classification is the qualitative view of one battery reading.
// Direction is the only place charge direction is available; the
// magnitudes handed to callers elsewhere are unsigned.
type Classification struct {
	Source    Source
	Direction Direction
	Mode      string
}

// PowerSummary is the user-facing status of the power subsystem.
// Current and Power are magnitudes; direction is carried by the
// classification labels only.
type PowerSummary struct {
	Source        Source
	BatteryStatus string
	CapacityPct   int
	Direction     Direction
	Mode          string
	Voltage       float64
	Current       float64
	Power         float64
}

// Classify derives source, charge direction and mode from the signed
// battery current and AC presence.
func Classify(current float64, acOnline bool) Classification {
	direction := DirectionIdle
	switch {
	case current > NoiseFloor:
		direction = DirectionCharging
	case current < -NoiseFloor:
		direction = DirectionDischarging
	}

	mode := ModeBattery
	if acOnline {
		if direction == DirectionCharging {
			mode = ModeACCharging
		} else {
			mode = ModeAC
		}
	}

	source := SourceBAT
	if acOnline {
		source = SourceAC
	}

	return Classification{
		Source:    source,
		Direction: direction,
		Mode:      mode,
	}
}

// Summarize reads the battery rail once and assembles a PowerSummary.
// Any unavailable attribute propagates as an error; a summary is never
// built from defaulted readings.
func Summarize(reader rail.Reader) (*PowerSummary, error) {
	sample, err := reader.ReadRail()
	if err != nil {
		return nil, err
	}

	acOnline, err := reader.ReadACOnline()
	if err != nil {
		return nil, err
	}

	status, err := reader.ReadBatteryStatus()
	if err != nil {
		return nil, err
	}

	capacity, err := reader.ReadBatteryCapacity()
	if err != nil {
		return nil, err
	}

	c := Classify(sample.Current, acOnline)

	return &PowerSummary{
		Source:        c.Source,
		BatteryStatus: status,
		CapacityPct:   capacity,
		Direction:     c.Direction,
		Mode:          c.Mode,
		Voltage:       sample.Voltage,
		Current:       math.Abs(sample.Current),
		Power:         math.Abs(sample.Power),
	}, nil
}
