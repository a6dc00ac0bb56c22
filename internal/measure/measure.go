package measure

import (
	"math"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/logger"
	"codeberg.org/mutker/aiovctl/internal/pin"
	"codeberg.org/mutker/aiovctl/internal/sampling"
)

// State names the steps of one measurement bracket.
type State string

const (
	StateIdle            State = "idle"
	StateReadOriginal    State = "read_original"
	StateSampleBaseline  State = "sample_baseline"
	StateToggle          State = "toggle"
	StateSettle          State = "settle"
	StateSampleOpposite  State = "sample_opposite"
	StateRestoreOriginal State = "restore_original"
	StateReport          State = "report"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Timing carries the bracket durations. The calling goroutine blocks
// for roughly 2*SampleDuration + Settle.
type Timing struct {
	SampleDuration time.Duration
	SampleInterval time.Duration
	Settle         time.Duration
}

// Result is the outcome of one bracket. Baseline is the window taken
// at the pre-bracket pin level, Opposite the window at the toggled
// level. Deltas are signed (ON minus OFF) and only present when both
// windows are available; each delta carries its own sign indicator,
// since a voltage shift between windows can move the two deltas in
// opposite directions.
type Result struct {
	Feature      string
	Pin          pin.Pin
	OriginalOn   bool
	Baseline     *sampling.Window
	Opposite     *sampling.Window
	DeltaCurrent float64
	DeltaPower   float64
	CurrentSign  string
	PowerSign    string
	Outcome      Outcome
}

// Orchestrator runs measurement brackets. The feature map is copied at
// construction and never mutated; concurrent Run calls on the same
// feature serialize, since the pin and the telemetry rail have no
// hardware-level lock.
//
// Known limitation: an abrupt process termination mid-bracket (SIGKILL,
// power loss) can leave the pin at the toggled level. Only the restore
// step inside Run defends the original level; nothing can run after a
// kill.
type Orchestrator struct {
	pins     pin.Controller
	sampler  *sampling.Sampler
	features map[string]pin.Pin
	timing   Timing

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewOrchestrator(pins pin.Controller, sampler *sampling.Sampler, features map[string]int, timing Timing) *Orchestrator {
	featurePins := make(map[string]pin.Pin, len(features))
	for name, number := range features {
		featurePins[strings.ToUpper(name)] = pin.Pin(number)
	}

	return &Orchestrator{
		pins:     pins,
		sampler:  sampler,
		features: featurePins,
		timing:   timing,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) featureLock(feature string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	lock, ok := o.locks[feature]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[feature] = lock
	}

	return lock
}

func transition(feature string, state State) {
	logger.Debug().Str("feature", feature).Str("state", string(state)).Msg("Bracket state")
}

// Run executes one paired baseline/opposite sampling bracket around a
// single pin toggle. An unknown feature is rejected before any
// hardware access. Sampling failures are absorbed into a Failed
// result; the restore toggle is always the final hardware action.
func (o *Orchestrator) Run(feature string) (*Result, error) {
	name := strings.ToUpper(feature)
	p, ok := o.features[name]
	if !ok {
		return nil, errors.New().WithData(errors.ErrUnknownFeature, feature)
	}

	lock := o.featureLock(name)
	lock.Lock()
	defer lock.Unlock()

	transition(name, StateIdle)

	// The pre-bracket level fixes the bracket ordering: an ON feature is
	// sampled ON first, toggled OFF, sampled OFF, then restored ON.
	transition(name, StateReadOriginal)
	originalOn := o.pins.ReadLevel(p)

	result := &Result{
		Feature:    name,
		Pin:        p,
		OriginalOn: originalOn,
		Outcome:    OutcomeFailed,
	}

	transition(name, StateSampleBaseline)
	baseline, baselineErr := o.sampler.SampleWindow(o.timing.SampleDuration, o.timing.SampleInterval)
	result.Baseline = baseline
	if baselineErr != nil {
		logger.Warn().Err(baselineErr).Str("feature", name).Msg("Baseline window unavailable")
	}

	transition(name, StateToggle)
	toggleErr := o.pins.SetLevel(p, !originalOn)
	if toggleErr != nil {
		logger.Warn().Err(toggleErr).Str("feature", name).Msg("Toggle failed")
	}

	if toggleErr == nil {
		transition(name, StateSettle)
		time.Sleep(o.timing.Settle)

		transition(name, StateSampleOpposite)
		opposite, oppositeErr := o.sampler.SampleWindow(o.timing.SampleDuration, o.timing.SampleInterval)
		result.Opposite = opposite
		if oppositeErr != nil {
			logger.Warn().Err(oppositeErr).Str("feature", name).Msg("Opposite window unavailable")
		}
	}

	// Unconditional, on the success and the failure path alike: the pin
	// must never stay at the experimental level because of a caught
	// error.
	transition(name, StateRestoreOriginal)
	if err := o.pins.SetLevel(p, originalOn); err != nil {
		logger.Error().Err(err).Str("feature", name).Msg("Failed to restore original pin level")
	}

	transition(name, StateReport)
	o.report(result)

	return result, nil
}

// report computes the signed deltas when both windows are available.
// Partial or estimated deltas are never produced.
func (o *Orchestrator) report(result *Result) {
	if result.Baseline == nil || result.Opposite == nil {
		result.Outcome = OutcomeFailed
		return
	}

	onWindow, offWindow := result.Opposite, result.Baseline
	if result.OriginalOn {
		onWindow, offWindow = result.Baseline, result.Opposite
	}

	result.DeltaCurrent = round2(onWindow.CurrentMean - offWindow.CurrentMean)
	result.DeltaPower = round2(onWindow.PowerMean - offWindow.PowerMean)
	result.CurrentSign = signOf(result.DeltaCurrent)
	result.PowerSign = signOf(result.DeltaPower)
	result.Outcome = OutcomeSucceeded

	logger.Info().
		Str("feature", result.Feature).
		Float64("delta_current", result.DeltaCurrent).
		Float64("delta_power", result.DeltaPower).
		Str("sign", result.PowerSign).
		Msg("Bracket complete")
}

func signOf(v float64) string {
	switch {
	case v > 0:
		return "+"
	case v < 0:
		return "-"
	default:
		return ""
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
