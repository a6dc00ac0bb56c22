package measure

import (
	"math"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/pin"
	"codeberg.org/mutker/aiovctl/internal/rail"
	"codeberg.org/mutker/aiovctl/internal/sampling"
)

type setCall struct {
	pin  pin.Pin
	high bool
}

// fakePins models the hardware pin levels and records every set call.
type fakePins struct {
	mu        sync.Mutex
	levels    map[pin.Pin]bool
	history   []setCall
	inBracket bool
	overlap   bool
}

func newFakePins() *fakePins {
	return &fakePins{levels: make(map[pin.Pin]bool)}
}

func (f *fakePins) ReadLevel(p pin.Pin) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[p]
}

func (f *fakePins) SetLevel(p pin.Pin, high bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// A toggle while another bracket holds the pin toggled means the
	// single-flight guarantee broke.
	if f.inBracket {
		f.overlap = true
	}
	f.inBracket = !f.inBracket

	f.levels[p] = high
	f.history = append(f.history, setCall{pin: p, high: high})
	return nil
}

// levelReader serves a different sample depending on the live pin
// level, like a real rail reacting to the feature load.
type levelReader struct {
	pins       *fakePins
	pin        pin.Pin
	onSample   rail.Sample
	offSample  rail.Sample
	failWhenOn bool
}

func (r *levelReader) ReadRail() (rail.Sample, error) {
	if r.pins.ReadLevel(r.pin) {
		if r.failWhenOn {
			return rail.Sample{}, errors.New().New(errors.ErrHardwareUnavailable)
		}
		return r.onSample, nil
	}
	return r.offSample, nil
}

func (r *levelReader) ReadACOnline() (bool, error) { return false, nil }

func (r *levelReader) ReadBatteryStatus() (string, error) { return "Discharging", nil }

func (r *levelReader) ReadBatteryCapacity() (int, error) { return 50, nil }

func testTiming() Timing {
	return Timing{
		SampleDuration: 25 * time.Millisecond,
		SampleInterval: 5 * time.Millisecond,
		Settle:         5 * time.Millisecond,
	}
}

func testSamplerConfig() sampling.Config {
	return sampling.Config{MinDuration: 10 * time.Millisecond, MinInterval: 5 * time.Millisecond}
}

func newTestOrchestrator(pins *fakePins, reader rail.Reader) *Orchestrator {
	sampler := sampling.NewSampler(reader, testSamplerConfig())
	return NewOrchestrator(pins, sampler, map[string]int{"GPS": 27, "LORA": 16}, testTiming())
}

func TestRunFeatureOffDelta(t *testing.T) {
	pins := newFakePins()
	reader := &levelReader{
		pins:      pins,
		pin:       27,
		onSample:  rail.Sample{Voltage: 4.05, Current: 0.45, Power: 2.45},
		offSample: rail.Sample{Voltage: 4.05, Current: 0.20, Power: 1.20},
	}
	o := newTestOrchestrator(pins, reader)

	result, err := o.Run("GPS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Outcome != OutcomeSucceeded {
		t.Fatalf("Outcome = %q, want succeeded", result.Outcome)
	}
	if result.OriginalOn {
		t.Fatal("OriginalOn = true, want false")
	}
	if result.DeltaPower != 1.25 {
		t.Fatalf("DeltaPower = %v, want +1.25", result.DeltaPower)
	}
	if result.DeltaCurrent != 0.25 {
		t.Fatalf("DeltaCurrent = %v, want +0.25", result.DeltaCurrent)
	}
	if result.CurrentSign != "+" || result.PowerSign != "+" {
		t.Fatalf("signs = %q/%q, want +/+", result.CurrentSign, result.PowerSign)
	}
	// OFF start: baseline sampled OFF, opposite sampled ON.
	if math.Abs(result.Baseline.PowerMean-1.20) > 1e-9 {
		t.Fatalf("Baseline.PowerMean = %v, want 1.20", result.Baseline.PowerMean)
	}
	if math.Abs(result.Opposite.PowerMean-2.45) > 1e-9 {
		t.Fatalf("Opposite.PowerMean = %v, want 2.45", result.Opposite.PowerMean)
	}
}

func TestRunRestoresOffFeature(t *testing.T) {
	pins := newFakePins()
	reader := &levelReader{
		pins:      pins,
		pin:       27,
		onSample:  rail.Sample{Voltage: 4.0, Current: 0.4, Power: 1.6},
		offSample: rail.Sample{Voltage: 4.0, Current: 0.2, Power: 0.8},
	}
	o := newTestOrchestrator(pins, reader)

	if _, err := o.Run("GPS"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if pins.ReadLevel(27) {
		t.Fatal("pin left ON after bracket on an OFF feature")
	}
	// Toggle ON, restore OFF; restore is the final hardware action.
	want := []setCall{{27, true}, {27, false}}
	if len(pins.history) != len(want) {
		t.Fatalf("set calls = %v, want %v", pins.history, want)
	}
	for i := range want {
		if pins.history[i] != want[i] {
			t.Fatalf("set calls = %v, want %v", pins.history, want)
		}
	}
}

func TestRunRestoresOnFeature(t *testing.T) {
	pins := newFakePins()
	pins.levels[27] = true

	reader := &levelReader{
		pins:      pins,
		pin:       27,
		onSample:  rail.Sample{Voltage: 4.0, Current: 0.4, Power: 1.6},
		offSample: rail.Sample{Voltage: 4.0, Current: 0.2, Power: 0.8},
	}
	o := newTestOrchestrator(pins, reader)

	result, err := o.Run("GPS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !pins.ReadLevel(27) {
		t.Fatal("pin left OFF after bracket on an ON feature")
	}
	if !result.OriginalOn {
		t.Fatal("OriginalOn = false, want true")
	}
	// ON start: baseline sampled ON, opposite OFF; deltas still ON minus OFF.
	if math.Abs(result.Baseline.PowerMean-1.6) > 1e-9 {
		t.Fatalf("Baseline.PowerMean = %v, want 1.6 (ON window first)", result.Baseline.PowerMean)
	}
	if result.DeltaPower != 0.8 {
		t.Fatalf("DeltaPower = %v, want +0.8", result.DeltaPower)
	}
	want := []setCall{{27, false}, {27, true}}
	for i := range want {
		if pins.history[i] != want[i] {
			t.Fatalf("set calls = %v, want %v", pins.history, want)
		}
	}
}

func TestRunOppositeWindowFailure(t *testing.T) {
	pins := newFakePins()
	reader := &levelReader{
		pins:       pins,
		pin:        27,
		offSample:  rail.Sample{Voltage: 4.0, Current: 0.2, Power: 0.8},
		failWhenOn: true, // every read fails while the feature is ON
	}
	o := newTestOrchestrator(pins, reader)

	result, err := o.Run("GPS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %q, want failed", result.Outcome)
	}
	if result.Opposite != nil {
		t.Fatal("Opposite window present, want unavailable")
	}
	if result.DeltaPower != 0 || result.PowerSign != "" || result.CurrentSign != "" {
		t.Fatalf("deltas reported on failure: %v %q %q", result.DeltaPower, result.PowerSign, result.CurrentSign)
	}
	// The restore still ran: pin back at its pre-bracket OFF level.
	if pins.ReadLevel(27) {
		t.Fatal("pin left ON after failed bracket")
	}
}

func TestRunDeltaSignsIndependent(t *testing.T) {
	pins := newFakePins()
	// Higher rail voltage in the ON window: power rises while current
	// falls, so the two deltas carry opposite signs.
	reader := &levelReader{
		pins:      pins,
		pin:       27,
		onSample:  rail.Sample{Voltage: 5.00, Current: 0.45, Power: 2.25},
		offSample: rail.Sample{Voltage: 4.00, Current: 0.50, Power: 2.00},
	}
	o := newTestOrchestrator(pins, reader)

	result, err := o.Run("GPS")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.DeltaCurrent != -0.05 {
		t.Fatalf("DeltaCurrent = %v, want -0.05", result.DeltaCurrent)
	}
	if result.DeltaPower != 0.25 {
		t.Fatalf("DeltaPower = %v, want +0.25", result.DeltaPower)
	}
	if result.CurrentSign != "-" {
		t.Fatalf("CurrentSign = %q, want - (derived from the current delta)", result.CurrentSign)
	}
	if result.PowerSign != "+" {
		t.Fatalf("PowerSign = %q, want +", result.PowerSign)
	}
}

func TestRunUnknownFeature(t *testing.T) {
	pins := newFakePins()
	reader := &levelReader{pins: pins, pin: 27}
	o := newTestOrchestrator(pins, reader)

	_, err := o.Run("WIFI")
	if err == nil {
		t.Fatal("Run() error = nil, want unknown feature")
	}
	if !errors.HasCode(err, errors.ErrUnknownFeature) {
		t.Fatalf("error = %v, want unknown_feature code", err)
	}
	if len(pins.history) != 0 {
		t.Fatal("hardware touched for an unknown feature")
	}
}

func TestRunFeatureNameCaseInsensitive(t *testing.T) {
	pins := newFakePins()
	reader := &levelReader{
		pins:      pins,
		pin:       16,
		onSample:  rail.Sample{Voltage: 4.0, Current: 0.4, Power: 1.6},
		offSample: rail.Sample{Voltage: 4.0, Current: 0.2, Power: 0.8},
	}
	o := newTestOrchestrator(pins, reader)

	result, err := o.Run("lora")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Feature != "LORA" || result.Pin != 16 {
		t.Fatalf("result = %q pin %d, want LORA pin 16", result.Feature, result.Pin)
	}
}

func TestRunSerializesPerFeature(t *testing.T) {
	pins := newFakePins()
	reader := &levelReader{
		pins:      pins,
		pin:       27,
		onSample:  rail.Sample{Voltage: 4.0, Current: 0.4, Power: 1.6},
		offSample: rail.Sample{Voltage: 4.0, Current: 0.2, Power: 0.8},
	}
	o := newTestOrchestrator(pins, reader)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run("GPS"); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if pins.overlap {
		t.Fatal("overlapping brackets observed on the same feature")
	}
	if pins.ReadLevel(27) {
		t.Fatal("pin left ON after serialized brackets")
	}
}
