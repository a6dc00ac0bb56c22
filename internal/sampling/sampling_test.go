package sampling

import (
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/rail"
)

// fakeReader serves scripted samples; entries with fail=true simulate
// an unreadable rail on that tick.
type fakeReader struct {
	samples []rail.Sample
	fail    []bool
	calls   int
}

func (f *fakeReader) ReadRail() (rail.Sample, error) {
	i := f.calls
	f.calls++

	if len(f.fail) > 0 && f.fail[i%len(f.fail)] {
		return rail.Sample{}, errors.New().New(errors.ErrHardwareUnavailable)
	}
	if len(f.samples) == 0 {
		return rail.Sample{}, errors.New().New(errors.ErrHardwareUnavailable)
	}

	return f.samples[i%len(f.samples)], nil
}

func (f *fakeReader) ReadACOnline() (bool, error) { return false, nil }

func (f *fakeReader) ReadBatteryStatus() (string, error) { return "", nil }

func (f *fakeReader) ReadBatteryCapacity() (int, error) { return 0, nil }

func testConfig() Config {
	return Config{MinDuration: 20 * time.Millisecond, MinInterval: 5 * time.Millisecond}
}

func TestSampleWindowElapsesDuration(t *testing.T) {
	reader := &fakeReader{samples: []rail.Sample{{Voltage: 4.1, Current: 0.5, Power: 2.05}}}
	s := NewSampler(reader, testConfig())

	duration := 60 * time.Millisecond
	interval := 10 * time.Millisecond

	start := time.Now()
	w, err := s.SampleWindow(duration, interval)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("SampleWindow() error = %v", err)
	}
	if elapsed < duration {
		t.Fatalf("elapsed %v, want >= %v", elapsed, duration)
	}
	maxCount := int(math.Ceil(float64(duration)/float64(interval))) + 1
	if w.Count < 1 || w.Count > maxCount {
		t.Fatalf("Count = %d, want 1..%d", w.Count, maxCount)
	}
}

func TestSampleWindowClampsToFloors(t *testing.T) {
	reader := &fakeReader{samples: []rail.Sample{{Voltage: 4.1, Current: 0.5, Power: 2.05}}}
	cfg := testConfig()
	s := NewSampler(reader, cfg)

	start := time.Now()
	w, err := s.SampleWindow(0, 0)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("SampleWindow() error = %v", err)
	}
	if elapsed < cfg.MinDuration {
		t.Fatalf("elapsed %v, want >= clamped floor %v", elapsed, cfg.MinDuration)
	}
	if w.Count < 1 {
		t.Fatalf("Count = %d, want >= 1", w.Count)
	}
}

func TestSampleWindowAggregates(t *testing.T) {
	reader := &fakeReader{samples: []rail.Sample{
		{Voltage: 4.10, Current: 0.40, Power: 1.64},
		{Voltage: 4.05, Current: 0.60, Power: 2.43},
	}}
	s := NewSampler(reader, testConfig())

	w, err := s.SampleWindow(20*time.Millisecond, 15*time.Millisecond)
	if err != nil {
		t.Fatalf("SampleWindow() error = %v", err)
	}

	// Recompute the expected aggregates from the exact recorded values.
	wantCurrentMean, wantCurrentStdDev := meanStdDev(w.Currents)
	if w.CurrentMean != wantCurrentMean {
		t.Fatalf("CurrentMean = %v, want %v", w.CurrentMean, wantCurrentMean)
	}
	if w.CurrentStdDev != wantCurrentStdDev {
		t.Fatalf("CurrentStdDev = %v, want %v", w.CurrentStdDev, wantCurrentStdDev)
	}
	wantVoltage := reader.samples[(reader.calls-1)%len(reader.samples)].Voltage
	if w.LastVoltage != wantVoltage {
		t.Fatalf("LastVoltage = %v, want %v (last observed, not averaged)", w.LastVoltage, wantVoltage)
	}
}

func TestPopulationStdDev(t *testing.T) {
	// Population stddev of {2, 4, 4, 4, 5, 5, 7, 9} is exactly 2 (divisor N).
	mean, stdDev := meanStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})

	if mean != 5 {
		t.Fatalf("mean = %v, want 5", mean)
	}
	if stdDev != 2 {
		t.Fatalf("stdDev = %v, want 2 (population, divisor N)", stdDev)
	}
}

func TestSampleWindowDropsFailedReads(t *testing.T) {
	reader := &fakeReader{
		samples: []rail.Sample{{Voltage: 4.1, Current: 0.5, Power: 2.05}},
		fail:    []bool{false, true}, // every second read fails
	}
	s := NewSampler(reader, testConfig())

	w, err := s.SampleWindow(40*time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("SampleWindow() error = %v", err)
	}
	if w.Count >= reader.calls {
		t.Fatalf("Count = %d with %d reads, want dropped failures", w.Count, reader.calls)
	}
	for _, c := range w.Currents {
		if c != 0.5 {
			t.Fatalf("recorded current %v, want only successful reads", c)
		}
	}
}

func TestSampleWindowAllReadsFail(t *testing.T) {
	reader := &fakeReader{fail: []bool{true}}
	s := NewSampler(reader, testConfig())

	start := time.Now()
	_, err := s.SampleWindow(30*time.Millisecond, 5*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("SampleWindow() error = nil, want sampling failure")
	}
	if !errors.HasCode(err, errors.ErrSamplingFailed) {
		t.Fatalf("error = %v, want sampling_failed code", err)
	}
	// The window still runs its full duration before reporting failure.
	if elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed %v, want full duration before failure", elapsed)
	}
}
