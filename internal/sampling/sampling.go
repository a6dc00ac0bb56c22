package sampling

import (
	"math"
	"time"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/logger"
	"codeberg.org/mutker/aiovctl/internal/rail"
)

const (
	defaultMinDuration = 100 * time.Millisecond
	defaultMinInterval = 10 * time.Millisecond
)

// Config carries the clamping floors. Both floors are strictly
// positive so a window always makes forward progress and can never
// busy-loop.
type Config struct {
	MinDuration time.Duration
	MinInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinDuration: defaultMinDuration,
		MinInterval: defaultMinInterval,
	}
}

// Window aggregates the readings collected over one bounded sampling
// run. A window only exists when at least one reading succeeded; the
// zero-reading case is reported as an error, never as a zero window.
type Window struct {
	Currents      []float64
	Powers        []float64
	CurrentMean   float64
	CurrentStdDev float64
	PowerMean     float64
	PowerStdDev   float64
	LastVoltage   float64
	Count         int
}

// Sampler polls a rail reader at a fixed cadence for a bounded
// duration.
type Sampler struct {
	reader rail.Reader
	cfg    Config
}

func NewSampler(reader rail.Reader, cfg Config) *Sampler {
	if cfg.MinDuration <= 0 {
		cfg.MinDuration = defaultMinDuration
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}

	return &Sampler{reader: reader, cfg: cfg}
}

// SampleWindow polls until at least duration wall-clock time has
// elapsed, regardless of how many individual reads succeed. A failed
// read within a tick is dropped without retry. Returns a sampling
// failure if the whole window produced no readings.
func (s *Sampler) SampleWindow(duration, interval time.Duration) (*Window, error) {
	if duration < s.cfg.MinDuration {
		duration = s.cfg.MinDuration
	}
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}

	w := &Window{}
	start := time.Now()
	for {
		if sample, err := s.reader.ReadRail(); err == nil {
			w.Currents = append(w.Currents, sample.Current)
			w.Powers = append(w.Powers, sample.Power)
			w.LastVoltage = sample.Voltage
		} else {
			logger.Debug().Err(err).Msg("Dropped failed rail read")
		}

		if time.Since(start) >= duration {
			break
		}
		time.Sleep(interval)
	}

	w.Count = len(w.Currents)
	if w.Count == 0 {
		return nil, errors.New().New(errors.ErrSamplingFailed)
	}

	w.CurrentMean, w.CurrentStdDev = meanStdDev(w.Currents)
	w.PowerMean, w.PowerStdDev = meanStdDev(w.Powers)

	logger.Debug().
		Int("count", w.Count).
		Float64("current_mean", w.CurrentMean).
		Float64("power_mean", w.PowerMean).
		Msg("Sampling window complete")

	return w, nil
}

// meanStdDev returns the mean and population standard deviation
// (divisor N, not N-1) of the recorded values.
func meanStdDev(values []float64) (mean, stdDev float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}
