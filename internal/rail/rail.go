package rail

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/aiovctl/internal/errors"
)

const defaultSysfsRoot = "/sys/class/power_supply"

// Sample is one instantaneous reading of the battery rail. Current is
// signed: positive while the battery takes charge, negative while it
// supplies the system. Values are rounded to 2 decimals at read time,
// before any aggregation; the platform does not claim finer resolution.
type Sample struct {
	Voltage float64 // volts
	Current float64 // amps, signed
	Power   float64 // watts, voltage * current
}

// RailStatus is one named rail in the live per-rail view.
type RailStatus struct {
	Name    string
	Voltage float64
	Current float64
	Power   float64 // watts, absolute
}

// SysfsReader reads power-supply attributes from the platform sysfs
// tree. Root is overridable so tests can point it at a fixture tree.
type SysfsReader struct {
	root    string
	battery string
	ac      string
}

func NewSysfsReader(root, batteryDevice, acDevice string) *SysfsReader {
	if root == "" {
		root = defaultSysfsRoot
	}

	return &SysfsReader{root: root, battery: batteryDevice, ac: acDevice}
}

func (r *SysfsReader) readAttr(device, attr string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.root, device, attr))
	if err != nil {
		return "", errors.New().Wrap(errors.ErrHardwareUnavailable, err)
	}

	return strings.TrimSpace(string(data)), nil
}

func (r *SysfsReader) readMicro(device, attr string) (float64, error) {
	raw, err := r.readAttr(device, attr)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrHardwareUnavailable, err)
	}

	return round2(float64(v) / 1e6), nil
}

// ReadRail reads the instantaneous battery voltage and current.
func (r *SysfsReader) ReadRail() (Sample, error) {
	voltage, err := r.readMicro(r.battery, "voltage_now")
	if err != nil {
		return Sample{}, err
	}

	current, err := r.readMicro(r.battery, "current_now")
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Voltage: voltage,
		Current: current,
		Power:   round2(voltage * current),
	}, nil
}

// ReadACOnline reports whether the AC adapter is present.
func (r *SysfsReader) ReadACOnline() (bool, error) {
	raw, err := r.readAttr(r.ac, "online")
	if err != nil {
		return false, err
	}

	return raw == "1", nil
}

// ReadBatteryStatus returns the platform status string (Charging,
// Discharging, Full, ...) without interpretation.
func (r *SysfsReader) ReadBatteryStatus() (string, error) {
	return r.readAttr(r.battery, "status")
}

// ReadBatteryCapacity returns the battery charge percentage.
func (r *SysfsReader) ReadBatteryCapacity() (int, error) {
	raw, err := r.readAttr(r.battery, "capacity")
	if err != nil {
		return 0, err
	}

	capacity, err := strconv.Atoi(raw)
	if err != nil || capacity < 0 || capacity > 100 {
		return 0, errors.New().WithData(errors.ErrHardwareUnavailable, raw)
	}

	return capacity, nil
}

// ReadAllRails enumerates every power-supply device exposing voltage
// and current, for the live power view. Devices missing either
// attribute are skipped rather than reported as zero.
func (r *SysfsReader) ReadAllRails() ([]RailStatus, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrHardwareUnavailable, err)
	}

	var rails []RailStatus
	for _, entry := range entries {
		voltage, err := r.readMicro(entry.Name(), "voltage_now")
		if err != nil {
			continue
		}
		current, err := r.readMicro(entry.Name(), "current_now")
		if err != nil {
			continue
		}

		rails = append(rails, RailStatus{
			Name:    entry.Name(),
			Voltage: voltage,
			Current: current,
			Power:   round2(math.Abs(voltage * current)),
		})
	}

	sort.Slice(rails, func(i, j int) bool { return rails[i].Name < rails[j].Name })

	return rails, nil
}

// TotalPower sums the absolute power of all readable rails.
func (r *SysfsReader) TotalPower() (float64, error) {
	rails, err := r.ReadAllRails()
	if err != nil {
		return 0, err
	}
	if len(rails) == 0 {
		return 0, errors.New().WithMessage(errors.ErrHardwareUnavailable, "no readable rails")
	}

	total := 0.0
	for _, rail := range rails {
		total += rail.Power
	}

	return round2(total), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
