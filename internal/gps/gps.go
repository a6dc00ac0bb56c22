package gps

import (
	"context"
	"encoding/json"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const (
	StateNoDevice = "no-device"
	StateActive   = "active"

	defaultSerialDevice = "/dev/ttyAMA0"

	// gpspipe -w streams until killed, so a deadline kill with partial
	// output is the normal path, not a failure.
	probeTimeout = time.Second
)

// Runner executes an external command and returns its output. It
// exists so tests can substitute gpspipe and lsof.
type Runner func(name string, args ...string) (string, error)

func timeoutRunner(name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if len(out) > 0 {
		return string(out), nil
	}

	return string(out), err
}

// Fix is the position part of a gpsd TPV report.
type Fix struct {
	Mode int
	Lat  float64
	Lon  float64
}

// Status is the assembled gpsd view for the detailed status display.
// Satellites is -1 when no SKY report was observed within the probe
// window.
type Status struct {
	State      string
	Device     string
	Fix        *Fix
	Satellites int
	Users      []string
}

type devicesReport struct {
	Devices []struct {
		Path string `json:"path"`
	} `json:"devices"`
}

type tpvReport struct {
	Mode int     `json:"mode"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type skyReport struct {
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

// Monitor queries a running gpsd through the gpspipe utility and
// enumerates serial device users through lsof.
type Monitor struct {
	gpspipe string
	lsof    string
	device  string
	run     Runner
}

func NewMonitor(device string) *Monitor {
	if device == "" {
		device = defaultSerialDevice
	}

	return &Monitor{gpspipe: "gpspipe", lsof: "lsof", device: device, run: timeoutRunner}
}

// NewMonitorWithRunner builds a monitor around a custom runner.
func NewMonitorWithRunner(device string, run Runner) *Monitor {
	m := NewMonitor(device)
	m.run = run

	return m
}

// Status assembles a best-effort gpsd view. Every probe degrades
// rather than errors: a dead gpsd reads as no-device, a missing lsof
// as an empty user list.
func (m *Monitor) Status() Status {
	st := Status{State: StateNoDevice, Device: m.device, Satellites: -1}
	if !m.devicePresent() {
		return st
	}

	st.State = StateActive
	m.readReports(&st)
	st.Users = m.DeviceUsers()

	return st
}

func (m *Monitor) devicePresent() bool {
	out, err := m.run(m.gpspipe, "-r")
	if err != nil && out == "" {
		return false
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, `"class":"DEVICES"`) {
			continue
		}

		var report devicesReport
		if json.Unmarshal([]byte(line), &report) == nil && len(report.Devices) > 0 {
			return true
		}
	}

	return false
}

// readReports scans the gpsd report stream for the first TPV and SKY
// lines and stops as soon as both have been seen.
func (m *Monitor) readReports(st *Status) {
	out, err := m.run(m.gpspipe, "-w")
	if err != nil && out == "" {
		return
	}

	for _, line := range strings.Split(out, "\n") {
		switch {
		case st.Fix == nil && strings.Contains(line, `"class":"TPV"`):
			var report tpvReport
			if json.Unmarshal([]byte(line), &report) == nil {
				st.Fix = &Fix{Mode: report.Mode, Lat: report.Lat, Lon: report.Lon}
			}
		case st.Satellites < 0 && strings.Contains(line, `"class":"SKY"`):
			var report skyReport
			if json.Unmarshal([]byte(line), &report) == nil {
				st.Satellites = len(report.Satellites)
			}
		}

		if st.Fix != nil && st.Satellites >= 0 {
			return
		}
	}
}

// DeviceUsers lists the process names holding the serial device open,
// deduplicated and sorted. An lsof failure reads as no users.
func (m *Monitor) DeviceUsers() []string {
	out, err := m.run(m.lsof, m.device)
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}

	seen := make(map[string]bool)
	var users []string
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		users = append(users, fields[0])
	}
	sort.Strings(users)

	return users
}
