package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/aiovctl/internal/config"
	"codeberg.org/mutker/aiovctl/internal/gps"
	"codeberg.org/mutker/aiovctl/internal/logger"
	"codeberg.org/mutker/aiovctl/internal/measure"
	"codeberg.org/mutker/aiovctl/internal/measurelog"
	"codeberg.org/mutker/aiovctl/internal/pid"
	"codeberg.org/mutker/aiovctl/internal/pin"
	"codeberg.org/mutker/aiovctl/internal/powermode"
	"codeberg.org/mutker/aiovctl/internal/rail"
	"codeberg.org/mutker/aiovctl/internal/sampling"
)

const monitorInterval = time.Second

type app struct {
	cfg          *config.Config
	pins         pin.Controller
	reader       *rail.SysfsReader
	gps          *gps.Monitor
	orchestrator *measure.Orchestrator
}

func newApp(cfg *config.Config) *app {
	pins := pin.NewPinctrlController(cfg.PinctrlPath)
	reader := rail.NewSysfsReader(cfg.SysfsRoot, cfg.BatteryDevice, cfg.ACDevice)
	sampler := sampling.NewSampler(reader, sampling.DefaultConfig())
	timing := measure.Timing{
		SampleDuration: time.Duration(cfg.SampleSeconds) * time.Second,
		SampleInterval: time.Duration(cfg.IntervalMillis) * time.Millisecond,
		Settle:         time.Duration(cfg.SettleSeconds) * time.Second,
	}

	return &app{
		cfg:          cfg,
		pins:         pins,
		reader:       reader,
		gps:          gps.NewMonitor(cfg.GPSDevice),
		orchestrator: measure.NewOrchestrator(pins, sampler, cfg.Features, timing),
	}
}

func main() {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		setLogLevel(config.LogLevel(cfg.LogLevel))
	}

	a := newApp(cfg)

	switch {
	case cfg.Status:
		a.showDetailed()
	case cfg.Power:
		a.showPowerLive(signalContext())
	case cfg.Watch:
		a.showWatch(signalContext())
	case cfg.Measure:
		if len(args) != 1 {
			usage()
		}
		a.runMeasure(args[0])
	case len(args) == 2:
		a.setFeature(args[0], args[1])
	case len(args) == 0:
		a.showBasic()
	default:
		usage()
	}
}

func setLogLevel(level config.LogLevel) {
	switch level {
	case config.LogLevelDebug:
		logger.SetLogLevel(logger.DebugLevel)
	case config.LogLevelInfo:
		logger.SetLogLevel(logger.InfoLevel)
	case config.LogLevelWarning:
		logger.SetLogLevel(logger.WarnLevel)
	case config.LogLevelError:
		logger.SetLogLevel(logger.ErrorLevel)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: aiovctl [--status|--power|--watch|--measure <feature>|<feature> on|off]")
	os.Exit(2)
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()
	return ctx
}

func (a *app) sortedFeatures() []string {
	names := make([]string, 0, len(a.cfg.Features))
	for name := range a.cfg.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *app) showBasic() {
	fmt.Println("Feature Status")
	fmt.Println("====================")
	for _, name := range a.sortedFeatures() {
		p := pin.Pin(a.cfg.Features[name])
		state := "OFF"
		if a.pins.ReadLevel(p) {
			state = "ON"
		}
		fmt.Printf("%-5s GPIO%d: %s\n", name, p, state)
	}
}

func (a *app) showDetailed() {
	fmt.Println("Detailed Feature Status")
	fmt.Println("========================")

	if summary, err := powermode.Summarize(a.reader); err == nil {
		fmt.Printf("Source:    %s (%s)\n", summary.Source, summary.Mode)
		fmt.Printf("Battery:   %s, %d%%\n", summary.BatteryStatus, summary.CapacityPct)
		fmt.Printf("Rail:      %.2f V  %.2f A  %.2f W (%s)\n",
			summary.Voltage, summary.Current, summary.Power, summary.Direction)
	} else {
		fmt.Println("Power summary: n/a")
	}

	if total, err := a.reader.TotalPower(); err == nil {
		fmt.Printf("Overall Power: %.2f W\n", total)
	} else {
		fmt.Println("Overall Power: n/a")
	}
	fmt.Println("------------------------")

	for _, name := range a.sortedFeatures() {
		p := pin.Pin(a.cfg.Features[name])
		on := a.pins.ReadLevel(p)
		state := "OFF"
		if on {
			state = "ON"
		}
		fmt.Printf("%s (GPIO%d): %s\n", name, p, state)

		// The GPS entry carries the receiver state only while the rail
		// is powered; an OFF feature has nothing to report.
		if name == "GPS" && on {
			renderGPSStatus(a.gps.Status())
		}
	}
}

func renderGPSStatus(st gps.Status) {
	fmt.Printf("  gpsd:   %s\n", st.State)
	if st.State != gps.StateActive {
		return
	}

	if st.Fix != nil {
		fmt.Printf("  fix:    mode %d  lat %.5f  lon %.5f\n", st.Fix.Mode, st.Fix.Lat, st.Fix.Lon)
	}
	if st.Satellites >= 0 {
		fmt.Printf("  sats:   %d\n", st.Satellites)
	}
	fmt.Printf("  device: %s\n", st.Device)
	if len(st.Users) > 0 {
		fmt.Printf("  users:  %s\n", strings.Join(st.Users, ", "))
	}
}

func (a *app) showPowerLive(ctx context.Context) {
	fmt.Println("Power Monitor (Ctrl+C to quit)")
	fmt.Println("-----------------------------")

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		rails, err := a.reader.ReadAllRails()
		if err != nil || len(rails) == 0 {
			fmt.Println("No readable rails")
		} else {
			total := 0.0
			for _, r := range rails {
				fmt.Printf("%-14s %5.2f V  %5.2f A  (%5.2f W)\n", r.Name, r.Voltage, r.Current, r.Power)
				total += r.Power
			}
			fmt.Println("-----------------------------")
			fmt.Printf("Total: %.2f W\n", total)
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nExiting power monitor.")
			return
		case <-ticker.C:
		}
	}
}

func (a *app) showWatch(ctx context.Context) {
	fmt.Println("Live Status (Ctrl+C to quit)")
	fmt.Println("----------------------------")

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		parts := make([]string, 0, len(a.cfg.Features)+1)
		for _, name := range a.sortedFeatures() {
			p := pin.Pin(a.cfg.Features[name])
			state := "OFF"
			if a.pins.ReadLevel(p) {
				state = "ON"
			}
			parts = append(parts, fmt.Sprintf("%s:%s", name, state))
		}

		if total, err := a.reader.TotalPower(); err == nil {
			parts = append(parts, fmt.Sprintf("Power:%.2fW", total))
		} else {
			parts = append(parts, "Power:n/a")
		}

		fmt.Printf("%s\r", strings.Join(parts, "  "))

		select {
		case <-ctx.Done():
			fmt.Println("\nExiting watch mode.")
			return
		case <-ticker.C:
		}
	}
}

func (a *app) setFeature(feature, state string) {
	name := strings.ToUpper(feature)
	number, ok := a.cfg.Features[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown feature: %s\n", feature)
		usage()
	}

	var high bool
	switch strings.ToLower(state) {
	case "on":
		high = true
	case "off":
		high = false
	default:
		usage()
	}

	if err := a.pins.SetLevel(pin.Pin(number), high); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set %s: %v\n", name, err)
		os.Exit(1)
	}
}

func (a *app) runMeasure(feature string) {
	// One process at a time against the pins: the bracket mutates
	// hardware with no lock below us.
	if err := pid.Write(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer pid.Remove()

	mlCfg := measurelog.DefaultConfig()
	mlCfg.Enabled = a.cfg.MeasureLog
	if a.cfg.MeasureLogDB != "" {
		mlCfg.DBPath = a.cfg.MeasureLogDB
	}
	recorder, err := measurelog.NewService(mlCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open measurement log: %v\n", err)
		os.Exit(1)
	}
	defer recorder.Close()

	total := 2*time.Duration(a.cfg.SampleSeconds)*time.Second +
		time.Duration(a.cfg.SettleSeconds)*time.Second
	fmt.Printf("Measuring %s (~%s, feature will be toggled)...\n", strings.ToUpper(feature), total)

	result, err := a.orchestrator.Run(feature)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	renderResult(result)

	if result.Outcome == measure.OutcomeSucceeded {
		if err := recorder.Record(context.Background(), result); err != nil {
			logger.Warn().Err(err).Msg("Failed to record measurement")
		}
	} else {
		os.Exit(1)
	}
}

func renderResult(result *measure.Result) {
	fmt.Printf("\n%s (GPIO%d) measurement\n", result.Feature, result.Pin)
	fmt.Println("========================")

	original := "OFF"
	if result.OriginalOn {
		original = "ON"
	}
	fmt.Printf("Original state: %s (restored)\n", original)

	renderWindow("Baseline", result.Baseline)
	renderWindow("Opposite", result.Opposite)

	if result.Outcome != measure.OutcomeSucceeded {
		fmt.Println("Result: FAILED (a sampling window was unavailable)")
		return
	}

	fmt.Printf("Delta current: %s%.2f A\n", result.CurrentSign, absFloat(result.DeltaCurrent))
	fmt.Printf("Delta power:   %s%.2f W\n", result.PowerSign, absFloat(result.DeltaPower))
}

func renderWindow(label string, w *sampling.Window) {
	if w == nil {
		fmt.Printf("%-9s n/a\n", label)
		return
	}
	fmt.Printf("%-9s %.2f A (±%.2f)  %.2f W (±%.2f)  %.2f V  n=%d\n",
		label, w.CurrentMean, w.CurrentStdDev, w.PowerMean, w.PowerStdDev, w.LastVoltage, w.Count)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
