package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultSampleSeconds  = 5
	defaultIntervalMillis = 200
	defaultSettleSeconds  = 2
	defaultBatteryDevice  = "BAT0"
	defaultACDevice       = "ACAD"
	defaultPinctrlPath    = "pinctrl"
	defaultGPSDevice      = "/dev/ttyAMA0"
	defaultMeasureLogDB   = "/var/lib/aiovctl/measurements.db"
)

// Config holds all process-wide settings. It is loaded once and passed by
// value into the components that need it; nothing reads it as global state.
type Config struct {
	Features       map[string]int `mapstructure:"features"`
	SysfsRoot      string         `mapstructure:"sysfs_root"`
	BatteryDevice  string         `mapstructure:"battery"`
	ACDevice       string         `mapstructure:"ac"`
	PinctrlPath    string         `mapstructure:"pinctrl"`
	GPSDevice      string         `mapstructure:"gps_device"`
	SampleSeconds  int            `mapstructure:"duration"`
	IntervalMillis int            `mapstructure:"interval"`
	SettleSeconds  int            `mapstructure:"settle"`
	MeasureLog     bool           `mapstructure:"measure_log"`
	MeasureLogDB   string         `mapstructure:"measure_log_db"`
	LogLevel       string         `mapstructure:"log_level"`
	Debug          bool           `mapstructure:"debug"`
	Verbose        bool           `mapstructure:"verbose"`

	// Mode flags, command line only.
	Status  bool `mapstructure:"-"`
	Power   bool `mapstructure:"-"`
	Watch   bool `mapstructure:"-"`
	Measure bool `mapstructure:"-"`
}

// DefaultFeatures is the factory feature-to-pin map for the AIO v2 carrier.
func DefaultFeatures() map[string]int {
	return map[string]int{
		"GPS":  27,
		"LORA": 16,
		"SDR":  7,
		"USB":  23,
	}
}

// Load parses flags and the config file. The remaining positional
// arguments (feature names and on/off words) are returned alongside
// the config so callers never re-scan the command line.
func Load(args []string) (*Config, []string, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("aiovctl", pflag.ContinueOnError)
	flags.Bool("status", false, "Show detailed feature status")
	flags.Bool("power", false, "Live per-rail power view")
	flags.Bool("watch", false, "Live compact status line")
	flags.Bool("measure", false, "Measure the incremental power draw of a feature")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.String("log-level", "", "Log level (debug, info, warning, error)")
	flags.Int("duration", defaultSampleSeconds, "Sampling window duration in seconds")
	flags.Int("interval", defaultIntervalMillis, "Sampling interval in milliseconds")
	flags.Int("settle", defaultSettleSeconds, "Settle time after a pin toggle in seconds")
	flags.Bool("measure-log", false, "Append finished measurements to the measurement log")
	flags.String("measure-log-db", defaultMeasureLogDB, "Path to the measurement log database")
	if err := flags.Parse(args); err != nil {
		return nil, nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("battery", defaultBatteryDevice)
	v.SetDefault("ac", defaultACDevice)
	v.SetDefault("pinctrl", defaultPinctrlPath)
	v.SetDefault("gps_device", defaultGPSDevice)
	v.SetDefault("duration", defaultSampleSeconds)
	v.SetDefault("interval", defaultIntervalMillis)
	v.SetDefault("settle", defaultSettleSeconds)
	v.SetDefault("measure_log", false)
	v.SetDefault("measure_log_db", defaultMeasureLogDB)
	v.SetDefault("log_level", DefaultLogLevel)

	if path := os.Getenv("AIOVCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aiovctl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, nil, errFactory.WithMessage(errors.ErrReadConfig, "Failed to read config file").WithData(err.Error())
		}
	}

	// Flags that were set on the command line take precedence over file values
	for key, flagName := range map[string]string{
		"debug":          "debug",
		"verbose":        "verbose",
		"log_level":      "log-level",
		"duration":       "duration",
		"interval":       "interval",
		"settle":         "settle",
		"measure_log":    "measure-log",
		"measure_log_db": "measure-log-db",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return nil, nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	config.Status, _ = flags.GetBool("status")
	config.Power, _ = flags.GetBool("power")
	config.Watch, _ = flags.GetBool("watch")
	config.Measure, _ = flags.GetBool("measure")

	// viper lowercases map keys; feature names are canonically upper case
	features := make(map[string]int, len(config.Features))
	for name, pin := range config.Features {
		features[strings.ToUpper(name)] = pin
	}
	config.Features = features

	if len(config.Features) == 0 {
		config.Features = DefaultFeatures()
	}

	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	return config, flags.Args(), nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if len(c.Features) == 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "no features configured")
	}
	for name, pin := range c.Features {
		if pin < 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "negative pin for feature "+name)
		}
	}
	if c.SampleSeconds <= 0 || c.IntervalMillis <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if c.SettleSeconds < 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}
