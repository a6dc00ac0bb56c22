package pin

import (
	"os/exec"
	"strconv"
	"strings"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/logger"
)

// Pin identifies a hardware pin by its platform number.
type Pin int

// Runner executes an external command and returns its combined output.
// It exists so tests can substitute the platform pin tool.
type Runner func(name string, args ...string) (string, error)

func execRunner(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// PinctrlController drives pins through the platform pinctrl utility.
// It holds no pin state: every read goes back to the hardware, so a
// concurrent actor flipping a pin is observed on the next read.
type PinctrlController struct {
	path string
	run  Runner
}

func NewPinctrlController(path string) *PinctrlController {
	if path == "" {
		path = "pinctrl"
	}

	return &PinctrlController{path: path, run: execRunner}
}

// NewControllerWithRunner builds a controller around a custom runner.
func NewControllerWithRunner(path string, run Runner) *PinctrlController {
	c := NewPinctrlController(path)
	c.run = run

	return c
}

// SetLevel drives the pin high or low as an output.
func (c *PinctrlController) SetLevel(p Pin, high bool) error {
	level := "dl"
	if high {
		level = "dh"
	}

	out, err := c.run(c.path, "set", strconv.Itoa(int(p)), "op", level)
	if err != nil {
		return errors.New().Wrap(errors.ErrPinControlFailed, err).WithData(strings.TrimSpace(out))
	}

	logger.Debug().Int("pin", int(p)).Bool("high", high).Msg("Set pin level")

	return nil
}

// ReadLevel queries the pin and reports whether it is driven high.
// A tool failure or output without the "hi" marker reads as low, never
// as unknown; the restore path depends on this degradation.
func (c *PinctrlController) ReadLevel(p Pin) bool {
	out, err := c.run(c.path, "get", strconv.Itoa(int(p)))
	if err != nil {
		logger.Debug().Err(err).Int("pin", int(p)).Msg("Pin read failed, treating as low")
		return false
	}

	return strings.Contains(out, "hi")
}
