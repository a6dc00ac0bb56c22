package pin

// Controller is the narrow capability surface the rest of the system
// uses to drive feature pins.
type Controller interface {
	// ReadLevel reports whether the pin is currently driven high.
	// Failures degrade to false (off) rather than an error.
	ReadLevel(p Pin) bool

	// SetLevel drives the pin to the requested binary level.
	SetLevel(p Pin, high bool) error
}
