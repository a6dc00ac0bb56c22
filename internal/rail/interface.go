package rail

// Reader is the telemetry capability surface. Every operation returns
// an error on attribute absence or malformed content; callers must
// treat that as "unavailable", never as a zero reading.
type Reader interface {
	ReadRail() (Sample, error)
	ReadACOnline() (bool, error)
	ReadBatteryStatus() (string, error)
	ReadBatteryCapacity() (int, error)
}
