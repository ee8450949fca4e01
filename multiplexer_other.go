//go:build !linux

package selectigo

// newPlatformMultiplexer falls back to a [ManualMultiplexer],
// which does not support kernel I/O readiness.
func newPlatformMultiplexer(int) (Multiplexer, error) {
	return NewManualMultiplexer(), nil
}
