//go:build !linux

package rtprio

// Acquire is not supported on this platform.
func Acquire() error {
	return ErrNotSupported
}
