//go:build !linux

package terminal

import "errors"

var errUnsupported = errors.New("terminal control is only supported on linux")

// MakeRaw is not supported on this platform.
func MakeRaw(int) (func() error, error) {
	return nil, errUnsupported
}

// Size is not supported on this platform.
func Size(int) (int, int, error) {
	return 0, 0, errUnsupported
}
