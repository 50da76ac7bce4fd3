package screencapture

import (
	"errors"
	"fmt"
	"strings"
)

// Error sentinels for the failure classes this package reports. Match with
// errors.Is; the dynamic part of an error (the native layer's message,
// verbatim) is carried in the wrapping error text.
var (
	// ErrResourceUnavailable indicates a required native handle was nil or
	// invalid at construction time, or no capture backend exists for this
	// platform.
	ErrResourceUnavailable = errors.New("screencapture: native resource unavailable")

	// ErrPermissionDenied indicates the operating environment has not
	// granted screen capture permission.
	ErrPermissionDenied = errors.New("screencapture: capture permission denied")

	// ErrInvalidConfiguration indicates a configuration or filter the
	// native layer rejects before attempting capture.
	ErrInvalidConfiguration = errors.New("screencapture: invalid configuration")

	// ErrCaptureStartFailed indicates the stream start completion reported
	// failure.
	ErrCaptureStartFailed = errors.New("screencapture: capture start failed")

	// ErrReconfigurationFailed indicates a live configuration or filter
	// update completion reported failure; the previous configuration
	// remains authoritative.
	ErrReconfigurationFailed = errors.New("screencapture: reconfiguration failed")

	// ErrCaptureStopFailed indicates the stream stop completion reported
	// failure.
	ErrCaptureStopFailed = errors.New("screencapture: capture stop failed")

	// ErrLockFailed indicates a pixel surface lock or unlock reported
	// failure (buffer already locked elsewhere, or invalid/expired buffer).
	ErrLockFailed = errors.New("screencapture: pixel buffer lock failed")
)

// wrapNative attaches the native layer's error message, verbatim, to a
// sentinel. Permission denials reported only through message text are
// re-classified so callers can match ErrPermissionDenied.
func wrapNative(sentinel error, nativeMsg string) error {
	if nativeMsg == "" {
		return sentinel
	}
	if sentinel != ErrPermissionDenied && isPermissionMessage(nativeMsg) {
		sentinel = ErrPermissionDenied
	}
	return fmt.Errorf("%w: %s", sentinel, nativeMsg)
}

// isPermissionMessage classifies a native error message as a permission
// denial. The native layer reports denials as free text, so this relies on
// message heuristics.
func isPermissionMessage(msg string) bool {
	m := strings.ToLower(msg)
	keywords := []string{
		"permission",
		"not permitted",
		"declined",
		"denied",
		"tcc",
		"screen recording",
	}
	for _, kw := range keywords {
		if strings.Contains(m, kw) {
			return true
		}
	}
	return false
}
