//go:build linux && cgo

package gstcap

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer pipeline errors for telemetry and for
// the permission mapping in the public error surface.
type ErrorCategory int

const (
	// ErrCategoryPermission indicates the compositor or portal refused
	// access to the screen.
	ErrCategoryPermission ErrorCategory = iota
	// ErrCategorySource indicates the capture source disappeared or could
	// not be opened (monitor unplugged, PipeWire node gone).
	ErrCategorySource
	// ErrCategoryFormat indicates caps negotiation or conversion failures.
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors.
	ErrCategoryUnknown
)

// String returns a short category name for logs.
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryPermission:
		return "permission"
	case ErrCategorySource:
		return "source"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// classifyError categorizes a GStreamer error by message heuristics.
// go-gst's GError does not expose the error domain, so string matching is
// the only signal available.
func classifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	combined := strings.ToLower(gerr.Error() + " " + gerr.DebugString())

	for _, kw := range []string{"permission", "not permitted", "denied", "access", "declined"} {
		if strings.Contains(combined, kw) {
			return ErrCategoryPermission
		}
	}
	for _, kw := range []string{"no such", "not found", "disconnected", "node", "display", "could not open", "resource"} {
		if strings.Contains(combined, kw) {
			return ErrCategorySource
		}
	}
	for _, kw := range []string{"caps", "negotiat", "format", "convert", "link"} {
		if strings.Contains(combined, kw) {
			return ErrCategoryFormat
		}
	}
	return ErrCategoryUnknown
}
