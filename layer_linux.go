//go:build linux && cgo

package screencapture

import (
	"github.com/e7canasta/screen-capture/internal/gstcap"
	"github.com/e7canasta/screen-capture/internal/native"
)

// defaultLayer selects the GStreamer backend on Linux.
func defaultLayer() (native.Layer, error) {
	return gstcap.NewLayer()
}
