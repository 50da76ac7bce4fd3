//go:build darwin && cgo

package screencapture

import (
	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/sck"
)

// defaultLayer selects the ScreenCaptureKit backend on macOS.
func defaultLayer() (native.Layer, error) {
	return sck.NewLayer()
}
