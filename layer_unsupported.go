//go:build !((darwin && cgo) || (linux && cgo))

package screencapture

import (
	"errors"

	"github.com/e7canasta/screen-capture/internal/native"
)

// defaultLayer has no backend on this platform/build. Construction with
// WithLayer (for example a test fake) still works.
func defaultLayer() (native.Layer, error) {
	return nil, errors.New("no capture backend for this platform (cgo required)")
}
