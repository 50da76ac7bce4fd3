package screencapture

import (
	"fmt"

	"github.com/e7canasta/screen-capture/internal/handle"
	"github.com/e7canasta/screen-capture/internal/native"
)

// Filter selects which content a capture or session sees. Filters are
// immutable once built; construct a new one to change the selection.
type Filter struct {
	owned *handle.Owned
	layer native.Layer
}

// NewDisplayFilter builds a filter capturing an entire display, minus the
// given windows.
func (c *Capturer) NewDisplayFilter(d *Display, excludeWindows ...*Window) (*Filter, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil display", ErrResourceUnavailable)
	}
	raw := make([]native.Handle, len(excludeWindows))
	for i, w := range excludeWindows {
		if w == nil {
			return nil, fmt.Errorf("%w: nil window in exclusion list", ErrResourceUnavailable)
		}
		raw[i] = w.owned.Raw()
	}

	h := c.layer.NewDisplayFilter(d.owned.Raw(), raw)
	owned, err := handle.Wrap(c.layer, native.KindFilter, h)
	if err != nil {
		return nil, fmt.Errorf("%w: native layer rejected display filter", ErrInvalidConfiguration)
	}
	return &Filter{owned: owned, layer: c.layer}, nil
}

// NewWindowFilter builds a filter capturing a single window independent of
// its display.
func (c *Capturer) NewWindowFilter(w *Window) (*Filter, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil window", ErrResourceUnavailable)
	}
	h := c.layer.NewWindowFilter(w.owned.Raw())
	owned, err := handle.Wrap(c.layer, native.KindFilter, h)
	if err != nil {
		return nil, fmt.Errorf("%w: native layer rejected window filter", ErrInvalidConfiguration)
	}
	return &Filter{owned: owned, layer: c.layer}, nil
}

// Close releases the filter's native reference. Sessions built from the
// filter hold their own reference and are unaffected.
func (f *Filter) Close() { f.owned.Close() }
