// Package handle centralizes native reference-count ownership. Every retain
// performed by the core is paired with exactly one release by construction:
// an Owned is the sole owner of one reference-count increment, Clone takes a
// new increment, and Close gives it back exactly once.
package handle

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/screen-capture/internal/native"
)

// ErrNilHandle is returned by Wrap for a nil/sentinel native handle. The
// facade maps it onto the public resource-unavailable error.
var ErrNilHandle = errors.New("nil native handle")

// Owned is the exclusive owner of one reference on a native handle.
// The zero value is not usable; construct through Wrap.
type Owned struct {
	layer  native.Layer
	kind   native.Kind
	raw    native.Handle
	closed atomic.Bool
}

// Wrap takes ownership of a reference the caller already holds (it does not
// retain). Wrapping native.Nil fails without constructing an owner, so no
// release is ever issued against an invalid handle.
func Wrap(layer native.Layer, kind native.Kind, h native.Handle) (*Owned, error) {
	if h == native.Nil {
		return nil, fmt.Errorf("%w (%s)", ErrNilHandle, kind)
	}
	return &Owned{layer: layer, kind: kind, raw: h}, nil
}

// Clone retains an additional reference and returns a second, independent
// owner. Cloning a closed owner is a programming error in this layer and
// panics.
func (o *Owned) Clone() *Owned {
	if o.closed.Load() {
		panic(fmt.Sprintf("handle: clone of closed %s handle", o.kind))
	}
	h := o.layer.Retain(o.kind, o.raw)
	return &Owned{layer: o.layer, kind: o.kind, raw: h}
}

// Raw exposes the handle for passing into native calls. Ownership is not
// transferred; the handle stays valid only while o is open.
func (o *Owned) Raw() native.Handle {
	return o.raw
}

// Kind reports the resource kind this owner was constructed for.
func (o *Owned) Kind() native.Kind {
	return o.kind
}

// Close releases the owned reference. Exactly one release is issued no
// matter how many times Close is called.
func (o *Owned) Close() {
	if o == nil {
		return
	}
	if o.closed.CompareAndSwap(false, true) {
		o.layer.Release(o.kind, o.raw)
	}
}

// Closed reports whether the owned reference has been released.
func (o *Owned) Closed() bool {
	return o.closed.Load()
}
