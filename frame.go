package screencapture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/screen-capture/internal/handle"
	"github.com/e7canasta/screen-capture/internal/native"
)

// Frame is one unit of delivered capture output (a video frame or audio
// sample). The holder owns the frame's native references and must call
// Close when done; the frame's pixel surface stays valid exactly that long.
type Frame struct {
	layer   native.Layer
	sample  *handle.Owned
	surface *handle.Owned // nil for audio samples
	info    native.SampleInfo
	seq     uint64
	traceID string

	mu     sync.Mutex
	locked bool
}

// newFrame takes ownership of a retained sample handle.
func newFrame(layer native.Layer, sample native.Handle, seq uint64) (*Frame, error) {
	owned, err := handle.Wrap(layer, native.KindSample, sample)
	if err != nil {
		return nil, fmt.Errorf("%w: sample handle", ErrResourceUnavailable)
	}

	info, ok := layer.SampleInfo(sample)
	if !ok {
		owned.Close()
		return nil, fmt.Errorf("%w: sample metadata", ErrResourceUnavailable)
	}

	f := &Frame{
		layer:   layer,
		sample:  owned,
		info:    info,
		seq:     seq,
		traceID: uuid.New().String(),
	}

	// Audio samples have no pixel backing; surface stays nil and Lock
	// reports LockFailed.
	if raw, ok := layer.SampleSurface(sample); ok {
		if surf, err := handle.Wrap(layer, native.KindSurface, raw); err == nil {
			f.surface = surf
		}
	}
	return f, nil
}

// SourceID is the display or window id the frame was captured from.
func (f *Frame) SourceID() uint32 { return f.info.SourceID }

// Width is the frame width in pixels.
func (f *Frame) Width() int { return f.info.Width }

// Height is the frame height in pixels.
func (f *Frame) Height() int { return f.info.Height }

// Seq is the session-local delivery sequence number (0 for single-shot
// captures).
func (f *Frame) Seq() uint64 { return f.seq }

// Timestamp is when the native layer produced the frame.
func (f *Frame) Timestamp() time.Time { return f.info.Timestamp }

// TraceID is a unique identifier for distributed tracing.
func (f *Frame) TraceID() string { return f.traceID }

// HasSurface reports whether the frame carries pixel memory (false for
// audio samples).
func (f *Frame) HasSurface() bool { return f.surface != nil }

// Lock locks the frame's pixel surface for the declared access mode and
// returns a guard exposing the pixel memory. At most one guard may be live
// per frame; a second Lock before Unlock fails with ErrLockFailed, as does
// a lock the native layer rejects.
func (f *Frame) Lock(mode LockMode) (*LockGuard, error) {
	if f.surface == nil {
		return nil, fmt.Errorf("%w: frame has no pixel surface", ErrLockFailed)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return nil, fmt.Errorf("%w: frame already locked", ErrLockFailed)
	}

	status := f.layer.LockSurface(f.surface.Raw(), mode)
	if status != native.LockStatusOK {
		return nil, fmt.Errorf("%w: native lock status %d", ErrLockFailed, status)
	}

	info, ok := f.layer.SurfaceInfo(f.surface.Raw())
	if !ok {
		f.layer.UnlockSurface(f.surface.Raw(), mode)
		return nil, fmt.Errorf("%w: surface metadata", ErrLockFailed)
	}

	f.locked = true
	return &LockGuard{
		frame: f,
		mode:  mode,
		data:  f.layer.SurfaceBytes(f.surface.Raw()),
		info:  info,
	}, nil
}

// Close releases the frame's native references. Safe to call more than
// once. Any live guard must be unlocked before Close.
func (f *Frame) Close() {
	f.surface.Close()
	f.sample.Close()
}

// LockGuard is scoped proof that a frame's pixel memory is locked. All
// accessors are only meaningful before Unlock; afterwards they return zero
// values and the previously returned byte slices must not be used.
type LockGuard struct {
	frame    *Frame
	mode     LockMode
	data     []byte
	info     native.SurfaceInfo
	unlocked atomic.Bool
}

// Bytes is the locked pixel memory (base address onward). Nil after Unlock.
func (g *LockGuard) Bytes() []byte {
	if g.unlocked.Load() {
		return nil
	}
	return g.data
}

// Width is the surface width in pixels.
func (g *LockGuard) Width() int {
	if g.unlocked.Load() {
		return 0
	}
	return g.info.Width
}

// Height is the surface height in pixels.
func (g *LockGuard) Height() int {
	if g.unlocked.Load() {
		return 0
	}
	return g.info.Height
}

// BytesPerRow is the surface row stride in bytes.
func (g *LockGuard) BytesPerRow() int {
	if g.unlocked.Load() {
		return 0
	}
	return g.info.BytesPerRow
}

// PixelFormat is the surface pixel format four-char code.
func (g *LockGuard) PixelFormat() PixelFormat {
	if g.unlocked.Load() {
		return 0
	}
	return PixelFormat(g.info.PixelFormat)
}

// PlaneCount is the number of planes for multi-planar formats (0 for
// single-plane surfaces).
func (g *LockGuard) PlaneCount() int {
	if g.unlocked.Load() {
		return 0
	}
	return g.info.PlaneCount
}

// Plane returns the geometry of one plane of a multi-planar surface.
func (g *LockGuard) Plane(i int) (native.PlaneInfo, error) {
	if g.unlocked.Load() {
		return native.PlaneInfo{}, fmt.Errorf("%w: guard already unlocked", ErrLockFailed)
	}
	info, ok := g.frame.layer.PlaneInfo(g.frame.surface.Raw(), i)
	if !ok {
		return native.PlaneInfo{}, fmt.Errorf("%w: no plane %d", ErrLockFailed, i)
	}
	return info, nil
}

// Unlock releases the surface lock. Exactly one native unlock is issued no
// matter how many times Unlock is called; after the first call the guard is
// inert.
func (g *LockGuard) Unlock() {
	if !g.unlocked.CompareAndSwap(false, true) {
		return
	}
	g.data = nil

	g.frame.mu.Lock()
	defer g.frame.mu.Unlock()
	g.frame.layer.UnlockSurface(g.frame.surface.Raw(), g.mode)
	g.frame.locked = false
}
