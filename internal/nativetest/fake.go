// Package nativetest provides an in-process fake implementation of the
// native capture layer for tests. It keeps a real reference-count table so
// tests can assert the retain/release balance the core is required to
// maintain, and it can simulate callback completions either synchronously
// or from a separate goroutine (as a real native layer would).
package nativetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/native"
)

type object struct {
	kind native.Kind
	refs int

	display native.DisplayInfo
	window  native.WindowInfo
	app     native.ApplicationInfo
	config  native.Config

	// filter
	filterDisplay native.Handle
	filterWindow  native.Handle

	// stream
	outputs map[native.OutputKind]native.DeliverFunc
	onError native.StreamErrorFunc

	// sample
	sample  native.SampleInfo
	surface native.Handle

	// surface
	surfaceOf native.Handle // owning sample
	locked    bool
	bytes     []byte
}

// Fake implements native.Layer. The zero value is not usable; construct
// with New and seed content via AddDisplay/AddWindow/AddApplication.
type Fake struct {
	mu      sync.Mutex
	next    native.Handle
	objects map[native.Handle]*object

	displays []native.Handle
	windows  []native.Handle
	apps     []native.Handle

	retains  map[native.Kind]int
	releases map[native.Kind]int

	violations []string

	// Async makes token resolutions fire from a separate goroutine,
	// like a real native callback thread.
	Async bool

	// DoubleComplete makes every token resolution fire twice; the second
	// must be absorbed by the dispatch registry.
	DoubleComplete bool

	// Failure injection. An empty string means the operation succeeds.
	FailFetchContent string
	FailCapture      string
	FailStart        string
	FailStop         string
	FailUpdateConfig string
	FailUpdateFilter string

	// RejectConfig makes NewConfiguration return Nil.
	RejectConfig bool

	// LockStatus overrides the LockSurface status code (0 succeeds).
	LockStatus int32
}

// New returns an empty fake layer.
func New() *Fake {
	return &Fake{
		objects:  make(map[native.Handle]*object),
		retains:  make(map[native.Kind]int),
		releases: make(map[native.Kind]int),
	}
}

func (f *Fake) alloc(o *object) native.Handle {
	f.next++
	o.refs = 1
	f.objects[f.next] = o
	return f.next
}

// AddDisplay seeds a display into the shareable content.
func (f *Fake) AddDisplay(info native.DisplayInfo) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.alloc(&object{kind: native.KindDisplay, display: info})
	f.displays = append(f.displays, h)
	return h
}

// AddWindow seeds a window into the shareable content.
func (f *Fake) AddWindow(info native.WindowInfo) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.alloc(&object{kind: native.KindWindow, window: info})
	f.windows = append(f.windows, h)
	return h
}

// AddApplication seeds an application into the shareable content.
func (f *Fake) AddApplication(info native.ApplicationInfo) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.alloc(&object{kind: native.KindApplication, app: info})
	f.apps = append(f.apps, h)
	return h
}

func (f *Fake) get(h native.Handle, k native.Kind) *object {
	o, ok := f.objects[h]
	if !ok {
		f.violations = append(f.violations, fmt.Sprintf("use of unknown handle %d as %s", h, k))
		return nil
	}
	if o.kind != k {
		f.violations = append(f.violations, fmt.Sprintf("handle %d is %s, used as %s", h, o.kind, k))
		return nil
	}
	if o.refs <= 0 {
		f.violations = append(f.violations, fmt.Sprintf("use of released %s handle %d", k, h))
		return nil
	}
	return o
}

// Retain implements native.Layer.
func (f *Fake) Retain(k native.Kind, h native.Handle) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o := f.get(h, k); o != nil {
		o.refs++
		f.retains[k]++
	}
	return h
}

// Release implements native.Layer.
func (f *Fake) Release(k native.Kind, h native.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(h, k)
	if o == nil {
		return
	}
	o.refs--
	f.releases[k]++
}

func (f *Fake) complete(fn func()) {
	run := fn
	if f.DoubleComplete {
		run = func() { fn(); fn() }
	}
	if f.Async {
		go run()
		return
	}
	run()
}

// FetchContent implements native.Layer.
func (f *Fake) FetchContent(_ native.ContentOptions, t native.Token) {
	f.mu.Lock()
	failMsg := f.FailFetchContent
	var h native.Handle
	if failMsg == "" {
		h = f.alloc(&object{kind: native.KindContent})
	}
	f.mu.Unlock()

	f.complete(func() { dispatch.ResolveHandle(t, h, failMsg) })
}

func (f *Fake) retained(hs []native.Handle, k native.Kind) []native.Handle {
	out := make([]native.Handle, 0, len(hs))
	for _, h := range hs {
		if o := f.get(h, k); o != nil {
			o.refs++
			f.retains[k]++
			out = append(out, h)
		}
	}
	return out
}

// Displays implements native.Layer.
func (f *Fake) Displays(content native.Handle) []native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(content, native.KindContent) == nil {
		return nil
	}
	return f.retained(f.displays, native.KindDisplay)
}

// Windows implements native.Layer.
func (f *Fake) Windows(content native.Handle) []native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(content, native.KindContent) == nil {
		return nil
	}
	return f.retained(f.windows, native.KindWindow)
}

// Applications implements native.Layer.
func (f *Fake) Applications(content native.Handle) []native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(content, native.KindContent) == nil {
		return nil
	}
	return f.retained(f.apps, native.KindApplication)
}

// DisplayInfo implements native.Layer.
func (f *Fake) DisplayInfo(h native.Handle) (native.DisplayInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o := f.get(h, native.KindDisplay); o != nil {
		return o.display, true
	}
	return native.DisplayInfo{}, false
}

// WindowInfo implements native.Layer.
func (f *Fake) WindowInfo(h native.Handle) (native.WindowInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o := f.get(h, native.KindWindow); o != nil {
		return o.window, true
	}
	return native.WindowInfo{}, false
}

// ApplicationInfo implements native.Layer.
func (f *Fake) ApplicationInfo(h native.Handle) (native.ApplicationInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o := f.get(h, native.KindApplication); o != nil {
		return o.app, true
	}
	return native.ApplicationInfo{}, false
}

// NewConfiguration implements native.Layer.
func (f *Fake) NewConfiguration(cfg native.Config) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectConfig {
		return native.Nil
	}
	return f.alloc(&object{kind: native.KindConfiguration, config: cfg})
}

// ConfigurationInfo implements native.Layer.
func (f *Fake) ConfigurationInfo(h native.Handle) (native.Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o := f.get(h, native.KindConfiguration); o != nil {
		return o.config, true
	}
	return native.Config{}, false
}

// NewDisplayFilter implements native.Layer.
func (f *Fake) NewDisplayFilter(display native.Handle, exclude []native.Handle) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(display, native.KindDisplay) == nil {
		return native.Nil
	}
	for _, w := range exclude {
		if f.get(w, native.KindWindow) == nil {
			return native.Nil
		}
	}
	return f.alloc(&object{kind: native.KindFilter, filterDisplay: display})
}

// NewWindowFilter implements native.Layer.
func (f *Fake) NewWindowFilter(window native.Handle) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(window, native.KindWindow) == nil {
		return native.Nil
	}
	return f.alloc(&object{kind: native.KindFilter, filterWindow: window})
}

// newSampleLocked creates a retained sample for the given filter/config pair.
func (f *Fake) newSampleLocked(filter, config native.Handle) native.Handle {
	fo := f.get(filter, native.KindFilter)
	info := native.SampleInfo{Timestamp: time.Now()}
	if fo != nil {
		if fo.filterDisplay != native.Nil {
			if d, ok := f.objects[fo.filterDisplay]; ok {
				info.SourceID = d.display.ID
				info.Width = d.display.Width
				info.Height = d.display.Height
			}
		} else if fo.filterWindow != native.Nil {
			if w, ok := f.objects[fo.filterWindow]; ok {
				info.SourceID = w.window.ID
			}
		}
	}
	if co := f.get(config, native.KindConfiguration); co != nil {
		if co.config.Width > 0 {
			info.Width = co.config.Width
		}
		if co.config.Height > 0 {
			info.Height = co.config.Height
		}
	}
	return f.alloc(&object{kind: native.KindSample, sample: info})
}

// CaptureImage implements native.Layer.
func (f *Fake) CaptureImage(filter, config native.Handle, t native.Token) {
	f.mu.Lock()
	failMsg := f.FailCapture
	var h native.Handle
	if failMsg == "" {
		h = f.newSampleLocked(filter, config)
	}
	f.mu.Unlock()

	f.complete(func() { dispatch.ResolveHandle(t, h, failMsg) })
}

// NewStream implements native.Layer.
func (f *Fake) NewStream(filter, config native.Handle, onError native.StreamErrorFunc) native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.get(filter, native.KindFilter) == nil || f.get(config, native.KindConfiguration) == nil {
		return native.Nil
	}
	return f.alloc(&object{
		kind:          native.KindStream,
		filterDisplay: filter,
		outputs:       make(map[native.OutputKind]native.DeliverFunc),
		onError:       onError,
	})
}

// AddStreamOutput implements native.Layer. One output per kind.
func (f *Fake) AddStreamOutput(stream native.Handle, kind native.OutputKind, deliver native.DeliverFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(stream, native.KindStream)
	if o == nil {
		return false
	}
	if _, exists := o.outputs[kind]; exists {
		return false
	}
	o.outputs[kind] = deliver
	return true
}

// RemoveStreamOutput implements native.Layer.
func (f *Fake) RemoveStreamOutput(stream native.Handle, kind native.OutputKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(stream, native.KindStream)
	if o == nil {
		return false
	}
	if _, exists := o.outputs[kind]; !exists {
		return false
	}
	delete(o.outputs, kind)
	return true
}

func (f *Fake) status(t native.Token, failMsg string) {
	f.complete(func() { dispatch.ResolveStatus(t, failMsg == "", failMsg) })
}

// StartCapture implements native.Layer.
func (f *Fake) StartCapture(_ native.Handle, t native.Token) { f.status(t, f.FailStart) }

// StopCapture implements native.Layer.
func (f *Fake) StopCapture(_ native.Handle, t native.Token) { f.status(t, f.FailStop) }

// UpdateConfiguration implements native.Layer.
func (f *Fake) UpdateConfiguration(_, _ native.Handle, t native.Token) {
	f.status(t, f.FailUpdateConfig)
}

// UpdateFilter implements native.Layer.
func (f *Fake) UpdateFilter(_, _ native.Handle, t native.Token) { f.status(t, f.FailUpdateFilter) }

// DeliverVideoFrame synthesizes one video sample and pushes it through the
// stream's registered video output, exactly as a native delivery thread
// would. Returns false if the stream has no video output registered.
func (f *Fake) DeliverVideoFrame(stream native.Handle, info native.SampleInfo) bool {
	f.mu.Lock()
	o := f.get(stream, native.KindStream)
	if o == nil {
		f.mu.Unlock()
		return false
	}
	deliver, ok := o.outputs[native.OutputVideo]
	if !ok {
		f.mu.Unlock()
		return false
	}
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}
	sample := f.alloc(&object{kind: native.KindSample, sample: info})
	f.mu.Unlock()

	deliver(sample, native.OutputVideo)
	return true
}

// EmitStreamError invokes the stream's asynchronous error callback.
func (f *Fake) EmitStreamError(stream native.Handle, code int32, msg string) {
	f.mu.Lock()
	o := f.get(stream, native.KindStream)
	var cb native.StreamErrorFunc
	if o != nil {
		cb = o.onError
	}
	f.mu.Unlock()
	if cb != nil {
		cb(code, msg)
	}
}

// SampleInfo implements native.Layer.
func (f *Fake) SampleInfo(h native.Handle) (native.SampleInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o := f.get(h, native.KindSample); o != nil {
		return o.sample, true
	}
	return native.SampleInfo{}, false
}

// SampleSurface implements native.Layer. The surface is created on first
// access and retained for the caller on every call.
func (f *Fake) SampleSurface(h native.Handle) (native.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(h, native.KindSample)
	if o == nil {
		return native.Nil, false
	}
	if o.surface == native.Nil {
		info := o.sample
		o.surface = f.alloc(&object{
			kind:      native.KindSurface,
			surfaceOf: h,
			bytes:     make([]byte, info.Width*info.Height*4),
		})
	} else {
		if s := f.get(o.surface, native.KindSurface); s != nil {
			s.refs++
			f.retains[native.KindSurface]++
		}
	}
	return o.surface, true
}

// SurfaceInfo implements native.Layer.
func (f *Fake) SurfaceInfo(h native.Handle) (native.SurfaceInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(h, native.KindSurface)
	if o == nil {
		return native.SurfaceInfo{}, false
	}
	sample := f.objects[o.surfaceOf].sample
	return native.SurfaceInfo{
		Width:       sample.Width,
		Height:      sample.Height,
		BytesPerRow: sample.Width * 4,
		PixelFormat: 0x42475241, // "BGRA"
	}, true
}

// PlaneInfo implements native.Layer. The fake surface is single-plane.
func (f *Fake) PlaneInfo(native.Handle, int) (native.PlaneInfo, bool) {
	return native.PlaneInfo{}, false
}

// LockSurface implements native.Layer. Nested locks are rejected the way a
// real surface lock would reject them.
func (f *Fake) LockSurface(h native.Handle, _ native.LockMode) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(h, native.KindSurface)
	if o == nil {
		return native.LockStatusFailed
	}
	if f.LockStatus != native.LockStatusOK {
		return f.LockStatus
	}
	if o.locked {
		return native.LockStatusInUse
	}
	o.locked = true
	return native.LockStatusOK
}

// SurfaceBytes implements native.Layer.
func (f *Fake) SurfaceBytes(h native.Handle) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(h, native.KindSurface)
	if o == nil || !o.locked {
		return nil
	}
	return o.bytes
}

// UnlockSurface implements native.Layer.
func (f *Fake) UnlockSurface(h native.Handle, _ native.LockMode) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.get(h, native.KindSurface)
	if o == nil || !o.locked {
		return native.LockStatusFailed
	}
	o.locked = false
	return native.LockStatusOK
}

// Streams returns the handles of all streams ever created, in creation
// order, so tests can drive deliveries and stream errors.
func (f *Fake) Streams() []native.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []native.Handle
	for h := native.Handle(1); h <= f.next; h++ {
		if o, ok := f.objects[h]; ok && o.kind == native.KindStream {
			out = append(out, h)
		}
	}
	return out
}

// RetainCalls reports how many explicit retains were recorded for a kind.
func (f *Fake) RetainCalls(k native.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retains[k]
}

// ReleaseCalls reports how many releases were recorded for a kind.
func (f *Fake) ReleaseCalls(k native.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases[k]
}

// LiveRefs reports the current reference count of a handle (0 if released).
func (f *Fake) LiveRefs(h native.Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.objects[h]; ok {
		return o.refs
	}
	return 0
}

// Violations returns protocol violations observed by the fake (use after
// release, kind confusion, release below zero). A correct core leaves this
// empty.
func (f *Fake) Violations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.violations...)
}
