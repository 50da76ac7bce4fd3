//go:build darwin && cgo

// Package sck is the macOS capture backend, bridging ScreenCaptureKit
// through a small Objective-C shim. Handles are retained native objects;
// asynchronous calls resolve dispatch tokens from ScreenCaptureKit's own
// completion queues.
package sck

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework ScreenCaptureKit -framework CoreMedia -framework CoreVideo -framework CoreGraphics -framework Foundation
#include <stdlib.h>
#include "shim.h"
#include "bridge.h"
*/
import "C"

import (
	"sync"
	"time"
	"unsafe"

	gopointer "github.com/mattn/go-pointer"

	"github.com/e7canasta/screen-capture/internal/native"
)

// Layer implements native.Layer over ScreenCaptureKit.
type Layer struct {
	mu      sync.Mutex
	streams map[native.Handle]*streamCookies
}

// streamCookies tracks the go-pointer cookies pinned for one live stream so
// they can be unpinned when the stream goes away.
type streamCookies struct {
	errCookie unsafe.Pointer
	outputs   map[native.OutputKind]unsafe.Pointer
}

// NewLayer creates the ScreenCaptureKit backend.
func NewLayer() (*Layer, error) {
	return &Layer{streams: make(map[native.Handle]*streamCookies)}, nil
}

func ptr(h native.Handle) C.sc_handle {
	return C.sc_handle(unsafe.Pointer(uintptr(h))) //nolint:govet // opaque native pointer
}

func fromPtr(h C.sc_handle) native.Handle {
	return native.Handle(uintptr(h))
}

func (l *Layer) Retain(_ native.Kind, h native.Handle) native.Handle {
	C.sc_retain(ptr(h))
	return h
}

func (l *Layer) Release(k native.Kind, h native.Handle) {
	if k == native.KindStream {
		l.dropStreamCookies(h)
	}
	C.sc_release(ptr(h))
}

func (l *Layer) dropStreamCookies(h native.Handle) {
	l.mu.Lock()
	cookies, ok := l.streams[h]
	if ok {
		delete(l.streams, h)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	for _, c := range cookies.outputs {
		gopointer.Unref(c)
	}
	gopointer.Unref(cookies.errCookie)
}

func (l *Layer) FetchContent(opts native.ContentOptions, t native.Token) {
	C.sck_fetch_content(
		C.bool(opts.ExcludeDesktopWindows),
		C.bool(opts.OnScreenWindowsOnly),
		gopointer.Save(t),
	)
}

func (l *Layer) Displays(content native.Handle) []native.Handle {
	n := int(C.sc_content_display_count(ptr(content)))
	out := make([]native.Handle, 0, n)
	for i := 0; i < n; i++ {
		if h := C.sc_content_display_at(ptr(content), C.size_t(i)); h != nil {
			out = append(out, fromPtr(h))
		}
	}
	return out
}

func (l *Layer) Windows(content native.Handle) []native.Handle {
	n := int(C.sc_content_window_count(ptr(content)))
	out := make([]native.Handle, 0, n)
	for i := 0; i < n; i++ {
		if h := C.sc_content_window_at(ptr(content), C.size_t(i)); h != nil {
			out = append(out, fromPtr(h))
		}
	}
	return out
}

func (l *Layer) Applications(content native.Handle) []native.Handle {
	n := int(C.sc_content_application_count(ptr(content)))
	out := make([]native.Handle, 0, n)
	for i := 0; i < n; i++ {
		if h := C.sc_content_application_at(ptr(content), C.size_t(i)); h != nil {
			out = append(out, fromPtr(h))
		}
	}
	return out
}

func (l *Layer) DisplayInfo(display native.Handle) (native.DisplayInfo, bool) {
	var x, y, w, h C.double
	C.sc_display_frame(ptr(display), &x, &y, &w, &h)
	return native.DisplayInfo{
		ID:     uint32(C.sc_display_id(ptr(display))),
		Width:  int(C.sc_display_width(ptr(display))),
		Height: int(C.sc_display_height(ptr(display))),
		Frame:  native.Rect{X: float64(x), Y: float64(y), Width: float64(w), Height: float64(h)},
	}, true
}

func (l *Layer) WindowInfo(window native.Handle) (native.WindowInfo, bool) {
	var x, y, w, h C.double
	C.sc_window_frame(ptr(window), &x, &y, &w, &h)

	info := native.WindowInfo{
		ID:       uint32(C.sc_window_id(ptr(window))),
		Layer:    int(C.sc_window_layer(ptr(window))),
		OnScreen: bool(C.sc_window_on_screen(ptr(window))),
		Frame:    native.Rect{X: float64(x), Y: float64(y), Width: float64(w), Height: float64(h)},
	}
	if title := C.sc_window_title(ptr(window)); title != nil {
		info.Title = C.GoString(title)
		C.free(unsafe.Pointer(title))
	}
	return info, true
}

func (l *Layer) ApplicationInfo(app native.Handle) (native.ApplicationInfo, bool) {
	info := native.ApplicationInfo{
		ProcessID: int32(C.sc_application_pid(ptr(app))),
	}
	if s := C.sc_application_bundle_id(ptr(app)); s != nil {
		info.BundleID = C.GoString(s)
		C.free(unsafe.Pointer(s))
	}
	if s := C.sc_application_name(ptr(app)); s != nil {
		info.Name = C.GoString(s)
		C.free(unsafe.Pointer(s))
	}
	return info, true
}

func (l *Layer) NewConfiguration(cfg native.Config) native.Handle {
	return fromPtr(C.sc_configuration_new(
		C.int32_t(cfg.Width),
		C.int32_t(cfg.Height),
		C.uint32_t(cfg.PixelFormat),
		C.bool(cfg.ShowsCursor),
		C.bool(cfg.ScalesToFit),
		C.double(cfg.TargetFPS),
		C.bool(cfg.CapturesAudio),
		C.int32_t(cfg.SampleRate),
		C.int32_t(cfg.ChannelCount),
		C.int32_t(cfg.QueueDepth),
	))
}

func (l *Layer) ConfigurationInfo(config native.Handle) (native.Config, bool) {
	return native.Config{
		Width:       int(C.sc_configuration_width(ptr(config))),
		Height:      int(C.sc_configuration_height(ptr(config))),
		PixelFormat: uint32(C.sc_configuration_pixel_format(ptr(config))),
	}, true
}

func (l *Layer) NewDisplayFilter(display native.Handle, excludeWindows []native.Handle) native.Handle {
	if display == native.Nil {
		return native.Nil
	}
	var excludePtr *C.sc_handle
	if len(excludeWindows) > 0 {
		arr := make([]C.sc_handle, len(excludeWindows))
		for i, w := range excludeWindows {
			arr[i] = ptr(w)
		}
		excludePtr = &arr[0]
	}
	return fromPtr(C.sc_filter_display(ptr(display), excludePtr, C.size_t(len(excludeWindows))))
}

func (l *Layer) NewWindowFilter(window native.Handle) native.Handle {
	if window == native.Nil {
		return native.Nil
	}
	return fromPtr(C.sc_filter_window(ptr(window)))
}

func (l *Layer) CaptureImage(filter, config native.Handle, t native.Token) {
	C.sck_capture_image(ptr(filter), ptr(config), gopointer.Save(t))
}

func (l *Layer) NewStream(filter, config native.Handle, onError native.StreamErrorFunc) native.Handle {
	errCookie := gopointer.Save(&errorBinding{fn: onError})
	h := C.sck_stream_new(ptr(filter), ptr(config), errCookie)
	if h == nil {
		gopointer.Unref(errCookie)
		return native.Nil
	}

	stream := fromPtr(h)
	l.mu.Lock()
	l.streams[stream] = &streamCookies{
		errCookie: errCookie,
		outputs:   make(map[native.OutputKind]unsafe.Pointer),
	}
	l.mu.Unlock()
	return stream
}

func (l *Layer) AddStreamOutput(stream native.Handle, kind native.OutputKind, deliver native.DeliverFunc) bool {
	cookie := gopointer.Save(&outputBinding{deliver: deliver, kind: kind})
	if !bool(C.sck_stream_add_output(ptr(stream), C.int32_t(kind), cookie)) {
		gopointer.Unref(cookie)
		return false
	}

	l.mu.Lock()
	if cookies, ok := l.streams[stream]; ok {
		cookies.outputs[kind] = cookie
	}
	l.mu.Unlock()
	return true
}

func (l *Layer) RemoveStreamOutput(stream native.Handle, kind native.OutputKind) bool {
	ok := bool(C.sc_stream_remove_output(ptr(stream), C.int32_t(kind)))

	l.mu.Lock()
	var cookie unsafe.Pointer
	if cookies, exists := l.streams[stream]; exists {
		cookie = cookies.outputs[kind]
		delete(cookies.outputs, kind)
	}
	l.mu.Unlock()
	if cookie != nil {
		gopointer.Unref(cookie)
	}
	return ok
}

func (l *Layer) StartCapture(stream native.Handle, t native.Token) {
	C.sck_stream_start(ptr(stream), gopointer.Save(t))
}

func (l *Layer) StopCapture(stream native.Handle, t native.Token) {
	C.sck_stream_stop(ptr(stream), gopointer.Save(t))
}

func (l *Layer) UpdateConfiguration(stream, config native.Handle, t native.Token) {
	C.sck_stream_update_configuration(ptr(stream), ptr(config), gopointer.Save(t))
}

func (l *Layer) UpdateFilter(stream, filter native.Handle, t native.Token) {
	C.sck_stream_update_filter(ptr(stream), ptr(filter), gopointer.Save(t))
}

func (l *Layer) SampleInfo(sample native.Handle) (native.SampleInfo, bool) {
	if sample == native.Nil {
		return native.SampleInfo{}, false
	}
	info := native.SampleInfo{
		SourceID: uint32(C.sc_sample_source_id(ptr(sample))),
		Width:    int(C.sc_sample_width(ptr(sample))),
		Height:   int(C.sc_sample_height(ptr(sample))),
	}
	if ns := int64(C.sc_sample_timestamp_ns(ptr(sample))); ns > 0 {
		info.Timestamp = time.Unix(0, ns)
	} else {
		info.Timestamp = time.Now()
	}
	return info, true
}

func (l *Layer) SampleSurface(sample native.Handle) (native.Handle, bool) {
	h := C.sc_sample_surface(ptr(sample))
	if h == nil {
		return native.Nil, false
	}
	return fromPtr(h), true
}

func (l *Layer) SurfaceInfo(surface native.Handle) (native.SurfaceInfo, bool) {
	if surface == native.Nil {
		return native.SurfaceInfo{}, false
	}
	return native.SurfaceInfo{
		Width:       int(C.sc_surface_width(ptr(surface))),
		Height:      int(C.sc_surface_height(ptr(surface))),
		BytesPerRow: int(C.sc_surface_bytes_per_row(ptr(surface))),
		PixelFormat: uint32(C.sc_surface_pixel_format(ptr(surface))),
		PlaneCount:  int(C.sc_surface_plane_count(ptr(surface))),
	}, true
}

func (l *Layer) PlaneInfo(surface native.Handle, plane int) (native.PlaneInfo, bool) {
	if plane < 0 || plane >= int(C.sc_surface_plane_count(ptr(surface))) {
		return native.PlaneInfo{}, false
	}
	return native.PlaneInfo{
		Width:       int(C.sc_surface_plane_width(ptr(surface), C.int32_t(plane))),
		Height:      int(C.sc_surface_plane_height(ptr(surface), C.int32_t(plane))),
		BytesPerRow: int(C.sc_surface_plane_bytes_per_row(ptr(surface), C.int32_t(plane))),
	}, true
}

func lockFlag(mode native.LockMode) C.int32_t {
	if mode == native.LockReadWrite {
		return 1
	}
	return 0
}

func (l *Layer) LockSurface(surface native.Handle, mode native.LockMode) int32 {
	return int32(C.sc_surface_lock(ptr(surface), lockFlag(mode)))
}

func (l *Layer) SurfaceBytes(surface native.Handle) []byte {
	base := C.sc_surface_base_address(ptr(surface))
	if base == nil {
		return nil
	}
	size := int(C.sc_surface_data_size(ptr(surface)))
	if size <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(base), size)
}

func (l *Layer) UnlockSurface(surface native.Handle, mode native.LockMode) int32 {
	return int32(C.sc_surface_unlock(ptr(surface), lockFlag(mode)))
}
