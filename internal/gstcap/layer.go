//go:build linux && cgo

// Package gstcap is the Linux capture backend, built on GStreamer. Screen
// access is negotiated through the XDG ScreenCast portal (PipeWire) when
// available, falling back to ximagesrc on plain X11 sessions.
//
// Handles are entries in a refcounted object table; frame data is copied
// out of GStreamer buffers at delivery time, so surface locks never pin
// pipeline memory.
package gstcap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/portal"
)

// pixelFormatBGRA is the four-char code surfaces report; buildCaps locks
// the pipeline to the matching BGRx layout.
const pixelFormatBGRA uint32 = 0x42475241

const captureImageTimeout = 10 * time.Second

// object is one entry in the handle table.
type object struct {
	kind    native.Kind
	refs    int32
	payload any
}

// Layer implements native.Layer over GStreamer.
type Layer struct {
	mu      sync.Mutex
	next    uintptr
	objects map[native.Handle]*object
}

// NewLayer creates the GStreamer backend.
func NewLayer() (*Layer, error) {
	gst.Init(nil)
	return &Layer{objects: make(map[native.Handle]*object)}, nil
}

func (l *Layer) insert(kind native.Kind, payload any) native.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	h := native.Handle(l.next)
	l.objects[h] = &object{kind: kind, refs: 1, payload: payload}
	return h
}

func (l *Layer) lookup(h native.Handle) (*object, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	obj, ok := l.objects[h]
	return obj, ok
}

func (l *Layer) Retain(_ native.Kind, h native.Handle) native.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if obj, ok := l.objects[h]; ok {
		obj.refs++
	}
	return h
}

func (l *Layer) Release(_ native.Kind, h native.Handle) {
	l.mu.Lock()
	obj, ok := l.objects[h]
	if ok {
		obj.refs--
		if obj.refs <= 0 {
			delete(l.objects, h)
		} else {
			ok = false
		}
	}
	l.mu.Unlock()
	if ok {
		l.destroy(obj)
	}
}

// destroy runs after the last reference drops, outside the table lock.
func (l *Layer) destroy(obj *object) {
	switch p := obj.payload.(type) {
	case *contentPayload:
		if p.session != nil {
			p.session.Close()
		}
	case *streamPayload:
		p.teardown()
	}
}

// --- Content enumeration ---------------------------------------------------

type contentPayload struct {
	session *portal.Session // nil on the X11 path
}

type sourcePayload struct {
	src  captureSource
	info native.DisplayInfo
	win  native.WindowInfo
}

func (l *Layer) FetchContent(opts native.ContentOptions, t native.Token) {
	go func() {
		if portal.Available() {
			sess, err := portal.Open(context.Background(), portal.Options{
				Types:    portal.SourceMonitor | portal.SourceWindow,
				Multiple: true,
			})
			if err == nil {
				dispatch.ResolveHandle(t, l.insert(native.KindContent, &contentPayload{session: sess}), "")
				return
			}
			slog.Warn("gstcap: portal unavailable, trying X11", "error", err)
		}

		if os.Getenv("DISPLAY") == "" {
			dispatch.ResolveHandle(t, native.Nil, "no screencast portal and no X11 display")
			return
		}
		// X11 session: one logical display; geometry is negotiated by the
		// pipeline at start.
		dispatch.ResolveHandle(t, l.insert(native.KindContent, &contentPayload{}), "")
	}()
}

func (l *Layer) contentSources(content native.Handle, sourceType uint32) []native.Handle {
	obj, ok := l.lookup(content)
	if !ok || obj.kind != native.KindContent {
		return nil
	}
	p := obj.payload.(*contentPayload)

	var out []native.Handle
	if p.session == nil {
		if sourceType != portal.SourceMonitor {
			return nil
		}
		src := captureSource{UseX11: true, XDisplay: os.Getenv("DISPLAY")}
		out = append(out, l.insert(native.KindDisplay, &sourcePayload{
			src:  src,
			info: native.DisplayInfo{ID: 0},
		}))
		return out
	}

	for _, s := range p.session.Sources {
		if s.SourceType != sourceType {
			continue
		}
		src := captureSource{
			PipeWireFD: p.session.PipeWireFD,
			NodeID:     s.NodeID,
			SourceID:   s.NodeID,
		}
		sp := &sourcePayload{
			src: src,
			info: native.DisplayInfo{
				ID:     s.NodeID,
				Width:  s.Width,
				Height: s.Height,
				Frame:  native.Rect{X: s.X, Y: s.Y, Width: float64(s.Width), Height: float64(s.Height)},
			},
			win: native.WindowInfo{
				ID:       s.NodeID,
				OnScreen: true,
				Frame:    native.Rect{X: s.X, Y: s.Y, Width: float64(s.Width), Height: float64(s.Height)},
			},
		}
		if sourceType == portal.SourceMonitor {
			out = append(out, l.insert(native.KindDisplay, sp))
		} else {
			out = append(out, l.insert(native.KindWindow, sp))
		}
	}
	return out
}

func (l *Layer) Displays(content native.Handle) []native.Handle {
	return l.contentSources(content, portal.SourceMonitor)
}

func (l *Layer) Windows(content native.Handle) []native.Handle {
	return l.contentSources(content, portal.SourceWindow)
}

// Applications are not enumerable through the portal; the snapshot is
// always empty on this backend.
func (l *Layer) Applications(native.Handle) []native.Handle { return nil }

func (l *Layer) DisplayInfo(display native.Handle) (native.DisplayInfo, bool) {
	obj, ok := l.lookup(display)
	if !ok || obj.kind != native.KindDisplay {
		return native.DisplayInfo{}, false
	}
	return obj.payload.(*sourcePayload).info, true
}

func (l *Layer) WindowInfo(window native.Handle) (native.WindowInfo, bool) {
	obj, ok := l.lookup(window)
	if !ok || obj.kind != native.KindWindow {
		return native.WindowInfo{}, false
	}
	return obj.payload.(*sourcePayload).win, true
}

func (l *Layer) ApplicationInfo(native.Handle) (native.ApplicationInfo, bool) {
	return native.ApplicationInfo{}, false
}

// --- Configuration and filters ---------------------------------------------

func (l *Layer) NewConfiguration(cfg native.Config) native.Handle {
	if cfg.PixelFormat != 0 && cfg.PixelFormat != pixelFormatBGRA {
		slog.Warn("gstcap: unsupported pixel format, using BGRA",
			"requested", fmt.Sprintf("%#x", cfg.PixelFormat),
		)
		cfg.PixelFormat = pixelFormatBGRA
	}
	return l.insert(native.KindConfiguration, cfg)
}

func (l *Layer) ConfigurationInfo(config native.Handle) (native.Config, bool) {
	obj, ok := l.lookup(config)
	if !ok || obj.kind != native.KindConfiguration {
		return native.Config{}, false
	}
	return obj.payload.(native.Config), true
}

type filterPayload struct {
	src captureSource
}

func (l *Layer) NewDisplayFilter(display native.Handle, excludeWindows []native.Handle) native.Handle {
	obj, ok := l.lookup(display)
	if !ok || obj.kind != native.KindDisplay {
		return native.Nil
	}
	if len(excludeWindows) > 0 {
		// The compositor composes the stream; per-window exclusion is not
		// expressible on this backend.
		slog.Warn("gstcap: window exclusions ignored", "count", len(excludeWindows))
	}
	return l.insert(native.KindFilter, &filterPayload{src: obj.payload.(*sourcePayload).src})
}

func (l *Layer) NewWindowFilter(window native.Handle) native.Handle {
	obj, ok := l.lookup(window)
	if !ok || obj.kind != native.KindWindow {
		return native.Nil
	}
	return l.insert(native.KindFilter, &filterPayload{src: obj.payload.(*sourcePayload).src})
}

// --- Single-shot capture ---------------------------------------------------

func (l *Layer) CaptureImage(filter, config native.Handle, t native.Token) {
	fObj, fOK := l.lookup(filter)
	cfg, cOK := l.ConfigurationInfo(config)
	if !fOK || fObj.kind != native.KindFilter || !cOK {
		dispatch.ResolveHandle(t, native.Nil, "invalid filter or configuration")
		return
	}
	src := fObj.payload.(*filterPayload).src

	go func() {
		elems, err := buildPipeline(src, cfg)
		if err != nil {
			dispatch.ResolveHandle(t, native.Nil, err.Error())
			return
		}
		defer func() {
			if derr := destroyPipeline(elems); derr != nil {
				slog.Warn("gstcap: screenshot pipeline teardown failed", "error", derr)
			}
		}()

		frames := make(chan native.Handle, 1)
		elems.AppSink.SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
				h, ok := l.pullSample(sink, src.SourceID)
				if ok {
					select {
					case frames <- h:
					default:
						l.Release(native.KindSample, h)
					}
				}
				return gst.FlowEOS // one frame is enough
			},
		})

		if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
			dispatch.ResolveHandle(t, native.Nil, fmt.Sprintf("failed to start pipeline: %v", err))
			return
		}

		select {
		case h := <-frames:
			dispatch.ResolveHandle(t, h, "")
		case <-time.After(captureImageTimeout):
			dispatch.ResolveHandle(t, native.Nil, "timed out waiting for frame")
		}
	}()
}

// --- Streams ---------------------------------------------------------------

type streamPayload struct {
	layer *Layer

	mu      sync.Mutex
	src     captureSource
	cfg     native.Config
	onError native.StreamErrorFunc
	outputs map[native.OutputKind]native.DeliverFunc
	elems   *pipelineElements
	stopBus context.CancelFunc
}

func (l *Layer) NewStream(filter, config native.Handle, onError native.StreamErrorFunc) native.Handle {
	fObj, fOK := l.lookup(filter)
	cfg, cOK := l.ConfigurationInfo(config)
	if !fOK || fObj.kind != native.KindFilter || !cOK {
		return native.Nil
	}
	if cfg.CapturesAudio {
		slog.Warn("gstcap: audio capture not supported on this backend, video only")
	}
	return l.insert(native.KindStream, &streamPayload{
		layer:   l,
		src:     fObj.payload.(*filterPayload).src,
		cfg:     cfg,
		onError: onError,
		outputs: make(map[native.OutputKind]native.DeliverFunc),
	})
}

func (l *Layer) streamOf(h native.Handle) (*streamPayload, bool) {
	obj, ok := l.lookup(h)
	if !ok || obj.kind != native.KindStream {
		return nil, false
	}
	return obj.payload.(*streamPayload), true
}

func (l *Layer) AddStreamOutput(stream native.Handle, kind native.OutputKind, deliver native.DeliverFunc) bool {
	s, ok := l.streamOf(stream)
	if !ok {
		return false
	}
	if kind == native.OutputAudio {
		return false
	}
	s.mu.Lock()
	s.outputs[kind] = deliver
	s.mu.Unlock()
	return true
}

func (l *Layer) RemoveStreamOutput(stream native.Handle, kind native.OutputKind) bool {
	s, ok := l.streamOf(stream)
	if !ok {
		return false
	}
	s.mu.Lock()
	_, had := s.outputs[kind]
	delete(s.outputs, kind)
	s.mu.Unlock()
	return had
}

func (l *Layer) StartCapture(stream native.Handle, t native.Token) {
	s, ok := l.streamOf(stream)
	if !ok {
		dispatch.ResolveStatus(t, false, "invalid stream")
		return
	}

	go func() {
		s.mu.Lock()
		if s.elems != nil {
			s.mu.Unlock()
			dispatch.ResolveStatus(t, false, "stream already started")
			return
		}
		elems, err := buildPipeline(s.src, s.cfg)
		if err != nil {
			s.mu.Unlock()
			dispatch.ResolveStatus(t, false, err.Error())
			return
		}

		elems.AppSink.SetCallbacks(&app.SinkCallbacks{
			NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
				h, ok := s.layer.pullSample(sink, s.src.SourceID)
				if !ok {
					return gst.FlowOK
				}
				s.mu.Lock()
				deliver := s.outputs[native.OutputVideo]
				s.mu.Unlock()
				if deliver == nil {
					s.layer.Release(native.KindSample, h)
					return gst.FlowOK
				}
				deliver(h, native.OutputVideo)
				return gst.FlowOK
			},
		})

		if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
			s.mu.Unlock()
			_ = destroyPipeline(elems)
			dispatch.ResolveStatus(t, false, fmt.Sprintf("failed to start pipeline: %v", err))
			return
		}

		busCtx, cancel := context.WithCancel(context.Background())
		s.elems = elems
		s.stopBus = cancel
		s.mu.Unlock()

		go s.monitorBus(busCtx, elems.Pipeline)
		dispatch.ResolveStatus(t, true, "")
	}()
}

// monitorBus watches the pipeline bus, forwarding errors to the stream's
// error callback. Returns when ctx is cancelled at stop.
func (s *streamPayload) monitorBus(ctx context.Context, pipeline *gst.Pipeline) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}
			switch msg.Type() {
			case gst.MessageEOS:
				if s.onError != nil {
					s.onError(int32(ErrCategorySource), "end of stream")
				}
			case gst.MessageError:
				gerr := msg.ParseError()
				category := classifyError(gerr)
				slog.Error("gstcap: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
				)
				if s.onError != nil {
					s.onError(int32(category), fmt.Sprintf("[%s] %s", category.String(), gerr.Error()))
				}
			}
		}
	}
}

func (l *Layer) StopCapture(stream native.Handle, t native.Token) {
	s, ok := l.streamOf(stream)
	if !ok {
		dispatch.ResolveStatus(t, false, "invalid stream")
		return
	}
	go func() {
		if err := s.stop(); err != nil {
			dispatch.ResolveStatus(t, false, err.Error())
			return
		}
		dispatch.ResolveStatus(t, true, "")
	}()
}

func (s *streamPayload) stop() error {
	s.mu.Lock()
	elems := s.elems
	cancel := s.stopBus
	s.elems = nil
	s.stopBus = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if elems == nil {
		return nil
	}
	return destroyPipeline(elems)
}

// teardown is the last-reference cleanup; stop errors are only logged.
func (s *streamPayload) teardown() {
	if err := s.stop(); err != nil {
		slog.Warn("gstcap: stream teardown failed", "error", err)
	}
}

func (l *Layer) UpdateConfiguration(stream, config native.Handle, t native.Token) {
	s, sOK := l.streamOf(stream)
	cfg, cOK := l.ConfigurationInfo(config)
	if !sOK || !cOK {
		dispatch.ResolveStatus(t, false, "invalid stream or configuration")
		return
	}
	go func() {
		s.mu.Lock()
		elems := s.elems
		s.mu.Unlock()
		if elems == nil {
			dispatch.ResolveStatus(t, false, "stream not running")
			return
		}
		// Caps swap happens outside the stream lock: renegotiation can
		// block on the streaming thread, which delivers frames.
		if err := updateCaps(elems.CapsFilter, cfg); err != nil {
			dispatch.ResolveStatus(t, false, err.Error())
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()
		dispatch.ResolveStatus(t, true, "")
	}()
}

// UpdateFilter cannot retarget a live GStreamer source; the portal grant is
// bound to the pipeline. Resolved as a failure so callers fall back to a
// stop/start cycle.
func (l *Layer) UpdateFilter(stream, filter native.Handle, t native.Token) {
	go dispatch.ResolveStatus(t, false, "filter update requires restart on this backend")
}

// --- Samples and surfaces --------------------------------------------------

type samplePayload struct {
	info native.SampleInfo

	mu      sync.Mutex
	data    []byte
	stride  int
	surface native.Handle
}

type surfacePayload struct {
	mu     sync.Mutex
	data   []byte
	info   native.SurfaceInfo
	locked bool
}

// pullSample drains one appsink sample into an owned sample handle. The
// pixel data is copied out; GStreamer reuses the buffer immediately after.
func (l *Layer) pullSample(sink *app.Sink, sourceID uint32) (native.Handle, bool) {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstcap: failed to pull sample from appsink, skipping frame")
		return native.Nil, false
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstcap: sample without buffer, skipping frame")
		return native.Nil, false
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstcap: empty buffer received")
		return native.Nil, false
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	width, height := capsDimensions(sample)
	stride := 0
	if height > 0 {
		stride = len(frameData) / height
	}

	h := l.insert(native.KindSample, &samplePayload{
		info: native.SampleInfo{
			SourceID:  sourceID,
			Width:     width,
			Height:    height,
			Timestamp: time.Now(),
		},
		data:   frameData,
		stride: stride,
	})
	return h, true
}

// capsDimensions reads width/height from the sample's negotiated caps.
func capsDimensions(sample *gst.Sample) (int, int) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return 0, 0
	}
	width, height := 0, 0
	if v, err := structure.GetValue("width"); err == nil {
		if w, ok := v.(int); ok {
			width = w
		}
	}
	if v, err := structure.GetValue("height"); err == nil {
		if h, ok := v.(int); ok {
			height = h
		}
	}
	return width, height
}

func (l *Layer) sampleOf(h native.Handle) (*samplePayload, bool) {
	obj, ok := l.lookup(h)
	if !ok || obj.kind != native.KindSample {
		return nil, false
	}
	return obj.payload.(*samplePayload), true
}

func (l *Layer) surfaceOf(h native.Handle) (*surfacePayload, bool) {
	obj, ok := l.lookup(h)
	if !ok || obj.kind != native.KindSurface {
		return nil, false
	}
	return obj.payload.(*surfacePayload), true
}

func (l *Layer) SampleInfo(sample native.Handle) (native.SampleInfo, bool) {
	s, ok := l.sampleOf(sample)
	if !ok {
		return native.SampleInfo{}, false
	}
	return s.info, true
}

func (l *Layer) SampleSurface(sample native.Handle) (native.Handle, bool) {
	s, ok := l.sampleOf(sample)
	if !ok {
		return native.Nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.surface == native.Nil {
		s.surface = l.insert(native.KindSurface, &surfacePayload{
			data: s.data,
			info: native.SurfaceInfo{
				Width:       s.info.Width,
				Height:      s.info.Height,
				BytesPerRow: s.stride,
				PixelFormat: pixelFormatBGRA,
			},
		})
		return s.surface, true
	}
	return l.Retain(native.KindSurface, s.surface), true
}

func (l *Layer) SurfaceInfo(surface native.Handle) (native.SurfaceInfo, bool) {
	s, ok := l.surfaceOf(surface)
	if !ok {
		return native.SurfaceInfo{}, false
	}
	return s.info, true
}

// PlaneInfo always fails: this backend produces single-plane BGRA only.
func (l *Layer) PlaneInfo(native.Handle, int) (native.PlaneInfo, bool) {
	return native.PlaneInfo{}, false
}

func (l *Layer) LockSurface(surface native.Handle, _ native.LockMode) int32 {
	s, ok := l.surfaceOf(surface)
	if !ok {
		return native.LockStatusFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return native.LockStatusInUse
	}
	s.locked = true
	return native.LockStatusOK
}

func (l *Layer) SurfaceBytes(surface native.Handle) []byte {
	s, ok := l.surfaceOf(surface)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return nil
	}
	return s.data
}

func (l *Layer) UnlockSurface(surface native.Handle, _ native.LockMode) int32 {
	s, ok := l.surfaceOf(surface)
	if !ok {
		return native.LockStatusFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return native.LockStatusFailed
	}
	s.locked = false
	return native.LockStatusOK
}
