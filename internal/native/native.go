// Package native defines the contract between the portable capture core and
// a platform capture backend.
//
// A backend owns the real resources (displays, streams, pixel surfaces) and
// exposes them as opaque reference-counted handles. All asynchronous calls
// take a Token registered with the dispatch package; the backend resolves the
// token from whatever thread its callbacks run on. The core never interprets
// a Handle, it only passes it back to the layer that produced it.
package native

import "time"

// Handle is an opaque, pointer-sized token naming one native resource
// instance. A Handle is only meaningful to the Layer that produced it.
type Handle uintptr

// Nil is the invalid handle. Wrapping it must fail; releasing it is a bug.
const Nil Handle = 0

// Token identifies one pending asynchronous completion. Tokens are minted by
// the dispatch registry, handed to the layer as callback user data, and
// looked up exactly once when the callback fires.
type Token uint64

// Kind enumerates the native resource kinds. Each kind has its own
// retain/release pair in the native layer; handles of different kinds are
// never interchangeable.
type Kind int

const (
	KindContent Kind = iota
	KindDisplay
	KindWindow
	KindApplication
	KindConfiguration
	KindFilter
	KindStream
	KindSample
	KindSurface
)

// String returns a short name for the kind, used in logs.
func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDisplay:
		return "display"
	case KindWindow:
		return "window"
	case KindApplication:
		return "application"
	case KindConfiguration:
		return "configuration"
	case KindFilter:
		return "filter"
	case KindStream:
		return "stream"
	case KindSample:
		return "sample"
	case KindSurface:
		return "surface"
	default:
		return "unknown"
	}
}

// OutputKind selects a frame delivery channel on a stream.
type OutputKind int

const (
	OutputVideo OutputKind = iota
	OutputAudio
)

// String returns "video" or "audio".
func (o OutputKind) String() string {
	if o == OutputAudio {
		return "audio"
	}
	return "video"
}

// LockMode declares the access mode for a surface lock.
type LockMode int

const (
	LockReadOnly LockMode = iota
	LockReadWrite
)

// Lock status codes returned by LockSurface/UnlockSurface.
const (
	LockStatusOK     int32 = 0
	LockStatusFailed int32 = 1
	LockStatusInUse  int32 = 2
)

// Rect is a geometry rectangle in native display coordinates.
type Rect struct {
	X, Y          float64
	Width, Height float64
}

// ContentOptions filters the shareable-content snapshot.
type ContentOptions struct {
	ExcludeDesktopWindows bool
	OnScreenWindowsOnly   bool
}

// DisplayInfo describes one display handle.
type DisplayInfo struct {
	ID     uint32
	Width  int // pixels
	Height int // pixels
	Frame  Rect
}

// WindowInfo describes one window handle.
type WindowInfo struct {
	ID       uint32
	Title    string
	Layer    int
	OnScreen bool
	Frame    Rect
}

// ApplicationInfo describes one running-application handle.
type ApplicationInfo struct {
	ProcessID int32
	BundleID  string
	Name      string
}

// Config is the value form of a stream configuration. The layer materializes
// it into a configuration handle via NewConfiguration.
type Config struct {
	Width       int
	Height      int
	PixelFormat uint32 // four-char code
	ShowsCursor bool
	ScalesToFit bool
	TargetFPS   float64 // 0 means layer default

	CapturesAudio bool
	SampleRate    int
	ChannelCount  int

	QueueDepth int
}

// SampleInfo describes one delivered frame sample.
type SampleInfo struct {
	SourceID  uint32 // display or window id the frame was captured from
	Width     int
	Height    int
	Timestamp time.Time
}

// SurfaceInfo describes a locked pixel surface.
type SurfaceInfo struct {
	Width       int
	Height      int
	BytesPerRow int
	PixelFormat uint32
	PlaneCount  int // 0 for single-plane formats
}

// PlaneInfo describes one plane of a multi-planar surface.
type PlaneInfo struct {
	Width       int
	Height      int
	BytesPerRow int
}

// DeliverFunc receives one frame sample from a stream output. The sample
// handle is retained for the receiver; the receiver owns that reference.
// Called on a thread the layer controls.
type DeliverFunc func(sample Handle, kind OutputKind)

// StreamErrorFunc receives asynchronous stream errors from the layer.
// Called on a thread the layer controls.
type StreamErrorFunc func(code int32, msg string)

// Layer is the native capture backend surface.
//
// Reference discipline: any method returning a Handle returns a reference
// owned by the caller (the backend has already retained it). Methods taking
// a Handle borrow it for the duration of the call. Retain/Release are the
// only reference-count mutations the core performs, and only through the
// handle package's owned wrapper.
//
// Asynchronous methods (FetchContent, CaptureImage, StartCapture,
// StopCapture, UpdateConfiguration, UpdateFilter) return immediately and
// resolve the given token through the dispatch registry exactly once, from
// an arbitrary thread.
type Layer interface {
	Retain(k Kind, h Handle) Handle
	Release(k Kind, h Handle)

	// FetchContent resolves the token with a content snapshot handle.
	FetchContent(opts ContentOptions, t Token)

	// Enumeration over a content snapshot. Returned handles are retained
	// for the caller.
	Displays(content Handle) []Handle
	Windows(content Handle) []Handle
	Applications(content Handle) []Handle

	DisplayInfo(display Handle) (DisplayInfo, bool)
	WindowInfo(window Handle) (WindowInfo, bool)
	ApplicationInfo(app Handle) (ApplicationInfo, bool)

	// NewConfiguration materializes cfg. Returns Nil if the layer rejects it.
	NewConfiguration(cfg Config) Handle
	ConfigurationInfo(config Handle) (Config, bool)

	// Filter construction. A Nil display/window or a rejected combination
	// yields Nil.
	NewDisplayFilter(display Handle, excludeWindows []Handle) Handle
	NewWindowFilter(window Handle) Handle

	// CaptureImage resolves the token with a single retained sample handle.
	CaptureImage(filter, config Handle, t Token)

	// Streams.
	NewStream(filter, config Handle, onError StreamErrorFunc) Handle
	AddStreamOutput(stream Handle, kind OutputKind, deliver DeliverFunc) bool
	RemoveStreamOutput(stream Handle, kind OutputKind) bool
	StartCapture(stream Handle, t Token)
	StopCapture(stream Handle, t Token)
	UpdateConfiguration(stream, config Handle, t Token)
	UpdateFilter(stream, filter Handle, t Token)

	// Samples and surfaces.
	SampleInfo(sample Handle) (SampleInfo, bool)
	// SampleSurface returns a retained pixel-surface handle, or false for
	// samples with no pixel backing (audio).
	SampleSurface(sample Handle) (Handle, bool)
	SurfaceInfo(surface Handle) (SurfaceInfo, bool)
	PlaneInfo(surface Handle, plane int) (PlaneInfo, bool)
	LockSurface(surface Handle, mode LockMode) int32
	// SurfaceBytes is only valid between a successful LockSurface and the
	// matching UnlockSurface.
	SurfaceBytes(surface Handle) []byte
	UnlockSurface(surface Handle, mode LockMode) int32
}
