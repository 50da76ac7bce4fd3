package screencapture

import (
	"time"

	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/rate"
)

// PixelFormat selects the pixel layout of captured video frames, as a
// four-character code understood by the native layer.
type PixelFormat uint32

const (
	// PixelFormatBGRA is 32-bit BGRA, the general-purpose default.
	PixelFormatBGRA PixelFormat = 0x42475241 // 'BGRA'
	// PixelFormatL10R is 10-bit RGB for HDR content.
	PixelFormatL10R PixelFormat = 0x6C313072 // 'l10r'
	// PixelFormat420V is YCbCr 4:2:0 video range, for encoder pipelines.
	PixelFormat420V PixelFormat = 0x34323076 // '420v'
	// PixelFormat420F is YCbCr 4:2:0 full range.
	PixelFormat420F PixelFormat = 0x34323066 // '420f'
)

// String returns the four-character code as text.
func (p PixelFormat) String() string {
	return string([]byte{byte(p >> 24), byte(p >> 16), byte(p >> 8), byte(p)})
}

// OutputKind selects a frame delivery channel on a session.
type OutputKind = native.OutputKind

const (
	// OutputVideo delivers video frame samples.
	OutputVideo = native.OutputVideo
	// OutputAudio delivers audio samples.
	OutputAudio = native.OutputAudio
)

// LockMode declares the access mode requested from Frame.Lock.
type LockMode = native.LockMode

const (
	// LockReadOnly locks pixel memory for reading.
	LockReadOnly = native.LockReadOnly
	// LockReadWrite locks pixel memory for reading and writing.
	LockReadWrite = native.LockReadWrite
)

// Rect is a geometry rectangle in display coordinates.
type Rect = native.Rect

// ContentOptions filters the shareable-content snapshot.
type ContentOptions struct {
	// ExcludeDesktopWindows drops desktop/background windows from the
	// snapshot.
	ExcludeDesktopWindows bool
	// OnScreenWindowsOnly restricts the snapshot to visible windows.
	OnScreenWindowsOnly bool
}

// Config describes how a stream or single-shot capture produces frames.
// The zero value asks the native layer for its defaults; fields are
// validated fail-fast when the configuration is materialized.
type Config struct {
	// Width in output pixels (0 = native default).
	Width int
	// Height in output pixels (0 = native default).
	Height int
	// PixelFormat of video frames (0 = PixelFormatBGRA).
	PixelFormat PixelFormat
	// ShowsCursor embeds the cursor in captured frames.
	ShowsCursor bool
	// ScalesToFit scales content to the output dimensions.
	ScalesToFit bool
	// TargetFPS caps the frame rate (0 = native default, max 240).
	TargetFPS float64

	// CapturesAudio enables the audio output channel.
	CapturesAudio bool
	// SampleRate for captured audio (used when CapturesAudio is set).
	SampleRate int
	// ChannelCount for captured audio.
	ChannelCount int

	// QueueDepth is the native sample queue depth (0 = native default).
	QueueDepth int
}

// FrameConsumer receives delivered frames for one output kind. The consumer
// owns each frame and must call Frame.Close when done with it; retaining a
// frame past the callback is allowed and keeps its pixel surface valid.
//
// Consumers run on a thread the native layer controls; keep them short or
// hand frames off to your own goroutine.
type FrameConsumer func(*Frame)

// SessionState is the lifecycle state of a capture session.
type SessionState int32

const (
	// StateIdle is the initial state before Start.
	StateIdle SessionState = iota
	// StateStarting means a start completion is pending.
	StateStarting
	// StateRunning means frames are being delivered.
	StateRunning
	// StateReconfiguring means a live configuration or filter update
	// completion is pending; deliveries continue meanwhile.
	StateReconfiguring
	// StateStopping means a stop completion is pending; new deliveries
	// are no longer accepted.
	StateStopping
	// StateStopped is terminal. Build a new session to capture again.
	StateStopped
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RateStats summarizes the delivery rate over a session's recent video
// frames: mean/stddev/min/max FPS, inter-frame jitter, and a stability
// verdict. Produced by Session.RateStats.
type RateStats = rate.Stats

// SessionStats is a point-in-time snapshot of session delivery counters.
type SessionStats struct {
	// State is the lifecycle state at snapshot time.
	State SessionState
	// FramesDelivered is the number of frames forwarded to consumers.
	FramesDelivered uint64
	// FramesDropped is the number of deliveries discarded because the
	// session was stopping or had no consumer for the frame's kind.
	FramesDropped uint64
	// Uptime is the time since Start succeeded (zero before Running).
	Uptime time.Duration
	// LastFrameAt is when the most recent frame was forwarded.
	LastFrameAt time.Time
	// LastStreamError is the most recent asynchronous stream error
	// reported by the native layer. Informational: the native layer may
	// emit warnings on this channel even for streams that started
	// successfully.
	LastStreamError string
}
