// Package screencapture provides screen, window, and audio capture with a
// platform-native backend behind a single Go API.
//
// On macOS the backend is ScreenCaptureKit (via cgo); on Linux it is
// GStreamer, with source access negotiated through the XDG ScreenCast
// portal (PipeWire) or ximagesrc on plain X11 sessions. The portable core
// is identical everywhere: enumerate content, build a filter, then either
// grab a single frame or run a streaming session.
//
// # Quick Start
//
// Single screenshot of the first display:
//
//	cap, err := screencapture.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	content, err := cap.CurrentContent(ctx, screencapture.ContentOptions{
//	    OnScreenWindowsOnly: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer content.Close()
//
//	displays := content.Displays()
//	filter, err := cap.NewDisplayFilter(displays[0])
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer filter.Close()
//
//	frame, err := cap.CaptureImage(ctx, filter, screencapture.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer frame.Close()
//
//	guard, err := frame.Lock(screencapture.LockReadOnly)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pixels := guard.Bytes() // BGRA, guard.BytesPerRow() stride
//	guard.Unlock()
//
// # Streaming Sessions
//
// A Session drives a live stream through a strict lifecycle:
//
//	Idle -> Starting -> Running <-> Reconfiguring -> Stopping -> Stopped
//
// Consumers receive frames on a callback and own each frame until they
// close it:
//
//	session, err := cap.NewSession(filter, screencapture.Config{TargetFPS: 30})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session.SetVideoOutput(func(frame *screencapture.Frame) {
//	    defer frame.Close()
//	    // inspect pixels via frame.Lock
//	})
//	if err := session.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Stop(context.Background())
//
// Sessions are terminal after Stop; build a new one to capture again.
//
// # Ownership and Locking
//
// Every value handed out by this package (Content, Display, Window,
// Application, Filter, Frame) wraps a native reference and must be closed
// by its holder. Closing is idempotent; using a value after closing it is
// a programming error.
//
// Frame pixel memory is only addressable between Lock and Unlock. At most
// one lock guard is live per frame; the guard's byte slices die at Unlock.
//
// # Synchronization
//
// Native operations complete on threads the backend controls. Each
// operation comes in two forms: a context-aware call (CaptureImage,
// Session.Start, ...) that suspends the goroutine cooperatively, and a
// blocking variant where noted. Cancelling the context abandons the wait
// only; the native operation itself cannot be cancelled, and sessions
// finalize the in-flight state transition in the background.
//
// # Live Reconfiguration
//
// Running sessions accept configuration and filter updates without a
// restart:
//
//	err := session.UpdateConfiguration(ctx, screencapture.Config{TargetFPS: 5})
//
// On the Linux backend a filter update is reported as a failure (the
// compositor grant is bound to the pipeline); the session stays Running on
// its previous filter, and callers fall back to a stop/start cycle.
//
// # Error Handling
//
// All failures wrap one of the package sentinels (ErrPermissionDenied,
// ErrCaptureStartFailed, ...) so callers can branch with errors.Is. Native
// error text is preserved in the wrapped message. Denied screen-recording
// permission is recognized from the native message and reported as
// ErrPermissionDenied whatever the operation.
//
// # Statistics
//
// Sessions count deliveries and drops (Stats) and keep a sliding window of
// delivery timestamps for rate analysis (RateStats): mean/min/max FPS,
// standard deviation, jitter, and a stability verdict against the
// configured target rate.
//
// # Platform Notes
//
// macOS: requires the Screen Recording permission (TCC); the first capture
// prompts the user. Audio capture requires macOS 13+.
//
// Linux: requires GStreamer 1.x. On Wayland the XDG ScreenCast portal pops
// the compositor's source picker during content enumeration. Audio capture
// and per-window exclusion are not available on this backend.
//
// # Thread Safety
//
// Capturer and Session are safe for concurrent use. Lifecycle operations
// on a session serialize behind one another; frame delivery runs
// concurrently with everything else.
package screencapture
