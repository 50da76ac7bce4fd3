package screencapture

import (
	"context"
	"log/slog"

	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/handle"
	"github.com/e7canasta/screen-capture/internal/native"
)

// Content is a point-in-time snapshot of capturable screen content. Close
// it (and every wrapper obtained from it) when done to release the native
// references.
type Content struct {
	owned *handle.Owned
	layer native.Layer
}

// CurrentContent fetches a shareable-content snapshot, suspending until the
// native enumeration completes or ctx is done. Cancelling ctx abandons the
// wait only; the native call cannot be cancelled and its eventual result is
// discarded.
func (c *Capturer) CurrentContent(ctx context.Context, opts ContentOptions) (*Content, error) {
	completion, token := dispatch.NewHandleCompletion()
	c.layer.FetchContent(native.ContentOptions{
		ExcludeDesktopWindows: opts.ExcludeDesktopWindows,
		OnScreenWindowsOnly:   opts.OnScreenWindowsOnly,
	}, token)

	res, err := completion.WaitContext(ctx)
	if err != nil {
		return nil, err
	}
	return c.wrapContent(res)
}

// CurrentContentBlocking is CurrentContent with a blocking wait: the calling
// goroutine parks until the native enumeration completes.
func (c *Capturer) CurrentContentBlocking(opts ContentOptions) (*Content, error) {
	completion, token := dispatch.NewHandleCompletion()
	c.layer.FetchContent(native.ContentOptions{
		ExcludeDesktopWindows: opts.ExcludeDesktopWindows,
		OnScreenWindowsOnly:   opts.OnScreenWindowsOnly,
	}, token)

	return c.wrapContent(completion.Wait())
}

func (c *Capturer) wrapContent(res dispatch.HandleResult) (*Content, error) {
	if !res.OK {
		slog.Warn("screencapture: content enumeration failed", "error", res.ErrMsg)
		return nil, wrapNative(ErrResourceUnavailable, res.ErrMsg)
	}
	owned, err := handle.Wrap(c.layer, native.KindContent, res.Handle)
	if err != nil {
		return nil, wrapNative(ErrResourceUnavailable, "")
	}
	return &Content{owned: owned, layer: c.layer}, nil
}

// Displays lists the snapshot's displays. Each Display owns its own native
// reference and must be closed independently of the Content.
func (ct *Content) Displays() []*Display {
	raw := ct.layer.Displays(ct.owned.Raw())
	out := make([]*Display, 0, len(raw))
	for _, h := range raw {
		owned, err := handle.Wrap(ct.layer, native.KindDisplay, h)
		if err != nil {
			continue
		}
		info, ok := ct.layer.DisplayInfo(h)
		if !ok {
			owned.Close()
			continue
		}
		out = append(out, &Display{owned: owned, info: info})
	}
	return out
}

// Windows lists the snapshot's windows.
func (ct *Content) Windows() []*Window {
	raw := ct.layer.Windows(ct.owned.Raw())
	out := make([]*Window, 0, len(raw))
	for _, h := range raw {
		owned, err := handle.Wrap(ct.layer, native.KindWindow, h)
		if err != nil {
			continue
		}
		info, ok := ct.layer.WindowInfo(h)
		if !ok {
			owned.Close()
			continue
		}
		out = append(out, &Window{owned: owned, info: info})
	}
	return out
}

// Applications lists the snapshot's running applications.
func (ct *Content) Applications() []*Application {
	raw := ct.layer.Applications(ct.owned.Raw())
	out := make([]*Application, 0, len(raw))
	for _, h := range raw {
		owned, err := handle.Wrap(ct.layer, native.KindApplication, h)
		if err != nil {
			continue
		}
		info, ok := ct.layer.ApplicationInfo(h)
		if !ok {
			owned.Close()
			continue
		}
		out = append(out, &Application{owned: owned, info: info})
	}
	return out
}

// Close releases the snapshot's native reference. Wrappers previously
// obtained from it stay valid; they hold their own references.
func (ct *Content) Close() {
	ct.owned.Close()
}

// Display is one capturable display from a content snapshot.
type Display struct {
	owned *handle.Owned
	info  native.DisplayInfo
}

// ID is the native display identifier.
func (d *Display) ID() uint32 { return d.info.ID }

// Width is the display width in pixels.
func (d *Display) Width() int { return d.info.Width }

// Height is the display height in pixels.
func (d *Display) Height() int { return d.info.Height }

// Frame is the display bounds in display coordinates.
func (d *Display) Frame() Rect { return d.info.Frame }

// Close releases the display's native reference.
func (d *Display) Close() { d.owned.Close() }

// Window is one capturable window from a content snapshot.
type Window struct {
	owned *handle.Owned
	info  native.WindowInfo
}

// ID is the native window identifier.
func (w *Window) ID() uint32 { return w.info.ID }

// Title is the window title, empty when the native layer withholds it.
func (w *Window) Title() string { return w.info.Title }

// Layer is the window's stacking layer.
func (w *Window) Layer() int { return w.info.Layer }

// IsOnScreen reports whether the window is currently visible.
func (w *Window) IsOnScreen() bool { return w.info.OnScreen }

// Frame is the window bounds in display coordinates.
func (w *Window) Frame() Rect { return w.info.Frame }

// Close releases the window's native reference.
func (w *Window) Close() { w.owned.Close() }

// Application is one running application from a content snapshot.
type Application struct {
	owned *handle.Owned
	info  native.ApplicationInfo
}

// ProcessID is the application's process id.
func (a *Application) ProcessID() int32 { return a.info.ProcessID }

// BundleID is the application's bundle identifier.
func (a *Application) BundleID() string { return a.info.BundleID }

// Name is the application's display name.
func (a *Application) Name() string { return a.info.Name }

// Close releases the application's native reference.
func (a *Application) Close() { a.owned.Close() }
