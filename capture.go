package screencapture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/handle"
	"github.com/e7canasta/screen-capture/internal/native"
)

// CaptureImage performs a single-shot capture of the filtered content,
// suspending until the native capture completes or ctx is done. On success
// the returned Frame is owned by the caller and must be closed.
//
// Cancelling ctx abandons the wait only; the native capture cannot be
// cancelled and its eventual result is discarded.
func (c *Capturer) CaptureImage(ctx context.Context, f *Filter, cfg Config) (*Frame, error) {
	completion, err := c.issueCapture(f, cfg)
	if err != nil {
		return nil, err
	}
	res, err := completion.WaitContext(ctx)
	if err != nil {
		return nil, err
	}
	return c.wrapCaptured(res)
}

// CaptureImageBlocking performs a single-shot capture with a blocking wait:
// the calling goroutine parks until the native capture completes.
func (c *Capturer) CaptureImageBlocking(f *Filter, cfg Config) (*Frame, error) {
	completion, err := c.issueCapture(f, cfg)
	if err != nil {
		return nil, err
	}
	return c.wrapCaptured(completion.Wait())
}

func (c *Capturer) issueCapture(f *Filter, cfg Config) (*dispatch.Completion[dispatch.HandleResult], error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil filter", ErrResourceUnavailable)
	}
	_, cfgRaw, err := c.newConfigHandle(cfg)
	if err != nil {
		return nil, err
	}
	cfgHandle, err := handle.Wrap(c.layer, native.KindConfiguration, cfgRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: configuration handle", ErrResourceUnavailable)
	}
	// The native layer retains what it needs for the in-flight capture;
	// our configuration reference only has to outlive the call itself.
	defer cfgHandle.Close()

	completion, token := dispatch.NewHandleCompletion()
	c.layer.CaptureImage(f.owned.Raw(), cfgHandle.Raw(), token)
	return completion, nil
}

func (c *Capturer) wrapCaptured(res dispatch.HandleResult) (*Frame, error) {
	if !res.OK {
		slog.Warn("screencapture: single-shot capture failed", "error", res.ErrMsg)
		return nil, wrapNative(ErrResourceUnavailable, res.ErrMsg)
	}
	frame, err := newFrame(c.layer, res.Handle, 0)
	if err != nil {
		return nil, err
	}
	slog.Debug("screencapture: single-shot capture complete",
		"source_id", frame.SourceID(),
		"width", frame.Width(),
		"height", frame.Height(),
	)
	return frame, nil
}
