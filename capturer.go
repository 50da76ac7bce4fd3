package screencapture

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/screen-capture/internal/native"
)

// Capturer is the entry point to the capture layer. It owns the platform
// backend selection and hands out content snapshots, filters, single-shot
// captures, and stream sessions.
//
// A Capturer is safe for concurrent use from multiple goroutines.
type Capturer struct {
	layer native.Layer
}

// Option customizes Capturer construction.
type Option func(*Capturer)

// WithLayer overrides the platform capture backend. Primarily for tests,
// which inject a fake layer; production code normally relies on the
// platform default.
func WithLayer(l native.Layer) Option {
	return func(c *Capturer) { c.layer = l }
}

// New creates a Capturer backed by the platform's native capture layer.
//
// Fails fast with ErrResourceUnavailable when no capture backend exists for
// this platform/build (e.g. cgo disabled).
func New(opts ...Option) (*Capturer, error) {
	c := &Capturer{}
	for _, opt := range opts {
		opt(c)
	}
	if c.layer == nil {
		layer, err := defaultLayer()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		c.layer = layer
	}

	slog.Debug("screencapture: capturer created")
	return c, nil
}

// newConfigHandle validates cfg fail-fast and materializes it into an owned
// native configuration handle.
func (c *Capturer) newConfigHandle(cfg Config) (native.Config, native.Handle, error) {
	if cfg.Width < 0 || cfg.Height < 0 {
		return native.Config{}, native.Nil, fmt.Errorf(
			"%w: negative dimensions %dx%d", ErrInvalidConfiguration, cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS < 0 || cfg.TargetFPS > 240 {
		return native.Config{}, native.Nil, fmt.Errorf(
			"%w: target FPS %.2f out of range (0-240)", ErrInvalidConfiguration, cfg.TargetFPS)
	}
	if cfg.CapturesAudio && cfg.SampleRate < 0 {
		return native.Config{}, native.Nil, fmt.Errorf(
			"%w: negative sample rate %d", ErrInvalidConfiguration, cfg.SampleRate)
	}

	pf := cfg.PixelFormat
	if pf == 0 {
		pf = PixelFormatBGRA
	}

	ncfg := native.Config{
		Width:         cfg.Width,
		Height:        cfg.Height,
		PixelFormat:   uint32(pf),
		ShowsCursor:   cfg.ShowsCursor,
		ScalesToFit:   cfg.ScalesToFit,
		TargetFPS:     cfg.TargetFPS,
		CapturesAudio: cfg.CapturesAudio,
		SampleRate:    cfg.SampleRate,
		ChannelCount:  cfg.ChannelCount,
		QueueDepth:    cfg.QueueDepth,
	}

	h := c.layer.NewConfiguration(ncfg)
	if h == native.Nil {
		return native.Config{}, native.Nil, fmt.Errorf(
			"%w: native layer rejected configuration", ErrInvalidConfiguration)
	}
	return ncfg, h, nil
}
