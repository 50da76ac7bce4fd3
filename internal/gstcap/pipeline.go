//go:build linux && cgo

package gstcap

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/screen-capture/internal/native"
)

// captureSource is the resolved origin of a pipeline: a PipeWire node
// granted by the portal, or an X11 display for legacy sessions.
type captureSource struct {
	// Portal path.
	PipeWireFD int
	NodeID     uint32

	// X11 fallback path.
	XDisplay string

	UseX11   bool
	SourceID uint32
}

// pipelineElements holds references to the elements touched after
// construction: the capsfilter for live rate/size updates and the appsink
// feeding frames out.
type pipelineElements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	CapsFilter *gst.Element
}

// buildPipeline constructs a screen capture pipeline:
//
//	pipewiresrc|ximagesrc → videoconvert → videoscale → videorate →
//	capsfilter → appsink
//
// The pipeline is configured but not started; the caller sets it to
// PLAYING. The appsink is left without callbacks; the caller wires its
// sample handler before starting.
func buildPipeline(src captureSource, cfg native.Config) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	var source *gst.Element
	if src.UseX11 {
		source, err = gst.NewElement("ximagesrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create ximagesrc: %w", err)
		}
		if src.XDisplay != "" {
			source.SetProperty("display-name", src.XDisplay)
		}
		// Damage events starve low frame rates; poll instead.
		source.SetProperty("use-damage", false)
		source.SetProperty("show-pointer", cfg.ShowsCursor)
	} else {
		source, err = gst.NewElement("pipewiresrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create pipewiresrc: %w", err)
		}
		source.SetProperty("fd", src.PipeWireFD)
		source.SetProperty("path", fmt.Sprintf("%d", src.NodeID))
		source.SetProperty("do-timestamp", true)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // auto-detect cores

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	maxBuffers := cfg.QueueDepth
	if maxBuffers <= 0 {
		maxBuffers = 1
	}
	appsink.SetProperty("max-buffers", maxBuffers)
	appsink.SetProperty("drop", true) // keep only the newest frames
	appsink.SetProperty("qos", true)

	pipeline.AddMany(source, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(source, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Debug("gstcap: pipeline created",
		"source", map[bool]string{true: "ximagesrc", false: "pipewiresrc"}[src.UseX11],
		"caps", buildCaps(cfg),
	)
	return &pipelineElements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		CapsFilter: capsfilter,
	}, nil
}

// updateCaps swaps the capsfilter caps in place for a live reconfiguration.
// GStreamer renegotiates downstream of the filter; delivery pauses briefly
// but the pipeline keeps running.
func updateCaps(capsfilter *gst.Element, cfg native.Config) error {
	if capsfilter == nil {
		return fmt.Errorf("capsfilter is nil")
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg)))
	return nil
}

// destroyPipeline drives the pipeline to NULL, releasing its resources.
// Safe on an already-destroyed pipeline.
func destroyPipeline(elems *pipelineElements) error {
	if elems == nil || elems.Pipeline == nil {
		return nil
	}
	if err := elems.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps renders cfg as a raw-video caps string. BGRx carries the BGRA
// byte order expected by the public pixel format default; width/height and
// framerate are omitted when unconstrained.
//
// Fractional rates render as 1/denominator (0.5 fps -> 1/2).
func buildCaps(cfg native.Config) string {
	caps := "video/x-raw,format=BGRx"
	if cfg.Width > 0 && cfg.Height > 0 {
		caps += fmt.Sprintf(",width=%d,height=%d", cfg.Width, cfg.Height)
	}
	if cfg.TargetFPS > 0 {
		numerator, denominator := 1, 1
		if cfg.TargetFPS < 1.0 {
			denominator = int(1.0 / cfg.TargetFPS)
		} else {
			numerator = int(cfg.TargetFPS)
		}
		caps += fmt.Sprintf(",framerate=%d/%d", numerator, denominator)
	}
	return caps
}
