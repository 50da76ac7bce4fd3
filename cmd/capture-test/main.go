package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	screencapture "github.com/e7canasta/screen-capture"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command-line flags
	listContent := flag.Bool("list", false, "List capturable displays, windows and applications, then exit")
	displayID := flag.Uint("display", 0, "Display ID to capture (0 = first display)")
	windowID := flag.Uint("window", 0, "Window ID to capture instead of a display")
	screenshot := flag.String("screenshot", "", "Capture a single frame to this file, then exit")
	width := flag.Int("width", 0, "Output width in pixels (0 = native)")
	height := flag.Int("height", 0, "Output height in pixels (0 = native)")
	fps := flag.Float64("fps", 30.0, "Target FPS (0-240)")
	showCursor := flag.Bool("cursor", true, "Include the cursor in captured frames")
	outputDir := flag.String("output", "", "Directory to save captured frames (optional)")
	outputFormat := flag.String("format", "png", "Output format: png, jpeg")
	jpegQuality := flag.Int("jpeg-quality", 90, "JPEG quality (1-100, only for jpeg format)")
	maxFrames := flag.Int("max-frames", 0, "Maximum frames to capture (0 = unlimited)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("capture-test %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Validate output format
	if *outputFormat != "png" && *outputFormat != "jpeg" {
		log.Fatalf("Invalid output format: %s (must be png or jpeg)", *outputFormat)
	}

	// Create the capturer for this platform
	cap, err := screencapture.New()
	if err != nil {
		log.Fatalf("Failed to create capturer: %v", err)
	}

	// Enumerate capturable content
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enumCtx, enumCancel := context.WithTimeout(ctx, 10*time.Second)
	content, err := cap.CurrentContent(enumCtx, screencapture.ContentOptions{
		OnScreenWindowsOnly: true,
	})
	enumCancel()
	if err != nil {
		log.Fatalf("Failed to enumerate content: %v", err)
	}
	defer content.Close()

	displays := content.Displays()
	windows := content.Windows()
	apps := content.Applications()
	defer func() {
		for _, d := range displays {
			d.Close()
		}
		for _, w := range windows {
			w.Close()
		}
		for _, a := range apps {
			a.Close()
		}
	}()

	// List mode: print the snapshot and exit
	if *listContent {
		printContent(displays, windows, apps)
		return
	}

	if len(displays) == 0 && *windowID == 0 {
		log.Fatal("No capturable displays found")
	}

	// Build the content filter
	var filter *screencapture.Filter
	var sourceDesc string
	if *windowID != 0 {
		var target *screencapture.Window
		for _, w := range windows {
			if uint(w.ID()) == *windowID {
				target = w
				break
			}
		}
		if target == nil {
			log.Fatalf("Window %d not found (use --list to enumerate)", *windowID)
		}
		filter, err = cap.NewWindowFilter(target)
		sourceDesc = fmt.Sprintf("window %d (%s)", target.ID(), target.Title())
	} else {
		target := displays[0]
		if *displayID != 0 {
			target = nil
			for _, d := range displays {
				if uint(d.ID()) == *displayID {
					target = d
					break
				}
			}
			if target == nil {
				log.Fatalf("Display %d not found (use --list to enumerate)", *displayID)
			}
		}
		filter, err = cap.NewDisplayFilter(target)
		sourceDesc = fmt.Sprintf("display %d (%dx%d)", target.ID(), target.Width(), target.Height())
	}
	if err != nil {
		log.Fatalf("Failed to create filter: %v", err)
	}
	defer filter.Close()

	cfg := screencapture.Config{
		Width:       *width,
		Height:      *height,
		TargetFPS:   *fps,
		ShowsCursor: *showCursor,
		ScalesToFit: *width > 0 || *height > 0,
	}

	// Screenshot mode: one frame, save, exit
	if *screenshot != "" {
		slog.Info("Capturing single frame", "source", sourceDesc)
		frame, err := cap.CaptureImage(ctx, filter, cfg)
		if err != nil {
			log.Fatalf("Capture failed: %v", err)
		}
		defer frame.Close()

		if err := saveFrameTo(*screenshot, frame, *outputFormat, *jpegQuality); err != nil {
			log.Fatalf("Failed to save frame: %v", err)
		}
		fmt.Printf("Saved %dx%d frame to %s\n", frame.Width(), frame.Height(), *screenshot)
		return
	}

	// Create output directory if specified
	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		slog.Info("Frame saving enabled",
			"directory", *outputDir,
			"format", *outputFormat,
			"jpeg_quality", *jpegQuality,
		)
	}

	// Print banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║              Screen Capture Test - %s                  ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Source:        %s\n", sourceDesc)
	fmt.Printf("  Target FPS:    %.2f\n", *fps)
	if *width > 0 || *height > 0 {
		fmt.Printf("  Output Size:   %dx%d\n", *width, *height)
	} else {
		fmt.Printf("  Output Size:   native\n")
	}
	if *outputDir != "" {
		fmt.Printf("  Output Dir:    %s\n", *outputDir)
	} else {
		fmt.Printf("  Output Dir:    (none - frames not saved)\n")
	}
	if *maxFrames > 0 {
		fmt.Printf("  Max Frames:    %d\n", *maxFrames)
	} else {
		fmt.Printf("  Max Frames:    unlimited\n")
	}
	fmt.Printf("\n")

	// Create the session
	session, err := cap.NewSession(filter, cfg)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	frameChan := make(chan *screencapture.Frame, 8)
	if err := session.SetVideoOutput(func(f *screencapture.Frame) {
		select {
		case frameChan <- f:
		default:
			// Consumer behind; drop rather than stall the delivery thread.
			f.Close()
		}
	}); err != nil {
		log.Fatalf("Failed to install video output: %v", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("Starting capture session...")
	startCtx, startCancel := context.WithTimeout(ctx, 15*time.Second)
	err = session.Start(startCtx)
	startCancel()
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	slog.Info("Session started", "session_id", session.ID())

	fmt.Printf("Starting frame capture...\n")
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

	// Stats tracking
	startTime := time.Now()
	framesSaved := 0
	saveFailures := 0

	// Launch stats reporter goroutine
	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				stats := session.Stats()
				rates := session.RateStats(*fps)

				fmt.Printf("\n")
				fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
				fmt.Printf("│ Session Statistics (Uptime: %s)\n", stats.Uptime.Round(time.Second))
				fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
				fmt.Printf("│ State:              %10s\n", stats.State)
				fmt.Printf("│ Frames Delivered:   %6d frames\n", stats.FramesDelivered)
				fmt.Printf("│ Frames Dropped:     %6d frames\n", stats.FramesDropped)
				if *outputDir != "" {
					fmt.Printf("│ Frames Saved:       %6d frames\n", framesSaved)
				}
				fmt.Printf("│ FPS Mean:           %6.2f fps\n", rates.FPSMean)
				fmt.Printf("│ FPS StdDev:         %6.2f fps\n", rates.FPSStdDev)
				fmt.Printf("│ Jitter Mean:        %6.3f s\n", rates.JitterMean)
				fmt.Printf("│ Stable:             %6v\n", rates.Stable)
				if stats.LastStreamError != "" {
					fmt.Printf("│ Last Stream Error:  %s\n", stats.LastStreamError)
				}
				fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
				fmt.Printf("\n")
			}
		}
	}()

	// Main frame processing loop
	frameCount := 0
	for {
		select {
		case <-sigChan:
			fmt.Printf("\n\nReceived interrupt signal, shutting down...\n")
			goto shutdown

		case frame := <-frameChan:
			frameCount++

			// Log frame arrival (compact format)
			fmt.Printf("[%s] Frame #%-6d | Seq: %-8d | %dx%d | Trace: %s\n",
				time.Now().Format("15:04:05"),
				frameCount,
				frame.Seq(),
				frame.Width(), frame.Height(),
				frame.TraceID()[:8],
			)

			// Save frame if output directory specified
			if *outputDir != "" {
				name := fmt.Sprintf("frame_%06d_%s.%s",
					frame.Seq(), frame.Timestamp().Format("20060102_150405.000"), *outputFormat)
				if err := saveFrameTo(filepath.Join(*outputDir, name), frame, *outputFormat, *jpegQuality); err != nil {
					slog.Error("Failed to save frame", "error", err, "seq", frame.Seq())
					saveFailures++
				} else {
					framesSaved++
				}
			}
			frame.Close()

			// Stop if max frames reached
			if *maxFrames > 0 && frameCount >= *maxFrames {
				fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
				goto shutdown
			}
		}
	}

shutdown:
	slog.Info("Stopping session...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := session.Stop(stopCtx); err != nil {
		slog.Error("Error stopping session", "error", err)
	}
	stopCancel()
	cancel()

	// Drain and release any frames still queued
	for {
		select {
		case f := <-frameChan:
			f.Close()
		default:
			goto done
		}
	}
done:

	// Final stats
	finalStats := session.Stats()
	uptime := time.Since(startTime)

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                     Final Statistics                      \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Total Uptime:       %s\n", uptime.Round(time.Second))
	fmt.Printf("  Frames Delivered:   %d frames\n", finalStats.FramesDelivered)
	fmt.Printf("  Frames Dropped:     %d frames\n", finalStats.FramesDropped)
	if *outputDir != "" {
		fmt.Printf("  Frames Saved:       %d frames\n", framesSaved)
		fmt.Printf("  Save Failures:      %d frames\n", saveFailures)
	}
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")

	slog.Info("Capture test completed successfully")
}

// printContent dumps the shareable-content snapshot as a table.
func printContent(displays []*screencapture.Display, windows []*screencapture.Window, apps []*screencapture.Application) {
	fmt.Printf("Displays (%d):\n", len(displays))
	for _, d := range displays {
		f := d.Frame()
		fmt.Printf("  [%d] %dx%d at (%.0f, %.0f)\n", d.ID(), d.Width(), d.Height(), f.X, f.Y)
	}

	fmt.Printf("\nWindows (%d):\n", len(windows))
	for _, w := range windows {
		title := w.Title()
		if title == "" {
			title = "(untitled)"
		}
		f := w.Frame()
		fmt.Printf("  [%d] %-40q %4.0fx%-4.0f on-screen=%v\n", w.ID(), title, f.Width, f.Height, w.IsOnScreen())
	}

	fmt.Printf("\nApplications (%d):\n", len(apps))
	for _, a := range apps {
		fmt.Printf("  [pid %d] %s (%s)\n", a.ProcessID(), a.Name(), a.BundleID())
	}
}

// saveFrameTo locks the frame's pixel surface and writes it as PNG or JPEG.
func saveFrameTo(path string, frame *screencapture.Frame, format string, jpegQuality int) error {
	guard, err := frame.Lock(screencapture.LockReadOnly)
	if err != nil {
		return fmt.Errorf("failed to lock frame: %w", err)
	}
	defer guard.Unlock()

	if guard.PixelFormat() != screencapture.PixelFormatBGRA {
		return fmt.Errorf("unsupported pixel format %s (capture with BGRA to save images)", guard.PixelFormat())
	}

	w, h, stride := guard.Width(), guard.Height(), guard.BytesPerRow()
	src := guard.Bytes()

	// Convert BGRA rows (with native stride) to a packed RGBA image.
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := src[y*stride : y*stride+w*4]
		out := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			out[x*4+0] = row[x*4+2] // R
			out[x*4+1] = row[x*4+1] // G
			out[x*4+2] = row[x*4+0] // B
			out[x*4+3] = 255
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch format {
	case "png":
		if err := png.Encode(file, img); err != nil {
			return fmt.Errorf("failed to encode PNG: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(file, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("failed to encode JPEG: %w", err)
		}
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
	return nil
}
