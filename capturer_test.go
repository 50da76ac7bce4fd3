package screencapture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	screencapture "github.com/e7canasta/screen-capture"
	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/nativetest"
)

// newTestEnv builds a capturer over a seeded fake layer: two displays, one
// window, one application.
func newTestEnv(t *testing.T) (*nativetest.Fake, *screencapture.Capturer) {
	t.Helper()

	fake := nativetest.New()
	fake.AddDisplay(native.DisplayInfo{
		ID: 10, Width: 1920, Height: 1080,
		Frame: native.Rect{Width: 1920, Height: 1080},
	})
	fake.AddDisplay(native.DisplayInfo{
		ID: 20, Width: 1280, Height: 720,
		Frame: native.Rect{X: 1920, Width: 1280, Height: 720},
	})
	fake.AddWindow(native.WindowInfo{
		ID: 7, Title: "Terminal", Layer: 0, OnScreen: true,
		Frame: native.Rect{X: 100, Y: 100, Width: 800, Height: 600},
	})
	fake.AddApplication(native.ApplicationInfo{
		ProcessID: 4242, BundleID: "com.example.editor", Name: "Editor",
	})

	cap, err := screencapture.New(screencapture.WithLayer(fake))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fake, cap
}

func requireNoViolations(t *testing.T, fake *nativetest.Fake) {
	t.Helper()
	if v := fake.Violations(); len(v) != 0 {
		t.Errorf("native protocol violations: %v", v)
	}
}

func TestCurrentContent_Enumerates(t *testing.T) {
	fake, cap := newTestEnv(t)

	content, err := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	if err != nil {
		t.Fatalf("CurrentContentBlocking: %v", err)
	}
	defer content.Close()

	displays := content.Displays()
	if len(displays) != 2 {
		t.Fatalf("displays = %d, want 2", len(displays))
	}
	if displays[0].ID() != 10 || displays[0].Width() != 1920 || displays[0].Height() != 1080 {
		t.Errorf("display[0] = id=%d %dx%d", displays[0].ID(), displays[0].Width(), displays[0].Height())
	}

	windows := content.Windows()
	if len(windows) != 1 || windows[0].Title() != "Terminal" || !windows[0].IsOnScreen() {
		t.Errorf("windows = %+v", windows)
	}

	apps := content.Applications()
	if len(apps) != 1 || apps[0].BundleID() != "com.example.editor" {
		t.Errorf("applications = %+v", apps)
	}

	// Each wrapper owns its own reference, independent of the snapshot.
	content.Close()
	if displays[1].ID() != 20 {
		t.Errorf("display wrapper invalidated by content close")
	}

	for _, d := range displays {
		d.Close()
	}
	for _, w := range windows {
		w.Close()
	}
	for _, a := range apps {
		a.Close()
	}
	requireNoViolations(t, fake)
}

func TestCurrentContent_PermissionClassification(t *testing.T) {
	fake, cap := newTestEnv(t)
	fake.FailFetchContent = "The user declined TCC screen recording authorization"

	_, err := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	if !errors.Is(err, screencapture.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestCurrentContent_NativeFailure(t *testing.T) {
	fake, cap := newTestEnv(t)
	fake.FailFetchContent = "window server connection lost"

	_, err := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	if !errors.Is(err, screencapture.ErrResourceUnavailable) {
		t.Fatalf("err = %v, want ErrResourceUnavailable", err)
	}
}

// silentLayer swallows content fetches so context abandonment can be
// exercised; the recorded token lets the test fire the late callback.
type silentLayer struct {
	*nativetest.Fake
	tokens chan native.Token
}

func (s *silentLayer) FetchContent(_ native.ContentOptions, t native.Token) {
	s.tokens <- t
}

func TestCurrentContent_ContextAbandonsWait(t *testing.T) {
	layer := &silentLayer{Fake: nativetest.New(), tokens: make(chan native.Token, 1)}
	cap, err := screencapture.New(screencapture.WithLayer(layer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cap.CurrentContent(ctx, screencapture.ContentOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}

	// The abandoned registration is still live; the late native callback
	// resolves into the buffer without anyone crashing.
	before := dispatch.PendingCount()
	dispatch.ResolveHandle(<-layer.tokens, native.Nil, "late")
	if got := dispatch.PendingCount(); got != before-1 {
		t.Errorf("late callback did not clear registration: %d -> %d", before, got)
	}
}

func TestNewFilters(t *testing.T) {
	fake, cap := newTestEnv(t)
	content, err := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	if err != nil {
		t.Fatalf("CurrentContentBlocking: %v", err)
	}
	defer content.Close()
	displays := content.Displays()
	windows := content.Windows()

	t.Run("display filter", func(t *testing.T) {
		f, err := cap.NewDisplayFilter(displays[0], windows[0])
		if err != nil {
			t.Fatalf("NewDisplayFilter: %v", err)
		}
		f.Close()
	})

	t.Run("window filter", func(t *testing.T) {
		f, err := cap.NewWindowFilter(windows[0])
		if err != nil {
			t.Fatalf("NewWindowFilter: %v", err)
		}
		f.Close()
	})

	t.Run("nil display", func(t *testing.T) {
		if _, err := cap.NewDisplayFilter(nil); !errors.Is(err, screencapture.ErrResourceUnavailable) {
			t.Errorf("err = %v, want ErrResourceUnavailable", err)
		}
	})

	t.Run("nil window in exclusion list", func(t *testing.T) {
		if _, err := cap.NewDisplayFilter(displays[0], nil); !errors.Is(err, screencapture.ErrResourceUnavailable) {
			t.Errorf("err = %v, want ErrResourceUnavailable", err)
		}
	})

	for _, d := range displays {
		d.Close()
	}
	for _, w := range windows {
		w.Close()
	}
	requireNoViolations(t, fake)
}

func TestCaptureImage_SingleShot(t *testing.T) {
	fake, cap := newTestEnv(t)
	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer func() {
		for _, d := range displays {
			d.Close()
		}
	}()

	filter, err := cap.NewDisplayFilter(displays[0])
	if err != nil {
		t.Fatalf("NewDisplayFilter: %v", err)
	}
	defer filter.Close()

	t.Run("native dimensions", func(t *testing.T) {
		frame, err := cap.CaptureImageBlocking(filter, screencapture.Config{})
		if err != nil {
			t.Fatalf("CaptureImageBlocking: %v", err)
		}
		defer frame.Close()

		if frame.SourceID() != 10 {
			t.Errorf("SourceID = %d, want 10", frame.SourceID())
		}
		if frame.Width() != 1920 || frame.Height() != 1080 {
			t.Errorf("dimensions = %dx%d, want 1920x1080", frame.Width(), frame.Height())
		}
		if frame.Seq() != 0 {
			t.Errorf("Seq = %d, want 0 for single-shot", frame.Seq())
		}
		if frame.TraceID() == "" {
			t.Error("TraceID empty")
		}
	})

	t.Run("configured dimensions", func(t *testing.T) {
		frame, err := cap.CaptureImageBlocking(filter, screencapture.Config{Width: 640, Height: 360})
		if err != nil {
			t.Fatalf("CaptureImageBlocking: %v", err)
		}
		defer frame.Close()
		if frame.Width() != 640 || frame.Height() != 360 {
			t.Errorf("dimensions = %dx%d, want 640x360", frame.Width(), frame.Height())
		}
	})

	t.Run("context-aware variant", func(t *testing.T) {
		frame, err := cap.CaptureImage(context.Background(), filter, screencapture.Config{})
		if err != nil {
			t.Fatalf("CaptureImage: %v", err)
		}
		frame.Close()
	})

	requireNoViolations(t, fake)
}

func TestCaptureImage_AsyncCompletion(t *testing.T) {
	// Completions firing from a separate goroutine, like a real callback
	// thread.
	fake, cap := newTestEnv(t)
	fake.Async = true

	content, err := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	if err != nil {
		t.Fatalf("CurrentContentBlocking: %v", err)
	}
	defer content.Close()
	displays := content.Displays()
	defer func() {
		for _, d := range displays {
			d.Close()
		}
	}()

	filter, err := cap.NewDisplayFilter(displays[0])
	if err != nil {
		t.Fatalf("NewDisplayFilter: %v", err)
	}
	defer filter.Close()

	frame, err := cap.CaptureImageBlocking(filter, screencapture.Config{})
	if err != nil {
		t.Fatalf("CaptureImageBlocking: %v", err)
	}
	frame.Close()
}

func TestCaptureImage_NativeFailure(t *testing.T) {
	fake, cap := newTestEnv(t)
	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer displays[0].Close()
	defer displays[1].Close()

	filter, _ := cap.NewDisplayFilter(displays[0])
	defer filter.Close()

	fake.FailCapture = "display disconnected"
	if _, err := cap.CaptureImageBlocking(filter, screencapture.Config{}); !errors.Is(err, screencapture.ErrResourceUnavailable) {
		t.Fatalf("err = %v, want ErrResourceUnavailable", err)
	}
}

func TestConfigValidation_FailFast(t *testing.T) {
	_, cap := newTestEnv(t)
	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer displays[0].Close()
	defer displays[1].Close()

	filter, _ := cap.NewDisplayFilter(displays[0])
	defer filter.Close()

	tests := []struct {
		name string
		cfg  screencapture.Config
	}{
		{"negative width", screencapture.Config{Width: -1, Height: 100}},
		{"negative height", screencapture.Config{Width: 100, Height: -1}},
		{"negative fps", screencapture.Config{TargetFPS: -0.5}},
		{"fps above cap", screencapture.Config{TargetFPS: 241}},
		{"negative sample rate", screencapture.Config{CapturesAudio: true, SampleRate: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cap.CaptureImageBlocking(filter, tt.cfg)
			if !errors.Is(err, screencapture.ErrInvalidConfiguration) {
				t.Errorf("err = %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}

func TestConfigRejectedByLayer(t *testing.T) {
	fake, cap := newTestEnv(t)
	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer displays[0].Close()
	defer displays[1].Close()

	filter, _ := cap.NewDisplayFilter(displays[0])
	defer filter.Close()

	fake.RejectConfig = true
	if _, err := cap.CaptureImageBlocking(filter, screencapture.Config{}); !errors.Is(err, screencapture.ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestPixelFormat_String(t *testing.T) {
	tests := []struct {
		pf   screencapture.PixelFormat
		want string
	}{
		{screencapture.PixelFormatBGRA, "BGRA"},
		{screencapture.PixelFormatL10R, "l10r"},
		{screencapture.PixelFormat420V, "420v"},
		{screencapture.PixelFormat420F, "420f"},
	}
	for _, tt := range tests {
		if got := tt.pf.String(); got != tt.want {
			t.Errorf("%#x.String() = %q, want %q", uint32(tt.pf), got, tt.want)
		}
	}
}
