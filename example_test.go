package screencapture_test

import (
	"context"
	"fmt"

	screencapture "github.com/e7canasta/screen-capture"
	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/nativetest"
)

// Single-shot capture: enumerate content, filter on a display, grab one
// frame and read its pixels. The fake layer stands in for the platform
// backend; production code calls screencapture.New() with no options.
func ExampleCapturer_CaptureImageBlocking() {
	layer := nativetest.New()
	layer.AddDisplay(native.DisplayInfo{ID: 1, Width: 1280, Height: 720})

	cap, err := screencapture.New(screencapture.WithLayer(layer))
	if err != nil {
		fmt.Println("new:", err)
		return
	}

	content, err := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	if err != nil {
		fmt.Println("content:", err)
		return
	}
	defer content.Close()

	displays := content.Displays()
	defer displays[0].Close()

	filter, err := cap.NewDisplayFilter(displays[0])
	if err != nil {
		fmt.Println("filter:", err)
		return
	}
	defer filter.Close()

	frame, err := cap.CaptureImageBlocking(filter, screencapture.Config{})
	if err != nil {
		fmt.Println("capture:", err)
		return
	}
	defer frame.Close()

	guard, err := frame.Lock(screencapture.LockReadOnly)
	if err != nil {
		fmt.Println("lock:", err)
		return
	}
	defer guard.Unlock()

	fmt.Printf("%dx%d %s, %d bytes\n",
		guard.Width(), guard.Height(), guard.PixelFormat(), len(guard.Bytes()))
	// Output: 1280x720 BGRA, 3686400 bytes
}

// Streaming session: install a video consumer, start, receive frames,
// stop. Frames are owned by the consumer and must be closed.
func ExampleSession() {
	layer := nativetest.New()
	layer.AddDisplay(native.DisplayInfo{ID: 1, Width: 640, Height: 480})

	cap, err := screencapture.New(screencapture.WithLayer(layer))
	if err != nil {
		fmt.Println("new:", err)
		return
	}

	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer displays[0].Close()

	filter, _ := cap.NewDisplayFilter(displays[0])
	defer filter.Close()

	session, err := cap.NewSession(filter, screencapture.Config{TargetFPS: 30})
	if err != nil {
		fmt.Println("session:", err)
		return
	}

	frames := make(chan *screencapture.Frame, 4)
	session.SetVideoOutput(func(f *screencapture.Frame) { frames <- f })

	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		fmt.Println("start:", err)
		return
	}

	// The fake layer delivers frames on demand; a real backend pushes
	// them from its capture thread.
	stream := layer.Streams()[0]
	layer.DeliverVideoFrame(stream, native.SampleInfo{SourceID: 1, Width: 640, Height: 480})
	layer.DeliverVideoFrame(stream, native.SampleInfo{SourceID: 1, Width: 640, Height: 480})

	for i := 0; i < 2; i++ {
		f := <-frames
		fmt.Printf("frame seq=%d %dx%d\n", f.Seq(), f.Width(), f.Height())
		f.Close()
	}

	if err := session.Stop(ctx); err != nil {
		fmt.Println("stop:", err)
		return
	}
	fmt.Println("state:", session.State())
	// Output:
	// frame seq=1 640x480
	// frame seq=2 640x480
	// state: stopped
}
