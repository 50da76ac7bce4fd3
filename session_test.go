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

// newTestSession builds an idle session over display 10.
func newTestSession(t *testing.T, cap *screencapture.Capturer, cfg screencapture.Config) *screencapture.Session {
	t.Helper()

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

	session, err := cap.NewSession(filter, cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return session
}

// streamHandle returns the most recently created native stream.
func streamHandle(t *testing.T, fake *nativetest.Fake) native.Handle {
	t.Helper()
	streams := fake.Streams()
	if len(streams) == 0 {
		t.Fatal("no native stream created")
	}
	return streams[len(streams)-1]
}

func TestSession_FullLifecycle(t *testing.T) {
	fake, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{TargetFPS: 30})
	ctx := context.Background()

	if session.State() != screencapture.StateIdle {
		t.Fatalf("initial state = %s, want idle", session.State())
	}
	if session.ID() == "" {
		t.Error("session ID empty")
	}

	frames := make(chan *screencapture.Frame, 16)
	if err := session.SetVideoOutput(func(f *screencapture.Frame) { frames <- f }); err != nil {
		t.Fatalf("SetVideoOutput: %v", err)
	}

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.State() != screencapture.StateRunning {
		t.Fatalf("state after Start = %s, want running", session.State())
	}

	stream := streamHandle(t, fake)
	for i := 0; i < 5; i++ {
		if !fake.DeliverVideoFrame(stream, native.SampleInfo{SourceID: 10, Width: 1920, Height: 1080}) {
			t.Fatalf("delivery %d refused", i)
		}
	}

	for want := uint64(1); want <= 5; want++ {
		f := <-frames
		if f.Seq() != want {
			t.Errorf("frame seq = %d, want %d (in-order delivery)", f.Seq(), want)
		}
		if f.SourceID() != 10 {
			t.Errorf("frame source = %d, want 10", f.SourceID())
		}
		f.Close()
	}

	if err := session.UpdateConfiguration(ctx, screencapture.Config{TargetFPS: 5}); err != nil {
		t.Fatalf("UpdateConfiguration: %v", err)
	}
	if session.State() != screencapture.StateRunning {
		t.Fatalf("state after reconfigure = %s, want running", session.State())
	}

	// A rejected update leaves the session running on its old settings.
	fake.FailUpdateConfig = "rate not supported"
	if err := session.UpdateConfiguration(ctx, screencapture.Config{TargetFPS: 240}); !errors.Is(err, screencapture.ErrReconfigurationFailed) {
		t.Fatalf("failed reconfigure = %v, want ErrReconfigurationFailed", err)
	}
	if session.State() != screencapture.StateRunning {
		t.Fatalf("state after failed reconfigure = %s, want running", session.State())
	}

	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if session.State() != screencapture.StateStopped {
		t.Fatalf("state after Stop = %s, want stopped", session.State())
	}
	if got := fake.ReleaseCalls(native.KindStream); got != 1 {
		t.Errorf("stream releases = %d, want exactly 1", got)
	}

	// Terminal: restart and further stops are rejected or no-ops.
	if err := session.Start(ctx); !errors.Is(err, screencapture.ErrCaptureStartFailed) {
		t.Errorf("Start after Stop = %v, want ErrCaptureStartFailed", err)
	}
	if err := session.Stop(ctx); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
	if got := fake.ReleaseCalls(native.KindStream); got != 1 {
		t.Errorf("stream releases after double stop = %d, want 1", got)
	}

	stats := session.Stats()
	if stats.FramesDelivered != 5 {
		t.Errorf("FramesDelivered = %d, want 5", stats.FramesDelivered)
	}
	requireNoViolations(t, fake)
}

func TestSession_StartFailureReturnsToIdle(t *testing.T) {
	fake, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{})
	ctx := context.Background()

	fake.FailStart = "screen recording permission denied"
	err := session.Start(ctx)
	if !errors.Is(err, screencapture.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied (native message classified)", err)
	}
	if session.State() != screencapture.StateIdle {
		t.Fatalf("state after failed start = %s, want idle", session.State())
	}

	// The session is retryable after a failed start.
	fake.FailStart = ""
	if err := session.Start(ctx); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSession_StopFromIdle(t *testing.T) {
	fake, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{})

	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop from idle: %v", err)
	}
	if session.State() != screencapture.StateStopped {
		t.Fatalf("state = %s, want stopped", session.State())
	}
	if got := fake.ReleaseCalls(native.KindStream); got != 1 {
		t.Errorf("stream releases = %d, want 1", got)
	}
	requireNoViolations(t, fake)
}

func TestSession_ReconfigureRequiresRunning(t *testing.T) {
	_, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{})

	err := session.UpdateConfiguration(context.Background(), screencapture.Config{TargetFPS: 5})
	if !errors.Is(err, screencapture.ErrReconfigurationFailed) {
		t.Fatalf("reconfigure from idle = %v, want ErrReconfigurationFailed", err)
	}
}

func TestSession_UpdateFilter(t *testing.T) {
	fake, cap := newTestEnv(t)

	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer func() {
		for _, d := range displays {
			d.Close()
		}
	}()

	filterA, _ := cap.NewDisplayFilter(displays[0])
	defer filterA.Close()
	filterB, _ := cap.NewDisplayFilter(displays[1])
	defer filterB.Close()

	session, err := cap.NewSession(filterA, screencapture.Config{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := session.UpdateFilter(ctx, filterB); err != nil {
		t.Fatalf("UpdateFilter: %v", err)
	}
	if session.State() != screencapture.StateRunning {
		t.Fatalf("state = %s, want running", session.State())
	}

	// Backends that cannot retarget live report failure; the session
	// stays usable on the previous filter.
	fake.FailUpdateFilter = "filter update requires restart on this backend"
	if err := session.UpdateFilter(ctx, filterB); !errors.Is(err, screencapture.ErrReconfigurationFailed) {
		t.Fatalf("UpdateFilter = %v, want ErrReconfigurationFailed", err)
	}
	if session.State() != screencapture.StateRunning {
		t.Fatalf("state after failed filter update = %s, want running", session.State())
	}

	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	requireNoViolations(t, fake)
}

func TestSession_ReplaceConsumer(t *testing.T) {
	fake, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{})
	ctx := context.Background()

	var gotA, gotB int
	if err := session.SetVideoOutput(func(f *screencapture.Frame) { gotA++; f.Close() }); err != nil {
		t.Fatalf("SetVideoOutput A: %v", err)
	}
	if err := session.SetVideoOutput(func(f *screencapture.Frame) { gotB++; f.Close() }); err != nil {
		t.Fatalf("SetVideoOutput B: %v", err)
	}

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fake.DeliverVideoFrame(streamHandle(t, fake), native.SampleInfo{SourceID: 10, Width: 64, Height: 64})

	if gotA != 0 || gotB != 1 {
		t.Errorf("deliveries: A=%d B=%d, want replacement consumer only", gotA, gotB)
	}
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// slowStopLayer parks stop completions so deliveries during the Stopping
// window can be exercised.
type slowStopLayer struct {
	*nativetest.Fake
	stopTokens chan native.Token
}

func (s *slowStopLayer) StopCapture(_ native.Handle, t native.Token) {
	s.stopTokens <- t
}

func TestSession_StopGatesDeliveryImmediately(t *testing.T) {
	fake := nativetest.New()
	fake.AddDisplay(native.DisplayInfo{ID: 10, Width: 640, Height: 480})
	layer := &slowStopLayer{Fake: fake, stopTokens: make(chan native.Token, 1)}

	cap, err := screencapture.New(screencapture.WithLayer(layer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	session := newTestSession(t, cap, screencapture.Config{})

	delivered := 0
	if err := session.SetVideoOutput(func(f *screencapture.Frame) { delivered++; f.Close() }); err != nil {
		t.Fatalf("SetVideoOutput: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := streamHandle(t, fake)

	stopDone := make(chan error, 1)
	go func() { stopDone <- session.Stop(context.Background()) }()
	token := <-layer.stopTokens // native teardown is now in flight

	if session.State() != screencapture.StateStopping {
		t.Fatalf("state = %s, want stopping", session.State())
	}

	// Frames arriving while the teardown is pending are dropped, and
	// their sample references are released.
	fake.DeliverVideoFrame(stream, native.SampleInfo{SourceID: 10, Width: 64, Height: 64})
	fake.DeliverVideoFrame(stream, native.SampleInfo{SourceID: 10, Width: 64, Height: 64})
	if delivered != 0 {
		t.Errorf("consumer ran during stopping window: %d", delivered)
	}

	dispatch.ResolveStatus(token, true, "")
	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	stats := session.Stats()
	if stats.FramesDropped != 2 {
		t.Errorf("FramesDropped = %d, want 2", stats.FramesDropped)
	}
	if got := fake.ReleaseCalls(native.KindSample); got != 2 {
		t.Errorf("sample releases = %d, want 2 (dropped frames released)", got)
	}
	requireNoViolations(t, fake)
}

// gatedStopLayer blocks inside the native output teardown so a concurrent
// SetOutput can be caught mid-stop.
type gatedStopLayer struct {
	*nativetest.Fake
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStopLayer) RemoveStreamOutput(stream native.Handle, kind native.OutputKind) bool {
	g.entered <- struct{}{}
	<-g.release
	return g.Fake.RemoveStreamOutput(stream, kind)
}

func TestSetOutput_ConcurrentWithStop(t *testing.T) {
	fake := nativetest.New()
	fake.AddDisplay(native.DisplayInfo{ID: 10, Width: 640, Height: 480})
	layer := &gatedStopLayer{
		Fake:    fake,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	cap, err := screencapture.New(screencapture.WithLayer(layer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	session := newTestSession(t, cap, screencapture.Config{})

	if err := session.SetVideoOutput(func(f *screencapture.Frame) { f.Close() }); err != nil {
		t.Fatalf("SetVideoOutput: %v", err)
	}
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- session.Stop(context.Background()) }()
	<-layer.entered // teardown now holds the consumer lock mid-removal

	setDone := make(chan error, 1)
	go func() {
		setDone <- session.SetOutput(screencapture.OutputAudio,
			func(f *screencapture.Frame) { f.Close() })
	}()

	// The racing SetOutput must queue behind the teardown, not slip through
	// and touch the stream while it is being torn down.
	select {
	case err := <-setDone:
		t.Fatalf("SetOutput completed during stream teardown: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(layer.release)
	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-setDone; err == nil {
		t.Fatal("SetOutput racing Stop = nil, want stopped-session error")
	}
	if got := fake.ReleaseCalls(native.KindStream); got != 1 {
		t.Errorf("stream releases = %d, want 1", got)
	}
	requireNoViolations(t, fake)
}

// slowStartLayer parks start completions to exercise context abandonment.
type slowStartLayer struct {
	*nativetest.Fake
	startTokens chan native.Token
}

func (s *slowStartLayer) StartCapture(_ native.Handle, t native.Token) {
	s.startTokens <- t
}

func TestSession_AbandonedStartFinalizesInBackground(t *testing.T) {
	fake := nativetest.New()
	fake.AddDisplay(native.DisplayInfo{ID: 10, Width: 640, Height: 480})
	layer := &slowStartLayer{Fake: fake, startTokens: make(chan native.Token, 1)}

	cap, err := screencapture.New(screencapture.WithLayer(layer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	session := newTestSession(t, cap, screencapture.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := session.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start = %v, want context.DeadlineExceeded", err)
	}
	if session.State() != screencapture.StateStarting {
		t.Fatalf("state = %s, want starting (native start still in flight)", session.State())
	}

	// The native callback eventually lands; the session finalizes the
	// transition without anyone waiting on it.
	dispatch.ResolveStatus(<-layer.startTokens, true, "")

	deadline := time.After(2 * time.Second)
	for session.State() != screencapture.StateRunning {
		select {
		case <-deadline:
			t.Fatalf("state = %s, never reached running", session.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	requireNoViolations(t, fake)
}

func TestSession_StreamErrorRecorded(t *testing.T) {
	fake, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{})
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fake.EmitStreamError(streamHandle(t, fake), 7, "output queue overrun")

	if got := session.Stats().LastStreamError; got != "output queue overrun" {
		t.Errorf("LastStreamError = %q", got)
	}
	// Informational only: the session keeps running.
	if session.State() != screencapture.StateRunning {
		t.Errorf("state = %s, want running", session.State())
	}
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSession_RateStats(t *testing.T) {
	fake, cap := newTestEnv(t)
	session := newTestSession(t, cap, screencapture.Config{TargetFPS: 30})
	ctx := context.Background()

	if err := session.SetVideoOutput(func(f *screencapture.Frame) { f.Close() }); err != nil {
		t.Fatalf("SetVideoOutput: %v", err)
	}
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := streamHandle(t, fake)
	for i := 0; i < 10; i++ {
		fake.DeliverVideoFrame(stream, native.SampleInfo{SourceID: 10, Width: 64, Height: 64})
	}

	var stats screencapture.RateStats = session.RateStats(0)
	if stats.Frames != 10 {
		t.Errorf("rate window frames = %d, want 10", stats.Frames)
	}
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewSession_Validation(t *testing.T) {
	_, cap := newTestEnv(t)

	if _, err := cap.NewSession(nil, screencapture.Config{}); !errors.Is(err, screencapture.ErrResourceUnavailable) {
		t.Errorf("nil filter = %v, want ErrResourceUnavailable", err)
	}

	content, _ := cap.CurrentContentBlocking(screencapture.ContentOptions{})
	defer content.Close()
	displays := content.Displays()
	defer displays[1].Close()

	filter, _ := cap.NewDisplayFilter(displays[0])
	displays[0].Close()

	if _, err := cap.NewSession(filter, screencapture.Config{Width: -1}); !errors.Is(err, screencapture.ErrInvalidConfiguration) {
		t.Errorf("invalid config = %v, want ErrInvalidConfiguration", err)
	}

	filter.Close()
	if _, err := cap.NewSession(filter, screencapture.Config{}); !errors.Is(err, screencapture.ErrResourceUnavailable) {
		t.Errorf("closed filter = %v, want ErrResourceUnavailable", err)
	}
}
