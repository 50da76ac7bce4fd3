package screencapture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/handle"
	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/rate"
)

// Session is a live capture stream. It owns a native stream handle and
// drives it through a strict lifecycle:
//
//	Idle -> Starting -> Running <-> Reconfiguring -> Stopping -> Stopped
//
// Stopped is terminal; build a new session to capture again. Lifecycle
// operations are serialized: concurrent Start/Stop/Update calls queue behind
// one another rather than interleaving native transitions.
//
// Frame delivery runs concurrently with everything else. Once a stop begins,
// the session stops forwarding frames immediately, even while the native
// teardown is still in flight.
type Session struct {
	id     string
	layer  native.Layer
	stream *handle.Owned

	// opMu serializes lifecycle operations. When a context-aware wait is
	// abandoned, the background finalizer inherits the lock and releases it
	// after the native completion lands.
	opMu  sync.Mutex
	state atomic.Int32

	// accepting gates the delivery path. Set once at construction, cleared
	// once when a stop begins, never set again.
	accepting atomic.Bool

	consumersMu sync.Mutex
	consumers   map[OutputKind]FrameConsumer

	seq       atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	startedAt   atomic.Int64 // unix nanos, 0 before Running
	lastFrameAt atomic.Int64 // unix nanos

	errMu         sync.Mutex
	lastStreamErr string

	recorder *rate.Recorder
}

// NewSession builds a capture session from a filter and configuration. The
// session takes its own native references; the caller's filter may be closed
// once the session exists. The session starts in StateIdle.
func (c *Capturer) NewSession(f *Filter, cfg Config) (*Session, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil filter", ErrResourceUnavailable)
	}
	if f.owned.Closed() {
		return nil, fmt.Errorf("%w: filter already closed", ErrResourceUnavailable)
	}

	ncfg, cfgRaw, err := c.newConfigHandle(cfg)
	if err != nil {
		return nil, err
	}
	cfgHandle, err := handle.Wrap(c.layer, native.KindConfiguration, cfgRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: configuration handle", ErrResourceUnavailable)
	}
	defer cfgHandle.Close()

	s := &Session{
		id:        uuid.New().String(),
		layer:     c.layer,
		consumers: make(map[OutputKind]FrameConsumer),
		recorder:  rate.NewRecorder(rateWindow),
	}
	s.accepting.Store(true)

	streamRaw := c.layer.NewStream(f.owned.Raw(), cfgHandle.Raw(), s.onStreamError)
	owned, err := handle.Wrap(c.layer, native.KindStream, streamRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: native layer rejected stream", ErrCaptureStartFailed)
	}
	s.stream = owned

	slog.Debug("screencapture: session created",
		"session_id", s.id,
		"target_fps", ncfg.TargetFPS,
		"captures_audio", ncfg.CapturesAudio,
	)
	return s, nil
}

// rateWindow is the number of recent frame timestamps kept for rate
// statistics.
const rateWindow = 300

// ID is the session's unique identifier, stamped on logs and frame traces.
func (s *Session) ID() string { return s.id }

// State is the session's current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// SetOutput installs consumer as the sole receiver for one output kind,
// replacing any previous consumer. A nil consumer uninstalls the output.
// Outputs may be changed at any point before the session is stopped.
func (s *Session) SetOutput(kind OutputKind, consumer FrameConsumer) error {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()

	// Checked under consumersMu: finalizeStop transitions to Stopped and
	// releases the stream under the same lock, so a Stopped observation here
	// means the stream is gone, and a non-Stopped one means it stays valid
	// for the native calls below.
	if s.State() == StateStopped {
		return fmt.Errorf("%w: session already stopped", ErrCaptureStartFailed)
	}

	if _, exists := s.consumers[kind]; exists {
		s.layer.RemoveStreamOutput(s.stream.Raw(), kind)
		delete(s.consumers, kind)
	}
	if consumer == nil {
		return nil
	}

	k := kind
	ok := s.layer.AddStreamOutput(s.stream.Raw(), kind, func(sample native.Handle, _ native.OutputKind) {
		s.deliver(sample, k)
	})
	if !ok {
		return fmt.Errorf("%w: native layer rejected %s output", ErrInvalidConfiguration, kind)
	}
	s.consumers[kind] = consumer
	return nil
}

// SetVideoOutput installs the video frame consumer.
func (s *Session) SetVideoOutput(consumer FrameConsumer) error {
	return s.SetOutput(OutputVideo, consumer)
}

// SetAudioOutput installs the audio sample consumer.
func (s *Session) SetAudioOutput(consumer FrameConsumer) error {
	return s.SetOutput(OutputAudio, consumer)
}

// Start begins capture, suspending until the native layer confirms the
// stream is live or ctx is done. Only valid in StateIdle.
//
// Cancelling ctx abandons the wait only: the native start cannot be
// cancelled, and the session finalizes its state transition in the
// background when the completion eventually lands.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()

	if st := s.State(); st != StateIdle {
		s.opMu.Unlock()
		return fmt.Errorf("%w: start from state %s", ErrCaptureStartFailed, st)
	}
	s.state.Store(int32(StateStarting))

	completion, token := dispatch.NewStatusCompletion()
	s.layer.StartCapture(s.stream.Raw(), token)

	res, err := s.awaitLocked(ctx, completion, s.finalizeStart)
	if err != nil {
		return err
	}
	if !res.OK {
		return wrapNative(ErrCaptureStartFailed, res.ErrMsg)
	}
	return nil
}

func (s *Session) finalizeStart(res dispatch.StatusResult) {
	if res.OK {
		s.state.Store(int32(StateRunning))
		s.startedAt.Store(time.Now().UnixNano())
		slog.Info("screencapture: session started", "session_id", s.id)
		return
	}
	s.state.Store(int32(StateIdle))
	slog.Warn("screencapture: session start failed",
		"session_id", s.id,
		"error", res.ErrMsg,
	)
}

// Stop ends capture, suspending until the native teardown completes or ctx
// is done. Valid in any state; stopping an already-stopped session is a
// no-op. Frame delivery ceases as soon as Stop begins, before the native
// teardown finishes.
//
// After Stop the session is terminal and its native stream reference has
// been released.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()

	switch s.State() {
	case StateStopped:
		s.opMu.Unlock()
		return nil
	case StateIdle:
		// Never started: no native teardown to wait for.
		s.accepting.Store(false)
		s.finalizeStop(dispatch.StatusResult{OK: true})
		s.opMu.Unlock()
		return nil
	}

	s.state.Store(int32(StateStopping))
	s.accepting.Store(false)

	completion, token := dispatch.NewStatusCompletion()
	s.layer.StopCapture(s.stream.Raw(), token)

	res, err := s.awaitLocked(ctx, completion, s.finalizeStop)
	if err != nil {
		return err
	}
	if !res.OK {
		return wrapNative(ErrCaptureStopFailed, res.ErrMsg)
	}
	return nil
}

// finalizeStop transitions to Stopped unconditionally: whatever the native
// teardown reported, the stream is no longer usable. The Stopped store and
// the stream release happen under consumersMu so SetOutput can never observe
// a live state and then touch a released stream.
func (s *Session) finalizeStop(res dispatch.StatusResult) {
	s.consumersMu.Lock()
	for kind := range s.consumers {
		s.layer.RemoveStreamOutput(s.stream.Raw(), kind)
		delete(s.consumers, kind)
	}
	s.state.Store(int32(StateStopped))
	s.stream.Close()
	s.consumersMu.Unlock()

	if res.OK {
		slog.Info("screencapture: session stopped",
			"session_id", s.id,
			"frames_delivered", s.delivered.Load(),
			"frames_dropped", s.dropped.Load(),
		)
		return
	}
	slog.Warn("screencapture: session stop reported native error",
		"session_id", s.id,
		"error", res.ErrMsg,
	)
}

// UpdateConfiguration applies a new configuration to the running stream
// without interrupting delivery. Only valid in StateRunning; on completion
// (success or failure) the session returns to Running.
func (s *Session) UpdateConfiguration(ctx context.Context, cfg Config) error {
	capturer := &Capturer{layer: s.layer}
	_, cfgRaw, err := capturer.newConfigHandle(cfg)
	if err != nil {
		return err
	}
	cfgHandle, err := handle.Wrap(s.layer, native.KindConfiguration, cfgRaw)
	if err != nil {
		return fmt.Errorf("%w: configuration handle", ErrResourceUnavailable)
	}

	return s.reconfigure(ctx, func(token native.Token) {
		s.layer.UpdateConfiguration(s.stream.Raw(), cfgHandle.Raw(), token)
	}, cfgHandle.Close)
}

// UpdateFilter redirects the running stream to new content without
// interrupting delivery. Only valid in StateRunning; on completion (success
// or failure) the session returns to Running. The filter must stay open
// until UpdateFilter returns.
func (s *Session) UpdateFilter(ctx context.Context, f *Filter) error {
	if f == nil || f.owned.Closed() {
		return fmt.Errorf("%w: nil or closed filter", ErrReconfigurationFailed)
	}
	clone := f.owned.Clone()

	return s.reconfigure(ctx, func(token native.Token) {
		s.layer.UpdateFilter(s.stream.Raw(), clone.Raw(), token)
	}, clone.Close)
}

// reconfigure runs one live-update operation under the lifecycle lock.
// cleanup releases the update's native argument once the completion lands
// (or immediately on a precondition failure).
func (s *Session) reconfigure(ctx context.Context, issue func(native.Token), cleanup func()) error {
	s.opMu.Lock()

	if st := s.State(); st != StateRunning {
		s.opMu.Unlock()
		cleanup()
		return fmt.Errorf("%w: reconfigure from state %s", ErrReconfigurationFailed, st)
	}
	s.state.Store(int32(StateReconfiguring))

	completion, token := dispatch.NewStatusCompletion()
	issue(token)

	res, err := s.awaitLocked(ctx, completion, func(res dispatch.StatusResult) {
		s.finalizeReconfigure(res)
		cleanup()
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return wrapNative(ErrReconfigurationFailed, res.ErrMsg)
	}
	return nil
}

// finalizeReconfigure returns the session to Running whatever the outcome: a
// rejected update leaves the previous configuration in effect.
func (s *Session) finalizeReconfigure(res dispatch.StatusResult) {
	s.state.Store(int32(StateRunning))
	if res.OK {
		slog.Debug("screencapture: session reconfigured", "session_id", s.id)
		return
	}
	slog.Warn("screencapture: session reconfiguration rejected",
		"session_id", s.id,
		"error", res.ErrMsg,
	)
}

// awaitLocked waits for a lifecycle completion while holding opMu, then runs
// finalize and releases the lock. If ctx aborts first, ownership of the lock
// and the finalization moves to a background goroutine; the state transition
// completes when the native callback eventually fires.
func (s *Session) awaitLocked(
	ctx context.Context,
	completion *dispatch.Completion[dispatch.StatusResult],
	finalize func(dispatch.StatusResult),
) (dispatch.StatusResult, error) {
	res, err := completion.WaitContext(ctx)
	if err != nil {
		go func() {
			r := completion.Wait()
			finalize(r)
			s.opMu.Unlock()
		}()
		slog.Debug("screencapture: lifecycle wait abandoned, finalizing in background",
			"session_id", s.id,
			"state", s.State().String(),
		)
		return dispatch.StatusResult{}, err
	}
	finalize(res)
	s.opMu.Unlock()
	return res, nil
}

// deliver is the native frame callback for one output kind. It owns the
// sample reference it receives and either hands it to the consumer as a
// Frame or releases it on the spot.
func (s *Session) deliver(sample native.Handle, kind OutputKind) {
	if !s.accepting.Load() {
		s.layer.Release(native.KindSample, sample)
		s.dropped.Add(1)
		return
	}

	s.consumersMu.Lock()
	consumer := s.consumers[kind]
	s.consumersMu.Unlock()
	if consumer == nil {
		s.layer.Release(native.KindSample, sample)
		s.dropped.Add(1)
		return
	}

	frame, err := newFrame(s.layer, sample, s.seq.Add(1))
	if err != nil {
		s.dropped.Add(1)
		slog.Warn("screencapture: dropping undecodable sample",
			"session_id", s.id,
			"kind", kind.String(),
			"error", err,
		)
		return
	}

	now := time.Now()
	s.delivered.Add(1)
	s.lastFrameAt.Store(now.UnixNano())
	if kind == OutputVideo {
		s.recorder.Record(now)
	}
	consumer(frame)
}

// onStreamError records asynchronous stream errors from the native layer.
// These are informational: the layer may emit warnings for streams that keep
// running.
func (s *Session) onStreamError(code int32, msg string) {
	s.errMu.Lock()
	s.lastStreamErr = msg
	s.errMu.Unlock()

	slog.Warn("screencapture: native stream error",
		"session_id", s.id,
		"code", code,
		"error", msg,
	)
}

// Stats returns a point-in-time snapshot of the session's counters.
func (s *Session) Stats() SessionStats {
	st := SessionStats{
		State:           s.State(),
		FramesDelivered: s.delivered.Load(),
		FramesDropped:   s.dropped.Load(),
	}
	if started := s.startedAt.Load(); started != 0 {
		st.Uptime = time.Since(time.Unix(0, started))
	}
	if last := s.lastFrameAt.Load(); last != 0 {
		st.LastFrameAt = time.Unix(0, last)
	}
	s.errMu.Lock()
	st.LastStreamError = s.lastStreamErr
	s.errMu.Unlock()
	return st
}

// RateStats computes delivery-rate statistics over the most recent video
// frames. targetFPS is the configured rate the stability check compares
// against; pass 0 to skip the comparison.
func (s *Session) RateStats(targetFPS float64) RateStats {
	return s.recorder.Stats(targetFPS)
}
