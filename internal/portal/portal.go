//go:build linux

// Package portal negotiates screen capture access with the XDG desktop
// portal (org.freedesktop.portal.ScreenCast) over the session D-Bus.
//
// On Wayland compositors this is the only sanctioned path to screen pixels:
// the portal shows the compositor's source picker, and the granted sources
// arrive as PipeWire stream nodes plus a remote file descriptor the capture
// pipeline connects to.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	portalDest      = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	responseSignal  = requestIface + ".Response"
	sessionIface    = "org.freedesktop.portal.Session"
	responseOK      = uint32(0)
	responseCancel  = uint32(1)
)

// Source type bits per the ScreenCast portal spec.
const (
	SourceMonitor uint32 = 1
	SourceWindow  uint32 = 2
)

// Source is one granted capture source: a PipeWire node plus the geometry
// the compositor reported for it.
type Source struct {
	NodeID     uint32
	SourceType uint32
	X, Y       float64
	Width      int
	Height     int
}

// Session is one negotiated ScreenCast portal session. Close releases the
// portal session and the PipeWire remote.
type Session struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath

	Sources    []Source
	PipeWireFD int
}

// Options tune the source selection dialog.
type Options struct {
	// Types is a bitmask of SourceMonitor/SourceWindow (0 = monitors).
	Types uint32
	// Multiple allows picking more than one source.
	Multiple bool
	// ShowCursor asks the compositor to embed the cursor.
	ShowCursor bool
}

// Available reports whether the ScreenCast portal is reachable on the
// session bus.
func Available() bool {
	conn, err := dbus.SessionBus()
	if err != nil {
		return false
	}
	var owner string
	err = conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, portalDest).Store(&owner)
	return err == nil && owner != ""
}

// Open walks the portal handshake: CreateSession, SelectSources (which pops
// the compositor's picker), Start, and OpenPipeWireRemote. It suspends on
// user interaction; cancel ctx to abandon the dialog.
func Open(ctx context.Context, opts Options) (*Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}

	s := &Session{conn: conn}
	if err := s.createSession(ctx); err != nil {
		return nil, err
	}
	if err := s.selectSources(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openPipeWireRemote(); err != nil {
		s.Close()
		return nil, err
	}

	slog.Debug("portal: screencast session ready",
		"sources", len(s.Sources),
		"pipewire_fd", s.PipeWireFD,
	)
	return s, nil
}

// requestToken generates the sender-unique token the portal request API
// requires.
func requestToken() string {
	return fmt.Sprintf("screencapture%d", rand.Uint32())
}

// senderName is the connection's unique name with the portal's mangling
// applied (leading colon stripped, dots to underscores).
func (s *Session) senderName() string {
	return strings.ReplaceAll(strings.TrimPrefix(s.conn.Names()[0], ":"), ".", "_")
}

// call invokes one portal method and waits for the matching Response signal.
func (s *Session) call(ctx context.Context, method string, flags dbus.Flags, args ...any) (map[string]dbus.Variant, error) {
	token := requestToken()
	expected := dbus.ObjectPath(fmt.Sprintf(
		"/org/freedesktop/portal/desktop/request/%s/%s", s.senderName(), token))

	// Subscribe before calling so a fast response cannot be missed.
	ch := make(chan *dbus.Signal, 4)
	s.conn.Signal(ch)
	defer s.conn.RemoveSignal(ch)
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
		dbus.WithMatchObjectPath(expected),
	); err != nil {
		return nil, fmt.Errorf("match signal: %w", err)
	}
	defer s.conn.RemoveMatchSignal(
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
		dbus.WithMatchObjectPath(expected),
	)

	// Options land in the last argument; inject the handle token.
	if n := len(args); n > 0 {
		if optMap, ok := args[n-1].(map[string]dbus.Variant); ok {
			optMap["handle_token"] = dbus.MakeVariant(token)
		}
	}

	obj := s.conn.Object(portalDest, portalPath)
	var reqPath dbus.ObjectPath
	if err := obj.CallWithContext(ctx, screenCastIface+"."+method, flags, args...).Store(&reqPath); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sig := <-ch:
			if sig == nil || sig.Name != responseSignal || sig.Path != reqPath {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, fmt.Errorf("%s: malformed portal response", method)
			}
			code, _ := sig.Body[0].(uint32)
			if code != responseOK {
				if code == responseCancel {
					return nil, fmt.Errorf("%s: declined by user", method)
				}
				return nil, fmt.Errorf("%s: portal response code %d", method, code)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

func (s *Session) createSession(ctx context.Context) error {
	opts := map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(requestToken()),
	}
	results, err := s.call(ctx, "CreateSession", 0, opts)
	if err != nil {
		return err
	}
	handle, ok := results["session_handle"]
	if !ok {
		return fmt.Errorf("CreateSession: no session handle in response")
	}
	switch v := handle.Value().(type) {
	case dbus.ObjectPath:
		s.sessionHandle = v
	case string:
		s.sessionHandle = dbus.ObjectPath(v)
	default:
		return fmt.Errorf("CreateSession: unexpected session handle type %T", v)
	}
	return nil
}

func (s *Session) selectSources(ctx context.Context, o Options) error {
	types := o.Types
	if types == 0 {
		types = SourceMonitor
	}
	cursorMode := uint32(1) // hidden
	if o.ShowCursor {
		cursorMode = 2 // embedded
	}
	opts := map[string]dbus.Variant{
		"types":       dbus.MakeVariant(types),
		"multiple":    dbus.MakeVariant(o.Multiple),
		"cursor_mode": dbus.MakeVariant(cursorMode),
	}
	_, err := s.call(ctx, "SelectSources", 0, s.sessionHandle, opts)
	return err
}

func (s *Session) start(ctx context.Context) error {
	opts := map[string]dbus.Variant{}
	results, err := s.call(ctx, "Start", 0, s.sessionHandle, "", opts)
	if err != nil {
		return err
	}

	streamsVar, ok := results["streams"]
	if !ok {
		return fmt.Errorf("Start: no streams in response")
	}
	// streams: a(ua{sv}), node id plus per-stream properties.
	raw, ok := streamsVar.Value().([][]any)
	if !ok {
		return fmt.Errorf("Start: unexpected streams shape %T", streamsVar.Value())
	}
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		node, _ := entry[0].(uint32)
		props, _ := entry[1].(map[string]dbus.Variant)
		src := Source{NodeID: node, SourceType: SourceMonitor}
		if v, ok := props["source_type"]; ok {
			if t, ok := v.Value().(uint32); ok {
				src.SourceType = t
			}
		}
		if v, ok := props["size"]; ok {
			if sz, ok := v.Value().([]any); ok && len(sz) == 2 {
				if w, ok := sz[0].(int32); ok {
					src.Width = int(w)
				}
				if h, ok := sz[1].(int32); ok {
					src.Height = int(h)
				}
			}
		}
		if v, ok := props["position"]; ok {
			if pos, ok := v.Value().([]any); ok && len(pos) == 2 {
				if x, ok := pos[0].(int32); ok {
					src.X = float64(x)
				}
				if y, ok := pos[1].(int32); ok {
					src.Y = float64(y)
				}
			}
		}
		s.Sources = append(s.Sources, src)
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("Start: portal granted no streams")
	}
	return nil
}

func (s *Session) openPipeWireRemote() error {
	obj := s.conn.Object(portalDest, portalPath)
	var fd dbus.UnixFD
	err := obj.Call(screenCastIface+".OpenPipeWireRemote", 0,
		s.sessionHandle, map[string]dbus.Variant{}).Store(&fd)
	if err != nil {
		return fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	s.PipeWireFD = int(fd)
	return nil
}

// Close tears down the portal session and the PipeWire remote fd.
func (s *Session) Close() {
	if s.sessionHandle != "" {
		obj := s.conn.Object(portalDest, s.sessionHandle)
		if call := obj.Call(sessionIface+".Close", 0); call.Err != nil {
			slog.Debug("portal: session close failed", "error", call.Err)
		}
		s.sessionHandle = ""
	}
	if s.PipeWireFD > 0 {
		if err := closeFD(s.PipeWireFD); err != nil {
			slog.Debug("portal: pipewire fd close failed", "error", err)
		}
		s.PipeWireFD = 0
	}
}

func closeFD(fd int) error {
	f := os.NewFile(uintptr(fd), "pipewire-remote")
	if f == nil {
		return nil
	}
	return f.Close()
}
