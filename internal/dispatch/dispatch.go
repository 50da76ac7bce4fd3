// Package dispatch bridges callback-driven native completions into
// single-assignment results consumable by blocking or context-aware waiters.
//
// Native callbacks arrive on threads this process does not control, carrying
// only an opaque token. The process-wide registry maps each token to exactly
// one pending completion; the first resolution wins and removes the entry,
// so a buggy double callback from the native layer degrades to a logged
// no-op instead of a crash.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/e7canasta/screen-capture/internal/native"
)

// HandleResult is the outcome of a handle-producing native operation.
type HandleResult struct {
	Handle native.Handle
	OK     bool
	ErrMsg string // native error message, verbatim, when OK is false
}

// StatusResult is the outcome of a start/stop/reconfigure operation.
type StatusResult struct {
	OK     bool
	ErrMsg string
}

// Completion is a single-assignment cell resolved exactly once by the
// registry. It is built for one reader: consume it either with Wait or with
// WaitContext, not both concurrently.
type Completion[T any] struct {
	ch chan T
}

// Wait parks the calling goroutine until the completion resolves.
func (c *Completion[T]) Wait() T {
	return <-c.ch
}

// WaitContext yields until the completion resolves or ctx is done. A ctx
// abort abandons the wait only; the registry entry stays live until the
// native callback eventually fires, and the resolution is then discarded
// into the completion's buffer.
func (c *Completion[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case v := <-c.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// registry is the process-wide token table. Entries are created by the
// New*Completion constructors and removed by the first matching Resolve*
// (or an explicit Cancel); there is no other reclamation.
type registry struct {
	mu      sync.Mutex
	next    native.Token
	pending map[native.Token]any // chan HandleResult or chan StatusResult
}

var reg = &registry{pending: make(map[native.Token]any)}

// NewHandleCompletion registers a fresh token for a handle-producing call.
func NewHandleCompletion() (*Completion[HandleResult], native.Token) {
	c := &Completion[HandleResult]{ch: make(chan HandleResult, 1)}
	t := reg.register(c.ch)
	return c, t
}

// NewStatusCompletion registers a fresh token for a status-producing call.
func NewStatusCompletion() (*Completion[StatusResult], native.Token) {
	c := &Completion[StatusResult]{ch: make(chan StatusResult, 1)}
	t := reg.register(c.ch)
	return c, t
}

func (r *registry) register(ch any) native.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++ // tokens are never reused
	r.pending[r.next] = ch
	return r.next
}

// take atomically looks up and removes a token.
func (r *registry) take(t native.Token) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[t]
	if ok {
		delete(r.pending, t)
	}
	return ch, ok
}

// ResolveHandle completes a handle-producing operation. Safe to call from
// any thread. Unknown or already-resolved tokens are ignored.
func ResolveHandle(t native.Token, h native.Handle, errMsg string) {
	entry, ok := reg.take(t)
	if !ok {
		slog.Warn("dispatch: handle completion for unknown token, dropping",
			"token", uint64(t),
		)
		return
	}
	ch, ok := entry.(chan HandleResult)
	if !ok {
		// Native layer invoked the wrong callback shape for this token.
		slog.Warn("dispatch: token resolved with mismatched completion type",
			"token", uint64(t),
		)
		return
	}
	ch <- HandleResult{Handle: h, OK: h != native.Nil && errMsg == "", ErrMsg: errMsg}
}

// ResolveStatus completes a start/stop/reconfigure operation. Safe to call
// from any thread. Unknown or already-resolved tokens are ignored.
func ResolveStatus(t native.Token, ok bool, errMsg string) {
	entry, found := reg.take(t)
	if !found {
		slog.Warn("dispatch: status completion for unknown token, dropping",
			"token", uint64(t),
		)
		return
	}
	ch, isStatus := entry.(chan StatusResult)
	if !isStatus {
		slog.Warn("dispatch: token resolved with mismatched completion type",
			"token", uint64(t),
		)
		return
	}
	ch <- StatusResult{OK: ok, ErrMsg: errMsg}
}

// Cancel removes a token whose native call was never issued (for example a
// synchronous precondition failed after registration). Must not be used to
// race an in-flight native call; abandoned in-flight completions are simply
// left registered until the callback fires.
func Cancel(t native.Token) {
	if _, ok := reg.take(t); !ok {
		slog.Debug("dispatch: cancel of unknown token", "token", uint64(t))
	}
}

// PendingCount reports the number of unresolved registrations. Every
// registration must eventually be matched by one resolution for the table
// to stay bounded; exposed for tests and leak diagnostics.
func PendingCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.pending)
}
