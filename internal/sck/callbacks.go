//go:build darwin && cgo

package sck

/*
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	gopointer "github.com/mattn/go-pointer"

	"github.com/e7canasta/screen-capture/internal/dispatch"
	"github.com/e7canasta/screen-capture/internal/native"
)

// outputBinding is the long-lived cookie behind one stream output. It stays
// pinned (via go-pointer) from AddStreamOutput until RemoveStreamOutput or
// stream release.
type outputBinding struct {
	deliver native.DeliverFunc
	kind    native.OutputKind
}

// errorBinding is the long-lived cookie behind a stream's error callback.
type errorBinding struct {
	fn native.StreamErrorFunc
}

//export goHandleDone
func goHandleDone(userdata unsafe.Pointer, h C.sc_handle, err *C.char) {
	token := gopointer.Restore(userdata).(native.Token)
	gopointer.Unref(userdata)
	dispatch.ResolveHandle(token, native.Handle(uintptr(h)), cstr(err))
}

//export goStatusDone
func goStatusDone(userdata unsafe.Pointer, ok C.bool, err *C.char) {
	token := gopointer.Restore(userdata).(native.Token)
	gopointer.Unref(userdata)
	dispatch.ResolveStatus(token, bool(ok), cstr(err))
}

//export goSampleDelivered
func goSampleDelivered(userdata unsafe.Pointer, sample C.sc_handle, outputKind C.int32_t) {
	binding, ok := gopointer.Restore(userdata).(*outputBinding)
	if !ok || binding == nil {
		// Output raced removal; drop the reference we were handed.
		C.sc_release(sample)
		return
	}
	binding.deliver(native.Handle(uintptr(sample)), native.OutputKind(outputKind))
}

//export goStreamError
func goStreamError(userdata unsafe.Pointer, code C.int32_t, msg *C.char) {
	binding, ok := gopointer.Restore(userdata).(*errorBinding)
	if !ok || binding == nil || binding.fn == nil {
		return
	}
	binding.fn(int32(code), cstr(msg))
}

// cstr copies a borrowed C string; the native side frees the original after
// the callback returns.
func cstr(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}
