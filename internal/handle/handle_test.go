package handle

import (
	"errors"
	"testing"

	"github.com/e7canasta/screen-capture/internal/native"
	"github.com/e7canasta/screen-capture/internal/nativetest"
)

func TestWrap_NilHandleFails(t *testing.T) {
	fake := nativetest.New()
	if _, err := Wrap(fake, native.KindDisplay, native.Nil); !errors.Is(err, ErrNilHandle) {
		t.Fatalf("Wrap(Nil) = %v, want ErrNilHandle", err)
	}
	if n := fake.ReleaseCalls(native.KindDisplay); n != 0 {
		t.Errorf("release issued against invalid handle: %d", n)
	}
}

func TestWrap_TakesOwnershipWithoutRetaining(t *testing.T) {
	fake := nativetest.New()
	h := fake.AddDisplay(native.DisplayInfo{ID: 1})

	owned, err := Wrap(fake, native.KindDisplay, h)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if got := fake.RetainCalls(native.KindDisplay); got != 0 {
		t.Errorf("Wrap retained %d times, want 0 (caller's reference is adopted)", got)
	}
	if owned.Raw() != h || owned.Kind() != native.KindDisplay {
		t.Errorf("accessors: raw=%d kind=%s", owned.Raw(), owned.Kind())
	}

	owned.Close()
	if got := fake.ReleaseCalls(native.KindDisplay); got != 1 {
		t.Errorf("releases = %d, want 1", got)
	}
	if refs := fake.LiveRefs(h); refs != 0 {
		t.Errorf("live refs = %d, want 0", refs)
	}
}

func TestClose_ExactlyOnce(t *testing.T) {
	fake := nativetest.New()
	h := fake.AddDisplay(native.DisplayInfo{ID: 1})

	owned, _ := Wrap(fake, native.KindDisplay, h)
	owned.Close()
	owned.Close()
	owned.Close()

	if got := fake.ReleaseCalls(native.KindDisplay); got != 1 {
		t.Errorf("releases = %d, want exactly 1", got)
	}
	if !owned.Closed() {
		t.Error("Closed() = false after Close")
	}
	if v := fake.Violations(); len(v) != 0 {
		t.Errorf("fake observed violations: %v", v)
	}
}

func TestClone_RetainsIndependentReference(t *testing.T) {
	fake := nativetest.New()
	h := fake.AddDisplay(native.DisplayInfo{ID: 1})

	owned, _ := Wrap(fake, native.KindDisplay, h)
	clone := owned.Clone()

	if got := fake.RetainCalls(native.KindDisplay); got != 1 {
		t.Fatalf("retains = %d, want 1", got)
	}
	if refs := fake.LiveRefs(h); refs != 2 {
		t.Fatalf("live refs = %d, want 2", refs)
	}

	// Either owner can close first; the other's reference stays valid.
	owned.Close()
	if refs := fake.LiveRefs(h); refs != 1 {
		t.Errorf("live refs after first close = %d, want 1", refs)
	}
	clone.Close()
	if refs := fake.LiveRefs(h); refs != 0 {
		t.Errorf("live refs after both closes = %d, want 0", refs)
	}
	if v := fake.Violations(); len(v) != 0 {
		t.Errorf("fake observed violations: %v", v)
	}
}

func TestClone_AfterClosePanics(t *testing.T) {
	fake := nativetest.New()
	h := fake.AddDisplay(native.DisplayInfo{ID: 1})
	owned, _ := Wrap(fake, native.KindDisplay, h)
	owned.Close()

	defer func() {
		if recover() == nil {
			t.Error("Clone after Close did not panic")
		}
	}()
	owned.Clone()
}

func TestClose_NilOwnerIsSafe(t *testing.T) {
	var owned *Owned
	owned.Close() // must not panic
}
