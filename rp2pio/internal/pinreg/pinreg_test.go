package pinreg

import (
	"errors"
	"testing"

	"rp2pio-go/errcode"
)

func TestReserveAndRelease(t *testing.T) {
	r := New(30)
	if err := r.Reserve("a", []int{1, 2, 3}, true); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for _, p := range []int{1, 2, 3} {
		if !r.InUse(p) {
			t.Fatalf("pin %d should be in use", p)
		}
	}
	r.Release("a", []int{1, 2, 3})
	for _, p := range []int{1, 2, 3} {
		if r.InUse(p) {
			t.Fatalf("pin %d should be free after release", p)
		}
	}
}

func TestExclusiveConflicts(t *testing.T) {
	r := New(30)
	if err := r.Reserve("a", []int{10}, true); err != nil {
		t.Fatalf("Reserve a: %v", err)
	}
	err := r.Reserve("b", []int{10}, true)
	if !errors.Is(err, errcode.PinInUse) {
		t.Fatalf("exclusive over exclusive: got %v, want pin_in_use", err)
	}
	err = r.Reserve("b", []int{10}, false)
	if !errors.Is(err, errcode.PinInUse) {
		t.Fatalf("shared over exclusive: got %v, want pin_in_use", err)
	}
}

func TestSharedOverShared(t *testing.T) {
	r := New(30)
	if err := r.Reserve("a", []int{10}, false); err != nil {
		t.Fatalf("Reserve a: %v", err)
	}
	if err := r.Reserve("b", []int{10}, false); err != nil {
		t.Fatalf("shared over shared should succeed: %v", err)
	}
	// Exclusive cannot jump a shared queue.
	if err := r.Reserve("c", []int{10}, true); !errors.Is(err, errcode.PinInUse) {
		t.Fatalf("exclusive over shared: got %v, want pin_in_use", err)
	}
	// Pin stays claimed until the last sharer releases.
	r.Release("a", []int{10})
	if !r.InUse(10) {
		t.Fatal("pin released too early")
	}
	r.Release("b", []int{10})
	if r.InUse(10) {
		t.Fatal("pin should be free")
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	r := New(30)
	if err := r.Reserve("a", []int{5}, true); err != nil {
		t.Fatalf("Reserve a: %v", err)
	}
	if err := r.Reserve("b", []int{4, 5, 6}, true); !errors.Is(err, errcode.PinInUse) {
		t.Fatalf("got %v, want pin_in_use", err)
	}
	// The failed reservation must leave no residue on 4 or 6.
	if r.InUse(4) || r.InUse(6) {
		t.Fatal("partial claim left after failed reservation")
	}
}

func TestReserveOutOfRange(t *testing.T) {
	r := New(30)
	if err := r.Reserve("a", []int{30}, true); !errors.Is(err, errcode.UnknownPin) {
		t.Fatalf("got %v, want unknown_pin", err)
	}
	if err := r.Reserve("a", []int{-1}, true); !errors.Is(err, errcode.UnknownPin) {
		t.Fatalf("got %v, want unknown_pin", err)
	}
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	r := New(30)
	if err := r.Reserve("a", []int{7}, false); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	r.Release("b", []int{7}) // not b's pin
	if !r.InUse(7) {
		t.Fatal("release by a non-owner must not free the pin")
	}
	r.Release("a", []int{7})
	r.Release("a", []int{7}) // double release is fine
	if r.InUse(7) {
		t.Fatal("pin should be free")
	}
}
