package progmem

import (
	"errors"
	"testing"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
)

// fakeMem records instruction writes like a block backend would.
type fakeMem struct {
	instr  [hw.InstructionMemSize]uint16
	writes int
}

func (f *fakeMem) WriteInstr(offset uint8, instr uint16) {
	f.instr[offset] = instr
	f.writes++
}

func prog(words ...uint16) []uint16 { return words }

func TestFirstFitPlacement(t *testing.T) {
	f := &fakeMem{}
	m := New(f)

	a, err := m.LoadOrShare(prog(0xa042, 0xa042, 0xa042, 0xa042))
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	if a.Offset != 0 {
		t.Fatalf("first program at %d, want 0", a.Offset)
	}
	b, err := m.LoadOrShare(prog(0x6001, 0x6001))
	if err != nil {
		t.Fatalf("load b: %v", err)
	}
	if b.Offset != 4 {
		t.Fatalf("second program at %d, want 4", b.Offset)
	}
	// Free the first range, then a 3-instruction program should slot into
	// the hole at 0 rather than after b.
	m.Unload(a)
	c, err := m.LoadOrShare(prog(0xe081, 0xe081, 0xe081))
	if err != nil {
		t.Fatalf("load c: %v", err)
	}
	if c.Offset != 0 {
		t.Fatalf("hole not reused, got offset %d", c.Offset)
	}
}

func TestJmpPatching(t *testing.T) {
	f := &fakeMem{}
	m := New(f)
	if _, err := m.LoadOrShare(prog(0xa042, 0xa042)); err != nil {
		t.Fatalf("filler: %v", err)
	}

	// jmp 0, jmp 1 loaded at offset 2 must become jmp 2, jmp 3.
	e, err := m.LoadOrShare(prog(0x0000, 0x0001))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if e.Offset != 2 {
		t.Fatalf("offset %d, want 2", e.Offset)
	}
	if f.instr[2] != 0x0002 || f.instr[3] != 0x0003 {
		t.Fatalf("jmp not patched: %#x %#x", f.instr[2], f.instr[3])
	}
	// Non-JMP words are stored untouched.
	if f.instr[0] != 0xa042 {
		t.Fatalf("non-jmp modified: %#x", f.instr[0])
	}
}

func TestContentSharing(t *testing.T) {
	f := &fakeMem{}
	m := New(f)

	// 20 instructions twice would exceed the 32-slot memory if stored twice.
	p := make([]uint16, 20)
	for i := range p {
		p[i] = 0x6001
	}
	a, err := m.LoadOrShare(p)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	b, err := m.LoadOrShare(append([]uint16(nil), p...))
	if err != nil {
		t.Fatalf("identical load should share: %v", err)
	}
	if a != b {
		t.Fatal("identical programs should share one entry")
	}
	if got := f.writes; got != 20 {
		t.Fatalf("shared load rewrote memory: %d writes", got)
	}

	// Refcounted free: first unload keeps the range, second frees it.
	m.Unload(a)
	if m.Used() == 0 {
		t.Fatal("range freed while still referenced")
	}
	m.Unload(b)
	if m.Used() != 0 {
		t.Fatalf("range not freed at refcount zero: %#x", m.Used())
	}
}

func TestNoSpace(t *testing.T) {
	m := New(&fakeMem{})
	if _, err := m.LoadOrShare(make([]uint16, 30)); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, err := m.LoadOrShare(prog(0x6001, 0x6002, 0x6003))
	if !errors.Is(err, errcode.NoProgramSpace) {
		t.Fatalf("got %v, want no_program_space", err)
	}
	if m.CanFit(3) {
		t.Fatal("CanFit should agree with LoadOrShare")
	}
	if !m.CanFit(2) {
		t.Fatal("two instructions still fit")
	}
}

func TestUnloadFillsTraps(t *testing.T) {
	f := &fakeMem{}
	m := New(f)
	e, err := m.LoadOrShare(prog(0x6001, 0x6001, 0x6001))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m.Unload(e)
	for i := uint8(0); i < 3; i++ {
		if f.instr[i] != hw.EncodeJmp(i) {
			t.Fatalf("slot %d not trap-filled: %#x", i, f.instr[i])
		}
	}
	// Unloading an already-freed entry is a no-op.
	m.Unload(e)
	if m.Used() != 0 {
		t.Fatal("double unload corrupted occupancy")
	}
}
