// Package progmem models one PIO block's shared instruction memory. Loaded
// programs are content-addressed so byte-identical requests share a single
// copy, with a reference count deciding when the range is actually freed.
package progmem

import (
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
)

// Writer is the slice of the block backend progmem needs: the ability to
// store one instruction word.
type Writer interface {
	WriteInstr(offset uint8, instr uint16)
}

// Entry is a handle on one loaded program. It stays valid until the last
// Unload; programs are never moved, because JMP targets embedded in the
// instruction words are absolute once patched.
type Entry struct {
	Offset uint8
	Len    uint8

	key    uint64
	instrs []uint16
	refs   int
}

// Memory tracks occupancy of a block's instruction memory.
type Memory struct {
	mu   sync.Mutex
	w    Writer
	used uint32 // bit i set => instruction slot i occupied
	// loaded programs by content hash; collisions fall back to comparing
	// instruction words.
	programs map[uint64][]*Entry
}

func New(w Writer) *Memory {
	return &Memory{
		w:        w,
		programs: map[uint64][]*Entry{},
	}
}

// LoadOrShare returns an entry for instrs, either by bumping the refcount
// of an already loaded byte-identical program or by placing a fresh copy
// in the first free contiguous range. It fails with errcode.NoProgramSpace
// when no range fits; it never evicts or relocates other programs.
func (m *Memory) LoadOrShare(instrs []uint16) (*Entry, error) {
	n := len(instrs)
	if n == 0 || n > hw.InstructionMemSize {
		return nil, errors.Wrapf(errcode.InvalidParams, "program length %d", n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := hashInstrs(instrs)
	for _, e := range m.programs[key] {
		if sameProgram(e.instrs, instrs) {
			e.refs++
			return e, nil
		}
	}

	offset, ok := m.findFreeRange(n)
	if !ok {
		return nil, errors.Wrapf(errcode.NoProgramSpace, "%d instructions", n)
	}

	for i, instr := range instrs {
		// JMP targets are absolute; patch them for the load offset.
		if hw.IsJmp(instr) {
			instr += uint16(offset)
		}
		m.w.WriteInstr(offset+uint8(i), instr)
	}
	m.used |= rangeMask(n) << offset

	e := &Entry{
		Offset: offset,
		Len:    uint8(n),
		key:    key,
		instrs: append([]uint16(nil), instrs...),
		refs:   1,
	}
	m.programs[key] = append(m.programs[key], e)
	return e, nil
}

// Contains reports whether a byte-identical program is currently loaded.
// The allocator uses it to steer same-program requests onto one block.
func (m *Memory) Contains(instrs []uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.programs[hashInstrs(instrs)] {
		if sameProgram(e.instrs, instrs) {
			return true
		}
	}
	return false
}

// CanFit reports whether a free contiguous range of n instructions exists.
func (m *Memory) CanFit(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.findFreeRange(n)
	return ok
}

// Unload drops one reference to e. At zero the range is freed and refilled
// with trap jumps so a state machine still pointed there spins in place
// instead of running stale code.
func (m *Memory) Unload(e *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}

	for i := e.Offset; i < e.Offset+e.Len; i++ {
		m.w.WriteInstr(i, hw.EncodeJmp(i))
	}
	m.used &^= rangeMask(int(e.Len)) << e.Offset

	list := m.programs[e.key]
	for i, other := range list {
		if other == e {
			m.programs[e.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.programs[e.key]) == 0 {
		delete(m.programs, e.key)
	}
}

// Used returns the occupancy bitmask. Test hook.
func (m *Memory) Used() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// findFreeRange is first-fit from address zero. Caller holds m.mu.
func (m *Memory) findFreeRange(n int) (uint8, bool) {
	if n <= 0 || n > hw.InstructionMemSize {
		return 0, false
	}
	mask := rangeMask(n)
	for off := 0; off <= hw.InstructionMemSize-n; off++ {
		if m.used&(mask<<off) == 0 {
			return uint8(off), true
		}
	}
	return 0, false
}

func rangeMask(n int) uint32 {
	if n >= 32 {
		return ^uint32(0)
	}
	return (1 << n) - 1
}

func hashInstrs(instrs []uint16) uint64 {
	h := fnv.New64a()
	var b [2]byte
	for _, instr := range instrs {
		b[0] = byte(instr)
		b[1] = byte(instr >> 8)
		h.Write(b[:])
	}
	return h.Sum64()
}

func sameProgram(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
