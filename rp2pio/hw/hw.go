// Package hw defines the contract between the PIO allocator and a concrete
// PIO peripheral. The real silicon backend and the simulated backend both
// implement it; the allocator and transfer engine are written against it so
// every decision above this line is host-testable.
package hw

// Geometry of one PIO block. These are properties of the peripheral
// generation, not of a particular chip revision.
const (
	InstructionMemSize = 32 // instructions per block
	SlotsPerBlock      = 4  // state machines per block
	FIFODepth          = 4  // words per direction, unjoined
)

// SlotConfig carries everything the allocator decides about one state
// machine slot. A backend applies it in one shot while the slot is
// disabled; it mirrors the CLKDIV/EXECCTRL/SHIFTCTRL/PINCTRL register set.
type SlotConfig struct {
	// Clock divider, 16.8 fixed point.
	//	slot clock = base clock / (ClkDivWhole + ClkDivFrac/256)
	ClkDivWhole uint16
	ClkDivFrac  uint8

	// Program wrap range, absolute addresses.
	WrapTarget uint8
	Wrap       uint8

	// Pin groups. A zero count means the group is unused and the base is
	// meaningless.
	OutBase, OutCount         uint8
	InBase, InCount           uint8
	SetBase, SetCount         uint8
	SidesetBase, SidesetCount uint8

	// Output shift register.
	AutoPull      bool
	PullThreshold uint8 // 1..32
	OutShiftRight bool

	// Input shift register.
	AutoPush      bool
	PushThreshold uint8 // 1..32
	InShiftRight  bool
}

// Backend is one PIO peripheral complex: a fixed set of blocks sharing the
// chip's pin space and base clock.
type Backend interface {
	NumBlocks() int
	// NumPins is the count of consecutive controllable pins, pin ids 0..n-1.
	NumPins() int
	BaseClockHz() uint32
	Block(i int) Block
}

// Block is one PIO block: shared instruction memory plus SlotsPerBlock
// state machines. Slot indices are 0..SlotsPerBlock-1; instruction offsets
// are 0..InstructionMemSize-1. Implementations may assume the allocator
// validates ranges.
type Block interface {
	// WriteInstr stores one instruction word into shared program memory.
	WriteInstr(offset uint8, instr uint16)

	// ConfigureSlot applies cfg to a (disabled) slot.
	ConfigureSlot(slot uint8, cfg SlotConfig)
	SetEnabled(slot uint8, enabled bool)
	// Restart clears transient slot state (shift counters, delays).
	Restart(slot uint8)
	// Exec runs a single instruction immediately on the slot.
	Exec(slot uint8, instr uint16)

	// SetPinDirs drives the direction of count consecutive pins from base.
	SetPinDirs(base, count uint8, output bool)
	// SetPins drives the level of count consecutive pins from base.
	SetPins(base, count uint8, level bool)

	// FIFO access. TryPush/TryPull never block; false means full/empty.
	TryPush(slot uint8, v uint32) bool
	TryPull(slot uint8) (uint32, bool)
	TxLevel(slot uint8) int
	RxLevel(slot uint8) int
	ClearFIFOs(slot uint8)

	// Stalled reports a latched hardware fault on the slot's FIFOs.
	// It is distinct from the ordinary full/empty backpressure that
	// TryPush/TryPull report.
	Stalled(slot uint8) bool
	ClearStall(slot uint8)
}
