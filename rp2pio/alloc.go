package rp2pio

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
	"rp2pio-go/rp2pio/internal/pinreg"
	"rp2pio-go/rp2pio/internal/progmem"
)

// Allocator owns the placement state for one PIO peripheral complex: which
// slots are bound, what each block's instruction memory holds, and which
// pins are claimed. All mutation happens under one mutex so concurrent
// constructs and deinits serialise cleanly.
type Allocator struct {
	mu      sync.Mutex
	backend hw.Backend
	pins    *pinreg.Registry
	blocks  []*blockState
	nextID  int
}

type blockState struct {
	hw      hw.Block
	mem     *progmem.Memory
	claimed uint8 // bitmask of bound slots
}

func (b *blockState) freeSlot() (uint8, bool) {
	for s := uint8(0); s < hw.SlotsPerBlock; s++ {
		if b.claimed&(1<<s) == 0 {
			return s, true
		}
	}
	return 0, false
}

// NewAllocator builds an allocator over a backend. Tests inject a
// simulated backend here; production code normally goes through the
// package-level Construct and the installed default backend.
func NewAllocator(backend hw.Backend) *Allocator {
	a := &Allocator{
		backend: backend,
		pins:    pinreg.New(backend.NumPins()),
	}
	for i := 0; i < backend.NumBlocks(); i++ {
		blk := backend.Block(i)
		a.blocks = append(a.blocks, &blockState{hw: blk, mem: progmem.New(blk)})
	}
	return a
}

// Construct validates cfg, places the program on a block, reserves pins
// and a slot, configures and starts the state machine, and returns the
// owning handle.
//
// Resource acquisition is two-phase: pins first, then slot and program
// memory. If the second phase fails on every candidate block the pin
// reservation is rolled back, so a failed construct leaves no trace.
func (a *Allocator) Construct(cfg Config) (*StateMachine, error) {
	if err := cfg.validate(len(a.blocks)); err != nil {
		return nil, err
	}
	instrs := decodeInstrs(cfg.Program)
	initInstrs := decodeInstrs(cfg.Init)

	whole, frac, achieved, err := clkDivForFrequency(a.backend.BaseClockHz(), cfg.Frequency)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	candidates, err := a.candidateBlocks(&cfg, instrs)
	if err != nil {
		return nil, err
	}

	pins := cfg.pinSet()
	a.nextID++
	owner := "sm-" + strconv.Itoa(a.nextID)
	if err := a.pins.Reserve(owner, pins, cfg.ExclusivePinUse); err != nil {
		return nil, err
	}

	lastErr := error(errors.Wrap(errcode.NoFreeSlot, "no candidate PIO block"))
	for _, bi := range candidates {
		blk := a.blocks[bi]
		slot, ok := blk.freeSlot()
		if !ok {
			lastErr = errors.Wrapf(errcode.NoFreeSlot, "block %d", bi)
			continue
		}
		entry, err := blk.mem.LoadOrShare(instrs)
		if err != nil {
			lastErr = err
			continue
		}

		blk.claimed |= 1 << slot
		sm := &StateMachine{
			alloc:         a,
			block:         bi,
			slot:          slot,
			entry:         entry,
			owner:         owner,
			pins:          pins,
			freqHz:        achieved,
			pullThreshold: cfg.PullThreshold,
			pushThreshold: cfg.PushThreshold,
			outShiftRight: cfg.OutShiftRight,
			inShiftRight:  cfg.InShiftRight,
		}
		a.startSlot(blk.hw, slot, &cfg, whole, frac, entry, initInstrs)
		return sm, nil
	}

	// Second phase failed everywhere; undo the first.
	a.pins.Release(owner, pins)
	return nil, lastErr
}

// candidateBlocks orders block indices for the placement search. An
// explicit co-location hint is a hard restriction; otherwise blocks that
// already hold a byte-identical program are preferred so the copies share
// one memory range.
func (a *Allocator) candidateBlocks(cfg *Config, instrs []uint16) ([]int, error) {
	if cfg.ColocateWith != nil {
		other := cfg.ColocateWith
		if other.alloc != a {
			return nil, errors.Wrap(errcode.InvalidParams, "co-location target belongs to another peripheral")
		}
		if err := other.check(); err != nil {
			return nil, errors.Wrap(err, "co-location target")
		}
		return []int{other.block}, nil
	}
	if cfg.ColocateBlock != NoBlock {
		return []int{cfg.ColocateBlock}, nil
	}

	var withProgram, rest []int
	for i, blk := range a.blocks {
		if blk.mem.Contains(instrs) {
			withProgram = append(withProgram, i)
		} else {
			rest = append(rest, i)
		}
	}
	return append(withProgram, rest...), nil
}

// startSlot runs the hardware bring-up sequence: configure while halted,
// drive initial pin state, jump to the program, run the one-shot init
// sequence, then enable. Caller holds a.mu.
func (a *Allocator) startSlot(blk hw.Block, slot uint8, cfg *Config, whole uint16, frac uint8, entry *progmem.Entry, initInstrs []uint16) {
	blk.SetEnabled(slot, false)
	blk.ConfigureSlot(slot, cfg.slotConfig(whole, frac, entry.Offset, entry.Len))

	// Driven groups start as low outputs; the in group is released to
	// input. Overlaps resolve in favour of the later call, matching the
	// order the original brings pins up in.
	if cfg.In.used() {
		blk.SetPinDirs(uint8(cfg.In.Base), uint8(cfg.In.Count), false)
	}
	for _, g := range []PinGroup{cfg.Out, cfg.Set, cfg.Sideset} {
		if !g.used() {
			continue
		}
		blk.SetPins(uint8(g.Base), uint8(g.Count), false)
		blk.SetPinDirs(uint8(g.Base), uint8(g.Count), true)
	}

	blk.ClearFIFOs(slot)
	blk.ClearStall(slot)
	blk.Restart(slot)
	blk.Exec(slot, hw.EncodeJmp(entry.Offset))
	for _, instr := range initInstrs {
		blk.Exec(slot, instr)
	}
	blk.SetEnabled(slot, true)
}

// release returns a handle's resources: slot, program reference, pins.
func (a *Allocator) release(sm *StateMachine) {
	a.mu.Lock()
	defer a.mu.Unlock()

	blk := a.blocks[sm.block]
	blk.hw.SetEnabled(sm.slot, false)
	blk.hw.ClearFIFOs(sm.slot)
	blk.claimed &^= 1 << sm.slot
	blk.mem.Unload(sm.entry)
	a.pins.Release(sm.owner, sm.pins)
}

// FreeSlots reports how many slots are unbound across all blocks.
func (a *Allocator) FreeSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, blk := range a.blocks {
		for s := uint8(0); s < hw.SlotsPerBlock; s++ {
			if blk.claimed&(1<<s) == 0 {
				n++
			}
		}
	}
	return n
}
