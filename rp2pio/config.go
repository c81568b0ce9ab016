package rp2pio

import (
	"github.com/pkg/errors"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
	"rp2pio-go/x/mathx"
)

// Pin is a GPIO index. NoPin marks a pin group that is not in use.
type Pin int

const NoPin Pin = -1

// PinGroup is one of the four consecutive pin ranges a state machine can
// drive or sample (out, in, set, sideset).
type PinGroup struct {
	Base  Pin
	Count int
}

func (g PinGroup) used() bool { return g.Base != NoPin }

// NoBlock means no co-location constraint.
const NoBlock = -1

// Config describes a state machine to construct. Use DefaultConfig to get
// the canonical defaults, then override fields as needed.
type Config struct {
	// Program is the instruction stream in 16-bit little-endian words.
	// Length must be even, at least one instruction, and fit a block's
	// instruction memory.
	Program []byte
	// Frequency is the requested clock in Hz. The achieved frequency may
	// be lower; read it from the handle.
	Frequency uint32
	// Init is an optional instruction sequence executed once after the
	// program is loaded and before the machine starts. It is not stored
	// in instruction memory, so it is not bounded by memory capacity.
	Init []byte

	Out     PinGroup
	In      PinGroup
	Set     PinGroup
	Sideset PinGroup

	// ExclusivePinUse forbids sharing this machine's pins with any other
	// owner. Shared use only ever pairs with other shared claims.
	ExclusivePinUse bool

	AutoPull      bool
	PullThreshold int // 1..32 bits
	OutShiftRight bool
	AutoPush      bool
	PushThreshold int // 1..32 bits
	InShiftRight  bool

	// ColocateBlock pins placement to one block index; ColocateWith pins
	// it to the block of an existing handle. At most one of the two.
	ColocateBlock int
	ColocateWith  *StateMachine
}

// DefaultConfig mirrors the canonical construction defaults: single unused
// pin groups, 32-bit thresholds, right shifts, exclusive pins.
func DefaultConfig(program []byte, frequencyHz uint32) Config {
	unused := PinGroup{Base: NoPin, Count: 1}
	return Config{
		Program:         program,
		Frequency:       frequencyHz,
		Out:             unused,
		In:              unused,
		Set:             unused,
		Sideset:         unused,
		ExclusivePinUse: true,
		PullThreshold:   32,
		OutShiftRight:   true,
		PushThreshold:   32,
		InShiftRight:    true,
		ColocateBlock:   NoBlock,
	}
}

const maxProgramBytes = 2 * hw.InstructionMemSize

// validate rejects bad parameters before any resource is touched.
func (c *Config) validate(numBlocks int) error {
	if err := validateGroup("out", c.Out, 32); err != nil {
		return err
	}
	if err := validateGroup("in", c.In, 32); err != nil {
		return err
	}
	// Set and sideset counts steal instruction bits; hardware caps them
	// at 5.
	if err := validateGroup("set", c.Set, 5); err != nil {
		return err
	}
	if err := validateGroup("sideset", c.Sideset, 5); err != nil {
		return err
	}

	if !mathx.Between(c.PullThreshold, 1, 32) {
		return errors.Wrapf(errcode.InvalidParams, "pull threshold %d not in 1..32", c.PullThreshold)
	}
	if !mathx.Between(c.PushThreshold, 1, 32) {
		return errors.Wrapf(errcode.InvalidParams, "push threshold %d not in 1..32", c.PushThreshold)
	}

	switch {
	case len(c.Program) < 2:
		return errors.Wrap(errcode.InvalidParams, "program must contain at least one instruction")
	case len(c.Program)%2 != 0:
		return errors.Wrap(errcode.InvalidParams, "program size invalid")
	case len(c.Program) > maxProgramBytes:
		return errors.Wrap(errcode.InvalidParams, "program too large")
	}
	if len(c.Init)%2 != 0 {
		return errors.Wrap(errcode.InvalidParams, "init program size invalid")
	}

	if c.Frequency == 0 {
		return errors.Wrap(errcode.InvalidParams, "frequency must be positive")
	}

	if c.ColocateBlock != NoBlock && c.ColocateWith != nil {
		return errors.Wrap(errcode.InvalidParams, "two co-location hints given")
	}
	if c.ColocateBlock != NoBlock && (c.ColocateBlock < 0 || c.ColocateBlock >= numBlocks) {
		return errors.Wrapf(errcode.InvalidParams, "no PIO block %d", c.ColocateBlock)
	}
	return nil
}

func validateGroup(name string, g PinGroup, maxCount int) error {
	if !g.used() {
		// An absent base with the default count of 1 just means the
		// group is unused; asking for more pins without a base is a
		// contradiction.
		if g.Count != 1 {
			return errors.Wrapf(errcode.InvalidParams, "%s pin count %d requested but no base pin given", name, g.Count)
		}
		return nil
	}
	if g.Count < 1 {
		return errors.Wrapf(errcode.InvalidParams, "%s pin count must be at least 1", name)
	}
	if g.Count > maxCount {
		return errors.Wrapf(errcode.InvalidParams, "%s pin count must be between 1 and %d", name, maxCount)
	}
	return nil
}

// pinSet returns the union of all used pin ranges, deduplicated. Groups
// may legitimately overlap (a sideset clock over an out range is common),
// but each physical pin is claimed once.
func (c *Config) pinSet() []int {
	seen := map[int]struct{}{}
	var pins []int
	add := func(g PinGroup) {
		if !g.used() {
			return
		}
		for i := 0; i < g.Count; i++ {
			p := int(g.Base) + i
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			pins = append(pins, p)
		}
	}
	add(c.Out)
	add(c.In)
	add(c.Set)
	add(c.Sideset)
	return pins
}

// decodeInstrs turns the byte program into instruction words.
func decodeInstrs(program []byte) []uint16 {
	instrs := make([]uint16, len(program)/2)
	for i := range instrs {
		instrs[i] = uint16(program[2*i]) | uint16(program[2*i+1])<<8
	}
	return instrs
}

// slotConfig assembles the backend configuration for a program loaded at
// [offset, offset+length).
func (c *Config) slotConfig(whole uint16, frac uint8, offset, length uint8) hw.SlotConfig {
	sc := hw.SlotConfig{
		ClkDivWhole: whole,
		ClkDivFrac:  frac,

		WrapTarget: offset,
		Wrap:       offset + length - 1,

		AutoPull:      c.AutoPull,
		PullThreshold: uint8(c.PullThreshold),
		OutShiftRight: c.OutShiftRight,
		AutoPush:      c.AutoPush,
		PushThreshold: uint8(c.PushThreshold),
		InShiftRight:  c.InShiftRight,
	}
	if c.Out.used() {
		sc.OutBase, sc.OutCount = uint8(c.Out.Base), uint8(c.Out.Count)
	}
	if c.In.used() {
		sc.InBase, sc.InCount = uint8(c.In.Base), uint8(c.In.Count)
	}
	if c.Set.used() {
		sc.SetBase, sc.SetCount = uint8(c.Set.Base), uint8(c.Set.Count)
	}
	if c.Sideset.used() {
		sc.SidesetBase, sc.SidesetCount = uint8(c.Sideset.Base), uint8(c.Sideset.Count)
	}
	return sc
}
