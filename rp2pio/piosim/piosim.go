// Package piosim is an in-memory PIO backend. It implements the hw
// contract with observable FIFO counters, selectable TX drain behaviour,
// RX preloading, loopback and fault injection, which is enough to exercise
// the allocator and the transfer engine without silicon.
package piosim

import (
	"sync"

	"rp2pio-go/rp2pio/hw"
)

// Config sizes the simulated peripheral. Zero values take the RP2040
// defaults: 2 blocks, 30 pins, 125 MHz.
type Config struct {
	Blocks      int
	Pins        int
	BaseClockHz uint32
}

type Backend struct {
	cfg    Config
	blocks []*Block
}

var _ hw.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.Blocks == 0 {
		cfg.Blocks = 2
	}
	if cfg.Pins == 0 {
		cfg.Pins = 30
	}
	if cfg.BaseClockHz == 0 {
		cfg.BaseClockHz = 125_000_000
	}
	b := &Backend{cfg: cfg}
	for i := 0; i < cfg.Blocks; i++ {
		blk := &Block{}
		for s := range blk.slots {
			blk.slots[s].autoDrain = true
		}
		b.blocks = append(b.blocks, blk)
	}
	return b
}

func (b *Backend) NumBlocks() int       { return b.cfg.Blocks }
func (b *Backend) NumPins() int         { return b.cfg.Pins }
func (b *Backend) BaseClockHz() uint32  { return b.cfg.BaseClockHz }
func (b *Backend) Block(i int) hw.Block { return b.blocks[i] }

// SimBlock exposes a block's simulation controls to tests.
func (b *Backend) SimBlock(i int) *Block { return b.blocks[i] }

// Block is one simulated PIO block.
type Block struct {
	mu    sync.Mutex
	instr [hw.InstructionMemSize]uint16
	slots [hw.SlotsPerBlock]slotState

	dirMask   uint32 // 1 = output
	levelMask uint32
}

var _ hw.Block = (*Block)(nil)

type slotState struct {
	cfg      hw.SlotConfig
	enabled  bool
	restarts int

	tx []uint32
	rx []uint32

	// Simulation knobs.
	autoDrain bool // consume TX words as they arrive
	loopback  bool // every consumed TX word is mirrored into RX
	failAfter int  // pushes until a latched fault; 0 = disabled
	stalled   bool

	// Observability.
	pushAttempts int
	pushes       int
	pulls        int
	txHistory    []uint32
	execLog      []uint16
}

// --- hw.Block ---

func (b *Block) WriteInstr(offset uint8, instr uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instr[offset] = instr
}

func (b *Block) ConfigureSlot(slot uint8, cfg hw.SlotConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].cfg = cfg
}

func (b *Block) SetEnabled(slot uint8, enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].enabled = enabled
}

func (b *Block) Restart(slot uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].restarts++
}

func (b *Block) Exec(slot uint8, instr uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	s.execLog = append(s.execLog, instr)
}

func (b *Block) SetPinDirs(base, count uint8, output bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mask := rangeMask(base, count)
	if output {
		b.dirMask |= mask
	} else {
		b.dirMask &^= mask
	}
}

func (b *Block) SetPins(base, count uint8, level bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mask := rangeMask(base, count)
	if level {
		b.levelMask |= mask
	} else {
		b.levelMask &^= mask
	}
}

func (b *Block) TryPush(slot uint8, v uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	s.pushAttempts++
	if s.stalled {
		return false
	}
	if !s.autoDrain && len(s.tx) >= hw.FIFODepth {
		return false
	}
	s.pushes++
	if s.failAfter > 0 {
		s.failAfter--
		if s.failAfter == 0 {
			s.stalled = true
		}
	}
	if s.autoDrain {
		s.consume(v)
	} else {
		s.tx = append(s.tx, v)
	}
	return true
}

func (b *Block) TryPull(slot uint8) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	if len(s.rx) == 0 {
		return 0, false
	}
	v := s.rx[0]
	s.rx = s.rx[1:]
	s.pulls++
	return v, true
}

func (b *Block) TxLevel(slot uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots[slot].tx)
}

func (b *Block) RxLevel(slot uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots[slot].rx)
}

func (b *Block) ClearFIFOs(slot uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	s.tx = nil
	s.rx = nil
}

func (b *Block) Stalled(slot uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[slot].stalled
}

func (b *Block) ClearStall(slot uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].stalled = false
}

// --- simulation controls ---

// SetAutoDrain selects whether the pretend state machine consumes TX words
// immediately (default) or leaves them queued until DrainOne.
func (b *Block) SetAutoDrain(slot uint8, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].autoDrain = on
}

// SetLoopback mirrors every consumed TX word into the RX FIFO.
func (b *Block) SetLoopback(slot uint8, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].loopback = on
}

// QueueRx preloads words into the RX FIFO.
func (b *Block) QueueRx(slot uint8, words ...uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	s.rx = append(s.rx, words...)
}

// DrainOne consumes one queued TX word, as the state machine would.
func (b *Block) DrainOne(slot uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	if len(s.tx) == 0 {
		return false
	}
	v := s.tx[0]
	s.tx = s.tx[1:]
	s.consume(v)
	return true
}

// FailAfterPushes latches a fault once n more words have been pushed.
func (b *Block) FailAfterPushes(slot uint8, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[slot].failAfter = n
}

// TxHistory returns every word the pretend state machine has consumed.
func (b *Block) TxHistory(slot uint8) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.slots[slot].txHistory...)
}

// Counters returns (push attempts, completed pushes, completed pulls).
func (b *Block) Counters(slot uint8) (attempts, pushes, pulls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[slot]
	return s.pushAttempts, s.pushes, s.pulls
}

// ExecLog returns the instructions executed directly on the slot.
func (b *Block) ExecLog(slot uint8) []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint16(nil), b.slots[slot].execLog...)
}

// SlotConfig returns the last configuration applied to the slot.
func (b *Block) SlotConfig(slot uint8) hw.SlotConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[slot].cfg
}

// Enabled reports whether the slot is running.
func (b *Block) Enabled(slot uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slots[slot].enabled
}

// Instr returns the instruction word at offset. Test hook.
func (b *Block) Instr(offset uint8) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instr[offset]
}

// PinDirs returns the commanded direction mask (1 = output).
func (b *Block) PinDirs() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirMask
}

// PinLevels returns the commanded level mask.
func (b *Block) PinLevels() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.levelMask
}

// caller holds b.mu
func (s *slotState) consume(v uint32) {
	s.txHistory = append(s.txHistory, v)
	if s.loopback {
		s.rx = append(s.rx, v)
	}
}

func rangeMask(base, count uint8) uint32 {
	return ((uint32(1) << count) - 1) << base
}
