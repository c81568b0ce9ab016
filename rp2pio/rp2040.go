//go:build rp2040

package rp2pio

import (
	"machine"
	"runtime/volatile"
	"unsafe"

	"rp2pio-go/rp2pio/hw"
)

// Register-mapped backend for the RP2040's two PIO blocks. The layout
// mirrors the datasheet's PIO register map; only the slices of it the
// allocator and transfer engine need are modelled.

func init() {
	SetBackend(rp2040Backend{})
}

const (
	pio0Base = 0x50200000
	pio1Base = 0x50300000

	// CTRL
	ctrlSMEnablePos      = 0
	ctrlSMRestartPos     = 4
	ctrlClkdivRestartPos = 8

	// FSTAT
	fstatRxFullPos  = 0
	fstatRxEmptyPos = 8
	fstatTxFullPos  = 16
	fstatTxEmptyPos = 24

	// FDEBUG
	fdebugRxStallPos = 0
	fdebugRxUnderPos = 8
	fdebugTxOverPos  = 16
	fdebugTxStallPos = 24

	// SMx_CLKDIV
	clkdivFracPos = 8
	clkdivIntPos  = 16

	// SMx_EXECCTRL
	execctrlWrapBottomPos = 7
	execctrlWrapTopPos    = 12

	// SMx_SHIFTCTRL
	shiftctrlAutopushPos    = 16
	shiftctrlAutopullPos    = 17
	shiftctrlInShiftdirPos  = 18
	shiftctrlOutShiftdirPos = 19
	shiftctrlPushThreshPos  = 20
	shiftctrlPullThreshPos  = 25
	shiftctrlFjoinRxPos     = 31

	// SMx_PINCTRL
	pinctrlOutBasePos      = 0
	pinctrlSetBasePos      = 5
	pinctrlSidesetBasePos  = 10
	pinctrlInBasePos       = 15
	pinctrlOutCountPos     = 20
	pinctrlSetCountPos     = 26
	pinctrlSidesetCountPos = 29
)

type smRegs struct {
	clkdiv    volatile.Register32
	execctrl  volatile.Register32
	shiftctrl volatile.Register32
	addr      volatile.Register32
	instr     volatile.Register32
	pinctrl   volatile.Register32
}

type pioRegs struct {
	ctrl            volatile.Register32
	fstat           volatile.Register32
	fdebug          volatile.Register32
	flevel          volatile.Register32
	txf             [4]volatile.Register32
	rxf             [4]volatile.Register32
	irq             volatile.Register32
	irqForce        volatile.Register32
	inputSyncBypass volatile.Register32
	dbgPadout       volatile.Register32
	dbgPadoe        volatile.Register32
	dbgCfginfo      volatile.Register32
	instrMem        [hw.InstructionMemSize]volatile.Register32
	sm              [hw.SlotsPerBlock]smRegs
}

type rp2040Backend struct{}

var _ hw.Backend = rp2040Backend{}

func (rp2040Backend) NumBlocks() int      { return 2 }
func (rp2040Backend) NumPins() int        { return 30 }
func (rp2040Backend) BaseClockHz() uint32 { return machine.CPUFrequency() }

func (rp2040Backend) Block(i int) hw.Block {
	base := uintptr(pio0Base)
	if i == 1 {
		base = pio1Base
	}
	return &rp2040Block{regs: (*pioRegs)(unsafe.Pointer(base))}
}

type rp2040Block struct {
	regs *pioRegs
}

var _ hw.Block = (*rp2040Block)(nil)

func (b *rp2040Block) WriteInstr(offset uint8, instr uint16) {
	b.regs.instrMem[offset].Set(uint32(instr))
}

func (b *rp2040Block) ConfigureSlot(slot uint8, cfg hw.SlotConfig) {
	sm := &b.regs.sm[slot]

	sm.clkdiv.Set(uint32(cfg.ClkDivFrac)<<clkdivFracPos | uint32(cfg.ClkDivWhole)<<clkdivIntPos)

	sm.execctrl.Set(uint32(cfg.WrapTarget)<<execctrlWrapBottomPos |
		uint32(cfg.Wrap)<<execctrlWrapTopPos)

	// Thresholds are encoded modulo 32: the register value 0 means 32.
	shift := uint32(cfg.PushThreshold&0x1f)<<shiftctrlPushThreshPos |
		uint32(cfg.PullThreshold&0x1f)<<shiftctrlPullThreshPos
	shift |= bit(cfg.AutoPush) << shiftctrlAutopushPos
	shift |= bit(cfg.AutoPull) << shiftctrlAutopullPos
	shift |= bit(cfg.InShiftRight) << shiftctrlInShiftdirPos
	shift |= bit(cfg.OutShiftRight) << shiftctrlOutShiftdirPos
	sm.shiftctrl.Set(shift)

	sm.pinctrl.Set(uint32(cfg.OutBase)<<pinctrlOutBasePos |
		uint32(cfg.SetBase)<<pinctrlSetBasePos |
		uint32(cfg.SidesetBase)<<pinctrlSidesetBasePos |
		uint32(cfg.InBase)<<pinctrlInBasePos |
		uint32(cfg.OutCount)<<pinctrlOutCountPos |
		uint32(cfg.SetCount)<<pinctrlSetCountPos |
		uint32(cfg.SidesetCount)<<pinctrlSidesetCountPos)
}

func (b *rp2040Block) SetEnabled(slot uint8, enabled bool) {
	if enabled {
		b.regs.ctrl.SetBits(1 << (ctrlSMEnablePos + slot))
	} else {
		b.regs.ctrl.ClearBits(1 << (ctrlSMEnablePos + slot))
	}
}

func (b *rp2040Block) Restart(slot uint8) {
	b.regs.ctrl.SetBits(1<<(ctrlSMRestartPos+slot) | 1<<(ctrlClkdivRestartPos+slot))
}

func (b *rp2040Block) Exec(slot uint8, instr uint16) {
	b.regs.sm[slot].instr.Set(uint32(instr))
}

// setPinExec temporarily retargets the slot 0 SET group at each pin in the
// range and executes a SET instruction, the same trick the SDK uses before
// a machine is running.
func (b *rp2040Block) setPinExec(encode func(uint8) uint16, base, count uint8, high bool) {
	sm := &b.regs.sm[0]
	saved := sm.pinctrl.Get()
	value := uint8(0)
	if high {
		value = 1
	}
	for pin := base; pin < base+count; pin++ {
		sm.pinctrl.Set(1<<pinctrlSetCountPos | uint32(pin)<<pinctrlSetBasePos)
		sm.instr.Set(uint32(encode(value)))
	}
	sm.pinctrl.Set(saved)
}

func (b *rp2040Block) SetPinDirs(base, count uint8, output bool) {
	b.setPinExec(hw.EncodeSetPinDirs, base, count, output)
	for pin := base; pin < base+count; pin++ {
		machine.Pin(pin).Configure(machine.PinConfig{Mode: b.pinMode()})
	}
}

func (b *rp2040Block) SetPins(base, count uint8, level bool) {
	b.setPinExec(hw.EncodeSetPins, base, count, level)
}

func (b *rp2040Block) pinMode() machine.PinMode {
	if uintptr(unsafe.Pointer(b.regs)) == pio1Base {
		return machine.PinPIO1
	}
	return machine.PinPIO0
}

func (b *rp2040Block) TryPush(slot uint8, v uint32) bool {
	if b.regs.fstat.HasBits(1 << (fstatTxFullPos + slot)) {
		return false
	}
	b.regs.txf[slot].Set(v)
	return true
}

func (b *rp2040Block) TryPull(slot uint8) (uint32, bool) {
	if b.regs.fstat.HasBits(1 << (fstatRxEmptyPos + slot)) {
		return 0, false
	}
	return b.regs.rxf[slot].Get(), true
}

func (b *rp2040Block) TxLevel(slot uint8) int {
	return int(b.regs.flevel.Get() >> (8 * slot) & 0xf)
}

func (b *rp2040Block) RxLevel(slot uint8) int {
	return int(b.regs.flevel.Get() >> (8*slot + 4) & 0xf)
}

func (b *rp2040Block) ClearFIFOs(slot uint8) {
	// Toggling FJOIN_RX flushes both FIFOs; toggling twice restores the
	// configured join state.
	sm := &b.regs.sm[slot]
	sm.shiftctrl.Set(sm.shiftctrl.Get() ^ 1<<shiftctrlFjoinRxPos)
	sm.shiftctrl.Set(sm.shiftctrl.Get() ^ 1<<shiftctrlFjoinRxPos)
}

func (b *rp2040Block) Stalled(slot uint8) bool {
	mask := uint32(1<<(fdebugTxOverPos+slot)) | 1<<(fdebugRxUnderPos+slot)
	return b.regs.fdebug.HasBits(mask)
}

func (b *rp2040Block) ClearStall(slot uint8) {
	// FDEBUG flags are write-1-to-clear.
	b.regs.fdebug.Set(uint32(1<<(fdebugTxOverPos+slot)) |
		1<<(fdebugRxUnderPos+slot) |
		1<<(fdebugTxStallPos+slot) |
		1<<(fdebugRxStallPos+slot))
}

func bit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
