// Package rp2pio allocates and drives PIO state machines.
//
// The programmable I/O peripheral is a small set of blocks, each holding a
// shared instruction memory and a handful of state machines that run tiny
// programs against GPIO pins and FIFOs. This package owns the resource
// questions that come with that sharing: which block and slot a program
// lands on, how identical programs share instruction memory, which pins a
// machine may touch, and how byte streams move through the FIFOs at a
// requested clock rate.
//
// Hardware access goes through the hw.Backend contract, so everything here
// runs identically against real silicon and against the piosim backend.
package rp2pio

import (
	"sync"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
	"rp2pio-go/rp2pio/internal/progmem"
)

// StateMachine is the owning handle for one allocated slot. It is returned
// by Construct and stays valid until Deinit (or Close). After deinit every
// operation except Deinit itself fails with errcode.Deinited.
type StateMachine struct {
	alloc *Allocator
	block int
	slot  uint8
	entry *progmem.Entry
	owner string
	pins  []int

	freqHz        uint32
	pullThreshold int
	pushThreshold int
	outShiftRight bool
	inShiftRight  bool

	// ioMu serialises transfers; one in-flight transfer per handle.
	ioMu sync.Mutex

	stateMu  sync.Mutex
	deinited bool
}

// Deinit stops the state machine and returns its slot, pins and program
// reference to the allocator. It is idempotent: deiniting an already
// deinitialised handle is a no-op.
func (sm *StateMachine) Deinit() {
	sm.stateMu.Lock()
	if sm.deinited {
		sm.stateMu.Unlock()
		return
	}
	sm.deinited = true
	sm.stateMu.Unlock()

	sm.alloc.release(sm)
}

// Close deinitialises the handle. It exists so a StateMachine can sit
// behind io.Closer-shaped cleanup (defer sm.Close()).
func (sm *StateMachine) Close() error {
	sm.Deinit()
	return nil
}

// Frequency returns the achieved clock in Hz. It may be lower than the
// requested frequency; the divider rounds down, never up.
func (sm *StateMachine) Frequency() (uint32, error) {
	if err := sm.check(); err != nil {
		return 0, err
	}
	return sm.freqHz, nil
}

// BlockIndex returns the PIO block this machine landed on.
func (sm *StateMachine) BlockIndex() (int, error) {
	if err := sm.check(); err != nil {
		return 0, err
	}
	return sm.block, nil
}

// TxFIFOLevel returns the number of words queued in the TX FIFO.
func (sm *StateMachine) TxFIFOLevel() (int, error) {
	if err := sm.check(); err != nil {
		return 0, err
	}
	return sm.hwBlock().TxLevel(sm.slot), nil
}

// RxFIFOLevel returns the number of words waiting in the RX FIFO.
func (sm *StateMachine) RxFIFOLevel() (int, error) {
	if err := sm.check(); err != nil {
		return 0, err
	}
	return sm.hwBlock().RxLevel(sm.slot), nil
}

func (sm *StateMachine) check() error {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	if sm.deinited {
		return errcode.Deinited
	}
	return nil
}

func (sm *StateMachine) hwBlock() hw.Block {
	return sm.alloc.blocks[sm.block].hw
}
