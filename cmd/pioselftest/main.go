// cmd/pioselftest/main.go
//
// Host-side exerciser for the PIO allocator and transfer engine. Runs the
// whole stack against the simulated backend and prints one line per check,
// so regressions show up without flashing a board.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio"
	"rp2pio-go/rp2pio/piolib"
	"rp2pio-go/rp2pio/piosim"
)

// ---------- Configuration ----------

const (
	testFrequency = 1_000_000
	spiBaud       = 500_000
	xferTimeout   = 50 * time.Millisecond
)

// nopProgram builds n distinct MOV-class instructions.
func nopProgram(tag byte, n int) []byte {
	p := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		p[2*i] = byte(i) ^ tag
		p[2*i+1] = 0xa0
	}
	return p
}

// ---------- Checks ----------

type reporter struct{ failed int }

func (r *reporter) check(name string, err error) {
	if err != nil {
		r.failed++
		fmt.Printf("FAIL %-32s %v\n", name, err)
		return
	}
	fmt.Printf("ok   %s\n", name)
}

func (r *reporter) expect(name string, err error, want errcode.Code) {
	if errcode.Of(err) != want {
		r.failed++
		fmt.Printf("FAIL %-32s got %v, want %s\n", name, err, want)
		return
	}
	fmt.Printf("ok   %s\n", name)
}

func main() {
	sim := piosim.New(piosim.Config{})
	alloc := rp2pio.NewAllocator(sim)
	rep := &reporter{}
	ctx := context.Background()

	// Slot exhaustion and recovery.
	var handles []*rp2pio.StateMachine
	for i := byte(0); i < 8; i++ {
		sm, err := alloc.Construct(rp2pio.DefaultConfig(nopProgram(i, 2), testFrequency))
		rep.check(fmt.Sprintf("construct slot %d", i), err)
		if sm != nil {
			handles = append(handles, sm)
		}
	}
	_, err := alloc.Construct(rp2pio.DefaultConfig(nopProgram(9, 2), testFrequency))
	rep.expect("ninth construct rejected", err, errcode.NoFreeSlot)
	for _, sm := range handles {
		sm.Deinit()
	}
	rep.check("all slots recovered", intErr(alloc.FreeSlots(), 8))

	// Program sharing: two 20-instruction copies fit only together.
	prog := nopProgram(1, 20)
	sm1, err := alloc.Construct(rp2pio.DefaultConfig(prog, testFrequency))
	rep.check("load 20-instruction program", err)
	sm2, err := alloc.Construct(rp2pio.DefaultConfig(prog, testFrequency))
	rep.check("share 20-instruction program", err)
	if sm1 != nil && sm2 != nil {
		b1, _ := sm1.BlockIndex()
		b2, _ := sm2.BlockIndex()
		rep.check("copies co-located", intErr(b1, b2))
	}

	// Pin claims.
	pinned := rp2pio.DefaultConfig(nopProgram(2, 2), testFrequency)
	pinned.Out = rp2pio.PinGroup{Base: 0, Count: 4}
	sm3, err := alloc.Construct(pinned)
	rep.check("claim pins 0..3", err)
	conflict := rp2pio.DefaultConfig(nopProgram(3, 2), testFrequency)
	conflict.In = rp2pio.PinGroup{Base: 2, Count: 1}
	_, err = alloc.Construct(conflict)
	rep.expect("overlapping claim rejected", err, errcode.PinInUse)

	// Transfers against the simulated FIFOs.
	if sm1 != nil {
		blk, _ := sm1.BlockIndex()
		err = sm1.Write(ctx, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0, 8)
		rep.check("write 8 bytes", err)
		sim.SimBlock(blk).QueueRx(0, 0xab000000)
		buf := make([]byte, 4)
		rdCtx, cancel := context.WithTimeout(ctx, xferTimeout)
		err = sm1.ReadInto(rdCtx, buf, 0, 4)
		cancel()
		rep.check("read returns on deadline", err)
	}

	for _, sm := range []*rp2pio.StateMachine{sm1, sm2, sm3} {
		if sm != nil {
			sm.Deinit()
		}
	}

	// SPI over PIO, full duplex through the simulator loopback path.
	spi, err := piolib.NewSPI(alloc, piolib.SPIConfig{
		SCK: 10, SDO: 11, SDI: 12,
		Baud:    spiBaud,
		Timeout: xferTimeout,
	})
	rep.check("spi bring-up", err)
	if spi != nil {
		blk := sim.SimBlock(0)
		blk.QueueRx(0, 0x5a, 0xa5)
		r := make([]byte, 2)
		err = spi.Tx([]byte{0x12, 0x34}, r)
		rep.check("spi full-duplex transfer", err)
		if err == nil && (r[0] != 0x5a || r[1] != 0xa5) {
			rep.check("spi read data", fmt.Errorf("read %#v", r))
		}
		spi.Deinit()
	}

	// Use after deinit.
	sm4, err := alloc.Construct(rp2pio.DefaultConfig(nopProgram(4, 2), testFrequency))
	rep.check("construct for deinit check", err)
	if sm4 != nil {
		sm4.Deinit()
		sm4.Deinit()
		_, err = sm4.Frequency()
		rep.expect("deinited handle rejected", err, errcode.Deinited)
	}

	if rep.failed > 0 {
		fmt.Printf("\n%d checks failed\n", rep.failed)
		os.Exit(1)
	}
	fmt.Println("\nall checks passed")
}

func intErr(got, want int) error {
	if got != want {
		return fmt.Errorf("got %d, want %d", got, want)
	}
	return nil
}
