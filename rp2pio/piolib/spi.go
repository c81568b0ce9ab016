// Package piolib holds peripherals implemented on top of PIO state
// machines. Each driver owns one state machine handle and speaks a
// standard driver interface, so code written against tinygo.org/x/drivers
// can run over PIO without knowing it.
package piolib

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/drivers"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio"
)

// spiCPHA0 clocks one bit out and one bit in per wrap, toggling SCK via
// sideset. Four machine cycles per bit.
//
//	out pins, 1  side 0 [1]
//	in  pins, 1  side 1 [1]
var spiCPHA0 = []byte{0x01, 0x61, 0x01, 0x51}

const spiCyclesPerBit = 4

// SPIConfig describes a mode 0, MSB-first SPI bus on three pins.
type SPIConfig struct {
	SCK rp2pio.Pin
	SDO rp2pio.Pin
	SDI rp2pio.Pin
	// Baud is the bit rate in Hz.
	Baud uint32
	// Timeout bounds each transfer. Zero means block indefinitely.
	Timeout time.Duration
}

// SPI is a PIO-backed SPI bus.
type SPI struct {
	sm      *rp2pio.StateMachine
	timeout time.Duration
}

var _ drivers.SPI = (*SPI)(nil)

// NewSPI allocates a state machine on a and starts the SPI program on it.
// The three pins are claimed exclusively until Deinit.
func NewSPI(a *rp2pio.Allocator, spicfg SPIConfig) (*SPI, error) {
	if spicfg.Baud == 0 {
		return nil, errors.Wrap(errcode.InvalidParams, "baud must be positive")
	}
	cfg := rp2pio.DefaultConfig(spiCPHA0, spiCyclesPerBit*spicfg.Baud)
	cfg.Out = rp2pio.PinGroup{Base: spicfg.SDO, Count: 1}
	cfg.In = rp2pio.PinGroup{Base: spicfg.SDI, Count: 1}
	cfg.Sideset = rp2pio.PinGroup{Base: spicfg.SCK, Count: 1}
	cfg.AutoPull = true
	cfg.PullThreshold = 8
	cfg.OutShiftRight = false // MSB first
	cfg.AutoPush = true
	cfg.PushThreshold = 8
	cfg.InShiftRight = false

	sm, err := a.Construct(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "spi")
	}
	return &SPI{sm: sm, timeout: spicfg.Timeout}, nil
}

// Tx clocks w out while reading into r. Both slices must be the same
// length; a nil r discards the read bytes, a nil w clocks out zeroes.
func (s *SPI) Tx(w, r []byte) error {
	ctx, cancel := s.transferContext()
	defer cancel()

	var err error
	switch {
	case w == nil && r == nil:
		return nil
	case r == nil:
		err = s.sm.Write(ctx, w, 0, len(w))
	default:
		if w == nil {
			w = make([]byte, len(r))
		}
		err = s.sm.WriteReadInto(ctx, w, 0, len(w), r, 0, len(r))
	}
	if err != nil {
		return err
	}
	// A transfer cut short by the deadline reports success at the state
	// machine layer; for a bus transaction that is a failure.
	if ctx.Err() != nil {
		return errors.Wrap(errcode.Timeout, "spi transfer")
	}
	return nil
}

// Transfer clocks one byte out and returns the byte read back.
func (s *SPI) Transfer(b byte) (byte, error) {
	var rx [1]byte
	if err := s.Tx([]byte{b}, rx[:]); err != nil {
		return 0, err
	}
	return rx[0], nil
}

// Baud returns the bit rate actually achieved.
func (s *SPI) Baud() (uint32, error) {
	f, err := s.sm.Frequency()
	if err != nil {
		return 0, err
	}
	return f / spiCyclesPerBit, nil
}

// Deinit stops the bus and releases the state machine and its pins.
func (s *SPI) Deinit() {
	s.sm.Deinit()
}

func (s *SPI) transferContext() (context.Context, context.CancelFunc) {
	if s.timeout == 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), s.timeout)
}
