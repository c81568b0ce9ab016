package rp2pio

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"rp2pio-go/errcode"
	"rp2pio-go/rp2pio/hw"
	"rp2pio-go/x/mathx"
)

// fifoPollInterval bounds how long a blocked transfer can go without
// observing cancellation.
const fifoPollInterval = 100 * time.Microsecond

// errInterrupted is internal: a blocking wait saw ctx cancelled. Callers
// of the blocking helpers translate it into a successful partial transfer.
var errInterrupted = errors.New("interrupted")

// Write pushes buf[start:end] into the machine's TX FIFO, packing bytes
// into FIFO words according to the configured pull threshold and shift
// direction. Indices are clamped to the buffer; an empty range is a
// successful no-op that never touches the hardware.
//
// The call blocks until everything is queued. If ctx is cancelled while
// waiting for FIFO space it returns nil after having sent a prefix of the
// data; a latched hardware fault returns errcode.IO.
func (sm *StateMachine) Write(ctx context.Context, buf []byte, start, end int) error {
	if err := sm.check(); err != nil {
		return err
	}
	start, end = clampRange(len(buf), start, end)
	if start >= end {
		return nil
	}

	sm.ioMu.Lock()
	defer sm.ioMu.Unlock()

	blk := sm.hwBlock()
	stride := strideFor(sm.pullThreshold)
	for i := start; i < end; i += stride {
		v := packLE(buf[i:mathx.Min(i+stride, end)])
		if !sm.outShiftRight {
			// A left-shifting OSR emits from the MSB, so the payload
			// lives in the top of the word.
			v <<= uint(32 - 8*stride)
		}
		if err := sm.pushBlocking(ctx, blk, v); err != nil {
			if err == errInterrupted {
				return nil
			}
			return err
		}
	}
	return nil
}

// ReadInto fills buf[start:end] from the machine's RX FIFO, unpacking
// FIFO words according to the configured push threshold and shift
// direction. Blocking, clamping and cancellation behave as in Write.
func (sm *StateMachine) ReadInto(ctx context.Context, buf []byte, start, end int) error {
	if err := sm.check(); err != nil {
		return err
	}
	start, end = clampRange(len(buf), start, end)
	if start >= end {
		return nil
	}

	sm.ioMu.Lock()
	defer sm.ioMu.Unlock()

	blk := sm.hwBlock()
	stride := strideFor(sm.pushThreshold)
	for i := start; i < end; i += stride {
		v, err := sm.pullBlocking(ctx, blk)
		if err != nil {
			if err == errInterrupted {
				return nil
			}
			return err
		}
		if sm.inShiftRight {
			// A right-shifting ISR accumulates at the MSB end.
			v >>= uint(32 - 8*stride)
		}
		storeLE(buf[i:mathx.Min(i+stride, end)], v)
	}
	return nil
}

// WriteReadInto writes w[wstart:wend] while reading into r[rstart:rend].
// The two clamped ranges must be the same length. Pushes and pulls are
// interleaved so neither FIFO direction can deadlock the other.
func (sm *StateMachine) WriteReadInto(ctx context.Context, w []byte, wstart, wend int, r []byte, rstart, rend int) error {
	if err := sm.check(); err != nil {
		return err
	}
	wstart, wend = clampRange(len(w), wstart, wend)
	rstart, rend = clampRange(len(r), rstart, rend)
	if wend-wstart != rend-rstart {
		return errors.Wrap(errcode.InvalidParams, "buffer slices must be of equal length")
	}
	if wstart >= wend {
		return nil
	}

	sm.ioMu.Lock()
	defer sm.ioMu.Unlock()

	blk := sm.hwBlock()
	txStride := strideFor(sm.pullThreshold)
	rxStride := strideFor(sm.pushThreshold)
	ti, ri := wstart, rstart
	for ti < wend || ri < rend {
		progress := false
		if ti < wend {
			v := packLE(w[ti:mathx.Min(ti+txStride, wend)])
			if !sm.outShiftRight {
				v <<= uint(32 - 8*txStride)
			}
			if blk.TryPush(sm.slot, v) {
				ti += txStride
				progress = true
			}
		}
		if ri < rend {
			if v, ok := blk.TryPull(sm.slot); ok {
				if sm.inShiftRight {
					v >>= uint(32 - 8*rxStride)
				}
				storeLE(r[ri:mathx.Min(ri+rxStride, rend)], v)
				ri += rxStride
				progress = true
			}
		}
		if progress {
			continue
		}
		if blk.Stalled(sm.slot) {
			return errors.Wrap(errcode.IO, "fifo fault")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(fifoPollInterval):
		}
	}
	return nil
}

func (sm *StateMachine) pushBlocking(ctx context.Context, blk hw.Block, v uint32) error {
	for {
		if blk.TryPush(sm.slot, v) {
			return nil
		}
		if blk.Stalled(sm.slot) {
			return errors.Wrap(errcode.IO, "tx fifo fault")
		}
		select {
		case <-ctx.Done():
			return errInterrupted
		case <-time.After(fifoPollInterval):
		}
	}
}

func (sm *StateMachine) pullBlocking(ctx context.Context, blk hw.Block) (uint32, error) {
	for {
		if v, ok := blk.TryPull(sm.slot); ok {
			return v, nil
		}
		if blk.Stalled(sm.slot) {
			return 0, errors.Wrap(errcode.IO, "rx fifo fault")
		}
		select {
		case <-ctx.Done():
			return 0, errInterrupted
		case <-time.After(fifoPollInterval):
		}
	}
}

// strideFor is the FIFO word width implied by a shift threshold: whole
// words above 16 bits, half-words above 8, single bytes otherwise.
func strideFor(threshold int) int {
	switch {
	case threshold > 16:
		return 4
	case threshold > 8:
		return 2
	default:
		return 1
	}
}

// clampRange normalises [start, end) against a buffer of n bytes.
func clampRange(n, start, end int) (int, int) {
	start = mathx.Clamp(start, 0, n)
	end = mathx.Clamp(end, 0, n)
	if end < start {
		end = start
	}
	return start, end
}

func packLE(b []byte) uint32 {
	var v uint32
	for i, x := range b {
		v |= uint32(x) << (8 * uint(i))
	}
	return v
}

func storeLE(b []byte, v uint32) {
	for i := range b {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
