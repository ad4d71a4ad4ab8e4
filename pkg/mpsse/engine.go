// Package mpsse turns XVC shift requests into MPSSE opcode streams for an
// FT2232H-class chip and scatters the response bytes back into the TDO
// vector the client expects.
package mpsse

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/anshi233/xvc-server-d2xx/pkg/bitvec"
	"github.com/anshi233/xvc-server-d2xx/pkg/tap"
)

// Device is the blocking byte-stream endpoint the engine drives. It is
// implemented by ftdi.Transport and by the test simulator.
type Device interface {
	// Write pushes a block of MPSSE command bytes; short writes are errors.
	Write(p []byte) error
	// ReadExact fills p from the response stream or fails after the
	// device's read budget.
	ReadExact(p []byte) error
}

// DefaultChipBufferSize is the FT2232H internal buffer capacity, which
// bounds a single read-back round.
const DefaultChipBufferSize = 65536

// Engine plans and executes JTAG scans. It tracks the TAP state across
// scans and the last driven TDI level, which TMS-only moves must hold.
type Engine struct {
	dev       Device
	buf       *commandBuffer
	sm        *tap.StateMachine
	lastTDI   bool
	chipRxCap int
	lg        *logrus.Entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithChipBufferSize overrides the per-transfer chip buffer capacity.
func WithChipBufferSize(n int) Option {
	return func(e *Engine) { e.chipRxCap = n }
}

// New creates an engine on dev. The TAP is assumed to be in
// Test-Logic-Reset, which is where the transport's MPSSE preamble leaves
// it.
func New(dev Device, lg *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		dev:       dev,
		sm:        tap.NewStateMachine(),
		chipRxCap: DefaultChipBufferSize,
		lg:        lg,
	}
	for _, o := range opts {
		o(e)
	}
	e.buf = newCommandBuffer(dev, e.chipRxCap)
	return e
}

// State reports the TAP state after the last completed scan.
func (e *Engine) State() tap.State {
	return e.sm.State()
}

// ResetTAP clocks five TMS=1 cycles to force the TAP into
// Test-Logic-Reset regardless of its previous state.
func (e *Engine) ResetTAP() error {
	seq := e.sm.Reset()
	var tms [1]byte
	for i, bit := range seq.TMS {
		bitvec.Set(tms[:], i, bit)
	}
	if err := e.appendTMSRun(tms[:], 0, len(seq.TMS)); err != nil {
		return err
	}
	return e.buf.flush()
}

// Scan clocks nbits TMS/TDI pairs into the chip and fills tdo with the
// captured bits at matching LSB-first positions. Bits clocked outside
// Shift-DR/IR produce no capture and leave their TDO positions untouched.
//
// The request is segmented at every boundary where the TAP enters or
// leaves a shift state, so a single XVC shift may mix state movement and
// data transfer.
func (e *Engine) Scan(tms, tdi, tdo []byte, nbits int) error {
	if nbits == 0 {
		return nil
	}
	nbytes := (nbits + 7) / 8
	if len(tms) < nbytes || len(tdi) < nbytes || len(tdo) < nbytes {
		return fmt.Errorf("mpsse: vector buffers too short for %d bits", nbits)
	}

	e.lg.Tracef("scan: %d bits from %s", nbits, e.sm.State())

	firstPending := 0
	state := e.sm.State()
	for i := 0; i < nbits; i++ {
		tmsBit := bitvec.Get(tms, i)
		next := tap.NextState(state, tmsBit)
		isShift := tap.IsShift(state)
		entering := !isShift && tap.IsShift(next)
		leaving := isShift && !tap.IsShift(next)

		if entering || leaving || i == nbits-1 {
			to := i + 1
			var err error
			if isShift {
				err = e.appendShiftRun(tdi, tdo, firstPending, to, bitvec.Get(tms, to-1))
			} else {
				err = e.appendTMSRun(tms, firstPending, to)
			}
			if err != nil {
				return err
			}
			firstPending = to
		}
		state = next
	}

	if err := e.buf.flush(); err != nil {
		return err
	}
	e.buf.reset()
	e.sm.SetState(state)
	return nil
}

// appendTMSRun emits TMS-clock commands for the non-shift run [from, to),
// six bits per opcode, with the remembered TDI level held on bit 7.
func (e *Engine) appendTMSRun(tms []byte, from, to int) error {
	for from < to {
		n := to - from
		if n > maxTMSBitsPerCommand {
			n = maxTMSBitsPerCommand
		}
		var packed byte
		for i := 0; i < n; i++ {
			if bitvec.Get(tms, from+i) {
				packed |= 1 << i
			}
		}
		if e.lastTDI {
			packed |= 0x80
		}
		if err := e.buf.append([]byte{opClockTMSOut, byte(n - 1), packed}); err != nil {
			return err
		}
		from += n
	}
	return nil
}

// appendShiftRun emits data-clock commands for the shift run [from, to).
// The run splits into up to four pieces: leading bits up to the next byte
// boundary, inner whole bytes chunked at the chip buffer capacity,
// trailing bits, and the final bit. The final bit always goes out as a
// TMS-read opcode, the only one that can leave the shift state and capture
// TDO in the same TCK cycle; lastTMS is the TMS level it drives.
func (e *Engine) appendShiftRun(tdi, tdo []byte, from, to int, lastTMS bool) error {
	last := to - 1
	regular := last - from
	leading := 0
	if first := 8 - from%8; first != 8 {
		leading = first
		if leading > regular {
			leading = regular
		}
	}
	leadingOnly := leading == regular
	innerEnd := -1
	trailing := 0
	if !leadingOnly {
		innerEnd = last - last%8
		trailing = last % 8
	}

	var bulk *bulkByteCopier
	totalInner := 0
	if innerEnd > from+leading {
		totalInner = (innerEnd - (from + leading)) / 8
		bulk = &bulkByteCopier{}
	}

	cur := from

	if leading > 0 {
		cmd := []byte{opClockDataBitsOutNegInPos, byte(leading - 1), tdi[from/8] >> (from % 8)}
		ob := &bitCopier{dst: tdo, dstOff: from, nbits: leading}
		if err := e.buf.appendWithReadback(cmd, 1, ob); err != nil {
			return err
		}
		cur += leading
	}

	for cur < innerEnd {
		n := (innerEnd - cur) / 8
		if n > e.chipRxCap {
			n = e.chipRxCap
		}
		hdr := []byte{opClockDataBytesOutNegInPos, byte(n - 1), byte((n - 1) >> 8)}
		if err := e.buf.append(hdr); err != nil {
			return err
		}
		payload := tdi[cur/8 : cur/8+n]
		remaining := totalInner - (cur-(from+leading))/8
		if n >= remaining && bulk != nil {
			// The final chunk of the run goes through the aggregating
			// copier, anchored at its own byte offset.
			bulk.dst = tdo[cur/8 : cur/8+n]
			if err := e.buf.appendWithReadback(payload, n, bulk); err != nil {
				return err
			}
		} else {
			ob := &byteCopier{dst: tdo[cur/8 : cur/8+n]}
			if err := e.buf.appendWithReadback(payload, n, ob); err != nil {
				return err
			}
		}
		cur += n * 8
	}

	if trailing > 0 && cur < last {
		cmd := []byte{opClockDataBitsOutNegInPos, byte(trailing - 1), tdi[innerEnd/8]}
		ob := &bitCopier{dst: tdo, dstOff: innerEnd, nbits: trailing}
		if err := e.buf.appendWithReadback(cmd, 1, ob); err != nil {
			return err
		}
		cur += trailing
	}

	// Final bit: TMS-read with TDI on bit 7 and the TMS level duplicated
	// into bits 0 and 1.
	tdiBit := bitvec.Get(tdi, last)
	var arg byte
	if tdiBit {
		arg |= 0x80
	}
	if lastTMS {
		arg |= 0x03
	}
	cmd := []byte{opClockTMSOutRead, 0x00, arg}
	ob := &bitCopier{dst: tdo, dstOff: last, nbits: 1}
	if err := e.buf.appendWithReadback(cmd, 1, ob); err != nil {
		return err
	}
	e.lastTDI = tdiBit
	return nil
}
