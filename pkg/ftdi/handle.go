// Package ftdi drives an FTDI FT2232H (Digilent HS2) through the vendor
// D2XX driver and exposes the byte-stream transport the MPSSE engine sits
// on: exclusive open by selector, MPSSE handshake, bulk writes and timed
// reads.
package ftdi

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/d2xx"
)

// MPSSE setup opcodes emitted by the transport. The shift opcodes the scan
// engine uses live in pkg/mpsse.
const (
	opSetDBusLow    = 0x80
	opLoopbackOff   = 0x85
	opSetTCKDivisor = 0x86
	opDisableDiv5   = 0x8A
)

// bit modes for SetBitMode.
const (
	bitModeReset byte = 0x00
	bitModeMpsse byte = 0x02
)

const (
	// BaseClockHz is the TCK generator clock after the fixed /2 stage, with
	// the divide-by-5 prescaler disabled: 60 MHz / 2.
	BaseClockHz = 30_000_000

	// MaxFrequencyHz and MinFrequencyHz bound the realizable TCK range for
	// the 16-bit divisor.
	MaxFrequencyHz = BaseClockHz
	MinFrequencyHz = BaseClockHz / 0xFFFF

	// usbTransferSize is the preferred USB block size.
	usbTransferSize = 65536

	// readBudget bounds the polling loop draining an expected response.
	readBudget = 500 * time.Millisecond
)

// ErrTimeout reports that the chip did not return the expected response
// bytes within the read budget. It is fatal for the current session.
var ErrTimeout = errors.New("ftdi: read timeout")

// StatusError carries a non-OK vendor driver status code.
type StatusError struct {
	Op     string
	Status d2xx.Err
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ftdi: %s: %s", e.Op, e.Status.String())
}

func toErr(op string, e d2xx.Err) error {
	if e == 0 {
		return nil
	}
	return &StatusError{Op: op, Status: e}
}

// openDevice is swapped in tests to avoid touching real hardware.
var openDevice = d2xx.Open

// numDevices returns the number of FTDI devices the driver can see.
func numDevices() (int, error) {
	num, e := d2xx.CreateDeviceInfoList()
	if e != 0 {
		return 0, toErr("CreateDeviceInfoList", e)
	}
	return num, nil
}

// Transport owns one exclusively-opened FTDI handle.
type Transport struct {
	h      d2xx.Handle
	lg     *logrus.Entry
	serial string
	dtype  DevType
}

// Open claims the first device matching sel. The returned transport is not
// yet in MPSSE mode; call ConfigureMPSSE before shifting.
func Open(sel Selector, lg *logrus.Entry) (*Transport, error) {
	num, err := numDevices()
	if err != nil {
		return nil, err
	}
	if num == 0 {
		return nil, errors.New("ftdi: no devices found")
	}
	lg.Debugf("found %d FTDI device(s)", num)

	h, serial, dtype, err := sel.open(num)
	if err != nil {
		return nil, err
	}
	t := &Transport{h: h, lg: lg, serial: serial, dtype: dtype}
	lg.Infof("opened %s (serial %q)", dtype, serial)
	return t, nil
}

// Serial returns the serial number of the opened device, when known.
func (t *Transport) Serial() string { return t.serial }

// ConfigureMPSSE resets the chip, enables the MPSSE controller and emits
// the preamble that parks the JTAG pins: TCK=0, TDI=0, TMS=1, TDO input.
func (t *Transport) ConfigureMPSSE() error {
	if e := t.h.ResetDevice(); e != 0 {
		return toErr("ResetDevice", e)
	}
	if err := t.Purge(); err != nil {
		return err
	}
	if e := t.h.SetUSBParameters(usbTransferSize, usbTransferSize); e != 0 {
		return toErr("SetUSBParameters", e)
	}
	if e := t.h.SetChars(0, false, 0, false); e != 0 {
		return toErr("SetChars", e)
	}
	if e := t.h.SetTimeouts(5000, 5000); e != 0 {
		return toErr("SetTimeouts", e)
	}
	if e := t.h.SetBitMode(0, bitModeReset); e != 0 {
		return toErr("SetBitMode(reset)", e)
	}
	time.Sleep(10 * time.Millisecond)
	if e := t.h.SetBitMode(0, bitModeMpsse); e != 0 {
		return toErr("SetBitMode(mpsse)", e)
	}
	// The controller needs a moment before it accepts opcodes, and may have
	// queued residue from before the mode switch.
	time.Sleep(50 * time.Millisecond)
	if err := t.Purge(); err != nil {
		return err
	}

	preamble := []byte{
		opLoopbackOff,
		// Default divisor 29 yields roughly 1 MHz until SetFrequency runs.
		opSetTCKDivisor, 29, 0,
		opDisableDiv5,
		// Value TMS=1, TDI=0, TCK=0; direction TCK/TDI/TMS out, TDO in.
		opSetDBusLow, 0x08, 0x0B,
	}
	if err := t.Write(preamble); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return t.Purge()
}

// SetLatencyTimer sets the USB latency timer in milliseconds.
func (t *Transport) SetLatencyTimer(ms uint8) error {
	return toErr("SetLatencyTimer", t.h.SetLatencyTimer(ms))
}

// divisorFor computes the 16-bit TCK divisor for the closest realizable
// frequency at or below hz. Out-of-range requests clamp to the chip range.
func divisorFor(hz uint32) uint32 {
	if hz > MaxFrequencyHz {
		hz = MaxFrequencyHz
	}
	if hz < 1 {
		hz = 1
	}
	divisor := (uint32(BaseClockHz) + hz - 1) / hz
	if divisor < 1 {
		divisor = 1
	}
	if divisor > 0xFFFF {
		divisor = 0xFFFF
	}
	return divisor
}

// SetFrequency programs the TCK divisor for the closest realizable
// frequency at or below hz and returns the realized frequency.
func (t *Transport) SetFrequency(hz uint32) (uint32, error) {
	divisor := divisorFor(hz)
	cmd := []byte{
		opSetTCKDivisor, byte(divisor), byte(divisor >> 8),
		opDisableDiv5,
	}
	if err := t.Write(cmd); err != nil {
		return 0, err
	}
	actual := uint32(BaseClockHz) / divisor
	t.lg.Infof("TCK: requested %d Hz, realized %d Hz (divisor %d)", hz, actual, divisor)
	return actual, nil
}

// Write pushes the full buffer to the chip in one driver call. A short
// write is fatal for the session.
func (t *Transport) Write(p []byte) error {
	n, e := t.h.Write(p)
	if e != 0 {
		return toErr("Write", e)
	}
	if n != len(p) {
		return fmt.Errorf("ftdi: partial write: %d/%d bytes", n, len(p))
	}
	return nil
}

// RxAvailable returns the number of response bytes queued by the chip.
func (t *Transport) RxAvailable() (int, error) {
	n, e := t.h.GetQueueStatus()
	if e != 0 {
		return 0, toErr("GetQueueStatus", e)
	}
	return int(n), nil
}

// ReadExact fills p from the chip's response stream, polling the RX queue
// with short sleeps. It fails with ErrTimeout when the budget elapses with
// bytes still missing.
func (t *Transport) ReadExact(p []byte) error {
	deadline := time.Now().Add(readBudget)
	got := 0
	for got < len(p) {
		avail, err := t.RxAvailable()
		if err != nil {
			return err
		}
		if avail > 0 {
			chunk := len(p) - got
			if avail < chunk {
				chunk = avail
			}
			n, e := t.h.Read(p[got : got+chunk])
			if e != 0 {
				return toErr("Read", e)
			}
			got += n
			continue
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d/%d bytes", ErrTimeout, got, len(p))
		}
		time.Sleep(10 * time.Microsecond)
	}
	return nil
}

// Purge drains anything pending in the chip's RX queue.
func (t *Transport) Purge() error {
	var junk [256]byte
	for {
		avail, err := t.RxAvailable()
		if err != nil {
			return err
		}
		if avail == 0 {
			return nil
		}
		chunk := avail
		if chunk > len(junk) {
			chunk = len(junk)
		}
		if _, e := t.h.Read(junk[:chunk]); e != 0 {
			return toErr("Read", e)
		}
	}
}

// Close drops the chip back to its default bit mode and releases the
// handle.
func (t *Transport) Close() error {
	_ = t.h.SetBitMode(0, bitModeReset)
	return toErr("Close", t.h.Close())
}
