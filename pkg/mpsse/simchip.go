package mpsse

import (
	"fmt"
)

// LoopbackChip is an in-memory MPSSE device with TDO wired to TDI, in the
// spirit of the chip's internal loopback mode. It interprets the opcode
// stream the engine produces and queues the response bytes a real chip
// would return, which makes full scans verifiable without hardware.
//
// Commands may arrive split across Write calls; the chip reassembles them
// exactly like the real part does.
type LoopbackChip struct {
	pending []byte
	rx      []byte

	// Commands records every fully parsed command in arrival order.
	Commands [][]byte
}

// NewLoopbackChip returns an idle simulated chip.
func NewLoopbackChip() *LoopbackChip {
	return &LoopbackChip{}
}

// Write consumes MPSSE command bytes, executing every complete command.
func (c *LoopbackChip) Write(p []byte) error {
	c.pending = append(c.pending, p...)
	for {
		n, err := c.step()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		c.Commands = append(c.Commands, append([]byte(nil), c.pending[:n]...))
		c.pending = c.pending[n:]
	}
}

// step executes the first complete command in the pending buffer and
// returns its length, or 0 when more bytes are needed.
func (c *LoopbackChip) step() (int, error) {
	if len(c.pending) == 0 {
		return 0, nil
	}
	op := c.pending[0]
	switch op {
	case opClockTMSOut:
		if len(c.pending) < 3 {
			return 0, nil
		}
		return 3, nil

	case opClockTMSOutRead:
		if len(c.pending) < 3 {
			return 0, nil
		}
		n := int(c.pending[1]) + 1
		tdi := c.pending[2]&0x80 != 0
		// Loopback: every captured bit equals the held TDI level,
		// MSB-justified in one response byte.
		var resp byte
		if tdi {
			resp = byte(0xFF << (8 - n))
		}
		c.rx = append(c.rx, resp)
		return 3, nil

	case opClockDataBitsOutNegInPos:
		if len(c.pending) < 3 {
			return 0, nil
		}
		n := int(c.pending[1]) + 1
		data := c.pending[2]
		resp := (data & byte(1<<n-1)) << (8 - n)
		c.rx = append(c.rx, resp)
		return 3, nil

	case opClockDataBytesOutNegInPos:
		if len(c.pending) < 3 {
			return 0, nil
		}
		n := int(c.pending[1]) | int(c.pending[2])<<8
		n++
		if len(c.pending) < 3+n {
			return 0, nil
		}
		c.rx = append(c.rx, c.pending[3:3+n]...)
		return 3 + n, nil

	case 0x80, 0x82, 0x86: // GPIO low/high, divisor: two argument bytes
		if len(c.pending) < 3 {
			return 0, nil
		}
		return 3, nil

	case 0x84, 0x85, 0x8A, 0x8B, opSendImmediate: // single-byte commands
		return 1, nil

	default:
		return 0, fmt.Errorf("sim: unknown MPSSE opcode 0x%02x", op)
	}
}

// ReadExact drains queued response bytes. Asking for more than the
// executed commands produced is the simulated equivalent of a USB read
// timeout.
func (c *LoopbackChip) ReadExact(p []byte) error {
	if len(c.rx) < len(p) {
		return fmt.Errorf("sim: response underrun: want %d bytes, have %d", len(p), len(c.rx))
	}
	copy(p, c.rx[:len(p)])
	c.rx = c.rx[len(p):]
	return nil
}

// RxQueued reports how many response bytes are waiting.
func (c *LoopbackChip) RxQueued() int {
	return len(c.rx)
}
