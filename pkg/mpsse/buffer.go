package mpsse

import (
	"github.com/anshi233/xvc-server-d2xx/pkg/bitvec"
)

// rxObserver scatters one reserved slice of the chip's response stream
// into a caller-owned destination.
type rxObserver interface {
	consume(rx []byte)
}

// bitCopier handles bit-mode responses: the payload sits MSB-justified in
// a single response byte and is scattered LSB-first into dst.
type bitCopier struct {
	dst    []byte
	dstOff int
	nbits  int
}

func (o *bitCopier) consume(rx []byte) {
	bitvec.CopyFromTMSResponse(o.dst, o.dstOff, rx[0], o.nbits)
}

// byteCopier handles byte-mode responses landing on a byte-aligned
// destination.
type byteCopier struct {
	dst []byte
}

func (o *byteCopier) consume(rx []byte) {
	copy(o.dst, rx)
}

// bulkByteCopier aggregates a run of byte-mode response chunks into one
// contiguous destination window.
type bulkByteCopier struct {
	dst    []byte
	copied int
}

func (o *bulkByteCopier) consume(rx []byte) {
	copy(o.dst[o.copied:], rx)
	o.copied += len(rx)
}

type obsEntry struct {
	off int
	n   int
	ob  rxObserver
}

// earlyFlushThreshold forces a flush once the TX buffer grows past 60 KiB,
// before the hard capacity check would.
const earlyFlushThreshold = 61440

// commandBuffer accumulates MPSSE opcodes and the observers describing how
// to scatter the response bytes they will produce. Responses are consumed
// strictly in registration order.
type commandBuffer struct {
	dev       Device
	tx        []byte
	txCap     int
	rx        []byte
	rxPending int
	rxCap     int
	observers []obsEntry
}

func newCommandBuffer(dev Device, chipRxCap int) *commandBuffer {
	return &commandBuffer{
		dev:   dev,
		tx:    make([]byte, 0, 3*chipRxCap),
		txCap: 3 * chipRxCap,
		rx:    make([]byte, chipRxCap),
		rxCap: chipRxCap,
	}
}

// ensure flushes when appending txN command bytes reserving rxN response
// bytes would overflow either buffer, or when the TX high-water mark is
// reached.
func (b *commandBuffer) ensure(txN, rxN int) error {
	if len(b.tx)+txN > b.txCap ||
		b.rxPending+rxN > b.rxCap ||
		len(b.tx) >= earlyFlushThreshold {
		return b.flush()
	}
	return nil
}

// append copies command bytes that produce no response.
func (b *commandBuffer) append(p []byte) error {
	if err := b.ensure(len(p), 0); err != nil {
		return err
	}
	b.tx = append(b.tx, p...)
	return nil
}

// appendWithReadback copies command bytes, reserves rxLen response bytes
// and registers the observer that will consume them.
func (b *commandBuffer) appendWithReadback(p []byte, rxLen int, ob rxObserver) error {
	if err := b.ensure(len(p), rxLen); err != nil {
		return err
	}
	b.tx = append(b.tx, p...)
	b.observers = append(b.observers, obsEntry{off: b.rxPending, n: rxLen, ob: ob})
	b.rxPending += rxLen
	return nil
}

// flush writes the accumulated TX buffer in one call, then, if responses
// are expected, drains them and runs the observers in FIFO order. A flush
// with nothing reserved never blocks on reads.
func (b *commandBuffer) flush() error {
	if len(b.tx) > 0 {
		if err := b.dev.Write(b.tx); err != nil {
			return err
		}
		b.tx = b.tx[:0]
	}
	if b.rxPending > 0 {
		rx := b.rx[:b.rxPending]
		if err := b.dev.ReadExact(rx); err != nil {
			return err
		}
		for i := range b.observers {
			e := &b.observers[i]
			e.ob.consume(rx[e.off : e.off+e.n])
		}
		b.observers = b.observers[:0]
		b.rxPending = 0
	}
	return nil
}

// reset drops any leftover observer registrations at the end of a scan.
func (b *commandBuffer) reset() {
	b.observers = b.observers[:0]
	b.rxPending = 0
	b.tx = b.tx[:0]
}
