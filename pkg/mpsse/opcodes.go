package mpsse

// MPSSE shift opcodes used by the scan engine. Writes happen on the
// falling TCK edge and reads on the rising edge, which is what the JTAG
// timing wants.
const (
	// <op>, <lenLo-1>, <lenHi-1>, <byte0>..<byteN>: clock whole bytes out
	// of TDI while capturing TDO, LSB first.
	opClockDataBytesOutNegInPos = 0x39

	// <op>, <len-1>, <byte>: clock up to 8 bits out of TDI while capturing
	// TDO. The response byte is MSB-justified.
	opClockDataBitsOutNegInPos = 0x3B

	// <op>, <len-1>, <byte>: clock up to 7 TMS bits from the low bits of
	// the payload; bit 7 is held on TDI for the duration.
	opClockTMSOut = 0x4B

	// Same TMS layout, but additionally captures TDO. The single response
	// byte carries the captured bits MSB-justified.
	opClockTMSOutRead = 0x6B

	// Flush the chip-side response buffer to the host immediately.
	opSendImmediate = 0x87
)

// A single TMS opcode carries at most 7 bits; one is reserved for the
// final-bit convention, so plain state moves pack 6 at a time.
const maxTMSBitsPerCommand = 6
