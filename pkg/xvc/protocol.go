// Package xvc implements the server side of the Xilinx Virtual Cable
// protocol, version 1.0: three commands (getinfo:, settck:, shift:) on a
// plain TCP byte stream.
package xvc

import (
	"errors"
)

// Version is the protocol identifier reported to clients.
const Version = "xvcServer_v1.0"

// Vector capacity bounds, in bytes of ⌈nbits/8⌉ per shift.
const (
	DefaultVectorCapBytes = 2048
	MaxVectorCapBytes     = 262144
)

// ErrProtocol marks malformed or out-of-bounds client traffic. It is fatal
// for the session but not for the instance.
var ErrProtocol = errors.New("xvc: protocol error")

// nanosPerSecond converts between TCK period and frequency.
const nanosPerSecond = 1_000_000_000
