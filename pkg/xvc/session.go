package xvc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/anshi233/xvc-server-d2xx/pkg/tap"
)

// Scanner is the JTAG engine a session drives. Implemented by the MPSSE
// engine paired with its transport.
type Scanner interface {
	// Scan clocks nbits TMS/TDI pairs and fills tdo at matching positions.
	Scan(tms, tdi, tdo []byte, nbits int) error
	// State reports the TAP state after the last scan.
	State() tap.State
	// SetFrequency programs TCK and returns the realized frequency.
	SetFrequency(hz uint32) (uint32, error)
}

// Config carries the per-instance knobs a session needs.
type Config struct {
	// VectorCapBytes is the advertised maximum ⌈nbits/8⌉ per shift.
	VectorCapBytes int
	// FrequencyHz, when non-zero, pins TCK and makes settck advisory.
	FrequencyHz uint32
}

// Session serves the XVC command loop on one accepted connection. Vector
// buffers are owned by the session and sized once from the negotiated cap.
type Session struct {
	conn io.ReadWriter
	sc   Scanner
	cfg  Config
	lg   *logrus.Entry

	cap     int
	seenTLR bool

	// vec holds TMS immediately followed by TDI for the current shift.
	vec []byte
	tdo []byte
	cmd [10]byte

	bytesRx  uint64
	bytesTx  uint64
	commands uint64
}

// NewSession wires a session to an accepted connection. The vector cap is
// clamped to the protocol limit.
func NewSession(conn io.ReadWriter, sc Scanner, cfg Config, lg *logrus.Entry) *Session {
	capBytes := cfg.VectorCapBytes
	if capBytes <= 0 {
		capBytes = DefaultVectorCapBytes
	}
	if capBytes > MaxVectorCapBytes {
		lg.Warnf("vector cap %d exceeds limit, capping at %d", capBytes, MaxVectorCapBytes)
		capBytes = MaxVectorCapBytes
	}
	return &Session{
		conn: conn,
		sc:   sc,
		cfg:  cfg,
		lg:   lg,
		cap:  capBytes,
		vec:  make([]byte, 2*capBytes),
		tdo:  make([]byte, capBytes),
	}
}

// Run processes commands until the client disconnects, the context is
// canceled, or a fatal error occurs. A clean disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.lg.Debugf("session closed: rx=%d tx=%d cmds=%d", s.bytesRx, s.bytesTx, s.commands)

	info := fmt.Sprintf("%s:%d\n", Version, s.cap)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := io.ReadFull(s.conn, s.cmd[:2]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: reading command: %v", ErrProtocol, err)
		}
		s.bytesRx += 2

		var err error
		switch {
		case s.cmd[0] == 'g' && s.cmd[1] == 'e':
			err = s.handleGetInfo(info)
		case s.cmd[0] == 's' && s.cmd[1] == 'e':
			err = s.handleSetTCK()
		case s.cmd[0] == 's' && s.cmd[1] == 'h':
			err = s.handleShift()
		default:
			err = fmt.Errorf("%w: unknown command %q", ErrProtocol, string(s.cmd[:2]))
		}
		if err != nil {
			return err
		}
		s.commands++

		if s.seenTLR && s.sc.State() == tap.StateRunTestIdle {
			// The debugger has parked the TAP; a disconnect here is safe.
			s.lg.Tracef("TAP parked in Run-Test/Idle")
		}
	}
}

func (s *Session) handleGetInfo(info string) error {
	// Remainder of the literal "getinfo:".
	if err := s.readPayload(s.cmd[2:8]); err != nil {
		return err
	}
	s.lg.Debugf("getinfo: %q", info)
	return s.send([]byte(info))
}

func (s *Session) handleSetTCK() error {
	// Remainder of "settck:" plus the requested period.
	if err := s.readPayload(s.cmd[2:7]); err != nil {
		return err
	}
	var periodBuf [4]byte
	if err := s.readPayload(periodBuf[:]); err != nil {
		return err
	}
	period := binary.LittleEndian.Uint32(periodBuf[:])

	var hz uint32
	switch {
	case s.cfg.FrequencyHz != 0:
		// Statically configured instances ignore the client's wish.
		hz = s.cfg.FrequencyHz
	case period == 0:
		// Undefined by XVC; clamp to the chip maximum.
		hz = ^uint32(0)
	default:
		hz = uint32(nanosPerSecond / uint64(period))
	}

	actual, err := s.sc.SetFrequency(hz)
	if err != nil {
		return fmt.Errorf("settck: %w", err)
	}
	realized := uint32(nanosPerSecond / uint64(actual))
	s.lg.Debugf("settck: period=%dns -> %dns (%d Hz)", period, realized, actual)

	binary.LittleEndian.PutUint32(periodBuf[:], realized)
	return s.send(periodBuf[:])
}

func (s *Session) handleShift() error {
	// Remainder of "shift:" plus the bit count.
	if err := s.readPayload(s.cmd[2:6]); err != nil {
		return err
	}
	var lenBuf [4]byte
	if err := s.readPayload(lenBuf[:]); err != nil {
		return err
	}
	nbits := int(binary.LittleEndian.Uint32(lenBuf[:]))
	nbytes := (nbits + 7) / 8
	if nbytes > s.cap {
		return fmt.Errorf("%w: vector size %d exceeds cap %d", ErrProtocol, nbytes, s.cap)
	}

	if err := s.readPayload(s.vec[:2*nbytes]); err != nil {
		return err
	}
	tms := s.vec[:nbytes]
	tdi := s.vec[nbytes : 2*nbytes]
	tdo := s.tdo[:nbytes]
	for i := range tdo {
		tdo[i] = 0
	}

	state := s.sc.State()
	s.seenTLR = (s.seenTLR || state == tap.StateTestLogicReset) &&
		state != tap.StateCaptureDR && state != tap.StateCaptureIR

	if nbits > 0 && !s.isBogusMovement(state, tms, nbits) {
		if err := s.sc.Scan(tms, tdi, tdo, nbits); err != nil {
			return fmt.Errorf("shift: %w", err)
		}
	}

	return s.send(tdo)
}

// isBogusMovement matches two shift patterns a buggy Xilinx client emits
// after IR/DR scans. They would wander the TAP off to the wrong state, so
// they are dropped wholesale: no clocking, all-zero TDO.
func (s *Session) isBogusMovement(state tap.State, tms []byte, nbits int) bool {
	if (state == tap.StateExit1IR && nbits == 5 && tms[0] == 0x17) ||
		(state == tap.StateExit1DR && nbits == 4 && tms[0] == 0x0b) {
		s.lg.Debugf("ignoring bogus state movement in %s", state)
		return true
	}
	return false
}

// readPayload fills p from the stream; a short read inside an
// expected-length field is protocol-fatal.
func (s *Session) readPayload(p []byte) error {
	if _, err := io.ReadFull(s.conn, p); err != nil {
		return fmt.Errorf("%w: short read: %v", ErrProtocol, err)
	}
	s.bytesRx += uint64(len(p))
	return nil
}

func (s *Session) send(p []byte) error {
	if _, err := s.conn.Write(p); err != nil {
		return fmt.Errorf("%w: write: %v", ErrProtocol, err)
	}
	s.bytesTx += uint64(len(p))
	return nil
}
