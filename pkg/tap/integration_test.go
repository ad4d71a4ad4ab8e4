package tap

import (
	"testing"

	"github.com/anshi233/xvc-server-d2xx/pkg/bitvec"
)

// The reset sequence must survive the round trip through the LSB-first
// vector encoding the wire protocol and the MPSSE engine use.
func TestResetSequenceAsBitVector(t *testing.T) {
	m := NewStateMachine()
	m.Clock(false) // -> Run-Test/Idle
	m.Clock(true)  // -> Select-DR-Scan

	seq := m.Reset()

	tms := make([]byte, (len(seq.TMS)+7)/8)
	for i, bit := range seq.TMS {
		bitvec.Set(tms, i, bit)
	}
	if tms[0] != 0x1F {
		t.Fatalf("encoded reset TMS = %02x, want 1f", tms[0])
	}

	// Folding the table over the decoded bits reproduces the recorded
	// state trace.
	state := seq.States[0]
	for i := 0; i < len(seq.TMS); i++ {
		state = NextState(state, bitvec.Get(tms, i))
		if state != seq.States[i+1] {
			t.Fatalf("state %d = %s, want %s", i+1, state, seq.States[i+1])
		}
	}
	if state != StateTestLogicReset {
		t.Fatalf("final state = %s, want TestLogicReset", state)
	}
}
