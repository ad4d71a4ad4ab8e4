package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anshi233/xvc-server-d2xx/pkg/tap"
	"github.com/anshi233/xvc-server-d2xx/pkg/xvc"
)

func testLogger() *logrus.Entry {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(lg)
}

// idleScanner satisfies xvc.Scanner without hardware: TDO stays zero and
// the TAP is tracked like the engine would.
type idleScanner struct {
	sm *tap.StateMachine
}

func newIdleScanner() *idleScanner {
	return &idleScanner{sm: tap.NewStateMachine()}
}

func (s *idleScanner) Scan(tms, tdi, tdo []byte, nbits int) error {
	for i := 0; i < nbits; i++ {
		s.sm.Clock(tms[i/8]>>(i%8)&1 != 0)
	}
	return nil
}

func (s *idleScanner) State() tap.State { return s.sm.State() }

func (s *idleScanner) SetFrequency(hz uint32) (uint32, error) { return hz, nil }

func newTestInstance(t *testing.T, lockTimeout time.Duration) *Instance {
	t.Helper()
	return NewInstance(1, 0, newIdleScanner(), xvc.Config{VectorCapBytes: 64},
		nil, lockTimeout, testLogger())
}

// addrConn overrides the remote address so accept-policy tests can
// impersonate different client IPs over in-memory pipes.
type addrConn struct {
	net.Conn
	addr net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.addr }

// connect hands a fake connection from ip to the instance and returns the
// client end.
func connect(t *testing.T, ins *Instance, ip string) net.Conn {
	t.Helper()
	client, srv := net.Pipe()
	ins.handleConn(context.Background(), addrConn{
		Conn: srv,
		addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000},
	})
	return client
}

// getinfo runs one getinfo exchange to prove the session is live.
func getinfo(t *testing.T, conn net.Conn) bool {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("getinfo:")); err != nil {
		return false
	}
	buf := make([]byte, len("xvcServer_v1.0:64\n"))
	_, err := io.ReadFull(conn, buf)
	return err == nil
}

// closedQuickly reports whether the server closed its end.
func closedQuickly(t *testing.T, conn net.Conn) bool {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	return err == io.EOF || err == io.ErrClosedPipe
}

// waitIdle blocks until the instance has no active session.
func waitIdle(t *testing.T, ins *Instance) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ins.mu.Lock()
		idle := ins.active == nil
		ins.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("instance never became idle")
}

func TestSingleSessionEnforcement(t *testing.T) {
	ins := newTestInstance(t, 0)

	first := connect(t, ins, "10.0.0.1")
	defer first.Close()
	if !getinfo(t, first) {
		t.Fatal("first session not serving")
	}

	second := connect(t, ins, "10.0.0.2")
	if !closedQuickly(t, second) {
		t.Fatal("second connection was not rejected while a session is active")
	}

	// The first session is undisturbed.
	if !getinfo(t, first) {
		t.Fatal("first session broken by rejected connect")
	}
}

func TestIPStickyLock(t *testing.T) {
	ins := newTestInstance(t, 5*time.Second)
	clk := &fakeClock{t: time.Unix(1000, 0)}
	ins.lock.now = clk.now

	// First client connects, traffic flows, then it disconnects.
	first := connect(t, ins, "10.0.0.1")
	if !getinfo(t, first) {
		t.Fatal("first session not serving")
	}
	first.Close()
	waitIdle(t, ins)

	// 3 s later the lock still holds: another IP is bounced, the locked
	// IP gets back in.
	clk.advance(3 * time.Second)
	intruder := connect(t, ins, "10.0.0.2")
	if !closedQuickly(t, intruder) {
		t.Fatal("different IP admitted while lock is held")
	}
	back := connect(t, ins, "10.0.0.1")
	if !getinfo(t, back) {
		t.Fatal("locked IP rejected during its own lock window")
	}
	back.Close()
	waitIdle(t, ins)

	// 6 s after that disconnect the lock has expired; a new IP takes over.
	clk.advance(6 * time.Second)
	taker := connect(t, ins, "10.0.0.2")
	if !getinfo(t, taker) {
		t.Fatal("new IP rejected after lock expiry")
	}
	if got := ins.lock.holder(); got != "10.0.0.2" {
		t.Errorf("lock holder = %q, want 10.0.0.2", got)
	}
	taker.Close()
	waitIdle(t, ins)
}

func TestLockTakenOnFirstByteOnly(t *testing.T) {
	ins := newTestInstance(t, 5*time.Second)

	// A connect that never sends traffic must not take the lock.
	silent := connect(t, ins, "10.0.0.1")
	time.Sleep(10 * time.Millisecond)
	if ins.lock.held() {
		t.Fatal("lock taken before any traffic")
	}
	silent.Close()
	waitIdle(t, ins)

	speaker := connect(t, ins, "10.0.0.2")
	if !getinfo(t, speaker) {
		t.Fatal("session not serving")
	}
	if got := ins.lock.holder(); got != "10.0.0.2" {
		t.Errorf("lock holder = %q, want 10.0.0.2", got)
	}
	speaker.Close()
	waitIdle(t, ins)
}

func TestIPFilterRejectsAtAccept(t *testing.T) {
	filter, err := NewFilter([]string{"10.0.0.0/24"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ins := NewInstance(1, 0, newIdleScanner(), xvc.Config{VectorCapBytes: 64},
		filter, 0, testLogger())

	outsider := connect(t, ins, "192.0.2.1")
	if !closedQuickly(t, outsider) {
		t.Fatal("filtered IP was not rejected")
	}

	insider := connect(t, ins, "10.0.0.5")
	if !getinfo(t, insider) {
		t.Fatal("allowed IP rejected")
	}
	insider.Close()
}

func TestServeListenerOverTCP(t *testing.T) {
	ins := newTestInstance(t, 0)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ins.serveListener(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !getinfo(t, conn) {
		t.Fatal("TCP session not serving")
	}
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveListener() = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("instance did not stop on context cancel")
	}
}
