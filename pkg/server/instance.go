// Package server binds one FTDI adapter to one TCP port and polices who
// may debug through it: a single session at a time, optional IP filtering,
// and IP stickiness across reconnects.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anshi233/xvc-server-d2xx/pkg/xvc"
)

// Instance owns one adapter and one listener. At most one XVC session is
// active at any time; the scanner is only ever driven from the session
// currently holding the slot.
type Instance struct {
	id         int
	port       uint16
	sc         xvc.Scanner
	sessionCfg xvc.Config
	filter     *Filter
	lock       *clientLock
	lg         *logrus.Entry

	mu     sync.Mutex
	active net.Conn

	fatal chan error
}

// NewInstance assembles an instance around an already-opened scanner.
func NewInstance(id int, port uint16, sc xvc.Scanner, sessionCfg xvc.Config,
	filter *Filter, lockTimeout time.Duration, lg *logrus.Entry) *Instance {
	return &Instance{
		id:         id,
		port:       port,
		sc:         sc,
		sessionCfg: sessionCfg,
		filter:     filter,
		lock:       newClientLock(lockTimeout),
		lg:         lg,
		fatal:      make(chan error, 1),
	}
}

// Run binds the port and serves until the context is canceled or the
// transport fails. A bind failure is startup-fatal.
func (ins *Instance) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", ins.port))
	if err != nil {
		return fmt.Errorf("server: bind port %d: %w", ins.port, err)
	}
	return ins.serveListener(ctx, ln)
}

func (ins *Instance) serveListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	ins.lg.Infof("listening on %s", ln.Addr())

	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			ins.handleConn(ctx, conn)
		}
	}()

	select {
	case <-ctx.Done():
		ins.closeActive()
		return nil
	case err := <-ins.fatal:
		ins.closeActive()
		return err
	case err := <-acceptErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("server: accept: %w", err)
	}
}

// Addr formats the instance's listen address.
func (ins *Instance) Addr() string {
	return fmt.Sprintf(":%d", ins.port)
}

// handleConn applies the accept policy in order: IP filter, busy check,
// lock check. Rejected sockets are closed without disturbing the active
// session.
func (ins *Instance) handleConn(ctx context.Context, conn net.Conn) {
	ip := peerIP(conn)

	if ins.filter != nil && !ins.filter.Permit(net.ParseIP(ip)) {
		ins.lg.Warnf("connection from %s blocked by IP filter", ip)
		conn.Close()
		return
	}

	ins.mu.Lock()
	if ins.active != nil {
		ins.mu.Unlock()
		ins.lg.Warnf("rejecting %s: session already active", ip)
		conn.Close()
		return
	}
	if !ins.lock.admits(ip) {
		holder := ins.lock.holder()
		ins.mu.Unlock()
		ins.lg.Warnf("rejecting %s: instance locked to %s", ip, holder)
		conn.Close()
		return
	}
	ins.active = conn
	ins.mu.Unlock()

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	ins.lg.Infof("connection accepted from %s", ip)
	go ins.serve(ctx, conn, ip)
}

func (ins *Instance) serve(ctx context.Context, conn net.Conn, ip string) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		conn.Close()
		ins.mu.Lock()
		ins.active = nil
		ins.lock.refresh()
		ins.mu.Unlock()
		ins.lg.Infof("session from %s ended", ip)
	}()

	// The lock is taken on the first byte of actual traffic, not on the
	// bare connect.
	fb := &firstByteConn{
		Conn: conn,
		onFirst: func() {
			ins.mu.Lock()
			ins.lock.acquireIfFree(ip)
			ins.mu.Unlock()
		},
	}

	sess := xvc.NewSession(fb, ins.sc, ins.sessionCfg, ins.lg.WithField("client", ip))
	if err := sess.Run(ctx); err != nil {
		if errors.Is(err, xvc.ErrProtocol) {
			ins.lg.Warnf("session from %s failed: %v", ip, err)
			return
		}
		// Anything else is the transport: the adapter needs a reopen, so
		// the whole instance goes down for the supervisor to restart.
		ins.lg.Errorf("transport failure in session from %s: %v", ip, err)
		select {
		case ins.fatal <- err:
		default:
		}
	}
}

func (ins *Instance) closeActive() {
	ins.mu.Lock()
	if ins.active != nil {
		ins.active.Close()
	}
	ins.mu.Unlock()
}

// peerIP extracts the remote IPv4 address of a connection.
func peerIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// firstByteConn invokes a callback once, on the first successful read.
type firstByteConn struct {
	net.Conn
	onFirst func()
	fired   bool
}

func (c *firstByteConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && !c.fired {
		c.fired = true
		c.onFirst()
	}
	return n, err
}
