package server

import (
	"time"
)

// clientLock implements IP stickiness: once a debugger connects, the
// instance stays reserved for that client address until the lock timeout
// elapses after its last disconnect. A paused debugger can thus break TCP
// without losing the adapter to another host.
//
// The zero timeout disables locking entirely. Callers serialize access.
type clientLock struct {
	timeout time.Duration
	now     func() time.Time

	ip    string
	until time.Time
}

func newClientLock(timeout time.Duration) *clientLock {
	return &clientLock{timeout: timeout, now: time.Now}
}

// expire drops the lock once its deadline has passed.
func (l *clientLock) expire() {
	if l.ip != "" && !l.now().Before(l.until) {
		l.ip = ""
		l.until = time.Time{}
	}
}

// held reports whether an unexpired lock is in place.
func (l *clientLock) held() bool {
	l.expire()
	return l.ip != ""
}

// admits reports whether a peer at ip may take the instance.
func (l *clientLock) admits(ip string) bool {
	l.expire()
	return l.ip == "" || l.ip == ip
}

// acquireIfFree takes the lock for ip unless one is already held.
func (l *clientLock) acquireIfFree(ip string) {
	if l.timeout <= 0 || l.held() {
		return
	}
	l.ip = ip
	l.until = l.now().Add(l.timeout)
}

// refresh restarts the countdown for the current holder, keeping the IP.
// Called when a session ends so the same debugger can come back.
func (l *clientLock) refresh() {
	if l.timeout <= 0 || l.ip == "" {
		return
	}
	l.until = l.now().Add(l.timeout)
}

// holder returns the locked IP, or "" when free.
func (l *clientLock) holder() string {
	l.expire()
	return l.ip
}
