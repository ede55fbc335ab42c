package daemon

import (
	"sync"
	"time"
)

// RuntimeInfo stores runtime metadata of a running daemon.
type RuntimeInfo struct {
	mu         sync.RWMutex
	listenAddr string
	startTime  time.Time
}

// SetListenAddr records the bound API address.
func (r *RuntimeInfo) SetListenAddr(addr string) {
	r.mu.Lock()
	r.listenAddr = addr
	r.mu.Unlock()
}

// ListenAddr returns the bound API address.
func (r *RuntimeInfo) ListenAddr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listenAddr
}

// SetStartTime records the daemon start time.
func (r *RuntimeInfo) SetStartTime(t time.Time) {
	r.mu.Lock()
	r.startTime = t
	r.mu.Unlock()
}

// StartTime returns the daemon start time.
func (r *RuntimeInfo) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startTime
}

// Uptime is the time since start, or zero before Run.
func (r *RuntimeInfo) Uptime() time.Duration {
	start := r.StartTime()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
