package broker

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxPerSourceAddr = 100
	DefaultConnectRate      = 50 // connections/sec
)

// Admission implements Connection Admission Control: a per-source-address
// connection cap and a process-wide connect rate limiter, checked before
// a CONNECT is accepted.
type Admission struct {
	maxPerAddr int
	limiter    *rate.Limiter

	mu      sync.Mutex
	byAddr  map[string]int
}

func NewAdmission(maxPerAddr int, connectRatePerSec int) *Admission {
	if maxPerAddr <= 0 {
		maxPerAddr = DefaultMaxPerSourceAddr
	}
	if connectRatePerSec <= 0 {
		connectRatePerSec = DefaultConnectRate
	}
	return &Admission{
		maxPerAddr: maxPerAddr,
		limiter:    rate.NewLimiter(rate.Limit(connectRatePerSec), connectRatePerSec),
		byAddr:     make(map[string]int),
	}
}

// Allow checks both quotas for a new connection from addr, reserving the
// per-address slot if it returns true. addr may carry a port ("host:port");
// connections are counted per host. Release must be called when the
// connection closes.
func (a *Admission) Allow(addr string) bool {
	if !a.limiter.Allow() {
		return false
	}

	addr = sourceHost(addr)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.byAddr[addr] >= a.maxPerAddr {
		return false
	}
	a.byAddr[addr]++
	return true
}

// sourceHost strips the port from a "host:port" address; any other form is
// returned unchanged.
func sourceHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Release frees the per-address slot reserved by a successful Allow.
func (a *Admission) Release(addr string) {
	addr = sourceHost(addr)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.byAddr[addr] > 0 {
		a.byAddr[addr]--
		if a.byAddr[addr] == 0 {
			delete(a.byAddr, addr)
		}
	}
}
