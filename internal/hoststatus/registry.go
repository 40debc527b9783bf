// Package hoststatus tracks per-host reachability shared by every connection
// to the same broker endpoint, and runs the background probe that flips
// failed hosts back to reachable.
package hoststatus

import (
	"sync"
	"time"

	"github.com/gocci/gocci/internal/handle"
	"github.com/gocci/gocci/internal/protocol"
)

type entry struct {
	reachable       bool
	lastFailureTime time.Time
	lastFailbackTry time.Time
}

// Registry is the process-global reachability table keyed by (ip, port).
// Entries are never removed; its lock is separate from the handle-table lock.
type Registry struct {
	mu    sync.Mutex
	hosts map[protocol.HostAddr]*entry
}

// NewRegistry builds an empty registry. Production code uses the package
// singleton; tests build their own.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[protocol.HostAddr]*entry)}
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide registry, creating it on first use.
func Global() *Registry {
	globalOnce.Do(func() { global = NewRegistry() })
	return global
}

func (r *Registry) get(addr protocol.HostAddr) *entry {
	e, ok := r.hosts[addr]
	if !ok {
		e = &entry{reachable: true}
		r.hosts[addr] = e
	}
	return e
}

// IsReachable reports whether addr should be tried. A host marked
// unreachable becomes eligible again once the reconnect cooldown elapses.
func (r *Registry) IsReachable(addr protocol.HostAddr, rcTime time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(addr)
	if e.reachable {
		return true
	}
	return time.Since(e.lastFailureTime) >= rcTime
}

// SetStatus records a reachability verdict. The failure time only moves on a
// transition into the unreachable state.
func (r *Registry) SetStatus(addr protocol.HostAddr, reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(addr)
	if !reachable && e.reachable {
		e.lastFailureTime = time.Now()
	}
	e.reachable = reachable
}

// LastFailureTime returns when addr was last marked unreachable, zero if
// never.
func (r *Registry) LastFailureTime(addr protocol.HostAddr) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(addr).lastFailureTime
}

// CheckFailback arms the one-shot force-failback flag on a connection that
// is running on a non-primary host once the cooldown since the last failback
// attempt has elapsed. Only legal out of transaction: replaying host
// selection mid-transaction would abandon server state.
func (r *Registry) CheckFailback(c *handle.Conn) {
	if c.Status != handle.OutTran || c.CurHost == 0 || len(c.AltHosts) == 0 {
		return
	}
	primary := c.AddrAt(0)

	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(primary)
	if e.lastFailbackTry.IsZero() {
		e.lastFailbackTry = time.Now()
		return
	}
	if time.Since(e.lastFailbackTry) >= c.RCTime {
		e.lastFailbackTry = time.Now()
		c.ForceFailback = true
	}
}

// UnreachableHosts returns the hosts currently marked unreachable; the
// background checker probes these.
func (r *Registry) UnreachableHosts() []protocol.HostAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.HostAddr
	for addr, e := range r.hosts {
		if !e.reachable {
			out = append(out, addr)
		}
	}
	return out
}

// HostStat is one row of the stats surface.
type HostStat struct {
	Host        string    `json:"host"`
	Reachable   bool      `json:"reachable"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Snapshot returns the registry contents for the stats surface.
func (r *Registry) Snapshot() []HostStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HostStat, 0, len(r.hosts))
	for addr, e := range r.hosts {
		out = append(out, HostStat{Host: addr.String(), Reachable: e.reachable, LastFailure: e.lastFailureTime})
	}
	return out
}
