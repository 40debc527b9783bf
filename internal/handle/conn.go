// Package handle owns the process-wide connection handle table, the child
// request handles, and the per-connection statement pool. External callers
// only ever see mapped integer ids; the table lends handles out through
// id lookups and takes them back on release.
package handle

import (
	"strings"
	"time"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/protocol"
)

// Connection transaction status.
type TranStatus int

const (
	OutTran TranStatus = iota
	InTran
)

// Tri-state for the server's no_backslash_escapes setting, fetched lazily.
const (
	BackslashEscapesNotSet = -1
	BackslashEscapesFalse  = 0
	BackslashEscapesTrue   = 1
)

// AlterHostMaxSize bounds the alternate-host list of one connection.
const AlterHostMaxSize = 4

// DefaultRCTime is the reconnect cooldown, in seconds, after which a failed
// host is probed again so traffic can rebalance onto a recovered primary.
const DefaultRCTime = 600 * time.Second

const reqHandleGrow = 256

// Conn is one connection handle: the session state shared by every request
// flowing over one broker socket.
type Conn struct {
	// Slot is the index of this handle in the table; MappedID is the
	// external cookie callers hold.
	Slot     int
	MappedID int

	Host     protocol.HostAddr
	DBName   string
	User     string
	Password string
	// URL is the canonical connection string, password masked. Fixed for
	// the life of the handle.
	URL string

	// Sock is nil while disconnected.
	Sock   protocol.Requester
	Broker protocol.BrokerInfo

	AltHosts []protocol.HostAddr
	CurHost  int
	RCTime   time.Duration
	// ForceFailback is armed by the host registry when the cooldown since
	// the last failure has elapsed; the next top-level operation
	// hard-closes the socket and re-runs host selection.
	ForceFailback bool

	Status     TranStatus
	Autocommit bool
	Isolation  protocol.Isolation
	LockTimeout int

	LoginTimeout time.Duration
	QueryTimeout time.Duration
	// CurrentTimeout is the deadline in effect for the call in flight;
	// StartTime is zero when no deadline is active.
	CurrentTimeout time.Duration
	StartTime      time.Time

	DisconnectOnQueryTimeout bool
	SlowQueryThreshold       time.Duration

	NoBackslashEscapes int
	Holdability        int
	ShardID            int
	LastInsertID       string

	ErrBuf ccierr.Buffer

	// Used is the soft exclusion flag: set while a public call is in
	// flight; the handle must not be freed or reclaimed while set.
	Used bool

	// Persistent marks a handle opened through the process-wide cache
	// path; disconnect parks it instead of closing.
	Persistent bool

	// Datasource is the owning pool, if any. Typed as an opaque value to
	// keep the ownership arrow pointing outward.
	Datasource any

	reqHandles []*Req
	stmtPool   stmtPool
}

func newConn(slot int, host protocol.HostAddr, db, user, pass, url string) *Conn {
	return &Conn{
		Slot:               slot,
		Host:               host,
		DBName:             db,
		User:               user,
		Password:           pass,
		URL:                url,
		CurHost:            0,
		RCTime:             DefaultRCTime,
		Status:             OutTran,
		Autocommit:         true,
		Isolation:          protocol.TranUnknownIsolation,
		LockTimeout:        -1,
		NoBackslashEscapes: BackslashEscapesNotSet,
		reqHandles:         make([]*Req, reqHandleGrow),
		stmtPool:           newStmtPool(),
	}
}

// Connected reports whether a live socket is attached.
func (c *Conn) Connected() bool { return c.Sock != nil }

// CloseSocket drops the socket. Per the session invariant, a connection with
// no socket is OUT_TRAN.
func (c *Conn) CloseSocket() {
	if c.Sock != nil {
		_ = c.Sock.Close()
		c.Sock = nil
	}
	c.Status = OutTran
}

// AbandonSocket detaches the socket without closing it. Used when a
// borrower may still be blocked on the wire and the client side must be
// reclaimed anyway.
func (c *Conn) AbandonSocket() {
	c.Sock = nil
	c.Status = OutTran
}

// SyncTranStatus refreshes the transaction status from the last response's
// status byte.
func (c *Conn) SyncTranStatus() {
	if c.Sock == nil {
		c.Status = OutTran
		return
	}
	if c.Sock.InTransaction() {
		c.Status = InTran
	} else {
		c.Status = OutTran
	}
}

// CurrentAddr returns the alternate host currently selected, falling back to
// the primary endpoint when no alternate list is configured.
func (c *Conn) CurrentAddr() protocol.HostAddr {
	if len(c.AltHosts) == 0 {
		return c.Host
	}
	return c.AltHosts[c.CurHost]
}

// HostCount returns how many hosts the connect walk visits.
func (c *Conn) HostCount() int {
	if len(c.AltHosts) == 0 {
		return 1
	}
	return len(c.AltHosts)
}

// AddrAt returns the walk target at index idx.
func (c *Conn) AddrAt(idx int) protocol.HostAddr {
	if len(c.AltHosts) == 0 {
		return c.Host
	}
	return c.AltHosts[idx]
}

// SetStartTimeForQuery arms the per-request deadline. A request-level
// override takes precedence over the connection's query timeout.
func (c *Conn) SetStartTimeForQuery(req *Req) {
	timeout := c.QueryTimeout
	if req != nil && req.QueryTimeout > 0 {
		timeout = req.QueryTimeout
	}
	if timeout <= 0 {
		c.StartTime = time.Time{}
		c.CurrentTimeout = 0
		return
	}
	c.StartTime = time.Now()
	c.CurrentTimeout = timeout
}

// SetStartTimeForLogin arms the login deadline.
func (c *Conn) SetStartTimeForLogin() {
	if c.LoginTimeout <= 0 {
		c.StartTime = time.Time{}
		c.CurrentTimeout = 0
		return
	}
	c.StartTime = time.Now()
	c.CurrentTimeout = c.LoginTimeout
}

// ResetStartTime clears any active deadline.
func (c *Conn) ResetStartTime() {
	c.StartTime = time.Time{}
	c.CurrentTimeout = 0
}

// HasDeadline reports whether a deadline is armed.
func (c *Conn) HasDeadline() bool { return !c.StartTime.IsZero() }

// RemainingBudget returns how much of the active deadline is left. With no
// deadline armed it returns zero (meaning: unbounded).
func (c *Conn) RemainingBudget() time.Duration {
	if !c.HasDeadline() {
		return 0
	}
	rem := c.CurrentTimeout - time.Since(c.StartTime)
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Req returns the child request handle at local id, or nil.
func (c *Conn) Req(localID int) *Req {
	if localID < 1 || localID > len(c.reqHandles) {
		return nil
	}
	return c.reqHandles[localID-1]
}

// allocReq finds the first unused local index, growing the vector by 256
// when full, and installs a fresh request handle there.
func (c *Conn) allocReq() *Req {
	idx := -1
	for i, r := range c.reqHandles {
		if r == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(c.reqHandles)
		c.reqHandles = append(c.reqHandles, make([]*Req, reqHandleGrow)...)
	}
	r := newReq(c, idx+1)
	c.reqHandles[idx] = r
	return r
}

func (c *Conn) unlinkReq(r *Req) {
	if r == nil {
		return
	}
	if r.LocalID >= 1 && r.LocalID <= len(c.reqHandles) && c.reqHandles[r.LocalID-1] == r {
		c.reqHandles[r.LocalID-1] = nil
	}
	r.conn = nil
}

// InvalidateAllReqHandles clears the valid flag on every child so the next
// execute re-prepares. Called after every successful reconnect: the cached
// server-side statement ids are stale.
func (c *Conn) InvalidateAllReqHandles() {
	for _, r := range c.reqHandles {
		if r != nil {
			r.Valid = false
		}
	}
}

// EachReq visits every live child request handle.
func (c *Conn) EachReq(fn func(*Req)) {
	for _, r := range c.reqHandles {
		if r != nil {
			fn(r)
		}
	}
}

// Pool returns the per-connection statement pool.
func (c *Conn) Pool() *stmtPool { return &c.stmtPool }

// MatchesKey reports whether this handle serves the exact five-tuple. This is
// the physical-connection-reuse test used by the pconnect path and the pool.
func (c *Conn) MatchesKey(host protocol.HostAddr, db, user, pass string) bool {
	return c.Host == host && c.DBName == db && c.User == user && c.Password == pass
}

// MaskURL rewrites the password field of a canonical URL with asterisks.
func MaskURL(url string) string {
	// cci:<kind>:<host>:<port>:<db>:<user>:<password>:?props
	parts := strings.SplitN(url, ":", 8)
	if len(parts) < 7 {
		return url
	}
	if parts[6] != "" {
		parts[6] = "********"
	}
	return strings.Join(parts, ":")
}
