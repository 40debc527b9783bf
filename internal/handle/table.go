package handle

import (
	"math/rand"
	"sync"

	"github.com/gocci/gocci/ccierr"
	"github.com/gocci/gocci/internal/protocol"
)

// MaxConHandle is the size of the process-wide connection handle table.
const MaxConHandle = 1024

// ConnIDFactor separates the slot part from the cookie part of mapped
// connection ids; mapped statement ids are drawn from a counter that starts
// above it.
const ConnIDFactor = 1_000_000

// pconnectPoolMax bounds the process-wide cache of parked connections.
const pconnectPoolMax = 256

type stmtRef struct {
	slot       int
	local      int
	connMapped int
}

// Table is the process-wide handle table. It owns every connection handle
// and the two opaque-cookie namespaces (connection, statement); callers hold
// mapped ids only. All mutation happens under one short-held lock.
type Table struct {
	mu       sync.Mutex
	slots    [MaxConHandle]*Conn
	lastSlot int

	pconnect []*Conn

	connMap map[int]int
	stmtMap map[int]stmtRef

	// cookie seeds the mapped-id namespaces once per process so a mapped
	// id from a previous run (or a freed handle) never resolves.
	cookie   int
	stmtNext int
}

// NewTable builds an empty handle table. Production code uses the package
// singleton; tests build their own.
func NewTable() *Table {
	c := rand.Intn(ConnIDFactor-2) + 1
	return &Table{
		connMap:  make(map[int]int),
		stmtMap:  make(map[int]stmtRef),
		cookie:   c,
		stmtNext: ConnIDFactor + rand.Intn(ConnIDFactor),
	}
}

var (
	globalOnce sync.Once
	global     *Table
)

// Global returns the process-wide table, creating it on first use.
func Global() *Table {
	globalOnce.Do(func() { global = NewTable() })
	return global
}

func (t *Table) nextCookie() int {
	t.cookie = t.cookie%(ConnIDFactor-1) + 1
	return t.cookie
}

// AllocOrReuse returns a parked pconnect handle matching the exact
// (host, db, user, password) tuple, or installs a freshly initialized handle
// in the first empty slot. The round-robin scan starts after the last
// allocated slot so freed ids are not immediately recycled.
func (t *Table) AllocOrReuse(host protocol.HostAddr, db, user, pass, url string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, c := range t.pconnect {
		if c.MatchesKey(host, db, user, pass) {
			t.pconnect = append(t.pconnect[:i], t.pconnect[i+1:]...)
			t.mapConnLocked(c)
			c.Used = true
			return c, nil
		}
	}

	for i := 0; i < MaxConHandle; i++ {
		slot := (t.lastSlot+i)%MaxConHandle + 1
		if t.slots[slot-1] == nil {
			t.lastSlot = slot
			c := newConn(slot, host, db, user, pass, url)
			t.slots[slot-1] = c
			t.mapConnLocked(c)
			c.Used = true
			return c, nil
		}
	}
	return nil, ccierr.New(ccierr.ErrAllocConHandle, "")
}

func (t *Table) mapConnLocked(c *Conn) {
	if c.MappedID != 0 {
		delete(t.connMap, c.MappedID)
	}
	c.MappedID = c.Slot*ConnIDFactor + t.nextCookie()
	t.connMap[c.MappedID] = c.Slot
}

// GetConn resolves a mapped connection id and marks the handle used. A handle
// already in use is refused unless force is set; force is reserved for the
// cancel path.
func (t *Table) GetConn(mappedID int, force bool) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.lookupConnLocked(mappedID)
	if err != nil {
		return nil, err
	}
	if c.Used && !force {
		return nil, ccierr.New(ccierr.ErrUsedConnection, "")
	}
	if !force {
		c.Used = true
	}
	return c, nil
}

func (t *Table) lookupConnLocked(mappedID int) (*Conn, error) {
	slot, ok := t.connMap[mappedID]
	if !ok || slot < 1 || slot > MaxConHandle {
		return nil, ccierr.New(ccierr.ErrConHandle, "")
	}
	c := t.slots[slot-1]
	if c == nil || c.MappedID != mappedID {
		return nil, ccierr.New(ccierr.ErrConHandle, "")
	}
	return c, nil
}

// PeekConn resolves a mapped id without touching the used flag.
func (t *Table) PeekConn(mappedID int) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupConnLocked(mappedID)
}

// Release clears the used flag.
func (t *Table) Release(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.Used = false
}

// Free tears a connection handle down: closes the socket if open, frees all
// child request handles, and blanks the slot. The mapped id stops resolving.
func (t *Table) Free(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freeLocked(c)
}

func (t *Table) freeLocked(c *Conn) {
	c.CloseSocket()
	c.EachReq(func(r *Req) {
		t.unmapReqLocked(r)
		c.unlinkReq(r)
	})
	delete(t.connMap, c.MappedID)
	if c.Slot >= 1 && c.Slot <= MaxConHandle && t.slots[c.Slot-1] == c {
		t.slots[c.Slot-1] = nil
	}
	c.MappedID = 0
	c.Used = false
}

// PutPconnect parks a handle in the process-wide cache for later reuse by
// AllocOrReuse. Returns false when the cache is full; the caller then frees
// the handle outright. The mapped id is retired so stale callers cannot
// reach the parked handle.
func (t *Table) PutPconnect(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pconnect) >= pconnectPoolMax {
		return false
	}
	delete(t.connMap, c.MappedID)
	c.MappedID = 0
	c.Used = false
	t.pconnect = append(t.pconnect, c)
	return true
}

// AllocReq installs a fresh request handle on the connection and maps it.
func (t *Table) AllocReq(c *Conn) *Req {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := c.allocReq()
	t.mapReqLocked(c, r)
	return r
}

// MapReq assigns a fresh mapped id to an existing request handle, e.g. when
// a parked pooled statement is lent out again.
func (t *Table) MapReq(c *Conn, r *Req) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mapReqLocked(c, r)
}

func (t *Table) mapReqLocked(c *Conn, r *Req) {
	if r.MappedID != 0 {
		delete(t.stmtMap, r.MappedID)
	}
	t.stmtNext++
	r.MappedID = t.stmtNext
	t.stmtMap[r.MappedID] = stmtRef{slot: c.Slot, local: r.LocalID, connMapped: c.MappedID}
}

// UnmapReq retires a request handle's mapped id, e.g. when the handle is
// parked in the statement pool.
func (t *Table) UnmapReq(r *Req) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unmapReqLocked(r)
}

func (t *Table) unmapReqLocked(r *Req) {
	if r.MappedID != 0 {
		delete(t.stmtMap, r.MappedID)
		r.MappedID = 0
	}
}

// GetReq resolves a mapped statement id to its connection and request handle
// and marks the connection used.
func (t *Table) GetReq(mappedStmtID int) (*Conn, *Req, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.stmtMap[mappedStmtID]
	if !ok {
		return nil, nil, ccierr.New(ccierr.ErrReqHandle, "")
	}
	c := t.slots[ref.slot-1]
	if c == nil || c.MappedID != ref.connMapped {
		return nil, nil, ccierr.New(ccierr.ErrReqHandle, "")
	}
	r := c.Req(ref.local)
	if r == nil || r.MappedID != mappedStmtID {
		return nil, nil, ccierr.New(ccierr.ErrReqHandle, "")
	}
	if c.Used {
		return nil, nil, ccierr.New(ccierr.ErrUsedConnection, "")
	}
	c.Used = true
	return c, r, nil
}

// FreeReq frees a request handle's content and unlinks it from its parent.
func (t *Table) FreeReq(c *Conn, r *Req) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unmapReqLocked(r)
	c.Pool().Drop(r.LocalID)
	r.FreeContent()
	c.unlinkReq(r)
}

// Stats is a point-in-time view of the table, for the stats surface.
type Stats struct {
	OpenConnections int `json:"open_connections"`
	PconnectParked  int `json:"pconnect_parked"`
	OpenStatements  int `json:"open_statements"`
}

// Snapshot returns current table statistics.
func (t *Table) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := 0
	for _, c := range t.slots {
		if c != nil {
			open++
		}
	}
	return Stats{
		OpenConnections: open,
		PconnectParked:  len(t.pconnect),
		OpenStatements:  len(t.stmtMap),
	}
}
